package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dialer/internal/config"
	"dialer/internal/correlate"
	"dialer/internal/httpapi"
	"dialer/internal/httpserver"
	"dialer/internal/logging"
	"dialer/internal/observability"
	"dialer/internal/providers/twilio"
	"dialer/internal/store/pg"
)

func main() {
	cfg := config.LoadWebhook()
	logging.Init("webhook", cfg.LogFormat)

	if cfg.SkipSignatureCheck {
		slog.Warn("webhook signature verification DISABLED")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{
		MaxConns:          cfg.DBPoolMaxConns,
		MinConns:          cfg.DBPoolMinConns,
		MaxConnLifetime:   cfg.DBPoolMaxConnLifetime,
		MaxConnIdleTime:   cfg.DBPoolMaxConnIdleTime,
		HealthCheckPeriod: cfg.DBPoolHealthCheckPeriod,
	})
	if err != nil {
		slog.Error("webhook db connect failed", "err", err)
		os.Exit(1)
	}
	store := pg.New(db)

	observability.Register(prometheus.DefaultRegisterer)

	s := httpserver.New()
	wh := &httpserver.Webhook{
		Correlator:      &correlate.Correlator{Store: store},
		VerifySignature: twilio.VerifySignature,
		AuthToken:       cfg.TwilioAuthToken,
		PublicBaseURL:   cfg.PublicBaseURL,
		SkipVerify:      cfg.SkipSignatureCheck,
	}
	wh.Register(s.Mux)

	s.Mux.HandleFunc("/healthz", httpapi.Healthz())
	s.Mux.HandleFunc("/readyz", httpapi.Readyz(2*time.Second, func(ctx context.Context) error {
		return db.Ping(ctx)
	}))

	handler := httpserver.Logging(httpserver.Metrics(observability.APIRequests)(s.Mux))
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: handler,
	}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: promhttp.Handler()}

	go func() {
		slog.Info("webhook metrics listening", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("webhook metrics server failed", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("webhook shutdown", "signal", sig.String())
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	slog.Info("webhook listening", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("webhook server failed", "err", err)
		os.Exit(1)
	}
	db.Close()
}
