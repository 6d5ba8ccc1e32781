package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"dialer/internal/awsutil"
	"dialer/internal/config"
	"dialer/internal/dispatch"
	"dialer/internal/httpapi"
	"dialer/internal/logging"
	"dialer/internal/observability"
	"dialer/internal/providers/twilio"
	sqsqueue "dialer/internal/queue/sqs"
	"dialer/internal/service"
	"dialer/internal/store/pg"
)

func main() {
	cfg := config.LoadAPI()
	logging.Init("api", cfg.LogFormat)

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
		slog.Error("api db connect failed", "err", err)
		os.Exit(1)
	}

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		slog.Error("api sqs client init failed", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	store := pg.New(db)
	producer := &sqsqueue.Producer{SQS: sqsClient, QueueURL: cfg.SQSQueueURL}

	dialTimeout := time.Duration(cfg.DialTimeoutMs) * time.Millisecond
	base := strings.TrimSuffix(cfg.PublicBaseURL, "/")
	dispatcher := &dispatch.Dispatcher{
		Store: store,
		Dialer: &twilio.Client{
			AccountSID: cfg.TwilioAccountSID,
			AuthToken:  cfg.TwilioAuthToken,
			HTTP:       &http.Client{Timeout: dialTimeout},
			BaseURL:    cfg.TwilioBaseURL,
		},
		From: cfg.TwilioFromNumber,
		Callbacks: twilio.CallbackConfig{
			FlowURL:          base + "/v1/webhooks/twilio/flow",
			StatusURL:        base + "/v1/webhooks/twilio/status",
			DTMFURL:          base + "/v1/webhooks/twilio/dtmf",
			MachineDetection: cfg.MachineDetection,
		},
		BatchSize:   cfg.BatchSize,
		DialTimeout: dialTimeout,
		Pacer:       rate.NewLimiter(rate.Every(time.Duration(cfg.InterCallMs)*time.Millisecond), 1),
		Breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "twilio",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= uint32(cfg.BreakerFailures)
			},
		}),
	}

	svc := &service.QueueService{
		Store:  store,
		Runner: dispatcher,
		Jobs:   producer,
	}

	s := httpapi.New()
	api := &httpapi.API{Svc: svc}
	api.Register(s.Mux)

	s.Mux.HandleFunc("/healthz", httpapi.Healthz())
	s.Mux.HandleFunc("/readyz", httpapi.Readyz(2*time.Second, func(ctx context.Context) error {
		return db.Ping(ctx)
	}))

	handler := httpapi.Logging(httpapi.Metrics(observability.APIRequests)(s.Mux))
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: handler,
	}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: promhttp.Handler()}

	go func() {
		slog.Info("api metrics listening", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("api metrics server failed", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("api shutdown", "signal", sig.String())
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	slog.Info("api listening", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("api server failed", "err", err)
		os.Exit(1)
	}

	db.Close()
}
