package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"dialer/internal/awsutil"
	"dialer/internal/config"
	"dialer/internal/dispatch"
	"dialer/internal/domain"
	"dialer/internal/httpapi"
	"dialer/internal/logging"
	"dialer/internal/observability"
	"dialer/internal/providers/twilio"
	sqsqueue "dialer/internal/queue/sqs"
	"dialer/internal/store/pg"
)

func main() {
	cfg := config.LoadWorker()
	logging.Init("worker", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{
		MaxConns:          cfg.DBPoolMaxConns,
		MinConns:          cfg.DBPoolMinConns,
		MaxConnLifetime:   cfg.DBPoolMaxConnLifetime,
		MaxConnIdleTime:   cfg.DBPoolMaxConnIdleTime,
		HealthCheckPeriod: cfg.DBPoolHealthCheckPeriod,
	})
	if err != nil {
		slog.Error("worker db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	store := pg.New(db)

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		slog.Error("worker sqs client init failed", "err", err)
		os.Exit(1)
	}

	startupCtx, startupCancel := context.WithTimeout(ctx, 3*time.Second)
	defer startupCancel()

	if err := db.Ping(startupCtx); err != nil {
		slog.Error("db not reachable", "err", err)
		os.Exit(1)
	}
	if _, err := sqsClient.GetQueueAttributes(startupCtx, &sqs.GetQueueAttributesInput{
		QueueUrl:       &cfg.SQSQueueURL,
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
	}); err != nil {
		slog.Error("sqs not reachable", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	consumer := &sqsqueue.Consumer{
		SQS: sqsClient, QueueURL: cfg.SQSQueueURL,
		WaitTimeSeconds:   cfg.SQSWaitTime,
		MaxMessages:       cfg.SQSMaxMsgs,
		VisibilityTimeout: cfg.SQSVizTimeout,
	}
	producer := &sqsqueue.Producer{SQS: sqsClient, QueueURL: cfg.SQSQueueURL}

	// health server (liveness + readiness)
	healthMux := httpapi.New().Mux
	healthMux.HandleFunc("/healthz", httpapi.Healthz())
	healthMux.HandleFunc("/readyz", httpapi.Readyz(2*time.Second,
		func(c context.Context) error { return db.Ping(c) },
		func(c context.Context) error {
			_, err := sqsClient.GetQueueAttributes(c, &sqs.GetQueueAttributesInput{
				QueueUrl:       &cfg.SQSQueueURL,
				AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
			})
			return err
		},
	))

	healthSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: httpapi.Logging(healthMux),
	}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: promhttp.Handler()}

	healthErrCh := make(chan error, 1)
	go func() {
		slog.Info("worker health listening", "port", cfg.Port)
		healthErrCh <- healthSrv.ListenAndServe()
	}()
	metricsErrCh := make(chan error, 1)
	go func() {
		slog.Info("worker metrics listening", "port", cfg.MetricsPort)
		metricsErrCh <- metricsSrv.ListenAndServe()
	}()

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

	replayDelay := time.Duration(cfg.BatchReplayMs) * time.Millisecond

	pollErrCh := make(chan error, 1)
	go func() {
		slog.Info("worker starting poll", "queue_url", cfg.SQSQueueURL)
		pollErrCh <- consumer.Poll(ctx, func(ctx context.Context, job sqsqueue.BatchJob) error {
			start := time.Now()
			res, err := dispatcher.RunBatch(ctx, job.QueueID)
			if err != nil {
				// A vanished queue or a queue someone else is stepping is not
				// a job failure; dropping the message avoids a redrive loop.
				if errors.Is(err, domain.ErrQueueNotFound) || errors.Is(err, domain.ErrInvalidState) {
					slog.Info("worker batch skipped", "queue_id", job.QueueID, "reason", err.Error())
					return nil
				}
				slog.Error("worker batch failed", "queue_id", job.QueueID, "err", err, "duration", time.Since(start))
				return err
			}

			slog.Info("worker batch done",
				"queue_id", job.QueueID,
				"called", res.CalledCount,
				"failed", res.FailedCount,
				"remaining", res.Remaining,
				"completed", res.Completed,
				"duration", time.Since(start),
			)

			if res.ShouldContinue {
				if err := producer.EnqueueBatch(ctx, job.QueueID, replayDelay); err != nil {
					observability.Enqueues.WithLabelValues("error").Inc()
					return err
				}
				observability.Enqueues.WithLabelValues("ok").Inc()
			}
			return nil
		})
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-pollErrCh:
		if err != nil && err != context.Canceled {
			slog.Error("worker poll failed", "err", err)
			os.Exit(1)
		}
	case err := <-healthErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("worker health server failed", "err", err)
			os.Exit(1)
		}
	case err := <-metricsErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("worker metrics server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("worker shutdown", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)

	select {
	case <-pollErrCh:
	case <-time.After(10 * time.Second):
		slog.Info("worker shutdown timeout waiting for poll loop")
	}
}
