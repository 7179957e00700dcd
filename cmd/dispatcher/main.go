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
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"chatdispatch/internal/awsutil"
	"chatdispatch/internal/campaign"
	"chatdispatch/internal/config"
	"chatdispatch/internal/dispatcher"
	"chatdispatch/internal/gateway/httpgw"
	"chatdispatch/internal/httpapi"
	"chatdispatch/internal/httpserver"
	"chatdispatch/internal/logging"
	"chatdispatch/internal/notify"
	"chatdispatch/internal/observability"
	"chatdispatch/internal/queue"
	sqsqueue "chatdispatch/internal/queue/sqs"
	"chatdispatch/internal/session"
	"chatdispatch/internal/store/pg"
)

func main() {
	cfg := config.LoadDispatcher()
	logging.Init("dispatcher", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{MaxConns: cfg.DBMaxConns})
	if err != nil {
		slog.Error("dispatcher db connect failed", "err", err)
		os.Exit(1)
	}

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		slog.Error("dispatcher sqs client init failed", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	store := pg.New(db)
	sink := notify.NewAsync(notify.SlogSink{}, 256)

	sendTimeout := mustDuration("GATEWAY_SEND_TIMEOUT", cfg.GatewaySendTimeout)
	transport := &httpgw.Client{
		BaseURL: cfg.GatewayBaseURL,
		HTTP:    &http.Client{Timeout: sendTimeout + 2*time.Second},
	}

	registry := &session.Registry{
		Transport:   transport,
		Credentials: store,
		Cfg: session.Config{
			ReconnectCeiling: cfg.SessionReconnectCeiling,
			BackoffBase:      mustDuration("SESSION_BACKOFF_BASE", cfg.SessionBackoffBase),
			BackoffMax:       mustDuration("SESSION_BACKOFF_MAX", cfg.SessionBackoffMax),
			Heartbeat:        mustDuration("SESSION_HEARTBEAT", cfg.SessionHeartbeat),
			SendTimeout:      sendTimeout,
		},
		Sink:      sink,
		IdleGrace: mustDuration("SESSION_IDLE_GRACE", cfg.SessionIdleGrace),
	}

	q := &queue.Queue{
		Store:       store,
		SQS:         sqsClient,
		QueueURL:    cfg.SQSQueueURL,
		MaxAttempts: cfg.MaxSendAttempts,
		// rows stay leased a bit past the transport visibility window, so a
		// redelivered message never races the worker still holding the row
		LeaseStale: time.Duration(cfg.SQSVizTimeout)*time.Second + 30*time.Second,
	}

	scheduler := &campaign.Scheduler{Store: store, Queue: q, Sink: sink}
	q.Observer = scheduler

	limiter := rate.NewLimiter(rate.Limit(cfg.GatewayRPSPerPod), cfg.GatewayBurst)
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gateway-send",
		MaxRequests: 3,
		Timeout:     20 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 10
		},
	})

	disp := &dispatcher.Dispatcher{
		Queue:    q,
		Registry: registry,
		Limiter:  limiter,
		Breaker:  breaker,
	}

	// pick running campaigns back up from a previous process
	if running, err := store.RunningCampaigns(ctx); err != nil {
		slog.Error("list running campaigns failed", "err", err)
	} else if len(running) > 0 {
		slog.Info("resuming campaigns", "count", len(running))
		scheduler.ResumeRunning(ctx, running)
	}

	s := httpserver.New()
	control := &httpserver.Control{Campaigns: scheduler, Sessions: registry}
	control.Register(s.Mux)
	s.Mux.Handle("/metrics", promhttp.Handler())
	s.Mux.HandleFunc("/healthz", httpapi.Healthz())
	s.Mux.HandleFunc("/readyz", httpapi.Readyz(2*time.Second, func(ctx context.Context) error {
		return db.Ping(ctx)
	}))

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: s.Handler(observability.APIRequests),
	}
	go func() {
		slog.Info("dispatcher control listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("control server failed", "err", err)
		}
	}()

	consumer := &sqsqueue.Consumer{
		SQS:               sqsClient,
		QueueURL:          cfg.SQSQueueURL,
		WaitTimeSeconds:   cfg.SQSWaitTime,
		MaxMessages:       cfg.SQSMaxMsgs,
		VisibilityTimeout: cfg.SQSVizTimeout,
	}

	pollErrCh := make(chan error, 1)
	go func() {
		slog.Info("dispatcher polling", "queue_url", cfg.SQSQueueURL, "workers", cfg.WorkerConcurrency)
		pollErrCh <- consumer.PollConcurrent(ctx, cfg.WorkerConcurrency, disp.Handle)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("dispatcher shutdown", "signal", sig.String())
		cancel()
		<-pollErrCh
	case err := <-pollErrCh:
		if err != nil && err != context.Canceled {
			slog.Error("poll loop exited", "err", err)
		}
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	scheduler.Shutdown()
	registry.Shutdown(shutdownCtx)
	sink.Close()
	db.Close()
}

func mustDuration(name, raw string) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil {
		slog.Error("invalid duration", "name", name, "value", raw, "err", err)
		os.Exit(1)
	}
	return d
}
