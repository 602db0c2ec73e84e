package app

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/openlearn/commerce/internal/domain/enrollment"
	"github.com/openlearn/commerce/internal/openedx"
	"github.com/openlearn/commerce/internal/storage/postgres"
	"github.com/openlearn/commerce/internal/worker"
	"github.com/openlearn/commerce/pkg/health"
	"github.com/openlearn/commerce/pkg/httpmiddleware"
)

// RunWorker wires and runs the side-effect worker: the Kafka consumer that
// enrolls purchasers, sends receipts, and processes unenrollments, plus an
// HTTP server exposing health probes and Prometheus metrics.
func RunWorker(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing worker",
		zap.String("addr", cfg.Addr),
		zap.Strings("brokers", cfg.Kafka.Brokers),
		zap.String("group", cfg.Kafka.ConsumerGroup),
	)

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	// Shared Kafka client for the readiness probe.
	kafkaClient, err := sarama.NewClient(cfg.Kafka.Brokers, sarama.NewConfig())
	if err != nil {
		return errors.Wrap(err, "create kafka client")
	}
	defer func() { _ = kafkaClient.Close() }()

	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
	// Brokers rebalance routinely; tolerate a few failed metadata refreshes
	// before going unready.
	healthSvc.AddReadinessCheck("kafka", 5*time.Second, health.KafkaCheck(kafkaClient),
		health.WithFailureThreshold(5))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.Start(ctx, 10*time.Second)

	// Enrollment stack.
	platform := openedx.NewClient(openedx.Config{
		BaseURL: cfg.OpenEdx.BaseURL,
		Token:   cfg.OpenEdx.AccessToken,
		Timeout: cfg.OpenEdx.Timeout,
	})
	enrollmentRepo := postgres.NewEnrollmentRepository(pool)
	enrollments := enrollment.NewService(enrollment.Config{
		Repo:        enrollmentRepo,
		Runs:        postgres.NewCourseRunRepository(pool),
		Platform:    platform,
		IsTransient: openedx.IsTransient,
	})

	// Metrics and dead letter queue.
	registry := prometheus.NewRegistry()
	metrics := worker.NewMetrics(registry)

	dlq, err := worker.NewDLQProducer(cfg.Kafka.Brokers, cfg.Kafka.DLQTopic, metrics)
	if err != nil {
		return errors.Wrap(err, "create dlq producer")
	}
	defer func() { _ = dlq.Close() }()

	mail := worker.NewSMTPEmailSender(
		cfg.SMTP.Host, strconv.Itoa(cfg.SMTP.Port),
		cfg.SMTP.Username, cfg.SMTP.Password, cfg.SMTP.From,
	)

	service := worker.NewService(worker.Config{
		Enrollments: enrollments,
		Repo:        enrollmentRepo,
		Users:       postgres.NewUserRepository(pool),
		Mail:        mail,
		DLQ:         dlq,
		Metrics:     metrics,

		KeepFailedEnrollments: cfg.OpenEdx.KeepFailedEnrollments,
	})

	consumer, err := worker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, service)
	if err != nil {
		return errors.Wrap(err, "create consumer")
	}
	defer func() { _ = consumer.Close() }()

	// Probe + metrics server.
	mux := http.NewServeMux()
	mux.HandleFunc("/livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("/readyz", healthSvc.ReadyEndpoint)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.Recovery(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
		),
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	healthSvc.SetReady(true)
	lg.Info("Worker consuming")

	consumeErr := make(chan error, 1)
	go func() {
		consumeErr <- consumer.Consume(ctx)
	}()

	var runErr error
	select {
	case runErr = <-serverErr:
	case runErr = <-consumeErr:
	case <-ctx.Done():
		runErr = <-consumeErr
	}

	healthSvc.SetReady(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		lg.Error("Server shutdown error", zap.Error(err))
	}
	healthSvc.Stop()

	return runErr
}
