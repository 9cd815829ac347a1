package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackcrane/sw-grader-api/internal/config"
	"github.com/jackcrane/sw-grader-api/internal/delivery/httpd"
	"github.com/jackcrane/sw-grader-api/internal/metrics"
	"github.com/jackcrane/sw-grader-api/internal/repository"
	"github.com/jackcrane/sw-grader-api/internal/service"
	"github.com/jackcrane/sw-grader-api/internal/service/analyzer"
	"github.com/jackcrane/sw-grader-api/internal/service/health"
	"github.com/jackcrane/sw-grader-api/internal/service/integration"
	"github.com/jackcrane/sw-grader-api/internal/worker"
	"github.com/jackcrane/sw-grader-api/internal/worker/pool"
	"github.com/jackcrane/sw-grader-api/internal/worker/queue"
	"github.com/rs/zerolog"
)

// Options selects which halves of the process run.
type Options struct {
	HTTP    bool
	Workers bool
}

type App struct {
	server  *http.Server
	logger  zerolog.Logger
	config  *config.Config
	options Options
	db      *repository.PostgresRepository

	rabbitMQRepo repository.RabbitMQRepository
	publisher    queue.RabbitMQPublisher
	monitor      *health.Monitor
	analyzerFIFO *pool.WorkerPool
	consumers    []*worker.Consumer
	sweeper      *worker.Sweeper
	queueMonitor *worker.QueueMonitor

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg *config.Config, log zerolog.Logger, db *sql.DB, opts Options) (*App, error) {
	queues := queue.Queues{
		Grading: cfg.RabbitMQ.GradingQueue,
		Sync:    cfg.RabbitMQ.SyncQueue,
		Billing: cfg.RabbitMQ.BillingQueue,
	}

	rabbitMQRepo := repository.NewRabbitMQRepository(
		cfg.RabbitMQ.URL,
		cfg.RabbitMQ.Exchange,
		queues.All(),
		cfg.RabbitMQ.ReconnectMaxDelay,
		log,
	)
	rabbitMQPublisher := queue.NewRabbitMQPublisher(rabbitMQRepo, cfg.RabbitMQ.PublishTimeout, log)
	jobs := queue.NewJobPublisher(rabbitMQPublisher, queues)

	storage, err := repository.NewMinIORepository(
		cfg.Storage.Endpoint,
		cfg.Storage.AccessKey,
		cfg.Storage.SecretKey,
		cfg.Storage.Bucket,
		cfg.Storage.Region,
		cfg.Storage.UseSSL,
		cfg.Storage.MaxDownloadBytes,
		log,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	postgres := repository.NewPostgresRepository(db, log)
	submissionRepo := repository.NewSubmissionRepository(db, log)
	assignmentRepo := repository.NewAssignmentRepository(db, log)
	enrollmentRepo := repository.NewEnrollmentRepository(db, log)
	ltiRepo, err := repository.NewCachedLTIRepository(
		repository.NewLTIRepository(db, log),
		cfg.Gradebook.CacheSize,
		cfg.Gradebook.CacheTTL,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create credential cache: %w", err)
	}

	collector := metrics.NewCollector()

	graderClient := integration.NewGraderClient(cfg.Grader.URL, cfg.Grader.Secret, log)
	monitor := health.NewMonitor(graderClient, cfg.Grader.HealthInterval, cfg.Grader.HealthTimeout, log)

	// Every analysis in this process goes through one worker, in order.
	analyzerFIFO := pool.NewWorkerPool(1, log)
	gateway := analyzer.NewGateway(graderClient, analyzerFIFO, monitor, cfg.Grader.AnalyzeTimeout, log)

	mailer := integration.NewMailer(
		cfg.Mail.SendgridAPIKey,
		cfg.Mail.FromName,
		cfg.Mail.FromAddress,
		cfg.Mail.SubjectPrefix,
		log,
	)

	gradingService := service.NewGradingService(
		submissionRepo,
		assignmentRepo,
		storage,
		gateway,
		monitor,
		jobs,
		service.GradingConfig{ScreenshotPrefix: cfg.Storage.ScreenshotPrefix},
		log,
	)

	gradebookService := service.NewGradebookService(
		submissionRepo,
		assignmentRepo,
		ltiRepo,
		jobs,
		service.GradebookConfig{
			MaxAttempts:    cfg.Gradebook.MaxAttempts,
			RetryBaseDelay: cfg.Gradebook.RetryBaseDelay,
			RetryMaxDelay:  cfg.Gradebook.RetryMaxDelay,
			Timeout:        cfg.Gradebook.Timeout,
		},
		log,
	)

	billingService := service.NewBillingService(
		enrollmentRepo,
		jobs,
		mailer,
		service.BillingConfig{
			WarningDelay: cfg.Billing.WarningDelay,
			DropDelay:    cfg.Billing.DropDelay,
		},
		log,
	)

	queueStats := service.NewQueueStats()
	estimator := service.NewQueuePositionEstimator(submissionRepo, queueStats, cfg.Grading.AvgDuration)
	statusService := service.NewStatusService(submissionRepo, estimator, monitor, log)
	signatureService := service.NewSignatureService(assignmentRepo, log)

	newConsumer := func(name string) queue.RabbitMQConsumer {
		return queue.NewRabbitMQConsumer(rabbitMQRepo, name, cfg.RabbitMQ.ConsumerTag+"-"+name, cfg.RabbitMQ.PrefetchCount, log)
	}
	gradingConsumer := newConsumer(queues.Grading)
	syncConsumer := newConsumer(queues.Sync)
	billingConsumer := newConsumer(queues.Billing)

	a := &App{
		logger:       log,
		config:       cfg,
		options:      opts,
		db:           postgres,
		rabbitMQRepo: rabbitMQRepo,
		publisher:    rabbitMQPublisher,
		monitor:      monitor,
		analyzerFIFO: analyzerFIFO,
	}

	a.queueMonitor = worker.NewQueueMonitor(
		gradingConsumer,
		[]queue.RabbitMQConsumer{syncConsumer, billingConsumer},
		queueStats,
		submissionRepo,
		monitor,
		cfg.RabbitMQ.PollInterval,
		collector,
		log,
	)
	monitor.Subscribe(a.queueMonitor.OnHealthChange)

	a.sweeper = worker.NewSweeper(
		submissionRepo,
		gradingService,
		monitor,
		queueStats,
		worker.SweeperConfig{
			Interval:   cfg.Grading.SweepInterval,
			StaleAfter: cfg.Grading.SweepStaleAfter,
			BatchSize:  cfg.Grading.SweepBatchSize,
		},
		collector,
		log,
	)

	if opts.Workers {
		monitor.Subscribe(a.sweeper.OnHealthChange)

		workers := cfg.RabbitMQ.PrefetchCount
		a.consumers = []*worker.Consumer{
			worker.NewSubmissionWorker(pool.NewWorkerPool(workers, log), gradingConsumer, gradingService, cfg.Grader.RequeueDelay, collector, log),
			worker.NewGradebookWorker(pool.NewWorkerPool(workers, log), syncConsumer, gradebookService, cfg.Grader.RequeueDelay, collector, log),
			worker.NewBillingWorker(pool.NewWorkerPool(workers, log), billingConsumer, billingService, cfg.Grader.RequeueDelay, collector, log),
		}
	}

	if opts.HTTP {
		handler := httpd.NewHandler(
			gradingService,
			statusService,
			signatureService,
			billingService,
			monitor,
			postgres,
			rabbitMQRepo,
			collector.Handler(),
			httpd.HandlerConfig{
				GraderSecret:   cfg.Grader.Secret,
				MaxUploadBytes: cfg.Server.MaxUploadBytes,
				StatusInterval: cfg.Grading.StatusInterval,
			},
			log,
		)

		router := chi.NewRouter()

		router.Use(middleware.RequestID)
		router.Use(middleware.RealIP)
		router.Use(httpd.RequestLogger(log))
		router.Use(middleware.Recoverer)

		router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORS.AllowedOrigins,
			AllowedMethods:   cfg.CORS.AllowedMethods,
			AllowedHeaders:   cfg.CORS.AllowedHeaders,
			ExposedHeaders:   cfg.CORS.ExposedHeaders,
			AllowCredentials: cfg.CORS.AllowCredentials,
			MaxAge:           cfg.CORS.MaxAge,
		}))

		handler.RegisterRoutes(router)

		a.server = &http.Server{
			Addr:         cfg.Server.Address,
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		}
	}

	return a, nil
}

// Run starts the background components and, if enabled, the HTTP server.
// It returns when ctx is cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.analyzerFIFO.Start(ctx); err != nil {
		return fmt.Errorf("failed to start analyzer queue: %w", err)
	}

	a.monitor.Start(ctx)
	a.queueMonitor.Start(ctx)

	if a.options.Workers {
		for _, c := range a.consumers {
			if err := c.Start(ctx); err != nil {
				return err
			}
		}
		a.sweeper.Start(ctx)
	}

	if a.server == nil {
		a.logger.Info().Msg("Grading workers running")
		<-ctx.Done()
		return nil
	}

	errCh := make(chan error, 1)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logger.Info().Msgf("Starting grader API on %s", a.config.Server.Address)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	}
}

// Sweep re-enqueues stale ungraded submissions once and returns the count.
func (a *App) Sweep(ctx context.Context) (int, error) {
	return a.sweeper.Sweep(ctx)
}

func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info().Msg("Shutting down grader...")

	var serverErr error
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			a.logger.Error().Err(err).Msg("Failed to shutdown HTTP server")
			serverErr = err
		}
	}

	if a.cancel != nil {
		a.cancel()
	}

	for _, c := range a.consumers {
		if err := c.Stop(); err != nil {
			a.logger.Error().Err(err).Msg("Failed to stop worker")
		}
	}
	if a.options.Workers {
		a.sweeper.Wait()
	}
	a.queueMonitor.Wait()
	a.monitor.Stop()

	if err := a.analyzerFIFO.Stop(); err != nil {
		a.logger.Error().Err(err).Msg("Failed to stop analyzer queue")
	}

	if err := a.publisher.Close(); err != nil {
		a.logger.Error().Err(err).Msg("Failed to close RabbitMQ publisher")
	}

	if a.rabbitMQRepo != nil {
		if err := a.rabbitMQRepo.Close(); err != nil {
			a.logger.Error().Err(err).Msg("Failed to close RabbitMQ connection")
		}
	}

	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Error().Err(err).Msg("Failed to close database connection")
		}
	}

	a.wg.Wait()
	a.logger.Info().Msg("Grader stopped")
	return serverErr
}
