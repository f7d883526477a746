package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"tuition-service/common/logger"
	"tuition-service/common/telemetry"
	"tuition-service/internal/admin"
	"tuition-service/internal/auth"
	"tuition-service/internal/config"
	"tuition-service/internal/db"
	"tuition-service/internal/events"
	"tuition-service/internal/health"
	"tuition-service/internal/importer"
	"tuition-service/internal/intake"
	"tuition-service/internal/ledger"
	"tuition-service/internal/messaging"
	"tuition-service/internal/metrics"
	"tuition-service/internal/middleware"
	"tuition-service/internal/student"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/uptrace/bun"
	"google.golang.org/grpc"
)

type App struct {
	config       *config.Config
	router       chi.Router
	server       *http.Server
	grpcServer   *grpc.Server
	db           *bun.DB
	telemetry    *telemetry.Telemetry
	publisher    events.Publisher
	bankConsumer paymentConsumer
	health       *health.Handler
	logger       *slog.Logger
}

func New(ctx context.Context) (*App, error) {
	slogLogger := logger.NewWithServiceContext(ServiceName, Version)

	// Set as default logger so slog.Info() uses JSON format
	slog.SetDefault(slogLogger)

	slogLogger.Info("initializing application", "version", Version, "commit", GitCommit, "built", BuildTime)

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	slogLogger.Info("config loaded", "env", cfg.Env)

	tel, err := telemetry.Init(ctx, telemetry.Options{
		ServiceName:    ServiceName,
		ServiceVersion: Version,
		Env:            cfg.Env,
		Endpoint:       cfg.Telemetry.OTLPEndpoint,
	}, slogLogger)
	if err != nil {
		return nil, err
	}

	ledgerMetrics, err := metrics.New(tel.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize ledger metrics: %w", err)
	}

	database, err := db.New(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := tel.Metrics.Database.RegisterDB(database.DB, tel.Meter); err != nil {
		slogLogger.Warn("failed to register pool metrics", "error", err)
	}

	if err := db.RunMigrations(ctx, database,
		(*student.Student)(nil),
		(*ledger.Charge)(nil),
		(*ledger.Payment)(nil),
	); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	app := &App{
		config:     cfg,
		router:     chi.NewRouter(),
		grpcServer: grpc.NewServer(grpc.ChainUnaryInterceptor(tel.Metrics.Grpc.UnaryServerInterceptor())),
		db:         database,
		telemetry:  tel,
		logger:     slogLogger,
	}

	app.publisher = newPublisher(cfg.Events, slogLogger, tel.Metrics)

	// Services
	studentRepo := student.NewRepository(database, tel.Metrics)
	studentService := student.NewService(studentRepo, slogLogger, ledgerMetrics)

	ledgerRepo := ledger.NewRepository(database, tel.Metrics)
	engine := ledger.NewEngine(ledgerRepo, app.publisher, ledgerMetrics, slogLogger)

	chargeImporter := importer.New(engine, ledgerMetrics, slogLogger)

	policy := auth.NewAdminPolicy(cfg.Auth.AdminUsername, cfg.Auth.AdminRole)
	adminService := admin.NewService(database, tel.Metrics, ledgerMetrics, policy, app.publisher, slogLogger)

	tokens := auth.NewTokenManager(cfg.Auth)

	// Bank payment intake
	app.bankConsumer = newIntake(cfg.Events, intake.NewProcessor(engine, slogLogger, ledgerMetrics), slogLogger, tel.Metrics)

	// Health
	app.health = health.NewHandler(tel.Metrics.Health, slogLogger)
	app.health.AddCheck("postgres", database.PingContext)
	if nc, ok := app.bankConsumer.(*messaging.Consumer); ok {
		app.health.AddCheck("nats", func(context.Context) error { return nc.HealthCheck() })
	}
	app.health.RegisterGRPC(app.grpcServer)

	// HTTP routes
	app.router.Use(chimiddleware.RequestID)
	app.router.Use(chimiddleware.RealIP)
	app.router.Use(chimiddleware.Recoverer)
	app.router.Use(middleware.CORS(cfg.Server.CORSOrigins))

	app.health.RegisterRoutes(app.router)

	pageSize := cfg.Ledger.DefaultPageSize
	studentHandler := student.NewHandler(studentService, slogLogger, pageSize)
	ledgerHandler := ledger.NewHandler(engine, slogLogger, pageSize)
	importHandler := importer.NewHandler(chargeImporter, cfg.Ledger.MaxImportBytes, slogLogger)
	adminHandler := admin.NewHandler(adminService, slogLogger)
	authHandler := auth.NewHandler(tokens, auth.Operator{
		Username:     cfg.Auth.AdminUsername,
		PasswordHash: cfg.Auth.AdminPasswordHash,
		Role:         cfg.Auth.AdminRole,
	}, slogLogger)

	app.router.Route("/api/v1", func(r chi.Router) {
		authHandler.RegisterRoutes(r)

		r.Group(func(r chi.Router) {
			r.Use(auth.Authenticate(tokens, slogLogger))

			studentHandler.RegisterRoutes(r)
			ledgerHandler.RegisterRoutes(r)
			// Cascading deletes check the policy themselves.
			adminHandler.RegisterRoutes(r)

			r.Group(func(r chi.Router) {
				r.Use(auth.RequireAdmin(policy, slogLogger))
				ledgerHandler.RegisterAdminRoutes(r)
				importHandler.RegisterRoutes(r)
			})
		})
	})

	slogLogger.Info("application initialized successfully")

	return app, nil
}

// Run serves HTTP and gRPC and starts the bank payment consumer, which stops
// when ctx is cancelled. It returns when either listener stops.
func (a *App) Run(ctx context.Context) error {
	if a.bankConsumer != nil {
		go func() {
			a.logger.Info("bank payment consumer starting", "intake", a.config.Events.Intake)
			if err := a.bankConsumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("bank payment consumer error", "error", err)
			}
		}()
	}

	errCh := make(chan error, 2)

	go func() {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%s", a.config.Server.GrpcPort))
		if err != nil {
			errCh <- fmt.Errorf("failed to listen on gRPC port: %w", err)
			return
		}
		a.logger.Info("gRPC server starting", "port", a.config.Server.GrpcPort)
		errCh <- a.grpcServer.Serve(lis)
	}()

	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%s", a.config.Server.Port),
		Handler:      a.router,
		ReadTimeout:  time.Duration(a.config.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(a.config.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(a.config.Server.IdleTimeout) * time.Second,
	}

	go func() {
		a.logger.Info("server starting", "port", a.config.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	return <-errCh
}

func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down servers")

	a.health.Shutdown()

	var errs []error
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	a.grpcServer.GracefulStop()

	if a.bankConsumer != nil {
		if err := a.bankConsumer.Close(); err != nil {
			a.logger.Error("bank payment consumer close error", "error", err)
		}
	}
	if err := a.publisher.Close(); err != nil {
		a.logger.Error("event publisher close error", "error", err)
	}

	db.Close(a.db)

	if err := a.telemetry.Shutdown(ctx, a.logger); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
