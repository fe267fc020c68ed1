package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirbundle/internal/config"
	"github.com/ehr/fhirbundle/internal/platform/audit"
	"github.com/ehr/fhirbundle/internal/platform/auth"
	"github.com/ehr/fhirbundle/internal/platform/blobstore"
	"github.com/ehr/fhirbundle/internal/platform/db"
	"github.com/ehr/fhirbundle/internal/platform/fhir"
	"github.com/ehr/fhirbundle/internal/platform/middleware"
	"github.com/ehr/fhirbundle/internal/platform/store"
)

// backend is what the processor needs from a resource store.
type backend interface {
	fhir.Persistence
	fhir.Searcher
	fhir.UnitOfWork
	db.Pinger
}

// server holds the wired HTTP application and the resources to release on
// shutdown, in reverse order of acquisition.
type server struct {
	echo    *echo.Echo
	closers []func()
}

func (s *server) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)

	srv, err := newServer(context.Background(), cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start")
		return err
	}
	defer srv.Close()

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.Store).Msg("starting server")
		if err := srv.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

func newServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*server, error) {
	srv := &server{}
	fail := func(err error) (*server, error) {
		srv.Close()
		return nil, err
	}

	// Resource store
	var (
		pool      *pgxpool.Pool
		resources backend
	)
	switch cfg.Store {
	case "memory":
		resources = store.NewMemory()
		logger.Warn().Msg("using in-memory store; data is lost on restart")
	default:
		p, err := db.NewPool(ctx, poolConfig(cfg))
		if err != nil {
			return fail(fmt.Errorf("connect to database: %w", err))
		}
		srv.closers = append(srv.closers, p.Close)
		pool = p
		resources = store.NewPostgres(p)
		logger.Info().Msg("connected to database")
	}

	// Idempotency
	var idem fhir.IdempotencyStore
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fail(fmt.Errorf("parse redis url: %w", err))
		}
		client := redis.NewClient(opts)
		srv.closers = append(srv.closers, func() { _ = client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return fail(fmt.Errorf("ping redis: %w", err))
		}
		idem = fhir.NewRedisIdempotencyStore(client, "", cfg.IdempotencyTTL)
		logger.Info().Msg("idempotency keys stored in redis")
	} else {
		mem := fhir.NewInMemoryIdempotencyStore(cfg.IdempotencyTTL)
		srv.closers = append(srv.closers, mem.Stop)
		idem = mem
	}

	// Audit
	sinks := audit.MultiSink{audit.NewLogSink(logger)}
	if cfg.AMQPURL != "" {
		sink, conn, err := audit.DialAMQP(cfg.AMQPURL, cfg.AMQPAuditExchange)
		if err != nil {
			return fail(err)
		}
		srv.closers = append(srv.closers, func() { _ = conn.Close() })
		sinks = append(sinks, sink)
		logger.Info().Str("exchange", cfg.AMQPAuditExchange).Msg("publishing audit records to amqp")
	}

	// Bundle archive
	var archiver fhir.Archiver
	switch {
	case cfg.MinioEndpoint != "":
		client, err := blobstore.NewMinioClient(ctx, blobstore.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return fail(err)
		}
		archiver = blobstore.NewMinioArchiver(client, cfg.MinioBucket)
	case cfg.IsDev():
		archiver = blobstore.NewInMemoryArchiver()
	}

	processor := newProcessor(cfg.ProcessorConfig(), resources, sinks, logger)
	opts := []fhir.BundleHandlerOption{
		fhir.WithIdempotencyStore(idem),
		fhir.WithHandlerLogger(logger),
	}
	if archiver != nil {
		opts = append(opts, fhir.WithArchiver(archiver))
	}
	handler := fhir.NewBundleHandler(processor, opts...)

	srv.echo = newEcho(cfg, logger, pool, resources, handler)
	return srv, nil
}

// newProcessor wires the bundle processor with the built-in operations and
// the structural validator.
func newProcessor(pc fhir.ProcessorConfig, resources backend, sink fhir.AuditSink, logger zerolog.Logger) *fhir.Processor {
	validator := fhir.NewBasicValidator()
	ops := fhir.NewOperationRegistry()
	fhir.RegisterBuiltinOperations(ops, resources, validator)
	return fhir.NewProcessor(pc, fhir.ProcessorDeps{
		Store:      resources,
		Searcher:   resources,
		UnitOfWork: resources,
		Validator:  validator,
		Operations: ops,
		Audit:      sink,
		Logger:     logger,
	})
}

func newEcho(cfg *config.Config, logger zerolog.Logger, pool *pgxpool.Pool, resources backend, handler *fhir.BundleHandler) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = outcomeErrorHandler(logger)

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(middleware.BodyLimit(cfg.BodyLimit, cfg.BundleBodyLimit))

	// Auth middleware
	if cfg.AuthSigningKey != "" {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
		}))
	} else {
		logger.Warn().Msg("AUTH_SIGNING_KEY not set; requests run as the development user")
		e.Use(auth.DevAuthMiddleware())
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(resources, cfg.Store))

	fhirGroup := e.Group("/fhir")
	fhirGroup.Use(db.TenantMiddleware(pool, cfg.DefaultTenant))
	fhirGroup.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))
	handler.RegisterRoutes(fhirGroup)

	return e
}

// outcomeErrorHandler renders errors that escape handlers and middleware as
// an OperationOutcome.
func outcomeErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status := http.StatusInternalServerError
		diagnostics := http.StatusText(status)
		var he *echo.HTTPError
		if errors.As(err, &he) {
			status = he.Code
			if msg, ok := he.Message.(string); ok {
				diagnostics = msg
			} else {
				diagnostics = http.StatusText(status)
			}
		} else {
			logger.Error().Err(err).Str("path", c.Request().URL.Path).Msg("unhandled error")
		}

		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(status)
			return
		}
		data, mErr := json.Marshal(fhir.ErrorOutcome(issueCodeForStatus(status), diagnostics))
		if mErr != nil {
			_ = c.NoContent(status)
			return
		}
		_ = c.Blob(status, "application/fhir+json", data)
	}
}

func issueCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return fhir.IssueTypeInvalid
	case http.StatusUnauthorized:
		return "login"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return fhir.IssueTypeNotFound
	case http.StatusMethodNotAllowed, http.StatusUnsupportedMediaType:
		return fhir.IssueTypeNotSupported
	case http.StatusRequestEntityTooLarge:
		return fhir.IssueTypeTooCostly
	case http.StatusTooManyRequests:
		return "throttled"
	case http.StatusServiceUnavailable:
		return "transient"
	case http.StatusGatewayTimeout:
		return fhir.IssueTypeTimeout
	}
	return fhir.IssueTypeException
}
