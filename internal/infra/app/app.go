package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/lledo-industries/auth-core/internal/core/domain"
	"github.com/lledo-industries/auth-core/internal/core/port"
	"github.com/lledo-industries/auth-core/internal/infra/clientinfo"
	"github.com/lledo-industries/auth-core/internal/infra/config"
	"github.com/lledo-industries/auth-core/internal/infra/database"
	"github.com/lledo-industries/auth-core/internal/infra/dispatch"
	kafkainfra "github.com/lledo-industries/auth-core/internal/infra/kafka"
	"github.com/lledo-industries/auth-core/internal/infra/logger"
	"github.com/lledo-industries/auth-core/internal/infra/notification"
	"github.com/lledo-industries/auth-core/internal/infra/rabbitmq"
	redisinfra "github.com/lledo-industries/auth-core/internal/infra/redis"
	"github.com/lledo-industries/auth-core/internal/infra/security"
	"github.com/lledo-industries/auth-core/internal/infra/telemetry"
	"github.com/lledo-industries/auth-core/internal/ratelimit"
	postgresrepo "github.com/lledo-industries/auth-core/internal/repository/postgres"
	redisrepo "github.com/lledo-industries/auth-core/internal/repository/redis"
	transportgrpc "github.com/lledo-industries/auth-core/internal/transport/grpc"
	grpcinterceptors "github.com/lledo-industries/auth-core/internal/transport/grpc/interceptors"
	"github.com/lledo-industries/auth-core/internal/transport/http/middleware"
	"github.com/lledo-industries/auth-core/internal/transport/http/routes"
	"github.com/lledo-industries/auth-core/internal/usecase"
)

// Application owns every long-lived resource of the service.
type Application struct {
	cfg        *config.AppConfig
	engine     *gin.Engine
	logger     *zap.Logger
	grpcServer *grpc.Server
	grpcHealth *health.Server
	grpcAddr   string

	sessions   *usecase.SessionRegistry
	memLimiter *ratelimit.Limiter
	dispatcher *dispatch.Dispatcher
	tracer     *telemetry.TracerProvider
	closers    []namedCloser
	pool       *pgxpool.Pool
	redis      *redisinfra.Client
}

type namedCloser struct {
	name  string
	close func() error
}

// Services is the subset of the application used by command line tools.
type Services struct {
	Registration *usecase.RegistrationService
	Logger       *zap.Logger
	Close        func()
}

// NewServices builds only what the provisioning commands need: a database
// pool, the password stack and the audit log.
func NewServices(ctx context.Context, cfg *config.AppConfig) (*Services, error) {
	log, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	pool, err := database.NewPostgresPool(ctx, cfg.Postgres, log)
	if err != nil {
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	if cfg.Postgres.AutoMigrate {
		if err := postgresrepo.EnsureSchema(ctx, pool, cfg.Postgres.Schema); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
	}

	hasher, err := newHasher(cfg)
	if err != nil {
		pool.Close()
		return nil, err
	}

	repos := postgresrepo.NewRepositories(pool)
	dispatcher := dispatch.New(dispatch.Config{Workers: 1, Timeout: cfg.Audit.WriteTimeout}, dispatch.WithLogger(log))
	audit := usecase.NewAuditLog(repos.SecurityEvents, dispatcher, usecase.WithAuditLogger(log))

	return &Services{
		Registration: usecase.NewRegistrationService(repos.Principals, hasher, security.DefaultPasswordPolicy(), audit),
		Logger:       log,
		Close: func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := dispatcher.Close(closeCtx); err != nil {
				log.Warn("audit dispatcher did not drain", zap.Error(err))
			}
			pool.Close()
			_ = log.Sync()
		},
	}, nil
}

// New wires configuration, storage, domain services and both transports.
func New(ctx context.Context, cfg *config.AppConfig) (*Application, error) {
	log, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	a := &Application{
		cfg:      cfg,
		logger:   log,
		grpcAddr: fmt.Sprintf("%s:%d", cfg.GRPC.Host, cfg.GRPC.Port),
	}
	if err := a.init(ctx); err != nil {
		a.shutdownResources()
		return nil, err
	}
	return a, nil
}

func (a *Application) init(ctx context.Context) error {
	cfg, log := a.cfg, a.logger

	if cfg.Telemetry.Enabled {
		tp, err := telemetry.NewTracerProvider(ctx, cfg.Telemetry, log, telemetry.WithEnvironment(cfg.App.Env))
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		a.tracer = tp
	}

	metrics, err := telemetry.NewMetrics(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	httpMetrics, err := middleware.NewHTTPMetrics(middleware.HTTPMetricsOptions{})
	if err != nil {
		return fmt.Errorf("init http metrics: %w", err)
	}
	grpcMetrics, err := grpcinterceptors.NewGRPCMetrics(grpcinterceptors.GRPCMetricsOptions{})
	if err != nil {
		return fmt.Errorf("init grpc metrics: %w", err)
	}

	pool, err := database.NewPostgresPool(ctx, cfg.Postgres, log)
	if err != nil {
		return fmt.Errorf("init postgres: %w", err)
	}
	a.pool = pool

	if cfg.Postgres.AutoMigrate {
		if err := postgresrepo.EnsureSchema(ctx, pool, cfg.Postgres.Schema); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}

	redisClient, err := redisinfra.NewClient(ctx, cfg.Redis, log)
	if err != nil {
		return fmt.Errorf("init redis: %w", err)
	}
	a.redis = redisClient

	a.dispatcher = dispatch.New(dispatch.Config{
		QueueSize:   cfg.Audit.QueueSize,
		Workers:     cfg.Audit.Workers,
		MaxRetries:  cfg.Audit.MaxRetries,
		BaseBackoff: cfg.Audit.BaseBackoff,
		MaxBackoff:  cfg.Audit.MaxBackoff,
		Timeout:     cfg.Audit.WriteTimeout,
	},
		dispatch.WithLogger(log),
		dispatch.WithFailureHook(func(job dispatch.Job, err error) {
			if strings.HasPrefix(job.Name, usecase.AuditJobPrefix) {
				metrics.AuditFailed.Inc()
			}
		}),
	)

	publisher := a.eventPublisher(metrics)
	notifier := a.notifier()

	describer, err := clientinfo.NewResolver(cfg.GeoIP.DatabasePath, log)
	if err != nil {
		return fmt.Errorf("init client info: %w", err)
	}
	a.closers = append(a.closers, namedCloser{name: "geoip", close: describer.Close})

	hasher, err := newHasher(cfg)
	if err != nil {
		return err
	}
	sealer, err := security.NewSecretBoxSealer(cfg.TwoFactor.EncryptionKey)
	if err != nil {
		return fmt.Errorf("init secret sealer: %w", err)
	}
	codec, err := security.NewTokenCodec(cfg.JWT.Secret, cfg.JWT.Issuer)
	if err != nil {
		return fmt.Errorf("init token codec: %w", err)
	}
	policy := security.DefaultPasswordPolicy()

	repos := postgresrepo.NewRepositories(pool)
	rdb := redisClient.Client()

	audit := usecase.NewAuditLog(repos.SecurityEvents, a.dispatcher,
		usecase.WithAuditPublisher(publisher),
		usecase.WithAuditMetrics(metrics),
		usecase.WithAuditLogger(log),
	)

	a.sessions = usecase.NewSessionRegistry(repos.Sessions,
		usecase.WithSessionTTL(cfg.Session.TTL),
		usecase.WithMetadataDescriber(describer),
		usecase.WithSessionMetrics(metrics),
		usecase.WithSessionLogger(log),
	)

	twoFactor := usecase.NewTwoFactorService(usecase.TwoFactorDeps{
		Challenges: redisrepo.NewChallengeStore(rdb, cfg.Redis.ChallengePrefix),
		Secrets:    repos.TwoFactor,
		TOTP:       security.NewTOTPProvider(cfg.TwoFactor.Issuer, nil),
		Sealer:     sealer,
		Hasher:     hasher,
		Notifier:   notifier,
		Jobs:       a.dispatcher,
		Audit:      audit,
	}, usecase.TwoFactorConfig{
		CodeTTL:         cfg.TwoFactor.CodeTTL,
		CodeLength:      cfg.TwoFactor.CodeLength,
		MaxAttempts:     cfg.TwoFactor.MaxAttempts,
		BackupCodeCount: cfg.TwoFactor.BackupCodeCount,
	}, usecase.WithTwoFactorLogger(log))

	authService := usecase.NewAuthService(usecase.AuthDeps{
		Principals: repos.Principals,
		Hasher:     hasher,
		TwoFactor:  twoFactor,
		Sessions:   a.sessions,
		Tokens:     codec,
		Audit:      audit,
	}, usecase.AuthConfig{
		TokenTTL: cfg.JWT.AccessTokenTTL,
		Lockout: domain.LockoutPolicy{
			SoftThreshold: cfg.Lockout.SoftThreshold,
			SoftDuration:  cfg.Lockout.SoftDuration,
			HardThreshold: cfg.Lockout.HardThreshold,
			HardDuration:  cfg.Lockout.HardDuration,
		},
	}, usecase.WithAuthMetrics(metrics), usecase.WithAuthLogger(log))

	passwords := usecase.NewPasswordService(usecase.PasswordDeps{
		Principals: repos.Principals,
		Hasher:     hasher,
		Policy:     policy,
		Sessions:   a.sessions,
		Resets:     redisrepo.NewResetTokenStore(rdb, cfg.Redis.ResetTokenPrefix),
		Notifier:   notifier,
		Jobs:       a.dispatcher,
		Audit:      audit,
	}, usecase.PasswordConfig{
		ResetTokenTTL: cfg.PasswordReset.TokenTTL,
		ResetURL:      cfg.PasswordReset.ResetURL,
	}, usecase.WithPasswordLogger(log))

	registration := usecase.NewRegistrationService(repos.Principals, hasher, policy, audit)
	principalAdmin := usecase.NewPrincipalAdminService(repos.Principals, a.sessions, audit, log)

	resolver := usecase.NewPrincipalResolver(codec, a.sessions, repos.Principals,
		usecase.WithResolverMetrics(metrics),
		usecase.WithResolverLogger(log),
	)

	rateLimiter := middleware.NewRateLimiter(a.limiterBackend(rdb), log).WithMetrics(metrics)

	a.grpcHealth = health.NewServer()
	if cfg.GRPC.Enabled {
		var tracing *grpcinterceptors.TracingOptions
		if a.tracer != nil {
			tracing = &grpcinterceptors.TracingOptions{TracerProvider: a.tracer.TracerProvider()}
		}
		grpcSrv, err := transportgrpc.NewServer(transportgrpc.ServerDependencies{
			Resolver: resolver,
			Logger:   log,
			Metrics:  grpcMetrics,
			Tracing:  tracing,
			Health:   a.grpcHealth,
		})
		if err != nil {
			return fmt.Errorf("init grpc server: %w", err)
		}
		a.grpcServer = grpcSrv
	}

	a.engine = routes.Register(routes.Dependencies{
		Config:      cfg,
		Logger:      log,
		RateLimiter: rateLimiter,
		Resolver:    resolver,
		HTTPMetrics: httpMetrics,
		Database:    pool,
		Cache:       redisClient,
		Services: routes.ServiceSet{
			Auth:         authService,
			Sessions:     a.sessions,
			SessionKill:  authService,
			TwoFactor:    twoFactor,
			Passwords:    passwords,
			Registration: registration,
			Principals:   principalAdmin,
		},
	})

	return nil
}

func newHasher(cfg *config.AppConfig) (*security.PasswordHasher, error) {
	hasher, err := security.NewPasswordHasher(port.Argon2Params{
		Memory:      cfg.Argon2.Memory,
		Iterations:  cfg.Argon2.Iterations,
		Parallelism: cfg.Argon2.Parallelism,
		SaltLength:  cfg.Argon2.SaltLength,
		KeyLength:   cfg.Argon2.KeyLength,
	})
	if err != nil {
		return nil, fmt.Errorf("configure argon2: %w", err)
	}
	return hasher, nil
}

// eventPublisher mirrors audit records to Kafka when configured.
func (a *Application) eventPublisher(metrics *telemetry.Metrics) port.EventPublisher {
	cfg, log := a.cfg, a.logger
	if !cfg.Kafka.Enabled || len(cfg.Kafka.Brokers) == 0 {
		log.Info("kafka disabled, using stub publisher")
		return kafkainfra.NewStubPublisher(log)
	}

	producer, err := kafkainfra.NewProducer(cfg.Kafka, log,
		kafkainfra.WithDeliveryFailureHook(func(*sarama.ProducerError) { metrics.EventsUndelivered.Inc() }))
	if err != nil {
		log.Warn("failed to init kafka producer, using stub publisher", zap.Error(err))
		return kafkainfra.NewStubPublisher(log)
	}
	a.closers = append(a.closers, namedCloser{name: "kafka", close: producer.Close})
	log.Info("kafka event publisher initialized", zap.Strings("brokers", cfg.Kafka.Brokers))
	return kafkainfra.NewEventPublisher(producer, cfg.App, log)
}

// notifier queues outgoing mail on RabbitMQ, or logs it in development.
func (a *Application) notifier() port.Notifier {
	cfg, log := a.cfg, a.logger
	if !cfg.RabbitMQ.Enabled {
		return notification.NewLogNotifier(log)
	}

	client, err := rabbitmq.NewClient(cfg.RabbitMQ.URL, log)
	if err != nil {
		log.Warn("failed to connect to rabbitmq, logging notifications instead", zap.Error(err))
		return notification.NewLogNotifier(log)
	}
	if err := client.DeclareQueue(cfg.RabbitMQ.Queue); err != nil {
		log.Warn("failed to declare notification queue", zap.String("queue", cfg.RabbitMQ.Queue), zap.Error(err))
	}
	a.closers = append(a.closers, namedCloser{name: "rabbitmq", close: client.Close})
	return rabbitmq.NewNotifier(client, cfg.RabbitMQ.Queue)
}

func (a *Application) limiterBackend(rdb *goredis.Client) port.RateLimiter {
	if a.cfg.RateLimit.Backend == "redis" {
		return redisrepo.NewRateLimiter(rdb, a.cfg.Redis.RateLimitPrefix)
	}
	a.memLimiter = ratelimit.New(ratelimit.WithLogger(a.logger))
	return a.memLimiter
}

// Run serves HTTP and gRPC until ctx is cancelled, then shuts both down.
func (a *Application) Run(ctx context.Context) error {
	defer a.shutdownResources()

	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()

	go a.sessions.RunPurger(bgCtx, a.cfg.Session.PurgeInterval, a.cfg.Session.PurgeAfter)
	if a.memLimiter != nil {
		go a.memLimiter.RunSweeper(bgCtx, a.cfg.RateLimit.SweepInterval)
	}

	grpcErrCh := make(chan error, 1)
	if a.grpcServer != nil {
		lis, err := net.Listen("tcp", a.grpcAddr)
		if err != nil {
			return fmt.Errorf("listen grpc: %w", err)
		}
		a.logger.Info("starting gRPC server", zap.String("address", a.grpcAddr))
		a.grpcHealth.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		go func() {
			if err := a.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				grpcErrCh <- fmt.Errorf("run grpc server: %w", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", a.cfg.App.Host, a.cfg.App.Port),
		Handler:           a.engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	a.logger.Info("starting auth API",
		zap.String("env", a.cfg.App.Env),
		zap.String("address", srv.Addr),
	)

	serverErrCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- fmt.Errorf("run server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serverErrCh:
	case runErr = <-grpcErrCh:
	}

	a.logger.Info("shutting down")
	stopBackground()

	timeout := a.cfg.App.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if a.grpcServer != nil {
		a.grpcHealth.Shutdown()
		a.grpcServer.GracefulStop()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("shutdown server: %w", err)
	}
	if err := a.dispatcher.Close(shutdownCtx); err != nil {
		a.logger.Warn("dispatcher did not drain before shutdown", zap.Error(err))
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}

	return runErr
}

// shutdownResources releases connections in reverse order of acquisition.
func (a *Application) shutdownResources() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].close(); err != nil {
			a.logger.Warn("close failed", zap.String("resource", a.closers[i].name), zap.Error(err))
		}
	}
	a.closers = nil

	if a.dispatcher != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := a.dispatcher.Close(closeCtx); err != nil && !errors.Is(err, dispatch.ErrClosed) {
			a.logger.Warn("dispatcher did not drain", zap.Error(err))
		}
		cancel()
	}
	if a.redis != nil {
		_ = a.redis.Close()
		a.redis = nil
	}
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
	_ = a.logger.Sync()
}
