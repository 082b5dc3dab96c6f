package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/router-for-me/RelayGate/internal/access"
	"github.com/router-for-me/RelayGate/internal/admission"
	"github.com/router-for-me/RelayGate/internal/config"
	"github.com/router-for-me/RelayGate/internal/db"
	"github.com/router-for-me/RelayGate/internal/forward"
	relayhttp "github.com/router-for-me/RelayGate/internal/http"
	"github.com/router-for-me/RelayGate/internal/http/api/front"
	"github.com/router-for-me/RelayGate/internal/ledger"
	"github.com/router-for-me/RelayGate/internal/logging"
	"github.com/router-for-me/RelayGate/internal/metrics"
	"github.com/router-for-me/RelayGate/internal/queue"
	"github.com/router-for-me/RelayGate/internal/registry"
	"github.com/router-for-me/RelayGate/internal/security"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	metricsNamespace  = "relay"
	redisPingTimeout  = 3 * time.Second
	readHeaderTimeout = 10 * time.Second

	claimGraceMargin   = time.Minute
	fallbackClaimGrace = time.Hour
)

// Migrate opens the database and runs migrations.
func Migrate(ctx context.Context, cfg config.AppConfig) error {
	settings, err := config.Load(config.ResolveConfigPath(cfg.ConfigPath))
	if err != nil {
		return err
	}
	conn, err := openDatabase(settings.Database)
	if err != nil {
		return err
	}
	log.WithContext(ctx).Info("database migrations applied")
	return closeDatabase(conn)
}

// RunServer boots the relay and blocks until ctx is cancelled or the listener fails.
func RunServer(ctx context.Context, cfg config.AppConfig) error {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	settings, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logCloser, err := logging.Setup(settings.Logging)
	if err != nil {
		return err
	}
	defer func() {
		if errClose := logCloser.Close(); errClose != nil {
			log.WithError(errClose).Debug("close log output")
		}
	}()

	conn, err := openDatabase(settings.Database)
	if err != nil {
		return err
	}
	defer func() {
		if errClose := closeDatabase(conn); errClose != nil {
			log.WithError(errClose).Warn("close database")
		}
	}()

	vault, err := security.NewVaultFromString(settings.Security.EncryptionKey)
	if err != nil {
		return err
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(metricsNamespace)
	collector.MustRegister(promRegistry)

	redisClient := connectRedis(ctx, settings.Redis)
	if redisClient != nil {
		defer func() {
			if errClose := redisClient.Close(); errClose != nil {
				log.WithError(errClose).Debug("close redis client")
			}
		}()
	}

	fwd := forward.New(
		forward.NewHTTPClient(transportOptions(settings.Transport)),
		vault,
		forward.NewHeaderPolicy(settings.Security.APIKeyHeader, settings.Security.AuthHeader),
		collector,
	)

	queueStore := queue.NewGormStore(conn)
	var (
		scheduler queue.Scheduler
		buckets   admission.BucketStore
	)
	if redisClient != nil {
		scheduler = queue.NewRedisScheduler(redisClient, settings.Redis.KeyPrefix, millis(settings.Queue.PollIntervalMs))
		buckets = admission.NewRedisBuckets(redisClient, settings.Redis.KeyPrefix)
	} else {
		scheduler = queue.NewMemoryScheduler()
		buckets = admission.NewMemoryBuckets()
	}
	deferred := queue.New(queueStore, scheduler, fwd, queue.Options{
		PriorityDelay: millis(settings.Queue.PriorityDelayMs),
	})
	if settings.Queue.RecoverOnStart {
		// Other instances may still hold claims on a shared schedule; an in-process one has no other owner.
		var grace time.Duration
		if redisClient != nil {
			grace = claimGrace(settings.Queue, settings.Transport)
		}
		if errRecover := deferred.Recover(ctx, grace); errRecover != nil {
			return errRecover
		}
	}

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	worker := queue.NewWorker(queueStore, scheduler, fwd, collector, queue.WorkerOptions{
		Concurrency:    settings.Queue.Workers,
		MaxAttempts:    settings.Queue.MaxAttempts,
		InitialBackoff: millis(settings.Queue.InitialBackoffMs),
	})
	worker.Start(workerCtx)
	if cleaner := queue.NewRetentionCleaner(queueStore, time.Duration(settings.Queue.RetentionDays)*24*time.Hour); cleaner != nil {
		cleaner.Start(workerCtx)
	}

	ledgerStore := ledger.NewGormStore(conn)
	controller := admission.NewController(ledgerStore, buckets, deferred, collector)
	upstreams := registry.NewGormRegistry(conn, vault)
	authenticator := access.NewProvider(conn, access.Options{
		JWTSecret:    settings.Security.JWTSecret,
		APIKeyHeader: settings.Security.APIKeyHeader,
		AuthHeader:   settings.Security.AuthHeader,
	})

	engine := relayhttp.NewEngine()
	relayhttp.RegisterRelayRoutes(engine, relayhttp.RelayDeps{
		DB:       conn,
		Auth:     authenticator,
		Proxy:    relayhttp.NewProxyHandler(upstreams, controller, fwd, ledger.NewRecorder(ledgerStore, collector), settings.Server.MaxBodyBytes, relayhttp.QueuePrefix),
		Status:   deferred,
		Gatherer: promRegistry,
	})
	front.RegisterFrontRoutes(engine, conn, settings.Security.JWT(), authenticator, upstreams)

	srv := &http.Server{
		Addr:              settings.Server.Addr(),
		Handler:           engine,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Infof("relay listening on %s (config=%s)", srv.Addr, configPath)
		if errServe := srv.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			serveErr <- errServe
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
	case errServe, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("http server: %w", errServe)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(settings.Server.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()
	if errShutdown := srv.Shutdown(shutdownCtx); errShutdown != nil {
		log.WithError(errShutdown).Warn("http server shutdown incomplete")
	}
	stopWorkers()
	worker.Wait()
	log.Info("relay stopped")
	return runErr
}

func openDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	conn, err := db.Open(cfg.DSN, db.Options{MaxOpenConns: cfg.MaxOpenConns})
	if err != nil {
		return nil, err
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		_ = closeDatabase(conn)
		return nil, errMigrate
	}
	return conn, nil
}

func closeDatabase(conn *gorm.DB) error {
	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// connectRedis returns nil when Redis is not configured or unreachable, which selects in-process backends.
func connectRedis(ctx context.Context, cfg config.RedisConfig) *redis.Client {
	if !cfg.Enabled() {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.WithError(err).WithField("addr", cfg.Addr).
			Warn("redis unreachable, falling back to in-process scheduler and token buckets")
		_ = client.Close()
		return nil
	}
	return client
}

func transportOptions(cfg config.TransportConfig) forward.TransportOptions {
	return forward.TransportOptions{
		DialTimeout:           seconds(cfg.DialTimeoutSeconds),
		TLSHandshakeTimeout:   seconds(cfg.TLSHandshakeTimeoutSeconds),
		ResponseHeaderTimeout: seconds(cfg.ResponseHeaderTimeoutSeconds),
		RequestTimeout:        seconds(cfg.RequestTimeoutSeconds),
		MaxIdleConns:          cfg.MaxIdleConns,
		InsecureSkipVerify:    cfg.InsecureSkipVerify,
	}
}

// claimGrace bounds how long a live worker can hold a claim: every attempt at the request
// timeout plus the backoff between them, with a margin for the terminal write.
func claimGrace(q config.QueueConfig, t config.TransportConfig) time.Duration {
	if t.RequestTimeoutSeconds <= 0 {
		return fallbackClaimGrace
	}
	attempts := q.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	grace := time.Duration(attempts)*seconds(t.RequestTimeoutSeconds) + claimGraceMargin
	step := millis(q.InitialBackoffMs)
	for i := 1; i < attempts; i++ {
		grace += step
		step *= 2
	}
	return grace
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }
