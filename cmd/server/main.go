package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/fare"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/hub"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/relay"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	cfg, err := config.LoadServerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger("ride-dispatch", cfg.LogLevel, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	clock := clockwork.NewRealClock()
	checks := map[string]httpapi.ReadyCheck{}

	var (
		registry presence.Registry
		index    payments.IntentIndex = &payments.MemoryIndex{}
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		registry = presence.NewRedis(rdb, cfg.RedisGeoKey, clock)
		index = payments.NewRedisIndex(rdb, cfg.PaymentIndexTTL)
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	} else {
		logger.Warn("REDIS_ADDR not set, driver presence is kept in memory")
		registry = presence.NewMemory(clock)
	}

	var (
		store     storage.OrderStore = storage.NewMemoryStore()
		directory storage.Directory
	)
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pg.Close()
		if cfg.RunMigrations {
			if err := storage.Migrate(ctx, pg.DB()); err != nil {
				return err
			}
			logger.Info("migrations applied")
		}
		store = pg
		directory = storage.NewPostgresDirectory(pg.DB())
		checks["postgres"] = pg.DB().PingContext
	} else {
		logger.Warn("PG_DSN not set, orders are kept in memory")
	}

	var (
		producer *ingest.KafkaProducer
		auditor  dispatch.Auditor
		locPub   relay.LocationPublisher
		sink     payments.Sink = payments.Nop{}
	)
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, ingest.Topics{
			Locations: cfg.KafkaLocationTopic,
			Audit:     cfg.KafkaAuditTopic,
			Intents:   cfg.KafkaIntentTopic,
		})
		defer producer.Close()
		auditor, locPub, sink = producer, producer, producer
	}
	if cfg.StripeAPIKey != "" {
		sink = &payments.GatewaySink{Gateway: payments.NewStripeClient(cfg.StripeAPIKey), Index: index, Logger: logger}
	}

	router := &eta.Estimator{SpeedMps: cfg.DefaultSpeedMps, Cache: eta.NewCache(cfg.ETACacheTTL, clock), Logger: logger}
	if cfg.OSRMEndpoint != "" {
		router.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}

	table, err := loadFares(cfg)
	if err != nil {
		return err
	}

	h := hub.New(hub.Options{Clock: clock, Logger: logger, HeartbeatInterval: cfg.HeartbeatInterval})
	rl := relay.New(relay.Options{Presence: registry, Rooms: h, Publisher: locPub, Clock: clock, Logger: logger})
	rl.Attach(h)

	d := dispatch.New(dispatch.Config{OfferTimeout: cfg.OfferTimeout}, dispatch.Deps{
		Store:    store,
		Presence: registry,
		Matcher: &matcher.Service{
			Presence:     registry,
			Directory:    directory,
			RadiusMeters: cfg.SearchRadiusMeters,
			Reachable:    func(driverID string) bool { return h.Connected(hub.Driver(driverID)) },
			Logger:       logger,
		},
		Hub:      h,
		Router:   router,
		Quoter:   table,
		Auditor:  auditor,
		Payments: sink,
		Clock:    clock,
		Logger:   logger,
	})
	defer d.Close()

	n, err := d.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover orders: %w", err)
	}
	logger.Info("orders recovered", "count", n)

	verifier, err := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpapi.NewServer(httpapi.Options{
			Dispatcher:        d,
			Relay:             rl,
			Hub:               h,
			Verifier:          verifier,
			Checks:            checks,
			HeartbeatInterval: cfg.HeartbeatInterval,
			Clock:             clock,
			Logger:            logger,
		}),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func loadFares(cfg config.ServerConfig) (*fare.Table, error) {
	if cfg.FareTablePath == "" {
		return fare.Default(cfg.FareCurrency)
	}
	t, err := fare.Load(cfg.FareTablePath, cfg.FareCurrency)
	if err != nil {
		return nil, fmt.Errorf("load fare table: %w", err)
	}
	return t, nil
}
