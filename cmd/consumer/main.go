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
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total driver location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	locationsApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_locations_total",
		Help: "Location pings by outcome against the presence registry",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, locationsApplied)
}

const maxBackoff = 30 * time.Second

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger("ride-dispatch-consumer", cfg.LogLevel, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rc.Close()
	registry := presence.NewRedis(rc, cfg.RedisGeoKey, clockwork.NewRealClock())

	go serveMetrics(cfg.MetricsAddr, rc, logger)

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaLocationTopic,
		GroupID:  cfg.KafkaGroup,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer r.Close()

	logger.Info("consumer listening", "topic", cfg.KafkaLocationTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)
	c := &consumer{updater: registry, clock: clockwork.NewRealClock(), log: logger, attempts: 3, delay: 200 * time.Millisecond}
	c.run(ctx, r)
}

func serveMetrics(addr string, rc *redis.Client, logger *slog.Logger) {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := rc.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ready"))
	})
	logger.Info("metrics/health listening", "addr", addr)
	if err := http.ListenAndServe(addr, router); err != nil {
		logger.Error("metrics server stopped", "error", err)
	}
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// locationUpdater is the slice of the presence registry the consumer writes to.
type locationUpdater interface {
	UpdateLocation(ctx context.Context, driverID string, loc models.Coord, at time.Time) (models.DriverPresence, bool, error)
}

type consumer struct {
	updater  locationUpdater
	clock    clockwork.Clock
	log      *slog.Logger
	attempts int
	delay    time.Duration
}

func (c *consumer) run(ctx context.Context, r messageReader) {
	backoff := time.Second
	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.log.Info("shutting down consumer")
				return
			}
			c.log.Warn("kafka read error", "error", err, "backoff", backoff)
			if !sleep(ctx, c.clock, backoff) {
				return
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second
		c.handle(ctx, m)
	}
}

func (c *consumer) handle(ctx context.Context, m kafka.Message) {
	msgsConsumed.Inc()
	ping, err := ingest.DecodeLocation(m)
	if err == nil && !geo.Valid(models.Coord{Lat: ping.Lat, Lng: ping.Lng}) {
		err = errors.New("coordinates out of range")
	}
	if err != nil {
		msgsInvalid.Inc()
		c.log.Warn("invalid location message", "error", err, "offset", m.Offset)
		return
	}

	applied, err := c.updateWithRetry(ctx, ping)
	switch {
	case err != nil:
		locationsApplied.WithLabelValues("error").Inc()
		c.log.Error("presence update failed", "driver_id", ping.DriverID, "error", err)
	case applied:
		locationsApplied.WithLabelValues("applied").Inc()
	default:
		locationsApplied.WithLabelValues("ignored").Inc()
	}
}

// updateWithRetry retries infrastructure failures with doubling delays.
// A ping the registry ignores is not an error.
func (c *consumer) updateWithRetry(ctx context.Context, p models.LocationPing) (bool, error) {
	delay := c.delay
	var err error
	for i := 0; i < c.attempts; i++ {
		var applied bool
		_, applied, err = c.updater.UpdateLocation(ctx, p.DriverID, models.Coord{Lat: p.Lat, Lng: p.Lng}, p.Timestamp)
		if err == nil {
			return applied, nil
		}
		if i == c.attempts-1 || !sleep(ctx, c.clock, delay) {
			break
		}
		delay *= 2
	}
	return false, err
}

func sleep(ctx context.Context, clock clockwork.Clock, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-clock.After(d):
		return true
	}
}
