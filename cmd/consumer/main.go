package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total messages consumed",
	}, []string{"topic"})
	msgsInvalid = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	}, []string{"topic"})
	redisUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful redis updates",
	}, []string{"topic"})
	redisErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total redis errors",
	}, []string{"topic"})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors)
}

const (
	redisAttempts = 3
	redisDelay    = 200 * time.Millisecond
)

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel, "consumer")
	slog.SetDefault(logger)

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rc.Close()

	// metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	positions := &positionHandler{sink: geo.NewRedisMirror(rc, cfg.RedisGeoKey), logger: logger}
	lifecycle := &lifecycleHandler{sink: newRideCache(rc, cfg.RideCacheTTL), logger: logger}

	var wg sync.WaitGroup
	for topic, h := range map[string]handler{cfg.KafkaTopic: positions, cfg.KafkaLifecycleTopic: lifecycle} {
		topic, h := topic, h
		r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: topic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer r.Close()
			logger.Info("consumer listening", "topic", topic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)
			consume(ctx, r, topic, h, logger)
		}()
	}
	wg.Wait()
	logger.Info("shutting down consumer")
}

type handler interface {
	Handle(ctx context.Context, topic string, value []byte) error
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// consume reads until ctx is done, backing off exponentially on read errors.
func consume(ctx context.Context, r messageReader, topic string, h handler, logger *slog.Logger) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("kafka read error", "topic", topic, "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second

		msgsConsumed.WithLabelValues(topic).Inc()
		if err := h.Handle(ctx, topic, m.Value); err != nil {
			logger.Error("message dropped", "topic", topic, "offset", m.Offset, "error", err)
		}
	}
}

var errInvalid = errors.New("invalid message")

type presenceSink interface {
	Apply(ctx context.Context, p models.DriverPresence) error
}

type positionHandler struct {
	sink   presenceSink
	logger *slog.Logger
}

func (h *positionHandler) Handle(ctx context.Context, topic string, value []byte) error {
	var p models.DriverPresence
	if err := json.Unmarshal(value, &p); err != nil || p.DriverID == "" {
		msgsInvalid.WithLabelValues(topic).Inc()
		return fmt.Errorf("%w: %v", errInvalid, err)
	}
	if err := withRetry(ctx, redisAttempts, redisDelay, func() error { return h.sink.Apply(ctx, p) }); err != nil {
		redisErrors.WithLabelValues(topic).Inc()
		return fmt.Errorf("mirror driver %s: %w", p.DriverID, err)
	}
	redisUpdates.WithLabelValues(topic).Inc()
	return nil
}

type rideSink interface {
	Apply(ctx context.Context, ev models.LifecycleEvent) error
}

type lifecycleHandler struct {
	sink   rideSink
	logger *slog.Logger
}

func (h *lifecycleHandler) Handle(ctx context.Context, topic string, value []byte) error {
	var ev models.LifecycleEvent
	if err := json.Unmarshal(value, &ev); err != nil || ev.RideID == "" {
		msgsInvalid.WithLabelValues(topic).Inc()
		return fmt.Errorf("%w: %v", errInvalid, err)
	}
	if err := withRetry(ctx, redisAttempts, redisDelay, func() error { return h.sink.Apply(ctx, ev) }); err != nil {
		redisErrors.WithLabelValues(topic).Inc()
		return fmt.Errorf("cache ride %s: %w", ev.RideID, err)
	}
	redisUpdates.WithLabelValues(topic).Inc()
	h.logger.Debug("ride cached", "ride_id", ev.RideID, "state", ev.State)
	return nil
}

// withRetry calls fn up to attempts times, doubling delay between tries.
func withRetry(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
