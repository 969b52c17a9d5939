package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatch engine process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	KafkaBrokers        []string
	KafkaTopic          string
	KafkaLifecycleTopic string

	PGDSN string

	JWTSecret        string
	StripeAPIKey     string
	OSRMURL          string
	GoogleMapsAPIKey string
	PushEndpoint     string
	PushKey          string

	Dispatch DispatchConfig
	Fare     FareConfig

	LogLevel      string
	RunMigrations bool
}

// DispatchConfig holds the timing and radius policy of the matching engine.
type DispatchConfig struct {
	OfferTimeout        time.Duration
	SearchRadiusKm      float64
	MaxSearchRadiusKm   float64
	PresenceStaleAfter  time.Duration
	PresenceEvictAfter  time.Duration
	StallWindow         time.Duration
	PickupProximityM    float64
	HeartbeatTimeout    time.Duration
	OracleTimeout       time.Duration
	HealthInterval      time.Duration
	MatcherTopN         int
	DefaultSpeedMps     float64
	DefaultDriverRating float64
}

// FareConfig is the tariff: final = (distance_km * PerKm + Flag) * surge.
type FareConfig struct {
	Flag       float64
	PerKm      float64
	Currency   string
	SurgeTiers []SurgeTier
}

// SurgeTier applies Multiplier when available supply is at most MaxSupply.
type SurgeTier struct {
	MaxSupply  int
	Multiplier float64
}

// ConsumerConfig is used by the location/lifecycle consumer binary.
type ConsumerConfig struct {
	MetricsAddr         string
	KafkaBrokers        []string
	KafkaTopic          string
	KafkaLifecycleTopic string
	KafkaGroup          string
	RedisAddr           string
	RedisPassword       string
	RedisGeoKey         string
	RideCacheTTL        time.Duration
	LogLevel            string
}

func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		OfferTimeout:        15 * time.Second,
		SearchRadiusKm:      8,
		MaxSearchRadiusKm:   16,
		PresenceStaleAfter:  30 * time.Second,
		PresenceEvictAfter:  2 * time.Minute,
		StallWindow:         120 * time.Second,
		PickupProximityM:    150,
		HeartbeatTimeout:    30 * time.Second,
		OracleTimeout:       2 * time.Second,
		HealthInterval:      10 * time.Second,
		MatcherTopN:         20,
		DefaultSpeedMps:     10,
		DefaultDriverRating: 4.8,
	}
}

func DefaultFareConfig() FareConfig {
	return FareConfig{
		Flag:     5,
		PerKm:    4,
		Currency: "GHS",
		SurgeTiers: []SurgeTier{
			{MaxSupply: 0, Multiplier: 2.0},
			{MaxSupply: 2, Multiplier: 1.5},
			{MaxSupply: 5, Multiplier: 1.2},
		},
	}
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:            ":8080",
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        10 * time.Second,
		IdleTimeout:         120 * time.Second,
		ShutdownTimeout:     15 * time.Second,
		KafkaTopic:          "driver-locations",
		KafkaLifecycleTopic: "ride-lifecycle",
		Dispatch:            DefaultDispatchConfig(),
		Fare:                DefaultFareConfig(),
		LogLevel:            "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaLifecycleTopic, "KAFKA_LIFECYCLE_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	setStringFromEnv(&cfg.OSRMURL, "OSRM_URL")
	cfg.GoogleMapsAPIKey = os.Getenv("GOOGLE_MAPS_API_KEY")
	setStringFromEnv(&cfg.PushEndpoint, "PUSH_ENDPOINT")
	cfg.PushKey = os.Getenv("PUSH_KEY")

	d := &cfg.Dispatch
	setDurationFromEnv(&d.OfferTimeout, "OFFER_TIMEOUT", &errs)
	setFloatFromEnv(&d.SearchRadiusKm, "SEARCH_RADIUS_KM", &errs)
	setFloatFromEnv(&d.MaxSearchRadiusKm, "MAX_SEARCH_RADIUS_KM", &errs)
	setDurationFromEnv(&d.PresenceStaleAfter, "PRESENCE_STALE_AFTER", &errs)
	setDurationFromEnv(&d.PresenceEvictAfter, "PRESENCE_EVICT_AFTER", &errs)
	setDurationFromEnv(&d.StallWindow, "STALL_WINDOW", &errs)
	setFloatFromEnv(&d.PickupProximityM, "PICKUP_PROXIMITY_M", &errs)
	setDurationFromEnv(&d.HeartbeatTimeout, "HEARTBEAT_TIMEOUT", &errs)
	setDurationFromEnv(&d.OracleTimeout, "ORACLE_TIMEOUT", &errs)
	setDurationFromEnv(&d.HealthInterval, "HEALTH_INTERVAL", &errs)
	setIntFromEnv(&d.MatcherTopN, "MATCHER_TOP_N", &errs)
	setFloatFromEnv(&d.DefaultSpeedMps, "MATCHER_DEFAULT_SPEED_MPS", &errs)
	setFloatFromEnv(&d.DefaultDriverRating, "DEFAULT_DRIVER_RATING", &errs)

	setFloatFromEnv(&cfg.Fare.Flag, "FARE_FLAG", &errs)
	setFloatFromEnv(&cfg.Fare.PerKm, "FARE_PER_KM", &errs)
	setStringFromEnv(&cfg.Fare.Currency, "FARE_CURRENCY")
	if v := os.Getenv("SURGE_TIERS"); v != "" {
		tiers, err := ParseSurgeTiers(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid SURGE_TIERS: %w", err))
		} else {
			cfg.Fare.SurgeTiers = tiers
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("JWT_SECRET is required"))
	}
	errs = append(errs, d.validate()...)
	if cfg.Fare.PerKm < 0 || cfg.Fare.Flag < 0 {
		errs = append(errs, fmt.Errorf("FARE_FLAG and FARE_PER_KM must be >= 0"))
	}

	return cfg, errors.Join(errs...)
}

func (d DispatchConfig) validate() []error {
	var errs []error
	if d.OfferTimeout <= 0 {
		errs = append(errs, fmt.Errorf("OFFER_TIMEOUT must be > 0"))
	}
	if d.SearchRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("SEARCH_RADIUS_KM must be > 0"))
	}
	if d.MaxSearchRadiusKm < d.SearchRadiusKm {
		errs = append(errs, fmt.Errorf("MAX_SEARCH_RADIUS_KM must be >= SEARCH_RADIUS_KM"))
	}
	if d.PresenceStaleAfter <= 0 || d.PresenceEvictAfter < d.PresenceStaleAfter {
		errs = append(errs, fmt.Errorf("PRESENCE_EVICT_AFTER must be >= PRESENCE_STALE_AFTER > 0"))
	}
	if d.StallWindow <= 0 {
		errs = append(errs, fmt.Errorf("STALL_WINDOW must be > 0"))
	}
	if d.HeartbeatTimeout <= 0 {
		errs = append(errs, fmt.Errorf("HEARTBEAT_TIMEOUT must be > 0"))
	}
	if d.MatcherTopN <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_TOP_N must be > 0"))
	}
	return errs
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:         ":2112",
		KafkaBrokers:        []string{"localhost:9092"},
		KafkaTopic:          "driver-locations",
		KafkaLifecycleTopic: "ride-lifecycle",
		KafkaGroup:          "ride-dispatch-consumer",
		RedisAddr:           "localhost:6379",
		RedisGeoKey:         "drivers_geo",
		RideCacheTTL:        24 * time.Hour,
		LogLevel:            "info",
	}
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		brokers = os.Getenv("KAFKA_BROKER")
	}
	if brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaLifecycleTopic, "KAFKA_LIFECYCLE_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setDurationFromEnv(&cfg.RideCacheTTL, "RIDE_CACHE_TTL", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}
	return cfg, errors.Join(errs...)
}

// ParseSurgeTiers parses "maxSupply:multiplier,..." e.g. "0:2.0,2:1.5,5:1.2".
// Tiers are returned sorted by MaxSupply.
func ParseSurgeTiers(v string) ([]SurgeTier, error) {
	var tiers []SurgeTier
	for _, part := range splitAndTrim(v) {
		k, m, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("tier %q: want maxSupply:multiplier", part)
		}
		n, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("tier %q: bad supply", part)
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(m), 64)
		if err != nil || f < 1 {
			return nil, fmt.Errorf("tier %q: multiplier must be >= 1", part)
		}
		tiers = append(tiers, SurgeTier{MaxSupply: n, Multiplier: f})
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].MaxSupply < tiers[j].MaxSupply })
	return tiers, nil
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
