package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ClientConfig captures all tunable parameters for the sync engine embedded
// in a passenger or driver app. Values load from environment variables with
// sane defaults so a local run needs no setup.
type ClientConfig struct {
	APIBaseURL string
	WSURL      string

	// Reconnect policy for the transport session.
	ReconnectInitialBackoff time.Duration
	ReconnectMaxBackoff     time.Duration
	ReconnectMaxAttempts    int
	HandshakeTimeout        time.Duration
	WriteTimeout            time.Duration

	// Snapshot fetch retry policy (transport errors only).
	SnapshotRetries    int
	SnapshotRetryDelay time.Duration

	// Driver location publishing.
	LocationInterval        time.Duration
	LocationMinDisplacement float64 // meters

	// Client-side timers the source app never had; zero disables them.
	SearchTimeout time.Duration
	OfferTimeout  time.Duration

	// PublishDriverReject wires an explicit reject event to the backend.
	PublishDriverReject bool

	LogLevel string
}

func defaultClientConfig() ClientConfig {
	return ClientConfig{
		APIBaseURL:              "http://localhost:8080",
		WSURL:                   "ws://localhost:8080/ws",
		ReconnectInitialBackoff: time.Second,
		ReconnectMaxBackoff:     30 * time.Second,
		ReconnectMaxAttempts:    10,
		HandshakeTimeout:        10 * time.Second,
		WriteTimeout:            5 * time.Second,
		SnapshotRetries:         3,
		SnapshotRetryDelay:      500 * time.Millisecond,
		LocationInterval:        5 * time.Second,
		LocationMinDisplacement: 25,
		PublishDriverReject:     true,
		LogLevel:                "info",
	}
}

func LoadClientConfig() (ClientConfig, error) {
	cfg := defaultClientConfig()
	var errs []error

	setStringFromEnv(&cfg.APIBaseURL, "API_BASE_URL")
	setStringFromEnv(&cfg.WSURL, "WS_URL")
	setDurationFromEnv(&cfg.ReconnectInitialBackoff, "RECONNECT_INITIAL_BACKOFF", &errs)
	setDurationFromEnv(&cfg.ReconnectMaxBackoff, "RECONNECT_MAX_BACKOFF", &errs)
	setIntFromEnv(&cfg.ReconnectMaxAttempts, "RECONNECT_MAX_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.HandshakeTimeout, "WS_HANDSHAKE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "WS_WRITE_TIMEOUT", &errs)
	setIntFromEnv(&cfg.SnapshotRetries, "SNAPSHOT_RETRIES", &errs)
	setDurationFromEnv(&cfg.SnapshotRetryDelay, "SNAPSHOT_RETRY_DELAY", &errs)
	setDurationFromEnv(&cfg.LocationInterval, "LOCATION_INTERVAL", &errs)
	setFloatFromEnv(&cfg.LocationMinDisplacement, "LOCATION_MIN_DISPLACEMENT_M", &errs)
	setDurationFromEnv(&cfg.SearchTimeout, "SEARCH_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.OfferTimeout, "OFFER_TIMEOUT", &errs)

	if v := os.Getenv("PUBLISH_DRIVER_REJECT"); v != "" {
		cfg.PublishDriverReject = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.ReconnectMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("RECONNECT_MAX_ATTEMPTS must be > 0"))
	}
	if cfg.LocationMinDisplacement < 0 {
		errs = append(errs, fmt.Errorf("LOCATION_MIN_DISPLACEMENT_M must be >= 0"))
	}

	return cfg, errors.Join(errs...)
}

// SimulatorConfig captures tunables for the backend simulator process.
type SimulatorConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	JWTSecret string

	OSRMEndpoint    string
	DefaultSpeedMps float64
	FareBase        float64
	FarePerKm       float64
	MatcherTopN     int

	StripeEnabled bool

	LogLevel string
}

func defaultSimulatorConfig() SimulatorConfig {
	return SimulatorConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RedisGeoKey:     "drivers_geo",
		KafkaTopic:      "driver-locations",
		JWTSecret:       "dev-secret",
		DefaultSpeedMps: 10,
		FareBase:        2.5,
		FarePerKm:       1.2,
		MatcherTopN:     8,
		LogLevel:        "info",
	}
}

func LoadSimulatorConfig() (SimulatorConfig, error) {
	cfg := defaultSimulatorConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	setStringFromEnv(&cfg.JWTSecret, "JWT_SECRET")
	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")

	setFloatFromEnv(&cfg.DefaultSpeedMps, "MATCHER_DEFAULT_SPEED_MPS", &errs)
	setFloatFromEnv(&cfg.FareBase, "FARE_BASE", &errs)
	setFloatFromEnv(&cfg.FarePerKm, "FARE_PER_KM", &errs)
	setIntFromEnv(&cfg.MatcherTopN, "MATCHER_TOP_N", &errs)

	cfg.StripeEnabled = os.Getenv("STRIPE_API_KEY") != ""

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.MatcherTopN <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_TOP_N must be > 0"))
	}

	return cfg, errors.Join(errs...)
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
