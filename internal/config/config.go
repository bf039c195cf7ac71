package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr          string `validate:"required"`
	DatabaseURL       string // optional; enables the recorder and history
	NATSURL           string // optional; enables the status mirror
	NATSSubjectPrefix string `validate:"required"`
	LogNATSSubjects   bool
	MetricsAddr       string
	RoutesFile        string
	RoutingURL        string        `validate:"omitempty,url"`
	RoutingTimeout    time.Duration `validate:"gt=0"`
	ETALegTimeout     time.Duration `validate:"gt=0"`
	ETAConcurrency    int           `validate:"gte=1,lte=64"`
	Dwell             time.Duration `validate:"gte=0"`
	SpeedMps          float64       `validate:"gt=0"`
	TickInterval      time.Duration `validate:"gte=10ms"`
	CheckpointRadius  float64       `validate:"gt=0"`
	ArrivalThreshold  float64       `validate:"gt=0,lte=1"`
	Loop              bool
	StaleAfter        time.Duration `validate:"gt=0"`
	CompletedGrace    time.Duration `validate:"gt=0"`
	CORSOrigins       []string
	Location          *time.Location `validate:"required"`
	LogLevel          string
}

func Load() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	cfg := &Config{
		HTTPAddr:          getenvDefault("HTTP_ADDR", ":8080"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		NATSURL:           os.Getenv("NATS_URL"),
		NATSSubjectPrefix: getenvDefault("NATS_SUBJECT_PREFIX", "trips"),
		LogNATSSubjects:   parseBool(os.Getenv("LOG_NATS_SUBJECTS")),
		MetricsAddr:       os.Getenv("METRICS_ADDR"),
		RoutesFile:        os.Getenv("ROUTES_FILE"),
		RoutingURL:        strings.TrimRight(os.Getenv("ROUTING_URL"), "/"),
		Loop:              parseBool(os.Getenv("SIM_LOOP")),
		CORSOrigins:       splitList(os.Getenv("CORS_ORIGINS")),
		LogLevel:          getenvDefault("LOG_LEVEL", "info"),
	}

	var err error
	if cfg.RoutingTimeout, err = millis("ROUTING_TIMEOUT_MS", 8000); err != nil {
		return nil, err
	}
	if cfg.ETALegTimeout, err = millis("ETA_LEG_TIMEOUT_MS", 5000); err != nil {
		return nil, err
	}
	if cfg.TickInterval, err = millis("TICK_INTERVAL_MS", 1000); err != nil {
		return nil, err
	}

	if v := os.Getenv("ETA_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid ETA_CONCURRENCY: %q", v)
		}
		cfg.ETAConcurrency = n
	} else {
		cfg.ETAConcurrency = 4
	}

	if v := os.Getenv("DWELL_MINUTES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid DWELL_MINUTES: %q", v)
		}
		cfg.Dwell = time.Duration(n) * time.Minute
	} else {
		cfg.Dwell = 2 * time.Minute
	}

	if cfg.SpeedMps, err = positiveFloat("SPEED_MPS", 8.33); err != nil {
		return nil, err
	}
	if cfg.CheckpointRadius, err = positiveFloat("CHECKPOINT_RADIUS_M", 50); err != nil {
		return nil, err
	}
	if cfg.ArrivalThreshold, err = positiveFloat("ARRIVAL_THRESHOLD", 0.95); err != nil {
		return nil, err
	}

	if v := os.Getenv("STALE_AFTER_HOURS"); v != "" {
		h, err := strconv.ParseFloat(v, 64)
		if err != nil || h <= 0 {
			return nil, fmt.Errorf("invalid STALE_AFTER_HOURS: %q", v)
		}
		cfg.StaleAfter = time.Duration(h * float64(time.Hour))
	} else {
		cfg.StaleAfter = 24 * time.Hour
	}

	if v := os.Getenv("COMPLETED_GRACE_MIN"); v != "" {
		m, err := strconv.Atoi(v)
		if err != nil || m <= 0 {
			return nil, fmt.Errorf("invalid COMPLETED_GRACE_MIN: %q", v)
		}
		cfg.CompletedGrace = time.Duration(m) * time.Minute
	} else {
		cfg.CompletedGrace = time.Hour
	}

	// Time zone for HH:MM plan starts
	if tz := os.Getenv("TZ"); tz == "" {
		cfg.Location = time.Local
	} else {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("invalid TZ: %v", err)
		}
		cfg.Location = loc
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func millis(k string, def int) (time.Duration, error) {
	v := os.Getenv(k)
	if v == "" {
		return time.Duration(def) * time.Millisecond, nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", k, v)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func positiveFloat(k string, def float64) (float64, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", k, v)
	}
	return f, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	}
	return false
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
