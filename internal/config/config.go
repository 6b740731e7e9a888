package config

import (
	"errors"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	// Optional: empty disables confirmed-segment persistence.
	DatabaseURL string `env:"DATABASE_URL"`

	// Required, but validated after CLI overrides merge so -mqtt-broker
	// alone can satisfy it.
	MQTTBrokerURL string `env:"MQTT_BROKER_URL"`
	MQTTClientID  string `env:"MQTT_CLIENT_ID" envDefault:"scribed"`
	MQTTUsername  string `env:"MQTT_USERNAME"`
	MQTTPassword  string `env:"MQTT_PASSWORD"`

	EngineTopicPrefix   string `env:"ENGINE_TOPIC_PREFIX" envDefault:"scribed/engine"`
	ActivityTopicPrefix string `env:"ACTIVITY_TOPIC_PREFIX" envDefault:"scribed/activity"`

	DeviceName  string `env:"DEVICE_NAME"`
	TapName     string `env:"TAP_NAME"`
	TapSpoolDir string `env:"TAP_SPOOL_DIR" envDefault:"./spool"`
	Language    string `env:"LANGUAGE_CODE"`
	StreamMode  string `env:"STREAM_MODE" envDefault:"voice-triggered"`

	BroadcastEnabled  bool          `env:"BROADCAST_ENABLED" envDefault:"true"`
	BroadcastTitle    string        `env:"BROADCAST_TITLE" envDefault:"Transcribing"`
	BroadcastThrottle time.Duration `env:"BROADCAST_THROTTLE" envDefault:"1s"`
	WatchdogTimeout   time.Duration `env:"WATCHDOG_TIMEOUT" envDefault:"60s"`
	HypothesisMinGap  time.Duration `env:"HYPOTHESIS_MIN_INTERVAL" envDefault:"100ms"`

	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	AuthToken string `env:"AUTH_TOKEN"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile       string
	HTTPAddr      string
	LogLevel      string
	DatabaseURL   string
	MQTTBrokerURL string
	DeviceName    string
	TapName       string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	// Load .env file (silent if missing)
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	// Parse environment variables into config struct
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Apply CLI overrides (non-empty values win)
	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.DatabaseURL != "" {
		cfg.DatabaseURL = overrides.DatabaseURL
	}
	if overrides.MQTTBrokerURL != "" {
		cfg.MQTTBrokerURL = overrides.MQTTBrokerURL
	}
	if overrides.DeviceName != "" {
		cfg.DeviceName = overrides.DeviceName
	}
	if overrides.TapName != "" {
		cfg.TapName = overrides.TapName
	}

	if cfg.MQTTBrokerURL == "" {
		return nil, errors.New("mqtt broker url not configured: set MQTT_BROKER_URL or pass -mqtt-broker")
	}

	return cfg, nil
}
