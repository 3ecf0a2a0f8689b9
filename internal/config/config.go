package config

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	BrokerMemory = "memory"
	BrokerZMQ    = "zmq"
)

type Config struct {
	Port        int           `env:"PORT" env-default:"3000"`
	JWTSecret   string        `env:"JWT_SECRET" env-required:"true"`
	GinMode     string        `env:"GIN_MODE" env-default:"release"`
	TLSCertFile string        `env:"TLS_CERT_FILE"`
	TLSKeyFile  string        `env:"TLS_KEY_FILE"`
	TokenExpiry time.Duration `env:"TOKEN_EXPIRY" env-default:"168h"`
	StateFile   string        `env:"STATE_FILE"`

	Log LogConfig

	Broker BrokerConfig

	FanoutWorkers   int           `env:"FANOUT_WORKERS" env-default:"8"`
	FanoutQueueSize int           `env:"FANOUT_QUEUE_SIZE" env-default:"1024"`
	RegistryShards  int           `env:"REGISTRY_SHARDS" env-default:"32"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" env-default:"10s"`
}

type LogConfig struct {
	Level  string `env:"LOG_LEVEL" env-default:"info"`
	Format string `env:"LOG_FORMAT" env-default:"json"`
}

type BrokerConfig struct {
	Mode           string        `env:"BROKER_MODE" env-default:"memory"`
	PubAddr        string        `env:"BROKER_PUB_ADDR" env-default:"tcp://127.0.0.1:5557"`
	SubAddr        string        `env:"BROKER_SUB_ADDR" env-default:"tcp://127.0.0.1:5558"`
	PublishTimeout time.Duration `env:"BROKER_PUBLISH_TIMEOUT" env-default:"2s"`
}

// ProxyConfig configures cmd/proxy.
type ProxyConfig struct {
	XSubAddr string `env:"XSUB_ADDR" env-default:"tcp://*:5557"`
	XPubAddr string `env:"XPUB_ADDR" env-default:"tcp://*:5558"`
	Log      LogConfig
}

func LoadConfig() (Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT")
	}
	if c.TokenExpiry <= 0 {
		return fmt.Errorf("invalid TOKEN_EXPIRY")
	}
	switch c.Broker.Mode {
	case BrokerMemory:
	case BrokerZMQ:
		if c.Broker.PubAddr == "" || c.Broker.SubAddr == "" {
			return fmt.Errorf("BROKER_PUB_ADDR and BROKER_SUB_ADDR are required in zmq mode")
		}
	default:
		return fmt.Errorf("invalid BROKER_MODE %q", c.Broker.Mode)
	}
	if c.Broker.PublishTimeout <= 0 {
		return fmt.Errorf("invalid BROKER_PUBLISH_TIMEOUT")
	}
	if c.FanoutWorkers <= 0 || c.FanoutQueueSize <= 0 {
		return fmt.Errorf("FANOUT_WORKERS and FANOUT_QUEUE_SIZE must be positive")
	}
	if c.RegistryShards <= 0 {
		return fmt.Errorf("invalid REGISTRY_SHARDS")
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}
	return c.Log.Validate()
}

func (c LogConfig) Validate() error {
	switch c.Format {
	case "json", "console":
		return nil
	}
	return fmt.Errorf("invalid LOG_FORMAT %q", c.Format)
}

func LoadProxyConfig() (ProxyConfig, error) {
	var cfg ProxyConfig
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return ProxyConfig{}, fmt.Errorf("read proxy config: %w", err)
	}
	if err := cfg.Log.Validate(); err != nil {
		return ProxyConfig{}, err
	}
	return cfg, nil
}
