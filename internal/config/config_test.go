package config

import (
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "x")
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.Port != 3000 {
		t.Fatalf("expected default port 3000, got %d", cfg.Port)
	}
	if cfg.GinMode != "release" {
		t.Fatalf("expected default gin mode release, got %q", cfg.GinMode)
	}
	if cfg.TokenExpiry != 168*time.Hour {
		t.Fatalf("expected default token expiry 168h, got %s", cfg.TokenExpiry)
	}
	if cfg.Broker.Mode != BrokerMemory {
		t.Fatalf("expected memory broker by default, got %q", cfg.Broker.Mode)
	}
	if cfg.Broker.PublishTimeout != 2*time.Second {
		t.Fatalf("expected 2s publish timeout, got %s", cfg.Broker.PublishTimeout)
	}
	if cfg.FanoutWorkers != 8 || cfg.FanoutQueueSize != 1024 || cfg.RegistryShards != 32 {
		t.Fatalf("unexpected fanout defaults: %+v", cfg)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Fatalf("unexpected log defaults: %+v", cfg.Log)
	}
}

func TestLoadConfig_MissingSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	if _, err := LoadConfig(); err == nil {
		t.Fatalf("expected error")
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "x")
	t.Setenv("PORT", "1234")
	t.Setenv("BROKER_MODE", "zmq")
	t.Setenv("BROKER_PUB_ADDR", "tcp://proxy:5557")
	t.Setenv("TOKEN_EXPIRY", "1h")
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.Port != 1234 {
		t.Fatalf("expected port 1234, got %d", cfg.Port)
	}
	if cfg.Broker.Mode != BrokerZMQ || cfg.Broker.PubAddr != "tcp://proxy:5557" {
		t.Fatalf("unexpected broker config: %+v", cfg.Broker)
	}
	if cfg.TokenExpiry != time.Hour {
		t.Fatalf("expected 1h, got %s", cfg.TokenExpiry)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	cases := map[string]map[string]string{
		"port":        {"PORT": "70000"},
		"broker mode": {"BROKER_MODE": "kafka"},
		"log format":  {"LOG_FORMAT": "xml"},
		"half tls":    {"TLS_CERT_FILE": "cert.pem"},
		"workers":     {"FANOUT_WORKERS": "0"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("JWT_SECRET", "x")
			for k, v := range env {
				t.Setenv(k, v)
			}
			if _, err := LoadConfig(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestLoadProxyConfig_Defaults(t *testing.T) {
	cfg, err := LoadProxyConfig()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.XSubAddr != "tcp://*:5557" || cfg.XPubAddr != "tcp://*:5558" {
		t.Fatalf("unexpected proxy addresses: %+v", cfg)
	}
}
