package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8080" || cfg.Store != StorePostgres {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.DB.Host != "localhost" || cfg.DB.MaxConns != 20 || cfg.DB.RetryDelay != 2*time.Second {
		t.Fatalf("unexpected db defaults: %+v", cfg.DB)
	}
	if cfg.ShutdownTimeout != 10*time.Second {
		t.Fatalf("unexpected shutdown timeout %s", cfg.ShutdownTimeout)
	}
}

func TestLoadPrefixedDatabaseSettings(t *testing.T) {
	t.Setenv("STORE", "memory")
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_MAX_CONNS", "7")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store != StoreMemory || cfg.DB.Host != "db.internal" || cfg.DB.MaxConns != 7 {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if !strings.Contains(cfg.DB.DSN(), "host=db.internal") {
		t.Fatalf("dsn missing host: %s", cfg.DB.DSN())
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name, key, value, want string
	}{
		{"bad int", "NOTIFICATION_BUFFER", "lots", "parse env:"},
		{"unknown store", "STORE", "bbolt", "unknown STORE"},
		{"empty buffer", "NOTIFICATION_BUFFER", "0", "must be positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
