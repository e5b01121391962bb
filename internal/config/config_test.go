package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func validViper() *viper.Viper {
	v := NewViper()
	v.Set("auth.signing_secret", "config-test-secret")
	v.Set("auth.admin_key", "config-test-admin")
	return v
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(validViper())
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.HTTPAddress != "0.0.0.0:8080" {
		t.Fatalf("unexpected http address %q", cfg.HTTPAddress)
	}
	if cfg.ImportConcurrency != 2 || cfg.ImportMaxRetries != 3 {
		t.Fatalf("unexpected import defaults %d/%d", cfg.ImportConcurrency, cfg.ImportMaxRetries)
	}
	if cfg.ImportBaseDelay != 30*time.Second || cfg.StickyTTL != 6*time.Hour {
		t.Fatalf("unexpected duration defaults %v/%v", cfg.ImportBaseDelay, cfg.StickyTTL)
	}
	if cfg.DriverOverride != "" || cfg.SyncTargetURL != "" {
		t.Fatalf("expected empty override and sync target, got %q/%q", cfg.DriverOverride, cfg.SyncTargetURL)
	}
}

func TestLoadRejectsMissingSecrets(t *testing.T) {
	v := NewViper()
	v.Set("auth.admin_key", "config-test-admin")
	if _, err := Load(v); err == nil || !strings.Contains(err.Error(), "signing_secret") {
		t.Fatalf("expected signing secret error, got %v", err)
	}

	v = NewViper()
	v.Set("auth.signing_secret", "config-test-secret")
	if _, err := Load(v); err == nil || !strings.Contains(err.Error(), "admin_key") {
		t.Fatalf("expected admin key error, got %v", err)
	}
}

func TestLoadRejectsUnknownDriverOverride(t *testing.T) {
	v := validViper()
	v.Set("data.driver", "postgres")
	if _, err := Load(v); err == nil {
		t.Fatalf("expected unknown driver override to be rejected")
	}
	for _, allowed := range []string{"", "sqlite", "filestore"} {
		v := validViper()
		v.Set("data.driver", allowed)
		if _, err := Load(v); err != nil {
			t.Fatalf("expected driver %q to be accepted, got %v", allowed, err)
		}
	}
}

func TestDataDirPathHelpers(t *testing.T) {
	cfg := AppConfig{DataDir: "/var/lib/lodestone"}
	if cfg.DatabasePath() != filepath.Join("/var/lib/lodestone", "lodestone.db") {
		t.Fatalf("unexpected database path %q", cfg.DatabasePath())
	}
	if cfg.SnapshotPath() != filepath.Join("/var/lib/lodestone", "lodestone.json") {
		t.Fatalf("unexpected snapshot path %q", cfg.SnapshotPath())
	}
	if cfg.PreferencePath() != filepath.Join("/var/lib/lodestone", "driver-preference.json") {
		t.Fatalf("unexpected preference path %q", cfg.PreferencePath())
	}
	if cfg.LockPath() != filepath.Join("/var/lib/lodestone", "leader.lock") {
		t.Fatalf("unexpected lock path %q", cfg.LockPath())
	}
}
