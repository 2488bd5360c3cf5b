//go:build !darwin

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestFileBackendRoundTrip(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	if err := SetKey("server.port", "4242"); err != nil {
		t.Fatal(err)
	}
	if err := SetKey("maintenance.evict_schedule", "0 3 * * *"); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(dir, "genreview", "config.json")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("config file not written: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("config file mode = %o, want 600", perm)
	}

	clearEnv(t)
	cfg, err := loadWith(newPlatformBackend(), &mockKeychain{})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 4242 {
		t.Errorf("Server.Port = %d, want 4242", cfg.Server.Port)
	}
	if cfg.Maintenance.EvictSchedule != "0 3 * * *" {
		t.Errorf("EvictSchedule = %q", cfg.Maintenance.EvictSchedule)
	}
}

func TestFileKeychain(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	kc := NewKeychain()
	if _, err := kc.Get("genreview", "api_token"); !errors.Is(err, errSecretNotFound) {
		t.Fatalf("error = %v, want errSecretNotFound before any secret is stored", err)
	}
	if err := kc.Set("genreview", "api_token", "abc"); err != nil {
		t.Fatal(err)
	}
	if got, err := kc.Get("genreview", "api_token"); err != nil || got != "abc" {
		t.Errorf("Get = %q, %v; want abc", got, err)
	}
}

func TestFileBackendUnsetAndDelete(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	if err := SetKey("cache.ttl", "24h"); err != nil {
		t.Fatal(err)
	}
	if err := UnsetKey("cache.ttl"); err != nil {
		t.Fatal(err)
	}
	// A second unset of the same key is a no-op.
	if err := UnsetKey("cache.ttl"); err != nil {
		t.Errorf("second unset error = %v, want nil", err)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "genreview"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "config.json" {
		t.Errorf("config dir holds %v, want only config.json", entries)
	}

	if _, ok, _ := newPlatformBackend().GetString("cache.ttl"); ok {
		t.Error("cache.ttl still stored after unset")
	}
}

func TestFileBackendIgnoresCorruptFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	path := filepath.Join(dir, "genreview", "config.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	clearEnv(t)
	cfg, err := loadWith(newPlatformBackend(), &mockKeychain{})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want default 4100", cfg.Server.Port)
	}
}

func TestAPITokenPersistsInSecretsFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	first, err := GetAPIToken(NewKeychain())
	if err != nil {
		t.Fatal(err)
	}
	second, err := GetAPIToken(NewKeychain())
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("token changed between calls: %q then %q", first, second)
	}
	info, err := os.Stat(secretsFilePath())
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("secrets file mode = %o, want 600", perm)
	}
}
