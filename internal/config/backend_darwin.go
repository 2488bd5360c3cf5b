//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

const defaultsDomain = "com.genreview.app"

func defaultDataDir() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, "Library", "Application Support", "genreview")
	}
	return "genreview-data"
}

func apiKeyHint() string {
	return ", `genreview config set-secret openrouter.api_key`, or macOS Keychain (service: genreview, account: openrouter_api_key)"
}

// defaultsBackend reads and writes UserDefaults through the defaults(1) tool.
type defaultsBackend struct {
	domain string
}

func newPlatformBackend() ConfigBackend {
	return &defaultsBackend{domain: defaultsDomain}
}

// run invokes defaults with verb on the backend's domain. missing reports
// that defaults exited 1, which it does for an absent key.
func (b *defaultsBackend) run(verb string, args ...string) (out string, missing bool, err error) {
	raw, err := exec.Command("defaults", append([]string{verb, b.domain}, args...)...).CombinedOutput()
	out = strings.TrimSpace(string(raw))
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return out, true, nil
	}
	if err != nil {
		return out, false, fmt.Errorf("defaults %s %s: %w: %s", verb, strings.Join(args, " "), err, out)
	}
	return out, false, nil
}

func (b *defaultsBackend) GetString(key string) (string, bool, error) {
	out, missing, err := b.run("read", key)
	if missing || err != nil {
		return "", false, err
	}
	return out, true, nil
}

func (b *defaultsBackend) GetInt(key string) (int, bool, error) {
	s, ok, err := b.GetString(key)
	if !ok || err != nil {
		return 0, ok, err
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, true, fmt.Errorf("%s: %w", key, err)
	}
	return i, true, nil
}

func (b *defaultsBackend) SetString(key, val string) error {
	_, _, err := b.run("write", key, "-string", val)
	return err
}

func (b *defaultsBackend) SetInt(key string, val int) error {
	_, _, err := b.run("write", key, "-int", strconv.Itoa(val))
	return err
}

func (b *defaultsBackend) Delete(key string) error {
	_, _, err := b.run("delete", key)
	return err
}
