//go:build !darwin

package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// xdgPath resolves name under the XDG base directory named by env, falling
// back to ~/<home> and finally to the working directory.
func xdgPath(env, home string, name ...string) string {
	dir := os.Getenv(env)
	if dir == "" {
		if h, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(h, home)
		} else {
			dir = "."
		}
	}
	return filepath.Join(append([]string{dir, "genreview"}, name...)...)
}

func defaultDataDir() string {
	return xdgPath("XDG_DATA_HOME", filepath.Join(".local", "share"))
}

func configFilePath() string {
	return xdgPath("XDG_CONFIG_HOME", ".config", "config.json")
}

func apiKeyHint() string {
	return ", `genreview config set-secret openrouter.api_key`, or the secrets file at " + secretsFilePath()
}

// writeFileAtomic replaces path with data so readers never see a partial
// file. The parent directory is created private to the user.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// fileBackend keeps settings as a flat JSON object. Values are written back
// on every change.
type fileBackend struct {
	mu   sync.Mutex
	path string
	data map[string]any
}

func newPlatformBackend() ConfigBackend {
	b := &fileBackend{path: configFilePath(), data: make(map[string]any)}
	b.load()
	return b
}

func (b *fileBackend) load() {
	raw, err := os.ReadFile(b.path)
	if os.IsNotExist(err) {
		return
	}
	if err == nil {
		err = json.Unmarshal(raw, &b.data)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] ignoring config file %s: %v\n", b.path, err)
		b.data = make(map[string]any)
	}
}

func (b *fileBackend) save() error {
	out, err := json.MarshalIndent(b.data, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(b.path, out)
}

func (b *fileBackend) lookup(key string) (any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.data[key]
	return v, ok
}

func (b *fileBackend) GetString(key string) (string, bool, error) {
	v, ok := b.lookup(key)
	if !ok {
		return "", false, nil
	}
	if s, isStr := v.(string); isStr {
		return s, true, nil
	}
	// Hand-edited files may hold numbers or booleans for string-typed keys.
	return fmt.Sprint(v), true, nil
}

func (b *fileBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.lookup(key)
	if !ok {
		return 0, false, nil
	}
	switch val := v.(type) {
	case float64:
		if val < math.MinInt || val > math.MaxInt || val != math.Trunc(val) {
			return 0, true, fmt.Errorf("%s: %v is not an integer", key, val)
		}
		return int(val), true, nil
	case string:
		i, err := strconv.Atoi(val)
		if err != nil {
			return 0, true, fmt.Errorf("%s: %w", key, err)
		}
		return i, true, nil
	}
	return 0, true, fmt.Errorf("%s: unsupported value %T", key, v)
}

func (b *fileBackend) set(key string, v any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if v == nil {
		if _, ok := b.data[key]; !ok {
			return nil
		}
		delete(b.data, key)
	} else {
		b.data[key] = v
	}
	return b.save()
}

func (b *fileBackend) SetString(key, val string) error  { return b.set(key, val) }
func (b *fileBackend) SetInt(key string, val int) error { return b.set(key, val) }
func (b *fileBackend) Delete(key string) error          { return b.set(key, nil) }
