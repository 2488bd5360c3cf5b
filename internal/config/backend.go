package config

// ConfigBackend is where non-secret settings persist between runs:
// UserDefaults on macOS, a JSON file under $XDG_CONFIG_HOME elsewhere.
// Durations, floats and booleans are stored as strings and parsed by the
// key table.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error
}
