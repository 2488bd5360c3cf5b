package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

// KeyPrefix versions the key scheme so a change in normalization never
// collides with entries written under the old one.
const KeyPrefix = "gen:v1:"

// KeyInput is the identity of a generation request.
type KeyInput struct {
	TargetID string
	Kind     string
	Provider string
	Model    string
	Params   map[string]any
}

// DeriveKey returns a stable key for in. Logically identical requests map to
// the same key regardless of map iteration order, key casing, surrounding
// whitespace or the order of list-valued params.
func DeriveKey(in KeyInput) string {
	canon := map[string]any{
		"target":   strings.TrimSpace(in.TargetID),
		"kind":     strings.ToLower(strings.TrimSpace(in.Kind)),
		"provider": strings.ToLower(strings.TrimSpace(in.Provider)),
		"model":    strings.TrimSpace(in.Model),
	}
	if p := normalizeParams(in.Params); len(p) > 0 {
		canon["params"] = p
	}
	// encoding/json sorts map keys, which makes the encoding canonical.
	b, err := json.Marshal(canon)
	if err != nil {
		// Only unsupported value types (channels, funcs) can get here.
		b = []byte(strings.TrimSpace(in.TargetID))
	}
	sum := sha256.Sum256(b)
	return KeyPrefix + hex.EncodeToString(sum[:])
}

func normalizeParams(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		if nv, ok := normalizeValue(v); ok {
			out[k] = nv
		}
	}
	return out
}

// normalizeValue reports false for values that carry no information.
func normalizeValue(v any) (any, bool) {
	switch x := v.(type) {
	case nil:
		return nil, false
	case string:
		s := strings.TrimSpace(x)
		return s, s != ""
	case []string:
		return stringSet(x)
	case []any:
		strs := make([]string, 0, len(x))
		for _, e := range x {
			s, ok := e.(string)
			if !ok {
				return normalizeList(x)
			}
			strs = append(strs, s)
		}
		return stringSet(strs)
	case map[string]any:
		m := normalizeParams(x)
		return m, len(m) > 0
	default:
		return v, true
	}
}

// stringSet treats a list of strings as an unordered set.
func stringSet(in []string) (any, bool) {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out, len(out) > 0
}

// normalizeList keeps the order of mixed lists, normalizing each element.
func normalizeList(in []any) (any, bool) {
	out := make([]any, 0, len(in))
	for _, e := range in {
		if nv, ok := normalizeValue(e); ok {
			out = append(out, nv)
		}
	}
	return out, len(out) > 0
}
