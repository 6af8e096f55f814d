// Package agents holds the executors orchestra ships with. Each one speaks the
// legacy (action, args) calling convention and reaches the engine through
// agent.LegacyAdapter, like any externally supplied executor would.
package agents

import (
	"encoding/json"
	"time"
)

func stringParam(m map[string]any, key, defaultVal string) string {
	s, ok := m[key].(string)
	if !ok {
		return defaultVal
	}
	return s
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	b, ok := m[key].(bool)
	if !ok {
		return defaultVal
	}
	return b
}

func intParam(m map[string]any, key string, defaultVal int) int {
	switch n := m[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return defaultVal
		}
		return int(i)
	default:
		return defaultVal
	}
}

func durationParam(m map[string]any, key string, defaultVal time.Duration) time.Duration {
	s := stringParam(m, key, "")
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}

func stringSliceParam(m map[string]any, key string) []string {
	arr, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func stringMapParam(m map[string]any, key string) map[string]string {
	raw, ok := m[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

// decodeBody parses b as JSON when it is valid JSON, and returns the raw
// string otherwise.
func decodeBody(b []byte) any {
	if len(b) == 0 {
		return ""
	}
	if json.Valid(b) {
		var v any
		if err := json.Unmarshal(b, &v); err == nil {
			return v
		}
	}
	return string(b)
}
