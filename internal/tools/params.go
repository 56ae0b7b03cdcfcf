package tools

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Arguments arrive as decoded JSON, so numbers are float64 and lists are
// []interface{}. Clients also send numbers and lists as strings.

func optionalString(params map[string]interface{}, name string) string {
	s, _ := params[name].(string)
	return strings.TrimSpace(s)
}

func requiredString(params map[string]interface{}, name string) (string, error) {
	s := optionalString(params, name)
	if s == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	return s, nil
}

func requiredUID(params map[string]interface{}, name string) (uint32, error) {
	switch v := params[name].(type) {
	case float64:
		if v < 1 || v > math.MaxUint32 || v != math.Trunc(v) {
			return 0, fmt.Errorf("invalid %s: %v", name, v)
		}
		return uint32(v), nil
	case string:
		n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 32)
		if err != nil || n == 0 {
			return 0, fmt.Errorf("invalid %s: %q", name, v)
		}
		return uint32(n), nil
	case nil:
		return 0, fmt.Errorf("%s is required", name)
	default:
		return 0, fmt.Errorf("invalid %s: %v", name, v)
	}
}

func optionalInt(params map[string]interface{}, name string, def int) (int, error) {
	switch v := params[name].(type) {
	case float64:
		return int(v), nil
	case string:
		if strings.TrimSpace(v) == "" {
			return def, nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", name, err)
		}
		return n, nil
	case nil:
		return def, nil
	default:
		return 0, fmt.Errorf("invalid %s: %v", name, v)
	}
}

func optionalBool(params map[string]interface{}, name string, def bool) bool {
	switch v := params[name].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// stringList accepts a JSON array or a comma-separated string.
func stringList(params map[string]interface{}, name string) []string {
	var raw []string
	switch v := params[name].(type) {
	case string:
		raw = strings.Split(v, ",")
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok {
				raw = append(raw, s)
			}
		}
	case []string:
		raw = v
	}

	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
