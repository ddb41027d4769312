package provider

import "fmt"

// ParseGenConfig converts a loose parameter dictionary into a GenConfig.
// Recognised keys are max_tokens, stop and temperature; everything else lands
// in Extra untouched.
func ParseGenConfig(params map[string]any) (GenConfig, error) {
	var cfg GenConfig
	for k, v := range params {
		switch k {
		case "max_tokens":
			n, ok := toFloat(v)
			if !ok || n < 0 {
				return GenConfig{}, fmt.Errorf("gen config: max_tokens must be a non-negative number, got %v", v)
			}
			cfg.MaxTokens = int32(n)
		case "temperature":
			if v == nil {
				continue
			}
			f, ok := toFloat(v)
			if !ok {
				return GenConfig{}, fmt.Errorf("gen config: temperature must be a number, got %v", v)
			}
			cfg.Temperature = Float32(float32(f))
		case "stop":
			stop, err := toStrings(v)
			if err != nil {
				return GenConfig{}, fmt.Errorf("gen config: stop: %w", err)
			}
			cfg.Stop = stop
		default:
			if cfg.Extra == nil {
				cfg.Extra = make(map[string]any)
			}
			cfg.Extra[k] = v
		}
	}
	return cfg, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func toStrings(v any) ([]string, error) {
	switch s := v.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{s}, nil
	case []string:
		return append([]string(nil), s...), nil
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			str, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected string, got %T", item)
			}
			out = append(out, str)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected string or list of strings, got %T", v)
	}
}

// extraFloat reads a numeric option from Extra.
func extraFloat(extra map[string]any, key string) (float32, bool) {
	v, ok := extra[key]
	if !ok {
		return 0, false
	}
	f, ok := toFloat(v)
	return float32(f), ok
}
