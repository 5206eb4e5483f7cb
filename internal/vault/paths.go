package vault

import (
	"strings"
)

// Config is a provider configuration object: provider id → settings map.
// Nested maps are addressed with dotted paths such as "openai.apiKey".
type Config map[string]any

// DefaultSensitivePaths lists the fields that never leave the vault in clear text.
var DefaultSensitivePaths = []string{
	"openai.apiKey",
	"anthropic.apiKey",
	"gemini.apiKey",
	"groq.apiKey",
	"grok.apiKey",
	"openrouter.apiKey",
}

// Extract returns a config containing only the sensitive paths present in cfg.
func Extract(cfg Config, paths []string) Config {
	out := Config{}
	for _, p := range paths {
		if v, ok := getPath(cfg, p); ok {
			setPath(out, p, v)
		}
	}
	return out
}

// Merge returns a deep copy of base with every leaf of overlay written over it.
// Neither argument is modified.
func Merge(base, overlay Config) Config {
	out := deepCopy(base)
	mergeInto(out, overlay)
	return out
}

// Sanitize returns a deep copy of cfg with sensitive string values masked.
func Sanitize(cfg Config, paths []string) Config {
	out := deepCopy(cfg)
	for _, p := range paths {
		v, ok := getPath(out, p)
		if !ok {
			continue
		}
		if s, ok := v.(string); ok {
			setPath(out, p, Mask(s))
		}
	}
	return out
}

// Mask keeps the first and last four characters of a secret. Secrets of
// eight characters or fewer are replaced entirely.
func Mask(s string) string {
	if s == "" {
		return ""
	}
	r := []rune(s)
	if len(r) <= 8 {
		return "********"
	}
	return string(r[:4]) + "****" + string(r[len(r)-4:])
}

func getPath(cfg Config, path string) (any, bool) {
	var cur any = map[string]any(cfg)
	for _, part := range strings.Split(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func setPath(cfg Config, path string, v any) {
	parts := strings.Split(path, ".")
	cur := map[string]any(cfg)
	for _, part := range parts[:len(parts)-1] {
		next, ok := asMap(cur[part])
		if !ok {
			next = map[string]any{}
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = v
}

func mergeInto(dst map[string]any, src map[string]any) {
	for k, v := range src {
		if sm, ok := asMap(v); ok {
			dm, ok := asMap(dst[k])
			if !ok {
				dm = map[string]any{}
				dst[k] = dm
			}
			mergeInto(dm, sm)
			continue
		}
		dst[k] = v
	}
}

func deepCopy(src map[string]any) Config {
	out := make(Config, len(src))
	for k, v := range src {
		if m, ok := asMap(v); ok {
			out[k] = map[string]any(deepCopy(m))
			continue
		}
		out[k] = v
	}
	return out
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Config:
		return m, true
	default:
		return nil, false
	}
}
