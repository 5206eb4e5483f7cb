package vault

import (
	"regexp"
	"sort"
	"strings"
)

// Validation failure reasons.
const (
	ReasonEmpty         = "empty"
	ReasonTooShort      = "too_short"
	ReasonInvalidFormat = "invalid_format"
)

// ValidationResult is the outcome of checking one API key.
type ValidationResult struct {
	Provider string `json:"provider"`
	Valid    bool   `json:"valid"`
	Reason   string `json:"reason,omitempty"`
}

type keyRule struct {
	minLen  int
	pattern *regexp.Regexp
}

var keyRules = map[string]keyRule{
	"openai":     {minLen: 20, pattern: regexp.MustCompile(`^sk-[A-Za-z0-9_-]{17,}$`)},
	"anthropic":  {minLen: 24, pattern: regexp.MustCompile(`^sk-ant-[A-Za-z0-9_-]{17,}$`)},
	"gemini":     {minLen: 39, pattern: regexp.MustCompile(`^AIza[0-9A-Za-z_-]{35}$`)},
	"groq":       {minLen: 24, pattern: regexp.MustCompile(`^gsk_[A-Za-z0-9]{20,}$`)},
	"grok":       {minLen: 24, pattern: regexp.MustCompile(`^xai-[A-Za-z0-9]{20,}$`)},
	"openrouter": {minLen: 24, pattern: regexp.MustCompile(`^sk-or-[A-Za-z0-9_-]{18,}$`)},
}

// genericMinLen applies to providers without a known key format.
const genericMinLen = 8

// ValidateKey checks an API key against the provider's known format.
func ValidateKey(provider, key string) ValidationResult {
	res := ValidationResult{Provider: provider}
	key = strings.TrimSpace(key)
	if key == "" {
		res.Reason = ReasonEmpty
		return res
	}

	rule, known := keyRules[provider]
	minLen := genericMinLen
	if known {
		minLen = rule.minLen
	}
	if len(key) < minLen {
		res.Reason = ReasonTooShort
		return res
	}
	if known && !rule.pattern.MatchString(key) {
		res.Reason = ReasonInvalidFormat
		return res
	}
	res.Valid = true
	return res
}

// ValidateConfig checks every provider entry in cfg that carries an apiKey.
// Results are sorted by provider id.
func ValidateConfig(cfg Config) []ValidationResult {
	ids := make([]string, 0, len(cfg))
	for id := range cfg {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []ValidationResult
	for _, id := range ids {
		entry, ok := asMap(cfg[id])
		if !ok {
			continue
		}
		v, ok := entry["apiKey"]
		if !ok {
			continue
		}
		key, _ := v.(string)
		out = append(out, ValidateKey(id, key))
	}
	return out
}
