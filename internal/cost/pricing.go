// Package cost prices model calls and tracks spend against budgets.
package cost

import (
	"fmt"
	"math"
	"strings"

	"github.com/BurntSushi/toml"
)

// Rates holds per-million-token prices for a model.
type Rates struct {
	Input      float64 `toml:"input" json:"input"`
	Output     float64 `toml:"output" json:"output"`
	CacheRead  float64 `toml:"cache_read" json:"cache_read,omitempty"`
	CacheWrite float64 `toml:"cache_write" json:"cache_write,omitempty"`
}

// ProviderPricing holds the model rates of one provider. The "*" model entry
// applies to any model without its own entry.
type ProviderPricing struct {
	SupportsCache bool             `toml:"supports_cache" json:"supports_cache"`
	Models        map[string]Rates `toml:"models" json:"models"`
}

// PricingTable maps provider id to its pricing. It is read-only once built.
type PricingTable map[string]ProviderPricing

// Wildcard is the model key matching every model of a provider.
const Wildcard = "*"

// DefaultPricing returns the built-in pricing table.
func DefaultPricing() PricingTable {
	return PricingTable{
		"openai": {Models: map[string]Rates{
			"gpt-4o":      {Input: 2.50, Output: 10.00},
			"gpt-4o-mini": {Input: 0.15, Output: 0.60},
			"o3-mini":     {Input: 1.10, Output: 4.40},
			Wildcard:      {Input: 2.50, Output: 10.00},
		}},
		"anthropic": {SupportsCache: true, Models: map[string]Rates{
			"claude-3-5-sonnet": {Input: 3.00, Output: 15.00, CacheRead: 0.30, CacheWrite: 3.75},
			"claude-3-5-haiku":  {Input: 0.80, Output: 4.00, CacheRead: 0.08, CacheWrite: 1.00},
			"claude-sonnet-4":   {Input: 3.00, Output: 15.00, CacheRead: 0.30, CacheWrite: 3.75},
			"claude-opus-4":     {Input: 15.00, Output: 75.00, CacheRead: 1.50, CacheWrite: 18.75},
			Wildcard:            {Input: 3.00, Output: 15.00, CacheRead: 0.30, CacheWrite: 3.75},
		}},
		"gemini": {Models: map[string]Rates{
			"gemini-1.5-flash": {Input: 0.075, Output: 0.30},
			"gemini-1.5-pro":   {Input: 1.25, Output: 5.00},
			Wildcard:           {Input: 0.075, Output: 0.30},
		}},
		"groq": {Models: map[string]Rates{
			"llama-3.3-70b-versatile": {Input: 0.59, Output: 0.79},
			Wildcard:                  {Input: 0.59, Output: 0.79},
		}},
		"grok": {Models: map[string]Rates{
			Wildcard: {Input: 3.00, Output: 15.00},
		}},
		"openrouter": {Models: map[string]Rates{
			Wildcard: {Input: 3.00, Output: 15.00},
		}},
		"ollama":   {Models: map[string]Rates{Wildcard: {}}},
		"lmstudio": {Models: map[string]Rates{Wildcard: {}}},
	}
}

type pricingFile struct {
	Providers map[string]ProviderPricing `toml:"providers"`
}

// LoadPricingFile reads TOML overrides and layers them over base. Model
// entries replace base entries of the same name; other base entries stay.
//
//	[providers.openai.models."gpt-4o"]
//	input = 2.5
//	output = 10.0
func LoadPricingFile(path string, base PricingTable) (PricingTable, error) {
	var f pricingFile
	md, err := toml.DecodeFile(path, &f)
	if err != nil {
		return nil, fmt.Errorf("load pricing file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("load pricing file: unknown keys %v", undecoded)
	}

	out := base.clone()
	for id, p := range f.Providers {
		cur, ok := out[id]
		if !ok {
			cur = ProviderPricing{Models: map[string]Rates{}}
		}
		if md.IsDefined("providers", id, "supports_cache") {
			cur.SupportsCache = p.SupportsCache
		}
		for model, r := range p.Models {
			if err := r.validate(); err != nil {
				return nil, fmt.Errorf("pricing %s/%s: %w", id, model, err)
			}
			cur.Models[model] = r
		}
		out[id] = cur
	}
	return out, nil
}

func (t PricingTable) clone() PricingTable {
	out := make(PricingTable, len(t))
	for id, p := range t {
		models := make(map[string]Rates, len(p.Models))
		for m, r := range p.Models {
			models[m] = r
		}
		out[id] = ProviderPricing{SupportsCache: p.SupportsCache, Models: models}
	}
	return out
}

func (r Rates) validate() error {
	for _, v := range []float64{r.Input, r.Output, r.CacheRead, r.CacheWrite} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("rates must be finite and non-negative")
		}
	}
	return nil
}

// Lookup resolves the rates for provider/model. Model names with a date
// suffix ("claude-3-5-sonnet-20241022") fall back to the base name, then to
// the provider wildcard.
func (t PricingTable) Lookup(provider, model string) (Rates, bool, bool) {
	p, ok := t[provider]
	if !ok {
		return Rates{}, false, false
	}
	if r, ok := p.Models[model]; ok {
		return r, p.SupportsCache, true
	}
	if base := stripDateSuffix(model); base != model {
		if r, ok := p.Models[base]; ok {
			return r, p.SupportsCache, true
		}
	}
	if r, ok := p.Models[Wildcard]; ok {
		return r, p.SupportsCache, true
	}
	return Rates{}, false, false
}

func stripDateSuffix(model string) string {
	i := strings.LastIndex(model, "-")
	if i < 0 {
		return model
	}
	last := model[i+1:]
	if len(last) < 8 {
		return model
	}
	for _, c := range last {
		if c < '0' || c > '9' {
			return model
		}
	}
	return model[:i]
}

// Tokens are the billed token counts of one call.
type Tokens struct {
	Input      int64 `json:"input"`
	Output     int64 `json:"output"`
	CacheRead  int64 `json:"cache_read,omitempty"`
	CacheWrite int64 `json:"cache_write,omitempty"`
}

// NativeCost prices tokens in the pricing table's currency. Unknown providers
// cost nothing, negative counts contribute nothing, and the result is always
// finite and non-negative.
func (t PricingTable) NativeCost(provider, model string, tok Tokens) float64 {
	r, cache, ok := t.Lookup(provider, model)
	if !ok {
		return 0
	}
	c := perMillion(tok.Input, r.Input) + perMillion(tok.Output, r.Output)
	if cache {
		c += perMillion(tok.CacheRead, r.CacheRead) + perMillion(tok.CacheWrite, r.CacheWrite)
	}
	return finite(c)
}

func perMillion(count int64, rate float64) float64 {
	if count <= 0 || rate <= 0 {
		return 0
	}
	return float64(count) * rate / 1e6
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}
