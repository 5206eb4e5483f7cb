package cost

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/normanking/cortex-orchestrator/internal/logging"
	"github.com/normanking/cortex-orchestrator/internal/metrics"
)

// UsageRecord is one priced model call.
type UsageRecord struct {
	ID               string    `json:"id"`
	ConversationID   string    `json:"conversation_id"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	InputTokens      int64     `json:"input_tokens"`
	OutputTokens     int64     `json:"output_tokens"`
	CacheReadTokens  int64     `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int64     `json:"cache_write_tokens,omitempty"`
	Cost             float64   `json:"cost"`
	ConvertedCost    float64   `json:"converted_cost"`
	Currency         string    `json:"currency"`
	CreatedAt        time.Time `json:"created_at"`
}

// Tokens returns the record's token counts.
func (r UsageRecord) Tokens() Tokens {
	return Tokens{
		Input:      r.InputTokens,
		Output:     r.OutputTokens,
		CacheRead:  r.CacheReadTokens,
		CacheWrite: r.CacheWriteTokens,
	}
}

// UsageStore persists usage records.
type UsageStore interface {
	SaveUsage(ctx context.Context, rec UsageRecord) error
	ListUsage(ctx context.Context, since time.Time) ([]UsageRecord, error)
}

// Cost is the price of one call.
type Cost struct {
	Native    float64 `json:"native"`
	Converted float64 `json:"converted"`
	Currency  string  `json:"currency"`
}

// ConversationUsage aggregates spend for one conversation.
type ConversationUsage struct {
	ConversationID string    `json:"conversation_id"`
	Calls          int       `json:"calls"`
	InputTokens    int64     `json:"input_tokens"`
	OutputTokens   int64     `json:"output_tokens"`
	Cost           float64   `json:"cost"`
	ConvertedCost  float64   `json:"converted_cost"`
	FirstAt        time.Time `json:"first_at"`
	LastAt         time.Time `json:"last_at"`
}

// Options configures a Tracker.
type Options struct {
	Pricing      PricingTable
	ExchangeRate float64
	Currency     string
	Budgets      []Budget
	Store        UsageStore
	Logger       *logging.Logger
	Metrics      *metrics.Metrics
	Now          func() time.Time
}

// Tracker prices calls, records usage and evaluates budgets.
type Tracker struct {
	pricing  PricingTable
	rate     float64
	currency string
	store    UsageStore
	log      zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu            sync.RWMutex
	budgets       []Budget
	conversations map[string]*ConversationUsage
	// ledger is day (YYYY-MM-DD, UTC) → model → converted spend.
	ledger   map[string]map[string]float64
	alerted  map[string]AlertLevel
	handlers []AlertHandler
}

// NewTracker creates a Tracker. A zero exchange rate means 1.
func NewTracker(opts Options) *Tracker {
	t := &Tracker{
		pricing:       opts.Pricing,
		rate:          opts.ExchangeRate,
		currency:      opts.Currency,
		store:         opts.Store,
		log:           logging.For(opts.Logger, "cost"),
		metrics:       opts.Metrics,
		now:           opts.Now,
		conversations: make(map[string]*ConversationUsage),
		ledger:        make(map[string]map[string]float64),
		alerted:       make(map[string]AlertLevel),
	}
	if t.pricing == nil {
		t.pricing = DefaultPricing()
	}
	if t.rate <= 0 || math.IsNaN(t.rate) || math.IsInf(t.rate, 0) {
		t.rate = 1
	}
	if t.currency == "" {
		t.currency = "USD"
	}
	if t.now == nil {
		t.now = time.Now
	}
	for _, b := range opts.Budgets {
		t.budgets = append(t.budgets, b.normalized())
	}
	return t
}

// Calculate prices a call without recording it.
func (t *Tracker) Calculate(provider, model string, tok Tokens) Cost {
	native := t.pricing.NativeCost(provider, model, tok)
	return Cost{
		Native:    native,
		Converted: finite(native * t.rate),
		Currency:  t.currency,
	}
}

// Pricing returns the tracker's pricing table.
func (t *Tracker) Pricing() PricingTable {
	return t.pricing
}

// OnAlert registers a handler. Handlers run on their own goroutine so a slow
// handler never delays Record.
func (t *Tracker) OnAlert(h AlertHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = append(t.handlers, h)
}

// Record prices and stores one call, updates aggregates and returns any
// budget alerts raised by it. A store failure is returned after the
// in-memory aggregates are updated.
func (t *Tracker) Record(ctx context.Context, conversationID, provider, model string, tok Tokens) (UsageRecord, []Alert, error) {
	c := t.Calculate(provider, model, tok)
	rec := UsageRecord{
		ID:               uuid.NewString(),
		ConversationID:   conversationID,
		Provider:         provider,
		Model:            model,
		InputTokens:      max(tok.Input, 0),
		OutputTokens:     max(tok.Output, 0),
		CacheReadTokens:  max(tok.CacheRead, 0),
		CacheWriteTokens: max(tok.CacheWrite, 0),
		Cost:             c.Native,
		ConvertedCost:    c.Converted,
		Currency:         c.Currency,
		CreatedAt:        t.now().UTC(),
	}

	t.mu.Lock()
	t.apply(rec)
	alerts := t.evaluate(rec.CreatedAt)
	handlers := append([]AlertHandler(nil), t.handlers...)
	t.mu.Unlock()

	t.metrics.Usage(provider, model, rec.InputTokens, rec.OutputTokens, rec.Cost)
	for _, a := range alerts {
		t.metrics.BudgetAlert(string(a.Level))
		t.log.Warn().
			Str("budget", a.Budget).
			Str("level", string(a.Level)).
			Float64("spent", a.Spent).
			Float64("limit", a.Limit).
			Msg("budget alert")
		for _, h := range handlers {
			go h(a)
		}
	}

	t.log.Debug().
		Str("conversation", conversationID).
		Str("provider", provider).
		Str("model", model).
		Float64("cost", rec.Cost).
		Msg("usage recorded")

	if t.store != nil {
		if err := t.store.SaveUsage(ctx, rec); err != nil {
			return rec, alerts, fmt.Errorf("save usage: %w", err)
		}
	}
	return rec, alerts, nil
}

// Rehydrate rebuilds aggregates from the store. Alerts already crossed by
// the loaded spend are marked as sent.
func (t *Tracker) Rehydrate(ctx context.Context, since time.Time) error {
	if t.store == nil {
		return nil
	}
	recs, err := t.store.ListUsage(ctx, since)
	if err != nil {
		return fmt.Errorf("load usage: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rec := range recs {
		t.apply(rec)
	}
	t.evaluate(t.now().UTC())
	t.log.Info().Int("records", len(recs)).Msg("usage rehydrated")
	return nil
}

func (t *Tracker) apply(rec UsageRecord) {
	if rec.ConversationID != "" {
		cu, ok := t.conversations[rec.ConversationID]
		if !ok {
			cu = &ConversationUsage{ConversationID: rec.ConversationID, FirstAt: rec.CreatedAt}
			t.conversations[rec.ConversationID] = cu
		}
		cu.Calls++
		cu.InputTokens += rec.InputTokens
		cu.OutputTokens += rec.OutputTokens
		cu.Cost += rec.Cost
		cu.ConvertedCost += rec.ConvertedCost
		if rec.CreatedAt.Before(cu.FirstAt) {
			cu.FirstAt = rec.CreatedAt
		}
		if rec.CreatedAt.After(cu.LastAt) {
			cu.LastAt = rec.CreatedAt
		}
	}

	day := rec.CreatedAt.UTC().Format(dayLayout)
	models, ok := t.ledger[day]
	if !ok {
		models = make(map[string]float64)
		t.ledger[day] = models
	}
	models[rec.Model] += rec.ConvertedCost
}

// Conversation returns the aggregate for one conversation.
func (t *Tracker) Conversation(id string) (ConversationUsage, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cu, ok := t.conversations[id]
	if !ok {
		return ConversationUsage{ConversationID: id}, false
	}
	return *cu, true
}

// Conversations returns all aggregates, most recent first.
func (t *Tracker) Conversations() []ConversationUsage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ConversationUsage, 0, len(t.conversations))
	for _, cu := range t.conversations {
		out = append(out, *cu)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastAt.After(out[j].LastAt)
	})
	return out
}

// DailySpend returns converted spend per model for the given day.
func (t *Tracker) DailySpend(day time.Time) map[string]float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]float64)
	for m, v := range t.ledger[day.UTC().Format(dayLayout)] {
		out[m] = v
	}
	return out
}

// Spend returns converted spend over a period window ending at at. An empty
// model sums every model.
func (t *Tracker) Spend(period Period, model string, at time.Time) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.spend(period, model, at)
}

func (t *Tracker) spend(period Period, model string, at time.Time) float64 {
	start, _ := period.window(at)
	var total float64
	for day, models := range t.ledger {
		if start != "" && day < start {
			continue
		}
		if day > at.UTC().Format(dayLayout) {
			continue
		}
		if model != "" {
			total += models[model]
			continue
		}
		for _, v := range models {
			total += v
		}
	}
	return total
}
