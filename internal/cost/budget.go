package cost

import (
	"fmt"
	"time"
)

const dayLayout = "2006-01-02"

// Period is a budget window.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
	PeriodTotal   Period = "total"
)

// window returns the first day (inclusive) of the period containing at and
// a key identifying that window. Total has no start.
func (p Period) window(at time.Time) (string, string) {
	at = at.UTC()
	switch p {
	case PeriodDaily:
		d := at.Format(dayLayout)
		return d, d
	case PeriodWeekly:
		offset := (int(at.Weekday()) + 6) % 7 // Monday starts the week
		d := at.AddDate(0, 0, -offset).Format(dayLayout)
		return d, "w" + d
	case PeriodMonthly:
		d := time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, time.UTC).Format(dayLayout)
		return d, "m" + d
	default:
		return "", "total"
	}
}

// Scope selects what a budget counts.
type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeModel  Scope = "model"
)

// DefaultWarnThreshold is the fraction of a limit that raises a warning.
const DefaultWarnThreshold = 0.8

// Budget is one spend ceiling in the tracker's currency.
type Budget struct {
	Scope         Scope   `json:"scope"`
	Model         string  `json:"model,omitempty"`
	Limit         float64 `json:"limit"`
	Period        Period  `json:"period"`
	WarnThreshold float64 `json:"warn_threshold"`
}

// Name identifies the budget in alerts.
func (b Budget) Name() string {
	if b.Scope == ScopeModel {
		return fmt.Sprintf("%s:%s:%s", b.Scope, b.Model, b.Period)
	}
	return fmt.Sprintf("%s:%s", b.Scope, b.Period)
}

func (b Budget) normalized() Budget {
	if b.Scope == "" {
		b.Scope = ScopeGlobal
	}
	if b.Period == "" {
		b.Period = PeriodMonthly
	}
	if b.WarnThreshold <= 0 || b.WarnThreshold >= 1 {
		b.WarnThreshold = DefaultWarnThreshold
	}
	return b
}

func (b Budget) model() string {
	if b.Scope == ScopeModel {
		return b.Model
	}
	return ""
}

// AlertLevel indicates severity of a budget alert.
type AlertLevel string

const (
	AlertNone     AlertLevel = ""
	AlertWarn     AlertLevel = "warn"
	AlertExceeded AlertLevel = "exceeded"
)

func (l AlertLevel) rank() int {
	switch l {
	case AlertWarn:
		return 1
	case AlertExceeded:
		return 2
	default:
		return 0
	}
}

// Alert reports a budget crossing a threshold.
type Alert struct {
	Budget  string     `json:"budget"`
	Level   AlertLevel `json:"level"`
	Spent   float64    `json:"spent"`
	Limit   float64    `json:"limit"`
	Percent float64    `json:"percent"`
	At      time.Time  `json:"at"`
}

// AlertHandler is called when a budget threshold is crossed.
type AlertHandler func(Alert)

// BudgetStatus is the current standing of one budget.
type BudgetStatus struct {
	Budget  Budget     `json:"budget"`
	Spent   float64    `json:"spent"`
	Percent float64    `json:"percent"`
	Level   AlertLevel `json:"level"`
}

// SetBudgets replaces the configured budgets.
func (t *Tracker) SetBudgets(budgets []Budget) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.budgets = t.budgets[:0]
	for _, b := range budgets {
		t.budgets = append(t.budgets, b.normalized())
	}
	t.alerted = make(map[string]AlertLevel)
}

// Budgets returns the standing of every budget at the current time.
func (t *Tracker) Budgets() []BudgetStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	now := t.now().UTC()
	out := make([]BudgetStatus, 0, len(t.budgets))
	for _, b := range t.budgets {
		spent := t.spend(b.Period, b.model(), now)
		out = append(out, BudgetStatus{
			Budget:  b,
			Spent:   spent,
			Percent: percent(spent, b.Limit),
			Level:   levelFor(spent, b),
		})
	}
	return out
}

// evaluate returns alerts for budgets that reached a higher level in their
// current window than previously reported. Callers hold t.mu.
func (t *Tracker) evaluate(at time.Time) []Alert {
	var alerts []Alert
	for _, b := range t.budgets {
		if b.Limit <= 0 {
			continue
		}
		spent := t.spend(b.Period, b.model(), at)
		level := levelFor(spent, b)
		if level == AlertNone {
			continue
		}
		_, win := b.Period.window(at)
		key := b.Name() + "|" + win
		if t.alerted[key].rank() >= level.rank() {
			continue
		}
		t.alerted[key] = level
		alerts = append(alerts, Alert{
			Budget:  b.Name(),
			Level:   level,
			Spent:   spent,
			Limit:   b.Limit,
			Percent: percent(spent, b.Limit),
			At:      at,
		})
	}
	return alerts
}

func levelFor(spent float64, b Budget) AlertLevel {
	if b.Limit <= 0 {
		return AlertNone
	}
	switch {
	case spent >= b.Limit:
		return AlertExceeded
	case spent >= b.Limit*b.WarnThreshold:
		return AlertWarn
	default:
		return AlertNone
	}
}

func percent(spent, limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	return spent / limit * 100
}
