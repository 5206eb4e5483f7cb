package autollm

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/normanking/cortex-orchestrator/internal/logging"
)

// CheckFunc probes one provider. A nil error means healthy.
type CheckFunc func(ctx context.Context, id string) error

// Prober refreshes selector health for providers whose result has expired.
type Prober struct {
	sel     *Selector
	check   CheckFunc
	limit   int
	timeout time.Duration
	log     zerolog.Logger
}

// NewProber creates a Prober running at most limit checks at once. Each
// check gets its own timeout.
func NewProber(sel *Selector, check CheckFunc, limit int, timeout time.Duration, logger *logging.Logger) *Prober {
	if limit <= 0 {
		limit = 4
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Prober{
		sel:     sel,
		check:   check,
		limit:   limit,
		timeout: timeout,
		log:     logging.For(logger, "prober"),
	}
}

// ProbeDue checks every configured provider that needs a health check and
// records the results. It returns the results of this pass.
func (p *Prober) ProbeDue(ctx context.Context) (map[string]bool, error) {
	var due []string
	for _, prof := range p.sel.Profiles() {
		if p.sel.config.IsConfigured(prof.ID) && p.sel.NeedsHealthCheck(prof.ID) {
			due = append(due, prof.ID)
		}
	}

	var mu sync.Mutex
	results := make(map[string]bool, len(due))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.limit)
	for _, id := range due {
		id := id
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, p.timeout)
			defer cancel()

			start := time.Now()
			err := p.check(cctx, id)
			if ctx.Err() != nil {
				// The pass was cancelled; do not mark the provider down.
				return ctx.Err()
			}
			healthy := err == nil
			p.sel.UpdateHealth(id, healthy)

			mu.Lock()
			results[id] = healthy
			mu.Unlock()

			ev := p.log.Debug()
			if err != nil {
				ev = p.log.Warn().Err(err)
			}
			ev.Str("provider", id).Bool("healthy", healthy).Float64("ms", logging.Since(start)).Msg("health probe")
			return nil
		})
	}
	err := g.Wait()
	return results, err
}

// Run probes on every tick until ctx is done.
func (p *Prober) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = p.sel.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := p.ProbeDue(ctx); err != nil && ctx.Err() == nil {
			p.log.Error().Err(err).Msg("health probe pass failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
