package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/normanking/cortex-orchestrator/internal/cost"
	"github.com/normanking/cortex-orchestrator/internal/logging"
	"github.com/normanking/cortex-orchestrator/internal/metrics"
)

// Defaults for zero-valued Options fields.
const (
	DefaultCompressionThreshold = 50
	DefaultSummaryThreshold     = 20
	DefaultMaxSummaryLength     = 500
	DefaultCacheSize            = 100
	DefaultQueueSize            = 64
)

// UsageRecorder prices and records one model call. *cost.Tracker
// implements it.
type UsageRecorder interface {
	Record(ctx context.Context, conversationID, provider, model string, tok cost.Tokens) (cost.UsageRecord, []cost.Alert, error)
}

// Usage is the billing detail attached to an appended message.
type Usage struct {
	Provider string
	Model    string
	Tokens   cost.Tokens
}

// Options configures a Manager.
type Options struct {
	Store                Store
	CompressionThreshold int
	// KeepRecent defaults to half the threshold.
	KeepRecent       int
	AutoSummary      bool
	SummaryThreshold int
	MaxSummaryLength int
	CacheSize        int
	QueueSize        int
	Compressor       Compressor
	Summarizer       Summarizer
	Usage            UsageRecorder
	Logger           *logging.Logger
	Metrics          *metrics.Metrics
	Now              func() time.Time
}

// AddResult reports what happened during AddMessage.
type AddResult struct {
	Session       *Session
	Compressed    bool
	SummaryQueued bool
	Usage         *cost.UsageRecord
	Alerts        []cost.Alert
}

// Manager owns sessions. Operations on one session are serialized;
// independent sessions proceed concurrently.
type Manager struct {
	store      Store
	threshold  int
	keep       int
	auto       bool
	summaryAt  int
	summaryLen int
	compressor Compressor
	summarizer Summarizer
	usage      UsageRecorder
	log        zerolog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	cache *lru.Cache[string, *Session]
	loads singleflight.Group
	locks *keyedMutex
	queue *summaryQueue

	runMu   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewManager creates a Manager. Zero-valued limits use the defaults.
func NewManager(opts Options) (*Manager, error) {
	m := &Manager{
		store:      opts.Store,
		threshold:  opts.CompressionThreshold,
		keep:       opts.KeepRecent,
		auto:       opts.AutoSummary,
		summaryAt:  opts.SummaryThreshold,
		summaryLen: opts.MaxSummaryLength,
		compressor: opts.Compressor,
		summarizer: opts.Summarizer,
		usage:      opts.Usage,
		log:        logging.For(opts.Logger, "session"),
		metrics:    opts.Metrics,
		now:        opts.Now,
		locks:      newKeyedMutex(),
	}
	if m.store == nil {
		m.store = NewMemoryStore()
	}
	if m.threshold <= 0 {
		m.threshold = DefaultCompressionThreshold
	}
	if m.keep <= 0 {
		m.keep = m.threshold / 2
	}
	if m.keep >= m.threshold {
		return nil, fmt.Errorf("keep recent (%d) must be below compression threshold (%d)", m.keep, m.threshold)
	}
	if m.summaryAt <= 0 {
		m.summaryAt = DefaultSummaryThreshold
	}
	if m.summaryLen <= 0 {
		m.summaryLen = DefaultMaxSummaryLength
	}
	if m.compressor == nil {
		m.compressor = RecentCompressor{SummaryLength: m.summaryLen}
	}
	if m.summarizer == nil {
		m.summarizer = StatisticalSummarizer{}
	}
	if m.now == nil {
		m.now = time.Now
	}

	size := opts.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, *Session](size)
	if err != nil {
		return nil, fmt.Errorf("create session cache: %w", err)
	}
	m.cache = cache

	qsize := opts.QueueSize
	if qsize <= 0 {
		qsize = DefaultQueueSize
	}
	m.queue = newSummaryQueue(qsize)
	return m, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// SESSION OPERATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// CreateSession starts an empty session. An empty conversationID uses the
// session id.
func (m *Manager) CreateSession(ctx context.Context, conversationID string) (*Session, error) {
	now := m.now().UTC()
	s := &Session{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if s.ConversationID == "" {
		s.ConversationID = s.ID
	}
	if err := m.store.SaveSession(ctx, s); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	m.cachePut(s)
	m.log.Info().Str("session", s.ID).Str("conversation", s.ConversationID).Msg("session created")
	return s.Clone(), nil
}

// GetSession returns a copy of the session.
func (m *Manager) GetSession(ctx context.Context, id string) (*Session, error) {
	unlock := m.locks.lock(id)
	defer unlock()

	s, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.Clone(), nil
}

// AddMessage appends msg. When the history reaches the compression
// threshold it is compressed before returning. usage, when set, is recorded
// against the session's conversation. On error the session is unchanged.
func (m *Manager) AddMessage(ctx context.Context, id string, msg Message, usage *Usage) (*AddResult, error) {
	unlock := m.locks.lock(id)
	defer unlock()

	cached, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	s := cached.Clone()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = m.now().UTC()
	}
	s.Messages = append(s.Messages, msg)
	s.Metadata.MessageCount++
	s.Metadata.MessagesSinceSummary++
	s.UpdatedAt = m.now().UTC()

	res := &AddResult{}
	if len(s.Messages) >= m.threshold {
		compressed, err := m.compressLocked(ctx, s)
		if err != nil {
			return nil, err
		}
		res.Compressed = compressed
	}

	if err := m.store.SaveSession(ctx, s); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	m.cachePut(s)

	if usage != nil && m.usage != nil {
		rec, alerts, err := m.usage.Record(ctx, s.ConversationID, usage.Provider, usage.Model, usage.Tokens)
		if err != nil {
			m.log.Error().Err(err).Str("session", id).Msg("failed to record usage")
		}
		res.Usage = &rec
		res.Alerts = alerts
	}

	if m.auto && s.Metadata.MessagesSinceSummary >= m.summaryAt {
		res.SummaryQueued = m.queue.push(id)
	}

	res.Session = s.Clone()
	return res, nil
}

// CompressSession compresses regardless of the threshold. It is a no-op
// when the history already fits KeepRecent.
func (m *Manager) CompressSession(ctx context.Context, id string) (*Session, error) {
	unlock := m.locks.lock(id)
	defer unlock()

	cached, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(cached.Messages) <= m.keep {
		return cached.Clone(), nil
	}
	s := cached.Clone()
	if _, err := m.compressLocked(ctx, s); err != nil {
		return nil, err
	}
	s.UpdatedAt = m.now().UTC()
	if err := m.store.SaveSession(ctx, s); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	m.cachePut(s)
	return s.Clone(), nil
}

// compressLocked reports whether any message was dropped.
func (m *Manager) compressLocked(ctx context.Context, s *Session) (bool, error) {
	res, err := m.compressor.Compress(ctx, s.Messages, m.keep)
	if err != nil {
		return false, fmt.Errorf("compress session %s: %w", s.ID, err)
	}
	if res.Dropped == 0 {
		return false, nil
	}
	s.Messages = res.Kept
	s.CompressedHistory = appendHistory(s.CompressedHistory, res.Summary, m.summaryLen*2)
	s.Metadata.TokenSavings += res.TokensSaved
	s.Metadata.CompressionCount++

	m.metrics.Compressed(res.TokensSaved)
	m.log.Info().
		Str("session", s.ID).
		Int("dropped", res.Dropped).
		Int("kept", len(res.Kept)).
		Int("tokens_saved", res.TokensSaved).
		Msg("session compressed")
	return true, nil
}

// GenerateSummary writes a fresh summary now. An LLM summarizer failure
// falls back to the statistical summary.
func (m *Manager) GenerateSummary(ctx context.Context, id string) (string, error) {
	unlock := m.locks.lock(id)
	defer unlock()

	cached, err := m.load(ctx, id)
	if err != nil {
		return "", err
	}
	s := cached.Clone()

	kind := m.summarizer.Kind()
	summary, err := m.summarizer.Summarize(ctx, s, m.summaryLen)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		m.log.Warn().Err(err).Str("session", id).Msg("summarizer failed, using statistics")
		kind = SummaryStatistical
		summary, err = StatisticalSummarizer{}.Summarize(ctx, s, m.summaryLen)
		if err != nil {
			return "", err
		}
	}

	s.Metadata.Summary = summary
	s.Metadata.SummaryKind = kind
	s.Metadata.SummaryAt = m.now().UTC()
	s.Metadata.MessagesSinceSummary = 0
	if err := m.store.SaveSession(ctx, s); err != nil {
		return "", fmt.Errorf("save session: %w", err)
	}
	m.cachePut(s)

	m.metrics.Summarized(kind)
	m.log.Debug().Str("session", id).Str("kind", kind).Int("length", len(summary)).Msg("summary generated")
	return summary, nil
}

// DeleteSession removes the session from the cache, the queue and the store.
func (m *Manager) DeleteSession(ctx context.Context, id string) error {
	unlock := m.locks.lock(id)
	defer unlock()

	m.cache.Remove(id)
	m.metrics.CachedSessions(m.cache.Len())
	m.queue.remove(id)
	if err := m.store.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	m.log.Info().Str("session", id).Msg("session deleted")
	return nil
}

// ListSessions returns stored sessions, newest first.
func (m *Manager) ListSessions(ctx context.Context, limit int) ([]*Session, error) {
	out, err := m.store.ListSessions(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

// PendingSummaries returns the queued session ids in order.
func (m *Manager) PendingSummaries() []string {
	return m.queue.snapshot()
}

// load returns the cached session, loading it once from the store on a miss.
func (m *Manager) load(ctx context.Context, id string) (*Session, error) {
	if s, ok := m.cache.Get(id); ok {
		return s, nil
	}
	v, err, _ := m.loads.Do(id, func() (any, error) {
		if s, ok := m.cache.Get(id); ok {
			return s, nil
		}
		s, err := m.store.LoadSession(ctx, id)
		if err != nil {
			return nil, err
		}
		m.cachePut(s)
		return s, nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	return v.(*Session), nil
}

func (m *Manager) cachePut(s *Session) {
	m.cache.Add(s.ID, s)
	m.metrics.CachedSessions(m.cache.Len())
}

// ═══════════════════════════════════════════════════════════════════════════════
// SUMMARY WORKER
// ═══════════════════════════════════════════════════════════════════════════════

// Start launches the single background summary worker.
func (m *Manager) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true

	go m.worker(ctx, m.done)
	m.log.Info().Msg("summary worker started")
	return nil
}

// Stop halts the worker and waits for it to exit. Stopping a stopped
// manager is a no-op.
func (m *Manager) Stop() {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return
	}
	cancel, done := m.cancel, m.done
	m.running = false
	m.runMu.Unlock()

	cancel()
	<-done
	m.log.Info().Msg("summary worker stopped")
}

func (m *Manager) worker(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		for {
			if ctx.Err() != nil {
				return
			}
			id, ok := m.queue.pop()
			if !ok {
				break
			}
			if _, err := m.GenerateSummary(ctx, id); err != nil && ctx.Err() == nil {
				m.log.Error().Err(err).Str("session", id).Msg("background summary failed")
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-m.queue.signal:
		}
	}
}
