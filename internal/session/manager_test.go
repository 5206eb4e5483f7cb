package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortex-orchestrator/internal/cost"
	"github.com/normanking/cortex-orchestrator/internal/llm"
	"github.com/normanking/cortex-orchestrator/internal/logging"
)

func newTestManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	m, err := NewManager(opts)
	require.NoError(t, err)
	return m
}

func userMsg(i int) Message {
	return Message{Role: llm.RoleUser, Content: fmt.Sprintf("question number %d about the weather", i)}
}

func TestCompressionAtThreshold(t *testing.T) {
	m := newTestManager(t, Options{CompressionThreshold: 10})
	ctx := context.Background()
	s, err := m.CreateSession(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, s.ID, s.ConversationID)

	for i := 1; i <= 15; i++ {
		res, err := m.AddMessage(ctx, s.ID, userMsg(i), nil)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(res.Session.Messages), 10)
		if i < 10 {
			assert.False(t, res.Compressed, "append %d", i)
			assert.Zero(t, res.Session.Metadata.CompressionCount)
		}
		if i == 10 {
			assert.True(t, res.Compressed)
			assert.GreaterOrEqual(t, res.Session.Metadata.CompressionCount, 1)
			assert.Len(t, res.Session.Messages, 5)
		}
	}

	got, err := m.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 15, got.Metadata.MessageCount)
	assert.Equal(t, 2, got.Metadata.CompressionCount)
	assert.Positive(t, got.Metadata.TokenSavings)
	assert.NotEmpty(t, got.CompressedHistory)
	assert.Equal(t, "question number 15 about the weather", got.Messages[len(got.Messages)-1].Content)
}

func TestCompressionPreservesSystemMessages(t *testing.T) {
	m := newTestManager(t, Options{CompressionThreshold: 6, KeepRecent: 3})
	ctx := context.Background()
	s, err := m.CreateSession(ctx, "conv")
	require.NoError(t, err)

	_, err = m.AddMessage(ctx, s.ID, Message{Role: llm.RoleSystem, Content: "be terse"}, nil)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err = m.AddMessage(ctx, s.ID, userMsg(i), nil)
		require.NoError(t, err)
	}

	got, err := m.GetSession(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 3)
	assert.Equal(t, llm.RoleSystem, got.Messages[0].Role)
	assert.Equal(t, "question number 3 about the weather", got.Messages[1].Content)
	assert.Equal(t, "question number 4 about the weather", got.Messages[2].Content)
}

func TestSystemMessagesOutrankThreshold(t *testing.T) {
	m := newTestManager(t, Options{CompressionThreshold: 4, KeepRecent: 2})
	ctx := context.Background()
	s, err := m.CreateSession(ctx, "conv")
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		res, err := m.AddMessage(ctx, s.ID, Message{Role: llm.RoleSystem, Content: fmt.Sprintf("rule %d", i)}, nil)
		require.NoError(t, err)
		assert.False(t, res.Compressed)
	}
	res, err := m.AddMessage(ctx, s.ID, userMsg(1), nil)
	require.NoError(t, err)
	assert.False(t, res.Compressed)

	res, err = m.AddMessage(ctx, s.ID, userMsg(2), nil)
	require.NoError(t, err)
	assert.True(t, res.Compressed)

	got := res.Session
	require.Len(t, got.Messages, 5)
	for i := 0; i < 4; i++ {
		assert.Equal(t, llm.RoleSystem, got.Messages[i].Role)
	}
	assert.Equal(t, userMsg(2).Content, got.Messages[4].Content)
	assert.Equal(t, 1, got.Metadata.CompressionCount)
	assert.Equal(t, 6, got.Metadata.MessageCount)
}

func TestCompressSessionManual(t *testing.T) {
	m := newTestManager(t, Options{CompressionThreshold: 20, KeepRecent: 4})
	ctx := context.Background()
	s, err := m.CreateSession(ctx, "")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := m.AddMessage(ctx, s.ID, userMsg(i), nil)
		require.NoError(t, err)
	}
	got, err := m.CompressSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Zero(t, got.Metadata.CompressionCount)

	for i := 3; i < 8; i++ {
		_, err := m.AddMessage(ctx, s.ID, userMsg(i), nil)
		require.NoError(t, err)
	}
	got, err = m.CompressSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, got.Messages, 4)
	assert.Equal(t, 1, got.Metadata.CompressionCount)
}

func TestNewManagerRejectsKeepAboveThreshold(t *testing.T) {
	_, err := NewManager(Options{CompressionThreshold: 5, KeepRecent: 5, Logger: logging.Nop()})
	assert.Error(t, err)
}

func TestUnknownSession(t *testing.T) {
	m := newTestManager(t, Options{})
	_, err := m.AddMessage(context.Background(), "missing", userMsg(1), nil)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.GetSession(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionsLoadFromStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first := newTestManager(t, Options{Store: store})
	s, err := first.CreateSession(ctx, "conv")
	require.NoError(t, err)
	_, err = first.AddMessage(ctx, s.ID, userMsg(1), nil)
	require.NoError(t, err)

	second := newTestManager(t, Options{Store: store, CacheSize: 1})
	got, err := second.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, got.Messages, 1)

	list, err := second.ListSessions(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestDeleteSession(t *testing.T) {
	m := newTestManager(t, Options{AutoSummary: true, SummaryThreshold: 1})
	ctx := context.Background()
	s, err := m.CreateSession(ctx, "")
	require.NoError(t, err)
	_, err = m.AddMessage(ctx, s.ID, userMsg(1), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{s.ID}, m.PendingSummaries())

	require.NoError(t, m.DeleteSession(ctx, s.ID))
	_, err = m.GetSession(ctx, s.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, m.PendingSummaries())
}

func TestListSessionsNewestFirst(t *testing.T) {
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := newTestManager(t, Options{Now: func() time.Time { clock = clock.Add(time.Second); return clock }})
	ctx := context.Background()

	a, err := m.CreateSession(ctx, "a")
	require.NoError(t, err)
	b, err := m.CreateSession(ctx, "b")
	require.NoError(t, err)
	_, err = m.AddMessage(ctx, a.ID, userMsg(1), nil)
	require.NoError(t, err)

	list, err := m.ListSessions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID)
	assert.Equal(t, b.ID, list[1].ID)

	list, err = m.ListSessions(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeRecorder) Record(ctx context.Context, conversationID, provider, model string, tok cost.Tokens) (cost.UsageRecord, []cost.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, conversationID+"/"+provider+"/"+model)
	return cost.UsageRecord{ConversationID: conversationID, Cost: 0.5}, []cost.Alert{{Level: cost.AlertWarn}}, nil
}

func TestAddMessageRecordsUsage(t *testing.T) {
	rec := &fakeRecorder{}
	m := newTestManager(t, Options{Usage: rec})
	ctx := context.Background()
	s, err := m.CreateSession(ctx, "conv-9")
	require.NoError(t, err)

	res, err := m.AddMessage(ctx, s.ID, Message{Role: llm.RoleAssistant, Content: "hi"}, &Usage{
		Provider: "openai", Model: "gpt-4o", Tokens: cost.Tokens{Input: 10, Output: 5},
	})
	require.NoError(t, err)
	require.NotNil(t, res.Usage)
	assert.Equal(t, 0.5, res.Usage.Cost)
	assert.Len(t, res.Alerts, 1)
	assert.Equal(t, []string{"conv-9/openai/gpt-4o"}, rec.calls)

	res, err = m.AddMessage(ctx, s.ID, userMsg(2), nil)
	require.NoError(t, err)
	assert.Nil(t, res.Usage)
	assert.Len(t, rec.calls, 1)
}

func TestAddMessageWithRealTracker(t *testing.T) {
	tracker := cost.NewTracker(cost.Options{
		Pricing: cost.PricingTable{"providerA": {Models: map[string]cost.Rates{"modelX": {Input: 2.5, Output: 10}}}},
		Logger:  logging.Nop(),
	})
	m := newTestManager(t, Options{Usage: tracker})
	ctx := context.Background()
	s, err := m.CreateSession(ctx, "conv")
	require.NoError(t, err)

	_, err = m.AddMessage(ctx, s.ID, Message{Role: llm.RoleAssistant, Content: "ok"}, &Usage{
		Provider: "providerA", Model: "modelX", Tokens: cost.Tokens{Input: 1000, Output: 500},
	})
	require.NoError(t, err)

	cu, ok := tracker.Conversation("conv")
	require.True(t, ok)
	assert.InDelta(t, 0.0075, cu.Cost, 1e-12)
}

func TestAutoSummaryQueueDedup(t *testing.T) {
	m := newTestManager(t, Options{AutoSummary: true, SummaryThreshold: 2})
	ctx := context.Background()
	a, err := m.CreateSession(ctx, "")
	require.NoError(t, err)
	b, err := m.CreateSession(ctx, "")
	require.NoError(t, err)

	res, err := m.AddMessage(ctx, a.ID, userMsg(1), nil)
	require.NoError(t, err)
	assert.False(t, res.SummaryQueued)

	res, err = m.AddMessage(ctx, a.ID, userMsg(2), nil)
	require.NoError(t, err)
	assert.True(t, res.SummaryQueued)

	res, err = m.AddMessage(ctx, a.ID, userMsg(3), nil)
	require.NoError(t, err)
	assert.False(t, res.SummaryQueued, "already queued")

	for i := 0; i < 2; i++ {
		_, err = m.AddMessage(ctx, b.ID, userMsg(i), nil)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{a.ID, b.ID}, m.PendingSummaries())
}

func TestSummaryWorker(t *testing.T) {
	m := newTestManager(t, Options{AutoSummary: true, SummaryThreshold: 3, MaxSummaryLength: 200})
	ctx := context.Background()
	s, err := m.CreateSession(ctx, "")
	require.NoError(t, err)

	require.NoError(t, m.Start(ctx))
	assert.ErrorIs(t, m.Start(ctx), ErrAlreadyStarted)
	defer m.Stop()

	for i := 0; i < 3; i++ {
		_, err := m.AddMessage(ctx, s.ID, userMsg(i), nil)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		got, err := m.GetSession(ctx, s.ID)
		return err == nil && got.Metadata.Summary != ""
	}, 2*time.Second, 10*time.Millisecond)

	got, err := m.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, SummaryStatistical, got.Metadata.SummaryKind)
	assert.Zero(t, got.Metadata.MessagesSinceSummary)
	assert.LessOrEqual(t, len([]rune(got.Metadata.Summary)), 200)
	assert.Empty(t, m.PendingSummaries())
}

func TestStopIsIdempotent(t *testing.T) {
	m := newTestManager(t, Options{})
	m.Stop()
	require.NoError(t, m.Start(context.Background()))
	m.Stop()
	m.Stop()
	require.NoError(t, m.Start(context.Background()))
	m.Stop()
}

type stubProvider struct {
	content string
	err     error
}

func (p *stubProvider) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &llm.ChatResponse{Content: p.content}, nil
}
func (p *stubProvider) Name() string    { return "stub" }
func (p *stubProvider) Available() bool { return true }

func TestGenerateSummaryLLM(t *testing.T) {
	long := "The user is planning a trip to Lisbon and asked about weather, hotels and trams."
	m := newTestManager(t, Options{
		Summarizer:       &LLMSummarizer{Provider: &stubProvider{content: long}},
		MaxSummaryLength: 40,
	})
	ctx := context.Background()
	s, err := m.CreateSession(ctx, "")
	require.NoError(t, err)
	_, err = m.AddMessage(ctx, s.ID, userMsg(1), nil)
	require.NoError(t, err)

	summary, err := m.GenerateSummary(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, []rune(summary), 40)

	got, err := m.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, SummaryLLM, got.Metadata.SummaryKind)
}

func TestGenerateSummaryFallsBackToStatistics(t *testing.T) {
	m := newTestManager(t, Options{
		Summarizer: &LLMSummarizer{Provider: &stubProvider{err: errors.New("rate limited")}},
	})
	ctx := context.Background()
	s, err := m.CreateSession(ctx, "")
	require.NoError(t, err)
	_, err = m.AddMessage(ctx, s.ID, userMsg(1), nil)
	require.NoError(t, err)

	summary, err := m.GenerateSummary(ctx, s.ID)
	require.NoError(t, err)
	assert.Contains(t, summary, "1 messages total")

	got, err := m.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, SummaryStatistical, got.Metadata.SummaryKind)
}

func TestConcurrentSessions(t *testing.T) {
	m := newTestManager(t, Options{CompressionThreshold: 8})
	ctx := context.Background()

	ids := make([]string, 4)
	for i := range ids {
		s, err := m.CreateSession(ctx, "")
		require.NoError(t, err)
		ids[i] = s.ID
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		id := id
		for w := 0; w < 3; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 10; i++ {
					_, err := m.AddMessage(ctx, id, userMsg(i), nil)
					assert.NoError(t, err)
				}
			}()
		}
	}
	wg.Wait()

	for _, id := range ids {
		got, err := m.GetSession(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 30, got.Metadata.MessageCount)
		assert.LessOrEqual(t, len(got.Messages), 8)
	}
}

func TestLLMMessagesIncludesCompressedHistory(t *testing.T) {
	s := &Session{
		CompressedHistory: "3 earlier messages",
		Messages:          []Message{{Role: llm.RoleUser, Content: "hi"}},
	}
	msgs := s.LLMMessages()
	require.Len(t, msgs, 2)
	assert.Equal(t, llm.RoleSystem, msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "3 earlier messages")
}

// failingStore fails SaveSession while failSave is set.
type failingStore struct {
	*MemoryStore
	failSave atomic.Bool
}

func (f *failingStore) SaveSession(ctx context.Context, s *Session) error {
	if f.failSave.Load() {
		return errors.New("disk full")
	}
	return f.MemoryStore.SaveSession(ctx, s)
}

func TestFailedSaveLeavesSessionUnchanged(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore()}
	m := newTestManager(t, Options{Store: store, CompressionThreshold: 10, KeepRecent: 2})
	ctx := context.Background()
	s, err := m.CreateSession(ctx, "conv")
	require.NoError(t, err)
	for i := 1; i <= 4; i++ {
		_, err := m.AddMessage(ctx, s.ID, userMsg(i), nil)
		require.NoError(t, err)
	}

	store.failSave.Store(true)

	_, err = m.AddMessage(ctx, s.ID, userMsg(5), nil)
	require.Error(t, err)
	_, err = m.CompressSession(ctx, s.ID)
	require.Error(t, err)
	_, err = m.GenerateSummary(ctx, s.ID)
	require.Error(t, err)

	got, err := m.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, got.Messages, 4)
	assert.Equal(t, 4, got.Metadata.MessageCount)
	assert.Equal(t, 4, got.Metadata.MessagesSinceSummary)
	assert.Zero(t, got.Metadata.CompressionCount)
	assert.Empty(t, got.CompressedHistory)
	assert.Empty(t, got.Metadata.Summary)

	store.failSave.Store(false)
	res, err := m.AddMessage(ctx, s.ID, userMsg(6), nil)
	require.NoError(t, err)
	assert.Len(t, res.Session.Messages, 5)
	assert.Equal(t, userMsg(6).Content, res.Session.Messages[4].Content)

	stored, err := store.LoadSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, stored.Metadata.MessageCount)
}

// blockingStore holds the first LoadSession until release is closed.
type blockingStore struct {
	*MemoryStore
	loading chan struct{}
	release chan struct{}
}

func (b *blockingStore) LoadSession(ctx context.Context, id string) (*Session, error) {
	select {
	case b.loading <- struct{}{}:
	default:
	}
	<-b.release
	return b.MemoryStore.LoadSession(ctx, id)
}

func TestDeleteDuringLoadStaysDeleted(t *testing.T) {
	store := &blockingStore{
		MemoryStore: NewMemoryStore(),
		loading:     make(chan struct{}, 1),
		release:     make(chan struct{}),
	}
	ctx := context.Background()
	creator := newTestManager(t, Options{Store: store})
	s, err := creator.CreateSession(ctx, "conv")
	require.NoError(t, err)

	m := newTestManager(t, Options{Store: store})

	type result struct {
		s   *Session
		err error
	}
	got := make(chan result, 1)
	go func() {
		loaded, err := m.GetSession(ctx, s.ID)
		got <- result{loaded, err}
	}()
	<-store.loading

	deleted := make(chan error, 1)
	go func() { deleted <- m.DeleteSession(ctx, s.ID) }()
	assert.Never(t, func() bool { return len(deleted) > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	close(store.release)
	r := <-got
	require.NoError(t, r.err)
	assert.Equal(t, s.ID, r.s.ID)
	require.NoError(t, <-deleted)

	_, err = m.GetSession(ctx, s.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.AddMessage(ctx, s.ID, userMsg(1), nil)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.MemoryStore.LoadSession(ctx, s.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
