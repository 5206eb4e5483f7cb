package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortex-orchestrator/internal/autollm"
	"github.com/normanking/cortex-orchestrator/internal/cost"
	"github.com/normanking/cortex-orchestrator/internal/llm"
	"github.com/normanking/cortex-orchestrator/internal/logging"
	"github.com/normanking/cortex-orchestrator/internal/prompts"
	"github.com/normanking/cortex-orchestrator/internal/session"
	"github.com/normanking/cortex-orchestrator/internal/stream"
)

type fakeCredentials map[string]*llm.ProviderConfig

func (f fakeCredentials) ProviderConfig(id string) (*llm.ProviderConfig, error) {
	cfg, ok := f[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, llm.ErrNotConfigured)
	}
	return cfg, nil
}

func (f fakeCredentials) IsConfigured(id string) bool {
	_, ok := f[id]
	return ok
}

type fakeProvider struct {
	name    string
	content string
	err     error
	down    bool

	mu       sync.Mutex
	calls    int
	requests []*llm.ChatRequest

	// deadlines records whether each Chat context carried a deadline.
	deadlines []bool
}

func (p *fakeProvider) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	p.mu.Lock()
	p.calls++
	p.requests = append(p.requests, req)
	_, hasDeadline := ctx.Deadline()
	p.deadlines = append(p.deadlines, hasDeadline)
	p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	return &llm.ChatResponse{Content: p.content, Model: req.Model, PromptTokens: 1000, CompletionTokens: 500}, nil
}

func (p *fakeProvider) Name() string    { return p.name }
func (p *fakeProvider) Available() bool { return !p.down }

func (p *fakeProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type streamingProvider struct {
	fakeProvider
	tokens []string
	// beforeToken runs before each token is delivered.
	beforeToken func(i int)
}

func (p *streamingProvider) ChatStream(ctx context.Context, req *llm.ChatRequest, onToken func(string) error) (*llm.ChatResponse, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	var content string
	for i, tok := range p.tokens {
		if p.beforeToken != nil {
			p.beforeToken(i)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := onToken(tok); err != nil {
			return nil, err
		}
		content += tok
	}
	return &llm.ChatResponse{Content: content, Model: req.Model}, nil
}

type fixture struct {
	orch     *Orchestrator
	sessions *session.Manager
	selector *autollm.Selector
	tracker  *cost.Tracker
	creds    fakeCredentials
	session  string
}

func newFixture(t *testing.T, providers map[string]llm.Provider) *fixture {
	t.Helper()
	logger := logging.Nop()

	creds := fakeCredentials{}
	registry := llm.NewRegistry()
	for id, p := range providers {
		p := p
		creds[id] = &llm.ProviderConfig{Name: id, APIKey: "sk-test", Model: id + "-model", MaxTokens: 256}
		registry.Register(id, func(cfg *llm.ProviderConfig) (llm.Provider, error) { return p, nil })
	}

	selector := autollm.NewSelector(autollm.Options{
		Priority:     []string{"openai", "anthropic", "groq"},
		Current:      "openai",
		AutoFallback: true,
		Config:       creds,
		Logger:       logger,
	})

	tracker := cost.NewTracker(cost.Options{
		Pricing: cost.PricingTable{
			"openai":    {Models: map[string]cost.Rates{cost.Wildcard: {Input: 2.5, Output: 10}}},
			"anthropic": {Models: map[string]cost.Rates{cost.Wildcard: {Input: 3, Output: 15}}},
		},
		Logger: logger,
	})
	sessions, err := session.NewManager(session.Options{Usage: tracker, Logger: logger})
	require.NoError(t, err)

	orch, err := New(Options{
		Selector:    selector,
		Registry:    registry,
		Credentials: creds,
		Sessions:    sessions,
		Logger:      logger,
	})
	require.NoError(t, err)

	s, err := sessions.CreateSession(context.Background(), "conv-1")
	require.NoError(t, err)

	return &fixture{orch: orch, sessions: sessions, selector: selector, tracker: tracker, creds: creds, session: s.ID}
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestChatRecordsExchange(t *testing.T) {
	primary := &fakeProvider{name: "openai", content: "Paris"}
	f := newFixture(t, map[string]llm.Provider{"openai": primary})
	ctx := context.Background()

	resp, err := f.orch.Chat(ctx, Request{
		SessionID:    f.session,
		Content:      "Capital of France?",
		SystemPrompt: "You are terse.",
		Tools:        []prompts.Tool{{Name: "search", Description: "web search"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Paris", resp.Content)
	assert.Equal(t, "openai", resp.Provider)
	assert.Equal(t, "openai-model", resp.Model)
	assert.Len(t, resp.Attempts, 1)
	assert.NotEmpty(t, resp.PrefixHash)
	assert.Nil(t, resp.Stream)

	require.Len(t, primary.requests, 1)
	sent := primary.requests[0]
	assert.Equal(t, []int{0, 1}, sent.CacheBreakpoints)
	assert.Equal(t, 256, sent.MaxTokens)
	assert.Equal(t, "Capital of France?", sent.Messages[len(sent.Messages)-1].Content)

	got, err := f.sessions.GetSession(ctx, f.session)
	require.NoError(t, err)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, llm.RoleUser, got.Messages[0].Role)
	assert.Equal(t, llm.RoleAssistant, got.Messages[1].Role)

	require.NotNil(t, resp.Usage)
	assert.InDelta(t, 0.0075, resp.Usage.Cost, 1e-12)
	cu, ok := f.tracker.Conversation("conv-1")
	require.True(t, ok)
	assert.Equal(t, 1, cu.Calls)

	// The second turn carries the first exchange as history.
	_, err = f.orch.Chat(ctx, Request{SessionID: f.session, Content: "And Spain?"})
	require.NoError(t, err)
	require.Len(t, primary.requests, 2)
	assert.Len(t, primary.requests[1].Messages, 3)
}

func TestChatFallsBackOnTransportError(t *testing.T) {
	primary := &fakeProvider{name: "openai", err: &llm.TransportError{Provider: "openai", StatusCode: 503, Err: errors.New("unavailable")}}
	secondary := &fakeProvider{name: "anthropic", content: "Bonjour"}
	f := newFixture(t, map[string]llm.Provider{"openai": primary, "anthropic": secondary})

	resp, err := f.orch.Chat(context.Background(), Request{SessionID: f.session, Content: "Say hello in French"})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", resp.Provider)
	assert.Equal(t, "Bonjour", resp.Content)
	require.Len(t, resp.Attempts, 2)
	assert.Equal(t, "openai", resp.Attempts[0].Provider)
	assert.Error(t, resp.Attempts[0].Err)
	assert.NoError(t, resp.Attempts[1].Err)

	h, ok := f.selector.Health("openai")
	require.True(t, ok)
	assert.False(t, h.Healthy)
	h, ok = f.selector.Health("anthropic")
	require.True(t, ok)
	assert.True(t, h.Healthy)
}

func TestChatFallbackExhausted(t *testing.T) {
	down := func(name string) *fakeProvider {
		return &fakeProvider{name: name, err: &llm.TransportError{Provider: name, Err: errors.New("connection refused")}}
	}
	a, b, c := down("openai"), down("anthropic"), down("groq")
	f := newFixture(t, map[string]llm.Provider{"openai": a, "anthropic": b, "groq": c})

	_, err := f.orch.Chat(context.Background(), Request{SessionID: f.session, Content: "hi"})
	require.Error(t, err)
	assert.True(t, llm.IsTransportError(err))
	assert.Equal(t, 1, a.Calls())
	assert.Equal(t, 1, b.Calls())
	assert.Equal(t, 1, c.Calls())

	got, err := f.sessions.GetSession(context.Background(), f.session)
	require.NoError(t, err)
	assert.Empty(t, got.Messages)
}

func TestChatDoesNotRetryConfigErrors(t *testing.T) {
	secondary := &fakeProvider{name: "anthropic", content: "unused"}
	f := newFixture(t, map[string]llm.Provider{"anthropic": secondary})

	_, err := f.orch.Chat(context.Background(), Request{SessionID: f.session, Content: "hi"})
	assert.ErrorIs(t, err, llm.ErrNotConfigured)
	assert.Zero(t, secondary.Calls())
}

func TestChatWithoutAutoFallback(t *testing.T) {
	primary := &fakeProvider{name: "openai", err: &llm.TransportError{Provider: "openai", Err: errors.New("timeout")}}
	secondary := &fakeProvider{name: "anthropic", content: "unused"}
	f := newFixture(t, map[string]llm.Provider{"openai": primary, "anthropic": secondary})
	st := f.selector.Settings()
	st.AutoFallback = false
	require.NoError(t, f.selector.ApplySettings(st))

	_, err := f.orch.Chat(context.Background(), Request{SessionID: f.session, Content: "hi"})
	assert.True(t, llm.IsTransportError(err))
	assert.Zero(t, secondary.Calls())
}

func TestChatUnknownSession(t *testing.T) {
	f := newFixture(t, map[string]llm.Provider{"openai": &fakeProvider{name: "openai"}})
	_, err := f.orch.Chat(context.Background(), Request{SessionID: "nope", Content: "hi"})
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestChatStreams(t *testing.T) {
	p := &streamingProvider{fakeProvider: fakeProvider{name: "openai"}, tokens: []string{"Hel", "lo", "!"}}
	f := newFixture(t, map[string]llm.Provider{"openai": p})

	var mu sync.Mutex
	var chunks []string
	var transitions []stream.Status
	obs := stream.ObserverFuncs{
		Chunk: func(i int, c string) {
			mu.Lock()
			chunks = append(chunks, c)
			mu.Unlock()
		},
		Transition: func(from, to stream.Status) {
			mu.Lock()
			transitions = append(transitions, to)
			mu.Unlock()
		},
	}

	resp, err := f.orch.Chat(context.Background(), Request{SessionID: f.session, Content: "greet", Stream: true, Observer: obs})
	require.NoError(t, err)
	assert.Equal(t, "Hello!", resp.Content)
	require.NotNil(t, resp.Stream)
	assert.Equal(t, stream.StatusCompleted, resp.Stream.Status)
	assert.Equal(t, 3, resp.Stream.ProcessedChunks)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"Hel", "lo", "!"}, chunks)
	assert.Equal(t, []stream.Status{stream.StatusRunning, stream.StatusCompleted}, transitions)

	// Streaming providers report no usage, so tokens are estimated.
	require.NotNil(t, resp.Usage)
	assert.Positive(t, resp.Usage.InputTokens)
	assert.Positive(t, resp.Usage.OutputTokens)
}

func TestChatStreamNonStreamingProvider(t *testing.T) {
	p := &fakeProvider{name: "openai", content: "whole answer"}
	f := newFixture(t, map[string]llm.Provider{"openai": p})

	resp, err := f.orch.Chat(context.Background(), Request{SessionID: f.session, Content: "q", Stream: true})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Stream.ProcessedChunks)
	assert.Equal(t, "whole answer", resp.Content)
}

func TestChatStreamCancelled(t *testing.T) {
	ctrl := stream.New(stream.Options{Logger: logging.Nop()})
	p := &streamingProvider{
		fakeProvider: fakeProvider{name: "openai"},
		tokens:       []string{"one", "two", "three"},
		beforeToken: func(i int) {
			if i == 1 {
				ctrl.Cancel("user stop")
			}
		},
	}
	secondary := &fakeProvider{name: "anthropic", content: "unused"}
	f := newFixture(t, map[string]llm.Provider{"openai": p, "anthropic": secondary})

	_, err := f.orch.Chat(context.Background(), Request{SessionID: f.session, Content: "count", Stream: true, Controller: ctrl})
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, stream.StatusCancelled, ctrl.Status())
	assert.Equal(t, 1, ctrl.Stats().ProcessedChunks)
	assert.Zero(t, secondary.Calls())

	got, err := f.sessions.GetSession(context.Background(), f.session)
	require.NoError(t, err)
	assert.Empty(t, got.Messages)
}

func TestChatStreamPauseOutlastsProviderTimeout(t *testing.T) {
	ctrl := stream.New(stream.Options{Logger: logging.Nop()})
	p := &streamingProvider{
		fakeProvider: fakeProvider{name: "openai"},
		tokens:       []string{"a", "b"},
		beforeToken: func(i int) {
			if i != 1 {
				return
			}
			require.NoError(t, ctrl.Pause())
			go func() {
				time.Sleep(300 * time.Millisecond)
				_ = ctrl.Resume()
			}()
		},
	}
	f := newFixture(t, map[string]llm.Provider{"openai": p})
	f.creds["openai"].Timeout = 100 * time.Millisecond

	resp, err := f.orch.Chat(context.Background(), Request{SessionID: f.session, Content: "spell", Stream: true, Controller: ctrl})
	require.NoError(t, err)
	assert.Equal(t, "ab", resp.Content)
	assert.Equal(t, stream.StatusCompleted, ctrl.Status())
	assert.Equal(t, 2, ctrl.Stats().ProcessedChunks)
}

func TestChatNonStreamingHonoursProviderTimeout(t *testing.T) {
	p := &fakeProvider{name: "openai", content: "ok"}
	f := newFixture(t, map[string]llm.Provider{"openai": p})
	f.creds["openai"].Timeout = time.Minute

	_, err := f.orch.Chat(context.Background(), Request{SessionID: f.session, Content: "q"})
	require.NoError(t, err)
	assert.Equal(t, []bool{true}, p.deadlines)
}

func TestChatStreamFailureAfterChunksIsNotRetried(t *testing.T) {
	failing := &failAfterFirst{
		fakeProvider: fakeProvider{name: "openai"},
		err:          &llm.TransportError{Provider: "openai", Err: errors.New("reset by peer")},
	}
	secondary := &fakeProvider{name: "anthropic", content: "unused"}
	f := newFixture(t, map[string]llm.Provider{"openai": failing, "anthropic": secondary})

	var failures []error
	obs := stream.ObserverFuncs{Failure: func(err error) { failures = append(failures, err) }}
	_, err := f.orch.Chat(context.Background(), Request{SessionID: f.session, Content: "x", Stream: true, Observer: obs})
	assert.True(t, llm.IsTransportError(err))
	assert.Zero(t, secondary.Calls())
	require.Len(t, failures, 1)
}

// failAfterFirst delivers one token and then fails with err.
type failAfterFirst struct {
	fakeProvider
	err error
}

func (p *failAfterFirst) ChatStream(ctx context.Context, req *llm.ChatRequest, onToken func(string) error) (*llm.ChatResponse, error) {
	if err := onToken("partial"); err != nil {
		return nil, err
	}
	return nil, p.err
}

func TestHealthCheckFeedsFallback(t *testing.T) {
	openai := &fakeProvider{name: "openai", err: &llm.TransportError{Provider: "openai", Err: errors.New("reset")}}
	anthropic := &fakeProvider{name: "anthropic", content: "unused", down: true}
	groq := &fakeProvider{name: "groq", content: "from groq"}
	f := newFixture(t, map[string]llm.Provider{"openai": openai, "anthropic": anthropic, "groq": groq})
	f.creds["groq"].APIKey = ""

	registry := llm.NewRegistry()
	registry.Register("anthropic", func(cfg *llm.ProviderConfig) (llm.Provider, error) { return anthropic, nil })
	prober := autollm.NewProber(f.selector, HealthCheck(f.creds, registry), 2, time.Second, logging.Nop())

	results, err := prober.ProbeDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"openai": true, "anthropic": false, "groq": false}, results)

	// Both fallbacks are known to be down, so the turn fails on the primary.
	_, err = f.orch.Chat(context.Background(), Request{SessionID: f.session, Content: "q"})
	assert.True(t, llm.IsTransportError(err))
	assert.Equal(t, 1, openai.Calls())
	assert.Zero(t, anthropic.Calls())
	assert.Zero(t, groq.Calls())
}
