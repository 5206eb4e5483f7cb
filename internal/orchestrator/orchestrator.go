// Package orchestrator runs one chat turn end to end: provider selection,
// credential lookup, prompt assembly, the model call with optional
// streaming, fallback on transport failures, and recording the exchange
// into the session.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/cortex-orchestrator/internal/autollm"
	"github.com/normanking/cortex-orchestrator/internal/cost"
	"github.com/normanking/cortex-orchestrator/internal/llm"
	"github.com/normanking/cortex-orchestrator/internal/logging"
	"github.com/normanking/cortex-orchestrator/internal/metrics"
	"github.com/normanking/cortex-orchestrator/internal/prompts"
	"github.com/normanking/cortex-orchestrator/internal/session"
	"github.com/normanking/cortex-orchestrator/internal/stream"
)

var (
	// ErrNoProvider is returned when selection yields no provider id.
	ErrNoProvider = errors.New("no provider selected")

	// ErrCancelled is returned when the stream was cancelled by the caller.
	ErrCancelled = errors.New("generation cancelled")
)

// CredentialSource resolves provider configuration. *vault.Vault
// implements it.
type CredentialSource interface {
	ProviderConfig(id string) (*llm.ProviderConfig, error)
}

// Options wires the orchestrator's collaborators. Selector, Registry,
// Credentials and Sessions are required.
type Options struct {
	Selector    *autollm.Selector
	Registry    *llm.Registry
	Credentials CredentialSource
	Sessions    *session.Manager
	Assembler   *prompts.Assembler
	Logger      *logging.Logger
	Metrics     *metrics.Metrics
	Now         func() time.Time
}

// Request is one user turn.
type Request struct {
	SessionID    string
	Content      string
	Hints        autollm.Hints
	SystemPrompt string
	Tools        []prompts.Tool
	Task         *prompts.Task

	// Stream pumps the response through a stream.Controller.
	Stream   bool
	Observer stream.Observer
	// Controller lets the caller pause or cancel the generation. When nil
	// and Stream is set, one is created.
	Controller *stream.Controller
}

// Attempt records one provider call.
type Attempt struct {
	Provider string        `json:"provider"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
}

// Response is the outcome of a successful turn.
type Response struct {
	SessionID  string            `json:"session_id"`
	Provider   string            `json:"provider"`
	Model      string            `json:"model"`
	Content    string            `json:"content"`
	Attempts   []Attempt         `json:"attempts"`
	PrefixHash string            `json:"prefix_hash"`
	Usage      *cost.UsageRecord `json:"usage,omitempty"`
	Alerts     []cost.Alert      `json:"alerts,omitempty"`
	Compressed bool              `json:"compressed"`
	Stream     *stream.Stats     `json:"stream,omitempty"`
}

// Orchestrator executes chat turns.
type Orchestrator struct {
	selector    *autollm.Selector
	registry    *llm.Registry
	credentials CredentialSource
	sessions    *session.Manager
	assembler   *prompts.Assembler
	log         zerolog.Logger
	logger      *logging.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

// New creates an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Selector == nil:
		return nil, errors.New("orchestrator: selector is required")
	case opts.Registry == nil:
		return nil, errors.New("orchestrator: registry is required")
	case opts.Credentials == nil:
		return nil, errors.New("orchestrator: credential source is required")
	case opts.Sessions == nil:
		return nil, errors.New("orchestrator: session manager is required")
	}

	o := &Orchestrator{
		selector:    opts.Selector,
		registry:    opts.Registry,
		credentials: opts.Credentials,
		sessions:    opts.Sessions,
		assembler:   opts.Assembler,
		log:         logging.For(opts.Logger, "orchestrator"),
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		now:         opts.Now,
	}
	if o.assembler == nil {
		o.assembler = prompts.NewAssembler(0, opts.Logger)
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// CHAT
// ═══════════════════════════════════════════════════════════════════════════════

// Chat runs one turn. Transport failures move to the next untried fallback
// provider, at most once per fallback list entry. Configuration errors and
// cancellation are returned immediately. The user and assistant messages
// are appended to the session only after a successful call.
func (o *Orchestrator) Chat(ctx context.Context, req Request) (*Response, error) {
	sess, err := o.sessions.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	history := append(sess.LLMMessages(), llm.Message{Role: llm.RoleUser, Content: req.Content})
	prompt, err := o.assembler.Assemble(prompts.Input{
		SystemPrompt: req.SystemPrompt,
		Tools:        req.Tools,
		Task:         req.Task,
		History:      history,
	})
	if err != nil {
		return nil, fmt.Errorf("assemble prompt: %w", err)
	}

	primary := o.selector.SelectBest(req.Hints)
	if primary == "" {
		return nil, ErrNoProvider
	}

	var ctrl *stream.Controller
	if req.Stream {
		ctrl = req.Controller
		if ctrl == nil {
			ctrl = stream.New(stream.Options{
				BufferChunks: true,
				Observer:     req.Observer,
				Logger:       o.logger,
				Metrics:      o.metrics,
				Now:          o.now,
			})
		}
		if err := ctrl.Start(); err != nil {
			return nil, err
		}
	}

	resp := &Response{SessionID: sess.ID, PrefixHash: prompt.PrefixHash}
	tried := map[string]bool{}
	maxAttempts := 1 + len(o.selector.GetFallbackList(primary))
	provider := primary

	var result *llm.ChatResponse
	var cfg *llm.ProviderConfig
	for {
		tried[provider] = true
		start := o.now()
		result, cfg, err = o.call(ctx, provider, prompt, ctrl)
		elapsed := o.now().Sub(start)
		resp.Attempts = append(resp.Attempts, Attempt{Provider: provider, Duration: elapsed, Err: err})
		o.metrics.ObserveCall(provider, elapsed.Seconds())

		if err == nil {
			o.selector.UpdateHealth(provider, true)
			break
		}

		o.log.Warn().
			Err(err).
			Str("provider", provider).
			Int("attempt", len(resp.Attempts)).
			Msg("provider call failed")

		if !retryable(err, ctrl) {
			return nil, o.failStream(ctrl, err)
		}
		o.selector.UpdateHealth(provider, false)
		if len(resp.Attempts) >= maxAttempts {
			return nil, o.failStream(ctrl, err)
		}
		next, ok := o.selector.SelectFallback(primary, tried)
		if !ok {
			return nil, o.failStream(ctrl, err)
		}
		provider = next
	}

	if ctrl != nil {
		if err := ctrl.Complete(result.Content); err != nil {
			if ctrl.Status() == stream.StatusCancelled {
				return nil, ErrCancelled
			}
			return nil, err
		}
		stats := ctrl.Stats()
		resp.Stream = &stats
	}

	resp.Provider = provider
	resp.Model = result.Model
	if resp.Model == "" {
		resp.Model = cfg.Model
	}
	resp.Content = result.Content

	if err := o.record(ctx, req, prompt, result, resp); err != nil {
		return nil, err
	}

	o.log.Info().
		Str("session", sess.ID).
		Str("provider", provider).
		Str("model", resp.Model).
		Int("attempts", len(resp.Attempts)).
		Msg("chat turn completed")
	return resp, nil
}

// call runs one provider attempt.
func (o *Orchestrator) call(ctx context.Context, id string, prompt prompts.Assembled, ctrl *stream.Controller) (*llm.ChatResponse, *llm.ProviderConfig, error) {
	cfg, err := o.credentials.ProviderConfig(id)
	if err != nil {
		return nil, nil, err
	}
	p, err := o.registry.Get(cfg)
	if err != nil {
		return nil, nil, err
	}

	chatReq := &llm.ChatRequest{
		Model:            cfg.Model,
		Messages:         prompt.Messages,
		MaxTokens:        cfg.MaxTokens,
		Temperature:      cfg.Temperature,
		Stream:           ctrl != nil,
		CacheBreakpoints: prompt.BreakpointIndexes(),
	}
	if ctrl == nil {
		if cfg.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
			defer cancel()
		}
		result, err := p.Chat(ctx, chatReq)
		return result, cfg, err
	}
	// Streams get no provider timeout: a paused stream waits until it is
	// resumed or the caller cancels.
	result, err := o.pump(ctx, p, chatReq, ctrl)
	return result, cfg, err
}

// pump streams through ctrl. Providers without streaming support deliver
// their whole response as one chunk.
func (o *Orchestrator) pump(ctx context.Context, p llm.Provider, req *llm.ChatRequest, ctrl *stream.Controller) (*llm.ChatResponse, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctrl.Context(), cancel)
	defer stop()

	forward := func(chunk string) error {
		ok, err := ctrl.ProcessChunk(ctx, chunk)
		if err != nil {
			return err
		}
		if !ok {
			return ErrCancelled
		}
		return nil
	}

	sp, ok := p.(llm.StreamingProvider)
	if !ok {
		result, err := p.Chat(ctx, req)
		if err != nil {
			return nil, err
		}
		if err := forward(result.Content); err != nil {
			return nil, err
		}
		return result, nil
	}
	return sp.ChatStream(ctx, req, forward)
}

// retryable reports whether err should move to a fallback provider. A
// stream that already delivered chunks is never retried.
func retryable(err error, ctrl *stream.Controller) bool {
	if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if !llm.IsTransportError(err) {
		return false
	}
	if ctrl != nil && ctrl.Stats().ProcessedChunks > 0 {
		return false
	}
	return true
}

// failStream settles ctrl for a failed turn and maps a caller cancellation
// to ErrCancelled.
func (o *Orchestrator) failStream(ctrl *stream.Controller, err error) error {
	if ctrl == nil {
		return err
	}
	if ctrl.Status() == stream.StatusCancelled {
		return ErrCancelled
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		ctrl.Cancel(err.Error())
		return err
	}
	ctrl.Fail(err)
	return err
}

// record appends the exchange to the session with the call's usage.
func (o *Orchestrator) record(ctx context.Context, req Request, prompt prompts.Assembled, result *llm.ChatResponse, resp *Response) error {
	if _, err := o.sessions.AddMessage(ctx, req.SessionID, session.Message{Role: llm.RoleUser, Content: req.Content}, nil); err != nil {
		return fmt.Errorf("record user message: %w", err)
	}

	tokens := cost.Tokens{
		Input:      result.PromptTokens,
		Output:     result.CompletionTokens,
		CacheRead:  result.CacheReadTokens,
		CacheWrite: result.CacheWriteTokens,
	}
	if tokens.Input == 0 && tokens.Output == 0 {
		tokens.Input, tokens.Output = estimateTokens(prompt.Messages, result.Content)
	}

	added, err := o.sessions.AddMessage(ctx, req.SessionID,
		session.Message{Role: llm.RoleAssistant, Content: result.Content},
		&session.Usage{Provider: resp.Provider, Model: resp.Model, Tokens: tokens})
	if err != nil {
		return fmt.Errorf("record assistant message: %w", err)
	}
	resp.Usage = added.Usage
	resp.Alerts = added.Alerts
	resp.Compressed = added.Compressed
	return nil
}

// estimateTokens approximates usage for providers that report none.
func estimateTokens(msgs []llm.Message, completion string) (input, output int64) {
	for _, m := range msgs {
		input += int64(session.EstimateTokens(m.Content))
	}
	return input, int64(session.EstimateTokens(completion))
}

// HealthCheck returns the CheckFunc used by autollm.Prober. A provider
// passes when its credentials resolve and are usable and, if a transport is
// registered for it, the transport reports itself available.
func HealthCheck(creds CredentialSource, registry *llm.Registry) autollm.CheckFunc {
	return func(ctx context.Context, id string) error {
		cfg, err := creds.ProviderConfig(id)
		if err != nil {
			return err
		}
		if !cfg.Usable() {
			return fmt.Errorf("%s: %w", id, llm.ErrNotConfigured)
		}
		if !registry.Known(id) {
			return nil
		}
		p, err := registry.Get(cfg)
		if err != nil {
			return err
		}
		if !p.Available() {
			return &llm.TransportError{Provider: id, Err: errors.New("provider unavailable")}
		}
		return ctx.Err()
	}
}
