package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/normanking/cortex-orchestrator/internal/llm"
)

// Summary kinds.
const (
	SummaryStatistical = "statistical"
	SummaryLLM         = "llm"
)

// Summarizer writes a session summary of at most maxLen characters.
type Summarizer interface {
	Summarize(ctx context.Context, s *Session, maxLen int) (string, error)
	Kind() string
}

// StatisticalSummarizer describes a session from message counts and the
// most recent user request.
type StatisticalSummarizer struct{}

func (StatisticalSummarizer) Kind() string { return SummaryStatistical }

func (StatisticalSummarizer) Summarize(ctx context.Context, s *Session, maxLen int) (string, error) {
	counts := map[string]int{}
	chars := 0
	var lastUser string
	for _, m := range s.Messages {
		counts[m.Role]++
		chars += len(m.Content)
		if m.Role == llm.RoleUser {
			lastUser = m.Content
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d messages total (%d in view: %d user, %d assistant, %d system), %d compressions, ~%d tokens in view",
		s.Metadata.MessageCount, len(s.Messages),
		counts[llm.RoleUser], counts[llm.RoleAssistant], counts[llm.RoleSystem],
		s.Metadata.CompressionCount, (chars+3)/4)
	if lastUser != "" {
		b.WriteString(". Latest request: ")
		b.WriteString(firstLine(lastUser, 120))
	}
	return truncate(b.String(), maxLen), nil
}

// LLMSummarizer asks a model for the summary.
type LLMSummarizer struct {
	Provider llm.Provider
	Model    string
}

func (l *LLMSummarizer) Kind() string { return SummaryLLM }

func (l *LLMSummarizer) Summarize(ctx context.Context, s *Session, maxLen int) (string, error) {
	if l.Provider == nil {
		return "", fmt.Errorf("summarize: %w", llm.ErrNotConfigured)
	}

	instruction := "Summarize this conversation for later reference. Keep names, decisions and open questions."
	if maxLen > 0 {
		instruction += fmt.Sprintf(" Use at most %d characters.", maxLen)
	}
	msgs := []llm.Message{{Role: llm.RoleSystem, Content: instruction}}
	msgs = append(msgs, s.LLMMessages()...)
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: "Write the summary now."})

	resp, err := l.Provider.Chat(ctx, &llm.ChatRequest{
		Model:       l.Model,
		Messages:    msgs,
		MaxTokens:   max(maxLen/2, 64),
		Temperature: 0.2,
	})
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	return truncate(strings.TrimSpace(resp.Content), maxLen), nil
}
