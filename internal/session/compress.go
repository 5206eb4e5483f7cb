package session

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/normanking/cortex-orchestrator/internal/llm"
)

// EstimateTokens approximates token count at four characters per token.
func EstimateTokens(s string) int {
	return (utf8.RuneCountInString(s) + 3) / 4
}

func estimateMessages(msgs []Message) int {
	n := 0
	for _, m := range msgs {
		n += EstimateTokens(m.Content)
	}
	return n
}

// CompressResult is the outcome of one compression pass.
type CompressResult struct {
	Kept        []Message
	Dropped     int
	Summary     string
	TokensSaved int
}

// Compressor shrinks a message list to at most keep entries.
type Compressor interface {
	Compress(ctx context.Context, msgs []Message, keep int) (CompressResult, error)
}

// RecentCompressor keeps every system message plus the most recent others,
// and summarizes what it drops with message statistics.
type RecentCompressor struct {
	// SummaryLength bounds the summary of dropped messages.
	SummaryLength int
}

// Compress keeps system messages and fills the remaining slots with the
// newest messages, preserving order. At least one recent message is kept.
// System messages are never dropped, so a history with keep or more of them
// stays longer than keep, and can stay at or above the compression threshold.
func (c RecentCompressor) Compress(ctx context.Context, msgs []Message, keep int) (CompressResult, error) {
	if keep <= 0 || len(msgs) <= keep {
		return CompressResult{Kept: msgs}, nil
	}

	system := 0
	for _, m := range msgs {
		if m.Role == llm.RoleSystem {
			system++
		}
	}
	recent := max(keep-system, 1)

	retain := make([]bool, len(msgs))
	for i := len(msgs) - 1; i >= 0 && recent > 0; i-- {
		if msgs[i].Role != llm.RoleSystem {
			retain[i] = true
			recent--
		}
	}

	var kept, dropped []Message
	for i, m := range msgs {
		if m.Role == llm.RoleSystem || retain[i] {
			kept = append(kept, m)
		} else {
			dropped = append(dropped, m)
		}
	}

	summary := summarizeDropped(dropped, c.SummaryLength)
	saved := estimateMessages(dropped) - EstimateTokens(summary)
	return CompressResult{
		Kept:        kept,
		Dropped:     len(dropped),
		Summary:     summary,
		TokensSaved: max(saved, 0),
	}, nil
}

func summarizeDropped(msgs []Message, limit int) string {
	if len(msgs) == 0 {
		return ""
	}
	counts := map[string]int{}
	var topics []string
	for _, m := range msgs {
		counts[m.Role]++
		if m.Role == llm.RoleUser && len(topics) < 3 {
			topics = append(topics, firstLine(m.Content, 60))
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d earlier messages (%d user, %d assistant)", len(msgs), counts[llm.RoleUser], counts[llm.RoleAssistant])
	if len(topics) > 0 {
		b.WriteString("; user asked about: ")
		b.WriteString(strings.Join(topics, " | "))
	}
	return truncate(b.String(), limit)
}

func firstLine(s string, n int) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return truncate(s, n)
}

// truncate cuts s to n runes. n <= 0 leaves s unchanged.
func truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}

// appendHistory joins compressed history segments and keeps the newest
// part within limit runes.
func appendHistory(prev, next string, limit int) string {
	switch {
	case next == "":
		return prev
	case prev == "":
		prev = next
	default:
		prev = prev + "\n" + next
	}
	if limit <= 0 || utf8.RuneCountInString(prev) <= limit {
		return prev
	}
	r := []rune(prev)
	return string(r[len(r)-limit:])
}
