// Package prompts builds the message list sent to a model and shrinks
// large content into recoverable references.
//
// Assembled prompts keep a byte-stable prefix (system instructions, then the
// tool catalog) so providers with prompt caching can reuse it across turns.
package prompts

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"

	"github.com/normanking/cortex-orchestrator/internal/llm"
	"github.com/normanking/cortex-orchestrator/internal/logging"
)

// DefaultMaxHistoryMessages bounds the trailing history included in a prompt.
const DefaultMaxHistoryMessages = 20

// Breakpoint names.
const (
	BreakpointSystem = "system"
	BreakpointTools  = "tools"
)

// Tool is one entry of the tool catalog.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Task is the goal being worked on, restated each turn while active.
type Task struct {
	Goal   string
	Step   string
	Active bool
}

// Input is everything a prompt is built from.
type Input struct {
	SystemPrompt string
	Tools        []Tool
	Task         *Task
	History      []llm.Message
}

// Breakpoint marks the end of a stable prefix segment.
type Breakpoint struct {
	Name         string `json:"name"`
	MessageIndex int    `json:"message_index"`
	ByteOffset   int    `json:"byte_offset"`
}

// Assembled is a built prompt.
type Assembled struct {
	Messages    []llm.Message `json:"messages"`
	Breakpoints []Breakpoint  `json:"breakpoints"`
	// PrefixHash is the blake3 hash of the stable prefix.
	PrefixHash string `json:"prefix_hash"`
	// DroppedHistory counts history messages left out by the limit.
	DroppedHistory int `json:"dropped_history"`
}

// BreakpointIndexes returns the message indexes of all breakpoints.
func (a Assembled) BreakpointIndexes() []int {
	out := make([]int, 0, len(a.Breakpoints))
	for _, b := range a.Breakpoints {
		out = append(out, b.MessageIndex)
	}
	return out
}

// Assembler builds prompts in a fixed order.
type Assembler struct {
	maxHistory int
	log        zerolog.Logger
}

// NewAssembler creates an Assembler. maxHistory of 0 uses the default.
func NewAssembler(maxHistory int, logger *logging.Logger) *Assembler {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistoryMessages
	}
	return &Assembler{maxHistory: maxHistory, log: logging.For(logger, "prompts")}
}

// Assemble orders the prompt as: system instructions, tool catalog, active
// task, then the trailing history.
func (a *Assembler) Assemble(in Input) (Assembled, error) {
	var out Assembled
	var prefix strings.Builder
	offset := 0

	add := func(m llm.Message) {
		out.Messages = append(out.Messages, m)
		offset += len(m.Content)
	}

	if in.SystemPrompt != "" {
		add(llm.Message{Role: llm.RoleSystem, Content: in.SystemPrompt})
		prefix.WriteString(in.SystemPrompt)
		out.Breakpoints = append(out.Breakpoints, Breakpoint{
			Name: BreakpointSystem, MessageIndex: len(out.Messages) - 1, ByteOffset: offset,
		})
	}

	if len(in.Tools) > 0 {
		catalog, err := RenderTools(in.Tools)
		if err != nil {
			return Assembled{}, err
		}
		add(llm.Message{Role: llm.RoleSystem, Content: catalog})
		prefix.WriteByte(0)
		prefix.WriteString(catalog)
		out.Breakpoints = append(out.Breakpoints, Breakpoint{
			Name: BreakpointTools, MessageIndex: len(out.Messages) - 1, ByteOffset: offset,
		})
	}

	if in.Task != nil && in.Task.Active && in.Task.Goal != "" {
		add(llm.Message{Role: llm.RoleSystem, Content: renderTask(in.Task)})
	}

	history := in.History
	if len(history) > a.maxHistory {
		out.DroppedHistory = len(history) - a.maxHistory
		history = history[len(history)-a.maxHistory:]
	}
	for _, m := range history {
		add(m)
	}

	sum := blake3.Sum256([]byte(prefix.String()))
	out.PrefixHash = hex.EncodeToString(sum[:])

	a.log.Debug().
		Int("messages", len(out.Messages)).
		Int("dropped", out.DroppedHistory).
		Int("prefix_bytes", prefix.Len()).
		Msg("prompt assembled")
	return out, nil
}

// RenderTools renders the tool catalog deterministically: tools sorted by
// name, one JSON object per line with map keys sorted.
func RenderTools(tools []Tool) (string, error) {
	sorted := append([]Tool(nil), tools...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Name < sorted[j].Name
	})

	var b strings.Builder
	b.WriteString("Available tools:\n")
	for _, t := range sorted {
		line, err := json.Marshal(t)
		if err != nil {
			return "", fmt.Errorf("render tool %q: %w", t.Name, err)
		}
		b.Write(line)
		b.WriteByte('\n')
	}
	return b.String(), nil
}

func renderTask(t *Task) string {
	var b strings.Builder
	b.WriteString("Current task: ")
	b.WriteString(t.Goal)
	if t.Step != "" {
		b.WriteString("\nCurrent step: ")
		b.WriteString(t.Step)
	}
	return b.String()
}
