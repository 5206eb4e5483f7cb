package prompts

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortex-orchestrator/internal/llm"
	"github.com/normanking/cortex-orchestrator/internal/logging"
)

func history(n int) []llm.Message {
	out := make([]llm.Message, n)
	for i := range out {
		role := llm.RoleUser
		if i%2 == 1 {
			role = llm.RoleAssistant
		}
		out[i] = llm.Message{Role: role, Content: fmt.Sprintf("message %d", i)}
	}
	return out
}

func TestAssembleOrder(t *testing.T) {
	a := NewAssembler(0, logging.Nop())
	got, err := a.Assemble(Input{
		SystemPrompt: "You are helpful.",
		Tools:        []Tool{{Name: "search", Description: "web search"}},
		Task:         &Task{Goal: "Write a report", Step: "Outline", Active: true},
		History:      history(3),
	})
	require.NoError(t, err)

	require.Len(t, got.Messages, 6)
	assert.Equal(t, "You are helpful.", got.Messages[0].Content)
	assert.Contains(t, got.Messages[1].Content, `"name":"search"`)
	assert.Equal(t, "Current task: Write a report\nCurrent step: Outline", got.Messages[2].Content)
	assert.Equal(t, "message 0", got.Messages[3].Content)
	assert.Equal(t, "message 2", got.Messages[5].Content)

	require.Len(t, got.Breakpoints, 2)
	assert.Equal(t, Breakpoint{Name: BreakpointSystem, MessageIndex: 0, ByteOffset: len("You are helpful.")}, got.Breakpoints[0])
	assert.Equal(t, 1, got.Breakpoints[1].MessageIndex)
	assert.Equal(t, len(got.Messages[0].Content)+len(got.Messages[1].Content), got.Breakpoints[1].ByteOffset)
	assert.Equal(t, []int{0, 1}, got.BreakpointIndexes())
}

func TestAssembleSkipsAbsentParts(t *testing.T) {
	a := NewAssembler(0, logging.Nop())
	got, err := a.Assemble(Input{
		Task:    &Task{Goal: "idle goal", Active: false},
		History: history(2),
	})
	require.NoError(t, err)
	assert.Len(t, got.Messages, 2)
	assert.Empty(t, got.Breakpoints)
}

func TestAssembleHistoryLimit(t *testing.T) {
	a := NewAssembler(5, logging.Nop())
	got, err := a.Assemble(Input{History: history(12)})
	require.NoError(t, err)
	require.Len(t, got.Messages, 5)
	assert.Equal(t, "message 7", got.Messages[0].Content)
	assert.Equal(t, 7, got.DroppedHistory)

	def := NewAssembler(0, logging.Nop())
	got, err = def.Assemble(Input{History: history(30)})
	require.NoError(t, err)
	assert.Len(t, got.Messages, DefaultMaxHistoryMessages)
}

func TestPrefixStableAcrossCalls(t *testing.T) {
	a := NewAssembler(0, logging.Nop())
	params := map[string]any{"type": "object", "properties": map[string]any{"q": map[string]any{"type": "string"}, "limit": map[string]any{"type": "integer"}}}

	first, err := a.Assemble(Input{
		SystemPrompt: "sys",
		Tools:        []Tool{{Name: "b", Parameters: params}, {Name: "a"}},
		History:      history(1),
	})
	require.NoError(t, err)
	second, err := a.Assemble(Input{
		SystemPrompt: "sys",
		Tools:        []Tool{{Name: "a"}, {Name: "b", Parameters: params}},
		History:      history(4),
	})
	require.NoError(t, err)

	assert.Equal(t, first.PrefixHash, second.PrefixHash)
	assert.Equal(t, first.Messages[:2], second.Messages[:2])

	third, err := a.Assemble(Input{SystemPrompt: "other", Tools: []Tool{{Name: "a"}}})
	require.NoError(t, err)
	assert.NotEqual(t, first.PrefixHash, third.PrefixHash)
}

func TestRenderToolsSorted(t *testing.T) {
	out, err := RenderTools([]Tool{{Name: "zeta"}, {Name: "alpha"}})
	require.NoError(t, err)
	assert.Equal(t, "Available tools:\n{\"name\":\"alpha\",\"description\":\"\"}\n{\"name\":\"zeta\",\"description\":\"\"}\n", out)
}
