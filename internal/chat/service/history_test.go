package service

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/threadline/threadline/pkg/llm"
)

func TestEstimateTokens(t *testing.T) {
	require.Zero(t, estimateTokens(""))
	// 2 words -> 2.6 -> 2; plus one punctuation rune -> 3.1 -> 3.
	require.Equal(t, 2, estimateTokens("hello world"))
	require.Equal(t, 3, estimateTokens("hello, world"))
}

func TestPrepareHistory_CountCutKeepsSystem(t *testing.T) {
	history := []llm.Message{{Role: llm.RoleSystem, Content: "you are terse"}}
	for i := 0; i < 40; i++ {
		history = append(history, llm.Message{Role: llm.RoleUser, Content: fmt.Sprintf("turn %d", i)})
	}

	kept := prepareHistory(history, 30, 0)
	require.Len(t, kept, 31) // 30 recent + preserved system
	require.Equal(t, llm.RoleSystem, kept[0].Role)
	require.Equal(t, "turn 39", kept[len(kept)-1].Content)
	require.Equal(t, "turn 10", kept[1].Content)
}

func TestPrepareHistory_TokenBudgetTrimsOldestFirst(t *testing.T) {
	big := strings.Repeat("word ", 500) // ~650 tokens per message
	history := []llm.Message{
		{Role: llm.RoleSystem, Content: "sys"},
		{Role: llm.RoleUser, Content: big},
		{Role: llm.RoleAssistant, Content: big},
		{Role: llm.RoleUser, Content: "latest question"},
	}

	kept := prepareHistory(history, 30, 700)
	require.Equal(t, llm.RoleSystem, kept[0].Role)
	require.Equal(t, "latest question", kept[len(kept)-1].Content)
	require.Len(t, kept, 3) // one big message trimmed
}

func TestPrepareHistory_LatestTurnNeverDropped(t *testing.T) {
	history := []llm.Message{
		{Role: llm.RoleUser, Content: strings.Repeat("word ", 100)},
	}
	kept := prepareHistory(history, 30, 10)
	require.Len(t, kept, 1)
}
