package service

import (
	"strings"
	"unicode"

	"github.com/threadline/threadline/pkg/llm"
)

// History defaults; overridable through chat config.
const (
	DefaultHistoryMaxMessages = 30
	DefaultHistoryTokenBudget = 8000
)

// estimateTokens approximates the token cost of text without a tokenizer:
// 1.3 tokens per word plus 0.5 per punctuation rune. Stable across
// languages and cheap enough to run per request.
func estimateTokens(text string) int {
	words := len(strings.Fields(text))
	punct := 0
	for _, r := range text {
		if unicode.IsPunct(r) {
			punct++
		}
	}
	return int(float64(words)*1.3 + float64(punct)*0.5)
}

// prepareHistory truncates history for the model: keep the most recent
// maxMessages while always preserving system messages, then trim from the
// oldest non-system message until the token estimate fits tokenBudget.
func prepareHistory(history []llm.Message, maxMessages, tokenBudget int) []llm.Message {
	if maxMessages <= 0 {
		maxMessages = DefaultHistoryMaxMessages
	}
	if tokenBudget <= 0 {
		tokenBudget = DefaultHistoryTokenBudget
	}

	kept := history
	if len(kept) > maxMessages {
		// System messages survive the count cut regardless of position.
		var systems []llm.Message
		for _, m := range kept[:len(kept)-maxMessages] {
			if m.Role == llm.RoleSystem {
				systems = append(systems, m)
			}
		}
		kept = append(systems, kept[len(kept)-maxMessages:]...)
	}

	total := 0
	for _, m := range kept {
		total += estimateTokens(m.Content)
	}
	// Trim oldest non-system until within budget. The latest user turn is
	// never dropped.
	for total > tokenBudget {
		dropped := false
		for i, m := range kept {
			if m.Role == llm.RoleSystem || i == len(kept)-1 {
				continue
			}
			total -= estimateTokens(m.Content)
			kept = append(kept[:i:i], kept[i+1:]...)
			dropped = true
			break
		}
		if !dropped {
			break
		}
	}
	return kept
}
