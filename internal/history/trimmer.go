// internal/history/trimmer.go

// Package history bounds conversation state to the completion backend's
// context window.
package history

import (
	"errors"
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/happyahluwalia/filingagent/internal/types"
)

// ErrMessageTooLarge reports that the newest message alone exceeds the
// token budget. That is an input error: the trimmer never splits a
// message, so there is no valid output.
var ErrMessageTooLarge = errors.New("newest message exceeds token budget")

// Trimmer reduces a message history to fit a token budget. Trimming is
// deterministic and token-based: whole messages are dropped oldest-first
// until the remainder fits, so the output is always a suffix of the input.
type Trimmer struct {
	tokenizer *tiktoken.Tiktoken
	budget    int
}

// New creates a Trimmer for the given model's tokenizer. maxTokens is the
// backend's context window; reserve is held back for system instructions,
// the new query and generation, and should be at least 20% of maxTokens.
func New(model string, maxTokens, reserve int) (*Trimmer, error) {
	if reserve < maxTokens/5 {
		reserve = maxTokens / 5
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Unknown models fall back to cl100k_base
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return &Trimmer{tokenizer: enc, budget: maxTokens - reserve}, nil
}

// Budget returns the usable token budget after reserve.
func (t *Trimmer) Budget() int {
	return t.budget
}

// Count returns the estimated token count for a string.
func (t *Trimmer) Count(text string) int {
	return len(t.tokenizer.Encode(text, nil, nil))
}

// messageTokens estimates one message's cost, including a small per-message
// framing overhead the chat encoding adds around each message.
const perMessageOverhead = 4

func (t *Trimmer) messageTokens(m types.Message) int {
	return t.Count(m.Content) + t.Count(string(m.Role)) + perMessageOverhead
}

// Trim returns the longest suffix of messages whose estimated token count
// fits maxTokens. Messages are never split or reordered.
func (t *Trimmer) Trim(messages []types.Message, maxTokens int) ([]types.Message, error) {
	if len(messages) == 0 {
		return nil, nil
	}

	costs := make([]int, len(messages))
	total := 0
	for i, m := range messages {
		costs[i] = t.messageTokens(m)
		total += costs[i]
	}

	start := 0
	for total > maxTokens && start < len(messages)-1 {
		total -= costs[start]
		start++
	}
	if total > maxTokens {
		return nil, fmt.Errorf("%w: %d tokens > budget %d", ErrMessageTooLarge, total, maxTokens)
	}
	return messages[start:], nil
}

// TrimToBudget trims using the trimmer's own budget.
func (t *Trimmer) TrimToBudget(messages []types.Message) ([]types.Message, error) {
	return t.Trim(messages, t.budget)
}
