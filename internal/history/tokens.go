package history

import (
	"fmt"

	"github.com/RichardoC/pad-relay/internal/models"
	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates how many tokens a projected context will cost.
// The relay only logs the figure; budgets stay character based.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
}

func NewTokenCounter(encoding string) (*TokenCounter, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to load token encoding %q: %w", encoding, err)
	}
	return &TokenCounter{encoding: enc}, nil
}

func (c *TokenCounter) Count(messages []models.ProjectedMessage) int {
	total := 0
	for _, msg := range messages {
		total += len(c.encoding.Encode(msg.Content, nil, nil))
	}
	return total
}
