package ollama

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/tjfontaine/streamchat/internal/core/domain"
)

// perMessageOverhead approximates the role/framing tokens each chat
// message costs beyond its content.
const perMessageOverhead = 4

// TokenEstimator counts prompt tokens client-side for streams where the
// server omits eval counts. Ollama models do not ship their tokenizers,
// so cl100k_base is used as a stand-in; callers see the result flagged
// as estimated.
type TokenEstimator struct {
	once  sync.Once
	codec tokenizer.Codec
}

func NewTokenEstimator() *TokenEstimator {
	return &TokenEstimator{}
}

func (e *TokenEstimator) init() {
	e.once.Do(func() {
		codec, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			return
		}
		e.codec = codec
	})
}

// Count returns the token count of a single text.
func (e *TokenEstimator) Count(text string) int {
	e.init()
	if e.codec == nil {
		// Rough fallback: one token per four characters.
		return (len(text) + 3) / 4
	}
	n, err := e.codec.Count(text)
	if err != nil {
		return (len(text) + 3) / 4
	}
	return n
}

// CountMessages estimates the prompt cost of a conversation history.
func (e *TokenEstimator) CountMessages(messages []*domain.Message) int {
	total := 0
	for _, m := range messages {
		total += e.Count(m.Content) + perMessageOverhead
	}
	return total
}
