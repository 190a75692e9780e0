package ports

import (
	"context"

	"github.com/tjfontaine/streamchat/internal/core/domain"
)

// StopFunc is polled between tokens by the generation loop. Returning
// true stops the loop cooperatively; the token already dispatched is
// still delivered.
type StopFunc func() bool

// TokenHandler receives each emitted token. Returning an error aborts
// the stream.
type TokenHandler func(token string) error

// GenerationUsage is the backend's accounting for one generation.
// Estimated is set when the backend omitted counts and they were
// reconstructed client-side.
type GenerationUsage struct {
	PromptTokens     int  `json:"prompt_tokens"`
	CompletionTokens int  `json:"completion_tokens"`
	Estimated        bool `json:"estimated"`
}

// TokenSource is the streaming text-generation backend. The engine
// treats it as an opaque token stream that can be asked "should I stop?"
// between tokens.
type TokenSource interface {
	// StreamChat generates a reply to the conversation history, calling
	// onToken once per emitted token. stop is polled between tokens; a
	// nil stop never interrupts. Returns usage on natural completion or
	// cooperative stop.
	StreamChat(ctx context.Context, model string, messages []*domain.Message, onToken TokenHandler, stop StopFunc) (*GenerationUsage, error)

	// ListModels reports the models the backend can serve.
	ListModels(ctx context.Context) ([]string, error)
}
