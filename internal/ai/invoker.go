package ai

import "context"

// Request carries a single inference call. The engine is agnostic to the
// transport and to which generative model is addressed.
type Request struct {
	Prompt          string
	SystemPrompt    string
	Model           string
	MaxOutputTokens int
	Temperature     float64
}

// Response is the provider's answer to a Request.
type Response struct {
	Text       string
	TokensUsed int
}

// Invoker is implemented by inference providers. Implementations are expected
// to carry their own request timeout.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (*Response, error)
}
