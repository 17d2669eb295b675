package domain

import "context"

// Llm abstracts any hosted completion provider.
type Llm interface {
	// Stream sends one flat prompt and returns the completion as a lazy
	// sequence of text fragments.
	Stream(ctx context.Context, req InferenceRequest) (FragmentStream, error)
}

// FragmentStream is a finite, non-restartable sequence of completion text.
// Fragment boundaries are arbitrary and must not be read as words or tokens.
type FragmentStream interface {
	// Recv returns the next fragment. It returns io.EOF once the completion
	// has ended normally; any other error ends the stream abnormally.
	Recv() (string, error)
	Close() error
}

type InferenceRequest struct {
	Model  string
	Prompt string
	Config GenerationConfig
}

// LlmFactory builds a provider bound to one session's credential.
type LlmFactory func(credential string) (Llm, error)
