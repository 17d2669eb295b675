package llm

import (
	"context"
	"fmt"
	"io"
	"iter"

	"google.golang.org/genai"

	"github.com/satriahrh/professor-bot/domain"
)

type GeminiClient struct {
	client *genai.Client
}

func NewGeminiClient(ctx context.Context, apiKey string) (*GeminiClient, error) {
	client, err := genai.NewClient(
		ctx,
		&genai.ClientConfig{
			APIKey:      apiKey,
			Backend:     genai.BackendGeminiAPI,
			HTTPOptions: genai.HTTPOptions{APIVersion: "v1"},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}

	return &GeminiClient{client: client}, nil
}

// NewGeminiFactory returns a domain.LlmFactory for per-session API keys.
func NewGeminiFactory() domain.LlmFactory {
	return func(credential string) (domain.Llm, error) {
		return NewGeminiClient(context.Background(), credential)
	}
}

// Stream implements domain.Llm. The flat prompt goes out as a single user
// content, so the model sees the same completion-style text as any other
// provider.
func (g *GeminiClient) Stream(ctx context.Context, req domain.InferenceRequest) (domain.FragmentStream, error) {
	if err := domain.ValidateModel(domain.ProviderGemini, req.Model); err != nil {
		return nil, err
	}

	seq := g.client.Models.GenerateContentStream(ctx, req.Model, genai.Text(req.Prompt), generationConfig(req.Config))
	next, stop := iter.Pull2(seq)
	return &geminiStream{next: next, stop: stop}, nil
}

func generationConfig(cfg domain.GenerationConfig) *genai.GenerateContentConfig {
	out := &genai.GenerateContentConfig{
		Temperature:     ptr(float32(cfg.Temperature)),
		TopP:            ptr(float32(cfg.TopP)),
		MaxOutputTokens: int32(cfg.MaxLength),
	}
	// Gemini has no multiplicative repetition penalty; 1 means "none" and
	// anything else becomes an additive frequency penalty.
	if cfg.RepetitionPenalty != 1 {
		out.FrequencyPenalty = ptr(float32(cfg.RepetitionPenalty - 1))
	}
	return out
}

func ptr[T any](v T) *T { return &v }

type geminiStream struct {
	next func() (*genai.GenerateContentResponse, error, bool)
	stop func()
}

func (s *geminiStream) Recv() (string, error) {
	for {
		resp, err, ok := s.next()
		if !ok {
			return "", io.EOF
		}
		if err != nil {
			return "", fmt.Errorf("generate content: %w", err)
		}
		if text := resp.Text(); text != "" {
			return text, nil
		}
	}
}

func (s *geminiStream) Close() error {
	s.stop()
	return nil
}
