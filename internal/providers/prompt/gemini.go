package prompt

import (
	"context"
	"errors"

	"comicgen/internal/domain"
	"comicgen/internal/pipeline"
	"comicgen/internal/providers/genai"
)

// GeminiWriter writes comic scripts with a Gemini text model.
type GeminiWriter struct {
	client      *genai.Client
	temperature float64
}

// NewGeminiWriter requires a client with an API key.
func NewGeminiWriter(client *genai.Client) (*GeminiWriter, error) {
	if client == nil || !client.HasKey() {
		return nil, errors.New("gemini api key is required")
	}
	return &GeminiWriter{client: client, temperature: 0.65}, nil
}

func (g *GeminiWriter) Name() string { return ProviderGemini }

func (g *GeminiWriter) GenerateScript(ctx context.Context, req pipeline.TextRequest) (domain.Script, error) {
	text, err := g.client.GenerateJSON(ctx, buildSystemPrompt(req.Pages), buildUserPrompt(req), g.temperature)
	if err != nil {
		return domain.Script{}, err
	}
	return parseScript(text)
}

var _ pipeline.TextGenerator = (*GeminiWriter)(nil)
