package image

import (
	"context"
	"fmt"
	"strings"

	"comicgen/internal/pipeline"
	"comicgen/internal/providers/genai"
)

// DefaultStylePrefix is prepended to page prompts that do not already ask for
// a comic rendering.
const DefaultStylePrefix = "comic style, highly detailed scene, dynamic perspective"

type GeminiGenerator struct {
	client      *genai.Client
	aspectRatio string
}

func NewGeminiGenerator(client *genai.Client, aspectRatio string) *GeminiGenerator {
	if strings.TrimSpace(aspectRatio) == "" {
		aspectRatio = "1:1"
	}
	return &GeminiGenerator{client: client, aspectRatio: aspectRatio}
}

func (g *GeminiGenerator) Name() string { return genai.ProviderName }

func (g *GeminiGenerator) GenerateImage(ctx context.Context, req pipeline.ImageRequest) ([]byte, error) {
	return g.client.GenerateImage(ctx, genai.ImageRequest{
		Prompt:      BuildPagePrompt(req.Prompt, req.ArtStyle),
		AspectRatio: g.aspectRatio,
		Seed:        fmt.Sprintf("%s/%d", req.JobID, req.Index),
	})
}

// BuildPagePrompt turns a page's image prompt into the instruction sent to the
// image model.
func BuildPagePrompt(prompt, artStyle string) string {
	prompt = strings.TrimSpace(prompt)
	var parts []string
	if !strings.HasPrefix(strings.ToLower(prompt), "comic") {
		parts = append(parts, DefaultStylePrefix)
	}
	if prompt != "" {
		parts = append(parts, prompt)
	}
	if style := strings.TrimSpace(artStyle); style != "" {
		parts = append(parts, "art style: "+style)
	}
	parts = append(parts, "no text, no speech bubbles")
	return strings.Join(parts, ", ")
}

var _ pipeline.ImageGenerator = (*GeminiGenerator)(nil)
