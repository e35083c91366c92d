package image

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image/png"
	"io"
	"net/http"
	"strings"
	"testing"

	"comicgen/internal/pipeline"
	"comicgen/internal/providers/genai"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func TestBuildPagePrompt(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name, prompt, style, want string
	}{
		{name: "adds_prefix", prompt: "a dragon", style: "", want: DefaultStylePrefix + ", a dragon, no text, no speech bubbles"},
		{name: "keeps_existing_prefix", prompt: "Comic style, a dragon", style: "ink", want: "Comic style, a dragon, art style: ink, no text, no speech bubbles"},
		{name: "empty", prompt: "  ", style: "", want: DefaultStylePrefix + ", no text, no speech bubbles"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := BuildPagePrompt(tc.prompt, tc.style); got != tc.want {
				t.Fatalf("BuildPagePrompt = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestGeminiGeneratorSendsPagePrompt(t *testing.T) {
	var sent struct {
		Instances []struct {
			Prompt string `json:"prompt"`
		} `json:"instances"`
		Parameters struct {
			AspectRatio string `json:"aspectRatio"`
		} `json:"parameters"`
	}
	client, err := genai.NewClient(genai.Options{
		APIKey: "k",
		HTTPClient: &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			_ = json.NewDecoder(r.Body).Decode(&sent)
			body := `{"predictions":[{"bytesBase64Encoded":"` + base64.StdEncoding.EncodeToString([]byte("img")) + `"}]}`
			return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(body))}, nil
		})},
	})
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}
	gen := NewGeminiGenerator(client, "3:4")
	data, err := gen.GenerateImage(context.Background(), pipeline.ImageRequest{JobID: "j", Index: 2, Prompt: "a dragon", ArtStyle: "manga"})
	if err != nil {
		t.Fatalf("GenerateImage returned error: %v", err)
	}
	if string(data) != "img" {
		t.Fatalf("data = %q", data)
	}
	if len(sent.Instances) != 1 || !strings.Contains(sent.Instances[0].Prompt, "art style: manga") {
		t.Fatalf("instances = %+v", sent.Instances)
	}
	if sent.Parameters.AspectRatio != "3:4" {
		t.Fatalf("aspect = %q", sent.Parameters.AspectRatio)
	}
	if gen.Name() != genai.ProviderName {
		t.Fatalf("name = %q", gen.Name())
	}
}

func TestGeminiGeneratorSyntheticPerPage(t *testing.T) {
	client, _ := genai.NewClient(genai.Options{})
	gen := NewGeminiGenerator(client, "")
	first, err := gen.GenerateImage(context.Background(), pipeline.ImageRequest{JobID: "j", Index: 0, Prompt: "p"})
	if err != nil {
		t.Fatalf("GenerateImage returned error: %v", err)
	}
	if _, err := png.DecodeConfig(bytes.NewReader(first)); err != nil {
		t.Fatalf("not a png: %v", err)
	}
	second, _ := gen.GenerateImage(context.Background(), pipeline.ImageRequest{JobID: "j", Index: 1, Prompt: "p"})
	if bytes.Equal(first, second) {
		t.Fatalf("pages with different indices rendered identically")
	}
}
