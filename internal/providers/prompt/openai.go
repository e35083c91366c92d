package prompt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"comicgen/internal/domain"
	"comicgen/internal/pipeline"
	"comicgen/internal/providers/genai"
)

// OpenAIOptions configures any OpenAI-compatible chat completions endpoint.
// DeepSeek and Groq work by pointing BaseURL at their API.
type OpenAIOptions struct {
	APIKey       string
	Model        string
	BaseURL      string
	Organization string
	HTTPClient   *http.Client
	OnWarning    func(reason, detail string)
}

type OpenAIWriter struct {
	apiKey       string
	model        string
	baseURL      string
	organization string
	client       *http.Client
}

const openAIDefaultTimeout = 90 * time.Second

const defaultOpenAIModel = "gpt-4o-mini"

var openAIModelAliases = map[string]string{
	"gpt4o-mini":    "gpt-4o-mini",
	"gpt4omini":     "gpt-4o-mini",
	"gpt-4o-mini-1": "gpt-4o-mini",
	"gpt4o":         "gpt-4o",
	"deepseek":      "deepseek-chat",
	"deepseek-v3":   "deepseek-chat",
	"llama-3.3":     "llama-3.3-70b-versatile",
	"llama3.3":      "llama-3.3-70b-versatile",
}

type openAIChatRequest struct {
	Model          string          `json:"model"`
	Messages       []openAIMessage `json:"messages"`
	Temperature    float64         `json:"temperature,omitempty"`
	ResponseFormat *openAIFormat   `json:"response_format,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIFormat struct {
	Type string `json:"type"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type openAIErrorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func NewOpenAIWriter(opts OpenAIOptions) (*OpenAIWriter, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("openai api key is required")
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	modelInput := strings.TrimSpace(opts.Model)
	model, reason := normalizeOpenAIModel(modelInput)
	if reason != "" && opts.OnWarning != nil {
		opts.OnWarning("model_"+reason, fmt.Sprintf("requested=%s resolved=%s", modelInput, model))
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: openAIDefaultTimeout}
	}
	return &OpenAIWriter{
		apiKey:       strings.TrimSpace(opts.APIKey),
		model:        model,
		baseURL:      baseURL,
		organization: strings.TrimSpace(opts.Organization),
		client:       client,
	}, nil
}

func (o *OpenAIWriter) Name() string { return ProviderOpenAI }

// Model returns the resolved model identifier.
func (o *OpenAIWriter) Model() string { return o.model }

func (o *OpenAIWriter) GenerateScript(ctx context.Context, req pipeline.TextRequest) (domain.Script, error) {
	payload := openAIChatRequest{
		Model:       o.model,
		Temperature: 0.65,
		ResponseFormat: &openAIFormat{
			Type: "json_object",
		},
		Messages: []openAIMessage{
			{Role: "system", Content: buildSystemPrompt(req.Pages)},
			{Role: "user", Content: buildUserPrompt(req)},
		},
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return domain.Script{}, fmt.Errorf("encode request: %w", err)
	}
	endpoint := fmt.Sprintf("%s/chat/completions", o.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return domain.Script{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	if o.organization != "" {
		httpReq.Header.Set("OpenAI-Organization", o.organization)
	}
	resp, err := o.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return domain.Script{}, ctx.Err()
		}
		return domain.Script{}, domain.Transient(fmt.Errorf("invoke openai: %w", err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		detail := strings.TrimSpace(string(data))
		var apiErr openAIErrorResponse
		if err := json.Unmarshal(data, &apiErr); err == nil && apiErr.Error.Message != "" {
			detail = apiErr.Error.Message
		}
		return domain.Script{}, genai.StatusError(ProviderOpenAI, resp.StatusCode, detail)
	}
	var out openAIChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.Script{}, fmt.Errorf("%w: decode openai response: %v", domain.ErrProviderFailure, err)
	}
	if len(out.Choices) == 0 {
		return domain.Script{}, fmt.Errorf("%w: openai returned no choices", domain.ErrProviderFailure)
	}
	return parseScript(out.Choices[0].Message.Content)
}

// normalizeOpenAIModel resolves shorthand model names. Unknown names pass
// through untouched since compatible endpoints serve their own catalogues.
func normalizeOpenAIModel(input string) (string, string) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return defaultOpenAIModel, ""
	}
	key := strings.ToLower(strings.Join(strings.Fields(trimmed), "-"))
	if model, ok := openAIModelAliases[key]; ok {
		return model, "alias"
	}
	return key, ""
}

var _ pipeline.TextGenerator = (*OpenAIWriter)(nil)
