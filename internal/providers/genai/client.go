package genai

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"comicgen/internal/domain"
	"comicgen/internal/infra"
)

// ProviderName identifies Gemini in limiter stats and logs.
const ProviderName = "gemini"

// Options controls how the Gemini client is configured.
type Options struct {
	APIKey     string
	BaseURL    string
	TextModel  string
	ImageModel string
	HTTPClient *http.Client
	Logger     *infra.Logger
}

// Client wraps the two Gemini endpoints the generator needs: generateContent
// for scripts and the Imagen predict endpoint for page art. Without an API key
// images are rendered locally as deterministic synthetic PNGs so the pipeline
// can run end-to-end in development and CI.
type Client struct {
	apiKey     string
	baseURL    string
	textModel  string
	imageModel string
	httpClient *http.Client
	logger     *infra.Logger
}

// ImageRequest represents the information required to render one image.
type ImageRequest struct {
	Prompt      string
	AspectRatio string
	Seed        string
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts,omitempty"`
}

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature      float64 `json:"temperature,omitempty"`
	CandidateCount   int     `json:"candidateCount,omitempty"`
	ResponseMimeType string  `json:"responseMimeType,omitempty"`
}

type geminiGenerateContentRequest struct {
	SystemInstruction *geminiContent         `json:"systemInstruction,omitempty"`
	Contents          []geminiContent        `json:"contents"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}

type geminiGenerateContentResponse struct {
	Candidates []geminiCandidate `json:"candidates"`
}

type imagenInstance struct {
	Prompt string `json:"prompt"`
}

type imagenParameters struct {
	SampleCount int    `json:"sampleCount"`
	AspectRatio string `json:"aspectRatio,omitempty"`
}

type imagenPredictRequest struct {
	Instances  []imagenInstance `json:"instances"`
	Parameters imagenParameters `json:"parameters"`
}

type imagenPrediction struct {
	BytesBase64Encoded string `json:"bytesBase64Encoded"`
	MimeType           string `json:"mimeType"`
}

type imagenPredictResponse struct {
	Predictions []imagenPrediction `json:"predictions"`
}

type geminiErrorResponse struct {
	Error struct {
		Code    int    `json:"code,omitempty"`
		Message string `json:"message,omitempty"`
		Status  string `json:"status,omitempty"`
	} `json:"error"`
}

// NewClient constructs a Gemini client with sane defaults. Callers may provide
// a nil HTTP client; a reusable one with sensible timeouts will be created.
func NewClient(opts Options) (*Client, error) {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 90 * time.Second}
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parse gemini base url: %w", err)
	}

	textModel := strings.TrimSpace(opts.TextModel)
	if textModel == "" {
		textModel = "gemini-2.0-flash"
	}
	imageModel := strings.TrimSpace(opts.ImageModel)
	if imageModel == "" {
		imageModel = "imagen-3.0-generate-002"
	}

	var logger *infra.Logger
	if opts.Logger != nil {
		l := infra.Component(*opts.Logger, "genai")
		logger = &l
	} else {
		discard := zerolog.New(io.Discard)
		logger = &discard
	}

	return &Client{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		textModel:  textModel,
		imageModel: imageModel,
		httpClient: client,
		logger:     logger,
	}, nil
}

// HasKey reports whether remote calls are enabled.
func (c *Client) HasKey() bool {
	return c.apiKey != ""
}

// TextModel returns the configured script model identifier.
func (c *Client) TextModel() string { return c.textModel }

// ImageModel returns the configured image model identifier.
func (c *Client) ImageModel() string { return c.imageModel }

// GenerateJSON asks the text model for a JSON document and returns the raw
// text of the first non-empty candidate part.
func (c *Client) GenerateJSON(ctx context.Context, system, user string, temperature float64) (string, error) {
	if c.apiKey == "" {
		return "", fmt.Errorf("%w: gemini api key is required", domain.ErrProviderFailure)
	}
	payload := geminiGenerateContentRequest{
		Contents: []geminiContent{{
			Role:  "user",
			Parts: []geminiPart{{Text: user}},
		}},
		GenerationConfig: geminiGenerationConfig{
			Temperature:      temperature,
			CandidateCount:   1,
			ResponseMimeType: "application/json",
		},
	}
	if strings.TrimSpace(system) != "" {
		payload.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: system}}}
	}

	var response geminiGenerateContentResponse
	path := fmt.Sprintf("/models/%s:generateContent", url.PathEscape(c.textModel))
	if err := c.invoke(ctx, path, payload, &response); err != nil {
		return "", err
	}
	for _, candidate := range response.Candidates {
		for _, part := range candidate.Content.Parts {
			if strings.TrimSpace(part.Text) != "" {
				return part.Text, nil
			}
		}
	}
	return "", fmt.Errorf("%w: gemini returned no text", domain.ErrProviderFailure)
}

// GenerateImage renders one PNG for req.
func (c *Client) GenerateImage(ctx context.Context, req ImageRequest) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.apiKey == "" {
		return c.syntheticImage(req), nil
	}

	payload := imagenPredictRequest{
		Instances: []imagenInstance{{Prompt: req.Prompt}},
		Parameters: imagenParameters{
			SampleCount: 1,
			AspectRatio: strings.TrimSpace(req.AspectRatio),
		},
	}
	var response imagenPredictResponse
	path := fmt.Sprintf("/models/%s:predict", url.PathEscape(c.imageModel))
	if err := c.invoke(ctx, path, payload, &response); err != nil {
		return nil, err
	}
	for _, prediction := range response.Predictions {
		if prediction.BytesBase64Encoded == "" {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(prediction.BytesBase64Encoded)
		if err != nil {
			return nil, fmt.Errorf("%w: decode image: %v", domain.ErrProviderFailure, err)
		}
		c.logger.Debug().
			Str("model", c.imageModel).
			Int("bytes", len(data)).
			Msg("genai: generated remote image")
		return data, nil
	}
	// Imagen drops predictions filtered by its safety layer; a retry with the
	// same prompt rarely helps.
	return nil, fmt.Errorf("%w: imagen returned no image", domain.ErrProviderFailure)
}

func (c *Client) syntheticImage(req ImageRequest) []byte {
	width, height := normalizeAspect(req.AspectRatio)
	seed := deterministicSeed(req.Seed, req.Prompt, c.imageModel)
	img := renderSyntheticImage(width, height, seed)
	c.logger.Debug().
		Str("model", c.imageModel).
		Str("seed", seed).
		Msg("genai: generated synthetic image")
	return img
}

func (c *Client) invoke(ctx context.Context, path string, payload any, out any) error {
	endpoint := c.baseURL + path
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return domain.Transient(fmt.Errorf("invoke gemini: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		detail := strings.TrimSpace(string(data))
		var apiErr geminiErrorResponse
		if err := json.Unmarshal(data, &apiErr); err == nil && apiErr.Error.Message != "" {
			detail = apiErr.Error.Message
		}
		return StatusError(ProviderName, resp.StatusCode, detail)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode gemini response: %v", domain.ErrProviderFailure, err)
	}
	return nil
}

// StatusError classifies an HTTP failure from a model provider. Rate limits
// and server errors are retryable; any other client error is not.
func StatusError(provider string, status int, detail string) error {
	msg := fmt.Sprintf("%s status %d", provider, status)
	if detail != "" {
		msg += ": " + detail
	}
	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, msg)
	case status == http.StatusRequestTimeout || status >= http.StatusInternalServerError:
		return domain.Transient(errors.New(msg))
	default:
		return fmt.Errorf("%w: %s", domain.ErrProviderFailure, msg)
	}
}

func renderSyntheticImage(width, height int, seed string) []byte {
	if width <= 0 {
		width = 1024
	}
	if height <= 0 {
		height = 1024
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	base := colorFromSeed(seed, 0)
	accent := colorFromSeed(seed, 1)
	draw.Draw(img, img.Bounds(), &image.Uniform{base}, image.Point{}, draw.Src)

	// Panel gutters, two columns by two rows.
	gutter := max(8, width/64)
	ink := color.RGBA{A: 255}
	for _, x := range []int{0, width/2 - gutter/2, width - gutter} {
		draw.Draw(img, image.Rect(x, 0, x+gutter, height), &image.Uniform{ink}, image.Point{}, draw.Src)
	}
	for _, y := range []int{0, height/2 - gutter/2, height - gutter} {
		draw.Draw(img, image.Rect(0, y, width, y+gutter), &image.Uniform{ink}, image.Point{}, draw.Src)
	}

	step := max(16, width/32)
	for i := 0; i < width; i += step {
		for y := 0; y < height; y++ {
			x := i + y
			if x >= width {
				break
			}
			if img.RGBAAt(x, y) != ink {
				img.Set(x, y, accent)
			}
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil
	}
	return buf.Bytes()
}

func colorFromSeed(seed string, shift int) color.RGBA {
	if seed == "" {
		seed = "000000"
	}
	doubled := seed + seed
	start := (shift * 6) % len(seed)
	segment := doubled[start : start+6]
	return color.RGBA{
		R: parseHexByte(segment[0:2]),
		G: parseHexByte(segment[2:4]),
		B: parseHexByte(segment[4:6]),
		A: 255,
	}
}

func parseHexByte(s string) uint8 {
	v, err := strconv.ParseUint(s, 16, 8)
	if err != nil {
		return 0
	}
	return uint8(v)
}

func deterministicSeed(parts ...any) string {
	hasher := sha256.New()
	for _, part := range parts {
		fmt.Fprintf(hasher, "%v|", part)
	}
	return hex.EncodeToString(hasher.Sum(nil))[:16]
}

func normalizeAspect(aspect string) (int, int) {
	switch strings.TrimSpace(strings.ToLower(aspect)) {
	case "16:9":
		return 1024, 576
	case "9:16":
		return 576, 1024
	case "4:3":
		return 1024, 768
	case "3:4":
		return 768, 1024
	default:
		return 1024, 1024
	}
}
