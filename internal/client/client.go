// Package client talks to the comic generation API over HTTP and websockets.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"comicgen/internal/domain"
	"comicgen/internal/middleware"
)

// Options configures a Client. UserID is sent as X-User-ID unless Token is
// set, in which case the token is sent as a bearer credential.
type Options struct {
	BaseURL    string
	UserID     string
	Token      string
	Locale     string
	HTTPClient *http.Client
}

type Client struct {
	base   *url.URL
	opts   Options
	client *http.Client
}

// Kickoff is the immediate answer to a generation request.
type Kickoff struct {
	ID        string    `json:"id"`
	Prompt    string    `json:"prompt"`
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("api: %d %s", e.Status, e.Message)
}

// New validates the base URL.
func New(opts Options) (*Client, error) {
	raw := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if raw == "" {
		return nil, errors.New("client: base url is required")
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("client: parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("client: unsupported scheme %q", base.Scheme)
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{base: base, opts: opts, client: hc}, nil
}

func (c *Client) Create(ctx context.Context, prompt string) (*Kickoff, error) {
	var out Kickoff
	if err := c.do(ctx, http.MethodPost, "/generate-comic", nil, map[string]string{"prompt": prompt}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Get(ctx context.Context, id string) (*domain.Job, error) {
	var out domain.Job
	if err := c.do(ctx, http.MethodGet, "/comic/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// List returns community comics, or the caller's own when mine is set.
func (c *Client) List(ctx context.Context, mine bool, limit int) ([]domain.Job, error) {
	path := "/comics"
	if mine {
		path = "/me/comics"
	}
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []domain.Job
	if err := c.do(ctx, http.MethodGet, path, q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Extend asks for more pages. Zero pages lets the server pick.
func (c *Client) Extend(ctx context.Context, id string, pages int, hint string) (*domain.Job, error) {
	body := map[string]any{}
	if pages > 0 {
		body["pages"] = pages
	}
	if hint != "" {
		body["prompt"] = hint
	}
	var out domain.Job
	if err := c.do(ctx, http.MethodPut, "/comic/"+url.PathEscape(id)+"/extend", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Reload(ctx context.Context, id string, index int) (*domain.Job, error) {
	var out domain.Job
	path := fmt.Sprintf("/comic/%s/pages/%d/reload", url.PathEscape(id), index)
	if err := c.do(ctx, http.MethodPost, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Watch streams snapshots of one job to fn until fn returns false, the
// server closes the stream or ctx ends.
func (c *Client) Watch(ctx context.Context, id string, fn func(*domain.Job) bool) error {
	u := *c.base
	u.Scheme = "ws"
	if c.base.Scheme == "https" {
		u.Scheme = "wss"
	}
	u.Path += "/ws"
	u.RawQuery = url.Values{"job_id": {id}}.Encode()

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPHeader: c.headers(),
	})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return &APIError{Status: resp.StatusCode}
		}
		return fmt.Errorf("client: dial updates: %w", err)
	}
	defer conn.CloseNow()

	for {
		var job domain.Job
		if err := wsjson.Read(ctx, conn, &job); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("client: read update: %w", err)
		}
		if !fn(&job) {
			return conn.Close(websocket.StatusNormalClosure, "")
		}
	}
}

func (c *Client) headers() http.Header {
	h := http.Header{}
	switch {
	case c.opts.Token != "":
		h.Set("Authorization", "Bearer "+c.opts.Token)
	case c.opts.UserID != "":
		h.Set(middleware.UserIDHeader, c.opts.UserID)
	}
	if c.opts.Locale != "" {
		h.Set("Accept-Language", c.opts.Locale)
	}
	return h
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := *c.base
	u.Path += path
	u.RawQuery = query.Encode()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("client: encode body: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}
	req.Header = c.headers()
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(apiErr)
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode response: %w", err)
	}
	return nil
}
