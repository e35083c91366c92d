package httpapi

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"comicgen/internal/adapter/repo"
	"comicgen/internal/broadcast"
	"comicgen/internal/comics"
	"comicgen/internal/domain"
	"comicgen/internal/http/handlers"
	"comicgen/internal/limiter"
	"comicgen/internal/persist"
	"comicgen/internal/pipeline"
	"comicgen/internal/registry"
	"comicgen/internal/retry"
	"comicgen/internal/storage"
	"comicgen/internal/supervisor"
)

type stubText struct{}

func (stubText) Name() string { return "text" }

func (stubText) GenerateScript(ctx context.Context, req pipeline.TextRequest) (domain.Script, error) {
	script := domain.Script{Title: "Title", Summary: "Summary"}
	for i := 0; i < req.Pages; i++ {
		script.Items = append(script.Items, domain.Item{Content: fmt.Sprintf("page %d", i), ImagePrompt: fmt.Sprintf("prompt %d", i)})
	}
	return script, nil
}

type stubImages struct{}

func (stubImages) Name() string { return "images" }

func (stubImages) GenerateImage(ctx context.Context, req pipeline.ImageRequest) ([]byte, error) {
	return []byte(fmt.Sprintf("png-%s-%d", req.JobID, req.Index)), nil
}

type server struct {
	*httptest.Server
	svc *comics.Service
}

func newServer(t *testing.T) *server {
	t.Helper()
	logger := zerolog.New(io.Discard)
	srv := httptest.NewUnstartedServer(nil)
	baseURL := "http://" + srv.Listener.Addr().String() + "/static"
	dir := t.TempDir()
	files, err := storage.NewFileStore(dir, baseURL)
	if err != nil {
		t.Fatalf("NewFileStore returned error: %v", err)
	}

	committer := persist.NewCommitter(repo.NewMemoryStore(), retry.CommitPolicy, logger).
		WithSleep(func(context.Context, time.Duration) error { return nil })
	reg := registry.New(committer, logger)
	hub := broadcast.New(logger, time.Second)
	pipe := pipeline.New(pipeline.Deps{
		Registry:  reg,
		Text:      stubText{},
		Images:    stubImages{},
		Assets:    files,
		Limits:    limiter.NewSet(nil, 2),
		Publisher: hub,
	}, pipeline.Config{PagesPerComic: 2}, logger)
	svc := comics.NewService(reg, pipe, supervisor.New(logger), hub, comics.Config{MaxExtendPages: 3}, logger)

	app := handlers.NewApp(svc, files, logger)
	app.ExtendPages = 1
	srv.Config.Handler = NewRouter(app, Options{
		CORSOrigins:     []string{"https://app.test"},
		RateLimitPerMin: 100,
		StaticDir:       dir,
		Logger:          logger,
	})
	srv.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
		srv.Close()
	})
	return &server{Server: srv, svc: svc}
}

func (s *server) do(t *testing.T, method, path, user string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	resp, err := s.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func (s *server) create(t *testing.T, prompt, user string) string {
	t.Helper()
	resp := s.do(t, http.MethodPost, "/generate-comic", user, map[string]string{"prompt": prompt})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	body := decodeBody[map[string]any](t, resp)
	if body["status"] != "processing" || body["title"] != "Processing..." {
		t.Fatalf("kickoff body = %v", body)
	}
	if pages, ok := body["pages"].([]any); !ok || len(pages) != 0 {
		t.Fatalf("kickoff pages = %#v", body["pages"])
	}
	return body["id"].(string)
}

func (s *server) waitSettled(t *testing.T, id string) domain.Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		job, err := s.svc.GetJob(context.Background(), id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if job.Status.Terminal() && len(job.Unresolved()) == 0 && s.svc.Stats().InFlight == 0 {
			return *job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never settled", id)
	return domain.Job{}
}

func TestHealth(t *testing.T) {
	s := newServer(t)
	resp := s.do(t, http.MethodGet, "/v1/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("missing request id header")
	}
}

func TestGenerateAndFetchComic(t *testing.T) {
	s := newServer(t)
	id := s.create(t, "a heist on the moon", "")
	job := s.waitSettled(t, id)
	if job.Status != domain.JobStatusCompleted || len(job.Items) != 2 {
		t.Fatalf("job = %+v", job)
	}
	for _, item := range job.Items {
		if item.Outcome != domain.OutcomeOK || item.AssetURL == nil {
			t.Fatalf("item = %+v", item)
		}
		img := s.do(t, http.MethodGet, strings.TrimPrefix(*item.AssetURL, s.URL), "", nil)
		data, _ := io.ReadAll(img.Body)
		if img.StatusCode != http.StatusOK || string(data) != fmt.Sprintf("png-%s-%d", id, item.Index) {
			t.Fatalf("static %s: %d %q", *item.AssetURL, img.StatusCode, data)
		}
	}
}

func TestGenerateRejectsBadInput(t *testing.T) {
	s := newServer(t)
	if resp := s.do(t, http.MethodPost, "/generate-comic", "", map[string]string{"prompt": "  "}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty prompt status = %d", resp.StatusCode)
	}
	req, _ := http.NewRequest(http.MethodPost, s.URL+"/generate-comic", strings.NewReader("{"))
	resp, err := s.Client().Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed body status = %d", resp.StatusCode)
	}
}

func TestErrorMapping(t *testing.T) {
	s := newServer(t)
	if resp := s.do(t, http.MethodGet, "/comic/missing", "", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing comic status = %d", resp.StatusCode)
	}
	if resp := s.do(t, http.MethodGet, "/me/comics", "", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous /me/comics status = %d", resp.StatusCode)
	}
	if resp := s.do(t, http.MethodGet, "/comics?limit=x", "", nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d", resp.StatusCode)
	}
	if resp := s.do(t, http.MethodPost, "/comic/x/pages/one/reload", "", nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad index status = %d", resp.StatusCode)
	}

	id := s.create(t, "private", "owner")
	s.waitSettled(t, id)
	if resp := s.do(t, http.MethodPut, "/comic/"+id+"/extend", "intruder", map[string]any{"pages": 1}); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("intruder extend status = %d", resp.StatusCode)
	}
	if resp := s.do(t, http.MethodPut, "/comic/"+id+"/extend", "owner", map[string]any{"pages": 9}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("oversized extend status = %d", resp.StatusCode)
	}
	if resp := s.do(t, http.MethodPost, "/comic/"+id+"/pages/5/reload", "owner", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("out of range reload status = %d", resp.StatusCode)
	}
}

func TestPrivateComicReadsNeedOwner(t *testing.T) {
	s := newServer(t)
	id := s.create(t, "diary", "u1")
	s.waitSettled(t, id)

	for _, path := range []string{"/comic/" + id, "/comic/" + id + "/archive"} {
		for _, user := range []string{"", "u2"} {
			if resp := s.do(t, http.MethodGet, path, user, nil); resp.StatusCode != http.StatusNotFound {
				t.Fatalf("GET %s as %q status = %d", path, user, resp.StatusCode)
			}
		}
		if resp := s.do(t, http.MethodGet, path, "u1", nil); resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s as owner status = %d", path, resp.StatusCode)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(s.URL, "http")+"/ws?job_id="+id, nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("stranger ws dial err=%v resp=%v", err, resp)
	}
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(s.URL, "http")+"/ws?job_id="+id, &websocket.DialOptions{
		HTTPHeader: http.Header{"X-User-Id": {"u1"}},
	})
	if err != nil {
		t.Fatalf("owner dial: %v", err)
	}
	defer c.CloseNow()
	var job domain.Job
	if err := wsjson.Read(ctx, c, &job); err != nil || job.ID != id {
		t.Fatalf("owner snapshot = %+v, %v", job, err)
	}
}

func TestListingScopes(t *testing.T) {
	s := newServer(t)
	public := s.create(t, "public", "")
	private := s.create(t, "private", "u1")
	s.waitSettled(t, public)
	s.waitSettled(t, private)

	community := decodeBody[[]domain.Job](t, s.do(t, http.MethodGet, "/comics", "", nil))
	if len(community) != 1 || community[0].ID != public {
		t.Fatalf("community = %+v", community)
	}
	mine := decodeBody[[]domain.Job](t, s.do(t, http.MethodGet, "/me/comics", "u1", nil))
	if len(mine) != 1 || mine[0].ID != private {
		t.Fatalf("mine = %+v", mine)
	}
}

func TestChunkedExtendWithoutBodyUsesDefaultPages(t *testing.T) {
	s := newServer(t)
	id := s.create(t, "a cat", "")
	before := s.waitSettled(t, id)

	req, err := http.NewRequest(http.MethodPut, s.URL+"/comic/"+id+"/extend", io.MultiReader())
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.ContentLength = -1
	req.TransferEncoding = []string{"chunked"}
	resp, err := s.Client().Do(req)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("extend status = %d", resp.StatusCode)
	}
	extended := s.waitSettled(t, id)
	if len(extended.Items) != len(before.Items)+1 {
		t.Fatalf("pages = %d, want %d", len(extended.Items), len(before.Items)+1)
	}
}

func TestExtendAndReload(t *testing.T) {
	s := newServer(t)
	id := s.create(t, "a cat", "")
	before := s.waitSettled(t, id)

	resp := s.do(t, http.MethodPut, "/comic/"+id+"/extend", "", map[string]any{"prompt": "the cat flies"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("extend status = %d", resp.StatusCode)
	}
	extended := s.waitSettled(t, id)
	if len(extended.Items) != len(before.Items)+1 {
		t.Fatalf("pages = %d, want %d", len(extended.Items), len(before.Items)+1)
	}

	resp = s.do(t, http.MethodPost, "/comic/"+id+"/pages/0/reload", "", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("reload status = %d", resp.StatusCode)
	}
	reloaded := s.waitSettled(t, id)
	if *reloaded.Items[0].AssetURL == *extended.Items[0].AssetURL {
		t.Fatalf("reload kept the old asset url")
	}
	if *reloaded.Items[1].AssetURL != *extended.Items[1].AssetURL {
		t.Fatalf("reload touched another page")
	}
}

func TestArchive(t *testing.T) {
	s := newServer(t)
	id := s.create(t, "a cat", "")
	s.waitSettled(t, id)

	resp := s.do(t, http.MethodGet, "/comic/"+id+"/archive", "", nil)
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "application/zip" {
		t.Fatalf("archive status=%d type=%q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	data, _ := io.ReadAll(resp.Body)
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	if strings.Join(names, ",") != "comic.json,page-01.png,page-02.png" {
		t.Fatalf("entries = %v", names)
	}
}

func TestQueueSize(t *testing.T) {
	s := newServer(t)
	body := decodeBody[map[string]any](t, s.do(t, http.MethodGet, "/image-queue-size", "", nil))
	if _, ok := body["queue_size"]; !ok {
		t.Fatalf("body = %v", body)
	}
}

func TestWebsocketStreamsJobUntilCompleted(t *testing.T) {
	s := newServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	id := s.create(t, "a cat", "")
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(s.URL, "http")+"/ws?job_id="+id, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.CloseNow()

	for {
		var job domain.Job
		if err := wsjson.Read(ctx, c, &job); err != nil {
			t.Fatalf("read: %v", err)
		}
		if job.ID != id {
			t.Fatalf("got snapshot for %s", job.ID)
		}
		if job.Status == domain.JobStatusCompleted && len(job.Unresolved()) == 0 {
			return
		}
	}
}

func TestWebsocketUnknownJob(t *testing.T) {
	s := newServer(t)
	resp := s.do(t, http.MethodGet, "/ws?job_id=nope", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
