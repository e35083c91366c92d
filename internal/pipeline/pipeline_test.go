package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"comicgen/internal/adapter/repo"
	"comicgen/internal/domain"
	"comicgen/internal/limiter"
	"comicgen/internal/persist"
	"comicgen/internal/registry"
	"comicgen/internal/retry"
)

type fakeText struct {
	mu    sync.Mutex
	pages int
	err   error
	reqs  []TextRequest
}

func (f *fakeText) Name() string { return "text" }

func (f *fakeText) GenerateScript(ctx context.Context, req TextRequest) (domain.Script, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.err != nil {
		return domain.Script{}, f.err
	}
	pages := f.pages
	if pages == 0 {
		pages = req.Pages
	}
	script := domain.Script{Title: "Surf Cat", Summary: "Milo rides a wave"}
	for i := 0; i < pages; i++ {
		script.Items = append(script.Items, domain.Item{
			Content:     fmt.Sprintf("page %d of %d", len(req.Prior)+i+1, len(req.Prior)+pages),
			ImagePrompt: fmt.Sprintf("prompt %d", len(req.Prior)+i),
		})
	}
	return script, nil
}

type fakeImages struct {
	calls    atomic.Int32
	inFlight atomic.Int32
	peak     atomic.Int32
	failFor  map[string]error
}

func (f *fakeImages) Name() string { return "images" }

func (f *fakeImages) GenerateImage(ctx context.Context, req ImageRequest) ([]byte, error) {
	f.calls.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.peak.Load()
		if n <= peak || f.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	time.Sleep(2 * time.Millisecond)
	if err, ok := f.failFor[req.Prompt]; ok {
		return nil, err
	}
	return []byte("png:" + req.Prompt), nil
}

type fakeAssets struct {
	uploads  atomic.Int32
	onUpload func(n int32)
}

func (f *fakeAssets) Upload(ctx context.Context, data []byte, nameHint string) (string, error) {
	n := f.uploads.Add(1)
	if f.onUpload != nil {
		f.onUpload(n)
	}
	return fmt.Sprintf("https://cdn.test/%s_v%d.png", nameHint, n), nil
}

type recorder struct {
	mu        sync.Mutex
	snapshots []*domain.Job
}

func (r *recorder) Broadcast(job *domain.Job) {
	r.mu.Lock()
	r.snapshots = append(r.snapshots, job.Clone())
	r.mu.Unlock()
}

func (r *recorder) statuses() []domain.JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.JobStatus, len(r.snapshots))
	for i, s := range r.snapshots {
		out[i] = s.Status
	}
	return out
}

type countingNotifier struct {
	calls atomic.Int32
}

func (n *countingNotifier) Notify(ctx context.Context, job *domain.Job) error {
	n.calls.Add(1)
	return nil
}

type harness struct {
	store    *repo.MemoryStore
	reg      *registry.Registry
	text     *fakeText
	images   *fakeImages
	assets   *fakeAssets
	pub      *recorder
	notifier *countingNotifier
	pipe     *Pipeline
}

func noSleep(context.Context, time.Duration) error { return nil }

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	logger := zerolog.New(io.Discard)
	store := repo.NewMemoryStore()
	committer := persist.NewCommitter(store, retry.CommitPolicy, logger).WithSleep(noSleep)
	h := &harness{
		store:    store,
		reg:      registry.New(committer, logger),
		text:     &fakeText{},
		images:   &fakeImages{failFor: map[string]error{}},
		assets:   &fakeAssets{},
		pub:      &recorder{},
		notifier: &countingNotifier{},
	}
	h.pipe = New(Deps{
		Registry:  h.reg,
		Text:      h.text,
		Images:    h.images,
		Assets:    h.assets,
		Limits:    limiter.NewSet(map[string]int{"images": 2}, 2),
		Publisher: h.pub,
		Notifier:  h.notifier,
	}, cfg, logger).WithSleep(noSleep)
	return h
}

func (h *harness) create(t *testing.T) *domain.Job {
	t.Helper()
	job, err := h.reg.Create(context.Background(), "a cat learns to surf", "")
	require.NoError(t, err)
	return job
}

func assertMonotonic(t *testing.T, statuses []domain.JobStatus) {
	t.Helper()
	for i := 1; i < len(statuses); i++ {
		prev, next := statuses[i-1], statuses[i]
		if prev == next {
			continue
		}
		assert.Truef(t, prev.CanTransition(next), "status went %s -> %s in %v", prev, next, statuses)
	}
}

func TestGenerateCompletesJob(t *testing.T) {
	h := newHarness(t, Config{PagesPerComic: 5, ImageBatchSize: 2, FlushEvery: 2})
	job := h.create(t)

	require.NoError(t, h.pipe.Generate(context.Background(), job.ID, "en"))

	got, err := h.reg.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, got.Status)
	assert.Equal(t, "Surf Cat", got.Title)
	require.Len(t, got.Items, 5)
	for i, item := range got.Items {
		assert.Equal(t, i, item.Index)
		assert.Equal(t, domain.OutcomeOK, item.Outcome)
		require.NotNil(t, item.AssetURL)
	}
	assert.Empty(t, got.Unresolved())
	assert.Equal(t, int32(5), h.images.calls.Load())
	assert.LessOrEqual(t, h.images.peak.Load(), int32(2))
	assert.Equal(t, int32(1), h.notifier.calls.Load())
	assert.Equal(t, "en", h.text.reqs[0].Locale)

	statuses := h.pub.statuses()
	assertMonotonic(t, statuses)
	assert.Equal(t, domain.JobStatusTextReady, statuses[0])
	assert.Equal(t, domain.JobStatusCompleted, statuses[len(statuses)-1])
	assert.Contains(t, statuses, domain.JobStatusGeneratingImages)
}

func TestFlakyItemBecomesPlaceholderJobStillCompletes(t *testing.T) {
	h := newHarness(t, Config{PagesPerComic: 3})
	h.images.failFor["prompt 1"] = domain.Transient(errors.New("503 from provider"))
	job := h.create(t)

	require.NoError(t, h.pipe.Generate(context.Background(), job.ID, ""))

	got, err := h.reg.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, got.Status)
	assert.Equal(t, domain.OutcomeOK, got.Items[0].Outcome)
	assert.Equal(t, domain.OutcomePlaceholder, got.Items[1].Outcome)
	require.NotNil(t, got.Items[1].AssetURL)
	assert.Equal(t, DefaultPlaceholderURL, *got.Items[1].AssetURL)
	assert.Equal(t, domain.OutcomeOK, got.Items[2].Outcome)
	// two good items plus three attempts for the flaky one
	assert.Equal(t, int32(2+retry.ProviderPolicy.Attempts), h.images.calls.Load())
}

func TestFatalImageErrorIsNotRetried(t *testing.T) {
	h := newHarness(t, Config{PagesPerComic: 1})
	h.images.failFor["prompt 0"] = fmt.Errorf("%w: 400 bad prompt", domain.ErrProviderFailure)
	job := h.create(t)

	require.NoError(t, h.pipe.Generate(context.Background(), job.ID, ""))

	got, err := h.reg.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomePlaceholder, got.Items[0].Outcome)
	assert.Equal(t, int32(1), h.images.calls.Load())
}

func TestTextFailureFailsJob(t *testing.T) {
	h := newHarness(t, Config{})
	h.text.err = errors.New("model overloaded")
	job := h.create(t)

	err := h.pipe.Generate(context.Background(), job.ID, "")
	require.Error(t, err)

	got, gerr := h.reg.Get(context.Background(), job.ID)
	require.NoError(t, gerr)
	assert.Equal(t, domain.JobStatusFailed, got.Status)
	assert.Contains(t, got.Error, "model overloaded")
	assert.Zero(t, h.images.calls.Load())
	assert.Equal(t, []domain.JobStatus{domain.JobStatusFailed}, h.pub.statuses())
	assert.Zero(t, h.notifier.calls.Load())
}

func TestEmptyScriptFailsJob(t *testing.T) {
	h := newHarness(t, Config{})
	h.text.pages = -1
	job := h.create(t)

	err := h.pipe.Generate(context.Background(), job.ID, "")
	assert.ErrorIs(t, err, domain.ErrInvalidScript)
	got, _ := h.reg.Get(context.Background(), job.ID)
	assert.Equal(t, domain.JobStatusFailed, got.Status)
}

func TestCommitExhaustionFailsJob(t *testing.T) {
	h := newHarness(t, Config{PagesPerComic: 2, FlushEvery: 1})
	job := h.create(t)
	h.text.err = nil

	// ApplyScript and the generating_images transition succeed, then every
	// flush fails.
	ctx := context.Background()
	require.NoError(t, h.reg.ApplyScript(ctx, job.ID, domain.Script{Title: "t", Items: []domain.Item{
		{Content: "a", ImagePrompt: "a"}, {Content: "b", ImagePrompt: "b"},
	}}))
	require.NoError(t, h.reg.SetStatus(ctx, job.ID, domain.JobStatusGeneratingImages, ""))
	loaded, err := h.reg.Get(ctx, job.ID)
	require.NoError(t, err)

	h.store.FailNextCommits(1000)
	err = h.pipe.generateImages(ctx, loaded, []int{0, 1})
	require.ErrorIs(t, err, retry.ErrExhausted)
}

func TestExtendAppendsExactlyCount(t *testing.T) {
	h := newHarness(t, Config{PagesPerComic: 2})
	job := h.create(t)
	ctx := context.Background()
	require.NoError(t, h.pipe.Generate(ctx, job.ID, ""))
	before, _ := h.reg.Get(ctx, job.ID)

	require.NoError(t, h.pipe.Extend(ctx, job.ID, 3, "add a shark", "fr"))

	got, err := h.reg.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, got.Status)
	require.Len(t, got.Items, 5)
	for i, item := range got.Items {
		assert.Equal(t, i, item.Index)
		assert.Equal(t, domain.OutcomeOK, item.Outcome)
	}
	assert.Equal(t, *before.Items[0].AssetURL, *got.Items[0].AssetURL, "existing pages must not be regenerated")
	assert.Equal(t, int32(5), h.images.calls.Load())

	req := h.text.reqs[1]
	assert.Equal(t, 3, req.Pages)
	assert.Equal(t, "add a shark", req.Hint)
	assert.Len(t, req.Prior, 2)
	assert.Equal(t, int32(2), h.notifier.calls.Load())
}

func TestExtendTruncatesExtraPagesAndRejectsShortfall(t *testing.T) {
	h := newHarness(t, Config{PagesPerComic: 1})
	job := h.create(t)
	ctx := context.Background()
	require.NoError(t, h.pipe.Generate(ctx, job.ID, ""))

	h.text.pages = 4
	require.NoError(t, h.pipe.Extend(ctx, job.ID, 2, "", ""))
	got, _ := h.reg.Get(ctx, job.ID)
	assert.Len(t, got.Items, 3)

	h.text.pages = 1
	err := h.pipe.Extend(ctx, job.ID, 2, "", "")
	assert.ErrorIs(t, err, domain.ErrInvalidScript)
	got, _ = h.reg.Get(ctx, job.ID)
	assert.Len(t, got.Items, 3)
	assert.Equal(t, domain.JobStatusCompleted, got.Status)
	assert.NotEmpty(t, got.Error)
}

func TestExtendCommitFailurePlaceholdersNewPages(t *testing.T) {
	h := newHarness(t, Config{PagesPerComic: 2, ImageBatchSize: 1, FlushEvery: 1})
	job := h.create(t)
	ctx := context.Background()
	require.NoError(t, h.pipe.Generate(ctx, job.ID, ""))

	// The first extension upload makes every attempt of the following flush
	// fail; later commits succeed.
	h.assets.onUpload = func(n int32) {
		if n == 3 {
			h.store.FailNextCommits(retry.CommitPolicy.Attempts)
		}
	}
	err := h.pipe.Extend(ctx, job.ID, 2, "", "")
	require.ErrorIs(t, err, retry.ErrExhausted)

	got, err := h.reg.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, got.Status)
	require.Len(t, got.Items, 4)
	assert.Empty(t, got.Unresolved())
	assert.Equal(t, domain.OutcomeOK, got.Items[0].Outcome)
	assert.Equal(t, domain.OutcomeOK, got.Items[1].Outcome)
	for _, item := range got.Items[2:] {
		assert.Equal(t, domain.OutcomePlaceholder, item.Outcome, "page %d", item.Index)
		require.NotNil(t, item.AssetURL)
		assert.Equal(t, DefaultPlaceholderURL, *item.AssetURL)
	}
	assert.Contains(t, got.Error, "extend image stage")

	last := h.pub.snapshots[len(h.pub.snapshots)-1]
	assert.Empty(t, last.Unresolved())
}

func TestExtendCancelledPlaceholdersNewPages(t *testing.T) {
	h := newHarness(t, Config{PagesPerComic: 1, ImageBatchSize: 1})
	job := h.create(t)
	require.NoError(t, h.pipe.Generate(context.Background(), job.ID, ""))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.images.failFor["prompt 1"] = domain.Transient(errors.New("503 from provider"))
	h.pipe.WithSleep(func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	})
	err := h.pipe.Extend(ctx, job.ID, 3, "", "")
	require.ErrorIs(t, err, context.Canceled)

	got, err := h.reg.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, got.Status)
	require.Len(t, got.Items, 4)
	assert.Empty(t, got.Unresolved())
	assert.Equal(t, domain.OutcomeOK, got.Items[0].Outcome)
}

func TestExtendRequiresCompletedJob(t *testing.T) {
	h := newHarness(t, Config{})
	job := h.create(t)
	err := h.pipe.Extend(context.Background(), job.ID, 1, "", "")
	assert.ErrorIs(t, err, domain.ErrNotExtendable)
}

func TestReloadChangesOnlyTargetItem(t *testing.T) {
	h := newHarness(t, Config{PagesPerComic: 4})
	job := h.create(t)
	ctx := context.Background()
	require.NoError(t, h.pipe.Generate(ctx, job.ID, ""))
	before, _ := h.reg.Get(ctx, job.ID)

	require.NoError(t, h.pipe.Reload(ctx, job.ID, 2))

	after, err := h.reg.Get(ctx, job.ID)
	require.NoError(t, err)
	for i := range after.Items {
		if i == 2 {
			assert.NotEqual(t, *before.Items[i].AssetURL, *after.Items[i].AssetURL)
			continue
		}
		assert.Equal(t, *before.Items[i].AssetURL, *after.Items[i].AssetURL)
		assert.Equal(t, before.Items[i].Content, after.Items[i].Content)
	}
	assert.Equal(t, domain.JobStatusCompleted, after.Status)

	assert.ErrorIs(t, h.pipe.Reload(ctx, job.ID, 9), domain.ErrNotFound)
}

func TestLimiterBoundsConcurrentJobs(t *testing.T) {
	h := newHarness(t, Config{PagesPerComic: 4, ImageBatchSize: 4})
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		job := h.create(t)
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.pipe.Generate(ctx, job.ID, ""))
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, h.images.peak.Load(), int32(2))
	assert.Equal(t, int32(12), h.images.calls.Load())
}

func TestNormalizeScript(t *testing.T) {
	base := domain.Script{Items: []domain.Item{
		{Content: " one ", ImagePrompt: "p1"},
		{Content: "two", ImagePrompt: "p2"},
	}}

	got, err := normalizeScript(base, 1, false, "a very long prompt")
	require.NoError(t, err)
	require.Len(t, got.Items, 1)
	assert.Equal(t, "one", got.Items[0].Content)
	assert.Equal(t, "a very long prompt", got.Title)
	assert.Equal(t, domain.OutcomePending, got.Items[0].Outcome)

	_, err = normalizeScript(base, 3, true, "")
	assert.ErrorIs(t, err, domain.ErrInvalidScript)

	_, err = normalizeScript(base, 3, false, "")
	assert.NoError(t, err)

	missing := domain.Script{Items: []domain.Item{{Content: "x"}}}
	_, err = normalizeScript(missing, 1, false, "")
	assert.ErrorIs(t, err, domain.ErrInvalidScript)
}
