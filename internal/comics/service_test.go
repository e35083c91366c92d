package comics

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"comicgen/internal/adapter/repo"
	"comicgen/internal/broadcast"
	"comicgen/internal/domain"
	"comicgen/internal/limiter"
	"comicgen/internal/persist"
	"comicgen/internal/pipeline"
	"comicgen/internal/registry"
	"comicgen/internal/retry"
	"comicgen/internal/supervisor"
)

type scriptedText struct{}

func (scriptedText) Name() string { return "text" }

func (scriptedText) GenerateScript(ctx context.Context, req pipeline.TextRequest) (domain.Script, error) {
	script := domain.Script{Title: "T", Summary: "S"}
	for i := 0; i < req.Pages; i++ {
		script.Items = append(script.Items, domain.Item{Content: fmt.Sprintf("c%d", i), ImagePrompt: fmt.Sprintf("p%d", i)})
	}
	return script, nil
}

// gatedImages blocks every call until the current gate is opened.
type gatedImages struct {
	mu   sync.Mutex
	gate chan struct{}
}

func newGatedImages() *gatedImages {
	return &gatedImages{gate: make(chan struct{})}
}

func (g *gatedImages) Name() string { return "images" }

func (g *gatedImages) open() {
	g.mu.Lock()
	close(g.gate)
	g.mu.Unlock()
}

func (g *gatedImages) hold() {
	g.mu.Lock()
	g.gate = make(chan struct{})
	g.mu.Unlock()
}

func (g *gatedImages) GenerateImage(ctx context.Context, req pipeline.ImageRequest) ([]byte, error) {
	g.mu.Lock()
	gate := g.gate
	g.mu.Unlock()
	select {
	case <-gate:
		return []byte("png"), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type memAssets struct {
	mu sync.Mutex
	n  int
}

func (m *memAssets) Upload(ctx context.Context, data []byte, nameHint string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.n++
	return fmt.Sprintf("https://cdn.test/%s/%d.png", nameHint, m.n), nil
}

type chanConn struct {
	jobs chan *domain.Job
}

func (c *chanConn) Send(ctx context.Context, job *domain.Job) error {
	select {
	case c.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *chanConn) Close() error { return nil }

type fixture struct {
	svc    *Service
	images *gatedImages
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zerolog.New(io.Discard)
	store := repo.NewMemoryStore()
	committer := persist.NewCommitter(store, retry.CommitPolicy, logger).
		WithSleep(func(context.Context, time.Duration) error { return nil })
	reg := registry.New(committer, logger)
	images := newGatedImages()
	hub := broadcast.New(logger, time.Second)
	pipe := pipeline.New(pipeline.Deps{
		Registry:  reg,
		Text:      scriptedText{},
		Images:    images,
		Assets:    &memAssets{},
		Limits:    limiter.NewSet(nil, 2),
		Publisher: hub,
	}, pipeline.Config{PagesPerComic: 2}, logger)
	svc := NewService(reg, pipe, supervisor.New(logger), hub, Config{MaxExtendPages: 5}, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return &fixture{svc: svc, images: images}
}

func (f *fixture) waitStatus(t *testing.T, id string, want domain.JobStatus) *domain.Job {
	t.Helper()
	var job *domain.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = f.svc.GetJob(context.Background(), id)
		return err == nil && job.Status == want && !f.svc.sup.InFlight(id)
	}, 2*time.Second, 5*time.Millisecond)
	return job
}

func TestCreateJobReturnsImmediately(t *testing.T) {
	f := newFixture(t)
	job, err := f.svc.CreateJob(context.Background(), "a cat", "", "en")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, job.Status)
	assert.Equal(t, registry.PendingTitle, job.Title)

	f.images.open()
	done := f.waitStatus(t, job.ID, domain.JobStatusCompleted)
	assert.Len(t, done.Items, 2)
}

func TestCreateJobValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateJob(context.Background(), "", "", "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestListJobsScopesAndLimits(t *testing.T) {
	f := newFixture(t)
	f.images.open()
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		_, err := f.svc.CreateJob(ctx, fmt.Sprintf("public %d", i), "", "")
		require.NoError(t, err)
	}
	_, err := f.svc.CreateJob(ctx, "private", "u1", "")
	require.NoError(t, err)

	public, err := f.svc.ListJobs(ctx, ListQuery{})
	require.NoError(t, err)
	assert.Len(t, public, 5)
	for _, j := range public {
		assert.Equal(t, domain.VisibilityCommunity, j.Visibility)
	}

	big, err := f.svc.ListJobs(ctx, ListQuery{Limit: 500})
	require.NoError(t, err)
	assert.Len(t, big, 7)

	mine, err := f.svc.ListJobs(ctx, ListQuery{Mine: true, OwnerID: "u1"})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "private", mine[0].Prompt)

	_, err = f.svc.ListJobs(ctx, ListQuery{Mine: true})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestExtendJobRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job, err := f.svc.CreateJob(ctx, "a cat", "", "")
	require.NoError(t, err)

	_, err = f.svc.ExtendJob(ctx, job.ID, "", 2, "", "")
	assert.ErrorIs(t, err, domain.ErrRunInFlight)

	_, err = f.svc.ExtendJob(ctx, job.ID, "", 0, "", "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = f.svc.ExtendJob(ctx, job.ID, "", 6, "", "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = f.svc.ExtendJob(ctx, "missing", "", 1, "", "")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	f.images.open()
	f.waitStatus(t, job.ID, domain.JobStatusCompleted)

	_, err = f.svc.ExtendJob(ctx, job.ID, "", 3, "more", "")
	require.NoError(t, err)
	_, err = f.svc.ExtendJob(ctx, job.ID, "", 1, "", "")
	if err != nil {
		assert.ErrorIs(t, err, domain.ErrRunInFlight)
	}
	require.Eventually(t, func() bool {
		got, err := f.svc.GetJob(ctx, job.ID)
		return err == nil && !f.svc.sup.InFlight(job.ID) && len(got.Unresolved()) == 0 && len(got.Items) >= 5
	}, 2*time.Second, 5*time.Millisecond)
}

func TestConcurrentExtendsOnlyOneStarts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job, err := f.svc.CreateJob(ctx, "a cat", "", "")
	require.NoError(t, err)
	f.images.open()
	f.waitStatus(t, job.ID, domain.JobStatusCompleted)

	// Hold the extension run open with a fresh gate.
	f.images.hold()
	var wg sync.WaitGroup
	results := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.ExtendJob(ctx, job.ID, "", 1, "", "")
			results <- err
		}()
	}
	wg.Wait()
	close(results)
	ok := 0
	for err := range results {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrRunInFlight)
	}
	assert.Equal(t, 1, ok)
	f.images.open()
	require.Eventually(t, func() bool { return !f.svc.sup.InFlight(job.ID) }, 2*time.Second, 5*time.Millisecond)
	got, err := f.svc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, got.Items, 3)
}

func TestPrivateJobFollowUpsNeedOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.images.open()
	job, err := f.svc.CreateJob(ctx, "secret", "owner", "")
	require.NoError(t, err)
	f.waitStatus(t, job.ID, domain.JobStatusCompleted)

	_, err = f.svc.ReloadItem(ctx, job.ID, "intruder", 0)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = f.svc.ReloadItem(ctx, job.ID, "owner", 7)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	before, _ := f.svc.GetJob(ctx, job.ID)
	_, err = f.svc.ReloadItem(ctx, job.ID, "owner", 1)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !f.svc.sup.InFlight(job.ID) }, 2*time.Second, 5*time.Millisecond)
	after, _ := f.svc.GetJob(ctx, job.ID)
	assert.Equal(t, *before.Items[0].AssetURL, *after.Items[0].AssetURL)
	assert.NotEqual(t, *before.Items[1].AssetURL, *after.Items[1].AssetURL)
}

func TestSubscribeReceivesCurrentStateAndProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job, err := f.svc.CreateJob(ctx, "a cat", "", "")
	require.NoError(t, err)

	conn := &chanConn{jobs: make(chan *domain.Job, 32)}
	sub, err := f.svc.Subscribe(ctx, conn, broadcast.Filter{JobID: job.ID})
	require.NoError(t, err)
	defer f.svc.Unsubscribe(sub.ID())

	select {
	case first := <-conn.jobs:
		assert.Equal(t, job.ID, first.ID)
	case <-time.After(time.Second):
		t.Fatal("no initial snapshot")
	}

	f.images.open()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap := <-conn.jobs:
			if snap.Status == domain.JobStatusCompleted {
				stats := f.svc.Stats()
				assert.Equal(t, 1, stats.Subscribers)
				return
			}
		case <-deadline:
			t.Fatal("never saw completed snapshot")
		}
	}
}

func TestSubscribeUnknownJob(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Subscribe(context.Background(), &chanConn{jobs: make(chan *domain.Job, 1)}, broadcast.Filter{JobID: "nope"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSubscribeSnapshotGoesOnlyToNewSubscriber(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job, err := f.svc.CreateJob(ctx, "a cat", "", "")
	require.NoError(t, err)
	defer f.images.open()
	require.Eventually(t, func() bool {
		got, err := f.svc.GetJob(ctx, job.ID)
		return err == nil && got.Status == domain.JobStatusGeneratingImages
	}, 2*time.Second, 5*time.Millisecond)

	existing := &chanConn{jobs: make(chan *domain.Job, 32)}
	sub, err := f.svc.Subscribe(ctx, existing, broadcast.Filter{JobID: job.ID})
	require.NoError(t, err)
	defer f.svc.Unsubscribe(sub.ID())
	// drain the initial snapshot and any transition published meanwhile
	drain := time.After(50 * time.Millisecond)
	for draining := true; draining; {
		select {
		case <-existing.jobs:
		case <-drain:
			draining = false
		}
	}

	joining := &chanConn{jobs: make(chan *domain.Job, 32)}
	sub2, err := f.svc.Subscribe(ctx, joining, broadcast.Filter{JobID: job.ID})
	require.NoError(t, err)
	defer f.svc.Unsubscribe(sub2.ID())

	select {
	case snap := <-joining.jobs:
		assert.Equal(t, domain.JobStatusGeneratingImages, snap.Status)
	case <-time.After(time.Second):
		t.Fatal("no initial snapshot for the new subscriber")
	}
	select {
	case snap := <-existing.jobs:
		t.Fatalf("existing subscriber got a replayed snapshot: %s", snap.Status)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPrivateJobReadsNeedOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.images.open()
	job, err := f.svc.CreateJob(ctx, "secret", "owner", "")
	require.NoError(t, err)

	_, err = f.svc.ViewJob(ctx, job.ID, "")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.svc.ViewJob(ctx, job.ID, "intruder")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	got, err := f.svc.ViewJob(ctx, job.ID, "owner")
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)

	_, err = f.svc.Subscribe(ctx, &chanConn{jobs: make(chan *domain.Job, 1)}, broadcast.Filter{JobID: job.ID, OwnerID: "intruder"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Zero(t, f.svc.Stats().Subscribers)
}
