// Package pipeline drives a job through the text stage and the per-item image
// stage, persisting partial results and publishing progress as it goes.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"comicgen/internal/domain"
	"comicgen/internal/infra"
	"comicgen/internal/limiter"
	"comicgen/internal/persist"
	"comicgen/internal/registry"
	"comicgen/internal/retry"
)

// DefaultPlaceholderURL is stored for items whose image could not be made.
const DefaultPlaceholderURL = "placeholder_image_url.jpg"

// TextRequest asks the text stage for pages. Prior carries the existing
// pages when extending a job.
type TextRequest struct {
	JobID      string
	Prompt     string
	Pages      int
	Locale     string
	Hint       string
	Title      string
	Summary    string
	Characters map[string]domain.Character
	Prior      []domain.Item
}

// TextGenerator produces a script. Name selects the limiter gate.
type TextGenerator interface {
	Name() string
	GenerateScript(ctx context.Context, req TextRequest) (domain.Script, error)
}

// ImageRequest asks for the image of one page.
type ImageRequest struct {
	JobID    string
	Index    int
	Prompt   string
	ArtStyle string
}

// ImageGenerator renders one page image. Errors marked with
// domain.Transient are retried.
type ImageGenerator interface {
	Name() string
	GenerateImage(ctx context.Context, req ImageRequest) ([]byte, error)
}

// AssetStore stores rendered bytes and returns their public URL.
type AssetStore interface {
	Upload(ctx context.Context, data []byte, nameHint string) (string, error)
}

// Publisher receives job snapshots after every meaningful transition.
type Publisher interface {
	Broadcast(job *domain.Job)
}

// Notifier is told when a job finishes successfully.
type Notifier interface {
	Notify(ctx context.Context, job *domain.Job) error
}

// Config tunes a pipeline.
type Config struct {
	PagesPerComic    int
	ImageBatchSize   int
	ImageBatchDelay  time.Duration
	FlushEvery       int
	ProviderRetry    retry.Policy
	TextTimeout      time.Duration
	ImageCallTimeout time.Duration
	NotifyTimeout    time.Duration
	PlaceholderURL   string
}

func (c Config) withDefaults() Config {
	if c.PagesPerComic <= 0 {
		c.PagesPerComic = 4
	}
	if c.ImageBatchSize <= 0 {
		c.ImageBatchSize = 4
	}
	if c.FlushEvery <= 0 {
		c.FlushEvery = persist.DefaultFlushEvery
	}
	if c.ProviderRetry.Attempts <= 0 {
		c.ProviderRetry = retry.ProviderPolicy
	}
	if c.TextTimeout <= 0 {
		c.TextTimeout = 90 * time.Second
	}
	if c.ImageCallTimeout <= 0 {
		c.ImageCallTimeout = 60 * time.Second
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = 10 * time.Second
	}
	if c.PlaceholderURL == "" {
		c.PlaceholderURL = DefaultPlaceholderURL
	}
	return c
}

// Deps are the collaborators of a pipeline. Publisher and Notifier are
// optional.
type Deps struct {
	Registry  *registry.Registry
	Text      TextGenerator
	Images    ImageGenerator
	Assets    AssetStore
	Limits    *limiter.Set
	Publisher Publisher
	Notifier  Notifier
}

// Pipeline runs the stages for one job at a time per call; it is safe for
// concurrent use across jobs.
type Pipeline struct {
	reg      *registry.Registry
	text     TextGenerator
	images   ImageGenerator
	assets   AssetStore
	limits   *limiter.Set
	pub      Publisher
	notifier Notifier
	cfg      Config
	logger   infra.Logger
	sleep    retry.SleepFunc
}

// New wires a pipeline.
func New(deps Deps, cfg Config, logger infra.Logger) *Pipeline {
	limits := deps.Limits
	if limits == nil {
		limits = limiter.NewSet(nil, limiter.DefaultCapacity)
	}
	return &Pipeline{
		reg:      deps.Registry,
		text:     deps.Text,
		images:   deps.Images,
		assets:   deps.Assets,
		limits:   limits,
		pub:      deps.Publisher,
		notifier: deps.Notifier,
		cfg:      cfg.withDefaults(),
		logger:   infra.Component(logger, "pipeline"),
		sleep:    retry.Sleep,
	}
}

// WithSleep swaps the sleeper used for provider backoff and batch pacing.
func (p *Pipeline) WithSleep(fn retry.SleepFunc) *Pipeline {
	if fn != nil {
		p.sleep = fn
	}
	return p
}

// Limits exposes the provider gates for stats.
func (p *Pipeline) Limits() *limiter.Set {
	return p.limits
}

// MaxPages is the page count requested from the text stage for new jobs.
func (p *Pipeline) MaxPages() int {
	return p.cfg.PagesPerComic
}

// Generate runs a freshly created job to completion or failure.
func (p *Pipeline) Generate(ctx context.Context, jobID, locale string) error {
	log := p.logger.With().Str("job_id", jobID).Logger()
	job, err := p.reg.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}

	script, err := p.generateText(ctx, TextRequest{
		JobID:  jobID,
		Prompt: job.Prompt,
		Pages:  p.cfg.PagesPerComic,
		Locale: locale,
	})
	if err == nil {
		script, err = normalizeScript(script, p.cfg.PagesPerComic, false, job.Prompt)
	}
	if err != nil {
		return p.fail(ctx, jobID, fmt.Errorf("text stage: %w", err))
	}
	if err := p.reg.ApplyScript(ctx, jobID, script); err != nil {
		return p.fail(ctx, jobID, fmt.Errorf("store script: %w", err))
	}
	log.Info().Int("pages", len(script.Items)).Msg("text stage done")
	p.publish(ctx, jobID)

	if err := p.reg.SetStatus(ctx, jobID, domain.JobStatusGeneratingImages, ""); err != nil {
		return p.fail(ctx, jobID, err)
	}
	job = p.publish(ctx, jobID)
	if job == nil {
		if job, err = p.reg.Get(ctx, jobID); err != nil {
			return p.fail(ctx, jobID, fmt.Errorf("reload job: %w", err))
		}
	}

	indices := make([]int, len(job.Items))
	for i := range job.Items {
		indices[i] = i
	}
	if err := p.generateImages(ctx, job, indices); err != nil {
		return p.fail(ctx, jobID, fmt.Errorf("image stage: %w", err))
	}

	if err := p.reg.SetStatus(ctx, jobID, domain.JobStatusCompleted, ""); err != nil {
		return p.fail(ctx, jobID, err)
	}
	final := p.publish(ctx, jobID)
	p.warnIfAllPlaceholders(final)
	log.Info().Msg("job completed")
	p.notify(ctx, final)
	return nil
}

// Extend appends count pages to a completed job and renders their images.
// The job stays completed; failures are recorded in its error field.
func (p *Pipeline) Extend(ctx context.Context, jobID string, count int, hint, locale string) error {
	job, err := p.reg.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job.Status != domain.JobStatusCompleted {
		return fmt.Errorf("%w: job is %s", domain.ErrNotExtendable, job.Status)
	}
	if count <= 0 {
		return fmt.Errorf("%w: page count must be positive", domain.ErrInvalidInput)
	}

	script, err := p.generateText(ctx, TextRequest{
		JobID:      jobID,
		Prompt:     job.Prompt,
		Pages:      count,
		Locale:     locale,
		Hint:       hint,
		Title:      job.Title,
		Summary:    job.Summary,
		Characters: job.Characters,
		Prior:      job.Items,
	})
	if err == nil {
		script, err = normalizeScript(script, count, true, job.Prompt)
	}
	if err != nil {
		return p.recordFailure(ctx, jobID, fmt.Errorf("extend text stage: %w", err))
	}

	base := len(job.Items)
	if err := p.reg.AppendItems(ctx, jobID, script.Items); err != nil {
		return p.recordFailure(ctx, jobID, fmt.Errorf("store extension: %w", err))
	}
	indices := make([]int, 0, len(script.Items))
	for i := range script.Items {
		indices = append(indices, base+i)
	}
	job = p.publish(ctx, jobID)
	if job == nil {
		if job, err = p.reg.Get(ctx, jobID); err != nil {
			return p.abandon(ctx, jobID, indices, fmt.Errorf("reload job: %w", err))
		}
	}

	if err := p.generateImages(ctx, job, indices); err != nil {
		return p.abandon(ctx, jobID, indices, fmt.Errorf("extend image stage: %w", err))
	}
	final := p.publish(ctx, jobID)
	p.logger.Info().Str("job_id", jobID).Int("added", len(indices)).Msg("job extended")
	p.notify(ctx, final)
	return nil
}

// Reload regenerates the image of one page and replaces its asset.
func (p *Pipeline) Reload(ctx context.Context, jobID string, index int) error {
	job, err := p.reg.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if index < 0 || index >= len(job.Items) {
		return fmt.Errorf("page %d: %w", index, domain.ErrNotFound)
	}
	patches, err := p.resolveItem(ctx, p.limits.Gate(p.images.Name()), jobID, job.Items[index])
	if err != nil {
		return fmt.Errorf("reload page %d: %w", index, err)
	}
	if err := p.reg.PatchItem(ctx, jobID, patches...); err != nil {
		return fmt.Errorf("store page %d: %w", index, err)
	}
	p.publish(ctx, jobID)
	return nil
}

func (p *Pipeline) generateText(ctx context.Context, req TextRequest) (domain.Script, error) {
	var script domain.Script
	err := p.limits.Gate(p.text.Name()).Do(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, p.cfg.TextTimeout)
		defer cancel()
		var err error
		script, err = p.text.GenerateScript(callCtx, req)
		return err
	})
	return script, err
}

// generateImages resolves the given items in batches. Every resolution goes
// through a Writer and every flush is published. Only persistence failures
// and cancellation are returned.
func (p *Pipeline) generateImages(ctx context.Context, job *domain.Job, indices []int) error {
	writer := persist.NewWriter(p.reg.Committer(), job.ID, p.cfg.FlushEvery)
	gate := p.limits.Gate(p.images.Name())
	size := p.cfg.ImageBatchSize

	for start := 0; start < len(indices); start += size {
		if start > 0 && p.cfg.ImageBatchDelay > 0 {
			if err := p.sleep(ctx, p.cfg.ImageBatchDelay); err != nil {
				return err
			}
		}
		end := min(start+size, len(indices))
		g, gctx := errgroup.WithContext(ctx)
		for _, idx := range indices[start:end] {
			item := job.Items[idx]
			g.Go(func() error {
				patches, err := p.resolveItem(gctx, gate, job.ID, item)
				if err != nil {
					return err
				}
				flushed, err := writer.Apply(gctx, patches...)
				if err != nil {
					return err
				}
				if flushed {
					p.publish(gctx, job.ID)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}

	if writer.Pending() > 0 {
		if err := writer.Flush(ctx); err != nil {
			return err
		}
		p.publish(ctx, job.ID)
	}
	return nil
}

// resolveItem renders and uploads one image under the provider retry policy.
// Provider failures resolve to the placeholder; only cancellation of ctx is
// returned as an error.
func (p *Pipeline) resolveItem(ctx context.Context, gate *limiter.Gate, jobID string, item domain.Item) ([]domain.ItemPatch, error) {
	log := p.logger.With().Str("job_id", jobID).Int("page", item.Index).Logger()
	req := ImageRequest{JobID: jobID, Index: item.Index, Prompt: item.ImagePrompt, ArtStyle: item.ArtStyle}

	var url string
	err := retry.Do(ctx, p.cfg.ProviderRetry, func(ctx context.Context) error {
		var data []byte
		err := gate.Do(ctx, func(ctx context.Context) error {
			callCtx, cancel := context.WithTimeout(ctx, p.cfg.ImageCallTimeout)
			defer cancel()
			var err error
			data, err = p.images.GenerateImage(callCtx, req)
			if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				return domain.Transient(err)
			}
			return err
		})
		if err != nil {
			return err
		}
		uploaded, err := p.assets.Upload(ctx, data, fmt.Sprintf("%s_%d", jobID, item.Index))
		if err != nil {
			return fmt.Errorf("upload image: %w", err)
		}
		url = uploaded
		return nil
	}, retry.WithSleep(p.sleep), retry.OnRetry(func(attempt int, err error, delay time.Duration) {
		log.Warn().Err(err).Int("attempt", attempt+1).Dur("backoff", delay).Msg("image generation failed, retrying")
	}))

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		log.Warn().Err(err).Msg("image generation gave up, using placeholder")
		return itemPatches(item.Index, p.cfg.PlaceholderURL, domain.OutcomePlaceholder), nil
	}
	return itemPatches(item.Index, url, domain.OutcomeOK), nil
}

func itemPatches(index int, url string, outcome domain.ItemOutcome) []domain.ItemPatch {
	return []domain.ItemPatch{
		{Index: index, Field: domain.ItemFieldAssetURL, Value: url},
		{Index: index, Field: domain.ItemFieldOutcome, Value: string(outcome)},
	}
}

// fail marks the job failed and publishes it. It returns cause.
func (p *Pipeline) fail(ctx context.Context, jobID string, cause error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	p.logger.Error().Err(cause).Str("job_id", jobID).Msg("job failed")
	if err := p.reg.SetStatus(ctx, jobID, domain.JobStatusFailed, cause.Error()); err != nil {
		p.logger.Error().Err(err).Str("job_id", jobID).Msg("could not mark job failed")
	}
	p.publish(ctx, jobID)
	return cause
}

// recordFailure keeps the status and stores cause as the job's last error.
func (p *Pipeline) recordFailure(ctx context.Context, jobID string, cause error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	p.logger.Error().Err(cause).Str("job_id", jobID).Msg("run failed")
	if err := p.reg.RecordError(ctx, jobID, cause.Error()); err != nil {
		p.logger.Error().Err(err).Str("job_id", jobID).Msg("could not record run error")
	}
	p.publish(ctx, jobID)
	return cause
}

// abandon resolves the still-unresolved items among indices to the
// placeholder, records cause on the job and publishes it. A completed job
// never keeps pending items. It returns cause.
func (p *Pipeline) abandon(ctx context.Context, jobID string, indices []int, cause error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	log := p.logger.With().Str("job_id", jobID).Logger()
	log.Error().Err(cause).Msg("run failed")
	n, err := p.reg.AbandonItems(ctx, jobID, indices, p.cfg.PlaceholderURL, cause.Error())
	if err != nil {
		log.Error().Err(err).Ints("pages", indices).Msg("could not resolve abandoned pages")
	} else if n > 0 {
		log.Warn().Int("pages", n).Msg("abandoned pages set to placeholder")
	}
	p.publish(ctx, jobID)
	return cause
}

// publish broadcasts the stored state of the job and returns it. It returns
// nil when the job cannot be read.
func (p *Pipeline) publish(ctx context.Context, jobID string) *domain.Job {
	job, err := p.reg.Get(context.WithoutCancel(ctx), jobID)
	if err != nil {
		p.logger.Warn().Err(err).Str("job_id", jobID).Msg("could not load job for broadcast")
		return nil
	}
	if p.pub != nil {
		p.pub.Broadcast(job)
	}
	return job
}

func (p *Pipeline) notify(ctx context.Context, job *domain.Job) {
	if p.notifier == nil || job == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.NotifyTimeout)
	defer cancel()
	if err := p.notifier.Notify(ctx, job); err != nil {
		p.logger.Warn().Err(err).Str("job_id", job.ID).Msg("completion notification failed")
	}
}

func (p *Pipeline) warnIfAllPlaceholders(job *domain.Job) {
	if job == nil || len(job.Items) == 0 {
		return
	}
	for _, item := range job.Items {
		if item.Outcome != domain.OutcomePlaceholder {
			return
		}
	}
	p.logger.Warn().Str("job_id", job.ID).Int("pages", len(job.Items)).Msg("job completed with placeholders only")
}
