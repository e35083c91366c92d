package persist

import (
	"context"
	"sync"

	"comicgen/internal/domain"
)

// DefaultFlushEvery is the number of resolved items between commits.
const DefaultFlushEvery = 2

// Writer accumulates item patches for one job and commits them in batches.
// Pending patches survive a failed flush and are replayed on the next one.
type Writer struct {
	committer  *Committer
	jobID      string
	flushEvery int

	mu      sync.Mutex
	pending []domain.ItemPatch
	applied int
}

// NewWriter returns a writer for jobID flushing every flushEvery resolutions.
func NewWriter(committer *Committer, jobID string, flushEvery int) *Writer {
	if flushEvery <= 0 {
		flushEvery = DefaultFlushEvery
	}
	return &Writer{committer: committer, jobID: jobID, flushEvery: flushEvery}
}

// Apply queues the patches that resolve one item. It reports whether the
// call triggered a flush. Flush errors are job-fatal.
func (w *Writer) Apply(ctx context.Context, patches ...domain.ItemPatch) (bool, error) {
	w.mu.Lock()
	w.pending = append(w.pending, patches...)
	w.applied++
	due := w.applied%w.flushEvery == 0
	w.mu.Unlock()
	if !due {
		return false, nil
	}
	return true, w.Flush(ctx)
}

// Flush commits every pending patch.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) == 0 {
		return nil
	}
	batch := w.pending
	err := w.committer.Commit(ctx, func(ctx context.Context, s domain.Session) error {
		for _, p := range batch {
			if err := s.PatchItem(ctx, w.jobID, p); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	w.pending = nil
	return nil
}

// Pending returns the number of patches not yet committed.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}
