package domain

import "context"

// ItemField names a single patchable field of an Item.
type ItemField string

const (
	ItemFieldAssetURL ItemField = "image_url"
	ItemFieldOutcome  ItemField = "outcome"
)

// Valid reports whether f is a patchable field.
func (f ItemField) Valid() bool {
	return f == ItemFieldAssetURL || f == ItemFieldOutcome
}

// ItemPatch sets one field of one item.
type ItemPatch struct {
	Index int
	Field ItemField
	Value string
}

// JobStore persists jobs. Reads are immediate; writes are staged on a Session
// and become visible together on Commit.
type JobStore interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, filter ListFilter) ([]Job, error)
	// ListByStatus returns jobs currently in any of the given states.
	ListByStatus(ctx context.Context, statuses ...JobStatus) ([]Job, error)
	Begin(ctx context.Context) (Session, error)
}

// Session is one unit of work against a JobStore. Every staged operation is a
// single atomic statement; nothing is read back and rewritten.
type Session interface {
	PatchItem(ctx context.Context, jobID string, patch ItemPatch) error
	SetStatus(ctx context.Context, jobID string, status JobStatus, errMsg string) error
	SetScript(ctx context.Context, jobID, title, summary string, characters map[string]Character) error
	AppendItems(ctx context.Context, jobID string, items []Item) error
	SetError(ctx context.Context, jobID, errMsg string) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
