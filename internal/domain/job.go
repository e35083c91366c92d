package domain

import (
	"strings"
	"time"
)

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusPending          JobStatus = "pending"
	JobStatusTextReady        JobStatus = "text_ready"
	JobStatusGeneratingImages JobStatus = "generating_images"
	JobStatusCompleted        JobStatus = "completed"
	JobStatusFailed           JobStatus = "failed"
)

// statusRank orders the non-failed states along the lifecycle chain.
var statusRank = map[JobStatus]int{
	JobStatusPending:          0,
	JobStatusTextReady:        1,
	JobStatusGeneratingImages: 2,
	JobStatusCompleted:        3,
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	if s == JobStatusFailed {
		return true
	}
	_, ok := statusRank[s]
	return ok
}

// Terminal reports whether no further transitions are allowed from s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// CanTransition reports whether moving from s to next keeps the lifecycle
// monotonic. Any non-terminal state may fail.
func (s JobStatus) CanTransition(next JobStatus) bool {
	if s.Terminal() || !next.Valid() {
		return false
	}
	if next == JobStatusFailed {
		return true
	}
	return statusRank[next] > statusRank[s]
}

// Predecessors lists the states from which s is reachable.
func (s JobStatus) Predecessors() []JobStatus {
	var out []JobStatus
	for _, prev := range []JobStatus{JobStatusPending, JobStatusTextReady, JobStatusGeneratingImages} {
		if prev.CanTransition(s) {
			out = append(out, prev)
		}
	}
	return out
}

// Visibility controls who may list a job.
type Visibility string

const (
	VisibilityCommunity Visibility = "community"
	VisibilityPrivate   Visibility = "private"
)

// VisibilityFor derives the visibility of a job from its owner.
func VisibilityFor(ownerID string) Visibility {
	if strings.TrimSpace(ownerID) == "" {
		return VisibilityCommunity
	}
	return VisibilityPrivate
}

// ItemOutcome records how an item's asset was resolved.
type ItemOutcome string

const (
	OutcomePending     ItemOutcome = "pending"
	OutcomeOK          ItemOutcome = "ok"
	OutcomePlaceholder ItemOutcome = "placeholder"
)

// Resolved reports whether the item no longer waits on its asset.
func (o ItemOutcome) Resolved() bool {
	return o == OutcomeOK || o == OutcomePlaceholder
}

// DialogueLine is one spoken line within a page.
type DialogueLine struct {
	Character string `json:"character"`
	Text      string `json:"text"`
}

// Character describes a recurring cast member produced by the text stage.
type Character struct {
	Description string `json:"description"`
	Personality string `json:"personality"`
}

// Item is one page of a comic. Index is stable for the lifetime of the job.
type Item struct {
	Index       int            `json:"index"`
	Scene       string         `json:"scene"`
	Content     string         `json:"text_full"`
	Dialogue    []DialogueLine `json:"dialogue"`
	ArtStyle    string         `json:"art_style"`
	Transition  string         `json:"final_transition"`
	ImagePrompt string         `json:"image_prompt"`
	AssetURL    *string        `json:"image_url"`
	Outcome     ItemOutcome    `json:"outcome"`
}

// Job is a single comic generation request and everything produced for it.
type Job struct {
	ID         string               `json:"id"`
	Prompt     string               `json:"prompt"`
	OwnerID    string               `json:"user_id,omitempty"`
	Visibility Visibility           `json:"visibility"`
	Status     JobStatus            `json:"status"`
	Title      string               `json:"title"`
	Summary    string               `json:"summary"`
	Characters map[string]Character `json:"characters"`
	Items      []Item               `json:"pages"`
	Error      string               `json:"error,omitempty"`
	CreatedAt  time.Time            `json:"created_at"`
	UpdatedAt  time.Time            `json:"updated_at"`
}

// Clone returns a deep copy safe to hand to other goroutines.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	if j.Characters != nil {
		out.Characters = make(map[string]Character, len(j.Characters))
		for k, v := range j.Characters {
			out.Characters[k] = v
		}
	}
	out.Items = make([]Item, len(j.Items))
	for i, item := range j.Items {
		out.Items[i] = item.clone()
	}
	return &out
}

func (it Item) clone() Item {
	out := it
	if it.AssetURL != nil {
		url := *it.AssetURL
		out.AssetURL = &url
	}
	if it.Dialogue != nil {
		out.Dialogue = append([]DialogueLine(nil), it.Dialogue...)
	}
	return out
}

// VisibleTo reports whether ownerID may see the job in listings.
func (j *Job) VisibleTo(ownerID string) bool {
	if j.Visibility == VisibilityCommunity {
		return true
	}
	return ownerID != "" && j.OwnerID == ownerID
}

// Unresolved returns the indices of items still waiting on an asset.
func (j *Job) Unresolved() []int {
	var out []int
	for _, item := range j.Items {
		if !item.Outcome.Resolved() {
			out = append(out, item.Index)
		}
	}
	return out
}

// Script is the validated output of the text stage.
type Script struct {
	Title      string
	Summary    string
	Characters map[string]Character
	Items      []Item
}

// ListFilter narrows job listings.
type ListFilter struct {
	OwnerID    string
	PublicOnly bool
	Limit      int
}
