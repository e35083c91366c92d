package repo

import (
	"encoding/json"
	"fmt"

	"comicgen/internal/domain"
)

func encodeJSONColumns(job *domain.Job) ([]byte, []byte, error) {
	characters := job.Characters
	if characters == nil {
		characters = map[string]domain.Character{}
	}
	chars, err := json.Marshal(characters)
	if err != nil {
		return nil, nil, fmt.Errorf("encode characters: %w", err)
	}
	items := job.Items
	if items == nil {
		items = []domain.Item{}
	}
	pages, err := json.Marshal(items)
	if err != nil {
		return nil, nil, fmt.Errorf("encode pages: %w", err)
	}
	return chars, pages, nil
}

func decodeJSONColumns(job *domain.Job, characters, pages []byte) error {
	job.Characters = map[string]domain.Character{}
	if len(characters) > 0 {
		if err := json.Unmarshal(characters, &job.Characters); err != nil {
			return fmt.Errorf("decode characters: %w", err)
		}
	}
	job.Items = []domain.Item{}
	if len(pages) > 0 {
		if err := json.Unmarshal(pages, &job.Items); err != nil {
			return fmt.Errorf("decode pages: %w", err)
		}
	}
	// Position in the array is authoritative for the index.
	for i := range job.Items {
		job.Items[i].Index = i
		if job.Items[i].Outcome == "" {
			job.Items[i].Outcome = domain.OutcomePending
		}
	}
	return nil
}

// reindex copies items renumbered to start at base.
func reindex(items []domain.Item, base int) []domain.Item {
	out := make([]domain.Item, len(items))
	for i, item := range items {
		item.Index = base + i
		if item.Outcome == "" {
			item.Outcome = domain.OutcomePending
		}
		out[i] = item
	}
	return out
}

func statusStrings(statuses []domain.JobStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
