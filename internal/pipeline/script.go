package pipeline

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"comicgen/internal/domain"
)

// normalizeScript checks the text stage output and shapes it for storage.
// Extra pages beyond want are dropped. With exact set, fewer pages than want
// is an error; otherwise any non-empty script is accepted.
func normalizeScript(script domain.Script, want int, exact bool, prompt string) (domain.Script, error) {
	if len(script.Items) == 0 {
		return script, fmt.Errorf("%w: no pages returned", domain.ErrInvalidScript)
	}
	if want > 0 && len(script.Items) > want {
		script.Items = script.Items[:want]
	}
	if exact && len(script.Items) < want {
		return script, fmt.Errorf("%w: wanted %d pages, got %d", domain.ErrInvalidScript, want, len(script.Items))
	}

	items := make([]domain.Item, len(script.Items))
	for i, item := range script.Items {
		item.Content = strings.TrimSpace(item.Content)
		item.ImagePrompt = strings.TrimSpace(item.ImagePrompt)
		if item.Content == "" {
			return script, fmt.Errorf("%w: page %d has no content", domain.ErrInvalidScript, i+1)
		}
		if item.ImagePrompt == "" {
			return script, fmt.Errorf("%w: page %d has no image prompt", domain.ErrInvalidScript, i+1)
		}
		item.Index = i
		item.AssetURL = nil
		item.Outcome = domain.OutcomePending
		items[i] = item
	}
	script.Items = items

	script.Title = strings.TrimSpace(script.Title)
	if script.Title == "" {
		script.Title = fallbackTitle(prompt)
	}
	script.Summary = strings.TrimSpace(script.Summary)
	if script.Characters == nil {
		script.Characters = map[string]domain.Character{}
	}
	return script, nil
}

func fallbackTitle(prompt string) string {
	const max = 60
	prompt = strings.TrimSpace(prompt)
	if utf8.RuneCountInString(prompt) <= max {
		return prompt
	}
	runes := []rune(prompt)
	return strings.TrimSpace(string(runes[:max])) + "..."
}
