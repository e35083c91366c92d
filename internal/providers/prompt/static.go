package prompt

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"comicgen/internal/domain"
	"comicgen/internal/pipeline"
)

var staticBeats = []struct {
	scene      string
	transition string
}{
	{"The hero is introduced in an ordinary moment", "Something unexpected appears on the horizon."},
	{"A challenge interrupts the calm", "There is no turning back now."},
	{"The hero faces the obstacle head on", "Victory is close but costs more than expected."},
	{"The dust settles and a lesson is learned", "A new adventure waits just around the corner."},
}

// StaticWriter produces a deterministic script from the prompt alone. It is
// used when no text model API key is configured.
type StaticWriter struct{}

func NewStaticWriter() *StaticWriter {
	return &StaticWriter{}
}

func (s *StaticWriter) Name() string { return ProviderStatic }

func (s *StaticWriter) GenerateScript(ctx context.Context, req pipeline.TextRequest) (domain.Script, error) {
	if err := ctx.Err(); err != nil {
		return domain.Script{}, err
	}
	c := cases.Title(language.Und)
	idea := strings.TrimSpace(req.Prompt)
	if idea == "" {
		idea = "an untold story"
	}
	title := req.Title
	if title == "" {
		title = c.String(idea)
	}
	summary := req.Summary
	if summary == "" {
		summary = fmt.Sprintf("A short comic about %s.", idea)
	}
	characters := req.Characters
	if len(characters) == 0 {
		characters = map[string]domain.Character{
			"Hero": {Description: "The protagonist of " + idea, Personality: "curious and brave"},
		}
	}

	script := domain.Script{Title: title, Summary: summary, Characters: characters}
	start := len(req.Prior)
	for i := 0; i < req.Pages; i++ {
		beat := staticBeats[(start+i)%len(staticBeats)]
		scene := fmt.Sprintf("%s: %s", beat.scene, idea)
		if hint := strings.TrimSpace(req.Hint); hint != "" {
			scene += " (" + hint + ")"
		}
		script.Items = append(script.Items, domain.Item{
			Index:       i,
			Scene:       scene,
			Content:     fmt.Sprintf("Page %d. %s.", start+i+1, scene),
			Dialogue:    []domain.DialogueLine{{Character: "Hero", Text: c.String(beat.transition)}},
			ArtStyle:    "comic",
			Transition:  beat.transition,
			ImagePrompt: "comic style, highly detailed scene, dynamic perspective, " + scene,
			Outcome:     domain.OutcomePending,
		})
	}
	return script, nil
}

var _ pipeline.TextGenerator = (*StaticWriter)(nil)
