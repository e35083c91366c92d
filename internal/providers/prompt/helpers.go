package prompt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"comicgen/internal/domain"
	"comicgen/internal/pipeline"
)

// Writer names, also accepted by TEXT_PROVIDER.
const (
	ProviderStatic = "static"
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

type modelScriptPayload struct {
	Title      string                           `json:"title"`
	Summary    string                           `json:"summary"`
	Characters map[string]modelCharacterPayload `json:"characters"`
	Pages      []modelPagePayload               `json:"pages"`
}

type modelCharacterPayload struct {
	Description string `json:"description"`
	Personality string `json:"personality"`
}

type modelPagePayload struct {
	Page            int                    `json:"page"`
	Title           string                 `json:"title"`
	Scene           string                 `json:"scene"`
	TextFull        string                 `json:"text_full"`
	Dialogue        []modelDialoguePayload `json:"dialogue"`
	ArtStyle        string                 `json:"art_style"`
	FinalTransition string                 `json:"final_transition"`
	ImagePrompt     string                 `json:"image_prompt"`
}

type modelDialoguePayload struct {
	Character string `json:"character"`
	Text      string `json:"text"`
}

const scriptSchema = `{"title":string,"summary":string,"characters":{"<name>":{"description":string,"personality":string}},"pages":[{"page":number,"scene":string,"text_full":string,"dialogue":[{"character":string,"text":string}],"art_style":string,"final_transition":string,"image_prompt":string}]}`

func buildSystemPrompt(pages int) string {
	sb := &strings.Builder{}
	sb.WriteString("You are a comic script writer. The user provides a story idea. Respond strictly with JSON matching this schema: ")
	sb.WriteString(scriptSchema)
	fmt.Fprintf(sb, ". Write exactly %d pages. Make every scene exciting and keep the story moving forward. ", pages)
	sb.WriteString("Keep characters consistent across pages and describe each one in characters. ")
	sb.WriteString("Detect the language of the idea and write all story text in that language, but always write image_prompt in English. ")
	sb.WriteString("Every image_prompt starts with \"comic style, highly detailed scene, dynamic perspective\" followed by the concrete scene.")
	return sb.String()
}

func buildUserPrompt(req pipeline.TextRequest) string {
	sb := &strings.Builder{}
	fmt.Fprintf(sb, "Story idea: %s\n", strings.TrimSpace(req.Prompt))
	if locale := strings.TrimSpace(req.Locale); locale != "" {
		fmt.Fprintf(sb, "Reader locale hint: %s\n", locale)
	}
	if len(req.Prior) == 0 {
		return sb.String()
	}

	fmt.Fprintf(sb, "This is a continuation of the comic %q. Summary so far: %s\n", req.Title, req.Summary)
	if len(req.Characters) > 0 {
		cast, _ := json.Marshal(req.Characters)
		fmt.Fprintf(sb, "Established characters: %s\n", cast)
	}
	sb.WriteString("Existing pages:\n")
	for _, item := range req.Prior {
		fmt.Fprintf(sb, "- page %d: %s", item.Index+1, coalesce(item.Scene, item.Content))
		if item.Transition != "" {
			fmt.Fprintf(sb, " (%s)", item.Transition)
		}
		sb.WriteString("\n")
	}
	fmt.Fprintf(sb, "Continue the story with %d new pages numbered from %d. Reuse the title, summary and characters unless the story requires additions.\n", req.Pages, len(req.Prior)+1)
	if hint := strings.TrimSpace(req.Hint); hint != "" {
		fmt.Fprintf(sb, "Direction for the new pages: %s\n", hint)
	}
	return sb.String()
}

// toScript converts a decoded model payload. Shape checks beyond JSON
// validity happen in the pipeline.
func toScript(p modelScriptPayload) domain.Script {
	script := domain.Script{
		Title:      strings.TrimSpace(p.Title),
		Summary:    strings.TrimSpace(p.Summary),
		Characters: make(map[string]domain.Character, len(p.Characters)),
		Items:      make([]domain.Item, 0, len(p.Pages)),
	}
	for name, c := range p.Characters {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		script.Characters[name] = domain.Character{
			Description: strings.TrimSpace(c.Description),
			Personality: strings.TrimSpace(c.Personality),
		}
	}
	for i, page := range p.Pages {
		item := domain.Item{
			Index:       i,
			Scene:       coalesce(page.Scene, page.Title),
			Content:     coalesce(page.TextFull, page.Scene, page.Title),
			ArtStyle:    strings.TrimSpace(page.ArtStyle),
			Transition:  strings.TrimSpace(page.FinalTransition),
			ImagePrompt: strings.TrimSpace(page.ImagePrompt),
			Outcome:     domain.OutcomePending,
		}
		for _, line := range page.Dialogue {
			if strings.TrimSpace(line.Text) == "" {
				continue
			}
			item.Dialogue = append(item.Dialogue, domain.DialogueLine{
				Character: strings.TrimSpace(line.Character),
				Text:      strings.TrimSpace(line.Text),
			})
		}
		script.Items = append(script.Items, item)
	}
	return script
}

// parseScript decodes raw model output into a script.
func parseScript(raw string) (domain.Script, error) {
	payload, err := parseModelPayload[modelScriptPayload](raw)
	if err != nil {
		return domain.Script{}, fmt.Errorf("%w: %v", domain.ErrInvalidScript, err)
	}
	return toScript(payload), nil
}

func coalesce(values ...string) string {
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			return v
		}
	}
	return ""
}

func parseModelPayload[T any](raw string) (T, error) {
	var zero T
	cleaned := extractJSONFragment(raw)
	if cleaned == "" {
		return zero, errors.New("empty payload")
	}
	var decoded T
	if err := json.Unmarshal([]byte(cleaned), &decoded); err != nil {
		return zero, err
	}
	return decoded, nil
}

func extractJSONFragment(raw string) string {
	text := strings.TrimSpace(raw)
	if text == "" {
		return ""
	}
	text = trimCodeFence(text)
	start := strings.IndexAny(text, "{[")
	end := strings.LastIndexAny(text, "]}")
	if start >= 0 && end >= start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}

func trimCodeFence(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```JSON")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)
	if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return strings.TrimSpace(trimmed)
}
