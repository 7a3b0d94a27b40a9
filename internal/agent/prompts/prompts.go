package prompts

import (
	"embed"
	"fmt"
	"strings"
	"text/template"
	"time"
)

//go:embed *.md
var PromptsFS embed.FS

// TimeLayout is how the current time appears in the system prompt.
const TimeLayout = "2006-01-02 15:04:05"

var weekdays = [...]string{"日曜日", "月曜日", "火曜日", "水曜日", "木曜日", "金曜日", "土曜日"}

// Prompts contains all the agent prompts loaded from embedded files.
type Prompts struct {
	Role         string
	Finalization string
	Summary      string
	Retry        string

	role *template.Template
}

// ToolInfo is the part of a tool the system prompt lists.
type ToolInfo struct {
	Name        string
	Description string
}

// Summary is the first line of the description.
func (t ToolInfo) Summary() string {
	first, _, _ := strings.Cut(strings.TrimSpace(t.Description), "\n")
	return strings.TrimSpace(first)
}

func Load() (*Prompts, error) {
	p := &Prompts{}

	var err error
	if p.Role, err = loadPrompt("ROLE.md"); err != nil {
		return nil, fmt.Errorf("failed to load ROLE: %w", err)
	}
	if p.Finalization, err = loadPrompt("FINALIZATION.md"); err != nil {
		return nil, fmt.Errorf("failed to load FINALIZATION: %w", err)
	}
	if p.Summary, err = loadPrompt("SUMMARY.md"); err != nil {
		return nil, fmt.Errorf("failed to load SUMMARY: %w", err)
	}
	if p.Retry, err = loadPrompt("RETRY.md"); err != nil {
		return nil, fmt.Errorf("failed to load RETRY: %w", err)
	}

	if p.role, err = template.New("role").Parse(p.Role); err != nil {
		return nil, fmt.Errorf("failed to parse ROLE: %w", err)
	}
	return p, nil
}

// BuildSystemPrompt renders the role prompt for one request: the local
// time and weekday, the active profile when known, and the tool list.
func (p *Prompts) BuildSystemPrompt(now time.Time, profileID string, tools []ToolInfo) (string, error) {
	var sb strings.Builder
	err := p.role.Execute(&sb, struct {
		CurrentTime string
		Weekday     string
		ProfileID   string
		Tools       []ToolInfo
	}{
		CurrentTime: now.Format(TimeLayout),
		Weekday:     weekdays[now.Weekday()],
		ProfileID:   strings.TrimSpace(profileID),
		Tools:       tools,
	})
	if err != nil {
		return "", fmt.Errorf("failed to render system prompt: %w", err)
	}
	return sb.String(), nil
}

func loadPrompt(path string) (string, error) {
	data, err := PromptsFS.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}
