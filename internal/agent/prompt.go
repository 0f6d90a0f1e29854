package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/partner/internal/tools/catalog"
	"github.com/haasonsaas/partner/pkg/models"
)

const defaultPersona = "You are Partner, a desktop assistant that works on the user's machine through tools."

// PromptOptions holds the sections of the system prompt.
type PromptOptions struct {
	Persona   string
	Workspace string
	Tools     []catalog.Descriptor
	Skills    []models.Skill
	Now       time.Time
}

// BuildSystemPrompt assembles the system prompt. It is rebuilt whenever the
// enabled tools or installed skills change and installed with
// Controller.SetSystemPrompt.
func BuildSystemPrompt(opts PromptOptions) string {
	lines := make([]string, 0, 8)

	persona := strings.TrimSpace(opts.Persona)
	if persona == "" {
		persona = defaultPersona
	}
	lines = append(lines, persona)

	if !opts.Now.IsZero() {
		lines = append(lines, "Current time: "+opts.Now.Format(time.RFC1123)+".")
	}
	if ws := strings.TrimSpace(opts.Workspace); ws != "" {
		lines = append(lines, fmt.Sprintf("Workspace: %s. Relative paths resolve against it; file tools cannot leave it.", ws))
	}

	if len(opts.Tools) > 0 {
		var b strings.Builder
		b.WriteString("Available tools:")
		for _, desc := range opts.Tools {
			fmt.Fprintf(&b, "\n- %s: %s", desc.Name, firstLine(desc.Description))
			if desc.Sensitive {
				b.WriteString(" (requires approval)")
			}
		}
		lines = append(lines, b.String())
	}

	if skills := normalizeSkills(opts.Skills); len(skills) > 0 {
		var b strings.Builder
		b.WriteString("Installed skills (read the file before following one):")
		for _, skill := range skills {
			fmt.Fprintf(&b, "\n- %s: %s", skill.Name, skill.Description)
			if skill.Path != "" {
				fmt.Fprintf(&b, " [%s]", skill.Path)
			}
		}
		lines = append(lines, b.String())
	}

	lines = append(lines, "Messages tagged [mid-run message] arrived while you were working; take them into account before continuing.")
	lines = append(lines, "Avoid destructive actions unless explicitly requested. Be concise and ask when requirements are ambiguous.")

	return strings.TrimSpace(strings.Join(lines, "\n\n"))
}

func normalizeSkills(skills []models.Skill) []models.Skill {
	out := make([]models.Skill, 0, len(skills))
	for _, skill := range skills {
		skill.Name = strings.TrimSpace(skill.Name)
		skill.Description = strings.TrimSpace(skill.Description)
		if skill.Name == "" {
			continue
		}
		out = append(out, skill)
	}
	return out
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
