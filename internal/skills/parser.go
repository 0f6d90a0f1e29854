// Package skills loads instruction bundles from a directory. A skill is a
// markdown file whose YAML front matter names and describes it; the body
// is read by the agent on demand through its file tools.
package skills

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/haasonsaas/partner/pkg/models"
	"gopkg.in/yaml.v3"
)

const (
	// SkillFilename marks a skill directory.
	SkillFilename = "SKILL.md"

	frontmatterDelimiter = "---"
)

type frontmatter struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Tags        []string `yaml:"tags"`
}

// ParseFile reads and parses the skill at path.
func ParseFile(path string) (models.Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.Skill{}, fmt.Errorf("read file: %w", err)
	}
	skill, err := Parse(data)
	if err != nil {
		return models.Skill{}, err
	}
	skill.Path = path
	return skill, nil
}

// Parse extracts the skill metadata from data.
func Parse(data []byte) (models.Skill, error) {
	head, err := splitFrontmatter(data)
	if err != nil {
		return models.Skill{}, fmt.Errorf("split frontmatter: %w", err)
	}
	var fm frontmatter
	if err := yaml.Unmarshal(head, &fm); err != nil {
		return models.Skill{}, fmt.Errorf("parse frontmatter: %w", err)
	}
	skill := models.Skill{
		Name:        strings.TrimSpace(fm.Name),
		Description: strings.TrimSpace(fm.Description),
		Tags:        fm.Tags,
	}
	if err := Validate(skill); err != nil {
		return models.Skill{}, err
	}
	return skill, nil
}

// splitFrontmatter returns the YAML between the leading delimiters.
func splitFrontmatter(data []byte) ([]byte, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	if !scanner.Scan() {
		return nil, fmt.Errorf("empty file")
	}
	if strings.TrimSpace(strings.TrimPrefix(scanner.Text(), "\ufeff")) != frontmatterDelimiter {
		return nil, fmt.Errorf("missing opening frontmatter delimiter")
	}

	var lines []string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == frontmatterDelimiter {
			return []byte(strings.Join(lines, "\n")), nil
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanner error: %w", err)
	}
	return nil, fmt.Errorf("missing closing frontmatter delimiter")
}

// Validate checks the required fields. Names are lowercase alphanumeric
// with hyphens.
func Validate(skill models.Skill) error {
	if skill.Name == "" {
		return fmt.Errorf("skill name is required")
	}
	for _, r := range skill.Name {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-') {
			return fmt.Errorf("name must be lowercase alphanumeric with hyphens: got %q", skill.Name)
		}
	}
	if skill.Description == "" {
		return fmt.Errorf("skill description is required")
	}
	return nil
}
