package models

// Skill is an installed instruction bundle the agent can read on demand.
type Skill struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Path        string   `json:"path"`
	Tags        []string `json:"tags,omitempty"`
}
