package models

// Skill is a loadable instruction document an agent can pull into
// context. Definitions live as markdown files with frontmatter in the
// skills directory.
type Skill struct {
	Name         string       `json:"name"`
	Description  string       `json:"description,omitempty"`
	Content      string       `json:"content,omitempty"`
	Capabilities []string     `json:"capabilities,omitempty"`
	Dependencies Dependencies `json:"dependencies,omitempty"`
	Path         string       `json:"path,omitempty"`
}
