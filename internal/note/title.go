package note

import (
	"bytes"
	"strings"

	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

// Frontmatter holds the YAML frontmatter fields notes may carry.
type Frontmatter struct {
	Title string   `yaml:"title"`
	Tags  []string `yaml:"tags"`
}

// Title derives a display title from a markdown body. A frontmatter
// title wins; otherwise the first non-blank line with its heading
// markers removed is used.
func Title(body string) string {
	fm, rest := splitFrontmatter([]byte(body))
	if fm != nil && strings.TrimSpace(fm.Title) != "" {
		return norm.NFC.String(strings.TrimSpace(fm.Title))
	}

	for _, line := range strings.Split(string(rest), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		line = strings.TrimSpace(strings.TrimLeft(line, "#"))

		return norm.NFC.String(line)
	}

	return ""
}

// Tags returns the frontmatter tags of a body, NFC-normalised with
// blanks dropped, or nil when there are none.
func Tags(body string) []string {
	fm, _ := splitFrontmatter([]byte(body))
	if fm == nil {
		return nil
	}

	var tags []string

	for _, tag := range fm.Tags {
		if tag = strings.TrimSpace(tag); tag != "" {
			tags = append(tags, norm.NFC.String(tag))
		}
	}

	return tags
}

// splitFrontmatter extracts YAML frontmatter from markdown content and
// returns it with the remaining body. Returns a nil Frontmatter and the
// unchanged content when no valid block is present.
func splitFrontmatter(content []byte) (*Frontmatter, []byte) {
	if !bytes.HasPrefix(content, []byte("---")) {
		return nil, content
	}

	rest := content[3:]
	// Skip the rest of the opening line (could be "---\n" or "---\r\n").
	idx := bytes.IndexByte(rest, '\n')
	if idx < 0 {
		return nil, content
	}

	rest = rest[idx+1:]

	end := bytes.Index(rest, []byte("\n---"))
	if end < 0 {
		return nil, content
	}

	block := rest[:end]

	var fm Frontmatter
	if err := yaml.Unmarshal(block, &fm); err != nil {
		return nil, content
	}

	after := rest[end+len("\n---"):]
	if i := bytes.IndexByte(after, '\n'); i >= 0 {
		after = after[i+1:]
	} else {
		after = nil
	}

	return &fm, after
}
