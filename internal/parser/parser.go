// Package parser extracts links, transclusion directives, sections, and
// frontmatter from Markdown content.
package parser

import (
	"bytes"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var tagRe = regexp.MustCompile(`(?:^|\s)#([A-Za-z][A-Za-z0-9_/-]*)`)

// Result holds the frontmatter-level view of a Markdown file.
type Result struct {
	Frontmatter map[string]interface{}
	Body        string
	Tags        []string
	Title       string
}

// Parse extracts frontmatter, body, title, and tags from raw Markdown bytes.
// Tags inside fenced code blocks are ignored so that "#include" lines in code
// samples are not mistaken for tags.
func Parse(data []byte) (*Result, error) {
	fm, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, err
	}

	return &Result{
		Frontmatter: fm,
		Body:        body,
		Tags:        extractTags(stripFences(body), fm),
		Title:       deriveTitle(fm, body),
	}, nil
}

// splitFrontmatter separates YAML frontmatter (between leading --- delimiters)
// from the Markdown body. If no frontmatter is found the entire content is body.
func splitFrontmatter(data []byte) (map[string]interface{}, string, error) {
	const delim = "---"
	trimmed := bytes.TrimLeft(data, "\n\r")

	if !bytes.HasPrefix(trimmed, []byte(delim)) {
		return nil, string(data), nil
	}

	// Find end delimiter.
	rest := trimmed[len(delim):]
	idx := bytes.Index(rest, []byte("\n"+delim))
	if idx < 0 {
		// No closing delimiter, treat everything as body.
		return nil, string(data), nil
	}

	yamlBlock := rest[:idx]
	// Body starts after closing delimiter line.
	afterDelim := rest[idx+1+len(delim):]
	body := strings.TrimLeft(string(afterDelim), "\n\r")

	var fm map[string]interface{}
	if err := yaml.Unmarshal(yamlBlock, &fm); err != nil {
		// Invalid YAML: the whole file is body.
		return nil, string(data), nil
	}

	return fm, body, nil
}

// extractTags collects #tags from body and from frontmatter "tags" field.
func extractTags(body string, fm map[string]interface{}) []string {
	seen := make(map[string]struct{})
	var out []string

	// Tags from frontmatter.
	if fm != nil {
		if raw, ok := fm["tags"]; ok {
			switch v := raw.(type) {
			case []interface{}:
				for _, item := range v {
					if s, ok := item.(string); ok {
						s = strings.TrimSpace(s)
						if s != "" {
							if _, dup := seen[s]; !dup {
								seen[s] = struct{}{}
								out = append(out, s)
							}
						}
					}
				}
			}
		}
	}

	// Inline #tags from body.
	matches := tagRe.FindAllStringSubmatch(body, -1)
	for _, m := range matches {
		t := m[1]
		if _, dup := seen[t]; !dup {
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}

	return out
}

// deriveTitle returns the frontmatter "title" if present, otherwise the first
// H1 heading, otherwise empty string.
func deriveTitle(fm map[string]interface{}, body string) string {
	if fm != nil {
		if t, ok := fm["title"]; ok {
			if s, ok := t.(string); ok && s != "" {
				return s
			}
		}
	}
	for _, sec := range Sections(body) {
		if sec.Level == 1 {
			return sec.Heading
		}
	}
	return ""
}

// stripFences blanks out fenced code blocks, keeping line structure.
func stripFences(body string) string {
	lines := strings.Split(body, "\n")
	var fence fenceState
	for i, line := range lines {
		if fence.step(line) {
			lines[i] = ""
		}
	}
	return strings.Join(lines, "\n")
}
