package parser

import (
	"regexp"
	"strings"

	"github.com/igrechuhin/cortex/internal/checksum"
	"github.com/igrechuhin/cortex/internal/models"
)

var headingRe = regexp.MustCompile(`^ {0,3}(#{1,6})(?:[ \t]+(.*?))?(?:[ \t]+#+)?[ \t]*$`)

// Sections returns the ATX headings of content in document order. A section
// runs from its heading line to the line before the next heading of the same
// or a higher level, so nested subsections belong to their parent.
func Sections(content string) []models.Section {
	lines := splitLines(content)
	type open struct {
		level int
		idx   int
	}
	var (
		out   []models.Section
		stack []open
		fence fenceState
	)
	closeTo := func(level, endLine int) {
		for len(stack) > 0 && stack[len(stack)-1].level >= level {
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			out[top.idx].EndLine = endLine
		}
	}
	for i, line := range lines {
		if fence.step(line) {
			continue
		}
		m := headingRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		level := len(m[1])
		closeTo(level, i)
		out = append(out, models.Section{
			Heading:   strings.TrimSpace(m[2]),
			Level:     level,
			StartLine: i + 1,
		})
		stack = append(stack, open{level: level, idx: len(out) - 1})
	}
	closeTo(0, len(lines))

	for i := range out {
		out[i].TokenCount = checksum.Tokens(sectionText(lines, out[i]))
	}
	return out
}

// FindSection returns the section whose heading equals name exactly.
func FindSection(sections []models.Section, name string) (models.Section, bool) {
	for _, s := range sections {
		if s.Heading == name {
			return s, true
		}
	}
	return models.Section{}, false
}

// Headings lists the heading text of every section.
func Headings(sections []models.Section) []string {
	out := make([]string, 0, len(sections))
	for _, s := range sections {
		out = append(out, s.Heading)
	}
	return out
}

// ExtractSection returns the heading line and body of the named section.
func ExtractSection(content, name string) (string, bool) {
	sec, ok := FindSection(Sections(content), name)
	if !ok {
		return "", false
	}
	return sectionText(splitLines(content), sec), true
}

func sectionText(lines []string, s models.Section) string {
	if s.StartLine < 1 || s.EndLine > len(lines) || s.StartLine > s.EndLine {
		return ""
	}
	return strings.TrimRight(strings.Join(lines[s.StartLine-1:s.EndLine], "\n"), "\n")
}

// splitLines splits content into lines; a trailing newline does not start
// an extra empty line.
func splitLines(content string) []string {
	if content == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(content, "\n"), "\n")
}
