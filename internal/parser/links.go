package parser

import (
	"path"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/igrechuhin/cortex/internal/models"
)

const includeOpen = "{{include:"

// LinkParser extracts reference links and transclusion directives from raw
// document content. It performs no existence checks.
type LinkParser interface {
	ParseLinks(content string) *Links
}

// Markdown is the LinkParser for Markdown link and include syntax.
type Markdown struct{}

// ParseLinks implements LinkParser.
func (Markdown) ParseLinks(content string) *Links { return ParseLinks(content) }

var _ LinkParser = Markdown{}

// Links is the output of a single parse pass.
type Links struct {
	References    []models.Link `json:"references"`
	Transclusions []models.Link `json:"transclusions"`
	// Malformed counts directives that were skipped: unterminated includes,
	// empty include targets, and reference links with an empty destination.
	Malformed int `json:"malformed"`
}

// All returns references and transclusions ordered by position.
func (l *Links) All() []models.Link {
	out := make([]models.Link, 0, len(l.References)+len(l.Transclusions))
	out = append(out, l.References...)
	out = append(out, l.Transclusions...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Offset < out[j].Offset })
	return out
}

// WithSource returns a copy with Source set on every link.
func (l *Links) WithSource(source string) *Links {
	cp := &Links{Malformed: l.Malformed}
	for _, ln := range l.References {
		ln.Source = source
		cp.References = append(cp.References, ln)
	}
	for _, ln := range l.Transclusions {
		ln.Source = source
		cp.Transclusions = append(cp.Transclusions, ln)
	}
	return cp
}

// ParseLinks scans content once, line by line. Fenced code blocks and inline
// code spans are skipped.
func ParseLinks(content string) *Links {
	out := &Links{}
	var fence fenceState
	lineStart := 0
	for lineNo, line := range strings.Split(content, "\n") {
		if !fence.step(line) {
			scanLine(out, line, lineNo+1, lineStart)
		}
		lineStart += len(line) + 1
	}
	return out
}

func scanLine(out *Links, line string, lineNo, base int) {
	i := 0
	for i < len(line) {
		switch {
		case line[i] == '`':
			i = skipCodeSpan(line, i)

		case strings.HasPrefix(line[i:], includeOpen):
			end := strings.Index(line[i:], "}}")
			if end < 0 {
				out.Malformed++
				return
			}
			raw := line[i : i+end+2]
			body := line[i+len(includeOpen) : i+end]
			if ln, ok := parseInclude(body); ok {
				ln.Line = lineNo
				ln.Column = column(line, i)
				ln.Raw = raw
				ln.Offset = base + i
				ln.Length = len(raw)
				out.Transclusions = append(out.Transclusions, ln)
			} else {
				out.Malformed++
			}
			i += end + 2

		case line[i] == '[' || (line[i] == '!' && i+1 < len(line) && line[i+1] == '['):
			image := line[i] == '!'
			open := i
			if image {
				open++
			}
			next, ln, ok, malformed := parseReference(line, open)
			if malformed {
				out.Malformed++
			}
			if ok && !image {
				ln.Line = lineNo
				ln.Column = column(line, i)
				ln.Raw = line[i:next]
				ln.Offset = base + i
				ln.Length = next - i
				out.References = append(out.References, ln)
			}
			i = next

		default:
			i++
		}
	}
}

// skipCodeSpan returns the index after the code span starting at i. An
// unmatched backtick run is literal text.
func skipCodeSpan(line string, i int) int {
	n := 0
	for i+n < len(line) && line[i+n] == '`' {
		n++
	}
	run := strings.Repeat("`", n)
	if end := strings.Index(line[i+n:], run); end >= 0 {
		return i + n + end + n
	}
	return i + n
}

// parseReference parses "[text](dest)" starting at the '[' at index open.
// It returns the index to continue scanning from.
func parseReference(line string, open int) (next int, ln models.Link, ok, malformed bool) {
	closeRel := strings.IndexByte(line[open+1:], ']')
	if closeRel < 0 {
		return open + 1, ln, false, false
	}
	closeIdx := open + 1 + closeRel
	if closeIdx+1 >= len(line) || line[closeIdx+1] != '(' {
		return closeIdx + 1, ln, false, false
	}
	parenRel := strings.IndexByte(line[closeIdx+2:], ')')
	if parenRel < 0 {
		return closeIdx + 1, ln, false, false
	}
	end := closeIdx + 2 + parenRel
	next = end + 1

	dest := strings.TrimSpace(line[closeIdx+2 : end])
	// Drop an optional title: [x](a.md "title").
	if sp := strings.IndexAny(dest, " \t"); sp >= 0 {
		dest = dest[:sp]
	}
	dest = strings.TrimSuffix(strings.TrimPrefix(dest, "<"), ">")
	if dest == "" {
		return next, ln, false, true
	}
	target, section, _ := strings.Cut(dest, "#")
	if !isDocumentTarget(target) {
		return next, ln, false, false
	}
	return next, models.Link{
		Target:  target,
		Section: section,
		Text:    line[open+1 : closeIdx],
		Kind:    models.LinkReference,
	}, true, false
}

// parseInclude parses the body of {{include:...}}.
func parseInclude(body string) (models.Link, bool) {
	directive, rawOpts, hasOpts := strings.Cut(body, "|")
	target, section, _ := strings.Cut(strings.TrimSpace(directive), "#")
	target = strings.TrimSpace(target)
	if target == "" {
		return models.Link{}, false
	}
	ln := models.Link{
		Target:  target,
		Section: strings.TrimSpace(section),
		Kind:    models.LinkTransclusion,
	}
	if hasOpts {
		ln.Options = parseOptions(rawOpts)
	}
	return ln, true
}

func parseOptions(raw string) map[string]string {
	opts := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		k, v, found := strings.Cut(part, "=")
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if !found {
			v = "true"
		}
		opts[k] = strings.TrimSpace(v)
	}
	if len(opts) == 0 {
		return nil
	}
	return opts
}

// isDocumentTarget reports whether a link destination names a Markdown
// document rather than a URL, an image, or an in-page anchor.
func isDocumentTarget(target string) bool {
	if target == "" {
		return false
	}
	lower := strings.ToLower(target)
	if strings.Contains(lower, "://") || strings.HasPrefix(lower, "mailto:") {
		return false
	}
	return strings.HasSuffix(lower, ".md")
}

func column(line string, byteIdx int) int {
	return utf8.RuneCountInString(line[:byteIdx]) + 1
}

// ResolveTarget resolves a link target against the directory of the source
// document. A leading "/" anchors the target at the store root. The result
// is a clean slash-separated path; it may start with "../" when the target
// escapes the root, which storage rejects.
func ResolveTarget(source, target string) string {
	if strings.HasPrefix(target, "/") {
		return path.Clean(strings.TrimLeft(target, "/"))
	}
	return path.Clean(path.Join(path.Dir(source), target))
}

// fenceState tracks whether a line scan is inside a fenced code block.
type fenceState struct {
	marker string
}

// step consumes one line and reports whether it belongs to a fenced block
// (fence delimiters included).
func (f *fenceState) step(line string) bool {
	trimmed := strings.TrimLeft(line, " \t")
	if f.marker != "" {
		if strings.HasPrefix(trimmed, f.marker) {
			f.marker = ""
		}
		return true
	}
	for _, m := range []string{"```", "~~~"} {
		if strings.HasPrefix(trimmed, m) {
			f.marker = m
			return true
		}
	}
	return false
}
