package parser

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/igrechuhin/cortex/internal/models"
)

func TestParseLinks_ReferencesAndTransclusions(t *testing.T) {
	content := "# Title\n" +
		"See [brief](projectBrief.md#Goals) and [web](https://x.io/a.md).\n" +
		"{{include:techContext.md#Stack|lines=3,recursive=false}}\n" +
		"![img](diagram.md) [anchor](#local) [txt](notes.txt)\n"

	got := ParseLinks(content)

	wantRefs := []models.Link{{
		Target: "projectBrief.md", Section: "Goals", Text: "brief",
		Line: 2, Column: 5, Kind: models.LinkReference,
		Raw: "[brief](projectBrief.md#Goals)",
	}}
	wantIncl := []models.Link{{
		Target: "techContext.md", Section: "Stack",
		Line: 3, Column: 1, Kind: models.LinkTransclusion,
		Options: map[string]string{"lines": "3", "recursive": "false"},
		Raw:     "{{include:techContext.md#Stack|lines=3,recursive=false}}",
	}}
	ignore := cmpopts.IgnoreFields(models.Link{}, "Offset", "Length")
	if diff := cmp.Diff(wantRefs, got.References, ignore); diff != "" {
		t.Errorf("references mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(wantIncl, got.Transclusions, ignore); diff != "" {
		t.Errorf("transclusions mismatch (-want +got):\n%s", diff)
	}
	if got.Malformed != 0 {
		t.Errorf("malformed = %d, want 0", got.Malformed)
	}
}

func TestParseLinks_OffsetsLocateRaw(t *testing.T) {
	content := "intro\nä {{include:a.md}} and [b](b.md)\n"
	got := ParseLinks(content)
	all := got.All()
	if len(all) != 2 {
		t.Fatalf("len(all) = %d, want 2", len(all))
	}
	for _, ln := range all {
		if content[ln.Offset:ln.Offset+ln.Length] != ln.Raw {
			t.Errorf("offset/length of %q point at %q", ln.Raw, content[ln.Offset:ln.Offset+ln.Length])
		}
	}
	// Columns count runes, not bytes.
	if all[0].Column != 3 {
		t.Errorf("include column = %d, want 3", all[0].Column)
	}
	if all[0].Kind != models.LinkTransclusion || all[1].Kind != models.LinkReference {
		t.Errorf("All() not in position order: %+v", all)
	}
}

func TestParseLinks_SkipsCode(t *testing.T) {
	content := "```md\n{{include:fenced.md}}\n[x](fenced.md)\n```\n" +
		"~~~\n{{include:tilde.md}}\n~~~\n" +
		"Use `{{include:inline.md}}` or ``[y](inline.md)`` literally.\n" +
		"{{include:real.md}}\n"
	got := ParseLinks(content)
	if len(got.References) != 0 {
		t.Errorf("references = %+v, want none", got.References)
	}
	if len(got.Transclusions) != 1 || got.Transclusions[0].Target != "real.md" {
		t.Fatalf("transclusions = %+v, want only real.md", got.Transclusions)
	}
	if got.Transclusions[0].Line != 9 {
		t.Errorf("line = %d, want 9", got.Transclusions[0].Line)
	}
}

func TestParseLinks_Malformed(t *testing.T) {
	content := "{{include:}}\n" +
		"{{include:#OnlySection}}\n" +
		"{{include:never-closed.md\n" +
		"[empty]()\n" +
		"{{include:ok.md}}\n"
	got := ParseLinks(content)
	if got.Malformed != 4 {
		t.Errorf("malformed = %d, want 4", got.Malformed)
	}
	if len(got.Transclusions) != 1 || got.Transclusions[0].Target != "ok.md" {
		t.Errorf("transclusions = %+v, want only ok.md", got.Transclusions)
	}
}

func TestParseLinks_OptionWithoutValue(t *testing.T) {
	got := ParseLinks("{{include:a.md| recursive , lines = 2 ,}}")
	want := map[string]string{"recursive": "true", "lines": "2"}
	if diff := cmp.Diff(want, got.Transclusions[0].Options); diff != "" {
		t.Errorf("options mismatch (-want +got):\n%s", diff)
	}
}

func TestParseLinks_ReferenceTitleAndBrackets(t *testing.T) {
	got := ParseLinks(`[a](<dir/a.md> "Title") [b](b.MD#Sec)`)
	if len(got.References) != 2 {
		t.Fatalf("references = %+v", got.References)
	}
	if got.References[0].Target != "dir/a.md" {
		t.Errorf("target = %q, want dir/a.md", got.References[0].Target)
	}
	if got.References[1].Target != "b.MD" || got.References[1].Section != "Sec" {
		t.Errorf("second = %+v", got.References[1])
	}
}

func TestWithSource(t *testing.T) {
	l := ParseLinks("[a](a.md) {{include:b.md}}").WithSource("dir/c.md")
	for _, ln := range l.All() {
		if ln.Source != "dir/c.md" {
			t.Errorf("source = %q", ln.Source)
		}
	}
}

func TestResolveTarget(t *testing.T) {
	tests := []struct {
		source, target, want string
	}{
		{"a.md", "b.md", "b.md"},
		{"docs/a.md", "b.md", "docs/b.md"},
		{"docs/a.md", "../b.md", "b.md"},
		{"docs/a.md", "/b.md", "b.md"},
		{"docs/a.md", "./sub/c.md", "docs/sub/c.md"},
		{"a.md", "../outside.md", "../outside.md"},
	}
	for _, tt := range tests {
		if got := ResolveTarget(tt.source, tt.target); got != tt.want {
			t.Errorf("ResolveTarget(%q, %q) = %q, want %q", tt.source, tt.target, got, tt.want)
		}
	}
}
