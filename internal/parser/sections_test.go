package parser

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/igrechuhin/cortex/internal/models"
)

const sample = `# Guide
intro
## Install
step one
### Linux
apt
## Usage ##
run it
` + "```" + `
# not a heading
` + "```" + `
#nospace
`

func TestSections(t *testing.T) {
	got := Sections(sample)
	want := []models.Section{
		{Heading: "Guide", Level: 1, StartLine: 1, EndLine: 12},
		{Heading: "Install", Level: 2, StartLine: 3, EndLine: 6},
		{Heading: "Linux", Level: 3, StartLine: 5, EndLine: 6},
		{Heading: "Usage", Level: 2, StartLine: 7, EndLine: 12},
	}
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(models.Section{}, "TokenCount")); diff != "" {
		t.Errorf("sections mismatch (-want +got):\n%s", diff)
	}
	for _, s := range got {
		if s.TokenCount == 0 {
			t.Errorf("section %q has zero tokens", s.Heading)
		}
	}
}

func TestExtractSection(t *testing.T) {
	got, ok := ExtractSection(sample, "Install")
	if !ok {
		t.Fatal("Install not found")
	}
	want := "## Install\nstep one\n### Linux\napt"
	if got != want {
		t.Errorf("ExtractSection = %q, want %q", got, want)
	}

	if _, ok := ExtractSection(sample, "install"); ok {
		t.Error("match must be case-sensitive")
	}
}

func TestHeadings(t *testing.T) {
	got := Headings(Sections(sample))
	want := []string{"Guide", "Install", "Linux", "Usage"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("headings mismatch (-want +got):\n%s", diff)
	}
}

func TestSections_Empty(t *testing.T) {
	if got := Sections(""); len(got) != 0 {
		t.Errorf("Sections(\"\") = %v", got)
	}
	if got := Sections("no headings\nhere\n"); len(got) != 0 {
		t.Errorf("expected no sections, got %v", got)
	}
}
