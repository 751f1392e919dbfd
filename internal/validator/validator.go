// Package validator checks that every link and transclusion points at an
// existing document and, when a section is named, an existing heading.
// It never modifies documents.
package validator

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/igrechuhin/cortex/internal/apperr"
	"github.com/igrechuhin/cortex/internal/models"
	"github.com/igrechuhin/cortex/internal/parser"
	"github.com/igrechuhin/cortex/internal/storage"
)

// ScopeAll validates every document.
const ScopeAll = "all"

const fanOut = 8

// Source is the read side of the document store.
type Source interface {
	List(ctx context.Context) ([]models.DocumentMetadata, error)
	ParseLinks(ctx context.Context, path string) (*parser.Links, error)
	Sections(ctx context.Context, path string) ([]models.Section, error)
	Exists(ctx context.Context, path string) bool
}

// LinkValidator is the validation contract.
type LinkValidator interface {
	Validate(ctx context.Context, scope string) (*Report, error)
}

var _ LinkValidator = (*Validator)(nil)

// LinkResult identifies one checked link.
type LinkResult struct {
	Source  string          `json:"source"`
	Target  string          `json:"target"`
	Section string          `json:"section,omitempty"`
	Line    int             `json:"line"`
	Column  int             `json:"column"`
	Kind    models.LinkKind `json:"kind"`
}

// BrokenLink is a link whose target document does not exist.
type BrokenLink struct {
	LinkResult
	Error      string `json:"error"`
	Suggestion string `json:"suggestion"`
}

// SectionWarning is a link to an existing document but a missing section.
type SectionWarning struct {
	LinkResult
	Message   string   `json:"message"`
	Available []string `json:"available"`
}

// Report is the result of one validation pass.
type Report struct {
	Valid     []LinkResult     `json:"valid"`
	Broken    []BrokenLink     `json:"broken"`
	Warnings  []SectionWarning `json:"warnings"`
	Malformed int              `json:"malformed"`
	Checked   int              `json:"checked"`
	Files     int              `json:"files"`
}

// OK reports whether no link is broken. Section warnings do not count.
func (r *Report) OK() bool { return len(r.Broken) == 0 }

func (r *Report) merge(o *Report) {
	r.Valid = append(r.Valid, o.Valid...)
	r.Broken = append(r.Broken, o.Broken...)
	r.Warnings = append(r.Warnings, o.Warnings...)
	r.Malformed += o.Malformed
	r.Checked += o.Checked
	r.Files += o.Files
}

// Validator implements LinkValidator.
type Validator struct {
	src Source
}

// New creates a Validator.
func New(src Source) *Validator {
	return &Validator{src: src}
}

// Validate checks scope, which is ScopeAll or a single document path.
func (v *Validator) Validate(ctx context.Context, scope string) (*Report, error) {
	metas, err := v.src.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("validator: list: %w", err)
	}
	known := make([]string, len(metas))
	for i, m := range metas {
		known[i] = m.Path
	}
	sort.Strings(known)

	if scope != "" && scope != ScopeAll {
		scope = storage.Normalize(scope)
		rep, err := v.validateDoc(ctx, scope, known)
		if err != nil {
			return nil, err
		}
		return normalize(rep), nil
	}

	reports := make([]*Report, len(known))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanOut)
	for i, p := range known {
		g.Go(func() error {
			rep, err := v.validateDoc(gctx, p, known)
			if err != nil {
				return err
			}
			reports[i] = rep
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	total := &Report{}
	for _, r := range reports {
		total.merge(r)
	}
	return normalize(total), nil
}

func (v *Validator) validateDoc(ctx context.Context, source string, known []string) (*Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	links, err := v.src.ParseLinks(ctx, source)
	if err != nil {
		return nil, err
	}
	rep := &Report{Files: 1, Malformed: links.Malformed}
	for _, ln := range links.All() {
		rep.Checked++
		target := parser.ResolveTarget(source, ln.Target)
		res := LinkResult{
			Source:  source,
			Target:  target,
			Section: ln.Section,
			Line:    ln.Line,
			Column:  ln.Column,
			Kind:    ln.Kind,
		}
		if !v.src.Exists(ctx, target) {
			tnf := &apperr.TargetNotFoundError{Source: source, Target: target, Line: ln.Line}
			rep.Broken = append(rep.Broken, BrokenLink{
				LinkResult: res,
				Error:      tnf.Error(),
				Suggestion: suggest(target, known),
			})
			continue
		}
		if ln.Section != "" {
			secs, err := v.src.Sections(ctx, target)
			if err != nil {
				return nil, err
			}
			if _, ok := parser.FindSection(secs, ln.Section); !ok {
				rep.Warnings = append(rep.Warnings, SectionWarning{
					LinkResult: res,
					Message:    fmt.Sprintf("section %q not found in %s", ln.Section, target),
					Available:  parser.Headings(secs),
				})
				continue
			}
		}
		rep.Valid = append(rep.Valid, res)
	}
	return rep, nil
}

// suggest builds the fix hint for a missing target, naming a near match
// (same path ignoring case, or same file name elsewhere) when one exists.
func suggest(target string, known []string) string {
	s := fmt.Sprintf("create '%s' or update the link", target)
	base := path.Base(target)
	var byBase string
	for _, k := range known {
		if strings.EqualFold(k, target) {
			return s + fmt.Sprintf(" (did you mean '%s'?)", k)
		}
		if byBase == "" && strings.EqualFold(path.Base(k), base) {
			byBase = k
		}
	}
	if byBase != "" {
		return s + fmt.Sprintf(" (did you mean '%s'?)", byBase)
	}
	return s
}

// normalize replaces nil slices so JSON output carries empty arrays.
func normalize(r *Report) *Report {
	if r.Valid == nil {
		r.Valid = []LinkResult{}
	}
	if r.Broken == nil {
		r.Broken = []BrokenLink{}
	}
	if r.Warnings == nil {
		r.Warnings = []SectionWarning{}
	}
	return r
}
