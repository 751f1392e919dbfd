// Package models defines the domain types for Cortex.
package models

import "time"

// ChangeType describes why a version was recorded.
type ChangeType string

// Change types.
const (
	ChangeCreate   ChangeType = "create"
	ChangeUpdate   ChangeType = "update"
	ChangeRollback ChangeType = "rollback"
)

// Document is a stored Markdown file together with its derived metadata.
type Document struct {
	Path       string    `json:"path"`
	Content    string    `json:"content"`
	Hash       string    `json:"hash"`
	SizeBytes  int64     `json:"size_bytes"`
	TokenCount int       `json:"token_count"`
	Sections   []Section `json:"sections"`
	Versions   []Version `json:"versions"`
}

// CurrentVersion returns the number of the latest version, or 0.
func (d *Document) CurrentVersion() int {
	return len(d.Versions)
}

// Version is an immutable record of one write.
// Content is only populated when a snapshot is loaded explicitly.
type Version struct {
	ID          string     `json:"id"`
	Path        string     `json:"path"`
	Number      int        `json:"version"`
	Timestamp   time.Time  `json:"timestamp"`
	ChangeType  ChangeType `json:"change_type"`
	Description string     `json:"description"`
	Hash        string     `json:"hash"`
	SizeBytes   int64      `json:"size_bytes"`
	TokenCount  int        `json:"token_count"`
	Content     string     `json:"content,omitempty"`
}

// Section is a heading and the lines that belong to it.
type Section struct {
	Heading    string `json:"heading"`
	Level      int    `json:"level"`
	StartLine  int    `json:"start_line"`
	EndLine    int    `json:"end_line"`
	TokenCount int    `json:"token_count"`
}

// LinkKind distinguishes navigation links from embedding directives.
type LinkKind string

// Link kinds.
const (
	LinkReference    LinkKind = "reference"
	LinkTransclusion LinkKind = "transclusion"
)

// Link is a parsed reference link or transclusion directive.
type Link struct {
	Source  string            `json:"source,omitempty"`
	Target  string            `json:"target"`
	Section string            `json:"section,omitempty"`
	Text    string            `json:"text,omitempty"`
	Line    int               `json:"line"`
	Column  int               `json:"column"`
	Kind    LinkKind          `json:"kind"`
	Options map[string]string `json:"options,omitempty"`
	Raw     string            `json:"raw"`

	// Offset and Length locate Raw inside the parsed content in bytes.
	Offset int `json:"-"`
	Length int `json:"-"`
}

// DocumentMetadata is a lightweight representation returned by list operations.
type DocumentMetadata struct {
	Path      string    `json:"path"`
	Hash      string    `json:"hash"`
	SizeBytes int64     `json:"size_bytes"`
	ModTime   time.Time `json:"mod_time"`
}
