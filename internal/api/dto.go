package api

import (
	"github.com/igrechuhin/cortex/internal/linkindex"
	"github.com/igrechuhin/cortex/internal/models"
)

// WriteRequest is the request body for writing a document.
type WriteRequest struct {
	Content     string `json:"content" example:"# Progress\nDone."`
	Description string `json:"description,omitempty" example:"weekly update"`
}

// RollbackRequest is the request body for a rollback.
type RollbackRequest struct {
	Version int `json:"version" example:"2"`
}

// HistoryResponse lists versions newest first.
type HistoryResponse struct {
	Path     string           `json:"path"`
	Versions []models.Version `json:"versions"`
}

// ResolveResponse carries a fully expanded document.
type ResolveResponse struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// BacklinksResponse lists documents linking to Target.
type BacklinksResponse struct {
	Target    string               `json:"target"`
	Backlinks []linkindex.Backlink `json:"backlinks"`
}
