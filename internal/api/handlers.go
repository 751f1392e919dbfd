package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/igrechuhin/cortex/internal/docstore"
	"github.com/igrechuhin/cortex/internal/graph"
	"github.com/igrechuhin/cortex/internal/linkindex"
	"github.com/igrechuhin/cortex/internal/models"
	"github.com/igrechuhin/cortex/internal/storage"
	"github.com/igrechuhin/cortex/internal/transclusion"
	"github.com/igrechuhin/cortex/internal/validator"
)

const maxBody = 10 << 20

// Deps are the components the handlers call.
type Deps struct {
	Store        docstore.FileStore
	Transclusion transclusion.TransclusionEngine
	Validator    validator.LinkValidator
	Links        linkindex.LinkIndex
	Graph        func(ctx context.Context) (*graph.Graph, error)
}

// Handler holds API route handlers.
type Handler struct {
	d Deps
}

// NewHandler creates a new Handler.
func NewHandler(d Deps) *Handler {
	return &Handler{d: d}
}

// docPath extracts the document path from the URL wildcard.
// Supports encoded slashes from OpenAPI clients (e.g. notes%2Fprogress.md).
func docPath(r *http.Request) string {
	raw := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	if raw == "" {
		return ""
	}
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		decoded = raw
	}
	return storage.Normalize(decoded)
}

// ReadDocument handles GET /api/documents/*.
//
//	@Summary		Read a document with metadata, sections and versions
//	@Tags			documents
//	@Produce		json
//	@Param			path	path		string	true	"Document path"
//	@Success		200		{object}	models.Document
//	@Failure		404		{object}	errResponse
//	@Router			/documents/{path} [get]
func (h *Handler) ReadDocument(w http.ResponseWriter, r *http.Request) {
	path := docPath(r)
	if path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	doc, err := h.d.Store.Read(r.Context(), path)
	if err != nil {
		writeError(w, "read document", path, err)
		return
	}
	w.Header().Set("ETag", strconv.Quote(doc.Hash))
	writeJSON(w, http.StatusOK, doc)
}

// WriteDocument handles PUT /api/documents/*.
//
//	@Summary		Create or update a document, recording a version
//	@Tags			documents
//	@Accept			json
//	@Produce		json
//	@Param			path		path		string			true	"Document path"
//	@Param			If-Match	header		string			false	"Expected content hash"
//	@Param			body		body		WriteRequest	true	"New content"
//	@Success		200			{object}	models.Version
//	@Success		201			{object}	models.Version
//	@Failure		409			{object}	errResponse
//	@Failure		423			{object}	errResponse
//	@Router			/documents/{path} [put]
func (h *Handler) WriteDocument(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	path := docPath(r)
	if path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	var req WriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}

	// Strip surrounding quotes if present (standard ETag format).
	ifMatch := strings.Trim(r.Header.Get("If-Match"), `"`)

	v, err := h.d.Store.Write(r.Context(), path, []byte(req.Content), docstore.WriteOptions{
		ExpectedHash: ifMatch,
		Description:  req.Description,
	})
	if err != nil {
		writeError(w, "write document", path, err)
		return
	}
	status := http.StatusOK
	if v.ChangeType == models.ChangeCreate {
		status = http.StatusCreated
	}
	w.Header().Set("ETag", strconv.Quote(v.Hash))
	writeJSON(w, status, v)
}

// History handles GET /api/history/*.
//
//	@Summary		Version history, newest first
//	@Tags			versions
//	@Produce		json
//	@Param			path	path		string	true	"Document path"
//	@Param			limit	query		int		false	"Max versions"
//	@Success		200		{object}	HistoryResponse
//	@Failure		404		{object}	errResponse
//	@Router			/history/{path} [get]
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	path := docPath(r)
	if path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	vs, err := h.d.Store.History(r.Context(), path, limit)
	if err != nil {
		writeError(w, "history", path, err)
		return
	}
	writeJSON(w, http.StatusOK, HistoryResponse{Path: path, Versions: vs})
}

// Rollback handles POST /api/rollback/*.
//
//	@Summary		Restore a previous version as a new version
//	@Tags			versions
//	@Accept			json
//	@Produce		json
//	@Param			path	path		string			true	"Document path"
//	@Param			body	body		RollbackRequest	true	"Version to restore"
//	@Success		200		{object}	models.Version
//	@Failure		404		{object}	errResponse
//	@Router			/rollback/{path} [post]
func (h *Handler) Rollback(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	path := docPath(r)
	if path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	var req RollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Version < 1 {
		writeJSON(w, http.StatusBadRequest, errorBody("version must be a positive integer"))
		return
	}
	v, err := h.d.Store.Rollback(r.Context(), path, req.Version)
	if err != nil {
		writeError(w, "rollback", path, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// ParseLinks handles GET /api/links/*.
//
//	@Summary		Links and transclusions found in a document
//	@Tags			links
//	@Produce		json
//	@Param			path	path		string	true	"Document path"
//	@Success		200		{object}	parser.Links
//	@Router			/links/{path} [get]
func (h *Handler) ParseLinks(w http.ResponseWriter, r *http.Request) {
	path := docPath(r)
	if path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	links, err := h.d.Store.ParseLinks(r.Context(), path)
	if err != nil {
		writeError(w, "parse links", path, err)
		return
	}
	if links.References == nil {
		links.References = []models.Link{}
	}
	if links.Transclusions == nil {
		links.Transclusions = []models.Link{}
	}
	writeJSON(w, http.StatusOK, links)
}

// Resolve handles GET /api/resolve/*.
//
//	@Summary		Document content with every transclusion expanded
//	@Tags			links
//	@Produce		json
//	@Param			path	path		string	true	"Document path"
//	@Success		200		{object}	ResolveResponse
//	@Failure		422		{object}	errResponse
//	@Router			/resolve/{path} [get]
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	path := docPath(r)
	if path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	out, err := h.d.Transclusion.Resolve(r.Context(), path)
	if err != nil {
		writeError(w, "resolve", path, err)
		return
	}
	writeJSON(w, http.StatusOK, ResolveResponse{Path: path, Content: out})
}

// Backlinks handles GET /api/backlinks/*.
//
//	@Summary		Documents linking to a document
//	@Tags			links
//	@Produce		json
//	@Param			path	path		string	true	"Document path"
//	@Success		200		{object}	BacklinksResponse
//	@Router			/backlinks/{path} [get]
func (h *Handler) Backlinks(w http.ResponseWriter, r *http.Request) {
	path := docPath(r)
	if path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	bl, err := h.d.Links.Backlinks(r.Context(), path)
	if err != nil {
		writeError(w, "backlinks", path, err)
		return
	}
	writeJSON(w, http.StatusOK, BacklinksResponse{Target: path, Backlinks: bl})
}

// Validate handles GET /api/validate.
//
//	@Summary		Check links and transclusions
//	@Tags			links
//	@Produce		json
//	@Param			scope	query		string	false	"Document path or 'all'"
//	@Success		200		{object}	validator.Report
//	@Router			/validate [get]
func (h *Handler) Validate(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	if scope == "" {
		scope = validator.ScopeAll
	}
	rep, err := h.d.Validator.Validate(r.Context(), scope)
	if err != nil {
		writeError(w, "validate", scope, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// Graph handles GET /api/graph.
//
//	@Summary		Dependency graph as structured JSON or a Mermaid diagram
//	@Tags			graph
//	@Produce		json
//	@Produce		plain
//	@Param			format	query		string	false	"Export format"	Enums(structured, diagram)
//	@Success		200		{object}	graph.Structured
//	@Router			/graph [get]
func (h *Handler) Graph(w http.ResponseWriter, r *http.Request) {
	g, err := h.d.Graph(r.Context())
	if err != nil {
		writeError(w, "graph", "", err)
		return
	}
	out, err := g.Export(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, "graph", "", err)
		return
	}
	if diagram, ok := out.(string); ok {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(diagram)); err != nil {
			slog.Error("graph write failed", slog.String("error", err.Error()))
		}
		return
	}
	writeJSON(w, http.StatusOK, out)
}
