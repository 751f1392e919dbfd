package api

import (
	"github.com/go-chi/chi/v5"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
func NewRouter(d Deps, authEnabled bool, token string) chi.Router {
	h := NewHandler(d)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Documents.
	r.Get("/documents/*", h.ReadDocument)
	r.Put("/documents/*", h.WriteDocument)

	// Versions.
	r.Get("/history/*", h.History)
	r.Post("/rollback/*", h.Rollback)

	// Links.
	r.Get("/links/*", h.ParseLinks)
	r.Get("/resolve/*", h.Resolve)
	r.Get("/backlinks/*", h.Backlinks)
	r.Get("/validate", h.Validate)

	// Graph.
	r.Get("/graph", h.Graph)

	return r
}
