// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes the document store operations as tools over stdio.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/igrechuhin/cortex/internal/apperr"
	"github.com/igrechuhin/cortex/internal/docstore"
	"github.com/igrechuhin/cortex/internal/graph"
	"github.com/igrechuhin/cortex/internal/linkindex"
	"github.com/igrechuhin/cortex/internal/transclusion"
	"github.com/igrechuhin/cortex/internal/validator"
)

// Version is reported to MCP clients during initialization.
const Version = "1.0.0"

// Deps are the components the tools call.
type Deps struct {
	Store        docstore.FileStore
	Transclusion transclusion.TransclusionEngine
	Validator    validator.LinkValidator
	Links        linkindex.LinkIndex
	Graph        func(ctx context.Context) (*graph.Graph, error)
	Logger       *slog.Logger
}

// Server wraps the MCP server with the document tools.
type Server struct {
	mcp    *server.MCPServer
	d      Deps
	logger *slog.Logger
}

// New creates a new MCP server with all tools registered.
func New(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{d: d, logger: logger}

	s.mcp = server.NewMCPServer(
		"Cortex",
		Version,
		server.WithToolCapabilities(false),
	)

	s.mcp.AddTool(mcp.NewTool("read_document",
		mcp.WithDescription("Read a Markdown document with its hash, token count, sections and version list."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Relative path to the document (e.g. notes/progress.md)")),
	), s.readDocument)

	s.mcp.AddTool(mcp.NewTool("write_document",
		mcp.WithDescription("Create or replace a document. Every write records a new version. "+
			"Pass expected_hash to fail instead of overwriting a concurrent change."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Relative path (must end with .md)")),
		mcp.WithString("content", mcp.Required(), mcp.Description("Full new Markdown content")),
		mcp.WithString("expected_hash", mcp.Description("Hash returned by a previous read; write fails on mismatch")),
		mcp.WithString("description", mcp.Description("Short description stored with the version")),
	), s.writeDocument)

	s.mcp.AddTool(mcp.NewTool("get_dependency_graph",
		mcp.WithDescription("Dependency graph of all documents with load order and transclusion cycles."),
		mcp.WithString("format", mcp.Description("structured (default) or diagram (Mermaid)")),
	), s.getDependencyGraph)

	s.mcp.AddTool(mcp.NewTool("get_version_history",
		mcp.WithDescription("Versions of a document, newest first."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Relative path to the document")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of versions (0 for all)")),
	), s.getVersionHistory)

	s.mcp.AddTool(mcp.NewTool("rollback_document",
		mcp.WithDescription("Restore the content of an earlier version. The restore is recorded as a new version."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Relative path to the document")),
		mcp.WithNumber("version", mcp.Required(), mcp.Description("Version number to restore")),
	), s.rollbackDocument)

	s.mcp.AddTool(mcp.NewTool("parse_links",
		mcp.WithDescription("Markdown links and {{include:...}} transclusions found in a document."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Relative path to the document")),
	), s.parseLinks)

	s.mcp.AddTool(mcp.NewTool("resolve_transclusions",
		mcp.WithDescription("Document content with every transclusion expanded recursively."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Relative path to the document")),
	), s.resolveTransclusions)

	s.mcp.AddTool(mcp.NewTool("validate_links",
		mcp.WithDescription("Report broken links and missing sections."),
		mcp.WithString("scope", mcp.Description("Document path, or 'all' (default)")),
	), s.validateLinks)

	s.mcp.AddTool(mcp.NewTool("get_backlinks",
		mcp.WithDescription("Find all documents that link to or transclude the specified document."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Path of the document to find backlinks for")),
	), s.getBacklinks)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

// intArg extracts an integer argument; JSON numbers arrive as float64.
func intArg(req mcp.CallToolRequest, key string, defaultVal int) int {
	switch v := req.GetArguments()[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return defaultVal
}

func jsonResult(v any) *mcp.CallToolResult {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error())
	}
	return mcp.NewToolResultText(string(out))
}

// toolError turns a component error into a tool error result. Errors
// outside the taxonomy are logged.
func (s *Server) toolError(tool string, err error) *mcp.CallToolResult {
	known := []error{
		apperr.ErrNotFound, apperr.ErrConflict, apperr.ErrLockTimeout,
		apperr.ErrVersionNotFound, apperr.ErrTargetNotFound, apperr.ErrCircularDependency,
		apperr.ErrMaxDepthExceeded, apperr.ErrInvalidPath, apperr.ErrInvalidArgument,
	}
	for _, k := range known {
		if errors.Is(err, k) {
			return mcp.NewToolResultError(err.Error())
		}
	}
	s.logger.Error("mcp: tool failed", slog.String("tool", tool), slog.String("error", err.Error()))
	return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", tool, err))
}

func (s *Server) readDocument(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	doc, err := s.d.Store.Read(ctx, path)
	if err != nil {
		return s.toolError("read_document", err), nil
	}
	return jsonResult(doc), nil
}

func (s *Server) writeDocument(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	v, err := s.d.Store.Write(ctx, path, []byte(content), docstore.WriteOptions{
		ExpectedHash: req.GetString("expected_hash", ""),
		Description:  req.GetString("description", ""),
	})
	if err != nil {
		return s.toolError("write_document", err), nil
	}
	return jsonResult(v), nil
}

func (s *Server) getDependencyGraph(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	g, err := s.d.Graph(ctx)
	if err != nil {
		return s.toolError("get_dependency_graph", err), nil
	}
	out, err := g.Export(req.GetString("format", graph.FormatStructured))
	if err != nil {
		return s.toolError("get_dependency_graph", err), nil
	}
	if diagram, ok := out.(string); ok {
		return mcp.NewToolResultText(diagram), nil
	}
	return jsonResult(out), nil
}

func (s *Server) getVersionHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	vs, err := s.d.Store.History(ctx, path, intArg(req, "limit", 0))
	if err != nil {
		return s.toolError("get_version_history", err), nil
	}
	return jsonResult(vs), nil
}

func (s *Server) rollbackDocument(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	n := intArg(req, "version", 0)
	if n < 1 {
		return mcp.NewToolResultError("version must be a positive integer"), nil
	}
	v, err := s.d.Store.Rollback(ctx, path, n)
	if err != nil {
		return s.toolError("rollback_document", err), nil
	}
	return jsonResult(v), nil
}

func (s *Server) parseLinks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	links, err := s.d.Store.ParseLinks(ctx, path)
	if err != nil {
		return s.toolError("parse_links", err), nil
	}
	return jsonResult(links), nil
}

func (s *Server) resolveTransclusions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out, err := s.d.Transclusion.Resolve(ctx, path)
	if err != nil {
		return s.toolError("resolve_transclusions", err), nil
	}
	return mcp.NewToolResultText(out), nil
}

func (s *Server) validateLinks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rep, err := s.d.Validator.Validate(ctx, req.GetString("scope", validator.ScopeAll))
	if err != nil {
		return s.toolError("validate_links", err), nil
	}
	return jsonResult(rep), nil
}

func (s *Server) getBacklinks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	bl, err := s.d.Links.Backlinks(ctx, path)
	if err != nil {
		return s.toolError("get_backlinks", err), nil
	}
	if len(bl) == 0 {
		return mcp.NewToolResultText("no backlinks found"), nil
	}
	return jsonResult(bl), nil
}
