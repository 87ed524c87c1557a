// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes the citation session as tools for LLM integration via stdio
// transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"gopkg.in/yaml.v3"

	"github.com/zotero/zotero-word-js-integration/internal/fieldmodel"
	"github.com/zotero/zotero-word-js-integration/internal/gateway/memdoc"
	"github.com/zotero/zotero-word-js-integration/internal/journal"
	"github.com/zotero/zotero-word-js-integration/internal/session"
)

const contractURI = "citefield://command-protocol"

// Loader replaces the content of a document.
type Loader interface {
	Load(f memdoc.Fixture) error
}

// Server wraps the MCP server with session tools.
type Server struct {
	mcp     *server.MCPServer
	session *session.Session
	ctrl    *session.Controller
	journal *journal.DB
	doc     Loader
	prefix  string
}

// New creates a new MCP server with all tools registered. ctrl and doc may
// be nil; the tools that need them then report an error.
func New(s *session.Session, ctrl *session.Controller, jr *journal.DB, doc Loader, prefix string) *Server {
	srv := &Server{session: s, ctrl: ctrl, journal: jr, doc: doc, prefix: prefix}

	srv.mcp = server.NewMCPServer(
		"Citation Fields",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	srv.mcp.AddTool(mcp.NewTool("run_command",
		mcp.WithDescription("Run one session command against the open document. "+
			"Read the protocol first via get_command_contract or the "+contractURI+" resource."),
		mcp.WithString("command", mcp.Required(), mcp.Description("Command name, e.g. Document.getFields")),
		mcp.WithString("arguments", mcp.Description("JSON array of positional arguments (default [])")),
	), srv.runCommand)

	srv.mcp.AddTool(mcp.NewTool("list_fields",
		mcp.WithDescription("List the document's citation fields in document order."),
	), srv.listFields)

	srv.mcp.AddTool(mcp.NewTool("list_transactions",
		mcp.WithDescription("List recent session transactions, newest first."),
		mcp.WithNumber("limit", mcp.Description("Max entries (default 50)")),
	), srv.listTransactions)

	srv.mcp.AddTool(mcp.NewTool("search_transactions",
		mcp.WithDescription("Search the failure messages of past transactions."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search query string")),
	), srv.searchTransactions)

	srv.mcp.AddTool(mcp.NewTool("exec_command",
		mcp.WithDescription("Ask the citation manager to run a command (e.g. addEditCitation, refresh) "+
			"on the document and serve the session it starts."),
		mcp.WithString("command", mcp.Required(), mcp.Description("Controller command")),
		mcp.WithString("doc_id", mcp.Description("Document id (default: the open document)")),
	), srv.execCommand)

	srv.mcp.AddTool(mcp.NewTool("load_fixture",
		mcp.WithDescription("Replace the in-memory document with a YAML fixture."),
		mcp.WithString("content", mcp.Required(), mcp.Description("YAML fixture with id, data, caret and body")),
	), srv.loadFixture)

	srv.mcp.AddTool(mcp.NewTool("get_command_contract",
		mcp.WithDescription("Returns the session command protocol. "+
			"Call this before run_command to learn argument order and result shapes."),
	), srv.getCommandContract)

	srv.mcp.AddResource(
		mcp.NewResource(contractURI, "Command Protocol",
			mcp.WithResourceDescription("Session commands, their arguments and result shapes."),
			mcp.WithMIMEType("text/markdown"),
		),
		srv.readContractResource,
	)

	return srv
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func jsonResult(v any) *mcp.CallToolResult {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error())
	}
	return mcp.NewToolResultText(string(out))
}

func (s *Server) runCommand(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	command, err := req.RequireString("command")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var args []json.RawMessage
	if raw := strings.TrimSpace(req.GetString("arguments", "")); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("arguments must be a JSON array: %v", err)), nil
		}
	}
	res := s.session.Run(ctx, command, args)
	if res.Err != nil {
		out, _ := json.Marshal(res.Payload())
		return mcp.NewToolResultError(string(out)), nil
	}
	return jsonResult(res.Payload()), nil
}

func (s *Server) listFields(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	fields, err := s.session.Fields(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(fields) == 0 {
		return mcp.NewToolResultText("no fields found"), nil
	}
	lines := make([]string, len(fields))
	for i, sum := range fieldmodel.Summaries(fields, s.prefix) {
		lines[i] = fmt.Sprintf("%s\tnote=%d\t%s", fields[i].ID, fields[i].NoteIndex(), sum)
	}
	return mcp.NewToolResultText(strings.Join(lines, "\n")), nil
}

func (s *Server) listTransactions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	entries, err := s.journal.List(ctx, req.GetInt("limit", 50))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(entries), nil
}

func (s *Server) searchTransactions(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	results, err := s.journal.Search(query, 20)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(results) == 0 {
		return mcp.NewToolResultText("no matches"), nil
	}
	return jsonResult(results), nil
}

func (s *Server) execCommand(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	command, err := req.RequireString("command")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if s.ctrl == nil {
		return mcp.NewToolResultError("no relay configured"), nil
	}
	if err := s.ctrl.Exec(ctx, command, req.GetString("doc_id", "")); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("served: %s", command)), nil
}

func (s *Server) loadFixture(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if s.doc == nil {
		return mcp.NewToolResultError("document is not replaceable"), nil
	}
	var f memdoc.Fixture
	if err := yaml.Unmarshal([]byte(content), &f); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid fixture: %v", err)), nil
	}
	if err := s.doc.Load(f); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	s.session.Invalidate()
	return mcp.NewToolResultText(fmt.Sprintf("loaded: %d items", len(f.Body))), nil
}

func (s *Server) getCommandContract(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(CommandContract), nil
}

func (s *Server) readContractResource(_ context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      contractURI,
			MIMEType: "text/markdown",
			Text:     CommandContract,
		},
	}, nil
}
