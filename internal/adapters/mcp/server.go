package mcpadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kirillkom/grc-retrieval/internal/core/domain"
	"github.com/kirillkom/grc-retrieval/internal/core/ports"
)

const (
	ServerName    = "grc-retrieval"
	ServerVersion = "1.0.0"

	defaultTopK = 10
	maxTopK     = 100
)

// Server exposes search, question answering and change notification as MCP tools.
type Server struct {
	mcp     *server.MCPServer
	search  ports.HybridSearcher
	rag     ports.RAGService
	changes ports.ChangeHandler
	logger  *slog.Logger
}

func NewServer(search ports.HybridSearcher, rag ports.RAGService, changes ports.ChangeHandler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		mcp:     server.NewMCPServer(ServerName, ServerVersion, server.WithToolCapabilities(true)),
		search:  search,
		rag:     rag,
		changes: changes,
		logger:  logger,
	}
	s.mcp.AddTool(hybridSearchTool(), s.handleHybridSearch)
	s.mcp.AddTool(askRecordsTool(), s.handleAskRecords)
	s.mcp.AddTool(notifyRecordChangeTool(), s.handleNotifyRecordChange)
	return s
}

// ServeStdio blocks serving the MCP protocol over stdin and stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func hybridSearchTool() mcp.Tool {
	return mcp.NewTool("hybrid_search",
		mcp.WithDescription("Search GRC records with fused semantic and keyword ranking"),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Free text search query"),
		),
		mcp.WithString("namespace",
			mcp.Description("Restrict to one namespace such as risks or incidents"),
		),
		mcp.WithNumber("top_k",
			mcp.Description("Maximum results to return (default: 10, max: 100)"),
		),
		mcp.WithString("mode",
			mcp.Description("Search mode"),
			mcp.Enum(string(domain.SearchModeHybrid), string(domain.SearchModeSemantic), string(domain.SearchModeKeyword)),
		),
		mcp.WithString("fusion",
			mcp.Description("Fusion method"),
			mcp.Enum(string(domain.FusionRRF), string(domain.FusionWeighted), string(domain.FusionCascade)),
		),
	)
}

func askRecordsTool() mcp.Tool {
	return mcp.NewTool("ask_records",
		mcp.WithDescription("Answer a question from GRC records with cited sources"),
		mcp.WithString("question",
			mcp.Required(),
			mcp.Description("Natural language question"),
		),
		mcp.WithString("namespace",
			mcp.Description("Restrict retrieval to one namespace"),
		),
		mcp.WithString("preset",
			mcp.Description("Answer style preset: concise, detailed, technical, executive"),
		),
		mcp.WithBoolean("include_metadata",
			mcp.Description("Include record metadata in the prompt context"),
		),
	)
}

func notifyRecordChangeTool() mcp.Tool {
	return mcp.NewTool("notify_record_change",
		mcp.WithDescription("Reindex a record after it was inserted, updated or deleted"),
		mcp.WithString("namespace",
			mcp.Required(),
			mcp.Description("Namespace of the changed record"),
		),
		mcp.WithString("record_id",
			mcp.Required(),
			mcp.Description("Identifier of the changed record"),
		),
		mcp.WithString("operation",
			mcp.Required(),
			mcp.Enum(string(domain.OperationInsert), string(domain.OperationUpdate), string(domain.OperationDelete)),
		),
	)
}

func (s *Server) handleHybridSearch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := request.RequireString("query")
	if err != nil || strings.TrimSpace(query) == "" {
		return mcp.NewToolResultError("query parameter is required"), nil
	}

	topK := request.GetInt("top_k", defaultTopK)
	topK = min(max(topK, 1), maxTopK)

	req := domain.SearchRequest{
		Query:     query,
		Namespace: request.GetString("namespace", ""),
		TopK:      topK,
		Mode:      domain.SearchMode(request.GetString("mode", "")),
	}
	if method := request.GetString("fusion", ""); method != "" {
		req.Fusion.Method = domain.FusionMethod(method)
	}

	resp, err := s.search.Search(ctx, req)
	if err != nil {
		s.logger.Error("mcp_search_failed", "error", err)
		return mcp.NewToolResultError(fmt.Sprintf("search error: %v", err)), nil
	}
	return jsonResult(resp)
}

func (s *Server) handleAskRecords(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	question, err := request.RequireString("question")
	if err != nil || strings.TrimSpace(question) == "" {
		return mcp.NewToolResultError("question parameter is required"), nil
	}

	cfg := domain.RAGConfig{
		Preset:          request.GetString("preset", ""),
		IncludeMetadata: request.GetBool("include_metadata", false),
	}
	resp, err := s.rag.Query(ctx, question, request.GetString("namespace", ""), cfg)
	if err != nil {
		s.logger.Error("mcp_rag_failed", "error", err)
		return mcp.NewToolResultError(fmt.Sprintf("question error: %v", err)), nil
	}
	return mcp.NewToolResultText(formatAnswer(resp)), nil
}

func (s *Server) handleNotifyRecordChange(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	change := domain.RecordChange{
		Namespace: request.GetString("namespace", ""),
		RecordID:  request.GetString("record_id", ""),
		Operation: domain.Operation(request.GetString("operation", "")),
	}
	result := s.changes.HandleDataChange(ctx, change)
	if !result.Success {
		return mcp.NewToolResultError(fmt.Sprintf("change rejected: %s", result.Error)), nil
	}
	return jsonResult(result)
}

func jsonResult(payload any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal tool result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

func formatAnswer(resp *domain.RAGResponse) string {
	var b strings.Builder
	b.WriteString(resp.Answer)
	fmt.Fprintf(&b, "\n\nConfidence: %.0f%%", resp.Confidence*100)
	if len(resp.Sources) == 0 {
		return b.String()
	}
	b.WriteString("\n\nSources:\n")
	for i, src := range resp.Sources {
		fmt.Fprintf(&b, "%d. %s (%s/%s)", i+1, src.Title, src.Namespace, src.DocumentID)
		if src.URL != "" {
			fmt.Fprintf(&b, " %s", src.URL)
		}
		b.WriteString("\n")
	}
	return b.String()
}
