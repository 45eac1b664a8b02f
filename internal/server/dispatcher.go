package server

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/bobmcallan/ibmi-mcp/internal/common"
	"github.com/bobmcallan/ibmi-mcp/internal/formatter"
	"github.com/bobmcallan/ibmi-mcp/internal/registry"
)

// toolHandler adapts one descriptor into an mcp-go handler. The closure
// captures the descriptor by value semantics: a registry swap mid-call
// never changes what an in-flight invocation executes.
func (s *Server) toolHandler(desc *registry.Descriptor) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		rc := common.NewRequestContext("tool:" + desc.Name).ForTool(desc.Name)
		ctx = common.WithRequestContext(ctx, rc)
		logger := s.logger.WithCorrelationId(rc.RequestID)

		if err := s.checkRequestAuth(ctx); err != nil {
			return s.errorResult(desc, err), nil
		}

		args := req.GetArguments()
		payload, err := desc.Handler(ctx, args)
		if err != nil {
			logger.Warn().
				Str("tool", desc.Name).
				Str("error", err.Error()).
				Msg("tool call failed")
			return s.errorResult(desc, err), nil
		}

		text := s.renderPayload(desc, args, payload)
		return &mcp.CallToolResult{
			Content:           []mcp.Content{mcp.NewTextContent(text)},
			StructuredContent: payload,
		}, nil
	}
}

// checkRequestAuth enforces the configured auth mode at dispatch time.
// The HTTP middleware resolves identities; stdio requests run under the
// static identity and only auth mode ibmi rejects them.
func (s *Server) checkRequestAuth(ctx context.Context) error {
	if s.cfg.Auth.Mode != "ibmi" {
		return nil
	}
	id, ok := common.IdentityFrom(ctx)
	if !ok || id.Kind != "token" {
		return common.NewError(common.KindAuthentication, "a valid bearer token is required")
	}
	return nil
}

// renderPayload applies the tool's response formatter.
func (s *Server) renderPayload(desc *registry.Descriptor, args map[string]any, payload *registry.OutputPayload) string {
	if desc.Response.Format != "markdown" {
		return formatter.FormatJSON(payload)
	}
	return formatter.FormatMarkdown(desc.Name, formatter.ResultView{
		Rows:       payload.Data,
		Columns:    payload.Metadata.Columns,
		SQL:        payload.Metadata.SQLStatement,
		Parameters: args,
	}, formatter.Options{
		TableStyle:     desc.Response.TableStyle,
		MaxDisplayRows: desc.Response.MaxDisplayRows,
		NullDisplay:    desc.Response.NullDisplay,
		ShowSQL:        true,
		ShowParameters: true,
	})
}

// errorResult converts a pipeline error into the MCP error shape. This is
// the only place errors become user-facing text.
func (s *Server) errorResult(desc *registry.Descriptor, err error) *mcp.CallToolResult {
	kind := common.KindOf(err)
	msg := err.Error()

	structured := &registry.OutputPayload{
		Success:   false,
		Error:     msg,
		ErrorCode: kind.String(),
		Metadata: registry.OutputMetadata{
			ToolName: desc.Name,
		},
	}
	var ke *common.KindError
	if common.AsKindError(err, &ke) && len(ke.Details) > 0 {
		structured.ErrorDetails = ke.Details
	}

	var text string
	if desc.Response.Format == "markdown" {
		text = formatter.FormatError(desc.Name, kind.String(), msg, common.TruncateSQL(desc.Statement))
	} else {
		text = "Error executing '" + desc.Name + "': " + msg
	}

	return &mcp.CallToolResult{
		IsError:           true,
		Content:           []mcp.Content{mcp.NewTextContent(text)},
		StructuredContent: structured,
	}
}
