package server

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
)

// Resource URIs are stable so agents can bookmark them across reloads.
const (
	toolsResourceURI    = "ibmi://tools"
	toolsetsResourceURI = "ibmi://toolsets"
)

// toolResourceEntry is the discovery view of one tool.
type toolResourceEntry struct {
	Name        string   `json:"name"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Domain      string   `json:"domain,omitempty"`
	Category    string   `json:"category,omitempty"`
	ReadOnly    bool     `json:"readOnly"`
	Toolsets    []string `json:"toolsets"`
}

// toolsetResourceEntry is the discovery view of one toolset.
type toolsetResourceEntry struct {
	Name        string   `json:"name"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Tools       []string `json:"tools"`
}

// publishResources (re-)registers the tools and toolsets discovery
// resources. AddResource replaces an existing URI in place, so reloads
// just call this again. Must run under reloadMu.
func (s *Server) publishResources() {
	s.mcpServer.AddResource(
		mcp.NewResource(toolsResourceURI, "tools",
			mcp.WithResourceDescription("Registered SQL tools with their annotations"),
			mcp.WithMIMEType("application/json"),
		),
		func(_ context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
			return s.readToolsResource(req.Params.URI)
		},
	)

	s.mcpServer.AddResource(
		mcp.NewResource(toolsetsResourceURI, "toolsets",
			mcp.WithResourceDescription("Named tool groups available for filtering"),
			mcp.WithMIMEType("application/json"),
		),
		func(_ context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
			return s.readToolsetsResource(req.Params.URI)
		},
	)
}

// readToolsResource renders the current registry snapshot.
func (s *Server) readToolsResource(uri string) ([]mcp.ResourceContents, error) {
	snapshot := s.registry.Snapshot()
	entries := make([]toolResourceEntry, 0, len(snapshot))
	for _, desc := range snapshot {
		entries = append(entries, toolResourceEntry{
			Name:        desc.Name,
			Title:       desc.Annotations.Title,
			Description: desc.Description,
			Domain:      desc.Annotations.Domain,
			Category:    desc.Annotations.Category,
			ReadOnly:    desc.Annotations.ReadOnlyHint,
			Toolsets:    desc.Annotations.Toolsets,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return jsonResource(uri, entries)
}

// readToolsetsResource renders the toolsets of the current config.
func (s *Server) readToolsetsResource(uri string) ([]mcp.ResourceContents, error) {
	cfg := s.ToolConfig()
	var entries []toolsetResourceEntry
	if cfg != nil {
		for name, ts := range cfg.Toolsets {
			tools := append([]string(nil), ts.Tools...)
			sort.Strings(tools)
			entries = append(entries, toolsetResourceEntry{
				Name:        name,
				Title:       ts.Title,
				Description: ts.Description,
				Tools:       tools,
			})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return jsonResource(uri, entries)
}

func jsonResource(uri string, payload any) ([]mcp.ResourceContents, error) {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
