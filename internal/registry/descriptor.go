// Package registry builds runtime tool descriptors from the merged
// configuration: input schemas, annotations, security policies, and the
// handler pipeline. The descriptor map swaps atomically on reload;
// in-flight calls keep the descriptor they started with.
package registry

import (
	"context"
	"sync/atomic"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/bobmcallan/ibmi-mcp/internal/binding"
	"github.com/bobmcallan/ibmi-mcp/internal/config"
	"github.com/bobmcallan/ibmi-mcp/internal/gateway"
	"github.com/bobmcallan/ibmi-mcp/internal/pool"
	"github.com/bobmcallan/ibmi-mcp/internal/sqlguard"
)

// Annotations are the resolved tool annotations. Toolsets always come
// from the toolsets section of the merged config; a user-supplied
// annotations.toolsets field is discarded.
type Annotations struct {
	Title          string         `json:"title"`
	Domain         string         `json:"domain,omitempty"`
	Category       string         `json:"category,omitempty"`
	ReadOnlyHint   bool           `json:"readOnlyHint"`
	Toolsets       []string       `json:"toolsets"`
	CustomMetadata map[string]any `json:"customMetadata,omitempty"`
}

// OutputMetadata describes one execution in the structured output.
type OutputMetadata struct {
	ExecutionTime       int64            `json:"executionTime"`
	RowCount            int              `json:"rowCount"`
	AffectedRows        int              `json:"affectedRows"`
	Columns             []gateway.Column `json:"columns,omitempty"`
	ParameterMode       binding.Mode     `json:"parameterMode"`
	ParameterCount      int              `json:"parameterCount"`
	ProcessedParameters []string         `json:"processedParameters"`
	ToolName            string           `json:"toolName"`
	SQLStatement        string           `json:"sqlStatement"`
	Parameters          map[string]any   `json:"parameters,omitempty"`
}

// OutputPayload is the structured content of every tool response.
type OutputPayload struct {
	Success      bool             `json:"success"`
	Data         []map[string]any `json:"data"`
	Metadata     OutputMetadata   `json:"metadata"`
	Error        string           `json:"error,omitempty"`
	ErrorCode    string           `json:"errorCode,omitempty"`
	ErrorDetails map[string]any   `json:"errorDetails,omitempty"`
}

// HandlerFunc runs the tool pipeline: bind, policy check, execute.
type HandlerFunc func(ctx context.Context, args map[string]any) (*OutputPayload, error)

// Descriptor is the runtime form of one configured tool.
type Descriptor struct {
	Name        string
	Description string
	Source      string
	Statement   string
	Parameters  []config.ParameterSpec
	Policy      sqlguard.Policy
	Response    config.ResponseSpec
	Annotations Annotations
	Tool        mcp.Tool
	Handler     HandlerFunc
}

// Executor is the slice of the pool manager descriptors execute through.
type Executor interface {
	ExecuteQueryWithPagination(ctx context.Context, key, sql string, params []any, fetchSize int, security *sqlguard.Policy) (*pool.AggregatedResult, error)
}

// PoolKeyFunc resolves the pool key for one request: the session pool for
// token identities, the tool's static source otherwise.
type PoolKeyFunc func(ctx context.Context, sourceName string) string

// StaticPoolKey is the key convention for source-keyed pools.
func StaticPoolKey(source string) string { return "source:" + source }

// Registry is the swap-atomic name -> Descriptor map.
type Registry struct {
	descriptors atomic.Pointer[map[string]*Descriptor]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	empty := make(map[string]*Descriptor)
	r.descriptors.Store(&empty)
	return r
}

// Get returns the descriptor for name from the current snapshot.
func (r *Registry) Get(name string) (*Descriptor, bool) {
	m := *r.descriptors.Load()
	d, ok := m[name]
	return d, ok
}

// Snapshot returns the current descriptor map. Callers must not mutate.
func (r *Registry) Snapshot() map[string]*Descriptor {
	return *r.descriptors.Load()
}

// Swap atomically replaces the descriptor map. Readers see either the
// entire old map or the entire new one.
func (r *Registry) Swap(next map[string]*Descriptor) {
	r.descriptors.Store(&next)
}
