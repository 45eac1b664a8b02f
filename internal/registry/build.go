package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/bobmcallan/ibmi-mcp/internal/binding"
	"github.com/bobmcallan/ibmi-mcp/internal/common"
	"github.com/bobmcallan/ibmi-mcp/internal/config"
	"github.com/bobmcallan/ibmi-mcp/internal/sqlguard"
)

// BuildDeps are the collaborators a descriptor handler closes over.
type BuildDeps struct {
	Exec      Executor
	PoolKey   PoolKeyFunc
	Logger    *common.Logger
	FetchSize int
	// SelectedToolsets filters registration: when non-empty, only tools
	// whose toolset membership intersects the list are built.
	SelectedToolsets []string
}

// outputSchemaJSON is the fixed output schema shared by every tool.
var outputSchemaJSON = json.RawMessage(`{
  "type": "object",
  "properties": {
    "success": {"type": "boolean"},
    "data": {"type": "array", "items": {"type": "object"}},
    "metadata": {
      "type": "object",
      "properties": {
        "executionTime": {"type": "number"},
        "rowCount": {"type": "number"},
        "affectedRows": {"type": "number"},
        "columns": {"type": "array", "items": {"type": "object"}},
        "parameterMode": {"type": "string"},
        "parameterCount": {"type": "number"},
        "processedParameters": {"type": "array", "items": {"type": "string"}},
        "toolName": {"type": "string"},
        "sqlStatement": {"type": "string"},
        "parameters": {"type": "object"}
      }
    },
    "error": {"type": "string"},
    "errorCode": {"type": "string"}
  },
  "required": ["success"]
}`)

// Build produces the descriptor map for a validated merged config.
func Build(cfg *config.Config, deps BuildDeps) (map[string]*Descriptor, error) {
	selected := make(map[string]bool, len(deps.SelectedToolsets))
	for _, name := range deps.SelectedToolsets {
		selected[name] = true
	}

	out := make(map[string]*Descriptor)
	for name, spec := range cfg.Tools {
		if !spec.IsEnabled() {
			continue
		}
		toolsets := cfg.ToolsetsOf(name)
		if len(selected) > 0 && !intersects(toolsets, selected) {
			continue
		}
		desc, err := buildDescriptor(name, spec, toolsets, deps)
		if err != nil {
			return nil, err
		}
		out[name] = desc
	}
	return out, nil
}

func intersects(names []string, set map[string]bool) bool {
	for _, n := range names {
		if set[n] {
			return true
		}
	}
	return false
}

// buildDescriptor synthesizes the schema, annotations, policy, and
// handler closure for one tool.
func buildDescriptor(name string, spec config.ToolSpec, toolsets []string, deps BuildDeps) (*Descriptor, error) {
	policy := resolvePolicy(spec.Security)
	annotations := resolveAnnotations(name, spec, toolsets, policy)

	tool, err := synthesizeTool(name, spec, annotations)
	if err != nil {
		return nil, err
	}

	desc := &Descriptor{
		Name:        name,
		Description: spec.Description,
		Source:      spec.Source,
		Statement:   spec.Statement,
		Parameters:  spec.Parameters,
		Policy:      policy,
		Response:    spec.Response,
		Annotations: annotations,
		Tool:        tool,
	}
	desc.Handler = buildHandler(desc, deps)
	return desc, nil
}

// resolvePolicy merges a tool's security overrides onto the defaults.
// Forbidden-keyword overrides are additions only.
func resolvePolicy(sec *config.SecuritySpec) sqlguard.Policy {
	policy := sqlguard.DefaultPolicy()
	if sec == nil {
		return policy
	}
	if sec.ReadOnly != nil {
		policy.ReadOnly = *sec.ReadOnly
	}
	if sec.MaxQueryLength > 0 {
		policy.MaxQueryLength = sec.MaxQueryLength
	}
	policy.ForbiddenKeywords = append(policy.ForbiddenKeywords, sec.ForbiddenKeywords...)
	return policy
}

// resolveAnnotations computes the authoritative annotations. The
// user-supplied toolsets field is discarded; membership comes from the
// merged toolsets section alone.
func resolveAnnotations(name string, spec config.ToolSpec, toolsets []string, policy sqlguard.Policy) Annotations {
	a := Annotations{
		Title:    spec.Annotations.Title,
		Domain:   spec.Domain,
		Category: spec.Category,
		Toolsets: toolsets,
	}
	if a.Title == "" {
		a.Title = titleCase(name)
	}
	if spec.Annotations.ReadOnlyHint != nil {
		a.ReadOnlyHint = *spec.Annotations.ReadOnlyHint
	} else {
		a.ReadOnlyHint = policy.ReadOnly
	}
	if len(spec.Annotations.Metadata) > 0 || len(spec.Metadata) > 0 {
		a.CustomMetadata = make(map[string]any, len(spec.Annotations.Metadata)+len(spec.Metadata))
		for k, v := range spec.Annotations.Metadata {
			a.CustomMetadata[k] = v
		}
		for k, v := range spec.Metadata {
			a.CustomMetadata[k] = v
		}
	}
	return a
}

// titleCase converts a tool name to a display title: system_status ->
// "System Status".
func titleCase(name string) string {
	words := strings.FieldsFunc(name, func(r rune) bool {
		return r == '_' || r == '-'
	})
	for i, w := range words {
		if len(w) > 0 {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

// synthesizeTool composes the mcp.Tool with the input schema derived from
// the ordered parameter list.
func synthesizeTool(name string, spec config.ToolSpec, annotations Annotations) (mcp.Tool, error) {
	opts := []mcp.ToolOption{
		mcp.WithDescription(spec.Description),
		mcp.WithTitleAnnotation(annotations.Title),
		mcp.WithReadOnlyHintAnnotation(annotations.ReadOnlyHint),
	}
	if spec.Annotations.DestructiveHint != nil {
		opts = append(opts, mcp.WithDestructiveHintAnnotation(*spec.Annotations.DestructiveHint))
	}
	if spec.Annotations.IdempotentHint != nil {
		opts = append(opts, mcp.WithIdempotentHintAnnotation(*spec.Annotations.IdempotentHint))
	}

	for i := range spec.Parameters {
		opt, err := parameterOption(&spec.Parameters[i])
		if err != nil {
			return mcp.Tool{}, err
		}
		opts = append(opts, opt)
	}

	tool := mcp.NewTool(name, opts...)
	tool.RawOutputSchema = outputSchemaJSON
	return tool, nil
}

// parameterOption maps one ParameterSpec onto the matching mcp-go
// property option, carrying its constraints into the published schema.
func parameterOption(p *config.ParameterSpec) (mcp.ToolOption, error) {
	desc := p.Description
	if len(p.Enum) > 0 {
		values := make([]string, len(p.Enum))
		for i, v := range p.Enum {
			values[i] = fmt.Sprintf("%v", v)
		}
		if desc != "" {
			desc += " "
		}
		desc += "Must be one of: " + strings.Join(values, ", ")
	}

	var opts []mcp.PropertyOption
	if desc != "" {
		opts = append(opts, mcp.Description(desc))
	}
	if p.IsEffectivelyRequired() {
		opts = append(opts, mcp.Required())
	}

	switch p.Type {
	case config.TypeString:
		if p.MinLength != nil {
			opts = append(opts, mcp.MinLength(*p.MinLength))
		}
		if p.MaxLength != nil {
			opts = append(opts, mcp.MaxLength(*p.MaxLength))
		}
		if p.Pattern != "" {
			opts = append(opts, mcp.Pattern(p.Pattern))
		}
		if len(p.Enum) > 0 {
			values := make([]string, 0, len(p.Enum))
			for _, v := range p.Enum {
				if s, ok := v.(string); ok {
					values = append(values, s)
				}
			}
			opts = append(opts, mcp.Enum(values...))
		}
		if s, ok := p.Default.(string); ok {
			opts = append(opts, mcp.DefaultString(s))
		}
		return mcp.WithString(p.Name, opts...), nil

	case config.TypeInteger, config.TypeFloat:
		if p.Min != nil {
			opts = append(opts, mcp.Min(*p.Min))
		}
		if p.Max != nil {
			opts = append(opts, mcp.Max(*p.Max))
		}
		if p.Default != nil {
			if f, err := defaultNumber(p.Default); err == nil {
				opts = append(opts, mcp.DefaultNumber(f))
			}
		}
		return mcp.WithNumber(p.Name, opts...), nil

	case config.TypeBoolean:
		if b, ok := p.Default.(bool); ok {
			opts = append(opts, mcp.DefaultBool(b))
		}
		return mcp.WithBoolean(p.Name, opts...), nil

	case config.TypeArray:
		if p.MinLength != nil {
			opts = append(opts, mcp.MinItems(*p.MinLength))
		}
		if p.MaxLength != nil {
			opts = append(opts, mcp.MaxItems(*p.MaxLength))
		}
		switch p.ItemType {
		case config.TypeString:
			opts = append([]mcp.PropertyOption{mcp.WithStringItems()}, opts...)
		case config.TypeInteger, config.TypeFloat:
			opts = append([]mcp.PropertyOption{mcp.Items(map[string]any{"type": "number"})}, opts...)
		case config.TypeBoolean:
			opts = append([]mcp.PropertyOption{mcp.Items(map[string]any{"type": "boolean"})}, opts...)
		}
		return mcp.WithArray(p.Name, opts...), nil
	}
	return nil, common.NewError(common.KindValidation, "parameter %q has invalid type %q", p.Name, p.Type)
}

func defaultNumber(v any) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}

// buildHandler closes over the descriptor and collaborators: bind the
// arguments, policy-check the bound SQL, execute on the resolved pool,
// and project the result columns.
func buildHandler(desc *Descriptor, deps BuildDeps) HandlerFunc {
	policy := desc.Policy
	return func(ctx context.Context, args map[string]any) (*OutputPayload, error) {
		rc := common.RequestContextFrom(ctx)
		logger := deps.Logger
		if logger != nil {
			logger = logger.WithCorrelationId(rc.RequestID)
		}

		bound, err := binding.Bind(desc.Parameters, args, desc.Statement)
		if err != nil {
			return nil, err
		}

		key := deps.PoolKey(ctx, desc.Source)
		result, err := deps.Exec.ExecuteQueryWithPagination(ctx, key, bound.SQL, bound.Values, deps.FetchSize, &policy)
		if err != nil {
			return nil, err
		}

		if logger != nil {
			logger.Info().
				Str("tool", desc.Name).
				Int("rows", len(result.Data)).
				Int("fetches", result.FetchCount).
				Msg("tool executed")
		}

		payload := &OutputPayload{
			Success: true,
			Data:    result.Data,
			Metadata: OutputMetadata{
				ExecutionTime:       result.ExecutionTime,
				RowCount:            len(result.Data),
				AffectedRows:        result.UpdateCount,
				ParameterMode:       bound.Metadata.Mode,
				ParameterCount:      bound.Metadata.Count,
				ProcessedParameters: bound.Metadata.ProcessedParameters,
				ToolName:            desc.Name,
				SQLStatement:        common.TruncateSQL(bound.SQL),
				Parameters:          args,
			},
		}
		if result.Metadata != nil {
			payload.Metadata.Columns = result.Metadata.Columns
		}
		return payload, nil
	}
}

// BuildExecuteSQL constructs the built-in free-form execute tool. It is
// registered only when the server config opts in, and always runs under
// the default read-only policy.
func BuildExecuteSQL(sourceName string, deps BuildDeps) *Descriptor {
	policy := sqlguard.DefaultPolicy()

	tool := mcp.NewTool("execute_sql",
		mcp.WithDescription("Execute a read-only SQL statement against the database. Destructive statements are rejected."),
		mcp.WithTitleAnnotation("Execute SQL"),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithString("sql", mcp.Required(), mcp.Description("The SQL statement to execute. Must be a SELECT or WITH statement.")),
	)
	tool.RawOutputSchema = outputSchemaJSON

	desc := &Descriptor{
		Name:        "execute_sql",
		Description: "Execute a read-only SQL statement",
		Source:      sourceName,
		Policy:      policy,
		Response:    config.ResponseSpec{Format: "markdown"},
		Annotations: Annotations{Title: "Execute SQL", ReadOnlyHint: true, Toolsets: []string{}},
		Tool:        tool,
	}
	desc.Handler = func(ctx context.Context, args map[string]any) (*OutputPayload, error) {
		sql, _ := args["sql"].(string)
		if strings.TrimSpace(sql) == "" {
			return nil, common.NewError(common.KindValidation, "required parameter %q is missing", "sql")
		}
		key := deps.PoolKey(ctx, sourceName)
		result, err := deps.Exec.ExecuteQueryWithPagination(ctx, key, sql, nil, deps.FetchSize, &policy)
		if err != nil {
			return nil, err
		}
		payload := &OutputPayload{
			Success: true,
			Data:    result.Data,
			Metadata: OutputMetadata{
				ExecutionTime: result.ExecutionTime,
				RowCount:      len(result.Data),
				AffectedRows:  result.UpdateCount,
				ParameterMode: binding.ModeNone,
				ToolName:      "execute_sql",
				SQLStatement:  common.TruncateSQL(sql),
			},
		}
		if result.Metadata != nil {
			payload.Metadata.Columns = result.Metadata.Columns
		}
		return payload, nil
	}
	return desc
}
