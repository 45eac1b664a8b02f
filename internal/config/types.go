package config

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/bobmcallan/ibmi-mcp/internal/common"
	"github.com/bobmcallan/ibmi-mcp/internal/sqlguard"
)

// Config is the merged root of all tool YAML documents.
type Config struct {
	Sources  map[string]SourceSpec  `yaml:"sources"`
	Tools    map[string]ToolSpec    `yaml:"tools"`
	Toolsets map[string]ToolsetSpec `yaml:"toolsets"`
}

// SourceSpec is a named database-gateway connection descriptor.
type SourceSpec struct {
	Host               string `yaml:"host"`
	User               string `yaml:"user"`
	Password           string `yaml:"password"`
	Port               int    `yaml:"port"`
	IgnoreUnauthorized bool   `yaml:"ignore-unauthorized"`
}

// ParamType is the logical type of a tool parameter.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeInteger ParamType = "integer"
	TypeFloat   ParamType = "float"
	TypeBoolean ParamType = "boolean"
	TypeArray   ParamType = "array"
)

// ParameterSpec declares one SQL parameter. It is a closed tagged variant:
// the same value drives argument validation, schema synthesis, and binding.
type ParameterSpec struct {
	Name        string    `yaml:"name"`
	Type        ParamType `yaml:"type"`
	Description string    `yaml:"description"`
	Default     any       `yaml:"default"`
	Required    bool      `yaml:"required"`
	ItemType    ParamType `yaml:"itemType"`
	Min         *float64  `yaml:"min"`
	Max         *float64  `yaml:"max"`
	MinLength   *int      `yaml:"minLength"`
	MaxLength   *int      `yaml:"maxLength"`
	Pattern     string    `yaml:"pattern"`
	Enum        []any     `yaml:"enum"`
}

// SecuritySpec is a per-tool override of the SQL policy.
type SecuritySpec struct {
	ReadOnly          *bool    `yaml:"readOnly"`
	MaxQueryLength    int      `yaml:"maxQueryLength"`
	ForbiddenKeywords []string `yaml:"forbiddenKeywords"`
}

// ResponseSpec controls result rendering.
type ResponseSpec struct {
	Format         string `yaml:"format"`     // json | markdown
	TableStyle     string `yaml:"tableStyle"` // markdown | ascii | grid | compact
	MaxDisplayRows int    `yaml:"maxDisplayRows"`
	NullDisplay    string `yaml:"nullDisplay"`
}

// AnnotationsSpec carries user-provided tool annotations. The toolsets
// field is accepted in YAML but discarded at registration: membership is
// computed from the toolsets section only.
type AnnotationsSpec struct {
	Title           string         `yaml:"title"`
	ReadOnlyHint    *bool          `yaml:"readOnlyHint"`
	DestructiveHint *bool          `yaml:"destructiveHint"`
	IdempotentHint  *bool          `yaml:"idempotentHint"`
	Toolsets        []string       `yaml:"toolsets"`
	Metadata        map[string]any `yaml:"metadata"`
}

// ToolSpec is a named SQL operation.
type ToolSpec struct {
	Enabled     *bool           `yaml:"enabled"` // nil means enabled
	Source      string          `yaml:"source"`
	Description string          `yaml:"description"`
	Statement   string          `yaml:"statement"`
	Domain      string          `yaml:"domain"`
	Category    string          `yaml:"category"`
	Parameters  []ParameterSpec `yaml:"parameters"`
	Security    *SecuritySpec   `yaml:"security"`
	Response    ResponseSpec    `yaml:"response"`
	Annotations AnnotationsSpec `yaml:"annotations"`
	Metadata    map[string]any  `yaml:"metadata"`
}

// IsEnabled reports whether the tool should be registered.
func (t *ToolSpec) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// ToolsetSpec groups tools for filtering and discovery.
type ToolsetSpec struct {
	Title       string   `yaml:"title"`
	Description string   `yaml:"description"`
	Tools       []string `yaml:"tools"`
}

var toolNameRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)

// Validate checks a parameter declaration against the tagged-variant rules.
func (p *ParameterSpec) Validate() error {
	if p.Name == "" {
		return common.NewError(common.KindValidation, "parameter has empty name")
	}
	switch p.Type {
	case TypeString, TypeInteger, TypeFloat, TypeBoolean, TypeArray:
	default:
		return common.NewError(common.KindValidation, "parameter %q has invalid type %q", p.Name, p.Type)
	}

	if p.Type == TypeArray {
		switch p.ItemType {
		case TypeString, TypeInteger, TypeFloat, TypeBoolean:
		case "":
			return common.NewError(common.KindValidation, "array parameter %q requires itemType", p.Name)
		default:
			return common.NewError(common.KindValidation, "array parameter %q has invalid itemType %q", p.Name, p.ItemType)
		}
	} else if p.ItemType != "" {
		return common.NewError(common.KindValidation, "parameter %q has itemType but is not an array", p.Name)
	}

	if p.Pattern != "" {
		if p.Type != TypeString {
			return common.NewError(common.KindValidation, "parameter %q: pattern is only valid on string parameters", p.Name)
		}
		if _, err := regexp.Compile(p.Pattern); err != nil {
			return common.WrapError(common.KindValidation, err, "parameter %q has invalid pattern", p.Name)
		}
	}

	if len(p.Enum) > 0 && p.Type == TypeBoolean {
		return common.NewError(common.KindValidation, "parameter %q: enum is not valid on boolean parameters", p.Name)
	}
	if len(p.Enum) > 0 && p.Type == TypeArray {
		return common.NewError(common.KindValidation, "parameter %q: enum is not valid on array parameters", p.Name)
	}

	if p.Min != nil && p.Max != nil && *p.Min > *p.Max {
		return common.NewError(common.KindValidation, "parameter %q: min %v exceeds max %v", p.Name, *p.Min, *p.Max)
	}
	if p.MinLength != nil && p.MaxLength != nil && *p.MinLength > *p.MaxLength {
		return common.NewError(common.KindValidation, "parameter %q: minLength %d exceeds maxLength %d", p.Name, *p.MinLength, *p.MaxLength)
	}
	if (p.Min != nil || p.Max != nil) && p.Type != TypeInteger && p.Type != TypeFloat {
		return common.NewError(common.KindValidation, "parameter %q: min/max are only valid on numeric parameters", p.Name)
	}

	if p.Default != nil {
		if _, err := p.CoerceValue(p.Default); err != nil {
			return common.WrapError(common.KindValidation, err, "parameter %q has invalid default", p.Name)
		}
	}
	return nil
}

// IsEffectivelyRequired reports whether a caller must supply the argument.
// A default satisfies requiredness.
func (p *ParameterSpec) IsEffectivelyRequired() bool {
	return p.Required && p.Default == nil
}

// CoerceValue validates v against the parameter constraints and returns
// the canonical Go value: string, int64, float64, bool, or []any of those.
func (p *ParameterSpec) CoerceValue(v any) (any, error) {
	if v == nil {
		return nil, common.NewError(common.KindValidation, "parameter %q: value is null", p.Name)
	}
	switch p.Type {
	case TypeString:
		s, ok := v.(string)
		if !ok {
			return nil, common.NewError(common.KindValidation, "parameter %q: expected string, got %T", p.Name, v)
		}
		if p.MinLength != nil && len(s) < *p.MinLength {
			return nil, common.NewError(common.KindValidation, "parameter %q: length %d below minLength %d", p.Name, len(s), *p.MinLength)
		}
		if p.MaxLength != nil && len(s) > *p.MaxLength {
			return nil, common.NewError(common.KindValidation, "parameter %q: length %d exceeds maxLength %d", p.Name, len(s), *p.MaxLength)
		}
		if p.Pattern != "" {
			re := regexp.MustCompile(p.Pattern)
			if !re.MatchString(s) {
				return nil, common.NewError(common.KindValidation, "parameter %q: value does not match pattern %s", p.Name, p.Pattern)
			}
		}
		if err := p.checkEnum(s); err != nil {
			return nil, err
		}
		return s, nil

	case TypeInteger:
		n, err := toInt64(v)
		if err != nil {
			return nil, common.NewError(common.KindValidation, "parameter %q: expected integer, got %T", p.Name, v)
		}
		if p.Min != nil && float64(n) < *p.Min {
			return nil, common.NewError(common.KindValidation, "parameter %q: %d below min %v", p.Name, n, *p.Min)
		}
		if p.Max != nil && float64(n) > *p.Max {
			return nil, common.NewError(common.KindValidation, "parameter %q: %d exceeds max %v", p.Name, n, *p.Max)
		}
		if err := p.checkEnum(n); err != nil {
			return nil, err
		}
		return n, nil

	case TypeFloat:
		f, err := toFloat64(v)
		if err != nil {
			return nil, common.NewError(common.KindValidation, "parameter %q: expected number, got %T", p.Name, v)
		}
		if p.Min != nil && f < *p.Min {
			return nil, common.NewError(common.KindValidation, "parameter %q: %v below min %v", p.Name, f, *p.Min)
		}
		if p.Max != nil && f > *p.Max {
			return nil, common.NewError(common.KindValidation, "parameter %q: %v exceeds max %v", p.Name, f, *p.Max)
		}
		if err := p.checkEnum(f); err != nil {
			return nil, err
		}
		return f, nil

	case TypeBoolean:
		b, ok := v.(bool)
		if !ok {
			return nil, common.NewError(common.KindValidation, "parameter %q: expected boolean, got %T", p.Name, v)
		}
		return b, nil

	case TypeArray:
		items, ok := v.([]any)
		if !ok {
			// YAML defaults decode as []any already; typed slices arrive
			// from tests and internal callers.
			switch tv := v.(type) {
			case []string:
				items = make([]any, len(tv))
				for i, s := range tv {
					items[i] = s
				}
			default:
				return nil, common.NewError(common.KindValidation, "parameter %q: expected array, got %T", p.Name, v)
			}
		}
		if p.MinLength != nil && len(items) < *p.MinLength {
			return nil, common.NewError(common.KindValidation, "parameter %q: %d elements below minLength %d", p.Name, len(items), *p.MinLength)
		}
		if p.MaxLength != nil && len(items) > *p.MaxLength {
			return nil, common.NewError(common.KindValidation, "parameter %q: %d elements exceeds maxLength %d", p.Name, len(items), *p.MaxLength)
		}
		elem := ParameterSpec{Name: p.Name + "[]", Type: p.ItemType}
		out := make([]any, len(items))
		for i, item := range items {
			cv, err := elem.CoerceValue(item)
			if err != nil {
				return nil, common.WrapError(common.KindValidation, err, "parameter %q element %d", p.Name, i)
			}
			out[i] = cv
		}
		return out, nil
	}
	return nil, common.NewError(common.KindValidation, "parameter %q has invalid type %q", p.Name, p.Type)
}

// checkEnum verifies a coerced scalar against the declared enumeration.
func (p *ParameterSpec) checkEnum(v any) error {
	if len(p.Enum) == 0 {
		return nil
	}
	for _, allowed := range p.Enum {
		if enumEqual(allowed, v) {
			return nil
		}
	}
	return common.NewError(common.KindValidation, "parameter %q: value %v is not one of the allowed values", p.Name, v)
}

// enumEqual compares an enum member (as decoded from YAML) against a
// coerced argument value, tolerating int/int64/float64 mismatches.
func enumEqual(allowed, v any) bool {
	if allowed == v {
		return true
	}
	af, aerr := toFloat64(allowed)
	vf, verr := toFloat64(v)
	return aerr == nil && verr == nil && af == vf
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("not an integer: %v", n)
		}
		return int64(n), nil
	case float32:
		if float64(n) != math.Trunc(float64(n)) {
			return 0, fmt.Errorf("not an integer: %v", n)
		}
		return int64(n), nil
	default:
		return 0, fmt.Errorf("not an integer: %T", v)
	}
}

func toFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float32:
		return float64(n), nil
	case float64:
		return n, nil
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}

// maxDisplayRowsLimit bounds the per-tool display cap.
const maxDisplayRowsLimit = 1000

// Validate checks one tool definition. Referential checks against sources
// and toolsets happen after merging; this covers the tool in isolation.
func (t *ToolSpec) Validate(name string) error {
	if !toolNameRe.MatchString(name) {
		return common.NewError(common.KindValidation, "tool %q has invalid name", name)
	}
	if t.Source == "" {
		return common.NewError(common.KindValidation, "tool %q has no source", name)
	}
	if strings.TrimSpace(t.Statement) == "" {
		return common.NewError(common.KindValidation, "tool %q has empty statement", name)
	}

	seen := make(map[string]bool, len(t.Parameters))
	for i := range t.Parameters {
		p := &t.Parameters[i]
		if err := p.Validate(); err != nil {
			return common.WrapError(common.KindValidation, err, "tool %q", name)
		}
		if seen[p.Name] {
			return common.NewError(common.KindValidation, "tool %q declares parameter %q twice", name, p.Name)
		}
		seen[p.Name] = true
	}

	for _, ph := range namedPlaceholders(t.Statement) {
		if !seen[ph] {
			return common.NewError(common.KindValidation,
				"tool %q references placeholder :%s with no matching parameter", name, ph)
		}
	}

	switch t.Response.Format {
	case "", "json", "markdown":
	default:
		return common.NewError(common.KindValidation, "tool %q has invalid response format %q", name, t.Response.Format)
	}
	switch t.Response.TableStyle {
	case "", "markdown", "ascii", "grid", "compact":
	default:
		return common.NewError(common.KindValidation, "tool %q has invalid table style %q", name, t.Response.TableStyle)
	}
	if t.Response.MaxDisplayRows < 0 || t.Response.MaxDisplayRows > maxDisplayRowsLimit {
		return common.NewError(common.KindValidation,
			"tool %q: maxDisplayRows %d out of range [1, %d]", name, t.Response.MaxDisplayRows, maxDisplayRowsLimit)
	}
	return nil
}

// Validate checks a source definition.
func (s *SourceSpec) Validate(name string) error {
	if s.Host == "" {
		return common.NewError(common.KindValidation, "source %q has no host", name)
	}
	if s.User == "" {
		return common.NewError(common.KindValidation, "source %q has no user", name)
	}
	if s.Port < 0 || s.Port > 65535 {
		return common.NewError(common.KindValidation, "source %q has invalid port %d", name, s.Port)
	}
	return nil
}

var namedPlaceholderRe = regexp.MustCompile(`:([a-zA-Z_][a-zA-Z0-9_]*)`)

// namedPlaceholders extracts :name placeholders from a statement, skipping
// string literals and SQL comments so the referential check does not trip
// on time literals or documentation inside the SQL text.
func namedPlaceholders(sql string) []string {
	stripped := sqlguard.StripLiteralsAndComments(sql)
	var out []string
	seen := make(map[string]bool)
	for _, m := range namedPlaceholderRe.FindAllStringSubmatch(stripped, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}
