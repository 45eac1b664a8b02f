// Package binding turns the raw argument map from a tools/call into a
// bound SQL statement and a positional parameter vector for the gateway.
package binding

import (
	"strings"

	"github.com/bobmcallan/ibmi-mcp/internal/common"
	"github.com/bobmcallan/ibmi-mcp/internal/config"
	"github.com/bobmcallan/ibmi-mcp/internal/sqlguard"
)

// Mode names the placeholder style the statement used.
type Mode string

const (
	ModeNone       Mode = "none"
	ModeNamed      Mode = "named"
	ModePositional Mode = "positional"
	ModeMixed      Mode = "mixed"
)

// Metadata describes how binding processed the statement.
type Metadata struct {
	Mode                Mode     `json:"parameterMode"`
	Count               int      `json:"parameterCount"`
	ProcessedParameters []string `json:"processedParameters"`
}

// BoundStatement is the binder output: SQL containing only positional
// placeholders plus the values to send, in order.
type BoundStatement struct {
	SQL      string
	Values   []any
	Metadata Metadata
}

// Bind validates args against the declared parameters, then walks the
// statement once, expanding placeholders in site order:
//
//   - every :name site takes the named parameter's value (a name may
//     appear more than once; the value is re-appended each occurrence);
//   - every ? site consumes the next declared parameter that is not
//     referenced by name anywhere in the statement, in declaration order;
//   - array values expand to one placeholder per element, in order; an
//     empty array becomes the literal NULL so an enclosing IN (...) stays
//     syntactically valid.
//
// Placeholders inside string literals and comments are never touched.
func Bind(params []config.ParameterSpec, args map[string]any, sql string) (*BoundStatement, error) {
	coerced, err := resolveArguments(params, args)
	if err != nil {
		return nil, err
	}

	mask := sqlguard.StripLiteralsAndComments(sql)

	// Pre-scan: which declared parameters are referenced by name, and how
	// many positional sites exist.
	referenced := make(map[string]bool)
	questionSites := 0
	for i := 0; i < len(mask); i++ {
		switch {
		case mask[i] == ':' && i+1 < len(mask) && isIdentStart(mask[i+1]):
			j := i + 1
			for j < len(mask) && isIdentPart(mask[j]) {
				j++
			}
			referenced[sql[i+1:j]] = true
			i = j - 1
		case mask[i] == '?':
			questionSites++
		}
	}

	for name := range referenced {
		if findParam(params, name) == nil {
			return nil, common.NewError(common.KindValidation,
				"statement references undeclared parameter :%s", name)
		}
		if _, ok := coerced[name]; !ok {
			return nil, common.NewError(common.KindValidation,
				"no value available for parameter :%s", name)
		}
	}

	// Parameters feeding ? sites, in declaration order.
	var pending []config.ParameterSpec
	for _, p := range params {
		if referenced[p.Name] {
			continue
		}
		if _, ok := coerced[p.Name]; ok {
			pending = append(pending, p)
		}
	}
	// A statement with no ? sites simply ignores unreferenced parameters;
	// once positional sites exist the counts must match exactly.
	if questionSites > 0 && questionSites != len(pending) {
		return nil, common.NewError(common.KindValidation,
			"statement has %d positional placeholders but %d unbound parameters",
			questionSites, len(pending))
	}

	var out strings.Builder
	var values []any
	var processed []string
	seen := make(map[string]bool)
	nextPending := 0

	record := func(name string) {
		if !seen[name] {
			seen[name] = true
			processed = append(processed, name)
		}
	}

	i := 0
	for i < len(sql) {
		switch {
		case mask[i] == ':' && i+1 < len(mask) && isIdentStart(mask[i+1]):
			j := i + 1
			for j < len(mask) && isIdentPart(mask[j]) {
				j++
			}
			name := sql[i+1 : j]
			spec := findParam(params, name)
			expandValue(&out, &values, spec, coerced[name])
			record(name)
			i = j
		case mask[i] == '?':
			spec := pending[nextPending]
			nextPending++
			expandValue(&out, &values, &spec, coerced[spec.Name])
			record(spec.Name)
			i++
		default:
			out.WriteByte(sql[i])
			i++
		}
	}

	mode := ModeNone
	switch {
	case len(referenced) > 0 && questionSites > 0:
		mode = ModeMixed
	case len(referenced) > 0:
		mode = ModeNamed
	case questionSites > 0:
		mode = ModePositional
	}

	return &BoundStatement{
		SQL:    out.String(),
		Values: values,
		Metadata: Metadata{
			Mode:                mode,
			Count:               len(values),
			ProcessedParameters: processed,
		},
	}, nil
}

// expandValue writes the placeholder(s) for one parameter value and
// appends the corresponding positional values.
func expandValue(out *strings.Builder, values *[]any, spec *config.ParameterSpec, value any) {
	if spec.Type != config.TypeArray {
		out.WriteByte('?')
		*values = append(*values, wireValue(value))
		return
	}
	items, _ := value.([]any)
	if len(items) == 0 {
		// Empty arrays with minLength >= 1 were already rejected during
		// argument resolution; here the site degrades to a literal NULL.
		out.WriteString("NULL")
		return
	}
	for idx, item := range items {
		if idx > 0 {
			out.WriteString(", ")
		}
		out.WriteByte('?')
		*values = append(*values, wireValue(item))
	}
}

// wireValue maps a coerced value onto the primitives the gateway accepts.
func wireValue(v any) any {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return n
	case string:
		return n
	case bool:
		// Db2 for i has no boolean host variable; the gateway takes 0/1.
		if n {
			return int64(1)
		}
		return int64(0)
	default:
		return v
	}
}

// resolveArguments validates every declared parameter against args,
// applying defaults and requiredness, and rejects unknown arguments.
func resolveArguments(params []config.ParameterSpec, args map[string]any) (map[string]any, error) {
	coerced := make(map[string]any, len(params))
	for i := range params {
		p := &params[i]
		raw, present := args[p.Name]
		if !present || raw == nil {
			if p.Default != nil {
				cv, err := p.CoerceValue(p.Default)
				if err != nil {
					return nil, err
				}
				coerced[p.Name] = cv
				continue
			}
			if p.IsEffectivelyRequired() {
				return nil, common.NewError(common.KindValidation,
					"required parameter %q is missing", p.Name)
			}
			continue
		}
		cv, err := p.CoerceValue(raw)
		if err != nil {
			return nil, err
		}
		coerced[p.Name] = cv
	}

	for name := range args {
		if findParam(params, name) == nil {
			return nil, common.NewError(common.KindValidation, "unknown argument %q", name)
		}
	}
	return coerced, nil
}

func findParam(params []config.ParameterSpec, name string) *config.ParameterSpec {
	for i := range params {
		if params[i].Name == name {
			return &params[i]
		}
	}
	return nil
}

func isIdentStart(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func isIdentPart(b byte) bool {
	return isIdentStart(b) || (b >= '0' && b <= '9')
}
