// Package sqlguard statically checks SQL text against a policy before it
// reaches the database gateway. It is a guardrail, not a parser: unclear
// statements are refused rather than interpreted.
package sqlguard

import (
	"strings"

	"github.com/bobmcallan/ibmi-mcp/internal/common"
)

// DefaultMaxQueryLength caps statement size when a policy does not.
const DefaultMaxQueryLength = 10000

// defaultForbiddenKeywords is the destructive set every policy carries.
// Policies can add keywords but never remove these.
var defaultForbiddenKeywords = []string{
	"DROP", "DELETE", "TRUNCATE", "INSERT", "UPDATE",
	"GRANT", "REVOKE", "ALTER", "CREATE", "EXEC", "CALL",
}

// Policy is the effective SQL security policy for one execution.
type Policy struct {
	ReadOnly          bool
	MaxQueryLength    int
	ForbiddenKeywords []string
}

// DefaultPolicy returns the read-only default policy.
func DefaultPolicy() Policy {
	return Policy{ReadOnly: true, MaxQueryLength: DefaultMaxQueryLength}
}

// effectiveKeywords merges the policy's additions with the default set.
func (p Policy) effectiveKeywords() map[string]bool {
	set := make(map[string]bool, len(defaultForbiddenKeywords)+len(p.ForbiddenKeywords))
	for _, kw := range defaultForbiddenKeywords {
		set[kw] = true
	}
	for _, kw := range p.ForbiddenKeywords {
		set[strings.ToUpper(strings.TrimSpace(kw))] = true
	}
	delete(set, "")
	return set
}

// Validate checks sql against the policy. It is pure and deterministic.
func Validate(sql string, policy Policy) error {
	maxLen := policy.MaxQueryLength
	if maxLen <= 0 {
		maxLen = DefaultMaxQueryLength
	}
	if len(sql) > maxLen {
		return common.NewError(common.KindValidation,
			"statement length %d exceeds maximum %d", len(sql), maxLen)
	}

	stripped := StripLiteralsAndComments(sql)
	forbidden := policy.effectiveKeywords()

	tokens := tokenize(stripped)
	for _, tok := range tokens {
		if forbidden[tok] {
			return common.NewError(common.KindValidation,
				"statement contains restricted keyword %s", tok).WithDetail("keyword", tok)
		}
	}

	if policy.ReadOnly {
		if len(tokens) == 0 {
			return common.NewError(common.KindValidation, "statement is empty")
		}
		if first := tokens[0]; first != "SELECT" && first != "WITH" {
			return common.NewError(common.KindValidation,
				"read-only policy requires the statement to start with SELECT or WITH, got %s", first)
		}
	}
	return nil
}

// tokenize uppercases and splits on non-identifier characters. The input
// must already have literals and comments blanked out.
func tokenize(sql string) []string {
	var tokens []string
	var cur strings.Builder
	for _, r := range strings.ToUpper(sql) {
		if r == '_' || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			cur.WriteRune(r)
			continue
		}
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	if cur.Len() > 0 {
		tokens = append(tokens, cur.String())
	}
	return tokens
}

// StripLiteralsAndComments blanks out string literals ('...', with ''
// escapes), quoted identifiers ("..."), line comments (-- to end of line),
// and block comments (/* ... */), preserving byte offsets. Keyword and
// placeholder scanning over the result cannot match inside literal text.
func StripLiteralsAndComments(sql string) string {
	out := []byte(sql)
	i := 0
	for i < len(sql) {
		switch {
		case sql[i] == '\'':
			j := i + 1
			for j < len(sql) {
				if sql[j] == '\'' {
					if j+1 < len(sql) && sql[j+1] == '\'' {
						j += 2
						continue
					}
					break
				}
				j++
			}
			for k := i + 1; k < j && k < len(sql); k++ {
				out[k] = ' '
			}
			i = j + 1
		case sql[i] == '"':
			j := i + 1
			for j < len(sql) && sql[j] != '"' {
				j++
			}
			for k := i + 1; k < j; k++ {
				out[k] = ' '
			}
			i = j + 1
		case i+1 < len(sql) && sql[i] == '-' && sql[i+1] == '-':
			j := i
			for j < len(sql) && sql[j] != '\n' {
				j++
			}
			for k := i; k < j; k++ {
				out[k] = ' '
			}
			i = j
		case i+1 < len(sql) && sql[i] == '/' && sql[i+1] == '*':
			j := i + 2
			for j+1 < len(sql) && !(sql[j] == '*' && sql[j+1] == '/') {
				j++
			}
			end := j + 2
			if end > len(sql) {
				end = len(sql)
			}
			for k := i; k < end; k++ {
				out[k] = ' '
			}
			i = end
		default:
			i++
		}
	}
	return string(out)
}
