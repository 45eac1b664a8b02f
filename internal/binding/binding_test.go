package binding

import (
	"reflect"
	"strings"
	"testing"

	"github.com/bobmcallan/ibmi-mcp/internal/config"
)

func strParam(name string) config.ParameterSpec {
	return config.ParameterSpec{Name: name, Type: config.TypeString, Required: true}
}

func TestBind_NamedPlaceholder(t *testing.T) {
	params := []config.ParameterSpec{strParam("library")}
	bound, err := Bind(params, map[string]any{"library": "QSYS2"},
		"SELECT * FROM SYSTABLES WHERE TABLE_SCHEMA = :library")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if bound.SQL != "SELECT * FROM SYSTABLES WHERE TABLE_SCHEMA = ?" {
		t.Errorf("Unexpected SQL: %s", bound.SQL)
	}
	if !reflect.DeepEqual(bound.Values, []any{"QSYS2"}) {
		t.Errorf("Unexpected values: %v", bound.Values)
	}
	if bound.Metadata.Mode != ModeNamed {
		t.Errorf("Expected named mode, got %s", bound.Metadata.Mode)
	}
}

func TestBind_RepeatedNamedPlaceholder(t *testing.T) {
	params := []config.ParameterSpec{strParam("name")}
	bound, err := Bind(params, map[string]any{"name": "X"},
		"SELECT * FROM a WHERE c1 = :name OR c2 = :name")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if strings.Count(bound.SQL, "?") != 2 {
		t.Errorf("Expected 2 placeholders, got SQL: %s", bound.SQL)
	}
	if !reflect.DeepEqual(bound.Values, []any{"X", "X"}) {
		t.Errorf("Value must be re-appended per occurrence: %v", bound.Values)
	}
	if len(bound.Metadata.ProcessedParameters) != 1 {
		t.Errorf("Processed list should dedupe names: %v", bound.Metadata.ProcessedParameters)
	}
}

func TestBind_PositionalPlaceholders(t *testing.T) {
	params := []config.ParameterSpec{strParam("first"), strParam("second")}
	bound, err := Bind(params, map[string]any{"first": "A", "second": "B"},
		"SELECT * FROM t WHERE c1 = ? AND c2 = ?")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !reflect.DeepEqual(bound.Values, []any{"A", "B"}) {
		t.Errorf("Positional order must follow declaration order: %v", bound.Values)
	}
	if bound.Metadata.Mode != ModePositional {
		t.Errorf("Expected positional mode, got %s", bound.Metadata.Mode)
	}
}

func TestBind_MixedMode(t *testing.T) {
	params := []config.ParameterSpec{strParam("named"), strParam("positional")}
	bound, err := Bind(params, map[string]any{"named": "N", "positional": "P"},
		"SELECT * FROM t WHERE c1 = :named AND c2 = ?")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !reflect.DeepEqual(bound.Values, []any{"N", "P"}) {
		t.Errorf("Unexpected values: %v", bound.Values)
	}
	if bound.Metadata.Mode != ModeMixed {
		t.Errorf("Expected mixed mode, got %s", bound.Metadata.Mode)
	}
}

func TestBind_MixedModeCountMismatch(t *testing.T) {
	params := []config.ParameterSpec{strParam("named")}
	_, err := Bind(params, map[string]any{"named": "N"},
		"SELECT * FROM t WHERE c1 = :named AND c2 = ?")
	if err == nil {
		t.Fatal("Expected count mismatch error")
	}
	if !strings.Contains(err.Error(), "positional placeholders") {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestBind_ArrayExpansion(t *testing.T) {
	params := []config.ParameterSpec{
		{Name: "libraries", Type: config.TypeArray, ItemType: config.TypeString, Required: true},
	}
	bound, err := Bind(params, map[string]any{"libraries": []any{"A", "B", "C"}},
		"SELECT * FROM t WHERE lib IN (:libraries)")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if bound.SQL != "SELECT * FROM t WHERE lib IN (?, ?, ?)" {
		t.Errorf("Unexpected SQL: %s", bound.SQL)
	}
	if !reflect.DeepEqual(bound.Values, []any{"A", "B", "C"}) {
		t.Errorf("Array elements must bind in order: %v", bound.Values)
	}
}

func TestBind_ArrayExpansionPreservesSurroundingValues(t *testing.T) {
	params := []config.ParameterSpec{
		{Name: "status", Type: config.TypeString, Required: true},
		{Name: "ids", Type: config.TypeArray, ItemType: config.TypeInteger, Required: true},
		{Name: "limit", Type: config.TypeInteger, Default: 10},
	}
	bound, err := Bind(params,
		map[string]any{"status": "ACTIVE", "ids": []any{float64(7), float64(8)}},
		"SELECT * FROM t WHERE s = :status AND id IN (:ids) AND n <= :limit")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	want := []any{"ACTIVE", int64(7), int64(8), int64(10)}
	if !reflect.DeepEqual(bound.Values, want) {
		t.Errorf("Expected %v, got %v", want, bound.Values)
	}
}

func TestBind_EmptyArrayBecomesNull(t *testing.T) {
	params := []config.ParameterSpec{
		{Name: "ids", Type: config.TypeArray, ItemType: config.TypeString, Required: true},
	}
	bound, err := Bind(params, map[string]any{"ids": []any{}},
		"SELECT * FROM t WHERE id IN (:ids)")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if bound.SQL != "SELECT * FROM t WHERE id IN (NULL)" {
		t.Errorf("Unexpected SQL: %s", bound.SQL)
	}
	if len(bound.Values) != 0 {
		t.Errorf("Empty array binds no values: %v", bound.Values)
	}
}

func TestBind_EmptyArrayRejectedByMinLength(t *testing.T) {
	one := 1
	params := []config.ParameterSpec{
		{Name: "ids", Type: config.TypeArray, ItemType: config.TypeString, Required: true, MinLength: &one},
	}
	_, err := Bind(params, map[string]any{"ids": []any{}},
		"SELECT * FROM t WHERE id IN (:ids)")
	if err == nil {
		t.Fatal("Expected minLength rejection for empty array")
	}
}

func TestBind_DefaultApplied(t *testing.T) {
	params := []config.ParameterSpec{
		{Name: "months", Type: config.TypeInteger, Default: 1},
	}
	bound, err := Bind(params, map[string]any{}, "SELECT * FROM t WHERE m >= :months")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !reflect.DeepEqual(bound.Values, []any{int64(1)}) {
		t.Errorf("Default must bind: %v", bound.Values)
	}
}

func TestBind_MissingRequired(t *testing.T) {
	params := []config.ParameterSpec{strParam("needed")}
	_, err := Bind(params, map[string]any{}, "SELECT * FROM t WHERE c = :needed")
	if err == nil {
		t.Fatal("Expected missing-required error")
	}
	if !strings.Contains(err.Error(), "needed") {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestBind_UnknownArgument(t *testing.T) {
	params := []config.ParameterSpec{strParam("known")}
	_, err := Bind(params, map[string]any{"known": "x", "mystery": "y"},
		"SELECT * FROM t WHERE c = :known")
	if err == nil {
		t.Fatal("Expected unknown-argument error")
	}
}

func TestBind_UndeclaredPlaceholder(t *testing.T) {
	_, err := Bind(nil, map[string]any{}, "SELECT * FROM t WHERE c = :ghost")
	if err == nil {
		t.Fatal("Expected undeclared-placeholder error")
	}
	if !strings.Contains(err.Error(), "ghost") {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestBind_PlaceholderInsideLiteralUntouched(t *testing.T) {
	params := []config.ParameterSpec{strParam("real")}
	bound, err := Bind(params, map[string]any{"real": "v"},
		"SELECT ':fake' AS c1, col FROM t WHERE c2 = :real -- :comment")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !strings.Contains(bound.SQL, "':fake'") {
		t.Errorf("Literal placeholder must survive: %s", bound.SQL)
	}
	if !reflect.DeepEqual(bound.Values, []any{"v"}) {
		t.Errorf("Unexpected values: %v", bound.Values)
	}
}

func TestBind_BooleanSentAsInteger(t *testing.T) {
	params := []config.ParameterSpec{
		{Name: "flag", Type: config.TypeBoolean, Required: true},
	}
	bound, err := Bind(params, map[string]any{"flag": true},
		"SELECT * FROM t WHERE f = :flag")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !reflect.DeepEqual(bound.Values, []any{int64(1)}) {
		t.Errorf("Boolean must reach the wire as 0/1: %v", bound.Values)
	}
}

func TestBind_EnumValidation(t *testing.T) {
	params := []config.ParameterSpec{
		{Name: "kind", Type: config.TypeString, Required: true, Enum: []any{"INDEX", "TABLE"}},
	}
	if _, err := Bind(params, map[string]any{"kind": "INDEX"},
		"SELECT * FROM t WHERE k = :kind"); err != nil {
		t.Fatalf("Allowed enum value rejected: %v", err)
	}
	if _, err := Bind(params, map[string]any{"kind": "VIEW"},
		"SELECT * FROM t WHERE k = :kind"); err == nil {
		t.Fatal("Expected enum rejection for VIEW")
	}
}

func TestBind_RangeValidation(t *testing.T) {
	min, max := 1.0, 120.0
	params := []config.ParameterSpec{
		{Name: "months", Type: config.TypeInteger, Required: true, Min: &min, Max: &max},
	}
	if _, err := Bind(params, map[string]any{"months": float64(0)},
		"SELECT * FROM t WHERE m = :months"); err == nil {
		t.Fatal("Expected min rejection")
	}
	if _, err := Bind(params, map[string]any{"months": float64(121)},
		"SELECT * FROM t WHERE m = :months"); err == nil {
		t.Fatal("Expected max rejection")
	}
}

func TestBind_NoParameters(t *testing.T) {
	bound, err := Bind(nil, map[string]any{}, "SELECT 1 FROM SYSIBM.SYSDUMMY1")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if bound.Metadata.Mode != ModeNone || len(bound.Values) != 0 {
		t.Errorf("Unexpected metadata: %+v", bound.Metadata)
	}
}

// Scenario: enum + array + range with a default, bound in placeholder order.
func TestBind_EnumArrayRangeScenario(t *testing.T) {
	min, max := 1.0, 120.0
	fifty := 50
	params := []config.ParameterSpec{
		{Name: "sql_object_type", Type: config.TypeString, Enum: []any{"INDEX", "TABLE"}, Required: true},
		{Name: "months_unused", Type: config.TypeInteger, Min: &min, Max: &max, Default: 1},
		{Name: "library_list", Type: config.TypeArray, ItemType: config.TypeString, MaxLength: &fifty, Required: true},
	}
	sql := "SELECT * FROM usage WHERE obj_type = :sql_object_type AND lib IN (:library_list) AND months >= :months_unused"
	bound, err := Bind(params, map[string]any{
		"sql_object_type": "INDEX",
		"library_list":    []any{"A", "B", "C"},
	}, sql)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !strings.Contains(bound.SQL, "IN (?, ?, ?)") {
		t.Errorf("Array must expand to 3 placeholders: %s", bound.SQL)
	}
	want := []any{"INDEX", "A", "B", "C", int64(1)}
	if !reflect.DeepEqual(bound.Values, want) {
		t.Errorf("Expected %v, got %v", want, bound.Values)
	}
}
