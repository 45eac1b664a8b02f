package config

import (
	"strings"
	"testing"
)

func TestParameterSpec_ItemTypeRequiredForArrays(t *testing.T) {
	p := ParameterSpec{Name: "list", Type: TypeArray}
	if err := p.Validate(); err == nil {
		t.Fatal("Array without itemType must fail validation")
	}
	p.ItemType = TypeString
	if err := p.Validate(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
}

func TestParameterSpec_ItemTypeForbiddenOnScalars(t *testing.T) {
	p := ParameterSpec{Name: "s", Type: TypeString, ItemType: TypeString}
	if err := p.Validate(); err == nil {
		t.Fatal("itemType on a scalar must fail validation")
	}
}

func TestParameterSpec_PatternOnlyOnStrings(t *testing.T) {
	p := ParameterSpec{Name: "n", Type: TypeInteger, Pattern: "^[0-9]+$"}
	if err := p.Validate(); err == nil {
		t.Fatal("Pattern on integer must fail validation")
	}
}

func TestParameterSpec_EnumForbiddenOnBoolean(t *testing.T) {
	p := ParameterSpec{Name: "b", Type: TypeBoolean, Enum: []any{true}}
	if err := p.Validate(); err == nil {
		t.Fatal("Enum on boolean must fail validation")
	}
}

func TestParameterSpec_InvalidDefaultRejected(t *testing.T) {
	p := ParameterSpec{Name: "n", Type: TypeInteger, Default: "not-a-number"}
	if err := p.Validate(); err == nil {
		t.Fatal("String default on integer must fail validation")
	}
}

func TestParameterSpec_MinMaxOrdering(t *testing.T) {
	lo, hi := 10.0, 5.0
	p := ParameterSpec{Name: "n", Type: TypeInteger, Min: &lo, Max: &hi}
	if err := p.Validate(); err == nil {
		t.Fatal("min > max must fail validation")
	}
}

func TestParameterSpec_CoerceString(t *testing.T) {
	three, five := 3, 5
	p := ParameterSpec{
		Name: "s", Type: TypeString,
		MinLength: &three, MaxLength: &five, Pattern: "^[A-Z]+$",
	}
	if _, err := p.CoerceValue("ABCD"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if _, err := p.CoerceValue("AB"); err == nil {
		t.Error("Below minLength must fail")
	}
	if _, err := p.CoerceValue("ABCDEF"); err == nil {
		t.Error("Above maxLength must fail")
	}
	if _, err := p.CoerceValue("abcd"); err == nil {
		t.Error("Pattern mismatch must fail")
	}
	if _, err := p.CoerceValue(42); err == nil {
		t.Error("Wrong type must fail")
	}
}

func TestParameterSpec_CoerceInteger(t *testing.T) {
	p := ParameterSpec{Name: "n", Type: TypeInteger}
	v, err := p.CoerceValue(float64(7))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if v != int64(7) {
		t.Errorf("Expected int64(7), got %T %v", v, v)
	}
	if _, err := p.CoerceValue(float64(7.5)); err == nil {
		t.Error("Fractional value must fail integer coercion")
	}
}

func TestParameterSpec_CoerceArrayElements(t *testing.T) {
	p := ParameterSpec{Name: "a", Type: TypeArray, ItemType: TypeInteger}
	v, err := p.CoerceValue([]any{float64(1), float64(2)})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	items := v.([]any)
	if items[0] != int64(1) || items[1] != int64(2) {
		t.Errorf("Unexpected items: %v", items)
	}
	if _, err := p.CoerceValue([]any{"x"}); err == nil {
		t.Error("Wrong element type must fail")
	}
	// A JSON-encoded SQL fragment is a string, not an array.
	if _, err := p.CoerceValue("('A','B')"); err == nil {
		t.Error("String input for array parameter must fail")
	}
}

func TestParameterSpec_NumericEnumTolerance(t *testing.T) {
	p := ParameterSpec{Name: "n", Type: TypeInteger, Enum: []any{1, 2, 3}}
	if _, err := p.CoerceValue(float64(2)); err != nil {
		t.Fatalf("json-decoded float must match int enum member: %v", err)
	}
	if _, err := p.CoerceValue(float64(9)); err == nil {
		t.Error("Out-of-enum value must fail")
	}
}

func TestToolSpec_PlaceholderMustBeDeclared(t *testing.T) {
	tool := ToolSpec{
		Source:    "ibmi",
		Statement: "SELECT * FROM t WHERE a = :declared AND b = :ghost",
		Parameters: []ParameterSpec{
			{Name: "declared", Type: TypeString},
		},
	}
	err := tool.Validate("demo")
	if err == nil {
		t.Fatal("Undeclared placeholder must fail validation")
	}
	if !strings.Contains(err.Error(), "ghost") {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestToolSpec_PlaceholderInLiteralIgnored(t *testing.T) {
	tool := ToolSpec{
		Source:    "ibmi",
		Statement: "SELECT ':not_a_param' FROM SYSIBM.SYSDUMMY1",
	}
	if err := tool.Validate("demo"); err != nil {
		t.Fatalf("Placeholder inside literal must be ignored: %v", err)
	}
}

func TestToolSpec_DuplicateParameter(t *testing.T) {
	tool := ToolSpec{
		Source:    "ibmi",
		Statement: "SELECT 1 FROM SYSIBM.SYSDUMMY1",
		Parameters: []ParameterSpec{
			{Name: "p", Type: TypeString},
			{Name: "p", Type: TypeInteger},
		},
	}
	if err := tool.Validate("demo"); err == nil {
		t.Fatal("Duplicate parameter name must fail validation")
	}
}

func TestToolSpec_MaxDisplayRowsRange(t *testing.T) {
	tool := ToolSpec{
		Source:    "ibmi",
		Statement: "SELECT 1 FROM SYSIBM.SYSDUMMY1",
		Response:  ResponseSpec{MaxDisplayRows: 5000},
	}
	if err := tool.Validate("demo"); err == nil {
		t.Fatal("maxDisplayRows above 1000 must fail validation")
	}
}

func TestToolSpec_InvalidTableStyle(t *testing.T) {
	tool := ToolSpec{
		Source:    "ibmi",
		Statement: "SELECT 1 FROM SYSIBM.SYSDUMMY1",
		Response:  ResponseSpec{TableStyle: "fancy"},
	}
	if err := tool.Validate("demo"); err == nil {
		t.Fatal("Unknown table style must fail validation")
	}
}

func TestSourceSpec_Validation(t *testing.T) {
	src := SourceSpec{User: "U"}
	if err := src.Validate("s"); err == nil {
		t.Fatal("Missing host must fail validation")
	}
	src = SourceSpec{Host: "h"}
	if err := src.Validate("s"); err == nil {
		t.Fatal("Missing user must fail validation")
	}
	src = SourceSpec{Host: "h", User: "u", Port: 8076}
	if err := src.Validate("s"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
}

func TestToolSpec_IsEnabledDefault(t *testing.T) {
	tool := ToolSpec{}
	if !tool.IsEnabled() {
		t.Error("nil enabled must mean enabled")
	}
	off := false
	tool.Enabled = &off
	if tool.IsEnabled() {
		t.Error("enabled=false must disable")
	}
}
