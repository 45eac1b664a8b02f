package registry

import (
	"context"
	"strings"
	"testing"

	"github.com/bobmcallan/ibmi-mcp/internal/common"
	"github.com/bobmcallan/ibmi-mcp/internal/config"
	"github.com/bobmcallan/ibmi-mcp/internal/pool"
	"github.com/bobmcallan/ibmi-mcp/internal/sqlguard"
)

// fakeExecutor records executions and applies the supplied policy the way
// the pool manager would.
type fakeExecutor struct {
	lastKey    string
	lastSQL    string
	lastParams []any
	result     *pool.AggregatedResult
}

func (f *fakeExecutor) ExecuteQueryWithPagination(_ context.Context, key, sql string, params []any, _ int, security *sqlguard.Policy) (*pool.AggregatedResult, error) {
	if security != nil {
		if err := sqlguard.Validate(sql, *security); err != nil {
			return nil, err
		}
	}
	f.lastKey = key
	f.lastSQL = sql
	f.lastParams = params
	if f.result != nil {
		return f.result, nil
	}
	return &pool.AggregatedResult{IsDone: true}, nil
}

func staticKey(_ context.Context, source string) string { return StaticPoolKey(source) }

func testConfig() *config.Config {
	return &config.Config{
		Sources: map[string]config.SourceSpec{
			"ibmi": {Host: "db2.example.com", User: "svc"},
		},
		Tools: map[string]config.ToolSpec{
			"system_status": {
				Source:      "ibmi",
				Description: "Server status probe",
				Statement:   "SELECT 1 AS X FROM SYSIBM.SYSDUMMY1",
				Annotations: config.AnnotationsSpec{
					// User-supplied toolsets are discarded by design.
					Toolsets: []string{"bogus", "made-up"},
				},
			},
			"active_jobs": {
				Source:      "ibmi",
				Description: "Active jobs",
				Statement:   "SELECT * FROM TABLE(QSYS2.ACTIVE_JOB_INFO())",
				Domain:      "performance",
				Category:    "jobs",
			},
		},
		Toolsets: map[string]config.ToolsetSpec{
			"performance": {Title: "Performance", Tools: []string{"system_status", "active_jobs"}},
			"sysadmin":    {Title: "Sysadmin", Tools: []string{"system_status"}},
		},
	}
}

func deps(exec Executor) BuildDeps {
	return BuildDeps{Exec: exec, PoolKey: staticKey, Logger: common.NewSilentLogger()}
}

func TestBuild_AnnotationAuthority(t *testing.T) {
	descriptors, err := Build(testConfig(), deps(&fakeExecutor{}))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	desc := descriptors["system_status"]
	if desc == nil {
		t.Fatal("system_status not built")
	}
	got := desc.Annotations.Toolsets
	if len(got) != 2 || got[0] != "performance" || got[1] != "sysadmin" {
		t.Errorf("Toolsets must come from the toolsets section only, got %v", got)
	}
	for _, ts := range got {
		if ts == "bogus" || ts == "made-up" {
			t.Error("User-supplied toolset annotation must be discarded")
		}
	}
}

func TestBuild_TitleCasedDefault(t *testing.T) {
	descriptors, err := Build(testConfig(), deps(&fakeExecutor{}))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if title := descriptors["system_status"].Annotations.Title; title != "System Status" {
		t.Errorf("Expected Title Cased name, got %q", title)
	}
}

func TestBuild_ReadOnlyHintDefaults(t *testing.T) {
	cfg := testConfig()

	descriptors, err := Build(cfg, deps(&fakeExecutor{}))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !descriptors["system_status"].Annotations.ReadOnlyHint {
		t.Error("Default readOnlyHint must be true")
	}

	off := false
	tool := cfg.Tools["system_status"]
	tool.Security = &config.SecuritySpec{ReadOnly: &off}
	cfg.Tools["system_status"] = tool
	descriptors, err = Build(cfg, deps(&fakeExecutor{}))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if descriptors["system_status"].Annotations.ReadOnlyHint {
		t.Error("readOnlyHint must follow security.readOnly when unset")
	}
}

func TestBuild_DisabledToolSkipped(t *testing.T) {
	cfg := testConfig()
	off := false
	tool := cfg.Tools["active_jobs"]
	tool.Enabled = &off
	cfg.Tools["active_jobs"] = tool
	// The toolset still names it; membership checks ran at merge time.
	descriptors, err := Build(cfg, deps(&fakeExecutor{}))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if _, ok := descriptors["active_jobs"]; ok {
		t.Error("Disabled tool must not be built")
	}
}

func TestBuild_ToolsetFilter(t *testing.T) {
	d := deps(&fakeExecutor{})
	d.SelectedToolsets = []string{"sysadmin"}
	descriptors, err := Build(testConfig(), d)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if _, ok := descriptors["system_status"]; !ok {
		t.Error("system_status is in sysadmin and must register")
	}
	if _, ok := descriptors["active_jobs"]; ok {
		t.Error("active_jobs is not in sysadmin and must be filtered")
	}
}

func TestBuild_EnumDescriptionAugmented(t *testing.T) {
	cfg := testConfig()
	tool := cfg.Tools["system_status"]
	tool.Parameters = []config.ParameterSpec{
		{
			Name: "object_type", Type: config.TypeString,
			Description: "Kind of object.",
			Enum:        []any{"INDEX", "TABLE"},
		},
	}
	tool.Statement = "SELECT 1 FROM SYSIBM.SYSDUMMY1 WHERE '' <> :object_type"
	cfg.Tools["system_status"] = tool

	descriptors, err := Build(cfg, deps(&fakeExecutor{}))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	schema := descriptors["system_status"].Tool.InputSchema
	prop, ok := schema.Properties["object_type"].(map[string]any)
	if !ok {
		t.Fatalf("object_type missing from input schema: %+v", schema.Properties)
	}
	desc, _ := prop["description"].(string)
	if !strings.Contains(desc, "Must be one of: INDEX, TABLE") {
		t.Errorf("Enum description not augmented: %q", desc)
	}
}

func TestBuild_RequiredRespectsDefaults(t *testing.T) {
	cfg := testConfig()
	tool := cfg.Tools["system_status"]
	tool.Parameters = []config.ParameterSpec{
		{Name: "needed", Type: config.TypeString, Required: true},
		{Name: "defaulted", Type: config.TypeString, Required: true, Default: "x"},
	}
	tool.Statement = "SELECT 1 FROM SYSIBM.SYSDUMMY1 WHERE a = :needed AND b = :defaulted"
	cfg.Tools["system_status"] = tool

	descriptors, err := Build(cfg, deps(&fakeExecutor{}))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	required := descriptors["system_status"].Tool.InputSchema.Required
	if len(required) != 1 || required[0] != "needed" {
		t.Errorf("A default satisfies requiredness; required = %v", required)
	}
}

func TestHandler_ExecutesPipeline(t *testing.T) {
	exec := &fakeExecutor{
		result: &pool.AggregatedResult{
			Data:          []map[string]any{{"X": float64(1)}},
			IsDone:        true,
			FetchCount:    1,
			ExecutionTime: 12,
		},
	}
	cfg := testConfig()
	tool := cfg.Tools["system_status"]
	tool.Parameters = []config.ParameterSpec{
		{Name: "lib", Type: config.TypeString, Required: true},
	}
	tool.Statement = "SELECT 1 AS X FROM SYSIBM.SYSDUMMY1 WHERE s = :lib"
	cfg.Tools["system_status"] = tool

	descriptors, err := Build(cfg, deps(exec))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	payload, err := descriptors["system_status"].Handler(context.Background(), map[string]any{"lib": "QSYS2"})
	if err != nil {
		t.Fatalf("Handler failed: %v", err)
	}
	if !payload.Success {
		t.Error("Expected success payload")
	}
	if exec.lastKey != StaticPoolKey("ibmi") {
		t.Errorf("Wrong pool key: %s", exec.lastKey)
	}
	if !strings.Contains(exec.lastSQL, "s = ?") {
		t.Errorf("Named placeholder must be bound: %s", exec.lastSQL)
	}
	if len(exec.lastParams) != 1 || exec.lastParams[0] != "QSYS2" {
		t.Errorf("Unexpected params: %v", exec.lastParams)
	}
	if payload.Metadata.RowCount != 1 || payload.Metadata.ToolName != "system_status" {
		t.Errorf("Unexpected metadata: %+v", payload.Metadata)
	}
	if payload.Metadata.ParameterMode != "named" {
		t.Errorf("Unexpected parameter mode: %s", payload.Metadata.ParameterMode)
	}
}

func TestHandler_PolicyRejectsBeforeExecution(t *testing.T) {
	exec := &fakeExecutor{}
	cfg := testConfig()
	tool := cfg.Tools["system_status"]
	tool.Statement = "DELETE FROM users"
	cfg.Tools["system_status"] = tool

	descriptors, err := Build(cfg, deps(exec))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	_, err = descriptors["system_status"].Handler(context.Background(), map[string]any{})
	if err == nil {
		t.Fatal("Expected policy rejection")
	}
	if !strings.Contains(err.Error(), "restricted keyword") {
		t.Errorf("Unexpected error: %v", err)
	}
	if exec.lastSQL != "" {
		t.Error("Rejected statement must not execute")
	}
}

func TestRegistry_SwapIsAtomicForHeldDescriptors(t *testing.T) {
	r := NewRegistry()
	descriptors, err := Build(testConfig(), deps(&fakeExecutor{}))
	if err != nil {
		t.Fatal(err)
	}
	r.Swap(descriptors)

	held, ok := r.Get("system_status")
	if !ok {
		t.Fatal("system_status missing")
	}

	// Swap in a registry without the tool; the held descriptor is intact.
	r.Swap(map[string]*Descriptor{})
	if _, ok := r.Get("system_status"); ok {
		t.Error("New snapshot must not contain the tool")
	}
	if held.Name != "system_status" || held.Handler == nil {
		t.Error("Held descriptor must survive the swap")
	}
}

func TestBuildExecuteSQL_GuardsDestructive(t *testing.T) {
	exec := &fakeExecutor{}
	desc := BuildExecuteSQL("ibmi", deps(exec))

	if _, err := desc.Handler(context.Background(), map[string]any{"sql": "DROP TABLE users"}); err == nil {
		t.Fatal("Free-form execute must reject destructive SQL")
	}
	if exec.lastSQL != "" {
		t.Error("Rejected statement must not execute")
	}

	payload, err := desc.Handler(context.Background(), map[string]any{"sql": "SELECT 1 FROM SYSIBM.SYSDUMMY1"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !payload.Success {
		t.Error("Expected success payload")
	}
}

func TestTitleCase(t *testing.T) {
	cases := map[string]string{
		"system_status":   "System Status",
		"get-active-jobs": "Get Active Jobs",
		"single":          "Single",
		"already_Titled":  "Already Titled",
		"a_b_c":           "A B C",
		"trailing_":       "Trailing",
		"double__under":   "Double Under",
	}
	for in, want := range cases {
		if got := titleCase(in); got != want {
			t.Errorf("titleCase(%q) = %q, want %q", in, got, want)
		}
	}
}
