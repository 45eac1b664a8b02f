package config

import (
	"testing"

	"github.com/bobmcallan/ibmi-mcp/internal/common"
)

// The YAML suites shipped under tools/ must always load cleanly.
func TestLoad_ShippedToolSuites(t *testing.T) {
	t.Setenv("DB2i_HOST", "db2.example.com")
	t.Setenv("DB2i_USER", "svc")
	t.Setenv("DB2i_PASS", "secret")

	result := Load(
		[]ConfigSource{{Type: SourceDirectory, Path: "../../tools", Required: true}},
		DefaultMergeOptions(),
		common.NewSilentLogger(),
	)
	if !result.Success {
		t.Fatalf("Shipped tool suites failed to load: %v", result.Errors)
	}
	if result.Stats.SourcesTotal != 1 {
		t.Errorf("Expected the shared ibmi-system source, got %d", result.Stats.SourcesTotal)
	}
	if result.Stats.ToolsetsTotal != 2 {
		t.Errorf("Expected performance and sysadmin toolsets, got %d", result.Stats.ToolsetsTotal)
	}
	if result.Config.Sources["ibmi-system"].Host != "db2.example.com" {
		t.Error("Env expansion must fill the source host")
	}

	// Cross-file referential integrity: sysadmin tools use the source
	// declared in performance.yaml.
	for name, tool := range result.Config.Tools {
		if tool.Source != "ibmi-system" {
			t.Errorf("Tool %q references unexpected source %q", name, tool.Source)
		}
	}
}
