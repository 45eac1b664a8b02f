package server

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/bobmcallan/ibmi-mcp/internal/common"
	"github.com/bobmcallan/ibmi-mcp/internal/config"
)

func TestWatcher_ReloadsOnFileChange(t *testing.T) {
	cfg := config.NewDefaultServerConfig()
	path := writeToolsFile(t, serverYAML)
	cfg.Tools.Path = path
	cfg.Tools.AutoReload = true

	s, err := New(cfg, common.NewSilentLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Shutdown(t.Context())
	if s.watcher == nil {
		t.Fatal("Auto reload enabled but no watcher started")
	}

	updated := strings.Replace(serverYAML, "Server status probe", "Watched replacement", 1)
	if err := os.WriteFile(path, []byte(updated), 0644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if desc, ok := s.Registry().Get("system_status"); ok && desc.Description == "Watched replacement" {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("Watcher did not apply the config change in time")
}

func TestWatcher_BrokenChangeKeepsRegistry(t *testing.T) {
	cfg := config.NewDefaultServerConfig()
	path := writeToolsFile(t, serverYAML)
	cfg.Tools.Path = path
	cfg.Tools.AutoReload = true

	s, err := New(cfg, common.NewSilentLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Shutdown(t.Context())

	if err := os.WriteFile(path, []byte("tools: [broken"), 0644); err != nil {
		t.Fatal(err)
	}

	// Give the debounce and reload time to run, then confirm the old
	// registry is still serving.
	time.Sleep(1500 * time.Millisecond)
	if _, ok := s.Registry().Get("system_status"); !ok {
		t.Fatal("Failed reload must keep the previous registry")
	}
}
