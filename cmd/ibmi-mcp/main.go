package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/bobmcallan/ibmi-mcp/internal/common"
	"github.com/bobmcallan/ibmi-mcp/internal/config"
	"github.com/bobmcallan/ibmi-mcp/internal/server"
)

func main() {
	toolsPath := flag.String("tools", "", "Path to tool YAML: a file, a directory, or a glob")
	toolsets := flag.String("toolsets", "", "Comma-separated toolset allow-list; only matching tools register")
	transport := flag.String("transport", "", "MCP transport: stdio or http")
	listToolsets := flag.Bool("list-toolsets", false, "Print the toolsets in the merged configuration and exit")
	configFile := flag.String("config", "ibmi-mcp.toml", "Path to server config file")
	flag.Parse()

	cfg, err := config.LoadServerConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	config.ApplyFlagOverrides(cfg, *toolsPath, *toolsets, *transport)

	if *listToolsets {
		os.Exit(runListToolsets(cfg))
	}

	logger := common.NewLogger(cfg.Logging.Options())
	logger.Info().Str("config", cfg.String()).Msg("starting ibmi-mcp")

	srv, err := server.New(cfg, logger)
	if err != nil {
		logger.Error().Str("error", err.Error()).Msg("startup failed")
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = srv.Start(ctx)
	srv.Shutdown(context.Background())
	if err != nil {
		logger.Error().Str("error", err.Error()).Msg("server error")
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

// runListToolsets loads the tool config and prints each toolset with its
// tool count. Returns the process exit code.
func runListToolsets(cfg *config.ServerConfig) int {
	if cfg.Tools.Path == "" {
		fmt.Fprintln(os.Stderr, "no tool configuration: set --tools or TOOLS_YAML_PATH")
		return 1
	}
	result := config.Load(
		[]config.ConfigSource{config.SourceFor(cfg.Tools.Path)},
		config.MergeOptions{
			MergeArrays:           cfg.Tools.MergeArrays,
			AllowDuplicateTools:   cfg.Tools.AllowDuplicateTools,
			AllowDuplicateSources: cfg.Tools.AllowDuplicateSources,
			ValidateMerged:        cfg.Tools.ValidateMerged,
		},
		common.NewSilentLogger(),
	)
	if !result.Success {
		for _, err := range result.Errors {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		return 1
	}

	names := make([]string, 0, len(result.Config.Toolsets))
	for name := range result.Config.Toolsets {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ts := result.Config.Toolsets[name]
		title := ts.Title
		if title == "" {
			title = name
		}
		fmt.Printf("%s: %s (%d tools)\n", name, title, len(ts.Tools))
	}
	return 0
}
