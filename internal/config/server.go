// Package config assembles the server configuration and the declarative
// SQL tool catalog. Server settings layer defaults -> TOML file -> env ->
// flags; tool definitions come from one or more YAML documents.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/bobmcallan/ibmi-mcp/internal/common"
)

// ServerConfig is the process-level configuration.
type ServerConfig struct {
	Transport TransportConfig `toml:"transport"`
	Auth      AuthConfig      `toml:"auth"`
	Source    StaticSource    `toml:"source"`
	Tools     ToolLoadConfig  `toml:"tools"`
	Logging   LoggingConfig   `toml:"logging"`
}

// LoggingConfig is the TOML/env view of logging. Outputs selects the
// enabled writers by name ("console", "file"); Options resolves it.
type LoggingConfig struct {
	Level      string   `toml:"level"`
	Outputs    []string `toml:"outputs"`
	FilePath   string   `toml:"file_path"`
	MaxSizeMB  int      `toml:"max_size_mb"`
	MaxBackups int      `toml:"max_backups"`
}

// Options maps the config representation onto the logger's options. An
// empty Outputs list enables both writers.
func (c LoggingConfig) Options() common.LogOptions {
	opts := common.LogOptions{
		Level:       c.Level,
		FilePath:    c.FilePath,
		FileSizeMB:  c.MaxSizeMB,
		FileBackups: c.MaxBackups,
	}
	if len(c.Outputs) == 0 {
		opts.Console = true
		opts.File = true
		return opts
	}
	for _, out := range c.Outputs {
		switch strings.ToLower(strings.TrimSpace(out)) {
		case "console":
			opts.Console = true
		case "file":
			opts.File = true
		}
	}
	return opts
}

// TransportConfig selects and tunes the MCP transport.
type TransportConfig struct {
	Type           string   `toml:"type"` // "stdio" or "http"
	HTTPHost       string   `toml:"http_host"`
	HTTPPort       int      `toml:"http_port"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

// AuthConfig controls request authentication and the IBM i handshake.
type AuthConfig struct {
	Mode                   string `toml:"mode"` // none | jwt | oauth | ibmi
	JWTSecret              string `toml:"jwt_secret"`
	HTTPAuthEnabled        bool   `toml:"http_auth_enabled"`
	AllowHTTP              bool   `toml:"allow_http"`
	TokenExpirySeconds     int    `toml:"token_expiry_seconds"`
	CleanupIntervalSeconds int    `toml:"cleanup_interval_seconds"`
	MaxConcurrentSessions  int    `toml:"max_concurrent_sessions"`
	PrivateKeyPath         string `toml:"private_key_path"`
	PublicKeyPath          string `toml:"public_key_path"`
	KeyID                  string `toml:"key_id"`
}

// StaticSource holds the process-level database gateway credentials used
// when requests are not bound to a handshake session.
type StaticSource struct {
	Host               string `toml:"host"`
	User               string `toml:"user"`
	Password           string `toml:"password"`
	Port               int    `toml:"port"`
	IgnoreUnauthorized bool   `toml:"ignore_unauthorized"`
}

// ToolLoadConfig controls where tool YAML comes from and how files merge.
type ToolLoadConfig struct {
	Path                  string   `toml:"path"` // file, directory, or glob
	SelectedToolsets      []string `toml:"selected_toolsets"`
	MergeArrays           bool     `toml:"merge_arrays"`
	AllowDuplicateTools   bool     `toml:"allow_duplicate_tools"`
	AllowDuplicateSources bool     `toml:"allow_duplicate_sources"`
	ValidateMerged        bool     `toml:"validate_merged"`
	AutoReload            bool     `toml:"auto_reload"`
	AllowExecuteSQL       bool     `toml:"allow_execute_sql"`
}

// NewDefaultServerConfig returns a ServerConfig with sensible defaults.
func NewDefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Transport: TransportConfig{
			Type:     "stdio",
			HTTPHost: "127.0.0.1",
			HTTPPort: 3010,
		},
		Auth: AuthConfig{
			Mode:                   "none",
			TokenExpirySeconds:     3600,
			CleanupIntervalSeconds: 300,
			MaxConcurrentSessions:  100,
		},
		Source: StaticSource{
			Port: 8076,
		},
		Tools: ToolLoadConfig{
			MergeArrays:    true,
			ValidateMerged: true,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Outputs: []string{"console", "file"},
		},
	}
}

// LoadServerConfig loads configuration with priority: defaults -> file -> env.
// A missing file is not an error; the defaults plus env carry stdio setups.
func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := NewDefaultServerConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, common.WrapError(common.KindConfiguration, err, "failed to read config file %s", path)
			}
		} else if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, common.WrapError(common.KindConfiguration, err, "failed to parse config file %s", path)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config.
func applyEnvOverrides(cfg *ServerConfig) {
	if v := os.Getenv("MCP_TRANSPORT_TYPE"); v != "" {
		cfg.Transport.Type = v
	}
	if v := os.Getenv("MCP_HTTP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Transport.HTTPPort = p
		}
	}
	if v := os.Getenv("MCP_HTTP_HOST"); v != "" {
		cfg.Transport.HTTPHost = v
	}
	if v := os.Getenv("MCP_ALLOWED_ORIGINS"); v != "" {
		cfg.Transport.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv("MCP_AUTH_MODE"); v != "" {
		cfg.Auth.Mode = v
	}
	if v := os.Getenv("MCP_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}

	if v := os.Getenv("IBMI_HTTP_AUTH_ENABLED"); v != "" {
		cfg.Auth.HTTPAuthEnabled = parseBool(v)
	}
	if v := os.Getenv("IBMI_AUTH_ALLOW_HTTP"); v != "" {
		cfg.Auth.AllowHTTP = parseBool(v)
	}
	if v := os.Getenv("IBMI_AUTH_TOKEN_EXPIRY_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Auth.TokenExpirySeconds = n
		}
	}
	if v := os.Getenv("IBMI_AUTH_CLEANUP_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Auth.CleanupIntervalSeconds = n
		}
	}
	if v := os.Getenv("IBMI_AUTH_MAX_CONCURRENT_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Auth.MaxConcurrentSessions = n
		}
	}
	if v := os.Getenv("IBMI_AUTH_PRIVATE_KEY_PATH"); v != "" {
		cfg.Auth.PrivateKeyPath = v
	}
	if v := os.Getenv("IBMI_AUTH_PUBLIC_KEY_PATH"); v != "" {
		cfg.Auth.PublicKeyPath = v
	}
	if v := os.Getenv("IBMI_AUTH_KEY_ID"); v != "" {
		cfg.Auth.KeyID = v
	}

	if v := os.Getenv("DB2i_HOST"); v != "" {
		cfg.Source.Host = v
	}
	if v := os.Getenv("DB2i_USER"); v != "" {
		cfg.Source.User = v
	}
	if v := os.Getenv("DB2i_PASS"); v != "" {
		cfg.Source.Password = v
	}
	if v := os.Getenv("DB2i_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Source.Port = p
		}
	}
	if v := os.Getenv("DB2i_IGNORE_UNAUTHORIZED"); v != "" {
		cfg.Source.IgnoreUnauthorized = parseBool(v)
	}

	if v := os.Getenv("TOOLS_YAML_PATH"); v != "" {
		cfg.Tools.Path = v
	}
	if v := os.Getenv("SELECTED_TOOLSETS"); v != "" {
		cfg.Tools.SelectedToolsets = splitList(v)
	}
	if v := os.Getenv("YAML_MERGE_ARRAYS"); v != "" {
		cfg.Tools.MergeArrays = parseBool(v)
	}
	if v := os.Getenv("YAML_ALLOW_DUPLICATE_TOOLS"); v != "" {
		cfg.Tools.AllowDuplicateTools = parseBool(v)
	}
	if v := os.Getenv("YAML_ALLOW_DUPLICATE_SOURCES"); v != "" {
		cfg.Tools.AllowDuplicateSources = parseBool(v)
	}
	if v := os.Getenv("YAML_VALIDATE_MERGED"); v != "" {
		cfg.Tools.ValidateMerged = parseBool(v)
	}
	if v := os.Getenv("YAML_AUTO_RELOAD"); v != "" {
		cfg.Tools.AutoReload = parseBool(v)
	}

	if v := os.Getenv("IBMI_MCP_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// ApplyFlagOverrides applies command-line flag overrides to the config.
// Flags win over both file and environment.
func ApplyFlagOverrides(cfg *ServerConfig, toolsPath, toolsets, transport string) {
	if toolsPath != "" {
		cfg.Tools.Path = toolsPath
	}
	if toolsets != "" {
		cfg.Tools.SelectedToolsets = splitList(toolsets)
	}
	if transport != "" {
		cfg.Transport.Type = transport
	}
}

func (c *ServerConfig) validate() error {
	switch c.Transport.Type {
	case "stdio", "http":
	default:
		return common.NewError(common.KindConfiguration, "invalid transport type %q (expected stdio or http)", c.Transport.Type)
	}
	switch c.Auth.Mode {
	case "none", "jwt", "oauth", "ibmi":
	default:
		return common.NewError(common.KindConfiguration, "invalid auth mode %q (expected none, jwt, oauth, or ibmi)", c.Auth.Mode)
	}
	if c.Auth.Mode == "ibmi" {
		if c.Auth.PrivateKeyPath == "" || c.Auth.PublicKeyPath == "" || c.Auth.KeyID == "" {
			return common.NewError(common.KindConfiguration,
				"auth mode ibmi requires IBMI_AUTH_PRIVATE_KEY_PATH, IBMI_AUTH_PUBLIC_KEY_PATH, and IBMI_AUTH_KEY_ID")
		}
	}
	return nil
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	return err == nil && b
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// String renders the effective configuration for startup logging, with
// credentials masked.
func (c *ServerConfig) String() string {
	pass := ""
	if c.Source.Password != "" {
		pass = "***"
	}
	return fmt.Sprintf("transport=%s http=%s:%d auth=%s source=%s@%s:%d pass=%s tools=%q",
		c.Transport.Type, c.Transport.HTTPHost, c.Transport.HTTPPort,
		c.Auth.Mode, c.Source.User, c.Source.Host, c.Source.Port, pass, c.Tools.Path)
}
