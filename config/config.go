package config

import (
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/m4xw311/acpconn/errors"
	"github.com/m4xw311/acpconn/logger"
	"gopkg.in/yaml.v3"
)

// Dir is the name of the user-level and project-level configuration
// directory.
const Dir = ".acpconn"

type FilesystemAccess struct {
	Hidden   []string `yaml:"hidden"`
	ReadOnly []string `yaml:"read_only"`
}

type MCPServer struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

type Toolset struct {
	Name  string   `yaml:"name"`
	Tools []string `yaml:"tools"`
}

// SessionConfig controls agent-side session storage.
type SessionConfig struct {
	// Dir holds saved sessions. Empty disables session/load.
	Dir string `yaml:"dir"`
	// IdleTimeout evicts sessions without activity for this long. Zero keeps
	// them until the connection ends.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// AgentCommand is the agent program a host launches.
type AgentCommand struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
}

type Config struct {
	ProtocolVersion      int                  `yaml:"protocol_version"`
	MinProtocolVersion   int                  `yaml:"min_protocol_version"`
	Logging              logger.LoggingConfig `yaml:"logging"`
	Session              SessionConfig        `yaml:"session"`
	Agent                AgentCommand         `yaml:"agent"`
	Mode                 string               `yaml:"mode"`
	Toolsets             []Toolset            `yaml:"toolsets"`
	AdditionalMCPServers []MCPServer          `yaml:"additional_mcp_servers"`
	AllowedCommands      []string             `yaml:"allowed_commands"`
	FilesystemAccess     FilesystemAccess     `yaml:"filesystem_access"`
}

// Default returns the configuration used when no file sets a value.
func Default() *Config {
	return &Config{
		ProtocolVersion:    1,
		MinProtocolVersion: 1,
		Logging: logger.LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Session: SessionConfig{
			Dir: filepath.Join(Dir, "sessions"),
		},
		Mode: "prompt",
		FilesystemAccess: FilesystemAccess{
			// The config directory holds saved sessions and is never exposed to tools.
			Hidden: []string{Dir, Dir + "/**"},
		},
	}
}

// LoadConfig loads configuration from the user's home directory and the current
// working directory, with the latter taking precedence.
func LoadConfig() (*Config, error) {
	var paths []string
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, Dir, "config.yaml"))
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrapf(err, "could not get working directory")
	}
	paths = append(paths, filepath.Join(wd, Dir, "config.yaml"))
	return LoadFiles(paths...)
}

// LoadFiles applies each existing file over Default in order. Missing files
// are skipped.
func LoadFiles(paths ...string) (*Config, error) {
	cfg := Default()
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := loadFromFile(path, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading config %s", path)
		}
	}
	cfg.FilesystemAccess.Hidden = ensure(cfg.FilesystemAccess.Hidden, Dir, Dir+"/**")
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func ensure(list []string, items ...string) []string {
	for _, item := range items {
		found := false
		for _, v := range list {
			if v == item {
				found = true
				break
			}
		}
		if !found {
			list = append(list, item)
		}
	}
	return list
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Unmarshal overwrites only the fields present in the YAML, so a later
	// file replaces values from an earlier one key by key.
	return yaml.Unmarshal(data, cfg)
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.MinProtocolVersion < 1 || c.ProtocolVersion < c.MinProtocolVersion {
		return errors.New("invalid protocol version range %d..%d", c.MinProtocolVersion, c.ProtocolVersion)
	}
	if c.Mode != "auto" && c.Mode != "prompt" {
		return errors.New("invalid mode %q: must be 'auto' or 'prompt'", c.Mode)
	}
	if c.Session.IdleTimeout < 0 {
		return errors.New("session.idle_timeout must not be negative")
	}
	for _, pattern := range append(append([]string{}, c.FilesystemAccess.Hidden...), c.FilesystemAccess.ReadOnly...) {
		if !doublestar.ValidatePattern(pattern) {
			return errors.New("invalid glob pattern %q in filesystem_access", pattern)
		}
	}
	for _, pattern := range c.AllowedCommands {
		if _, err := regexp.Compile(pattern); err != nil {
			return errors.Wrapf(err, "invalid regex %q in allowed_commands", pattern)
		}
	}
	for _, s := range c.AdditionalMCPServers {
		if s.Name == "" || s.Command == "" {
			return errors.New("additional_mcp_servers entries need a name and a command")
		}
	}
	return nil
}

// GetToolset finds a toolset by name. Returns the "default" toolset if the
// named one is not found or if an empty name is provided. Without any
// configured "default", every built-in tool is enabled.
func (c *Config) GetToolset(name string) *Toolset {
	if name == "" {
		name = "default"
	}
	for _, ts := range c.Toolsets {
		if ts.Name == name {
			return &ts
		}
	}
	if name == "default" {
		return &Toolset{Name: "default", Tools: []string{"read_file", "write_file", "execute_command"}}
	}
	// Fallback to default if a specific toolset was requested but not found
	return c.GetToolset("default")
}
