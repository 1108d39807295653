package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ToolGroup defines a group of permission patterns with styling
type ToolGroup struct {
	// Name is the display name of this group
	Name string `yaml:"name"`

	// Color is the catppuccin color name (e.g., "red", "yellow", "green", "mauve")
	Color string `yaml:"color"`

	// Bold makes the text bold
	Bold bool `yaml:"bold"`

	// Patterns is a list of permission patterns that belong to this group (supports wildcards)
	Patterns []string `yaml:"patterns"`

	// Exclude hides matching requests from the monitor
	Exclude bool `yaml:"exclude"`

	// AutoApprove grants matching permission requests without asking
	AutoApprove bool `yaml:"auto_approve"`
}

// ClaudeConfig controls how agent processes are launched
type ClaudeConfig struct {
	Binary         string            `yaml:"binary"`
	Model          string            `yaml:"model"`
	PermissionMode string            `yaml:"permission_mode"`
	ThinkingBudget int               `yaml:"thinking_budget"`
	ExtraArgs      []string          `yaml:"extra_args"`
	Env            map[string]string `yaml:"env"`
}

// SessionConfig holds per-session runtime limits
type SessionConfig struct {
	// DefaultMode is "structured" or "terminal"
	DefaultMode       string        `yaml:"default_mode"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ShutdownGrace     time.Duration `yaml:"shutdown_grace"`
	PermissionTimeout time.Duration `yaml:"permission_timeout"`
	SubscriberBuffer  int           `yaml:"subscriber_buffer"`
	// SlowSubscriber is "disconnect" or "drop"
	SlowSubscriber      string        `yaml:"slow_subscriber"`
	KeystrokeDelay      time.Duration `yaml:"keystroke_delay"`
	TerminalReplayBytes int           `yaml:"terminal_replay_bytes"`
	PageSize            int           `yaml:"page_size"`
}

// LogConfig selects the logger output
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
	File   string `yaml:"file"`
}

// Config holds the application configuration
type Config struct {
	// Listen is the HTTP listen address
	Listen string `yaml:"listen"`

	// DataDir is the writable root for session logs
	DataDir string `yaml:"data_dir"`

	// SourceDirs are read-only roots holding transcripts written by the agent itself
	SourceDirs []string `yaml:"source_dirs"`

	Claude  ClaudeConfig  `yaml:"claude"`
	Session SessionConfig `yaml:"session"`
	Log     LogConfig     `yaml:"log"`

	// Theme is the color theme to use (mocha, macchiato, frappe, latte)
	Theme string `yaml:"theme"`

	// ToolGroups classify permission patterns (checked in order, first match wins)
	ToolGroups []ToolGroup `yaml:"tool_groups"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	home := os.Getenv("HOME")
	return &Config{
		Listen:     "127.0.0.1:8787",
		DataDir:    filepath.Join(home, ".local", "share", "cc_session_hub", "sessions"),
		SourceDirs: []string{filepath.Join(home, ".claude", "projects")},
		Claude: ClaudeConfig{
			Binary:         "claude",
			ThinkingBudget: 31999,
		},
		Session: SessionConfig{
			DefaultMode:         "structured",
			IdleTimeout:         30 * time.Minute,
			ShutdownGrace:       3 * time.Second,
			SubscriberBuffer:    256,
			SlowSubscriber:      "disconnect",
			KeystrokeDelay:      2 * time.Millisecond,
			TerminalReplayBytes: 256 * 1024,
			PageSize:            50,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Theme: "mocha",
		ToolGroups: []ToolGroup{
			{
				Name:  "dangerous",
				Color: "red",
				Bold:  true,
				Patterns: []string{
					"Bash(rm:*)",
					"Bash(sudo:*)",
					"Bash(chmod:*)",
					"Bash(chown:*)",
					"Bash(dd:*)",
					"Bash(mkfs:*)",
					"Bash(kill:*)",
					"Bash(pkill:*)",
					"Bash(killall:*)",
				},
			},
			{
				Name:     "write",
				Color:    "peach",
				Patterns: []string{"Write", "NotebookEdit"},
			},
			{
				Name:     "edit",
				Color:    "yellow",
				Patterns: []string{"Edit"},
			},
			{
				Name:     "bash",
				Color:    "mauve",
				Patterns: []string{"Bash(*)"},
			},
			{
				Name:     "task",
				Color:    "lavender",
				Patterns: []string{"Task", "TaskOutput"},
			},
			{
				Name:  "read-only",
				Color: "green",
				Patterns: []string{
					"Read",
					"Glob",
					"Grep",
					"WebFetch",
					"WebSearch",
					"TodoRead",
					"AskUserQuestion",
					"mcp__*",
				},
			},
			{
				Name:     "unmatched",
				Color:    "overlay1",
				Patterns: []string{"*"},
			},
		},
	}
}

// Load reads the config from a YAML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath) //nolint:gosec // config path from known locations
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil // Use defaults if no config file
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", cleanPath, err)
	}

	cfg.expandPaths()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", cleanPath, err)
	}
	return cfg, nil
}

// LoadFromDefaultPath attempts to load config from standard locations
func LoadFromDefaultPath() (*Config, error) {
	// Check in order: current dir, ~/.config/cc_session_hub/, XDG_CONFIG_HOME
	paths := []string{
		"config.yaml",
		filepath.Join(os.Getenv("HOME"), ".config", "cc_session_hub", "config.yaml"),
	}

	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		paths = append(paths, filepath.Join(xdg, "cc_session_hub", "config.yaml"))
	}

	for _, path := range paths {
		cleanPath := filepath.Clean(path)
		if _, err := os.Stat(cleanPath); err == nil { //nolint:gosec // config path from known locations
			return Load(cleanPath)
		}
	}

	return DefaultConfig(), nil
}

// Validate checks values that would otherwise fail later at runtime.
func (c *Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen must not be empty"))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir must not be empty"))
	}
	switch c.Session.DefaultMode {
	case "structured", "terminal":
	default:
		errs = append(errs, fmt.Errorf("session.default_mode %q: want structured or terminal", c.Session.DefaultMode))
	}
	switch c.Session.SlowSubscriber {
	case "disconnect", "drop":
	default:
		errs = append(errs, fmt.Errorf("session.slow_subscriber %q: want disconnect or drop", c.Session.SlowSubscriber))
	}
	if c.Session.SubscriberBuffer <= 0 {
		errs = append(errs, errors.New("session.subscriber_buffer must be positive"))
	}
	if c.Claude.ThinkingBudget < 0 {
		errs = append(errs, errors.New("claude.thinking_budget must not be negative"))
	}
	return errors.Join(errs...)
}

func (c *Config) expandPaths() {
	c.DataDir = expandHome(c.DataDir)
	c.Log.File = expandHome(c.Log.File)
	for i, dir := range c.SourceDirs {
		c.SourceDirs[i] = expandHome(dir)
	}
}

func expandHome(path string) string {
	if path == "~" {
		return os.Getenv("HOME")
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(os.Getenv("HOME"), path[2:])
	}
	return path
}

// GetToolGroup returns the first matching tool group for a pattern, or nil
func (c *Config) GetToolGroup(pattern string) *ToolGroup {
	for i := range c.ToolGroups {
		group := &c.ToolGroups[i]
		if group.Matches(pattern) {
			return group
		}
	}
	return nil
}

// Matches returns true if the pattern matches this group
func (g *ToolGroup) Matches(pattern string) bool {
	for _, p := range g.Patterns {
		if matchPattern(p, pattern) {
			return true
		}
	}
	return false
}

// ShouldExclude returns true if the pattern should be hidden from the monitor
func (c *Config) ShouldExclude(pattern string) bool {
	group := c.GetToolGroup(pattern)
	return group != nil && group.Exclude
}

// AutoApprove returns true if requests for the pattern are granted without asking
func (c *Config) AutoApprove(pattern string) bool {
	group := c.GetToolGroup(pattern)
	return group != nil && group.AutoApprove
}

// matchPattern checks if a pattern matches (supports * wildcards)
func matchPattern(pattern, value string) bool {
	// Exact match
	if pattern == value {
		return true
	}

	// Wildcard match - supports single * anywhere in pattern
	// e.g., "Bash(rm:*)" matches "Bash(rm:rf)" and "Bash(rm:file.txt)"
	if strings.Contains(pattern, "*") {
		parts := strings.SplitN(pattern, "*", 2)
		if len(parts) == 2 {
			prefix := parts[0]
			suffix := parts[1]
			return strings.HasPrefix(value, prefix) && strings.HasSuffix(value, suffix)
		}
	}

	return false
}
