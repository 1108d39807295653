package permission

import (
	"encoding/json"
	"testing"
)

func TestBashPattern(t *testing.T) {
	tests := []struct {
		name     string
		command  string
		expected string
	}{
		// Basic commands
		{"git with subcommand", "git status", "Bash(git:status:*)"},
		{"simple ls", "ls -la", "Bash(ls:*)"},
		{"npm install", "npm install express", "Bash(npm:install:*)"},

		// Sudo handling
		{"sudo rm", "sudo rm -rf /tmp/foo", "Bash(sudo:rm:*)"},
		{"sudo with user flag", "sudo -u root apt update", "Bash(sudo:apt:*)"},
		{"bare sudo", "sudo", "Bash(sudo:*)"},

		// Env var prefixes
		{"env var prefix", "FOO=bar npm run build", "Bash(npm:run:*)"},
		{"multiple env vars", "FOO=1 BAR=2 node server.js", "Bash(node:*)"},

		// Command wrappers
		{"time wrapper", "time make build", "Bash(make:build:*)"},
		{"nice wrapper", "nice -n 10 cargo build", "Bash(cargo:build:*)"},
		{"env wrapper", "env -i PATH=/bin ls", "Bash(ls:*)"},
		{"xargs wrapper", "xargs -0 rm", "Bash(rm:*)"},

		// Shell indirection
		{"sh -c", "sh -c 'git status'", "Bash(git:status:*)"},

		// Empty/edge cases
		{"empty command", "", "Bash"},
		{"whitespace only", "   ", "Bash"},
		{"only assignments", "A=1 B=2", "Bash"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := BashPattern(tt.command)
			if result != tt.expected {
				t.Errorf("BashPattern(%q) = %q, want %q", tt.command, result, tt.expected)
			}
		})
	}
}

func TestPattern(t *testing.T) {
	tests := []struct {
		toolName string
		input    string
		expected string
	}{
		{"Bash", `{"command":"git push origin main"}`, "Bash(git:push:*)"},
		{"Bash", `not json`, "Bash"},
		{"Edit", `{"file_path":"/a.go"}`, "Edit"},
		{"mcp__github__create_issue", `{}`, "mcp__github__create_issue"},
	}

	for _, tt := range tests {
		t.Run(tt.toolName, func(t *testing.T) {
			result := Pattern(tt.toolName, json.RawMessage(tt.input))
			if result != tt.expected {
				t.Errorf("Pattern(%q, %q) = %q, want %q", tt.toolName, tt.input, result, tt.expected)
			}
		})
	}
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		toolName string
		input    string
		expected string
	}{
		{"Bash", `{"command":"ls -la"}`, "ls -la"},
		{"Edit", `{"file_path":"/src/main.go"}`, "/src/main.go"},
		{"Glob", `{"path":"/src","pattern":"**/*.go"}`, "/src/**/*.go"},
		{"Grep", `{"pattern":"TODO","path":"/src"}`, "TODO in /src"},
		{"WebSearch", `{"query":"golang pty"}`, "golang pty"},
		{"Task", `{"description":"explore repo"}`, "explore repo"},
		{"Custom", `{"url":"https://example.com"}`, "https://example.com"},
		{"Custom", `{}`, "Custom"},
	}

	for _, tt := range tests {
		t.Run(tt.toolName, func(t *testing.T) {
			result := Describe(tt.toolName, json.RawMessage(tt.input))
			if result != tt.expected {
				t.Errorf("Describe(%q, %q) = %q, want %q", tt.toolName, tt.input, result, tt.expected)
			}
		})
	}
}
