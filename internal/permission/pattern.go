package permission

import (
	"encoding/json"
	"slices"
	"strings"
)

// subcommandDepth says how many subcommand levels are part of a Bash
// pattern. Commands not listed contribute only their name.
var subcommandDepth = map[string]int{
	"git": 1, "gh": 1,
	"zfs": 1, "zpool": 1,
	"incus": 1, "lxc": 1, "podman": 1, "docker": 1, "kubectl": 1, "helm": 1,
	"systemctl": 1, "launchctl": 1,
	"nix": 1, "nixos-rebuild": 1, "home-manager": 1,
	"go": 1, "cargo": 1, "npm": 1, "yarn": 1, "pnpm": 1, "pip": 1, "uv": 1, "make": 1,
	"tmux": 1, "defaults": 1, "alembic": 1,
}

// sudo flags that consume the following word
var sudoArgFlags = []string{"-u", "-g", "-C", "-D", "-h", "-p"}

// toolInput pulls the fields used for patterns and one-line descriptions
// out of any tool's input.
type toolInput struct {
	FilePath    string `json:"file_path"`
	Path        string `json:"path"`
	URL         string `json:"url"`
	Command     string `json:"command"`
	Pattern     string `json:"pattern"`
	Query       string `json:"query"`
	Prompt      string `json:"prompt"`
	Description string `json:"description"`
	Skill       string `json:"skill"`
}

// Pattern returns the permission pattern for a tool call, in the agent's
// settings syntax: "Edit", "Bash(git:status:*)", "Bash(sudo:rm:*)".
func Pattern(toolName string, input json.RawMessage) string {
	if toolName != "Bash" {
		return toolName
	}
	var in toolInput
	_ = json.Unmarshal(input, &in)
	return BashPattern(in.Command)
}

// Describe returns the most useful one-line rendering of a tool call.
func Describe(toolName string, input json.RawMessage) string {
	var in toolInput
	if err := json.Unmarshal(input, &in); err != nil {
		return toolName
	}
	var s string
	switch toolName {
	case "Bash":
		s = in.Command
	case "Edit", "Write", "NotebookEdit", "Read":
		s = in.FilePath
	case "Glob":
		s = joinNonEmpty("/", in.Path, in.Pattern)
	case "Grep":
		s = joinNonEmpty(" in ", in.Pattern, in.Path)
	case "WebFetch", "WebSearch":
		s = firstNonEmpty(in.URL, in.Query)
	case "Task":
		s = in.Description
	case "Skill":
		s = in.Skill
	default:
		s = firstNonEmpty(in.FilePath, in.Path, in.Command, in.Pattern, in.Query, in.URL, in.Description)
		if s == "" && in.Prompt != "" {
			s = truncate(in.Prompt, 100)
		}
		if s == "" {
			s = in.Skill
		}
	}
	if s == "" {
		return toolName
	}
	return s
}

// BashPattern reduces a shell command to its pattern. Leading environment
// assignments, sudo flags, wrappers such as env, time, nice and xargs, and
// "sh -c" indirection are looked through.
func BashPattern(command string) string {
	words := strings.Fields(command)
	words = dropWhile(words, isAssignment)
	if len(words) == 0 {
		return "Bash"
	}

	var parts []string
	if words[0] == "sudo" {
		parts = append(parts, "sudo")
		words = skipSudoFlags(words[1:])
	}
	words = unwrap(words)
	if len(words) > 0 && isShell(words[0]) {
		words = shellCommand(words)
	}

	if len(words) > 0 {
		cmd := words[0]
		parts = append(parts, cmd)
		parts = append(parts, subcommands(cmd, words[1:])...)
	}
	if len(parts) == 0 {
		return "Bash"
	}
	return "Bash(" + strings.Join(parts, ":") + ":*)"
}

func subcommands(cmd string, args []string) []string {
	var out []string
	for range subcommandDepth[cmd] {
		args = dropWhile(args, isFlag)
		if len(args) == 0 {
			break
		}
		out = append(out, args[0])
		args = args[1:]
	}
	return out
}

func skipSudoFlags(words []string) []string {
	for len(words) > 0 && isFlag(words[0]) {
		if slices.Contains(sudoArgFlags, words[0]) && len(words) > 1 {
			words = words[2:]
			continue
		}
		words = words[1:]
	}
	return words
}

// unwrap strips command wrappers and returns the wrapped command.
func unwrap(words []string) []string {
	if len(words) == 0 {
		return words
	}
	rest := words[1:]
	switch words[0] {
	case "env":
		return dropWhile(rest, func(w string) bool { return isAssignment(w) || isFlag(w) })
	case "time", "nohup", "strace", "ltrace":
		return rest
	case "nice":
		for len(rest) > 0 && isFlag(rest[0]) {
			if rest[0] == "-n" && len(rest) > 1 {
				rest = rest[1:]
			}
			rest = rest[1:]
		}
		return rest
	case "xargs":
		return dropWhile(rest, isFlag)
	}
	return words
}

func isShell(cmd string) bool {
	return cmd == "bash" || cmd == "sh" || cmd == "zsh"
}

// shellCommand returns the words of the script passed to "sh -c".
func shellCommand(words []string) []string {
	for i := 1; i+1 < len(words); i++ {
		if words[i] == "-c" {
			script := strings.Trim(strings.TrimSpace(strings.Join(words[i+1:], " ")), `'"`)
			return strings.Fields(script)
		}
	}
	return words
}

func isFlag(w string) bool { return strings.HasPrefix(w, "-") }

func isAssignment(w string) bool { return strings.Contains(w, "=") && !isFlag(w) }

func dropWhile(words []string, pred func(string) bool) []string {
	for len(words) > 0 && pred(words[0]) {
		words = words[1:]
	}
	return words
}

func joinNonEmpty(sep, a, b string) string {
	if a != "" && b != "" {
		return a + sep + b
	}
	return firstNonEmpty(a, b)
}

func firstNonEmpty(strs ...string) string {
	for _, s := range strs {
		if s != "" {
			return s
		}
	}
	return ""
}

func truncate(s string, maxLen int) string {
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}
