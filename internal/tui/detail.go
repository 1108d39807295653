package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"cc_session_hub/internal/event"
)

// renderDetailPanel renders the selected event in a side panel
func (m Model) renderDetailPanel(width, height int) string {
	t := m.theme
	box := lipgloss.NewStyle().Width(width).Height(height)

	var b strings.Builder
	b.WriteString(t.ColumnHeader(width).Render("Event Details"))
	b.WriteString("\n")

	e, ok := m.selectedEntry()
	if !ok {
		b.WriteString(t.Muted.Render("Select an event and press Enter"))
		return box.Render(b.String())
	}

	b.WriteString(t.Label.Render("Kind: "))
	b.WriteString(e.label)
	if !e.ev.Timestamp.IsZero() {
		b.WriteString(t.Muted.Render("  " + e.ev.Timestamp.Local().Format("2006-01-02 15:04:05")))
	}
	b.WriteString("\n")
	if n := m.replyCount(e.ev.ID); n > 0 {
		b.WriteString(t.Muted.Render(fmt.Sprintf("%d replies", n)))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	switch {
	case e.tool != "":
		b.WriteString(m.formatToolDetail(e, width))
	case e.text != "":
		b.WriteString(wrapText(e.text, width-2))
	default:
		b.WriteString(t.CodeBlock(width).Render(truncateMultiline(indentJSON(e.ev.Raw), width-4, height-6)))
	}
	return box.Render(b.String())
}

// replyCount counts the followed session's events whose parent is id.
func (m Model) replyCount(id string) int {
	if id == "" {
		return 0
	}
	evs := make([]*event.Event, len(m.entries))
	for i, e := range m.entries {
		evs[i] = e.ev
	}
	_, children := event.Thread(evs)
	return len(children[id])
}

// formatToolDetail renders a tool call or permission request with warnings
// for risky shell commands
func (m Model) formatToolDetail(e entry, width int) string {
	t := m.theme
	var b strings.Builder

	b.WriteString(t.Label.Render("Tool: "))
	b.WriteString(e.tool)
	b.WriteString("\n")
	if e.pattern != "" {
		b.WriteString(t.Label.Render("Pattern: "))
		b.WriteString(t.ForPattern(e.pattern).Render(e.pattern))
		b.WriteString("\n")
	}
	if e.status != "" {
		style := t.Normal
		switch e.status {
		case event.StatusPending:
			style = t.Pending
		case event.StatusDeny:
			style = t.Denied
		case event.StatusAllow:
			style = t.Active
		}
		b.WriteString(t.Label.Render("Status: "))
		b.WriteString(style.Render(e.status))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	var in struct {
		Command     string `json:"command"`
		Description string `json:"description"`
	}
	_ = json.Unmarshal(e.input, &in)

	if e.tool == "Bash" && in.Command != "" {
		if warnings := analyzeBashSecurity(in.Command); len(warnings) > 0 {
			b.WriteString(t.Danger.Render("! Security Warnings"))
			b.WriteString("\n")
			for _, w := range warnings {
				b.WriteString(t.Danger.Render("  - " + w))
				b.WriteString("\n")
			}
			b.WriteString("\n")
		}
		b.WriteString(t.Label.Render("Command:"))
		b.WriteString("\n")
		b.WriteString(t.CodeBlock(width).Render(wrapText(in.Command, width-4)))
		b.WriteString("\n")
		if in.Description != "" {
			b.WriteString(t.Muted.Render(wrapText(in.Description, width-2)))
			b.WriteString("\n")
		}
		return b.String()
	}

	if e.text != "" {
		b.WriteString(wrapText(e.text, width-2))
		b.WriteString("\n\n")
	}
	if len(e.input) > 0 {
		b.WriteString(t.Label.Render("Input:"))
		b.WriteString("\n")
		b.WriteString(t.CodeBlock(width).Render(truncateMultiline(indentJSON(e.input), width-4, 12)))
		b.WriteString("\n")
	}
	return b.String()
}

// securityCheck defines a check function and its warning message
type securityCheck struct {
	check   func(cmd string) bool
	warning string
}

// securityChecks contains all bash security checks
var securityChecks = []securityCheck{
	{checkRecursiveRm, "Recursive file deletion"},
	{checkSimpleRm, "File deletion"},
	{checkSudo, "Runs with elevated privileges"},
	{checkChmod, "Changes file permissions"},
	{checkChown, "Changes file ownership"},
	{checkCurlPipeShell, "Downloads and pipes to shell"},
	{checkDd, "Direct disk/device operation"},
	{checkMkfs, "Filesystem creation"},
	{checkKill, "Process termination"},
	{checkGitForcePush, "Force push to remote"},
	{checkGitHardReset, "Hard reset (discards changes)"},
}

// analyzeBashSecurity returns security warnings for a bash command
func analyzeBashSecurity(command string) []string {
	var warnings []string
	cmd := strings.ToLower(command)
	for _, sc := range securityChecks {
		if sc.check(cmd) {
			warnings = append(warnings, sc.warning)
		}
	}
	return warnings
}

// hasCommand checks if cmd runs name, at the start or after a separator
func hasCommand(cmd, name string) bool {
	for _, field := range strings.FieldsFunc(cmd, func(r rune) bool {
		return r == ';' || r == '|' || r == '&' || r == '\n'
	}) {
		words := strings.Fields(field)
		if len(words) > 0 && (words[0] == name || (words[0] == "sudo" && len(words) > 1 && words[1] == name)) {
			return true
		}
	}
	return false
}

func checkRecursiveRm(cmd string) bool {
	if !hasCommand(cmd, "rm") {
		return false
	}
	return strings.Contains(cmd, "-rf") || strings.Contains(cmd, "-r ") || strings.Contains(cmd, " -fr")
}

func checkSimpleRm(cmd string) bool {
	// Only flag if not already caught by recursive check
	return hasCommand(cmd, "rm") && !checkRecursiveRm(cmd)
}

func checkSudo(cmd string) bool {
	return hasCommand(cmd, "sudo")
}

func checkChmod(cmd string) bool {
	return hasCommand(cmd, "chmod")
}

func checkChown(cmd string) bool {
	return hasCommand(cmd, "chown")
}

func checkCurlPipeShell(cmd string) bool {
	if !strings.Contains(cmd, "|") {
		return false
	}
	hasCurl := hasCommand(cmd, "curl") || hasCommand(cmd, "wget")
	hasShell := hasCommand(cmd, "bash") || hasCommand(cmd, "sh")
	return hasCurl && hasShell
}

func checkDd(cmd string) bool {
	return hasCommand(cmd, "dd")
}

func checkMkfs(cmd string) bool {
	return strings.Contains(cmd, "mkfs")
}

func checkKill(cmd string) bool {
	return hasCommand(cmd, "kill") || hasCommand(cmd, "pkill") || hasCommand(cmd, "killall")
}

func checkGitForcePush(cmd string) bool {
	return strings.Contains(cmd, "git push") && (strings.Contains(cmd, "--force") || strings.Contains(cmd, " -f"))
}

func checkGitHardReset(cmd string) bool {
	return strings.Contains(cmd, "git reset --hard")
}

// indentJSON pretty-prints raw JSON, returning it unchanged when invalid
func indentJSON(raw []byte) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

// wrapText wraps text at word boundaries to fit within width
func wrapText(text string, width int) string {
	if width <= 0 {
		return text
	}

	var result strings.Builder
	for i, line := range strings.Split(text, "\n") {
		if i > 0 {
			result.WriteString("\n")
		}
		lineLen := 0
		for _, word := range strings.Fields(line) {
			wordLen := len([]rune(word))
			if lineLen+wordLen+1 > width && lineLen > 0 {
				result.WriteString("\n")
				lineLen = 0
			}
			if lineLen > 0 {
				result.WriteString(" ")
				lineLen++
			}
			// Truncate very long words
			if wordLen > width {
				word = truncate(word, width)
				wordLen = width
			}
			result.WriteString(word)
			lineLen += wordLen
		}
	}
	return result.String()
}

// truncateMultiline truncates text to maxLines and width
func truncateMultiline(text string, width, maxLines int) string {
	lines := strings.Split(text, "\n")
	if maxLines > 0 && len(lines) > maxLines {
		lines = append(lines[:maxLines], fmt.Sprintf("... %d more lines", len(lines)-maxLines))
	}
	for i, line := range lines {
		// Replace tabs with spaces for consistent display
		lines[i] = truncate(strings.ReplaceAll(line, "\t", "  "), width)
	}
	return strings.Join(lines, "\n")
}
