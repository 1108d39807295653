package tui

import (
	"strings"

	catppuccin "github.com/catppuccin/go"
	"github.com/charmbracelet/lipgloss"

	"cc_session_hub/internal/config"
	"cc_session_hub/internal/session"
)

// flavors by config name; unknown names fall back to mocha
var flavors = map[string]catppuccin.Flavor{
	"latte":     catppuccin.Latte,
	"frappe":    catppuccin.Frappe,
	"macchiato": catppuccin.Macchiato,
	"mocha":     catppuccin.Mocha,
}

// paletteColor resolves a catppuccin color name against a flavor.
func paletteColor(f catppuccin.Flavor, name string) (lipgloss.Color, bool) {
	var c catppuccin.Color
	switch strings.ToLower(name) {
	case "rosewater":
		c = f.Rosewater()
	case "flamingo":
		c = f.Flamingo()
	case "pink":
		c = f.Pink()
	case "mauve":
		c = f.Mauve()
	case "red":
		c = f.Red()
	case "maroon":
		c = f.Maroon()
	case "peach":
		c = f.Peach()
	case "yellow":
		c = f.Yellow()
	case "green":
		c = f.Green()
	case "teal":
		c = f.Teal()
	case "sky":
		c = f.Sky()
	case "sapphire":
		c = f.Sapphire()
	case "blue":
		c = f.Blue()
	case "lavender":
		c = f.Lavender()
	case "text":
		c = f.Text()
	case "subtext1":
		c = f.Subtext1()
	case "subtext0":
		c = f.Subtext0()
	case "overlay2":
		c = f.Overlay2()
	case "overlay1":
		c = f.Overlay1()
	case "overlay0":
		c = f.Overlay0()
	case "surface2":
		c = f.Surface2()
	case "surface1":
		c = f.Surface1()
	case "surface0":
		c = f.Surface0()
	default:
		return "", false
	}
	return lipgloss.Color(c.Hex), true
}

// Theme holds every style the monitor renders with.
type Theme struct {
	Title       lipgloss.Style
	Status      lipgloss.Style
	Muted       lipgloss.Style
	Error       lipgloss.Style
	Help        lipgloss.Style
	Selected    lipgloss.Style
	Normal      lipgloss.Style
	ActiveTab   lipgloss.Style
	InactiveTab lipgloss.Style
	TabGap      lipgloss.Style
	Header      lipgloss.Style
	Timestamp   lipgloss.Style
	Label       lipgloss.Style
	Danger      lipgloss.Style
	Warning     lipgloss.Style

	// session status markers
	Active   lipgloss.Style
	Archived lipgloss.Style
	Dead     lipgloss.Style

	// event kinds
	User      lipgloss.Style
	Assistant lipgloss.Style
	System    lipgloss.Style
	Pending   lipgloss.Style
	Denied    lipgloss.Style

	selection lipgloss.Color
	border    lipgloss.Color
	groups    []config.ToolGroup
	group     map[string]lipgloss.Style
}

// NewTheme builds the styles for a catppuccin flavor. Tool groups color
// permission requests by pattern.
func NewTheme(name string, groups []config.ToolGroup) *Theme {
	f, ok := flavors[strings.ToLower(name)]
	if !ok {
		f = catppuccin.Mocha
	}
	color := func(n string) lipgloss.Color {
		c, _ := paletteColor(f, n)
		return c
	}
	muted := color("overlay1")
	fg := color("text")
	accent := color("mauve")
	selection := color("surface1")

	t := &Theme{
		Title:       lipgloss.NewStyle().Bold(true).Foreground(accent),
		Status:      lipgloss.NewStyle().Foreground(muted),
		Muted:       lipgloss.NewStyle().Foreground(muted),
		Error:       lipgloss.NewStyle().Foreground(color("red")).Bold(true).Padding(1),
		Help:        lipgloss.NewStyle().Foreground(muted),
		Selected:    lipgloss.NewStyle().Background(selection).Foreground(fg).Bold(true),
		Normal:      lipgloss.NewStyle().Foreground(fg),
		ActiveTab:   lipgloss.NewStyle().Bold(true).Background(accent).Foreground(color("base")).Padding(0, 2),
		InactiveTab: lipgloss.NewStyle().Foreground(muted).Padding(0, 2),
		TabGap:      lipgloss.NewStyle().Foreground(muted),
		Header:      lipgloss.NewStyle().Foreground(color("subtext0")).Bold(true),
		Timestamp:   lipgloss.NewStyle().Foreground(muted).Width(8),
		Label:       lipgloss.NewStyle().Foreground(color("lavender")).Bold(true),
		Danger:      lipgloss.NewStyle().Foreground(color("red")).Bold(true),
		Warning:     lipgloss.NewStyle().Foreground(color("peach")),

		Active:   lipgloss.NewStyle().Foreground(color("green")).Bold(true),
		Archived: lipgloss.NewStyle().Foreground(muted),
		Dead:     lipgloss.NewStyle().Foreground(color("maroon")),

		User:      lipgloss.NewStyle().Foreground(color("blue")),
		Assistant: lipgloss.NewStyle().Foreground(fg),
		System:    lipgloss.NewStyle().Foreground(muted).Italic(true),
		Pending:   lipgloss.NewStyle().Foreground(color("yellow")).Bold(true),
		Denied:    lipgloss.NewStyle().Foreground(color("red")),

		selection: selection,
		border:    color("surface2"),
		groups:    groups,
		group:     make(map[string]lipgloss.Style, len(groups)),
	}
	for _, g := range groups {
		style := lipgloss.NewStyle().Foreground(fg)
		if c, ok := paletteColor(f, g.Color); ok {
			style = style.Foreground(c)
		}
		if g.Bold {
			style = style.Bold(true)
		}
		t.group[g.Name] = style
	}
	return t
}

// ForPattern returns the style of the first tool group matching a
// permission pattern.
func (t *Theme) ForPattern(pattern string) lipgloss.Style {
	for i := range t.groups {
		if t.groups[i].Matches(pattern) {
			return t.group[t.groups[i].Name]
		}
	}
	return t.Normal
}

// ForStatus returns the marker style of a session status.
func (t *Theme) ForStatus(status session.Status) lipgloss.Style {
	switch status {
	case session.StatusActive:
		return t.Active
	case session.StatusDead:
		return t.Dead
	default:
		return t.Archived
	}
}

// ColumnHeader renders a header row padded to width.
func (t *Theme) ColumnHeader(width int) lipgloss.Style {
	return t.Header.Width(width)
}

// CodeBlock frames command text.
func (t *Theme) CodeBlock(width int) lipgloss.Style {
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(t.border).
		Foreground(t.Normal.GetForeground()).
		Padding(0, 1).
		Width(max(width-2, 10))
}
