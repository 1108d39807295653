package cli

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"cc_session_hub/internal/session"
)

type listOptions struct {
	limit  int
	cursor string
}

func newListCommand(o *options) *cobra.Command {
	lo := &listOptions{}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print one page of sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := o.loadConfig()
			if err != nil {
				return err
			}
			h, err := openHub(cfg, zap.NewNop())
			if err != nil {
				return err
			}
			defer func() { _ = h.close(context.Background()) }()

			page, err := h.manager.List(session.ListRequest{Limit: lo.limit, Cursor: lo.cursor})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderPage(page, time.Now()))
			if page.HasMore {
				fmt.Fprintf(out, "next: --cursor %s\n", page.NextCursor)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&lo.limit, "limit", "n", 0, "sessions per page (default: session.page_size)")
	cmd.Flags().StringVar(&lo.cursor, "cursor", "", "continue from a previous page")
	return cmd
}

var headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
var cellStyle = lipgloss.NewStyle().Padding(0, 1)

func renderPage(page session.Page, now time.Time) string {
	rows := make([][]string, 0, len(page.Items))
	for _, info := range page.Items {
		title := info.Title
		if title == "" {
			title = info.FirstPrompt
		}
		if r := []rune(title); len(r) > 60 {
			title = string(r[:59]) + "…"
		}
		rows = append(rows, []string{
			info.ID,
			string(info.Status),
			strconv.Itoa(info.EventCount),
			age(now, info.Modified),
			title,
		})
	}
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "STATUS", "EVENTS", "UPDATED", "TITLE").
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		String()
}

func age(now, t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
