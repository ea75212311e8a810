package monitor

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// clearScreen moves the cursor home and wipes the previous frame.
const clearScreen = "\x1b[H\x1b[2J"

// TermDisplay renders monitor views as a styled table on a terminal. Each
// frame repaints the screen, so it should only be attached to interactive
// sessions.
type TermDisplay struct {
	out io.Writer

	headerStyle lipgloss.Style
	statKey     lipgloss.Style
	rowStyles   map[Status]lipgloss.Style
}

// NewTermDisplay creates a terminal display writing to out.
func NewTermDisplay(out io.Writer) *TermDisplay {
	return &TermDisplay{
		out: out,
		headerStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("57")).
			Padding(0, 1),
		statKey: lipgloss.NewStyle().Bold(true),
		rowStyles: map[Status]lipgloss.Style{
			StatusQueued:     lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
			StatusInProgress: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
			StatusSucceeded:  lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
			StatusFailed:     lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		},
	}
}

// Render paints one frame.
func (d *TermDisplay) Render(view View) error {
	var b strings.Builder
	b.WriteString(clearScreen)
	b.WriteString(d.headerStyle.Render(fmt.Sprintf(
		"crawl dispatch | %s", view.At.Format(time.TimeOnly),
	)))
	b.WriteString("\n")
	b.WriteString(d.renderStats(view.Stats))
	b.WriteString("\n")

	if view.Mode == ModeDetailed {
		b.WriteString(d.renderTable(view.Records))
	}

	if _, err := io.WriteString(d.out, b.String()); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (d *TermDisplay) renderStats(st Stats) string {
	parts := []string{
		fmt.Sprintf("%s %d", d.statKey.Render("queued:"), st.Queued),
		fmt.Sprintf("%s %d", d.statKey.Render("running:"), st.InProgress),
		fmt.Sprintf("%s %d", d.statKey.Render("ok:"), st.Succeeded),
		fmt.Sprintf("%s %d", d.statKey.Render("failed:"), st.Failed),
		fmt.Sprintf("%s %.2f/s", d.statKey.Render("rate:"), st.PerSecond),
		fmt.Sprintf("%s %s", d.statKey.Render("elapsed:"), st.Elapsed.Round(time.Second)),
	}
	return strings.Join(parts, "  ")
}

func (d *TermDisplay) renderTable(records []TaskRecord) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("%-12s %-40s %-12s %10s %10s\n",
		"TASK", "URL", "STATUS", "MEM(MB)", "DURATION"))
	for _, rec := range records {
		style, ok := d.rowStyles[rec.Status]
		if !ok {
			style = lipgloss.NewStyle()
		}
		line := fmt.Sprintf("%-12s %-40s %-12s %10.1f %10s",
			truncate(rec.ID, 12),
			truncate(rec.URL, 40),
			rec.Status,
			rec.MemoryMB,
			duration(rec),
		)
		b.WriteString(style.Render(line))
		b.WriteString("\n")
	}
	return b.String()
}

func duration(rec TaskRecord) string {
	if rec.Start.IsZero() {
		return "-"
	}
	end := rec.End
	if end.IsZero() {
		return "…"
	}
	return end.Sub(rec.Start).Round(time.Millisecond).String()
}

// truncate shortens s to at most n runes, never splitting a multibyte rune.
func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	if n == 1 {
		return "…"
	}
	return string(runes[:n-1]) + "…"
}
