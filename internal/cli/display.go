package cli

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// DisplayConfig controls status output formatting, grounded on the
// teacher's DisplayConfig (width/color/timestamp knobs for a text
// renderer), adapted from unit/task progress bars to snapshot rows.
type DisplayConfig struct {
	Width    int
	UseColor bool
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	nameStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	dimStyle    = lipgloss.NewStyle().Faint(true)
)

// RenderProgressBar renders a progress bar of the given width using
// Unicode block characters, the way the teacher's status display does.
func RenderProgressBar(progress float64, width int) string {
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}
	filled := int(progress * float64(width))
	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
	return fmt.Sprintf("[%s] %3d%%", bar, int(progress*100))
}

// FormatSnapshotLine formats one persisted checkpoint snapshot's summary
// line: name, row count, and starting-history-size context.
func FormatSnapshotLine(name string, hInd, h0Count int, cfg DisplayConfig) string {
	progress := 0.0
	if hInd > 0 {
		progress = 1.0
	}
	bar := RenderProgressBar(progress, cfg.Width)
	label := name
	if cfg.UseColor {
		label = nameStyle.Render(name)
	}
	return fmt.Sprintf(" %s %s rows=%d seed=%d", label, bar, hInd, h0Count)
}

// FormatHeader formats the status display's banner line.
func FormatHeader(title string, cfg DisplayConfig) string {
	line := strings.Repeat("=", cfg.Width+20)
	text := title
	if cfg.UseColor {
		text = headerStyle.Render(title)
	}
	return line + "\n" + text + "\n" + line
}
