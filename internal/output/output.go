// Package output provides styled terminal output helpers (success, error,
// warning, streak and day formatting) using lipgloss.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/marcus/loops/internal/day"
	"github.com/marcus/loops/internal/insights"
	"github.com/marcus/loops/internal/models"
)

var (
	// Styles
	titleStyle   = lipgloss.NewStyle().Bold(true)
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	streakStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("212")).Bold(true)
	statusStyles = map[models.DayStatus]lipgloss.Style{
		models.DayPerfect: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		models.DayPartial: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		models.DayNone:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		models.DayNoTasks: lipgloss.NewStyle().Foreground(lipgloss.Color("242")),
	}
)

// Success prints a success message
func Success(format string, args ...any) {
	fmt.Println(successStyle.Render(fmt.Sprintf(format, args...)))
}

// Error prints an error message
func Error(format string, args ...any) {
	fmt.Println(errorStyle.Render("ERROR: " + fmt.Sprintf(format, args...)))
}

// Warning prints a warning message
func Warning(format string, args ...any) {
	fmt.Println(warningStyle.Render("Warning: " + fmt.Sprintf(format, args...)))
}

// Info prints an info message
func Info(format string, args ...any) {
	fmt.Printf(format+"\n", args...)
}

// JSON outputs data as JSON
func JSON(v any) error {
	return WriteJSON(os.Stdout, v)
}

// WriteJSON writes data as indented JSON to w.
func WriteJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// Error codes for structured JSON output
const (
	ErrCodeNotFound      = "not_found"
	ErrCodeInvalidInput  = "invalid_input"
	ErrCodeDatabaseError = "database_error"
)

// JSONError outputs an error as JSON
func JSONError(code, message string) {
	data, _ := json.Marshal(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
	fmt.Println(string(data))
}

// symbols marks each day status in badges and heatmaps.
var symbols = map[models.DayStatus]string{
	models.DayPerfect: "●",
	models.DayPartial: "◐",
	models.DayNone:    "○",
	models.DayNoTasks: "·",
}

// StatusBadge returns a day status indicator with symbol
// e.g., "● perfect", "◐ partial", "○ none", "· no_tasks"
func StatusBadge(status models.DayStatus) string {
	symbol, ok := symbols[status]
	if !ok {
		symbol = "?"
	}
	text := fmt.Sprintf("%s %s", symbol, status)
	if style, ok := statusStyles[status]; ok {
		return style.Render(text)
	}
	return text
}

// FormatStreak renders a streak state, e.g. "4 days streak (best 9, last 2026-02-16)".
func FormatStreak(s models.StreakState) string {
	if s.LastActiveDate == "" {
		return subtleStyle.Render("no perfect days yet")
	}
	parts := []string{
		streakStyle.Render(pluralDays(s.CurrentStreak) + " streak"),
		subtleStyle.Render(fmt.Sprintf("(best %d, last %s)", s.BestStreak, s.LastActiveDate)),
	}
	return strings.Join(parts, " ")
}

func pluralDays(n int) string {
	if n == 1 {
		return "1 day"
	}
	return fmt.Sprintf("%d days", n)
}

// FormatDaySummary renders one day's aggregate on a single line.
func FormatDaySummary(s insights.Summary) string {
	var parts []string
	parts = append(parts, titleStyle.Render(s.Date))
	parts = append(parts, StatusBadge(s.Status))
	if s.Total > 0 {
		parts = append(parts, fmt.Sprintf("%d/%d done", s.Completed, s.NonSkipped))
		parts = append(parts, fmt.Sprintf("%d%%", s.Percentage))
		var extra []string
		if s.Skipped > 0 {
			extra = append(extra, fmt.Sprintf("%d skipped", s.Skipped))
		}
		if s.Pending > 0 {
			extra = append(extra, fmt.Sprintf("%d pending", s.Pending))
		}
		if s.Missed > 0 {
			extra = append(extra, fmt.Sprintf("%d missed", s.Missed))
		}
		if len(extra) > 0 {
			parts = append(parts, subtleStyle.Render(strings.Join(extra, ", ")))
		}
	}
	return strings.Join(parts, "  ")
}

// Heatmap lays out a range of summaries as a calendar grid, one row per
// weekday (Mon..Sun) and one column per week.
func Heatmap(days []insights.Summary) string {
	if len(days) == 0 {
		return ""
	}
	first, err := day.Weekday(days[0].Date)
	if err != nil {
		return ""
	}
	// Monday-based row of the first day.
	offset := (int(first) + 6) % 7
	weeks := (offset + len(days) + 6) / 7

	grid := make([][]string, 7)
	for r := range grid {
		grid[r] = make([]string, weeks)
		for c := range grid[r] {
			grid[r][c] = " "
		}
	}
	for i, d := range days {
		pos := offset + i
		sym, ok := symbols[d.Status]
		if !ok {
			sym = "?"
		}
		if style, ok := statusStyles[d.Status]; ok {
			sym = style.Render(sym)
		}
		grid[pos%7][pos/7] = sym
	}

	labels := []string{"Mon", "Tue", "Wed", "Thu", "Fri", "Sat", "Sun"}
	var sb strings.Builder
	for r, row := range grid {
		sb.WriteString(subtleStyle.Render(labels[r]))
		sb.WriteString(" ")
		sb.WriteString(strings.Join(row, " "))
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// RangeTotals counts days per status.
func RangeTotals(days []insights.Summary) map[models.DayStatus]int {
	out := make(map[models.DayStatus]int, len(symbols))
	for _, d := range days {
		out[d.Status]++
	}
	return out
}

// FormatTimeAgo formats a time as a human-readable "ago" string
func FormatTimeAgo(t time.Time) string {
	diff := time.Since(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	case diff < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	default:
		return t.Format("2006-01-02")
	}
}

// SectionHeader returns a formatted section header for CLI output
// e.g., "\nLAST 30 DAYS:\n"
func SectionHeader(title string) string {
	return fmt.Sprintf("\n%s:\n", strings.ToUpper(title))
}
