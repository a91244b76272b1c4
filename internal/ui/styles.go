// Package ui renders terminal output for the attend CLI.
package ui

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/impact7/attend/internal/db"
	"github.com/impact7/attend/internal/record"
)

var (
	ColorAccent = lipgloss.AdaptiveColor{Light: "#005FAF", Dark: "#5FAFFF"}
	ColorPass   = lipgloss.AdaptiveColor{Light: "#008700", Dark: "#5FD75F"}
	ColorWarn   = lipgloss.AdaptiveColor{Light: "#AF8700", Dark: "#FFD75F"}
	ColorFail   = lipgloss.AdaptiveColor{Light: "#AF0000", Dark: "#FF5F5F"}
	ColorMuted  = lipgloss.AdaptiveColor{Light: "#6C6C6C", Dark: "#9E9E9E"}
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(ColorAccent).Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(ColorPass).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(ColorWarn).Bold(true)
	failStyle   = lipgloss.NewStyle().Foreground(ColorFail).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(ColorMuted)
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

func RenderAccent(s string) string { return accentStyle.Render(s) }
func RenderPass(s string) string   { return passStyle.Render(s) }
func RenderWarn(s string) string   { return warnStyle.Render(s) }
func RenderFail(s string) string   { return failStyle.Render(s) }
func RenderMuted(s string) string  { return mutedStyle.Render(s) }

// RenderStatus colors an attendance status.
func RenderStatus(s record.Status) string {
	switch s {
	case record.StatusAttendance:
		return RenderPass(string(s))
	case record.StatusLate:
		return RenderWarn(string(s))
	case record.StatusAbsent:
		return RenderFail(string(s))
	}
	return RenderMuted(string(s))
}

// RenderJobStatus colors an outbox job status.
func RenderJobStatus(s db.JobStatus) string {
	if s == db.JobFailed {
		return RenderFail(string(s))
	}
	return RenderWarn(string(s))
}

// Table renders rows under headers with a rounded border.
func Table(headers []string, rows [][]string) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(mutedStyle).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	return t.String()
}
