package cmd

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/CosmoTheDev/scanorch/models"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#14B8A6")).
			MarginBottom(1)

	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#22C55E"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B"))
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#EF4444"))
	runningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#38BDF8"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#64748B"))
)

// statusStyle colours a job or result status.
func statusStyle(status string) lipgloss.Style {
	switch status {
	case models.JobStatusEnded, "OK":
		return successStyle
	case models.JobStatusRunning:
		return runningStyle
	case models.JobStatusQueued:
		return dimStyle
	case models.JobStatusCanceled:
		return warnStyle
	default:
		return errorStyle
	}
}

func resultStatus(r *models.ProductResult) string {
	switch {
	case r.Failed:
		return "FAILED"
	case r.Canceled:
		return "CANCELED"
	case r.Ended == nil:
		return "RUNNING"
	default:
		return "OK"
	}
}
