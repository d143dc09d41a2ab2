package main

import (
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/kjstillabower/forecast-viewer/internal/models"
)

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Underline(true)
	freshStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	staleStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true)
	emptyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	outdatedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	dimStyle      = lipgloss.NewStyle().Faint(true)
)

// freshnessTag renders the banner shown above a forecast.
func freshnessTag(res models.ForecastResult, now time.Time) string {
	switch res.Freshness {
	case models.FreshnessFresh:
		return freshStyle.Render("FRESH")
	case models.FreshnessStale:
		tag := "STALE, fetched " + humanize.RelTime(res.FetchedAt, now, "ago", "from now")
		if res.Reason != "" {
			tag += " (" + res.Reason + ")"
		}
		return staleStyle.Render(tag)
	default:
		tag := "NO DATA"
		if res.Reason != "" {
			tag += " (" + res.Reason + ")"
		}
		return emptyStyle.Render(tag)
	}
}

// column pads s to width cells; lipgloss measures ANSI-styled text correctly.
func column(s string, width int) string {
	return lipgloss.NewStyle().Width(width).Render(s)
}
