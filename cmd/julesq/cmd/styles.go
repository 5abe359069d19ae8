package cmd

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/ole-vi/prompt-sharing-sub002/internal/db"
)

var (
	accentColor  = lipgloss.Color("#6a9bcc")
	successColor = lipgloss.Color("#788c5d")
	warningColor = lipgloss.Color("#d97757")
	errorColor   = lipgloss.Color("#c45c4a")
	dimTextColor = lipgloss.Color("#b0aea5")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(accentColor)

	labelStyle = lipgloss.NewStyle().
			Foreground(dimTextColor)

	headerStyle = lipgloss.NewStyle().
			Foreground(accentColor).
			Bold(true).
			Padding(0, 1)

	cellStyle = lipgloss.NewStyle().
			Padding(0, 1)

	statusOK = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	statusFail = lipgloss.NewStyle().
			Foreground(errorColor).
			Bold(true)

	statusRunning = lipgloss.NewStyle().
			Foreground(warningColor).
			Bold(true)

	statusPending = lipgloss.NewStyle().
			Foreground(dimTextColor)

	errorMsgStyle = lipgloss.NewStyle().
			Foreground(errorColor).
			Bold(true)

	successMsgStyle = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	emptyBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(dimTextColor).
			Foreground(dimTextColor).
			Padding(1, 4).
			Align(lipgloss.Center)
)

func statusStyle(status db.ItemStatus) lipgloss.Style {
	switch status {
	case db.ItemStatusScheduled:
		return statusOK
	case db.ItemStatusInProgress:
		return statusRunning
	case db.ItemStatusError:
		return statusFail
	default:
		return statusPending
	}
}
