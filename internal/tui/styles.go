package tui

import "github.com/charmbracelet/lipgloss"

var (
	accent    = lipgloss.Color("#50E3C2")
	mutedText = lipgloss.Color("#8CA1AE")
	warnText  = lipgloss.Color("#FF6B6B")
	liveDot   = lipgloss.Color("#22C55E")
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(accent).
			Padding(0, 1)

	countStyle = lipgloss.NewStyle().
			Foreground(mutedText)

	valueStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(accent)

	refreshingStyle = lipgloss.NewStyle().
			Foreground(liveDot)

	mutedStyle = lipgloss.NewStyle().
			Foreground(mutedText)

	errorStyle = lipgloss.NewStyle().
			Foreground(warnText).
			Bold(true)

	blockStyle = lipgloss.NewStyle().
			Foreground(mutedText).
			Width(14)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedText).
			Padding(0, 1)
)
