package main

import "github.com/charmbracelet/lipgloss"

// CrisisNotice is shown whenever the latest reply raised the risk flag.
const CrisisNotice = "If you are in immediate danger, contact local emergency services."

var (
	colorAssistant = lipgloss.Color("#4db6ac")
	colorUser      = lipgloss.Color("#2196F3")
	colorCard      = lipgloss.Color("#8BC34A")
	colorMuted     = lipgloss.Color("#9aa3b2")
	colorWarning   = lipgloss.Color("#FFC107")
	colorDanger    = lipgloss.Color("#e53935")
)

// styles groups the renderers used by the chat view.
type styles struct {
	assistantLabel lipgloss.Style
	userLabel      lipgloss.Style
	card           lipgloss.Style
	notice         lipgloss.Style
	crisis         lipgloss.Style
	muted          lipgloss.Style
}

func defaultStyles() styles {
	return styles{
		assistantLabel: lipgloss.NewStyle().Bold(true).Foreground(colorAssistant),
		userLabel:      lipgloss.NewStyle().Bold(true).Foreground(colorUser),
		card:           lipgloss.NewStyle().Foreground(colorCard),
		notice:         lipgloss.NewStyle().Italic(true).Foreground(colorWarning),
		crisis:         lipgloss.NewStyle().Bold(true).Foreground(colorDanger),
		muted:          lipgloss.NewStyle().Foreground(colorMuted),
	}
}
