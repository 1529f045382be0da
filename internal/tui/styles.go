package tui

import "github.com/charmbracelet/lipgloss"

// Styles стили экрана оценки
type Styles struct {
	Header   lipgloss.Style
	Title    lipgloss.Style
	Body     lipgloss.Style
	Muted    lipgloss.Style
	Selected lipgloss.Style
	Cursor   lipgloss.Style
	Success  lipgloss.Style
	Warning  lipgloss.Style
	Error    lipgloss.Style
	Timer    lipgloss.Style
	Footer   lipgloss.Style
}

func DefaultStyles() Styles {
	primary := lipgloss.Color("#2563eb")
	muted := lipgloss.Color("#6b7280")

	return Styles{
		Header: lipgloss.NewStyle().
			Background(primary).
			Foreground(lipgloss.Color("#ffffff")).
			Bold(true).
			Padding(0, 2),
		Title: lipgloss.NewStyle().
			Foreground(primary).
			Bold(true).
			MarginBottom(1),
		Body:     lipgloss.NewStyle(),
		Muted:    lipgloss.NewStyle().Foreground(muted),
		Selected: lipgloss.NewStyle().Foreground(lipgloss.Color("#16a34a")).Bold(true),
		Cursor:   lipgloss.NewStyle().Foreground(primary).Bold(true),
		Success:  lipgloss.NewStyle().Foreground(lipgloss.Color("#16a34a")).Bold(true),
		Warning:  lipgloss.NewStyle().Foreground(lipgloss.Color("#d97706")).Bold(true),
		Error:    lipgloss.NewStyle().Foreground(lipgloss.Color("#dc2626")).Bold(true),
		Timer:    lipgloss.NewStyle().Foreground(lipgloss.Color("#d97706")),
		Footer:   lipgloss.NewStyle().Foreground(muted).MarginTop(1),
	}
}
