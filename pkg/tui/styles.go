package tui

import "github.com/charmbracelet/lipgloss"

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	infoStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))

	buttonStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("12")).
			Padding(0, 2).
			Bold(true)
	disabledButtonStyle = buttonStyle.
				BorderForeground(lipgloss.Color("8")).
				Foreground(lipgloss.Color("8"))

	phaseColors = map[string]lipgloss.Color{
		"Idle":       lipgloss.Color("10"),
		"Preparing":  lipgloss.Color("11"),
		"Running":    lipgloss.Color("14"),
		"Restoring":  lipgloss.Color("11"),
		"Recovering": lipgloss.Color("13"),
		"Error":      lipgloss.Color("9"),
	}
)

func phaseStyle(phase string) lipgloss.Style {
	c, ok := phaseColors[phase]
	if !ok {
		c = lipgloss.Color("7")
	}
	return lipgloss.NewStyle().Foreground(c).Bold(true)
}
