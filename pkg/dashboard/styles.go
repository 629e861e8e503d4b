package dashboard

import "github.com/charmbracelet/lipgloss"

// Color Palette
var (
	salmonPink  = lipgloss.Color("#FFB3BA") // Soft pastel salmon pink - primary accent and errors
	mintGreen   = lipgloss.Color("#A8E6CF") // Soft mint green - active workers
	mutedGray   = lipgloss.Color("#6B7280") // Muted gray - secondary text
	brightWhite = lipgloss.Color("#F9FAFB") // Bright white - primary text
)

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(salmonPink).
			Bold(true)

	columnStyle = lipgloss.NewStyle().
			Foreground(mutedGray).
			Bold(true)

	activeStyle = lipgloss.NewStyle().
			Foreground(mintGreen)

	errorStyle = lipgloss.NewStyle().
			Foreground(salmonPink)

	idleStyle = lipgloss.NewStyle().
			Foreground(mutedGray)

	messageStyle = lipgloss.NewStyle().
			Foreground(brightWhite)

	tipsStyle = lipgloss.NewStyle().
			Foreground(mutedGray).
			Italic(true)
)

// stateStyle picks the style a state is rendered with.
func stateStyle(state string) lipgloss.Style {
	switch state {
	case "error":
		return errorStyle
	case "starting", "awaiting-link", "linked", "running", "delaying":
		return activeStyle
	default:
		return idleStyle
	}
}
