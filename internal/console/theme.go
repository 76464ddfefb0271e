package console

import "github.com/charmbracelet/lipgloss"

var (
	colorPrimary = lipgloss.Color("#0F766E") // teal
	colorAccent  = lipgloss.Color("#F59E0B") // amber
	colorSuccess = lipgloss.Color("#10B981")
	colorError   = lipgloss.Color("#EF4444")
	colorMuted   = lipgloss.Color("#6B7280")
	colorSubtle  = lipgloss.Color("#9CA3AF")
	colorText    = lipgloss.Color("#E5E7EB")
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorPrimary).
			MarginBottom(1)

	headerStyle   = lipgloss.NewStyle().Foreground(colorSubtle).Bold(true)
	selectedStyle = lipgloss.NewStyle().Foreground(colorPrimary).Bold(true)
	dimmedStyle   = lipgloss.NewStyle().Foreground(colorMuted)
	successStyle  = lipgloss.NewStyle().Foreground(colorSuccess)
	errorStyle    = lipgloss.NewStyle().Foreground(colorError)
	helpStyle     = lipgloss.NewStyle().Foreground(colorMuted)
	keyStyle      = lipgloss.NewStyle().Foreground(colorAccent).Bold(true).Width(14)
	textStyle     = lipgloss.NewStyle().Foreground(colorText)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorPrimary).
			Padding(0, 1)
)
