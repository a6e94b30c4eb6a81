package ui

import "github.com/charmbracelet/lipgloss"

// Palette (ANSI 256 colors).
const (
	ColorAccent   = "39"  // primary accent, a clear blue
	ColorAccentLo = "25"  // dimmed accent for inactive items
	ColorGray     = "245" // secondary text, labels
	ColorDarkGray = "238" // borders, separators
	ColorRed      = "196"
	ColorYellow   = "220"
	ColorGreen    = "78"
)

// Styles holds the lipgloss styles used by the renderers.
type Styles struct {
	Header   lipgloss.Style
	Success  lipgloss.Style
	Warning  lipgloss.Style
	Error    lipgloss.Style
	Dim      lipgloss.Style
	Active   lipgloss.Style
	Label    lipgloss.Style
	Speed    lipgloss.Style
	Border   lipgloss.Style
	Panel    lipgloss.Style
}

// DefaultStyles returns colored styles for terminals.
func DefaultStyles() Styles {
	return Styles{
		Header:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(ColorAccent)),
		Success: lipgloss.NewStyle().Foreground(lipgloss.Color(ColorGreen)),
		Warning: lipgloss.NewStyle().Foreground(lipgloss.Color(ColorYellow)),
		Error:   lipgloss.NewStyle().Foreground(lipgloss.Color(ColorRed)),
		Dim:     lipgloss.NewStyle().Foreground(lipgloss.Color(ColorDarkGray)),
		Active:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(ColorAccent)),
		Label:   lipgloss.NewStyle().Foreground(lipgloss.Color(ColorGray)),
		Speed:   lipgloss.NewStyle().Foreground(lipgloss.Color(ColorAccentLo)),
		Border:  lipgloss.NewStyle().Foreground(lipgloss.Color(ColorDarkGray)),
		Panel: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color(ColorDarkGray)).
			Padding(0, 1),
	}
}

// NoColorStyles returns unstyled components.
func NoColorStyles() Styles {
	plain := lipgloss.NewStyle()
	return Styles{
		Header:  plain,
		Success: plain,
		Warning: plain,
		Error:   plain,
		Dim:     plain,
		Active:  plain,
		Label:   plain,
		Speed:   plain,
		Border:  plain,
		Panel:   plain,
	}
}

// GetStyles returns the styles for the color preference.
func GetStyles(noColor bool) Styles {
	if noColor {
		return NoColorStyles()
	}
	return DefaultStyles()
}
