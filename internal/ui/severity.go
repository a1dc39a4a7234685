package ui

import "github.com/charmbracelet/lipgloss"

// Severity picks the style of a one-line status message.
type Severity int

const (
	SeverityInfo Severity = iota
	SeveritySuccess
	SeverityWarn
	SeverityError
)

func (s Severity) Style() lipgloss.Style {
	switch s {
	case SeveritySuccess:
		return StatusSuccessStyle
	case SeverityWarn:
		return StatusWarnStyle
	case SeverityError:
		return StatusErrorStyle
	default:
		return StatusInfoStyle
	}
}

// Render styles msg for its severity.
func (s Severity) Render(msg string) string {
	return s.Style().Render(msg)
}
