package ui

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

const AppName = "quill"

// LogoLines is the canonical quill wordmark.
var LogoLines = []string{
	" ▄▄▄▄   ▄▄  ▄▄ ▄▄ ▄▄    ▄▄",
	"██  ██  ██  ██ ██ ██    ██",
	"██  ██  ██  ██ ██ ██    ██",
	"██ ▄██  ██  ██ ██ ██    ██",
	" ▀▀██▀▄  ▀██▀  ██ ██▄▄▄ ██▄▄▄",
}

// Banner gradient colors
var BannerColors = []lipgloss.Color{
	lipgloss.Color("#FF6B6B"),
	lipgloss.Color("#FFA86B"),
	lipgloss.Color("#95E1D3"),
	lipgloss.Color("#4ECDC4"),
	lipgloss.Color("#FF6B6B"),
}

var (
	PrimaryColor   = lipgloss.Color("#FF6B6B") // coral
	SecondaryColor = lipgloss.Color("#4ECDC4") // teal
	AccentColor    = lipgloss.Color("#95E1D3") // mint

	TextColor  = lipgloss.Color("#EAEAEA")
	MutedColor = lipgloss.Color("#94A3B8")

	UnreadColor  = lipgloss.Color("#FFE66D")
	ReadColor    = lipgloss.Color("#64748B")
	ErrorColor   = lipgloss.Color("#EF4444")
	SuccessColor = lipgloss.Color("#10B981")
)

var (
	LogoStyle = lipgloss.NewStyle().
			Foreground(PrimaryColor).
			Bold(true)

	HeaderStyle = lipgloss.NewStyle().
			Foreground(SecondaryColor).
			Bold(true)

	LabelStyle = lipgloss.NewStyle().
			Foreground(MutedColor).
			Width(14)

	ValueStyle = lipgloss.NewStyle().
			Foreground(TextColor)

	UnreadItemStyle = lipgloss.NewStyle().
			Foreground(UnreadColor).
			Bold(true)

	ReadItemStyle = lipgloss.NewStyle().
			Foreground(ReadColor)

	HelpStyle = lipgloss.NewStyle().
			Foreground(MutedColor).
			Italic(true)

	TimeStyle = lipgloss.NewStyle().
			Foreground(MutedColor).
			Faint(true)

	PanelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(SecondaryColor).
			Padding(0, 1)

	StatusInfoStyle = lipgloss.NewStyle().
			Foreground(MutedColor)

	StatusSuccessStyle = lipgloss.NewStyle().
				Foreground(SuccessColor)

	StatusWarnStyle = lipgloss.NewStyle().
			Foreground(UnreadColor)

	StatusErrorStyle = lipgloss.NewStyle().
				Foreground(ErrorColor).
				Bold(true)
)

// Banner renders the gradient wordmark with a version tagline.
func Banner(version string) string {
	lines := make([]string, len(LogoLines)+1)
	copy(lines, LogoLines)

	tagline := "    offline-first blog client"
	if version != "" && version != "dev" {
		if version[0] != 'v' && version[0] != 'V' {
			version = "v" + version
		}
		tagline = fmt.Sprintf("%s %s", tagline, version)
	}
	lines = append(lines, tagline)

	var coloredLines []string
	for i, line := range lines {
		if line == "" {
			coloredLines = append(coloredLines, line)
			continue
		}
		style := lipgloss.NewStyle().
			Foreground(BannerColors[i%len(BannerColors)]).
			Bold(i < len(LogoLines))
		coloredLines = append(coloredLines, style.Render(line))
	}

	border := lipgloss.Border{
		Top:         "═",
		Bottom:      "═",
		Left:        "║",
		Right:       "║",
		TopLeft:     "╔",
		TopRight:    "╗",
		BottomLeft:  "╚",
		BottomRight: "╝",
	}
	framed := lipgloss.NewStyle().
		Border(border).
		BorderForeground(SecondaryColor).
		Padding(1, 3).
		Render(lipgloss.JoinVertical(lipgloss.Center, coloredLines...))

	return lipgloss.NewStyle().Width(70).Align(lipgloss.Center).Render(framed)
}
