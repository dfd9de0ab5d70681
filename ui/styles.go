package ui

import (
	"github.com/charmbracelet/lipgloss"
)

const readyIcon = "● "
const failedIcon = "✗ "
const doneIcon = "✓ "

var readyStyle = lipgloss.NewStyle().
	Foreground(lipgloss.AdaptiveColor{Light: "#51bd73", Dark: "#51bd73"})

var failedStyle = lipgloss.NewStyle().
	Foreground(lipgloss.Color("#de613e"))

var warnStyle = lipgloss.NewStyle().
	Foreground(lipgloss.Color("#F0A868"))

var agentStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(lipgloss.AdaptiveColor{Light: "#1a1a1a", Dark: "#dddddd"})

var headerStyle = lipgloss.NewStyle().
	Bold(true).
	Background(lipgloss.Color("216")).
	Foreground(lipgloss.Color("230")).
	Padding(0, 1)

var mutedStyle = lipgloss.NewStyle().
	Foreground(lipgloss.AdaptiveColor{Light: "#A49FA5", Dark: "#777777"})

var stderrStyle = lipgloss.NewStyle().
	Foreground(lipgloss.AdaptiveColor{Light: "#999999", Dark: "#777777"})
