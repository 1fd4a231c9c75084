package main

import "github.com/charmbracelet/lipgloss"

type styles struct {
	title   lipgloss.Style
	pool    lipgloss.Style
	session lipgloss.Style
	healthy lipgloss.Style
	warning lipgloss.Style
	meta    lipgloss.Style
	empty   lipgloss.Style
}

func newStyles() styles {
	return styles{
		title:   lipgloss.NewStyle().Bold(true),
		pool:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		session: lipgloss.NewStyle().Foreground(lipgloss.Color("252")),
		healthy: lipgloss.NewStyle().Foreground(lipgloss.Color("78")),
		warning: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("203")),
		meta:    lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		empty:   lipgloss.NewStyle().Faint(true),
	}
}
