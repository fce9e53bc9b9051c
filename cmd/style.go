package cmd

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	colorGood  = lipgloss.Color("#4ECDC4")
	colorAlert = lipgloss.Color("#FF6B6B")
	colorWarn  = lipgloss.Color("#FFE66D")
	colorMuted = lipgloss.Color("#6c757d")

	styleGood   = lipgloss.NewStyle().Foreground(colorGood).Bold(true)
	styleBad    = lipgloss.NewStyle().Foreground(colorAlert).Bold(true)
	styleWarn   = lipgloss.NewStyle().Foreground(colorWarn).Bold(true)
	styleMuted  = lipgloss.NewStyle().Foreground(colorMuted)
	styleHeader = lipgloss.NewStyle().Foreground(colorMuted).Bold(true).Padding(0, 1)
	styleCell   = lipgloss.NewStyle().Padding(0, 1)
)

// okf prints a success line.
func okf(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, "%s %s\n", styleGood.Render("[OK]"), fmt.Sprintf(format, args...))
}

// failf prints a failure line.
func failf(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, "%s %s\n", styleBad.Render("[X]"), fmt.Sprintf(format, args...))
}

// warnf prints an indented warning line.
func warnf(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, "   %s %s\n", styleWarn.Render("[!]"), fmt.Sprintf(format, args...))
}

// sectionf prints a bracketed heading such as [PROFILE] name.
func sectionf(w io.Writer, tag, format string, args ...any) {
	fmt.Fprintf(w, "%s %s\n", lipgloss.NewStyle().Bold(true).Render("["+tag+"]"), fmt.Sprintf(format, args...))
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(styleMuted).
		Headers(headers...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return styleHeader
			}
			return styleCell
		})
}
