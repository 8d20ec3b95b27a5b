// Copyright (C) 2025 Kodiak Ops (engineering@kodiakops.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux provides terminal output styling for the kodiak CLI.
//
// Styling is applied only when stdout is a terminal; piped output stays
// plain so it remains machine-parseable.
package ux

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Kodiak brand palette.
const (
	ColorAmber     = lipgloss.Color("#E8A33D") // Primary amber - brand color
	ColorAmberDeep = lipgloss.Color("#C77D1E") // Deep amber - accents
	ColorForest    = lipgloss.Color("#2E6B4F") // Forest green - success
	ColorSlate     = lipgloss.Color("#5C6B73") // Slate - secondary text
	ColorClay      = lipgloss.Color("#B5432A") // Clay red - errors
	ColorSnow      = lipgloss.Color("#E8EDEB") // Snow - bright text
)

var (
	headingStyle = lipgloss.NewStyle().Bold(true).Foreground(ColorAmber)
	successStyle = lipgloss.NewStyle().Foreground(ColorForest)
	warnStyle    = lipgloss.NewStyle().Foreground(ColorAmberDeep)
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(ColorClay)
	dimStyle     = lipgloss.NewStyle().Foreground(ColorSlate)
)

// Printer writes styled output to a terminal, plain output otherwise.
type Printer struct {
	w      io.Writer
	styled bool
}

// NewPrinter creates a Printer for the given writer. Styling is enabled
// only when the writer is os.Stdout or os.Stderr attached to a TTY.
func NewPrinter(w io.Writer) *Printer {
	styled := false
	if f, ok := w.(*os.File); ok {
		styled = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &Printer{w: w, styled: styled}
}

// Stdout returns a Printer bound to standard output.
func Stdout() *Printer {
	return NewPrinter(os.Stdout)
}

func (p *Printer) render(style lipgloss.Style, s string) string {
	if !p.styled {
		return s
	}
	return style.Render(s)
}

// Heading prints a bold section heading.
func (p *Printer) Heading(format string, args ...any) {
	fmt.Fprintln(p.w, p.render(headingStyle, fmt.Sprintf(format, args...)))
}

// Success prints a success line.
func (p *Printer) Success(format string, args ...any) {
	fmt.Fprintln(p.w, p.render(successStyle, fmt.Sprintf(format, args...)))
}

// Warn prints a warning line.
func (p *Printer) Warn(format string, args ...any) {
	fmt.Fprintln(p.w, p.render(warnStyle, fmt.Sprintf(format, args...)))
}

// Error prints an error line.
func (p *Printer) Error(format string, args ...any) {
	fmt.Fprintln(p.w, p.render(errorStyle, fmt.Sprintf(format, args...)))
}

// Dim prints secondary detail text.
func (p *Printer) Dim(format string, args ...any) {
	fmt.Fprintln(p.w, p.render(dimStyle, fmt.Sprintf(format, args...)))
}

// Plain prints an unstyled line.
func (p *Printer) Plain(format string, args ...any) {
	fmt.Fprintf(p.w, format+"\n", args...)
}
