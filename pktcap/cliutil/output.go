package cliutil

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

type ColorMode int

const (
	ColorAuto ColorMode = iota // auto-detect based on TTY
	ColorAlways
	ColorNever
)

// ParseColorMode maps a --color flag value to a ColorMode.
func ParseColorMode(s string) (ColorMode, error) {
	switch s {
	case "", "auto":
		return ColorAuto, nil
	case "always":
		return ColorAlways, nil
	case "never":
		return ColorNever, nil
	default:
		return ColorAuto, fmt.Errorf("invalid color mode %q: use auto, always or never", s)
	}
}

type OutputConfig struct {
	Writer    io.Writer
	ColorMode ColorMode
}

// Output is the process wide terminal configuration consulted by the
// formatting helpers.
var Output = newOutput(os.Getenv)

func newOutput(getenv func(string) string) *OutputConfig {
	mode := ColorAuto
	if getenv("NO_COLOR") != "" {
		mode = ColorNever
	} else if getenv("FORCE_COLOR") != "" {
		mode = ColorAlways
	}
	return &OutputConfig{Writer: os.Stdout, ColorMode: mode}
}

// IsTTY returns true if output should be formatted for a terminal.
func (o *OutputConfig) IsTTY() bool {
	if o == nil {
		return false
	}
	switch o.ColorMode {
	case ColorAlways:
		return true
	case ColorNever:
		return false
	}
	if f, ok := o.Writer.(*os.File); ok {
		return term.IsTerminal(int(f.Fd()))
	}
	return false
}

func (o *OutputConfig) ColorsEnabled() bool {
	return o.IsTTY()
}

// TerminalWidth returns the column count of the output terminal, or 0 when
// the writer is not a terminal.
func (o *OutputConfig) TerminalWidth() int {
	if o == nil {
		return 0
	}
	f, ok := o.Writer.(*os.File)
	if !ok {
		return 0
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil {
		return 0
	}
	return width
}
