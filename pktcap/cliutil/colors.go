package cliutil

import (
	"github.com/jedib0t/go-pretty/v6/text"
)

func formatColor(c text.Color, s string) string {
	if !Output.ColorsEnabled() {
		return s
	}
	return c.Sprint(s)
}

// ProtocolColor returns the color used for a captured packet protocol.
func ProtocolColor(protocol string) text.Color {
	switch protocol {
	case "TCP":
		return text.FgGreen
	case "UDP":
		return text.FgCyan
	case "ICMP":
		return text.FgYellow
	case "IPv6":
		return text.FgMagenta
	default:
		return text.Reset
	}
}

// FormatProtocol returns a colored protocol name.
func FormatProtocol(protocol string) string {
	return formatColor(ProtocolColor(protocol), protocol)
}

// FormatEnabled renders a rule or item switch.
func FormatEnabled(enabled bool) string {
	if enabled {
		return Success("on")
	}
	return Muted("off")
}

// Bold returns text with bold formatting.
func Bold(s string) string {
	return formatColor(text.Bold, s)
}

// Muted returns text with faint/dim formatting.
func Muted(s string) string {
	return formatColor(text.Faint, s)
}

// ID returns text formatted as an identifier.
func ID(s string) string {
	return formatColor(text.FgCyan, s)
}

func Success(s string) string {
	return formatColor(text.FgGreen, s)
}

func Warning(s string) string {
	return formatColor(text.FgYellow, s)
}

func Error(s string) string {
	return formatColor(text.FgRed, s)
}
