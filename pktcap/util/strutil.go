package util

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

// TruncateString ensures the returned string is at most maxLen runes,
// truncating and adding a ".." suffix if necessary.
func TruncateString(str string, maxLen int) string {
	if maxLen < 2 || utf8.RuneCountInString(str) <= maxLen {
		return str
	}
	runes := []rune(str)
	return string(runes[:maxLen-2]) + ".."
}

// SingleLine collapses CR and LF runs so values from the wire fit one table cell.
func SingleLine(str string) string {
	if !strings.ContainsAny(str, "\r\n") {
		return str
	}
	return strings.Join(strings.FieldsFunc(str, func(r rune) bool { return r == '\r' || r == '\n' }), " ")
}

// FormatBytes renders a byte count with a binary unit suffix.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return strconv.FormatInt(n, 10) + " B"
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return strconv.FormatFloat(float64(n)/float64(div), 'f', 1, 64) + " " + string("KMGTPE"[exp]) + "iB"
}
