package cliutil

import (
	"io"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

var (
	unicodeBox = table.BoxStyle{
		BottomLeft:       "└",
		BottomRight:      "┘",
		BottomSeparator:  "┴",
		EmptySeparator:   text.RepeatAndTrim(" ", text.StringWidthWithoutEscSequences("┼")),
		Left:             "│",
		LeftSeparator:    "├",
		MiddleHorizontal: "─",
		MiddleSeparator:  "┼",
		MiddleVertical:   "│",
		PaddingLeft:      " ",
		PaddingRight:     " ",
		PageSeparator:    "\n",
		Right:            "│",
		RightSeparator:   "┤",
		TopLeft:          "┌",
		TopRight:         "┐",
		TopSeparator:     "┬",
		UnfinishedRow:    " …",
	}
	asciiBox = table.BoxStyle{
		BottomLeft:       "+",
		BottomRight:      "+",
		BottomSeparator:  "+",
		EmptySeparator:   " ",
		Left:             "|",
		LeftSeparator:    "+",
		MiddleHorizontal: "-",
		MiddleSeparator:  "+",
		MiddleVertical:   "|",
		PaddingLeft:      " ",
		PaddingRight:     " ",
		PageSeparator:    "\n",
		Right:            "|",
		RightSeparator:   "+",
		TopLeft:          "+",
		TopRight:         "+",
		TopSeparator:     "+",
		UnfinishedRow:    " ...",
	}
)

// tableStyle returns the box drawing style for terminals, or plain ASCII for
// pipes and files.
func tableStyle(terminal bool) table.Style {
	style := table.Style{
		Name: "Simple",
		Box:  asciiBox,
		Format: table.FormatOptions{
			Header: text.FormatUpper,
		},
		Options: table.Options{
			DrawBorder:      true,
			SeparateColumns: true,
			SeparateHeader:  true,
		},
	}
	if terminal {
		style.Name = "Light"
		style.Box = unicodeBox
		style.Color.Header = text.Colors{text.Bold}
	}
	return style
}

// NewTable creates a new styled table writer.
// If w is nil, uses os.Stdout.
func NewTable(w io.Writer) table.Writer {
	if w == nil {
		w = os.Stdout
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(tableStyle(Output.ColorsEnabled()))
	if width := Output.TerminalWidth(); width > 0 {
		t.SetAllowedRowLength(width)
	}
	return t
}

// ProtocolRowPainter colors rows by the protocol name in column protoColIdx.
func ProtocolRowPainter(protoColIdx int) func(row table.Row) text.Colors {
	return func(row table.Row) text.Colors {
		if !Output.ColorsEnabled() || protoColIdx >= len(row) {
			return nil
		}
		protocol, ok := row[protoColIdx].(string)
		if !ok {
			return nil
		}
		return text.Colors{ProtocolColor(protocol)}
	}
}

// EnabledRowPainter dims rows whose column enabledColIdx holds false.
func EnabledRowPainter(enabledColIdx int) func(row table.Row) text.Colors {
	return func(row table.Row) text.Colors {
		if !Output.ColorsEnabled() || enabledColIdx >= len(row) {
			return nil
		} else if enabled, ok := row[enabledColIdx].(bool); !ok || enabled {
			return nil
		}
		return text.Colors{text.Faint}
	}
}
