package cliutil

import (
	"bytes"
	"testing"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/stretchr/testify/assert"
)

func TestNewTable(t *testing.T) {
	Output = &OutputConfig{Writer: &bytes.Buffer{}, ColorMode: ColorNever}

	buf := &bytes.Buffer{}
	tw := NewTable(buf)
	assert.NotNil(t, tw)

	tw.AppendHeader(table.Row{"Protocol", "Source"})
	tw.AppendRow(table.Row{"TCP", "10.0.0.2:40000"})
	tw.Render()

	output := buf.String()
	assert.Contains(t, output, "PROTOCOL") // headers are uppercased
	assert.Contains(t, output, "10.0.0.2:40000")
	assert.Contains(t, output, "+") // ASCII style
}

func TestNewTable_WithColors(t *testing.T) {
	Output = &OutputConfig{Writer: &bytes.Buffer{}, ColorMode: ColorAlways}

	buf := &bytes.Buffer{}
	tw := NewTable(buf)
	tw.AppendHeader(table.Row{"Protocol", "Source"})
	tw.AppendRow(table.Row{"UDP", "10.0.0.2:5353"})
	tw.Render()

	output := buf.String()
	assert.Contains(t, output, "10.0.0.2:5353")
	assert.Contains(t, output, "┌") // Unicode style
}

func TestProtocolRowPainter(t *testing.T) {
	Output = &OutputConfig{Writer: &bytes.Buffer{}, ColorMode: ColorAlways}

	painter := ProtocolRowPainter(1)
	assert.Equal(t, text.Colors{text.FgGreen}, painter(table.Row{1, "TCP", "10.0.0.2"}))
	assert.Equal(t, text.Colors{text.FgYellow}, painter(table.Row{1, "ICMP"}))
	assert.Nil(t, painter(table.Row{1}))
	assert.Nil(t, painter(table.Row{1, 6}))

	Output = &OutputConfig{Writer: &bytes.Buffer{}, ColorMode: ColorNever}
	assert.Nil(t, painter(table.Row{1, "TCP"}))
}

func TestEnabledRowPainter(t *testing.T) {
	Output = &OutputConfig{Writer: &bytes.Buffer{}, ColorMode: ColorAlways}

	painter := EnabledRowPainter(1)
	assert.Equal(t, text.Colors{text.Faint}, painter(table.Row{"rule", false}))
	assert.Nil(t, painter(table.Row{"rule", true}))
	assert.Nil(t, painter(table.Row{"rule", "false"}))
	assert.Nil(t, painter(table.Row{"rule"}))
}
