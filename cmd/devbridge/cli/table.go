// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// columnGap separates table columns.
const columnGap = "  "

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// Table renders rows as left-aligned columns. Widths are measured in
// terminal cells, so styled or wide-character cells stay aligned.
type Table struct {
	headers []string
	rows    [][]string
}

// NewTable returns a table with the given column headers.
func NewTable(headers ...string) *Table {
	return &Table{headers: headers}
}

// Row appends a row. Missing cells render empty; extra cells are
// dropped.
func (table *Table) Row(cells ...string) {
	row := make([]string, len(table.headers))
	copy(row, cells)
	table.rows = append(table.rows, row)
}

// Len returns the number of rows.
func (table *Table) Len() int { return len(table.rows) }

// Render writes the header and rows to w.
func (table *Table) Render(w io.Writer) error {
	widths := make([]int, len(table.headers))
	for i, header := range table.headers {
		widths[i] = lipgloss.Width(header)
	}
	for _, row := range table.rows {
		for i, cell := range row {
			widths[i] = max(widths[i], lipgloss.Width(cell))
		}
	}

	var builder strings.Builder
	writeRow := func(cells []string, style *lipgloss.Style) {
		for i, cell := range cells {
			rendered := cell
			if style != nil {
				rendered = style.Render(cell)
			}
			builder.WriteString(rendered)
			if i < len(cells)-1 {
				builder.WriteString(strings.Repeat(" ", widths[i]-lipgloss.Width(cell)))
				builder.WriteString(columnGap)
			}
		}
		builder.WriteByte('\n')
	}

	writeRow(table.headers, &headerStyle)
	for _, row := range table.rows {
		writeRow(row, nil)
	}
	_, err := io.WriteString(w, builder.String())
	return err
}

// Dim renders text in the muted style used for secondary details.
func Dim(text string) string {
	return dimStyle.Render(text)
}
