// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/charmbracelet/lipgloss"
)

// TestTableAlignment verifies that columns line up by cell width.
func TestTableAlignment(t *testing.T) {
	table := NewTable("NAME", "ADDRESS", "VERSION")
	table.Row("bench-pi", "192.168.1.20:7800", "1")
	table.Row("sensör", "10.0.0.3:7800")
	if table.Len() != 2 {
		t.Fatalf("Len = %d, want 2", table.Len())
	}

	var buffer bytes.Buffer
	if err := table.Render(&buffer); err != nil {
		t.Fatalf("Render: %v", err)
	}
	lines := strings.Split(strings.TrimSuffix(buffer.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3:\n%s", len(lines), buffer.String())
	}

	// The third column starts at the same cell offset on every row.
	offset := func(line, cell string) int {
		index := strings.Index(line, cell)
		if index < 0 {
			t.Fatalf("line %q missing %q", line, cell)
		}
		return lipgloss.Width(line[:index])
	}
	if a, b := offset(lines[1], "192.168"), offset(lines[2], "10.0.0.3"); a != b {
		t.Errorf("ADDRESS column offsets differ: %d vs %d", a, b)
	}
	if !strings.Contains(lines[0], "VERSION") {
		t.Errorf("header = %q", lines[0])
	}
}
