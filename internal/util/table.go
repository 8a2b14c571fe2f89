package util

import (
	"fmt"
	"io"
	"strings"
)

// Alignment of a table column.
type Alignment int

const (
	AlignLeft Alignment = iota
	AlignRight
)

// TableColumn represents a column in a table
type TableColumn struct {
	Header string
	Key    string // key to extract from data map
	Align  Alignment
	Width  int // calculated width
}

// RenderTable renders a table to w with dynamic column width calculation.
// Cells may contain ANSI color codes.
func RenderTable(w io.Writer, columns []TableColumn, data []map[string]interface{}) {
	if len(data) == 0 {
		fmt.Fprintln(w, "No data to display")
		return
	}

	cells := make([][]string, len(data))
	for r, row := range data {
		cells[r] = make([]string, len(columns))
		for i, col := range columns {
			if v, ok := row[col.Key]; ok {
				cells[r][i] = fmt.Sprintf("%v", v)
			}
		}
	}

	for i := range columns {
		columns[i].Width = getDisplayWidth(columns[i].Header)
		for r := range cells {
			columns[i].Width = max(columns[i].Width, getDisplayWidth(cells[r][i]))
		}
	}

	line := func(values func(i int) string) {
		parts := make([]string, len(columns))
		for i, col := range columns {
			parts[i] = pad(values(i), col.Width, col.Align)
		}
		fmt.Fprintln(w, strings.Join(parts, " "))
	}

	line(func(i int) string { return columns[i].Header })
	line(func(i int) string { return strings.Repeat("-", columns[i].Width) })
	for r := range cells {
		line(func(i int) string { return cells[r][i] })
	}
}

// removeANSICodes removes ANSI escape codes from a string for width calculation
func removeANSICodes(s string) string {
	for {
		start := strings.Index(s, "\033[")
		if start == -1 {
			break
		}
		end := strings.Index(s[start:], "m")
		if end == -1 {
			break
		}
		s = s[:start] + s[start+end+1:]
	}
	return s
}

// getDisplayWidth counts runes, ignoring ANSI codes
func getDisplayWidth(s string) int {
	return len([]rune(removeANSICodes(s)))
}

func pad(s string, width int, align Alignment) string {
	n := width - getDisplayWidth(s)
	if n <= 0 {
		return s
	}
	if align == AlignRight {
		return strings.Repeat(" ", n) + s
	}
	return s + strings.Repeat(" ", n)
}
