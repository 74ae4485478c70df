package util

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/text"
	"github.com/mattn/go-runewidth"
)

// PrintTable prints rows under headers in left-aligned columns. The first column is
// printed in bold. Widths are measured in terminal cells so notes and changelog
// titles with wide characters still line up.
func PrintTable(headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = runewidth.StringWidth(h) + 1
	}
	for _, row := range rows {
		for i := range headers {
			if i < len(row) {
				widths[i] = max(widths[i], runewidth.StringWidth(row[i]))
			}
		}
	}

	fmt.Println()
	var line strings.Builder
	for i, h := range headers {
		line.WriteString(text.AlignDefault.Apply(h+":", widths[i]+2))
	}
	fmt.Println(strings.TrimRight(line.String(), " "))
	for _, row := range rows {
		line.Reset()
		for i := range headers {
			cell := ""
			if i < len(row) {
				cell = row[i]
			}
			padding := strings.Repeat(" ", widths[i]+2-runewidth.StringWidth(cell))
			if i == 0 {
				cell = text.Bold.Sprint(cell)
			}
			line.WriteString(cell + padding)
		}
		fmt.Println(strings.TrimRight(line.String(), " "))
	}
	fmt.Println()
}

// Truncate cuts s to at most width terminal cells.
func Truncate(s string, width int) string {
	return runewidth.Truncate(s, width, "...")
}
