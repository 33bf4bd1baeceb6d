package main

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/remapper/remapper"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	redRowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "9", Dark: "9"}).
			PaddingLeft(1).PaddingRight(1)
	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 0, 4)
)

func newTable(reds map[int]bool, headers ...string) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		Headers(headers...).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case row < 0:
				return headerRowStyle
			case reds[row]:
				return redRowStyle
			case row%2 == 0:
				return oddRowStyle
			default:
				return evenRowStyle
			}
		})
}

// renderReport renders the fusions and rejections of a pass, and the op counts before and after.
func renderReport(original, optimized *remapper.Graph, report *remapper.Report) string {
	var parts []string
	parts = append(parts, titleStyle.Render(fmt.Sprintf("Remapper %s, level %s: %d fusions, %d rejections",
		report.RunID, report.Level, len(report.Fusions), len(report.Rejections))))

	reds := make(map[int]bool)
	table := newTable(reds, "Pattern", "Node", "Result")
	row := 0
	for _, f := range report.Fusions {
		table.Row(f.Pattern, f.Name, fmt.Sprintf("%s %s", f.Op, strings.Join(f.FusedOps, "+")))
		row++
	}
	for _, rej := range report.Rejections {
		reds[row] = true
		table.Row(rej.Pattern, rej.Anchor, rej.Reason)
		row++
	}
	if row > 0 {
		parts = append(parts, table.Render())
	}

	before, after := original.OpCounts(), optimized.OpCounts()
	ops := slices.Collect(maps.Keys(before))
	for op := range after {
		if _, found := before[op]; !found {
			ops = append(ops, op)
		}
	}
	slices.Sort(ops)
	counts := newTable(nil, "Op", "Before", "After")
	for _, op := range ops {
		counts.Row(op, fmt.Sprint(before[op]), fmt.Sprint(after[op]))
	}
	parts = append(parts, counts.Render())
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}
