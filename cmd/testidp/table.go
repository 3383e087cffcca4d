package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

const (
	purple    = lipgloss.Color("99")
	gray      = lipgloss.Color("245")
	lightGray = lipgloss.Color("241")
)

func printClaims(claims map[string]any) {
	re := lipgloss.NewRenderer(os.Stdout)
	var (
		headerStyle = re.NewStyle().
				Foreground(purple).
				Bold(true).
				Align(lipgloss.Center)
		cellStyle    = re.NewStyle().Padding(0, 1)
		oddRowStyle  = cellStyle.Copy().Foreground(gray)
		evenRowStyle = cellStyle.Copy().Foreground(lightGray)
		borderStyle  = lipgloss.NewStyle().Foreground(purple)
	)

	names := make([]string, 0, len(claims))
	for name := range claims {
		names = append(names, name)
	}
	sort.Strings(names)
	rows := make([][]string, len(names))
	for i, name := range names {
		rows[i] = []string{name, fmt.Sprint(claims[name])}
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == 0:
				return headerStyle
			case row%2 == 0:
				return evenRowStyle
			default:
				return oddRowStyle
			}
		}).
		Headers("Claim", "Value").
		Rows(rows...)

	fmt.Println(t)
}
