// Text rendering helpers for the CLI
package tui

import (
	"fmt"
	"strings"
)

type ProgressBarTheme struct {
	Filled rune
	Vacant rune
}

func ProgressBarDefaultTheme() ProgressBarTheme {
	return ProgressBarTheme{'█', '░'}
}

func ProgressBarASCIITheme() ProgressBarTheme {
	return ProgressBarTheme{'#', '-'}
}

// pct is clamped to [0, 100]
func ProgressBar(pct int, barLength int, theme ProgressBarTheme) string {
	filled := barLength * clampPercent(pct) / 100

	return strings.Repeat(string(theme.Filled), filled) + strings.Repeat(string(theme.Vacant), barLength-filled)
}

// "█████░░░░░  50 %"
func ProgressColumn(pct int, barLength int, theme ProgressBarTheme) string {
	return fmt.Sprintf("%s %3d %%", ProgressBar(pct, barLength, theme), clampPercent(pct))
}

func clampPercent(pct int) int {
	switch {
	case pct < 0:
		return 0
	case pct > 100:
		return 100
	default:
		return pct
	}
}
