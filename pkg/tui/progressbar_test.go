package tui

import (
	"testing"

	"github.com/function61/gokit/assert"
)

func TestProgressBar(t *testing.T) {
	assert.EqualString(t, ProgressBar(0, 10, ProgressBarDefaultTheme()), "░░░░░░░░░░")
	assert.EqualString(t, ProgressBar(50, 10, ProgressBarDefaultTheme()), "█████░░░░░")
	assert.EqualString(t, ProgressBar(100, 10, ProgressBarDefaultTheme()), "██████████")
	assert.EqualString(t, ProgressBar(13, 20, ProgressBarASCIITheme()), "##------------------")
}

func TestProgressBarClamps(t *testing.T) {
	assert.EqualString(t, ProgressBar(-5, 4, ProgressBarASCIITheme()), "----")
	assert.EqualString(t, ProgressBar(250, 4, ProgressBarASCIITheme()), "####")
}

func TestProgressColumn(t *testing.T) {
	assert.EqualString(t, ProgressColumn(50, 4, ProgressBarASCIITheme()), "##--  50 %")
	assert.EqualString(t, ProgressColumn(120, 4, ProgressBarASCIITheme()), "#### 100 %")
}
