// Package progressbar implements functionality of printing a progress
// bar to the terminal window
package progressbar

import (
	"fmt"
	"strings"
	"time"
)

// ProgressBar prints training progress to the terminal. The bar is
// managed manually: Increment is called once per completed batch and
// Display whenever an updated bar should be printed. The description
// carries the live loss readout for the current phase, in the style of
// "Epoch: 3 | Gen loss: 0.412".
type ProgressBar struct {
	width           float64
	maxProgress     float64
	currentProgress float64
	description     string
	bar             strings.Builder
	startTime       time.Time
}

// New returns a new ProgressBar that is width characters wide and
// reaches 100% after max Increment calls
func New(width, max int) *ProgressBar {
	return &ProgressBar{
		width:       float64(width),
		maxProgress: float64(max),
		startTime:   time.Now(),
	}
}

// Increment advances the internal progress counter by n units
func (p *ProgressBar) Increment(n int) {
	p.currentProgress += float64(n)
	if p.currentProgress > p.maxProgress {
		p.currentProgress = p.maxProgress
	}
}

// SetDescription sets the text printed ahead of the bar
func (p *ProgressBar) SetDescription(description string) {
	p.description = description
}

// Reset rewinds the bar to zero progress for a new epoch or pass
func (p *ProgressBar) Reset() {
	p.currentProgress = 0
	p.startTime = time.Now()
}

// Display prints the progress bar on the current terminal line
func (p *ProgressBar) Display() {
	p.bar.Reset()
	if p.description != "" {
		p.bar.WriteString(p.description)
		p.bar.WriteString(" ")
	}
	p.bar.WriteString("|")

	currentProg := p.currentProgress / p.maxProgress * p.width
	for i := 0.0; i < currentProg; i++ {
		p.bar.WriteString("█")
	}
	for i := currentProg; i < p.width; i++ {
		p.bar.WriteString(" ")
	}
	p.bar.WriteString(fmt.Sprintf("| [%.2f%v | elapsed: %v]",
		p.currentProgress/p.maxProgress*100, "%",
		time.Since(p.startTime).Truncate(time.Second)))

	fmt.Printf("\n\033[1A\033[K%v", p.bar.String())
}

// Close jumps to the next terminal line, leaving the finished bar in
// place
func (p *ProgressBar) Close() {
	fmt.Println()
}
