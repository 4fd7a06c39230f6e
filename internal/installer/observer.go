package installer

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
)

// Observer is told about stage progress and non-fatal failures. It only
// renders; decisions stay with the orchestrator.
type Observer interface {
	StageStarted(name string, n, total int)
	StageDone(name string, took time.Duration)
	StageFailed(name string, err error)
	Warn(step string, err error)
}

type nopObserver struct{}

func (nopObserver) StageStarted(string, int, int)   {}
func (nopObserver) StageDone(string, time.Duration) {}
func (nopObserver) StageFailed(string, error)       {}
func (nopObserver) Warn(string, error)              {}

// ConsoleObserver draws one progress bar across all stages and prints
// warnings and failures inline.
type ConsoleObserver struct {
	w    io.Writer
	bar  *progressbar.ProgressBar
	warn *color.Color
	fail *color.Color
	ok   *color.Color
}

func NewConsoleObserver(w io.Writer) *ConsoleObserver {
	return &ConsoleObserver{
		w:    w,
		warn: color.New(color.FgYellow),
		fail: color.New(color.FgRed, color.Bold),
		ok:   color.New(color.FgGreen),
	}
}

func (o *ConsoleObserver) StageStarted(name string, n, total int) {
	if o.bar == nil {
		o.bar = progressbar.NewOptions(total,
			progressbar.OptionSetWriter(o.w),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWidth(30),
			progressbar.OptionOnCompletion(func() { fmt.Fprintln(o.w) }),
		)
		_ = o.bar.Set(n - 1)
	}
	o.bar.Describe(fmt.Sprintf("[%d/%d] %s", n, total, name))
}

func (o *ConsoleObserver) StageDone(name string, took time.Duration) {
	if o.bar != nil {
		_ = o.bar.Add(1)
	}
	o.ok.Fprintf(o.w, "\n✓ %s (%s)\n", name, took.Round(time.Millisecond))
}

func (o *ConsoleObserver) StageFailed(name string, err error) {
	if o.bar != nil {
		_ = o.bar.Clear()
	}
	o.fail.Fprintf(o.w, "\n✗ %s: %v\n", name, err)
}

func (o *ConsoleObserver) Warn(step string, err error) {
	o.warn.Fprintf(o.w, "\n⚠ %s: %v\n", step, err)
}
