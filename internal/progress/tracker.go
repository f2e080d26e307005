// Package progress renders compile progress on the terminal.
package progress

import (
	"context"
	"fmt"
	"io"
	"math"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/johndauphine/martbuild/internal/compiler"
)

// Source reports completion as a percentage between 0 and 100.
type Source interface {
	Progress() float64
}

// Tracker tracks compile progress
type Tracker struct {
	bar       *progressbar.ProgressBar
	out       io.Writer
	shown     atomic.Int64
	actions   atomic.Int64
	datasets  atomic.Int64
	startTime time.Time
}

// New creates a tracker drawing a 0-100 bar on w.
func New(description string, w io.Writer) *Tracker {
	return &Tracker{
		out:       w,
		startTime: time.Now(),
		bar: progressbar.NewOptions(
			100,
			progressbar.OptionSetWriter(w),
			progressbar.OptionSetDescription(description),
			progressbar.OptionSetWidth(40),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionShowElapsedTimeOnFinish(),
			progressbar.OptionSpinnerType(14),
			progressbar.OptionFullWidth(),
			progressbar.OptionSetRenderBlankState(true),
		),
	}
}

// OnEvent counts actions and finished datasets. It never fails, so it can
// sit in a sink.Multi alongside the real output.
func (t *Tracker) OnEvent(_ context.Context, ev compiler.Event) error {
	switch ev.Kind {
	case compiler.ActionEvent:
		t.actions.Add(1)
	case compiler.DataSetEnded:
		t.datasets.Add(1)
	}
	return nil
}

// Set moves the bar to pct percent. The bar never moves backwards.
func (t *Tracker) Set(pct float64) {
	n := int64(math.Floor(math.Max(0, math.Min(100, pct))))
	for {
		old := t.shown.Load()
		if n <= old {
			return
		}
		if t.shown.CompareAndSwap(old, n) {
			_ = t.bar.Set64(n)
			return
		}
	}
}

// Current returns the percentage shown.
func (t *Tracker) Current() int64 {
	return t.shown.Load()
}

// Actions returns the number of actions seen.
func (t *Tracker) Actions() int64 {
	return t.actions.Load()
}

// Watch polls src every interval until ctx is done.
func (t *Tracker) Watch(ctx context.Context, src Source, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		t.Set(src.Progress())
		select {
		case <-ctx.Done():
			t.Set(src.Progress())
			return
		case <-ticker.C:
		}
	}
}

// Finish completes the bar and prints a summary
func (t *Tracker) Finish() {
	_ = t.bar.Finish()

	elapsed := time.Since(t.startTime)
	fmt.Fprintln(t.out)
	fmt.Fprintf(t.out, "Compiled %d datasets into %d actions in %s\n",
		t.datasets.Load(), t.actions.Load(), elapsed.Round(time.Millisecond))
}
