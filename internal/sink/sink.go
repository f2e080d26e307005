// Package sink provides compiler listeners that deliver construction events
// somewhere useful: SQL scripts, JSON lines, a live database, or memory.
package sink

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/johndauphine/martbuild/internal/action"
	"github.com/johndauphine/martbuild/internal/compiler"
)

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []compiler.Event
}

var _ compiler.Listener = (*Recorder)(nil)

// OnEvent implements compiler.Listener.
func (r *Recorder) OnEvent(_ context.Context, ev compiler.Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []compiler.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]compiler.Event(nil), r.events...)
}

// Actions returns the recorded actions in order.
func (r *Recorder) Actions() []action.Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []action.Action
	for _, ev := range r.events {
		if ev.Kind == compiler.ActionEvent {
			out = append(out, ev.Action)
		}
	}
	return out
}

// Multi delivers each event to every listener in turn, stopping at the first error.
type Multi []compiler.Listener

// OnEvent implements compiler.Listener.
func (m Multi) OnEvent(ctx context.Context, ev compiler.Event) error {
	for _, l := range m {
		if err := l.OnEvent(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// Counter counts actions by kind.
type Counter struct {
	mu     sync.Mutex
	total  int
	byKind map[action.Kind]int
}

// OnEvent implements compiler.Listener.
func (c *Counter) OnEvent(_ context.Context, ev compiler.Event) error {
	if ev.Kind != compiler.ActionEvent {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.byKind == nil {
		c.byKind = make(map[action.Kind]int)
	}
	c.total++
	c.byKind[ev.Action.Kind()]++
	return nil
}

// Total returns the number of actions seen.
func (c *Counter) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// Count returns the number of actions of kind k.
func (c *Counter) Count(k action.Kind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byKind[k]
}

// Summary lists the non-zero counts as kind=n pairs in kind order.
func (c *Counter) Summary() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	kinds := make([]action.Kind, 0, len(c.byKind))
	for k := range c.byKind {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = fmt.Sprintf("%s=%d", k, c.byKind[k])
	}
	return strings.Join(parts, " ")
}
