package history

import (
	"context"
	"errors"
	"sync"

	"github.com/johndauphine/martbuild/internal/compiler"
)

// Tracker is a compiler listener that records a run as it progresses. The run
// id is the compiler job id.
type Tracker struct {
	store      *Store
	configPath string
	datasets   []string

	mu      sync.Mutex
	runID   string
	total   int
	current int
}

// NewTracker creates a tracker for a run over datasets.
func NewTracker(store *Store, configPath string, datasets []string) *Tracker {
	return &Tracker{store: store, configPath: configPath, datasets: datasets}
}

// OnEvent implements compiler.Listener.
func (t *Tracker) OnEvent(ctx context.Context, ev compiler.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch ev.Kind {
	case compiler.ConstructionStarted:
		t.runID = ev.RunID
		return t.store.CreateRun(ctx, Run{
			ID:           ev.RunID,
			TargetSchema: ev.Schema,
			DataSets:     t.datasets,
			ConfigPath:   t.configPath,
		})
	case compiler.DataSetStarted:
		t.current = 0
	case compiler.ActionEvent:
		t.current++
		t.total++
	case compiler.DataSetEnded:
		return t.store.RecordDataSet(ctx, DataSetRun{
			RunID:     ev.RunID,
			DataSet:   ev.DataSet,
			Partition: ev.Partition,
			Actions:   t.current,
		})
	}
	return nil
}

// Finish completes the run with the outcome of the job. It does nothing when
// the run never started.
func (t *Tracker) Finish(ctx context.Context, runErr error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.runID == "" {
		return nil
	}

	status, msg := StatusSuccess, ""
	switch {
	case errors.Is(runErr, compiler.ErrCancelled):
		status, msg = StatusCancelled, runErr.Error()
	case runErr != nil:
		status, msg = StatusFailed, runErr.Error()
	}
	return t.store.CompleteRun(ctx, t.runID, status, t.total, msg)
}

// RunID returns the id of the tracked run, once started.
func (t *Tracker) RunID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runID
}
