package compiler

import (
	"context"

	"github.com/johndauphine/martbuild/internal/action"
)

// EventKind identifies a lifecycle event.
type EventKind int

const (
	ConstructionStarted EventKind = iota
	PartitionStarted
	DataSetStarted
	ActionEvent
	DataSetEnded
	PartitionEnded
	ConstructionEnded
)

func (k EventKind) String() string {
	switch k {
	case ConstructionStarted:
		return "construction_started"
	case PartitionStarted:
		return "partition_started"
	case DataSetStarted:
		return "dataset_started"
	case ActionEvent:
		return "action"
	case DataSetEnded:
		return "dataset_ended"
	case PartitionEnded:
		return "partition_ended"
	case ConstructionEnded:
		return "construction_ended"
	default:
		return "unknown"
	}
}

// Event is delivered to the listener in strict order:
// construction-started, then per schema partition: partition-started, then per
// dataset: dataset-started, actions, dataset-ended; partition-ended; and finally
// construction-ended.
type Event struct {
	Kind      EventKind
	RunID     string
	Schema    string
	Partition string
	DataSet   string
	Action    action.Action
}

// Listener receives the events of one run. The compiler blocks on each call
// and aborts the run if it returns an error.
type Listener interface {
	OnEvent(ctx context.Context, ev Event) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, ev Event) error

// OnEvent implements Listener.
func (f ListenerFunc) OnEvent(ctx context.Context, ev Event) error { return f(ctx, ev) }
