package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/johndauphine/martbuild/internal/action"
	"github.com/johndauphine/martbuild/internal/compiler"
)

// Record is one line of JSON output.
type Record struct {
	Seq        int           `json:"seq"`
	Time       time.Time     `json:"ts"`
	Event      string        `json:"event"`
	RunID      string        `json:"run_id"`
	Schema     string        `json:"schema"`
	Partition  string        `json:"partition,omitempty"`
	DataSet    string        `json:"dataset,omitempty"`
	ActionKind string        `json:"kind,omitempty"`
	Action     action.Action `json:"action,omitempty"`
}

// JSONLines writes one Record per event.
type JSONLines struct {
	enc *json.Encoder
	seq int
	now func() time.Time
}

// NewJSONLines creates a JSON-lines sink writing to w.
func NewJSONLines(w io.Writer) *JSONLines {
	return &JSONLines{enc: json.NewEncoder(w), now: time.Now}
}

// OnEvent implements compiler.Listener.
func (j *JSONLines) OnEvent(_ context.Context, ev compiler.Event) error {
	rec := Record{
		Seq:       j.seq,
		Time:      j.now().UTC(),
		Event:     ev.Kind.String(),
		RunID:     ev.RunID,
		Schema:    ev.Schema,
		Partition: ev.Partition,
		DataSet:   ev.DataSet,
		Action:    ev.Action,
	}
	if ev.Action != nil {
		rec.ActionKind = ev.Action.Kind().String()
	}
	j.seq++
	if err := j.enc.Encode(rec); err != nil {
		return fmt.Errorf("writing event %d: %w", rec.Seq, err)
	}
	return nil
}
