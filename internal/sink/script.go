package sink

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/johndauphine/martbuild/internal/compiler"
	"github.com/johndauphine/martbuild/internal/dialect"
)

// Script writes actions as a SQL script in one dialect. Lifecycle events
// become comments.
type Script struct {
	w       *bufio.Writer
	dialect dialect.Dialect
}

// NewScript creates a script sink writing to w.
func NewScript(w io.Writer, d dialect.Dialect) *Script {
	return &Script{w: bufio.NewWriter(w), dialect: d}
}

// OnEvent implements compiler.Listener.
func (s *Script) OnEvent(_ context.Context, ev compiler.Event) error {
	switch ev.Kind {
	case compiler.ConstructionStarted:
		s.printf("-- mart construction %s into %s (%s)\n", ev.RunID, ev.Schema, s.dialect.DBType())
	case compiler.PartitionStarted:
		s.printf("\n-- partition %s\n", label(ev.Partition))
	case compiler.DataSetStarted:
		s.printf("\n-- dataset %s\n", ev.DataSet)
	case compiler.ActionEvent:
		stmts, err := s.dialect.Statements(ev.Action)
		if err != nil {
			return err
		}
		for _, stmt := range stmts {
			s.printf("%s;\n", stmt)
			if sep := s.dialect.BatchSeparator(); sep != "" {
				s.printf("%s\n", sep)
			}
		}
	case compiler.ConstructionEnded:
		s.printf("\n-- end of construction %s\n", ev.RunID)
		return s.w.Flush()
	}
	return nil
}

// Flush writes any buffered output. A failed run never sees ConstructionEnded,
// so callers flush explicitly when they want partial scripts.
func (s *Script) Flush() error {
	return s.w.Flush()
}

func (s *Script) printf(format string, args ...any) {
	fmt.Fprintf(s.w, format, args...)
}

func label(partition string) string {
	if partition == "" {
		return "(unpartitioned)"
	}
	return partition
}
