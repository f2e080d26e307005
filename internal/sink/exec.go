package sink

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/johndauphine/martbuild/internal/compiler"
	"github.com/johndauphine/martbuild/internal/dialect"
	"github.com/johndauphine/martbuild/internal/logging"
)

// Executor runs each action against a live database as it is emitted.
// Statements are executed one at a time, outside any transaction.
type Executor struct {
	db      *sql.DB
	dialect dialect.Dialect

	// Timeout bounds each statement. Zero means no limit beyond the run context.
	Timeout time.Duration

	statements int
}

// NewExecutor creates an executor sink.
func NewExecutor(db *sql.DB, d dialect.Dialect) *Executor {
	return &Executor{db: db, dialect: d}
}

// OnEvent implements compiler.Listener.
func (e *Executor) OnEvent(ctx context.Context, ev compiler.Event) error {
	switch ev.Kind {
	case compiler.DataSetStarted:
		logging.Info("Building dataset %s (partition %s)", ev.DataSet, label(ev.Partition))
		return nil
	case compiler.ActionEvent:
	default:
		return nil
	}

	stmts, err := e.dialect.Statements(ev.Action)
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if err := e.exec(ctx, stmt); err != nil {
			return fmt.Errorf("%s on %s: %w", ev.Action.Kind(), ev.Action.Result(), err)
		}
	}
	return nil
}

func (e *Executor) exec(ctx context.Context, stmt string) error {
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}
	start := time.Now()
	if _, err := e.db.ExecContext(ctx, stmt); err != nil {
		return err
	}
	e.statements++
	logging.Debug("Executed in %v: %s", time.Since(start).Round(time.Millisecond), stmt)
	return nil
}

// Statements returns the number of statements executed so far.
func (e *Executor) Statements() int { return e.statements }
