package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/johndauphine/martbuild/internal/action"
	"github.com/johndauphine/martbuild/internal/compiler"
	"github.com/johndauphine/martbuild/internal/logging"
	"github.com/johndauphine/martbuild/internal/model"
	"github.com/johndauphine/martbuild/internal/sink"
)

// ValidationTimeout is the maximum time to wait for a single dataset or table check.
const ValidationTimeout = 30 * time.Second

// dataSetValidationResult holds the result of compiling a single dataset dry.
type dataSetValidationResult struct {
	dataSet  string
	actions  int
	kinds    string
	tables   []string
	err      error
	timedOut bool
}

// Validate compiles every selected dataset without output, in parallel, and
// reports the number of actions each would produce.
func (o *Orchestrator) Validate(ctx context.Context, names []string) error {
	datasets, err := o.selectDataSets(names)
	if err != nil {
		return err
	}

	logging.Info("Validation Results:")
	logging.Info("-------------------")

	allResults := o.dryRun(ctx, datasets)

	var failed bool
	for _, r := range allResults {
		switch {
		case r.timedOut:
			logging.Warn("%-30s TIMEOUT (compilation abandoned after %v)", r.dataSet, ValidationTimeout)
			failed = true
		case r.err != nil:
			logging.Error("%-30s ERROR: %v", r.dataSet, r.err)
			failed = true
		default:
			logging.Info("%-30s OK %d actions, %d tables", r.dataSet, r.actions, len(r.tables))
			logging.Debug("%-30s %s", r.dataSet, r.kinds)
		}
	}

	if failed {
		return fmt.Errorf("validation failed")
	}
	return nil
}

// dryRun compiles each dataset on its own job and collects the results
// sorted by dataset name.
func (o *Orchestrator) dryRun(ctx context.Context, datasets []*model.DataSet) []dataSetValidationResult {
	results := make(chan dataSetValidationResult, len(datasets))
	var wg sync.WaitGroup

	for _, ds := range datasets {
		wg.Add(1)
		go func(ds *model.DataSet) {
			defer wg.Done()
			results <- o.validateDataSet(ctx, ds)
		}(ds)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var allResults []dataSetValidationResult
	for r := range results {
		allResults = append(allResults, r)
	}
	sort.Slice(allResults, func(i, j int) bool {
		return allResults[i].dataSet < allResults[j].dataSet
	})
	return allResults
}

// validateDataSet compiles one dataset into a recorder and a per-kind counter.
func (o *Orchestrator) validateDataSet(ctx context.Context, ds *model.DataSet) dataSetValidationResult {
	result := dataSetValidationResult{dataSet: ds.Name}

	timeoutCtx, cancel := context.WithTimeout(ctx, ValidationTimeout)
	defer cancel()

	rec := &sink.Recorder{}
	cnt := &sink.Counter{}
	err := o.compiler.Prepare(o.config.Mart.TargetSchema, []*model.DataSet{ds}).Run(timeoutCtx, sink.Multi{rec, cnt})
	if err != nil {
		if errors.Is(err, compiler.ErrCancelled) && errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			result.timedOut = true
			return result
		}
		result.err = err
		return result
	}

	actions := rec.Actions()
	result.actions = cnt.Total()
	result.kinds = cnt.Summary()
	result.tables = builtTables(actions)
	return result
}

// builtTables returns the tables left in the target once actions ran, in
// the order they were finished.
func builtTables(actions []action.Action) []string {
	var order []string
	live := make(map[string]bool)
	listed := make(map[string]bool)
	add := func(name string) {
		live[name] = true
		if !listed[name] {
			listed[name] = true
			order = append(order, name)
		}
	}
	for _, a := range actions {
		switch a := a.(type) {
		case *action.Rename:
			delete(live, a.From)
			add(a.To)
		case *action.CreateOptimiser:
			add(a.ResultTable)
		case *action.Drop:
			delete(live, a.Table)
		}
	}

	out := order[:0]
	for _, name := range order {
		if live[name] {
			out = append(out, name)
		}
	}
	return out
}

// tableVerifyResult holds the row count of one built table.
type tableVerifyResult struct {
	table    string
	rows     int64
	err      error
	timedOut bool
}

// Verify checks that every table the selected datasets build exists in the
// target database and reports its row count.
func (o *Orchestrator) Verify(ctx context.Context, names []string) error {
	datasets, err := o.selectDataSets(names)
	if err != nil {
		return err
	}
	db, err := o.target(ctx)
	if err != nil {
		return err
	}

	var tables []string
	for _, r := range o.dryRun(ctx, datasets) {
		if r.err != nil || r.timedOut {
			if r.timedOut {
				return fmt.Errorf("compiling %s: timed out after %v", r.dataSet, ValidationTimeout)
			}
			return fmt.Errorf("compiling %s: %w", r.dataSet, r.err)
		}
		tables = append(tables, r.tables...)
	}

	logging.Info("Target Tables:")
	logging.Info("--------------")

	results := make([]tableVerifyResult, len(tables))
	var wg sync.WaitGroup
	for i, table := range tables {
		wg.Add(1)
		go func(i int, table string) {
			defer wg.Done()
			results[i] = o.countRows(ctx, db, table)
		}(i, table)
	}
	wg.Wait()

	var failed bool
	for _, r := range results {
		switch {
		case r.timedOut:
			logging.Warn("%-40s TIMEOUT (count skipped after %v)", r.table, ValidationTimeout)
		case r.err != nil:
			logging.Error("%-40s MISSING: %v", r.table, r.err)
			failed = true
		default:
			logging.Info("%-40s OK %d rows", r.table, r.rows)
		}
	}

	if failed {
		return fmt.Errorf("verification failed")
	}
	return nil
}

// countRows counts the rows of a built table.
func (o *Orchestrator) countRows(ctx context.Context, db *sql.DB, table string) tableVerifyResult {
	result := tableVerifyResult{table: table}

	timeoutCtx, cancel := context.WithTimeout(ctx, ValidationTimeout)
	defer cancel()

	query := "SELECT COUNT(*) FROM " + o.dialect.QualifyTable(o.config.Mart.TargetSchema, table)
	if err := db.QueryRowContext(timeoutCtx, query).Scan(&result.rows); err != nil {
		if errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			result.timedOut = true
			return result
		}
		result.err = err
	}
	return result
}
