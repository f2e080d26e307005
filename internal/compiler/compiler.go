// Package compiler turns datasets into an ordered stream of mart construction
// actions.
//
// A Compiler is configured once with naming options. Prepare binds it to a
// target schema and a set of datasets and returns a Job, a single-use unit of
// work that can be run synchronously with Run, or in the background with
// Start and Wait. A running job reports a monotonic 0-100 progress value and
// can be stopped with Cancel; cancellation is observed between dataset tables.
//
// Every event of a run is delivered, in order, to the one Listener passed to
// Run. The compiler blocks on each listener call.
package compiler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/johndauphine/martbuild/internal/logging"
	"github.com/johndauphine/martbuild/internal/model"
)

// DefaultTempPrefix prefixes the names of intermediate tables.
const DefaultTempPrefix = "TEMP"

// Options configures a Compiler.
type Options struct {
	// Case is applied to every generated table and column name.
	Case NameCase

	// TempPrefix prefixes intermediate table names. Defaults to DefaultTempPrefix.
	TempPrefix string

	// Logger receives per-action debug logs. Defaults to the package logger.
	Logger *slog.Logger
}

// Compiler compiles datasets into construction actions.
type Compiler struct {
	names namer
	log   *slog.Logger
}

// New creates a compiler.
func New(opts Options) *Compiler {
	if opts.TempPrefix == "" {
		opts.TempPrefix = DefaultTempPrefix
	}
	if opts.Logger == nil {
		opts.Logger = logging.Logger()
	}
	return &Compiler{
		names: namer{nameCase: opts.Case, tempPrefix: opts.TempPrefix},
		log:   opts.Logger,
	}
}

// Prepare creates a job that builds datasets into targetSchema.
// The datasets must not be modified while the job runs.
func (c *Compiler) Prepare(targetSchema string, datasets []*model.DataSet) *Job {
	return &Job{
		id:       uuid.NewString(),
		compiler: c,
		schema:   targetSchema,
		datasets: datasets,
		done:     make(chan struct{}),
	}
}

// Job is one compilation run.
type Job struct {
	id       string
	compiler *Compiler
	schema   string
	datasets []*model.DataSet

	started   atomic.Bool
	cancelled atomic.Bool
	progress  atomic.Uint64

	done chan struct{}
	mu   sync.Mutex
	err  error
}

// ID returns the run identifier carried by every event of the job.
func (j *Job) ID() string { return j.id }

// Run compiles the datasets, delivering events to l. It returns nil on
// success or a *Error describing the single cause of failure. A job can only
// be run once.
func (j *Job) Run(ctx context.Context, l Listener) error {
	if !j.started.CompareAndSwap(false, true) {
		return internalf("job %s already started", j.id)
	}
	if l == nil {
		l = ListenerFunc(func(context.Context, Event) error { return nil })
	}

	err := j.run(ctx, l)

	j.mu.Lock()
	j.err = err
	j.mu.Unlock()
	close(j.done)
	return err
}

// Start runs the job in the background. Use Wait for the result.
func (j *Job) Start(ctx context.Context, l Listener) {
	go func() {
		if err := j.Run(ctx, l); err != nil && !errors.Is(err, ErrCancelled) {
			j.compiler.log.Debug("compilation failed", "run", j.id, "error", err)
		}
	}()
}

// Wait blocks until a started job finishes and returns its result.
func (j *Job) Wait() error {
	<-j.done
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Cancel asks the job to stop before its next dataset table.
func (j *Job) Cancel() { j.cancelled.Store(true) }

// Cancelled reports whether Cancel was called.
func (j *Job) Cancelled() bool { return j.cancelled.Load() }

// Progress returns the completed percentage, between 0 and 100.
func (j *Job) Progress() float64 {
	return math.Float64frombits(j.progress.Load())
}

// advance adds delta to the progress, never exceeding 100.
func (j *Job) advance(delta float64) {
	for {
		old := j.progress.Load()
		next := math.Min(100, math.Float64frombits(old)+delta)
		if j.progress.CompareAndSwap(old, math.Float64bits(next)) {
			return
		}
	}
}

func (j *Job) complete() {
	j.progress.Store(math.Float64bits(100))
}

func (j *Job) run(ctx context.Context, l Listener) error {
	if err := j.validate(); err != nil {
		return err
	}
	r := &run{
		job:      j,
		listener: l,
		names:    j.compiler.names,
		log:      j.compiler.log.With("run", j.id),
		required: make(map[*model.DataSet]model.Requirements, len(j.datasets)),
	}
	for _, ds := range j.datasets {
		r.required[ds] = ds.ComputeRequirements()
	}
	return r.construct(ctx)
}

func (j *Job) validate() error {
	var errs []error
	if j.schema == "" {
		errs = append(errs, errors.New("no target schema"))
	}
	for i, ds := range j.datasets {
		if ds == nil {
			errs = append(errs, fmt.Errorf("dataset %d is nil", i))
			continue
		}
		if err := ds.Validate(); err != nil {
			errs = append(errs, err)
		}
		if err := validatePartitioning(ds); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return newError(KindValidation, "validate", errors.Join(errs...))
	}
	return nil
}

// validatePartitioning checks that applied partition tables expose the
// columns they are read through.
func validatePartitioning(ds *model.DataSet) error {
	var errs []error
	check := func(owner string, app *model.PartitionTableApplication) {
		if app == nil {
			return
		}
		if app.Table == nil {
			errs = append(errs, fmt.Errorf("%s: partitioning has no partition table", owner))
			return
		}
		cols := app.Table.Columns()
		if !containsString(cols, app.NameColumn) {
			errs = append(errs, fmt.Errorf("%s: partition table %s has no name column %q",
				owner, app.Table.Name(), app.NameColumn))
		}
		for _, row := range app.Rows {
			if !containsString(cols, row.PartitionColumn) {
				errs = append(errs, fmt.Errorf("%s: partition table %s has no column %q",
					owner, app.Table.Name(), row.PartitionColumn))
			}
		}
	}

	check("dataset "+ds.Name, ds.Partitioning)
	for _, t := range ds.Tables {
		if t.Partitioning == nil {
			continue
		}
		if t.Type != model.Dimension {
			errs = append(errs, fmt.Errorf("dataset %s: table %s: only dimension tables can be partitioned",
				ds.Name, t.Name))
			continue
		}
		check("dataset "+ds.Name+" table "+t.Name, t.Partitioning)
	}
	return errors.Join(errs...)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
