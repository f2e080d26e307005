package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/johndauphine/martbuild/internal/compiler"
	"github.com/johndauphine/martbuild/internal/config"
	"github.com/johndauphine/martbuild/internal/history"
	"github.com/johndauphine/martbuild/internal/logging"
	"github.com/johndauphine/martbuild/internal/model"
	"github.com/johndauphine/martbuild/internal/progress"
	"github.com/johndauphine/martbuild/internal/sink"
)

// progressInterval is how often the progress bar polls running jobs.
const progressInterval = 100 * time.Millisecond

// RunOptions overrides the configured run settings.
type RunOptions struct {
	DataSets []string
	Parallel int

	// Progress, when set, is driven by the running jobs.
	Progress *progress.Tracker
}

// RunResult contains the outcome of a compile run.
type RunResult struct {
	RunIDs   []string
	Actions  int
	DataSets map[string]*DataSetStats
	Failures []DataSetFailure
}

// DataSetStats counts the work done for one dataset.
type DataSetStats struct {
	Partitions int // schema partitions compiled
	Actions    int
}

// DataSetFailure names the datasets of a failed job.
type DataSetFailure struct {
	DataSets []string
	Error    error
}

// buildJob is one compiler job with its own sink.
type buildJob struct {
	job      *compiler.Job
	datasets []string
	buf      *bytes.Buffer // set when output is buffered for ordering
	listener compiler.Listener
	flush    func() error
	tracker  *history.Tracker
	err      error
}

// statsListener counts actions and partitions per dataset.
type statsListener struct {
	mu    sync.Mutex
	stats map[string]*DataSetStats
}

func (s *statsListener) OnEvent(_ context.Context, ev compiler.Event) error {
	if ev.Kind != compiler.DataSetStarted && ev.Kind != compiler.ActionEvent {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stats[ev.DataSet]
	if !ok {
		st = &DataSetStats{}
		s.stats[ev.DataSet] = st
	}
	if ev.Kind == compiler.DataSetStarted {
		st.Partitions++
	} else {
		st.Actions++
	}
	return nil
}

// jobSet reports the mean progress of several jobs.
type jobSet []*buildJob

func (js jobSet) Progress() float64 {
	if len(js) == 0 {
		return 100
	}
	var sum float64
	for _, j := range js {
		sum += j.job.Progress()
	}
	return sum / float64(len(js))
}

// Run compiles the selected datasets into the target schema. With a
// parallelism above one every dataset gets its own job; sql and json output
// of those jobs is buffered and written in dataset order once all finish.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	datasets, err := o.selectDataSets(opts.DataSets)
	if err != nil {
		return nil, err
	}
	parallel := opts.Parallel
	if parallel <= 0 {
		parallel = o.config.Run.Parallel
	}

	groups := [][]*model.DataSet{datasets}
	if parallel > 1 && len(datasets) > 1 {
		groups = groups[:0]
		for _, ds := range datasets {
			groups = append(groups, []*model.DataSet{ds})
		}
	}

	out, closeOut, err := o.openOutput()
	if err != nil {
		return nil, err
	}
	defer closeOut()

	stats := &statsListener{stats: make(map[string]*DataSetStats)}
	jobs := make([]*buildJob, len(groups))
	for i, g := range groups {
		w := out
		var buf *bytes.Buffer
		if len(groups) > 1 && o.config.Output.Format != config.FormatExec {
			buf = &bytes.Buffer{}
			w = buf
		}
		c := o.compiler
		if len(groups) > 1 {
			c = o.jobCompiler(i + 1)
		}
		j, err := o.newBuildJob(ctx, c, g, w, stats, opts.Progress)
		if err != nil {
			return nil, err
		}
		j.buf = buf
		jobs[i] = j
	}
	logging.Debug("Compiling %d datasets in %d jobs (parallel=%d)", len(datasets), len(jobs), parallel)

	if opts.Progress != nil {
		watchCtx, stopWatch := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			opts.Progress.Watch(watchCtx, jobSet(jobs), progressInterval)
		}()
		defer func() {
			stopWatch()
			<-done
		}()
	}

	g := new(errgroup.Group)
	g.SetLimit(parallel)
	for _, j := range jobs {
		j := j
		g.Go(func() error {
			o.executeJob(ctx, j)
			return nil
		})
	}
	_ = g.Wait()

	for _, j := range jobs {
		if j.buf == nil || j.err != nil {
			continue
		}
		if _, err := io.Copy(out, j.buf); err != nil {
			return nil, fmt.Errorf("writing output: %w", err)
		}
	}

	result := &RunResult{DataSets: stats.stats}
	for _, j := range jobs {
		if id := j.job.ID(); id != "" {
			result.RunIDs = append(result.RunIDs, id)
		}
	}
	for _, st := range stats.stats {
		result.Actions += st.Actions
	}
	result.Failures = collectFailures(jobs)
	o.logRunProfile(result)

	return result, failureError(result.Failures)
}

// newBuildJob prepares a compiler job writing to w.
func (o *Orchestrator) newBuildJob(ctx context.Context, c *compiler.Compiler, datasets []*model.DataSet, w io.Writer,
	stats *statsListener, prog *progress.Tracker) (*buildJob, error) {
	j := &buildJob{
		job:   c.Prepare(o.config.Mart.TargetSchema, datasets),
		flush: func() error { return nil },
	}
	for _, ds := range datasets {
		j.datasets = append(j.datasets, ds.Name)
	}

	var output compiler.Listener
	switch o.config.Output.Format {
	case config.FormatJSON:
		output = sink.NewJSONLines(w)
	case config.FormatExec:
		db, err := o.target(ctx)
		if err != nil {
			return nil, err
		}
		output = sink.NewExecutor(db, o.dialect)
	default:
		s := sink.NewScript(w, o.dialect)
		output, j.flush = s, s.Flush
	}

	listeners := sink.Multi{output, stats}
	store, err := o.historyStore(ctx)
	if err != nil {
		logging.Warn("Run history unavailable: %v", err)
	} else if store != nil {
		j.tracker = history.NewTracker(store, o.config.Path(), j.datasets)
		listeners = append(listeners, j.tracker)
	}
	if prog != nil {
		listeners = append(listeners, prog)
	}
	j.listener = listeners
	return j, nil
}

// jobCompiler returns a compiler whose intermediate tables cannot collide
// with those of the other jobs of a parallel run.
func (o *Orchestrator) jobCompiler(n int) *compiler.Compiler {
	return compiler.New(compiler.Options{
		Case:       o.config.NameCase(),
		TempPrefix: fmt.Sprintf("%s%d_", o.config.Mart.TempPrefix, n),
		Logger:     logging.Logger(),
	})
}

// executeJob runs one job and records its outcome.
func (o *Orchestrator) executeJob(ctx context.Context, j *buildJob) {
	start := time.Now()
	j.err = j.job.Run(ctx, j.listener)
	if j.err == nil {
		j.err = j.flush()
	}

	if j.tracker != nil {
		if err := j.tracker.Finish(context.WithoutCancel(ctx), j.err); err != nil {
			logging.Warn("Recording run %s: %v", j.job.ID(), err)
		}
	}

	switch {
	case errors.Is(j.err, compiler.ErrCancelled):
		logging.Warn("Compilation of %v cancelled", j.datasets)
	case j.err != nil:
		logging.Error("Compilation of %v failed: %v", j.datasets, j.err)
	default:
		logging.Debug("Compiled %v in %v", j.datasets, time.Since(start).Round(time.Millisecond))
	}
}

// openOutput opens the sql/json destination. Exec output writes nothing.
func (o *Orchestrator) openOutput() (io.Writer, func(), error) {
	path := o.config.Output.Path
	if o.config.Output.Format == config.FormatExec || path == "" {
		return o.out, func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, nil, fmt.Errorf("creating output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("creating output file: %w", err)
	}
	return f, func() {
		if err := f.Close(); err != nil {
			logging.Warn("Closing %s: %v", path, err)
		}
	}, nil
}

// collectFailures gathers failed jobs. A cancelled job is reported once as
// cancellation, ahead of any other failure.
func collectFailures(jobs []*buildJob) []DataSetFailure {
	var failures []DataSetFailure
	for _, j := range jobs {
		if j.err == nil {
			continue
		}
		f := DataSetFailure{DataSets: j.datasets, Error: j.err}
		if errors.Is(j.err, compiler.ErrCancelled) {
			failures = append([]DataSetFailure{f}, failures...)
			continue
		}
		failures = append(failures, f)
	}
	return failures
}

func failureError(failures []DataSetFailure) error {
	switch len(failures) {
	case 0:
		return nil
	case 1:
		return failures[0].Error
	}
	errs := make([]error, len(failures))
	for i, f := range failures {
		errs[i] = fmt.Errorf("%v: %w", f.DataSets, f.Error)
	}
	return errors.Join(errs...)
}

// logRunProfile logs per-dataset statistics.
func (o *Orchestrator) logRunProfile(result *RunResult) {
	if !logging.IsDebug() {
		return
	}

	names := make([]string, 0, len(result.DataSets))
	for name := range result.DataSets {
		names = append(names, name)
	}
	sort.Strings(names)

	logging.Debug("Run Profile (per dataset):")
	logging.Debug("--------------------------")
	for _, name := range names {
		st := result.DataSets[name]
		logging.Debug("%-25s partitions=%d actions=%d", name, st.Partitions, st.Actions)
	}
	logging.Debug("--------------------------")
	logging.Debug("%-25s actions=%d", "TOTAL", result.Actions)
}
