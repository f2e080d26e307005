// Package orchestrator runs the commands of martbuild: it loads the model a
// config points at, compiles datasets through the compiler, routes actions
// to the configured sink and records runs in the history store.
package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/johndauphine/martbuild/internal/compiler"
	"github.com/johndauphine/martbuild/internal/config"
	"github.com/johndauphine/martbuild/internal/dialect"
	"github.com/johndauphine/martbuild/internal/history"
	"github.com/johndauphine/martbuild/internal/logging"
	"github.com/johndauphine/martbuild/internal/model"
	"github.com/johndauphine/martbuild/internal/model/loader"
	"github.com/johndauphine/martbuild/internal/partition"
)

// Options adjusts how an Orchestrator reports.
type Options struct {
	// Out receives reports and sql/json output without a configured path.
	// Defaults to stdout.
	Out io.Writer
}

// Orchestrator owns the resources of one command invocation.
type Orchestrator struct {
	config   *config.Config
	model    *loader.Model
	compiler *compiler.Compiler
	dialect  dialect.Dialect
	out      io.Writer

	partitionMu sync.Mutex
	partitionDB *sql.DB
	targetDB    *sql.DB
	history     *history.Store
}

// New loads the model named by cfg. SQL partition tables are read through
// the configured partitions database, which is opened on first use.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Orchestrator, error) {
	d := dialect.GetDialect(cfg.Output.Dialect)
	if d == nil {
		return nil, fmt.Errorf("unknown dialect %q", cfg.Output.Dialect)
	}
	o := &Orchestrator{
		config:  cfg,
		dialect: d,
		out:     opts.Out,
		compiler: compiler.New(compiler.Options{
			Case:       cfg.NameCase(),
			TempPrefix: cfg.Mart.TempPrefix,
			Logger:     logging.Logger(),
		}),
	}
	if o.out == nil {
		o.out = os.Stdout
	}

	var lopts loader.Options
	if cfg.Partitions.IsSet() {
		lopts.SQL = o.openPartitionTable
	}

	m, err := loader.Load(cfg.Model.Path, lopts)
	if err != nil {
		o.Close()
		return nil, err
	}
	o.model = m
	logging.Debug("Loaded model %s: %d schemas, %d partition tables, %d datasets",
		cfg.Model.Path, len(m.Schemas), len(m.PartitionTables), len(m.DataSets))
	return o, nil
}

// openPartitionTable is the loader's SQL opener. The returned table connects
// on its first Prepare.
func (o *Orchestrator) openPartitionTable(name, source string, columns []string, where string, links ...partition.Link) (partition.Table, error) {
	if source == "" || len(columns) == 0 {
		return nil, fmt.Errorf("partition table %s: source and columns are required", name)
	}
	opts := partition.SQLOptions{
		Placeholder: o.config.Partitions.Placeholder,
		Where:       where,
	}
	if d := dialect.GetDialect(o.config.Partitions.Type); d != nil {
		opts.Quote = d.QuoteIdentifier
	}
	return &lazyPartitionTable{
		o:       o,
		name:    name,
		source:  source,
		columns: columns,
		opts:    opts,
		links:   links,
	}, nil
}

// partitions opens the partitions database on first use.
func (o *Orchestrator) partitions(ctx context.Context) (*sql.DB, error) {
	o.partitionMu.Lock()
	defer o.partitionMu.Unlock()
	if o.partitionDB != nil {
		return o.partitionDB, nil
	}
	db, err := o.config.Partitions.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("connecting to partitions database: %w", err)
	}
	o.partitionDB = db
	return db, nil
}

// openedPartitions returns the partitions database if it has been opened.
func (o *Orchestrator) openedPartitions() *sql.DB {
	o.partitionMu.Lock()
	defer o.partitionMu.Unlock()
	return o.partitionDB
}

// lazyPartitionTable is a SQL partition table bound to the partitions
// database when it is first prepared.
type lazyPartitionTable struct {
	o       *Orchestrator
	name    string
	source  string
	columns []string
	opts    partition.SQLOptions
	links   []partition.Link

	mu    sync.Mutex
	table *partition.SQLTable
}

var _ partition.Table = (*lazyPartitionTable)(nil)

func (t *lazyPartitionTable) Name() string { return t.name }

func (t *lazyPartitionTable) Columns() []string { return t.columns }

// Prepare connects on first use and delegates to the SQL table.
func (t *lazyPartitionTable) Prepare(ctx context.Context, r partition.Range) (partition.Cursor, error) {
	t.mu.Lock()
	if t.table == nil {
		db, err := t.o.partitions(ctx)
		if err != nil {
			t.mu.Unlock()
			return nil, fmt.Errorf("partition table %s: %w", t.name, err)
		}
		t.table, err = partition.NewSQLTable(db, t.name, t.source, t.columns, t.opts, t.links...)
		if err != nil {
			t.mu.Unlock()
			return nil, err
		}
	}
	table := t.table
	t.mu.Unlock()
	return table.Prepare(ctx, r)
}

// Close releases every database the orchestrator opened.
func (o *Orchestrator) Close() error {
	var errs []error
	if db := o.openedPartitions(); db != nil {
		errs = append(errs, db.Close())
	}
	if o.targetDB != nil {
		errs = append(errs, o.targetDB.Close())
	}
	if o.history != nil {
		errs = append(errs, o.history.Close())
	}
	return errors.Join(errs...)
}

// Model returns the loaded model.
func (o *Orchestrator) Model() *loader.Model { return o.model }

// target opens the target database on first use.
func (o *Orchestrator) target(ctx context.Context) (*sql.DB, error) {
	if o.targetDB != nil {
		return o.targetDB, nil
	}
	if !o.config.Target.IsSet() {
		return nil, errors.New("no target database configured")
	}
	db, err := o.config.Target.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("connecting to target: %w", err)
	}
	o.targetDB = db
	return db, nil
}

// historyStore opens the history database on first use. It returns nil when
// history is disabled.
func (o *Orchestrator) historyStore(ctx context.Context) (*history.Store, error) {
	if !o.config.HistoryEnabled() {
		return nil, nil
	}
	if o.history != nil {
		return o.history, nil
	}
	s, err := history.Open(ctx, o.config.History.Path)
	if err != nil {
		return nil, err
	}
	o.history = s
	return s, nil
}

// selectDataSets resolves dataset names. With no names it uses the configured
// list, else every visible dataset of the model.
func (o *Orchestrator) selectDataSets(names []string) ([]*model.DataSet, error) {
	if len(names) == 0 {
		names = o.config.Run.DataSets
	}
	if len(names) == 0 {
		var out []*model.DataSet
		for _, ds := range o.model.DataSets {
			if !ds.Invisible {
				out = append(out, ds)
			}
		}
		if len(out) == 0 {
			return nil, errors.New("model has no datasets")
		}
		return out, nil
	}

	out := make([]*model.DataSet, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		ds := o.model.DataSet(name)
		if ds == nil {
			return nil, fmt.Errorf("unknown dataset %s (available: %s)", name, strings.Join(o.dataSetNames(), ", "))
		}
		out = append(out, ds)
	}
	return out, nil
}

func (o *Orchestrator) dataSetNames() []string {
	names := make([]string, len(o.model.DataSets))
	for i, ds := range o.model.DataSets {
		names[i] = ds.Name
	}
	return names
}
