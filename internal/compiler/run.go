package compiler

import (
	"context"
	"log/slog"
	"strings"

	"github.com/johndauphine/martbuild/internal/action"
	"github.com/johndauphine/martbuild/internal/model"
	"github.com/johndauphine/martbuild/internal/partition"
)

// run holds the private state of one job execution.
type run struct {
	job      *Job
	listener Listener
	names    namer
	log      *slog.Logger

	// seq numbers intermediate tables across the whole run.
	seq int

	// optimisers is cleared for every schema partition.
	optimisers map[string]*optimiserColumns

	// required holds the column requirements of each dataset for this run.
	required map[*model.DataSet]model.Requirements
}

// pass is one (schema partition, dataset, dataset partition row) combination.
type pass struct {
	ds     *model.DataSet
	req    model.Requirements
	sp     model.SchemaPartition
	row    partition.Cursor
	dsName string

	built map[*model.DataSetTable]*builtTable
	order []*builtTable
}

// builtTable records a table finished in the current pass.
type builtTable struct {
	table     *model.DataSetTable
	final     string
	present   map[string]bool
	optimiser string
}

type participant struct {
	ds *model.DataSet
	sp model.SchemaPartition
}

func (r *run) construct(ctx context.Context) error {
	keys, members := r.schemaPartitions()

	if err := r.event(ctx, Event{Kind: ConstructionStarted}); err != nil {
		return err
	}
	r.log.Debug("construction started", "schema", r.job.schema, "partitions", len(keys))

	for _, key := range keys {
		r.optimisers = make(map[string]*optimiserColumns)

		if err := r.event(ctx, Event{Kind: PartitionStarted, Partition: key}); err != nil {
			return err
		}
		for _, p := range members[key] {
			if err := r.event(ctx, Event{Kind: DataSetStarted, Partition: key, DataSet: p.ds.Name}); err != nil {
				return err
			}
			if err := r.dataset(ctx, p); err != nil {
				return err
			}
			if err := r.event(ctx, Event{Kind: DataSetEnded, Partition: key, DataSet: p.ds.Name}); err != nil {
				return err
			}
		}
		if err := r.event(ctx, Event{Kind: PartitionEnded, Partition: key}); err != nil {
			return err
		}
	}

	r.job.complete()
	return r.event(ctx, Event{Kind: ConstructionEnded})
}

// schemaPartitions collects partition keys across all datasets in first-seen
// order, with the datasets participating in each.
func (r *run) schemaPartitions() ([]string, map[string][]participant) {
	var keys []string
	members := make(map[string][]participant)
	for _, ds := range r.job.datasets {
		for _, sp := range ds.SchemaPartitions() {
			if _, ok := members[sp.Key]; !ok {
				keys = append(keys, sp.Key)
			}
			members[sp.Key] = append(members[sp.Key], participant{ds: ds, sp: sp})
		}
	}
	return keys, members
}

func (r *run) dataset(ctx context.Context, p participant) error {
	order := tableOrder(p.ds)
	weight := 100 / float64(len(r.job.datasets)*len(p.ds.SchemaPartitions()))

	app := p.ds.Partitioning
	if app == nil {
		return r.tables(ctx, &pass{ds: p.ds, req: r.required[p.ds], sp: p.sp}, order, weight)
	}

	cur, err := app.Table.Prepare(ctx, partition.Range{})
	if err != nil {
		return newError(KindPartition, "dataset "+p.ds.Name, err)
	}
	defer cur.Close()

	rows := cur.Len()
	if rows == 0 {
		r.log.Debug("dataset partition table is empty", "dataset", p.ds.Name, "table", app.Table.Name())
		r.job.advance(weight)
		return nil
	}
	for {
		ok, err := cur.Next(ctx)
		if err != nil {
			return r.cursorError(ctx, "dataset "+p.ds.Name, err)
		}
		if !ok {
			return nil
		}
		name, err := cur.Value(app.NameColumn)
		if err != nil {
			return newError(KindPartition, "dataset "+p.ds.Name, err)
		}
		ps := &pass{ds: p.ds, req: r.required[p.ds], sp: p.sp, row: cur, dsName: name}
		if err := r.tables(ctx, ps, order, weight/float64(rows)); err != nil {
			return err
		}
	}
}

// tables compiles the ordered tables of one pass. weight is the share of
// overall progress the pass represents.
func (r *run) tables(ctx context.Context, ps *pass, order []*model.DataSetTable, weight float64) error {
	ps.built = make(map[*model.DataSetTable]*builtTable)
	if len(order) == 0 {
		r.job.advance(weight)
		return nil
	}
	step := weight / float64(len(order))

	for _, t := range order {
		if err := r.checkCancelled(ctx); err != nil {
			return err
		}

		if t.Parent != nil && ps.built[t.Parent] == nil {
			r.log.Debug("skipping table without built parent",
				"dataset", ps.ds.Name, "table", t.Name, "partition", ps.sp.Key, "dataset_partition", ps.dsName)
			r.job.advance(step)
			continue
		}

		if t.Type == model.Dimension && t.Partitioning != nil {
			if err := r.dimensionPartitions(ctx, ps, t, step); err != nil {
				return err
			}
			continue
		}

		res := r.compileTable(ctx, ps, t, nil, "")
		if res.outcome == outcomeFailed {
			return res.err
		}
		if res.outcome == outcomeCompiled && t.Type != model.Dimension {
			ps.built[t] = res.built
			ps.order = append(ps.order, res.built)
		}
		r.job.advance(step)
	}
	return nil
}

func (r *run) dimensionPartitions(ctx context.Context, ps *pass, t *model.DataSetTable, step float64) error {
	op := "dataset " + ps.ds.Name + " table " + t.Name
	cur, err := t.Partitioning.Table.Prepare(ctx, partition.Range{})
	if err != nil {
		return newError(KindPartition, op, err)
	}
	defer cur.Close()

	rows := cur.Len()
	if rows == 0 {
		r.job.advance(step)
		return nil
	}
	for {
		ok, err := cur.Next(ctx)
		if err != nil {
			return r.cursorError(ctx, op, err)
		}
		if !ok {
			return nil
		}
		name, err := cur.Value(t.Partitioning.NameColumn)
		if err != nil {
			return newError(KindPartition, op, err)
		}
		if res := r.compileTable(ctx, ps, t, cur, name); res.outcome == outcomeFailed {
			return res.err
		}
		r.job.advance(step / float64(rows))
	}
}

func (r *run) checkCancelled(ctx context.Context) error {
	if r.job.cancelled.Load() {
		return newError(KindCancelled, "", ErrCancelled)
	}
	if err := ctx.Err(); err != nil {
		return newError(KindCancelled, "", err)
	}
	return nil
}

// cursorError classifies a failure to advance a partition cursor.
func (r *run) cursorError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return newError(KindCancelled, op, err)
	}
	return newError(KindPartition, op, err)
}

func (r *run) event(ctx context.Context, ev Event) error {
	ev.RunID = r.job.id
	ev.Schema = r.job.schema
	if err := r.listener.OnEvent(ctx, ev); err != nil {
		return newError(KindListener, ev.Kind.String(), err)
	}
	return nil
}

func (r *run) emit(ctx context.Context, ps *pass, a action.Action) error {
	r.log.Debug(action.Describe(a), "dataset", ps.ds.Name, "table", a.Scope().DataSetTable)
	return r.event(ctx, Event{
		Kind:      ActionEvent,
		Partition: ps.sp.Key,
		DataSet:   ps.ds.Name,
		Action:    a,
	})
}

func (r *run) nextTemp() string {
	r.seq++
	return r.names.temp(r.seq)
}

// partitionLabel names the partition combination an action belongs to.
func partitionLabel(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "/")
}
