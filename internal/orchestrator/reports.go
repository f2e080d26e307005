package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/johndauphine/martbuild/internal/history"
	"github.com/johndauphine/martbuild/internal/model"
	"github.com/johndauphine/martbuild/internal/partition"
)

// DefaultHistoryLimit is the number of runs ShowHistory lists.
const DefaultHistoryLimit = 20

// History returns the most recent runs.
func (o *Orchestrator) History(ctx context.Context, limit int) ([]history.Run, error) {
	store, err := o.historyStore(ctx)
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("run history is disabled")
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return store.Runs(ctx, limit)
}

// ShowHistory prints the most recent runs.
func (o *Orchestrator) ShowHistory(ctx context.Context, limit int) error {
	runs, err := o.History(ctx, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(o.out, "No runs recorded.")
		return nil
	}

	tw := tabwriter.NewWriter(o.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tSTARTED\tSTATUS\tSCHEMA\tDATASETS\tACTIONS\tDURATION")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			r.ID, r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.Status, r.TargetSchema,
			strings.Join(r.DataSets, ","), r.Actions, formatDuration(r))
	}
	return tw.Flush()
}

// ShowRunDetails prints one run and its per-dataset action counts.
func (o *Orchestrator) ShowRunDetails(ctx context.Context, runID string) error {
	store, err := o.historyStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return fmt.Errorf("run history is disabled")
	}
	r, err := store.Run(ctx, runID)
	if err != nil {
		return err
	}
	parts, err := store.DataSets(ctx, runID)
	if err != nil {
		return err
	}

	fmt.Fprintf(o.out, "Run:       %s\n", r.ID)
	fmt.Fprintf(o.out, "Status:    %s\n", r.Status)
	fmt.Fprintf(o.out, "Schema:    %s\n", r.TargetSchema)
	fmt.Fprintf(o.out, "Datasets:  %s\n", strings.Join(r.DataSets, ", "))
	if r.ConfigPath != "" {
		fmt.Fprintf(o.out, "Config:    %s\n", r.ConfigPath)
	}
	fmt.Fprintf(o.out, "Started:   %s\n", r.StartedAt.Local().Format(time.RFC3339))
	fmt.Fprintf(o.out, "Duration:  %s\n", formatDuration(*r))
	fmt.Fprintf(o.out, "Actions:   %d\n", r.Actions)
	if r.Error != "" {
		fmt.Fprintf(o.out, "Error:     %s\n", r.Error)
	}
	if len(parts) == 0 {
		return nil
	}

	fmt.Fprintln(o.out)
	tw := tabwriter.NewWriter(o.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DATASET\tPARTITION\tACTIONS")
	for _, p := range parts {
		fmt.Fprintf(tw, "%s\t%s\t%d\n", p.DataSet, partitionLabel(p.Partition), p.Actions)
	}
	return tw.Flush()
}

func formatDuration(r history.Run) string {
	if r.CompletedAt == nil {
		return "-"
	}
	return r.Duration().Round(time.Millisecond).String()
}

func partitionLabel(p string) string {
	if p == "" {
		return "(unpartitioned)"
	}
	return p
}

// PartitionReport lists the values one partitioning iterates over.
type PartitionReport struct {
	DataSet        string   `json:"dataset"`
	Table          string   `json:"table,omitempty"` // empty for dataset-wide partitioning
	PartitionTable string   `json:"partition_table"`
	Column         string   `json:"column"`
	Values         []string `json:"values"`
}

// Partitions reads the schema, dataset and dimension partition values of the
// selected datasets.
func (o *Orchestrator) Partitions(ctx context.Context, names []string) ([]PartitionReport, error) {
	datasets, err := o.selectDataSets(names)
	if err != nil {
		return nil, err
	}

	var reports []PartitionReport
	for _, ds := range datasets {
		var schemaValues []string
		for _, sp := range ds.SchemaPartitions() {
			if sp.Key != "" {
				schemaValues = append(schemaValues, sp.Key)
			}
		}
		if len(schemaValues) > 0 {
			reports = append(reports, PartitionReport{
				DataSet: ds.Name, PartitionTable: "(schema)", Column: "key", Values: schemaValues,
			})
		}

		if ds.Partitioning != nil {
			r, err := readPartition(ctx, ds.Name, "", ds.Partitioning)
			if err != nil {
				return nil, err
			}
			reports = append(reports, r)
		}
		for _, t := range ds.Tables {
			if t.Partitioning == nil {
				continue
			}
			r, err := readPartition(ctx, ds.Name, t.Name, t.Partitioning)
			if err != nil {
				return nil, err
			}
			reports = append(reports, r)
		}
	}
	return reports, nil
}

func readPartition(ctx context.Context, ds, table string, app *model.PartitionTableApplication) (PartitionReport, error) {
	r := PartitionReport{DataSet: ds, Table: table, PartitionTable: app.Table.Name(), Column: app.NameColumn}
	cur, err := app.Table.Prepare(ctx, partition.Range{})
	if err != nil {
		return r, fmt.Errorf("dataset %s: reading partition table %s: %w", ds, app.Table.Name(), err)
	}
	defer cur.Close()
	r.Values, err = partition.Values(ctx, cur, app.NameColumn)
	if err != nil {
		return r, fmt.Errorf("dataset %s: reading partition table %s: %w", ds, app.Table.Name(), err)
	}
	return r, nil
}

// ShowPartitions prints the partition values of the selected datasets.
func (o *Orchestrator) ShowPartitions(ctx context.Context, names []string) error {
	reports, err := o.Partitions(ctx, names)
	if err != nil {
		return err
	}
	if len(reports) == 0 {
		fmt.Fprintln(o.out, "No partitioning.")
		return nil
	}

	tw := tabwriter.NewWriter(o.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DATASET\tTABLE\tPARTITION TABLE\tCOLUMN\tVALUES")
	for _, r := range reports {
		table := r.Table
		if table == "" {
			table = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.DataSet, table, r.PartitionTable, r.Column, strings.Join(r.Values, ","))
	}
	return tw.Flush()
}
