package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"

	"github.com/johndauphine/martbuild/internal/config"
	"github.com/johndauphine/martbuild/internal/logging"
	"github.com/johndauphine/martbuild/internal/orchestrator"
	"github.com/johndauphine/martbuild/internal/progress"
	"github.com/johndauphine/martbuild/internal/secrets"
	"github.com/johndauphine/martbuild/internal/util"
	"github.com/johndauphine/martbuild/internal/version"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	datasetFlag := &cli.StringFlag{
		Name:    "dataset",
		Aliases: []string{"d"},
		Usage:   "Comma-separated datasets (default: run.datasets, else every visible dataset)",
	}
	jsonFlags := []cli.Flag{
		&cli.BoolFlag{
			Name:  "output-json",
			Usage: "Print the result as JSON on stdout",
		},
		&cli.StringFlag{
			Name:  "output-file",
			Usage: "Write the JSON result to a file",
		},
	}

	return &cli.App{
		Name:    version.Name,
		Usage:   version.Description,
		Version: version.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "martbuild.yaml",
				Usage:   "Path to configuration file",
				EnvVars: []string{"MARTBUILD_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "verbosity",
				Usage: "Log level (debug, info, warn, error); overrides logging.level",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "Log format (text, json); overrides logging.format",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "compile",
				Usage:  "Compile datasets into construction actions",
				Action: compileDataSets,
				Flags: []cli.Flag{
					datasetFlag,
					&cli.StringFlag{
						Name:    "format",
						Aliases: []string{"f"},
						Usage:   "Output format (sql, json, exec)",
					},
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Write sql/json output to a file instead of stdout",
					},
					&cli.StringFlag{
						Name:  "dialect",
						Usage: "SQL dialect of the generated statements",
					},
					&cli.IntFlag{
						Name:  "parallel",
						Usage: "Number of datasets compiled concurrently",
					},
					&cli.BoolFlag{
						Name:  "no-progress",
						Usage: "Do not draw a progress bar",
					},
				},
			},
			{
				Name:   "validate",
				Usage:  "Compile datasets without output and report action counts",
				Action: validateDataSets,
				Flags:  []cli.Flag{datasetFlag},
			},
			{
				Name:   "verify",
				Usage:  "Check that the built tables exist in the target database",
				Action: verifyDataSets,
				Flags:  []cli.Flag{datasetFlag},
			},
			{
				Name:   "partitions",
				Usage:  "List the partition values datasets iterate over",
				Action: showPartitions,
				Flags:  append([]cli.Flag{datasetFlag}, jsonFlags...),
			},
			{
				Name:  "history",
				Usage: "List recent compile runs, or view details of a specific run",
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:  "run",
						Usage: "Show details for a specific run ID",
					},
					&cli.IntFlag{
						Name:  "limit",
						Value: orchestrator.DefaultHistoryLimit,
						Usage: "Number of runs to list",
					},
				}, jsonFlags...),
				Action: showHistory,
			},
			{
				Name:   "health",
				Usage:  "Check connectivity of the configured databases",
				Action: healthCheck,
				Flags:  jsonFlags,
			},
			{
				Name:   "init-secrets",
				Usage:  "Create a secrets file template",
				Action: initSecrets,
			},
		},
	}
}

// loadConfig reads the config named by --config and applies its logging
// settings, letting the global flags override them.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	level := cfg.LogLevel()
	if v := c.String("verbosity"); v != "" {
		if level, err = logging.ParseLevel(v); err != nil {
			return nil, err
		}
	}
	format := cfg.Logging.Format
	if f := c.String("log-format"); f != "" {
		format = f
	}
	logging.SetFormat(format)
	logging.SetLevel(level)
	return cfg, nil
}

// applyCompileFlags copies the compile flags over the loaded config.
func applyCompileFlags(c *cli.Context, cfg *config.Config) error {
	if c.IsSet("dataset") {
		cfg.Run.DataSets = util.SplitCSV(c.String("dataset"))
	}
	if c.IsSet("format") {
		cfg.Output.Format = strings.ToLower(c.String("format"))
	}
	if c.IsSet("output") {
		cfg.Output.Path = c.String("output")
	}
	if c.IsSet("dialect") {
		cfg.Output.Dialect = strings.ToLower(c.String("dialect"))
	}
	if c.IsSet("parallel") {
		cfg.Run.Parallel = c.Int("parallel")
	}
	return cfg.Validate()
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nInterrupted. Cancelling compilation...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}

func newOrchestrator(ctx context.Context, cfg *config.Config) (*orchestrator.Orchestrator, error) {
	orch, err := orchestrator.New(ctx, cfg, orchestrator.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}
	return orch, nil
}

func compileDataSets(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := applyCompileFlags(c, cfg); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	orch, err := newOrchestrator(ctx, cfg)
	if err != nil {
		return err
	}
	defer orch.Close()

	opts := orchestrator.RunOptions{}
	if !c.Bool("no-progress") && isTerminal(os.Stderr) {
		opts.Progress = progress.New("Compiling", os.Stderr)
	}

	result, err := orch.Run(ctx, opts)
	if opts.Progress != nil {
		opts.Progress.Finish()
	}
	if err != nil {
		return err
	}
	logging.Info("Compiled %d datasets into %d actions", len(result.DataSets), result.Actions)
	return nil
}

func validateDataSets(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	orch, err := newOrchestrator(ctx, cfg)
	if err != nil {
		return err
	}
	defer orch.Close()

	return orch.Validate(ctx, util.SplitCSV(c.String("dataset")))
}

func verifyDataSets(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if !cfg.Target.IsSet() {
		return fmt.Errorf("verify requires a target database")
	}
	ctx, cancel := signalContext()
	defer cancel()

	orch, err := newOrchestrator(ctx, cfg)
	if err != nil {
		return err
	}
	defer orch.Close()

	return orch.Verify(ctx, util.SplitCSV(c.String("dataset")))
}

func showPartitions(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	orch, err := newOrchestrator(ctx, cfg)
	if err != nil {
		return err
	}
	defer orch.Close()

	names := util.SplitCSV(c.String("dataset"))
	if wantsJSON(c) {
		reports, err := orch.Partitions(ctx, names)
		if err != nil {
			return err
		}
		return outputJSON(c, reports)
	}
	return orch.ShowPartitions(ctx, names)
}

func showHistory(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	ctx := context.Background()

	orch, err := newOrchestrator(ctx, cfg)
	if err != nil {
		return err
	}
	defer orch.Close()

	// If --run flag is provided, show details for that specific run
	if runID := c.String("run"); runID != "" {
		return orch.ShowRunDetails(ctx, runID)
	}

	if wantsJSON(c) {
		runs, err := orch.History(ctx, c.Int("limit"))
		if err != nil {
			return err
		}
		return outputJSON(c, runs)
	}
	return orch.ShowHistory(ctx, c.Int("limit"))
}

func healthCheck(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	ctx := context.Background()

	orch, err := newOrchestrator(ctx, cfg)
	if err != nil {
		return err
	}
	defer orch.Close()

	result, err := orch.HealthCheck(ctx)
	if err != nil {
		return err
	}

	if wantsJSON(c) {
		if err := outputJSON(c, result); err != nil {
			return err
		}
	} else {
		printCheck("Target", result.Target)
		printCheck("Partitions", result.Partitions)
		printCheck("History", result.History)
		fmt.Printf("%-12s %d loaded\n", "Datasets", result.DataSets)
	}

	if !result.Healthy {
		return fmt.Errorf("health check failed")
	}
	return nil
}

func printCheck(name string, check orchestrator.DatabaseCheck) {
	switch {
	case !check.Configured:
		fmt.Printf("%-12s not configured\n", name)
	case check.Connected:
		fmt.Printf("%-12s OK (%s, %dms)\n", name, check.Type, check.LatencyMs)
	default:
		fmt.Printf("%-12s FAILED (%s): %s\n", name, check.Type, check.Error)
	}
}

func initSecrets(c *cli.Context) error {
	path, err := secrets.WriteTemplate()
	if err != nil {
		return err
	}
	fmt.Printf("Created secrets template at %s\n", path)
	fmt.Println("Edit it to add database credentials, then reference an entry from the config with credentials: <name>.")
	return nil
}

func wantsJSON(c *cli.Context) bool {
	return c.Bool("output-json") || c.String("output-file") != ""
}

// outputJSON writes v as indented JSON to stdout (--output-json) and/or a
// file (--output-file).
func outputJSON(c *cli.Context, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	data = append(data, '\n')

	if path := c.String("output-file"); path != "" {
		if err := os.WriteFile(path, data, 0644); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
	}
	if c.Bool("output-json") {
		if _, err := os.Stdout.Write(data); err != nil {
			return err
		}
	}
	return nil
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
