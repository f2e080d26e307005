// Package config loads the martbuild configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/johndauphine/martbuild/internal/compiler"
	"github.com/johndauphine/martbuild/internal/dbconfig"
	"github.com/johndauphine/martbuild/internal/dialect"
	"github.com/johndauphine/martbuild/internal/logging"
	"github.com/johndauphine/martbuild/internal/secrets"
)

// Output formats.
const (
	FormatSQL  = "sql"
	FormatJSON = "json"
	FormatExec = "exec"
)

// Config is the complete configuration of a martbuild project.
type Config struct {
	Mart       MartConfig            `yaml:"mart"`
	Model      ModelConfig           `yaml:"model"`
	Output     OutputConfig          `yaml:"output"`
	Target     dbconfig.TargetConfig `yaml:"target"`
	Partitions dbconfig.SourceConfig `yaml:"partitions"`
	History    HistoryConfig         `yaml:"history"`
	Logging    LoggingConfig         `yaml:"logging"`
	Run        RunConfig             `yaml:"run"`

	// path is the file the config was loaded from.
	path string
}

// MartConfig controls naming of the tables being built.
type MartConfig struct {
	TargetSchema string `yaml:"target_schema"`
	Case         string `yaml:"case"`        // asis, upper or lower
	TempPrefix   string `yaml:"temp_prefix"` // prefix of intermediate tables (default: TEMP)
}

// ModelConfig locates the model document.
type ModelConfig struct {
	Path string `yaml:"path"` // relative paths resolve against the config file
}

// OutputConfig selects the sink actions are delivered to.
type OutputConfig struct {
	Format  string `yaml:"format"`  // sql, json or exec (default: sql)
	Path    string `yaml:"path"`    // file for sql/json output; empty means stdout
	Dialect string `yaml:"dialect"` // SQL dialect (default: target type, else postgres)
}

// HistoryConfig controls the run history database.
type HistoryConfig struct {
	Enabled *bool  `yaml:"enabled"` // default: true
	Path    string `yaml:"path"`
}

// LoggingConfig sets the log level and format.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// RunConfig controls how datasets are compiled.
type RunConfig struct {
	DataSets []string `yaml:"datasets"` // default: every dataset in the model
	Parallel int      `yaml:"parallel"` // datasets compiled at once, each with its own job
}

// Load reads, expands, defaults and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	cfg.path = path
	cfg.resolvePaths(filepath.Dir(path))
	return cfg, nil
}

// Parse decodes a config document. ${VAR} references are replaced from the
// environment before decoding.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.resolveCredentials(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate re-checks the config, typically after command-line overrides.
func (c *Config) Validate() error { return c.validate() }

// Path returns the file the config was loaded from.
func (c *Config) Path() string { return c.path }

// HistoryEnabled reports whether runs are recorded.
func (c *Config) HistoryEnabled() bool {
	return c.History.Enabled == nil || *c.History.Enabled
}

// NameCase returns the parsed mart naming case.
func (c *Config) NameCase() compiler.NameCase {
	nc, _ := compiler.ParseNameCase(c.Mart.Case)
	return nc
}

// LogLevel returns the parsed log level.
func (c *Config) LogLevel() logging.Level {
	l, _ := logging.ParseLevel(c.Logging.Level)
	return l
}

func (c *Config) resolveCredentials() error {
	conns := []*dbconfig.Connection{&c.Target.Connection, &c.Partitions.Connection}
	var cfg *secrets.Config
	for _, conn := range conns {
		if conn.Credentials == "" {
			continue
		}
		if cfg == nil {
			var err error
			if cfg, err = secrets.Load(); err != nil {
				return fmt.Errorf("loading credentials %s: %w", conn.Credentials, err)
			}
		}
		creds, err := cfg.GetCredentials(conn.Credentials)
		if err != nil {
			return err
		}
		if conn.User == "" {
			conn.User = creds.User
		}
		if conn.Password == "" {
			conn.Password = creds.Password
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Mart.TempPrefix == "" {
		c.Mart.TempPrefix = "TEMP"
	}
	if c.Output.Format == "" {
		c.Output.Format = FormatSQL
	}
	c.Output.Format = strings.ToLower(c.Output.Format)
	if c.Target.IsSet() {
		c.Target.ApplyDefaults()
	}
	if c.Partitions.IsSet() {
		c.Partitions.ApplyDefaults()
	}
	if c.Output.Dialect == "" {
		if c.Target.IsSet() {
			c.Output.Dialect = c.Target.Type
		} else {
			c.Output.Dialect = "postgres"
		}
	}
	if c.History.Path == "" {
		c.History.Path = defaultHistoryPath()
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Run.Parallel == 0 {
		c.Run.Parallel = 1
	}
}

// defaultHistoryPath places the history database in the secrets data_dir
// when one is configured, else under ~/.martbuild.
func defaultHistoryPath() string {
	if sc, err := secrets.Load(); err == nil && sc.Defaults.DataDir != "" {
		return filepath.Join(expandHome(sc.Defaults.DataDir), "history.db")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(secrets.DefaultSecretsDir, "history.db")
	}
	return filepath.Join(home, secrets.DefaultSecretsDir, "history.db")
}

func (c *Config) resolvePaths(dir string) {
	c.Model.Path = resolve(dir, c.Model.Path)
	c.History.Path = resolve(dir, c.History.Path)
	if c.Output.Path != "" {
		c.Output.Path = resolve(dir, c.Output.Path)
	}
}

func resolve(dir, p string) string {
	p = expandHome(p)
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

func (c *Config) validate() error {
	var errs []error
	if c.Mart.TargetSchema == "" {
		errs = append(errs, errors.New("mart.target_schema is required"))
	}
	if _, err := compiler.ParseNameCase(c.Mart.Case); err != nil {
		errs = append(errs, fmt.Errorf("mart.case: %w", err))
	}
	if c.Model.Path == "" {
		errs = append(errs, errors.New("model.path is required"))
	}

	switch c.Output.Format {
	case FormatSQL, FormatJSON:
	case FormatExec:
		if !c.Target.IsSet() {
			errs = append(errs, errors.New("output format exec requires a target database"))
		} else if d := dialect.GetDialect(c.Output.Dialect); d != nil && d.DBType() != c.Target.Type {
			errs = append(errs, fmt.Errorf("output dialect %s does not match target type %s", d.DBType(), c.Target.Type))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown output format %q (valid: sql, json, exec)", c.Output.Format))
	}
	if dialect.GetDialect(c.Output.Dialect) == nil {
		errs = append(errs, fmt.Errorf("unknown dialect %q (valid: %s)", c.Output.Dialect, strings.Join(dialect.Names(), ", ")))
	}

	if c.Target.IsSet() {
		if err := c.Target.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("target: %w", err))
		}
	}
	if c.Partitions.IsSet() {
		if err := c.Partitions.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("partitions: %w", err))
		}
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	if f := strings.ToLower(c.Logging.Format); f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format))
	}
	if c.Run.Parallel < 1 {
		errs = append(errs, fmt.Errorf("run.parallel must be at least 1, got %d", c.Run.Parallel))
	}
	return errors.Join(errs...)
}
