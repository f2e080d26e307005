package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johndauphine/martbuild/internal/compiler"
	"github.com/johndauphine/martbuild/internal/logging"
	"github.com/johndauphine/martbuild/internal/secrets"
)

// isolate points HOME and the secrets file at a temp dir.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("MARTBUILD_SECRETS_FILE", filepath.Join(dir, "missing-secrets.yaml"))
	secrets.Reset()
	t.Cleanup(secrets.Reset)
	return dir
}

func writeSecrets(t *testing.T, dir, content string) {
	t.Helper()
	path := filepath.Join(dir, "secrets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	t.Setenv("MARTBUILD_SECRETS_FILE", path)
	secrets.Reset()
}

const minimal = `
mart:
  target_schema: mart
model:
  path: gene.yaml
`

func TestParseDefaults(t *testing.T) {
	home := isolate(t)

	cfg, err := Parse([]byte(minimal))
	require.NoError(t, err)

	assert.Equal(t, "TEMP", cfg.Mart.TempPrefix)
	assert.Equal(t, compiler.CaseAsIs, cfg.NameCase())
	assert.Equal(t, FormatSQL, cfg.Output.Format)
	assert.Equal(t, "postgres", cfg.Output.Dialect)
	assert.Equal(t, filepath.Join(home, ".martbuild", "history.db"), cfg.History.Path)
	assert.True(t, cfg.HistoryEnabled())
	assert.Equal(t, logging.LevelInfo, cfg.LogLevel())
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, 1, cfg.Run.Parallel)
	assert.False(t, cfg.Target.IsSet())
}

func TestParseTargetDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Parse([]byte(minimal + `
output:
  format: EXEC
target:
  type: sqlserver
  host: db1
  database: mart
history:
  enabled: false
`))
	require.NoError(t, err)

	assert.Equal(t, FormatExec, cfg.Output.Format)
	assert.Equal(t, "mssql", cfg.Target.Type)
	assert.Equal(t, 1433, cfg.Target.Port)
	assert.Equal(t, "mssql", cfg.Output.Dialect)
	assert.False(t, cfg.HistoryEnabled())
}

func TestParseExpandsEnvironment(t *testing.T) {
	isolate(t)
	t.Setenv("MART_SCHEMA", "gene_mart")
	t.Setenv("MART_DB_PASSWORD", "s3cret")

	cfg, err := Parse([]byte(`
mart:
  target_schema: ${MART_SCHEMA}
model:
  path: gene.yaml
target:
  type: postgres
  host: localhost
  database: mart
  password: ${MART_DB_PASSWORD}
`))
	require.NoError(t, err)
	assert.Equal(t, "gene_mart", cfg.Mart.TargetSchema)
	assert.Equal(t, "s3cret", cfg.Target.Password)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	isolate(t)

	_, err := Parse([]byte(minimal + "colour: blue\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "field colour not found")
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		extra   string
		doc     string
		wantErr string
	}{
		{
			name:  "upper case names",
			extra: "logging: {level: debug, format: json}\n",
			doc:   "mart: {target_schema: mart, case: upper}\nmodel: {path: m.yaml}\n",
		},
		{
			name:    "missing target schema",
			doc:     "model: {path: m.yaml}\n",
			wantErr: "mart.target_schema is required",
		},
		{
			name:    "missing model",
			doc:     "mart: {target_schema: mart}\n",
			wantErr: "model.path is required",
		},
		{
			name:    "unknown name case",
			doc:     "mart: {target_schema: mart, case: title}\nmodel: {path: m.yaml}\n",
			wantErr: `unknown name case "title"`,
		},
		{
			name:    "unknown format",
			extra:   "output: {format: csv}\n",
			wantErr: `unknown output format "csv"`,
		},
		{
			name:    "exec without target",
			extra:   "output: {format: exec}\n",
			wantErr: "output format exec requires a target database",
		},
		{
			name:    "exec with mismatched dialect",
			extra:   "output: {format: exec, dialect: mysql}\ntarget: {type: sqlite, database: mart.db}\n",
			wantErr: "output dialect mysql does not match target type sqlite",
		},
		{
			name:  "exec on sqlite",
			extra: "output: {format: exec}\ntarget: {type: sqlite3, database: mart.db}\n",
		},
		{
			name:    "unknown dialect",
			extra:   "output: {dialect: oracle}\n",
			wantErr: `unknown dialect "oracle"`,
		},
		{
			name:    "target without host",
			extra:   "target: {type: postgres, database: mart}\n",
			wantErr: "target: host is required",
		},
		{
			name:    "partitions unsupported type",
			extra:   "partitions: {type: db2, host: h, database: d}\n",
			wantErr: `partitions: unsupported database type "db2"`,
		},
		{
			name:    "bad log level",
			extra:   "logging: {level: loud}\n",
			wantErr: `logging.level: invalid log level "loud"`,
		},
		{
			name:    "bad log format",
			extra:   "logging: {format: xml}\n",
			wantErr: "logging.format must be text or json",
		},
		{
			name:    "negative parallelism",
			extra:   "run: {parallel: -2}\n",
			wantErr: "run.parallel must be at least 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			doc := tt.doc
			if doc == "" {
				doc = minimal
			}
			_, err := Parse([]byte(doc + tt.extra))
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidationReportsEveryProblem(t *testing.T) {
	isolate(t)

	_, err := Parse([]byte("output: {format: csv}\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mart.target_schema is required")
	assert.Contains(t, err.Error(), "model.path is required")
	assert.Contains(t, err.Error(), `unknown output format "csv"`)
}

func TestLoadResolvesPaths(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "martbuild.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimal+`
output:
  path: out/mart.sql
history:
  path: /var/lib/martbuild/history.db
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.Path())
	assert.Equal(t, filepath.Join(dir, "gene.yaml"), cfg.Model.Path)
	assert.Equal(t, filepath.Join(dir, "out", "mart.sql"), cfg.Output.Path)
	assert.Equal(t, "/var/lib/martbuild/history.db", cfg.History.Path)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestCredentialsFromSecrets(t *testing.T) {
	dir := isolate(t)
	writeSecrets(t, dir, `
databases:
  warehouse:
    user: mart_builder
    password: "p@ss"
defaults:
  data_dir: /srv/martbuild
`)

	cfg, err := Parse([]byte(minimal + `
target:
  type: postgres
  host: db
  database: mart
  credentials: warehouse
partitions:
  type: postgres
  host: db
  database: ens
  user: reader
  credentials: warehouse
`))
	require.NoError(t, err)

	assert.Equal(t, "mart_builder", cfg.Target.User)
	assert.Equal(t, "p@ss", cfg.Target.Password)
	assert.Equal(t, "reader", cfg.Partitions.User, "explicit user wins")
	assert.Equal(t, "p@ss", cfg.Partitions.Password)
	assert.Equal(t, filepath.Join("/srv/martbuild", "history.db"), cfg.History.Path)
}

func TestCredentialsErrors(t *testing.T) {
	t.Run("no secrets file", func(t *testing.T) {
		isolate(t)
		_, err := Parse([]byte(minimal + "target: {type: sqlite, database: m.db, credentials: warehouse}\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "secrets file not found")
	})

	t.Run("unknown entry", func(t *testing.T) {
		dir := isolate(t)
		writeSecrets(t, dir, "databases:\n  other:\n    user: u\n")
		_, err := Parse([]byte(minimal + "target: {type: sqlite, database: m.db, credentials: warehouse}\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), `credentials "warehouse" not found`)
	})
}
