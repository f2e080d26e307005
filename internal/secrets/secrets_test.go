package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func useSecretsFile(t *testing.T, content string, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "secrets.yaml")
	if content != "" {
		require.NoError(t, os.WriteFile(path, []byte(content), mode))
	}
	t.Setenv(SecretsFileEnvVar, path)
	Reset()
	t.Cleanup(Reset)
	return path
}

func TestLoadSecretsFile(t *testing.T) {
	useSecretsFile(t, `
databases:
  warehouse:
    user: mart
    password: "p@ss:word"
defaults:
  data_dir: /var/lib/martbuild
`, 0600)

	config, err := Load()
	require.NoError(t, err)

	creds, err := config.GetCredentials("warehouse")
	require.NoError(t, err)
	assert.Equal(t, "mart", creds.User)
	assert.Equal(t, "p@ss:word", creds.Password)
	assert.Equal(t, "/var/lib/martbuild", config.Defaults.DataDir)

	_, err = config.GetCredentials("missing")
	assert.ErrorContains(t, err, `credentials "missing" not found`)

	again, err := Load()
	require.NoError(t, err)
	assert.Same(t, config, again)
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
		mode    os.FileMode
		wantErr string
	}{
		{
			name:    "insecure permissions",
			content: "databases: {}\n",
			mode:    0644,
			wantErr: "insecure permissions",
		},
		{
			name:    "missing user",
			content: "databases:\n  warehouse:\n    password: x\n",
			mode:    0600,
			wantErr: `"warehouse" require a user`,
		},
		{
			name:    "bad yaml",
			content: "databases: [\n",
			mode:    0600,
			wantErr: "parsing secrets file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			useSecretsFile(t, tt.content, tt.mode)
			_, err := Load()
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestSecretsNotFoundError(t *testing.T) {
	useSecretsFile(t, "", 0)

	_, err := Load()
	var notFound *SecretsNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Contains(t, err.Error(), "martbuild init-secrets")
}

func TestWriteTemplate(t *testing.T) {
	path := useSecretsFile(t, "", 0)

	got, err := WriteTemplate()
	require.NoError(t, err)
	assert.Equal(t, path, got)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(SecureFileMode), info.Mode().Perm())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, GenerateTemplate(), string(data))

	_, err = WriteTemplate()
	assert.ErrorContains(t, err, "already exists")
}

func TestGenerateTemplateLoads(t *testing.T) {
	useSecretsFile(t, GenerateTemplate(), 0600)
	// The template ships with an empty user, which must be filled in before use.
	_, err := Load()
	assert.ErrorContains(t, err, "require a user")
}

func TestGetSecretsPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	t.Run("default lives beside the run history", func(t *testing.T) {
		t.Setenv(SecretsFileEnvVar, "")
		assert.Equal(t, filepath.Join(home, ".martbuild", "secrets.yaml"), GetSecretsPath())
	})

	t.Run("environment override", func(t *testing.T) {
		t.Setenv(SecretsFileEnvVar, "/etc/martbuild/secrets.yaml")
		assert.Equal(t, "/etc/martbuild/secrets.yaml", GetSecretsPath())
	})
}
