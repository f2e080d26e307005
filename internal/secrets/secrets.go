// Package secrets loads database credentials kept outside of project
// configuration files.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultSecretsDir is the default directory for secrets
	DefaultSecretsDir = ".martbuild"
	// DefaultSecretsFile is the default filename for secrets
	DefaultSecretsFile = "secrets.yaml"
	// SecretsFileEnvVar allows overriding the secrets file location
	SecretsFileEnvVar = "MARTBUILD_SECRETS_FILE"
	// SecureDirMode is the permission mode for the secrets directory
	SecureDirMode = 0700
	// SecureFileMode is the permission mode for the secrets file
	SecureFileMode = 0600
)

// Config represents the complete secrets configuration
type Config struct {
	Databases map[string]*Credentials `yaml:"databases"`
	Defaults  Defaults                `yaml:"defaults"`
}

// Credentials authenticate against one database.
type Credentials struct {
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// Defaults holds machine-wide settings that project configs may override.
type Defaults struct {
	DataDir string `yaml:"data_dir,omitempty"` // Directory for the run history database
}

var (
	globalConfig *Config
	configOnce   sync.Once
	configErr    error
)

// Load loads the secrets configuration from the default or override location.
// It caches the result and returns the same config on subsequent calls.
func Load() (*Config, error) {
	configOnce.Do(func() {
		globalConfig, configErr = loadFromFile()
	})
	return globalConfig, configErr
}

// Reset clears the cached config (useful for testing)
func Reset() {
	configOnce = sync.Once{}
	globalConfig = nil
	configErr = nil
}

// GetSecretsPath returns the path to the secrets file
func GetSecretsPath() string {
	if envPath := os.Getenv(SecretsFileEnvVar); envPath != "" {
		return envPath
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", DefaultSecretsDir, DefaultSecretsFile)
	}
	return filepath.Join(homeDir, DefaultSecretsDir, DefaultSecretsFile)
}

// WriteTemplate creates the secrets file with the template content. It never
// overwrites an existing file.
func WriteTemplate() (string, error) {
	path := GetSecretsPath()
	if err := os.MkdirAll(filepath.Dir(path), SecureDirMode); err != nil {
		return "", fmt.Errorf("creating secrets directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, SecureFileMode)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("secrets file %s already exists", path)
		}
		return "", fmt.Errorf("creating secrets file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(GenerateTemplate()); err != nil {
		return "", fmt.Errorf("writing secrets file: %w", err)
	}
	return path, nil
}

func loadFromFile() (*Config, error) {
	path := GetSecretsPath()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &SecretsNotFoundError{Path: path}
		}
		return nil, fmt.Errorf("reading secrets file: %w", err)
	}

	// Reject files other users can read.
	info, err := os.Stat(path)
	if err == nil {
		mode := info.Mode().Perm()
		if mode&0077 != 0 {
			return nil, fmt.Errorf("secrets file %s has insecure permissions (%04o). "+
				"Other users can read your database passwords. Run: chmod 600 %s", path, mode, path)
		}
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	for _, name := range c.Names() {
		creds := c.Databases[name]
		if creds == nil || creds.User == "" {
			return fmt.Errorf("database credentials %q require a user", name)
		}
	}
	return nil
}

// Names returns the credential entry names in sorted order.
func (c *Config) Names() []string {
	names := make([]string, 0, len(c.Databases))
	for n := range c.Databases {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// GetCredentials returns a named credential entry
func (c *Config) GetCredentials(name string) (*Credentials, error) {
	creds, ok := c.Databases[name]
	if !ok {
		return nil, fmt.Errorf("credentials %q not found in %s", name, GetSecretsPath())
	}
	return creds, nil
}

// SecretsNotFoundError is returned when the secrets file doesn't exist
type SecretsNotFoundError struct {
	Path string
}

func (e *SecretsNotFoundError) Error() string {
	return fmt.Sprintf(`secrets file not found: %s

To create a secrets file, run:
  martbuild init-secrets

Or create %s manually with:

databases:
  warehouse:
    user: "mart_builder"
    password: "your-password"
`, e.Path, e.Path)
}

// GenerateTemplate returns a template secrets file content
func GenerateTemplate() string {
	return `# martbuild secrets
# This file contains database passwords and should not be committed to version control.
# Permissions should be restricted: chmod 600 ~/.martbuild/secrets.yaml

databases:
  # Referenced from a config file with "credentials: warehouse"
  warehouse:
    user: ""
    password: ""

defaults:
  # data_dir: ~/.martbuild    # Where the run history database lives
`
}
