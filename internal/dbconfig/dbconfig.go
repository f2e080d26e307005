// Package dbconfig provides database connection settings shared by the
// config package and the commands that open databases: the executor target
// and the source of SQL partition tables.
package dbconfig

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx"
	_ "github.com/microsoft/go-mssqldb"
	_ "modernc.org/sqlite"
)

// Connection holds the settings needed to connect to one database.
type Connection struct {
	Type            string `yaml:"type"` // "postgres", "mssql" or "sqlite"
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Database        string `yaml:"database"` // file path for sqlite
	User            string `yaml:"user"`
	Password        string `yaml:"password"`
	Schema          string `yaml:"schema"`
	SSLMode         string `yaml:"ssl_mode"`          // PostgreSQL: disable, require, verify-ca, verify-full (default: require)
	TrustServerCert bool   `yaml:"trust_server_cert"` // MSSQL: trust server certificate (default: false)
	Encrypt         *bool  `yaml:"encrypt"`           // MSSQL: enable TLS encryption (default: true)
	PacketSize      int    `yaml:"packet_size"`       // MSSQL: TDS packet size in bytes (default: 32767, max: 32767)
	MaxConns        int    `yaml:"max_conns"`
	// Kerberos authentication (alternative to user/password)
	Auth       string `yaml:"auth"`       // "password" (default) or "kerberos"
	Krb5Conf   string `yaml:"krb5_conf"`  // Path to krb5.conf (optional, uses system default)
	Keytab     string `yaml:"keytab"`     // Path to keytab file (optional, uses credential cache)
	Realm      string `yaml:"realm"`      // Kerberos realm (optional, auto-detected)
	SPN        string `yaml:"spn"`        // Service Principal Name for MSSQL (optional)
	GSSEncMode string `yaml:"gssencmode"` // PostgreSQL GSSAPI encryption: disable, prefer, require (default: prefer)
	// Credentials names an entry of the secrets file supplying user and password.
	Credentials string `yaml:"credentials"`
}

// SourceConfig is the database SQL partition tables are read from.
type SourceConfig struct {
	Connection `yaml:",inline"`
}

// TargetConfig is the database the executor builds the mart in.
type TargetConfig struct {
	Connection `yaml:",inline"`
}

// IsSet reports whether any connection was configured.
func (c *Connection) IsSet() bool {
	return c.Type != "" || c.Host != "" || c.Database != ""
}

// CanonicalType maps type aliases onto postgres, mssql or sqlite.
func (c *Connection) CanonicalType() string {
	switch strings.ToLower(c.Type) {
	case "postgres", "postgresql", "pg":
		return "postgres"
	case "mssql", "sqlserver":
		return "mssql"
	case "sqlite", "sqlite3":
		return "sqlite"
	}
	return strings.ToLower(c.Type)
}

// ApplyDefaults fills in ports and connection limits.
func (c *Connection) ApplyDefaults() {
	c.Type = c.CanonicalType()
	if c.Port == 0 {
		switch c.Type {
		case "postgres":
			c.Port = 5432
		case "mssql":
			c.Port = 1433
		}
	}
	if c.MaxConns == 0 {
		c.MaxConns = 4
	}
}

// Validate checks that the connection can be opened.
func (c *Connection) Validate() error {
	switch c.CanonicalType() {
	case "postgres", "mssql":
		if c.Host == "" {
			return errors.New("host is required")
		}
		if c.Database == "" {
			return errors.New("database is required")
		}
		if c.Auth != "" && c.Auth != "password" && c.Auth != "kerberos" {
			return fmt.Errorf("unknown auth %q", c.Auth)
		}
	case "sqlite":
		if c.Database == "" {
			return errors.New("database (file path) is required")
		}
	default:
		return fmt.Errorf("unsupported database type %q", c.Type)
	}
	return nil
}

// DriverName returns the database/sql driver for the connection.
func (c *Connection) DriverName() string {
	switch c.CanonicalType() {
	case "postgres":
		return "pgx"
	case "mssql":
		return "sqlserver"
	default:
		return "sqlite"
	}
}

// DSN builds the driver connection string.
func (c *Connection) DSN() string {
	switch c.CanonicalType() {
	case "postgres":
		return buildPostgresDSN(c.Host, c.Port, c.Database, c.User, c.Password, c.SSLMode, c.Auth, c.GSSEncMode)
	case "mssql":
		encrypt := "true"
		if c.Encrypt != nil && !*c.Encrypt {
			encrypt = "false"
		}
		return buildMSSQLDSN(c.Host, c.Port, c.Database, c.User, c.Password, encrypt, c.TrustServerCert,
			c.PacketSize, c.Auth, c.Krb5Conf, c.Keytab, c.Realm, c.SPN)
	default:
		return c.Database
	}
}

// DSNOptions returns the driver options set on the connection.
func (c *Connection) DSNOptions() map[string]any {
	opts := make(map[string]any)
	if c.SSLMode != "" {
		opts["sslmode"] = c.SSLMode
	}
	if c.Encrypt != nil {
		opts["encrypt"] = *c.Encrypt
	}
	if c.TrustServerCert {
		opts["trustServerCertificate"] = true
	}
	if c.PacketSize > 0 {
		opts["packetSize"] = c.PacketSize
	}
	return opts
}

// Open opens and pings the database.
func (c *Connection) Open(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open(c.DriverName(), c.DSN())
	if err != nil {
		return nil, fmt.Errorf("opening connection: %w", err)
	}
	if c.MaxConns > 0 {
		db.SetMaxOpenConns(c.MaxConns)
		db.SetMaxIdleConns(max(c.MaxConns/4, 1))
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return db, nil
}

func buildPostgresDSN(host string, port int, database, user, password, sslMode, auth, gssEncMode string) string {
	if sslMode == "" {
		sslMode = "require"
	}
	params := url.Values{}
	params.Set("sslmode", sslMode)

	userinfo := url.QueryEscape(user)
	if auth == "kerberos" {
		if gssEncMode == "" {
			gssEncMode = "prefer"
		}
		params.Set("gssencmode", gssEncMode)
	} else {
		userinfo += ":" + url.QueryEscape(password)
	}
	return fmt.Sprintf("postgres://%s@%s:%d/%s?%s", userinfo, host, port, url.PathEscape(database), params.Encode())
}

func buildMSSQLDSN(host string, port int, database, user, password, encrypt string, trustCert bool,
	packetSize int, auth, krb5Conf, keytab, realm, spn string) string {
	params := url.Values{}
	params.Set("database", database)
	params.Set("encrypt", encrypt)
	if trustCert {
		params.Set("TrustServerCertificate", "true")
	}
	if packetSize > 0 {
		params.Set("packet size", fmt.Sprint(min(packetSize, 32767)))
	}

	if auth == "kerberos" {
		params.Set("authenticator", "krb5")
		params.Set("krb5-username", user)
		if krb5Conf != "" {
			params.Set("krb5-configfile", krb5Conf)
		}
		if keytab != "" {
			params.Set("krb5-keytabfile", keytab)
		}
		if realm != "" {
			params.Set("krb5-realm", realm)
		}
		if spn != "" {
			params.Set("ServerSPN", spn)
		}
		return fmt.Sprintf("sqlserver://%s:%d?%s", host, port, params.Encode())
	}
	return fmt.Sprintf("sqlserver://%s:%s@%s:%d?%s",
		url.QueryEscape(user), url.QueryEscape(password), host, port, params.Encode())
}

// Placeholder returns the bind parameter marker for the n-th (1-based) argument.
func (c *Connection) Placeholder(n int) string {
	switch c.CanonicalType() {
	case "postgres":
		return fmt.Sprintf("$%d", n)
	case "mssql":
		return fmt.Sprintf("@p%d", n)
	}
	return "?"
}
