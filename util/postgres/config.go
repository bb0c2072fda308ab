package postgres

import (
	"errors"
	"fmt"
	"strings"
)

const (
	defaultPort    = 5432
	defaultSSLMode = "disable"
)

var sslModes = map[string]bool{
	"disable":     true,
	"allow":       true,
	"prefer":      true,
	"require":     true,
	"verify-ca":   true,
	"verify-full": true,
}

// Config locates the database holding the shard mapping history
type Config struct {
	Host     string
	Port     int // 5432 when zero
	User     string
	Password string
	Database string
	SSLMode  string // "disable" when empty
}

// DefaultConfig points at a local rcuvar database
func DefaultConfig() *Config {
	return &Config{
		Host:     "localhost",
		Port:     defaultPort,
		User:     "rcuvar",
		Password: "rcuvar",
		Database: "rcuvar",
		SSLMode:  defaultSSLMode,
	}
}

// Validate fills the port and sslmode defaults and reports every missing or
// malformed field at once.
func (c *Config) Validate() error {
	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.SSLMode == "" {
		c.SSLMode = defaultSSLMode
	}

	var errs []error
	if c.Host == "" {
		errs = append(errs, errors.New("host is required"))
	}
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.User == "" {
		errs = append(errs, errors.New("user is required"))
	}
	if c.Database == "" {
		errs = append(errs, errors.New("database is required"))
	}
	if !sslModes[c.SSLMode] {
		errs = append(errs, fmt.Errorf("unknown sslmode %q", c.SSLMode))
	}
	return errors.Join(errs...)
}

// ConnectionString renders the config as libpq key=value pairs. The password
// is left out when empty so that lib/pq falls back to PGPASSWORD or .pgpass.
func (c *Config) ConnectionString() string {
	pairs := []string{
		"host=" + quoteValue(c.Host),
		fmt.Sprintf("port=%d", c.Port),
		"user=" + quoteValue(c.User),
	}
	if c.Password != "" {
		pairs = append(pairs, "password="+quoteValue(c.Password))
	}
	pairs = append(pairs,
		"dbname="+quoteValue(c.Database),
		"sslmode="+quoteValue(c.SSLMode),
	)
	return strings.Join(pairs, " ")
}

// String returns the connection target without the password, for logs
func (c *Config) String() string {
	return fmt.Sprintf("postgres://%s@%s:%d/%s?sslmode=%s", c.User, c.Host, c.Port, c.Database, c.SSLMode)
}

func quoteValue(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}
