package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// PostgresDSN returns the key=value connection string pgx expects.
// The password is single-quoted so spaces, equals signs, and quotes in
// it survive DSN parsing.
func (c *Config) PostgresDSN() string {
	pairs := []string{
		"host=" + c.PostgresHost,
		"port=" + strconv.Itoa(c.PostgresPort),
		"user=" + c.PostgresUser,
		"password=" + quoteDSN(c.PostgresPassword),
		"dbname=" + c.PostgresDBName,
		"sslmode=" + c.PostgresSSLMode,
	}
	return strings.Join(pairs, " ")
}

// quoteDSN single-quotes a DSN value, escaping backslashes and single
// quotes inside it.
func quoteDSN(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	return "'" + s + "'"
}

// MigrateURL returns the postgres:// URL golang-migrate expects.
// url.URL takes care of percent-encoding the credentials.
func (c *Config) MigrateURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.PostgresUser, c.PostgresPassword),
		Host:     c.PostgresHost + ":" + strconv.Itoa(c.PostgresPort),
		Path:     c.PostgresDBName,
		RawQuery: "sslmode=" + c.PostgresSSLMode,
	}
	return u.String()
}

// applyDatabaseURL folds a DATABASE_URL environment variable into the
// postgres settings. Cloud platforms hand out a single URL; when it is
// set, its components override the individual postgres_* values, and
// components it omits keep theirs.
func (c *Config) applyDatabaseURL() error {
	raw := os.Getenv("DATABASE_URL")
	if raw == "" {
		return nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return fmt.Errorf("DATABASE_URL must be a postgres:// URL, got scheme %q", u.Scheme)
	}

	if host := u.Hostname(); host != "" {
		c.PostgresHost = host
	}
	if ps := u.Port(); ps != "" {
		port, err := strconv.Atoi(ps)
		if err != nil {
			return fmt.Errorf("invalid port in DATABASE_URL: %w", err)
		}
		c.PostgresPort = port
	}
	if u.User != nil {
		if name := u.User.Username(); name != "" {
			c.PostgresUser = name
		}
		if pw, ok := u.User.Password(); ok {
			c.PostgresPassword = pw
		}
	}
	if u.Path != "" {
		c.PostgresDBName = strings.TrimPrefix(u.Path, "/")
	}
	if mode := u.Query().Get("sslmode"); mode != "" {
		c.PostgresSSLMode = mode
	}
	return nil
}
