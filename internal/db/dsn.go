package db

import (
	"fmt"
	"net/url"
	"strings"
)

const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite"
)

// ParseDSN maps a DATABASE_URL to a database/sql driver name and data source.
// postgres:// and postgresql:// go to pgx; sqlite://path and file: URIs go
// to the pure-Go SQLite driver.
func ParseDSN(dsn string) (driver, source string, err error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return "", "", fmt.Errorf("empty DSN")
	}
	if strings.HasPrefix(dsn, "file:") {
		return DriverSQLite, dsn, nil
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "", "", err
	}
	switch u.Scheme {
	case "postgres", "postgresql":
		return DriverPostgres, dsn, nil
	case "sqlite", "sqlite3":
		src := strings.TrimPrefix(dsn, u.Scheme+"://")
		if src == "" {
			return "", "", fmt.Errorf("sqlite DSN without path: %q", dsn)
		}
		return DriverSQLite, src, nil
	}
	return "", "", fmt.Errorf("unsupported database scheme %q", u.Scheme)
}

// rebind rewrites ? placeholders to $n for drivers that need it.
func rebind(driver, q string) string {
	if driver != DriverPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
