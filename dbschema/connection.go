// Package dbschema provides the database connection used by the tenant
// isolation subsystem and its read-only catalog introspection.
package dbschema

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver

	"github.com/go-warden/warden/dbschema/postgres"
)

// DatabaseConnection wraps a pooled *sql.DB together with the schema it
// introspects. Only PostgreSQL is supported: row-level security is a
// PostgreSQL feature and the whole subsystem is inert without it.
type DatabaseConnection struct {
	db     *sql.DB
	url    string
	schema string
}

// ConnectToDatabase opens a pooled connection to the given PostgreSQL URL.
//
// pgx pool parameters (pool_max_conns, pool_min_conns) are understood for
// compatibility with pgxpool-style URLs: they are stripped before the URL is
// handed to database/sql and pool_max_conns is applied to the pool instead.
func ConnectToDatabase(ctx context.Context, dbURL string) (*DatabaseConnection, error) {
	parsed, err := url.Parse(dbURL)
	if err != nil {
		return nil, fmt.Errorf("invalid database URL: %w", err)
	}

	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql", "pgx":
	default:
		return nil, fmt.Errorf("unsupported database scheme %q: row-level security requires PostgreSQL", parsed.Scheme)
	}

	cleaned, maxConns := extractPoolParams(dbURL)

	db, err := sql.Open("pgx", cleaned)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	schema := parsed.Query().Get("search_path")
	if schema == "" {
		schema = "public"
	}

	return &DatabaseConnection{
		db:     db,
		url:    dbURL,
		schema: schema,
	}, nil
}

// DB exposes the underlying pool for the session guard, which needs to pin
// individual connections.
func (c *DatabaseConnection) DB() *sql.DB {
	return c.db
}

// Schema returns the schema name introspection queries run against.
func (c *DatabaseConnection) Schema() string {
	return c.schema
}

// Reader returns a read-only RLS catalog reader bound to this connection.
func (c *DatabaseConnection) Reader() *postgres.Reader {
	return postgres.NewReader(c.db, c.schema)
}

// Close closes the underlying pool.
func (c *DatabaseConnection) Close() error {
	return c.db.Close()
}

// extractPoolParams removes pgxpool-specific query parameters from a database
// URL and returns the cleaned URL together with the pool_max_conns value, if
// any. database/sql rejects unknown parameters, so they cannot be passed
// through.
func extractPoolParams(dbURL string) (cleaned string, maxConns int) {
	parsed, err := url.Parse(dbURL)
	if err != nil {
		return dbURL, 0
	}

	query := parsed.Query()
	if v := query.Get("pool_max_conns"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			maxConns = n
		}
	}
	query.Del("pool_max_conns")
	query.Del("pool_min_conns")
	parsed.RawQuery = query.Encode()

	return parsed.String(), maxConns
}
