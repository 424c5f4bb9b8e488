// Package db opens the embedded libsql database that backs history and
// transcript persistence.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	_ "github.com/tursodatabase/go-libsql"
)

// Options describes an embedded database file.
type Options struct {
	Path string
	// Pragmas become DSN query parameters. Nil selects defaultPragmas.
	Pragmas url.Values
	Logger  zerolog.Logger
}

func defaultPragmas() url.Values {
	return url.Values{
		"_foreign_keys": {"1"},
		"_journal_mode": {"WAL"},
		"_synchronous":  {"NORMAL"},
	}
}

// Connect opens the database file, creating it and its directory first.
// The returned handle has answered a round trip.
func Connect(ctx context.Context, opts Options) (*sql.DB, error) {
	logger := opts.Logger.With().Str("component", "db").Str("path", opts.Path).Logger()

	created, err := ensureFile(opts.Path)
	if err != nil {
		return nil, err
	}
	if created {
		logger.Info().Msg("created database file")
	}

	dsn := buildDSN(opts)
	logger.Debug().Str("dsn", dsn).Msg("opening embedded libsql")
	conn, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open libsql connection: %w", err)
	}
	if err := roundTrip(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func buildDSN(opts Options) string {
	pragmas := opts.Pragmas
	if pragmas == nil {
		pragmas = defaultPragmas()
	}
	if len(pragmas) == 0 {
		return "file:" + opts.Path
	}
	return "file:" + opts.Path + "?" + pragmas.Encode()
}

// ensureFile reports whether path had to be created.
func ensureFile(path string) (bool, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("could not create database directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	switch {
	case err == nil:
		return true, f.Close()
	case os.IsExist(err):
		return false, nil
	default:
		return false, fmt.Errorf("could not create database %s: %w", path, err)
	}
}

// roundTrip runs a trivial query; Ping alone does not reach the engine.
func roundTrip(ctx context.Context, conn *sql.DB) error {
	var one int
	if err := conn.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("database round trip failed: %w", err)
	}
	if one != 1 {
		return fmt.Errorf("database round trip failed: got %d", one)
	}
	return nil
}
