// Package main applies the schema migrations. It wraps golang-migrate:
// migrations live in the migrations directory as NNN_name.{up,down}.sql
// pairs and the applied version is tracked in schema_migrations.
//
// Commands: up [N], down N, version, force V. Force rewrites the
// recorded version without running SQL and exists to recover a dirty
// state after a failed migration.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const connectTimeout = 5 * time.Minute

func main() {
	var (
		dbHost     = flag.String("db-host", getEnv("DB_HOST", "localhost"), "Database host")
		dbPort     = flag.String("db-port", getEnv("DB_PORT", "5432"), "Database port")
		dbUser     = flag.String("db-user", getEnv("DB_USER", "postgres"), "Database user")
		dbPassword = flag.String("db-password", getEnv("DB_PASSWORD", ""), "Database password")
		dbName     = flag.String("db-name", getEnv("DB_NAME", "sentinel"), "Database name")
		dbSSLMode  = flag.String("db-sslmode", getEnv("DB_SSLMODE", "disable"), "Database SSL mode")
		migrPath   = flag.String("path", getEnv("MIGRATIONS_PATH", "migrations"), "Path to migrations directory")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <up [N] | down N | version | force V>\n\nOptions:\n", os.Args[0])
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEach option also reads its DB_* / MIGRATIONS_PATH environment variable.\n")
	}
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		os.Exit(1)
	}

	dbURL := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		*dbUser, *dbPassword, *dbHost, *dbPort, *dbName, *dbSSLMode)

	m, err := newMigrate(dbURL, *migrPath)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	defer m.Close()

	if err := run(m, args[0], args[1:]); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func run(m *migrate.Migrate, cmd string, args []string) error {
	switch cmd {
	case "up":
		from, _, _ := m.Version()
		var err error
		if len(args) > 0 {
			steps, perr := strconv.Atoi(args[0])
			if perr != nil {
				return fmt.Errorf("invalid step count %q", args[0])
			}
			err = m.Steps(steps)
		} else {
			err = m.Up()
		}
		return report(m, from, err)
	case "down":
		// Down always takes an explicit step count. An unqualified full
		// rollback is too easy to run against the wrong database.
		if len(args) < 1 {
			return fmt.Errorf("down requires a step count")
		}
		steps, perr := strconv.Atoi(args[0])
		if perr != nil {
			return fmt.Errorf("invalid step count %q", args[0])
		}
		from, _, _ := m.Version()
		return report(m, from, m.Steps(-steps))
	case "version":
		version, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			log.Println("No migrations applied yet")
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading version: %w", err)
		}
		suffix := ""
		if dirty {
			suffix = " (dirty)"
		}
		log.Printf("Current migration version: %d%s", version, suffix)
		return nil
	case "force":
		if len(args) < 1 {
			return fmt.Errorf("force requires a version number")
		}
		version, perr := strconv.Atoi(args[0])
		if perr != nil {
			return fmt.Errorf("invalid version %q", args[0])
		}
		if err := m.Force(version); err != nil {
			return fmt.Errorf("force failed: %w", err)
		}
		log.Printf("Version forced to %d, no SQL was run", version)
		return nil
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func report(m *migrate.Migrate, from uint, err error) error {
	if errors.Is(err, migrate.ErrNoChange) {
		log.Println("No change")
		return nil
	}
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	to, _, _ := m.Version()
	log.Printf("Migrated: %d -> %d", from, to)
	return nil
}

func newMigrate(dbURL, path string) (*migrate.Migrate, error) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	db, err := sql.Open("pgx", dbURL)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{
		MigrationsTable: "schema_migrations",
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating driver: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving migrations path: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+abs, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("creating migrate instance: %w", err)
	}
	m.LockTimeout = connectTimeout
	return m, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
