package main

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"fedlist/migrations"
)

var dbPath string

func main() {
	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Manage the fedlist SQLite schema",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dbPath, "db", envOrDefault("FEDLIST_DB", filepath.Join("data", "fedlist.db")), "path to sqlite database")

	for _, c := range []struct {
		use, short string
		run        func(db *sql.DB) error
	}{
		{"up", "Migrate to the latest version", func(db *sql.DB) error { return goose.Up(db, ".") }},
		{"up-one", "Migrate one version up", func(db *sql.DB) error { return goose.UpByOne(db, ".") }},
		{"down", "Roll back one version", func(db *sql.DB) error { return goose.Down(db, ".") }},
		{"status", "Show migration status", func(db *sql.DB) error { return goose.Status(db, ".") }},
		{"version", "Show current version", func(db *sql.DB) error { return goose.Version(db, ".") }},
		{"reset", "Roll back all migrations", func(db *sql.DB) error { return goose.Reset(db, ".") }},
	} {
		run := c.run
		root.AddCommand(&cobra.Command{
			Use:   c.use,
			Short: c.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withDB(run)
			},
		})
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func withDB(fn func(db *sql.DB) error) error {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	return fn(db)
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
