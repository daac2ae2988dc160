// Command migrate manages the argos sqlite schema out of band. The
// argos binary applies pending migrations automatically on startup;
// this tool exists for rollbacks and for inspecting migration state.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"argos/migrations"
)

var commands = map[string]func(*sql.DB) error{
	"up":      func(db *sql.DB) error { return goose.Up(db, ".") },
	"up-one":  func(db *sql.DB) error { return goose.UpByOne(db, ".") },
	"down":    func(db *sql.DB) error { return goose.Down(db, ".") },
	"redo":    func(db *sql.DB) error { return goose.Redo(db, ".") },
	"status":  func(db *sql.DB) error { return goose.Status(db, ".") },
	"version": func(db *sql.DB) error { return goose.Version(db, ".") },
	"reset":   func(db *sql.DB) error { return goose.Reset(db, ".") },
}

func main() {
	dbPath := flag.String("db", envOr("DATABASE_PATH", "./data/argos.db"), "sqlite database file")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}
	cmd := flag.Arg(0)
	run, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(os.Stderr, "migrate: unknown command %q\n\n", cmd)
		usage()
		os.Exit(2)
	}

	db, err := sql.Open("sqlite", *dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "migrate: open %s: %v\n", *dbPath, err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: set dialect: %v\n", err)
		os.Exit(1)
	}

	if err := run(db); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: migrate [-db path] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  up       Apply all pending migrations")
	fmt.Fprintln(os.Stderr, "  up-one   Apply the next pending migration")
	fmt.Fprintln(os.Stderr, "  down     Roll back the most recent migration")
	fmt.Fprintln(os.Stderr, "  redo     Roll back and re-apply the most recent migration")
	fmt.Fprintln(os.Stderr, "  status   Show applied and pending migrations")
	fmt.Fprintln(os.Stderr, "  version  Show the current schema version")
	fmt.Fprintln(os.Stderr, "  reset    Roll back everything")
	fmt.Fprintln(os.Stderr, "")
	flag.PrintDefaults()
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
