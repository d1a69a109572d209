// Command migrate applies riskgate's goose migrations to the database named
// by DATABASE_URL (read through the same .env-aware config as the server).
//
// Usage:
//
//	migrate [-dir migrations] up            apply pending migrations
//	migrate [-dir migrations] down          roll back the last migration
//	migrate [-dir migrations] status        list applied and pending files
//	migrate [-dir migrations] version       print the schema version
//	migrate [-dir migrations] redo          roll back and re-apply the last one
//	migrate [-dir migrations] up-to 2       apply up to a version
//	migrate [-dir migrations] down-to 1     roll back to a version
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/mbd888/riskgate/internal/config"
	"github.com/mbd888/riskgate/internal/logging"
)

const defaultMigrationsDir = "migrations"

var errUsage = errors.New("usage")

// commands maps each goose command to whether it takes a version argument.
var commands = map[string]bool{
	"up": false, "down": false, "status": false, "version": false, "redo": false,
	"up-to": true, "down-to": true,
}

type invocation struct {
	dir     string
	command string
	args    []string
}

func parseArgs(args []string, out io.Writer) (invocation, error) {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(out)
	dir := fs.String("dir", envOr("MIGRATIONS_DIR", defaultMigrationsDir), "directory holding goose SQL migrations")
	fs.Usage = func() {
		fmt.Fprintln(out, "Usage: migrate [-dir path] <command> [version]")
		fmt.Fprintln(out, "Commands: up, down, status, version, redo, up-to <version>, down-to <version>")
	}
	if err := fs.Parse(args); err != nil {
		return invocation{}, errUsage
	}

	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return invocation{}, errUsage
	}
	needsVersion, ok := commands[rest[0]]
	if !ok {
		fmt.Fprintf(out, "unknown command %q\n", rest[0])
		fs.Usage()
		return invocation{}, errUsage
	}
	want := 1
	if needsVersion {
		want = 2
	}
	if len(rest) != want {
		fs.Usage()
		return invocation{}, errUsage
	}
	return invocation{dir: *dir, command: rest[0], args: rest[1:]}, nil
}

func main() {
	inv, err := parseArgs(os.Args[1:], os.Stderr)
	if err != nil {
		os.Exit(2)
	}

	logger := logging.New("info", "text")
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required to run migrations")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = db.PingContext(pingCtx)
	cancel()
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := goose.SetDialect("postgres"); err != nil {
		logger.Error("goose dialect", "error", err)
		os.Exit(1)
	}
	logger.Info("running migrations", "command", inv.command, "dir", inv.dir, "env", cfg.Env)
	if err := goose.RunContext(ctx, inv.command, db, inv.dir, inv.args...); err != nil {
		logger.Error("migration failed", "command", inv.command, "error", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
