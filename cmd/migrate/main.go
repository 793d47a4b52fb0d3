// Command migrate applies or reverts the token registry schema.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coachpo/dexsync/internal/infra/persistence/migrations"
)

const (
	defaultMigrationsPath = "db/migrations"
	defaultTimeout        = 30 * time.Second
	dsnEnv                = "DATABASE_URL"
)

type command struct {
	dsn     string
	dir     string
	action  string
	steps   int
	timeout time.Duration
	quiet   bool
}

func main() {
	cmd, err := parseCommand(os.Args[1:], os.Getenv(dsnEnv), os.Stderr)
	if err == nil {
		err = run(cmd)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseCommand(argv []string, envDSN string, output io.Writer) (command, error) {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(output)
	var (
		dsn      = fs.String("database", envDSN, "PostgreSQL DSN (default: $"+dsnEnv+")")
		dir      = fs.String("path", defaultMigrationsPath, "Directory containing SQL migrations")
		embedded = fs.Bool("embedded", false, "Use the migrations compiled into the binary instead of -path")
		timeout  = fs.Duration("timeout", defaultTimeout, "Maximum time to wait for database connectivity")
		quiet    = fs.Bool("quiet", false, "Suppress informational logs")
	)
	if err := fs.Parse(argv); err != nil {
		return command{}, err
	}

	cmd := command{dsn: strings.TrimSpace(*dsn), dir: strings.TrimSpace(*dir), timeout: *timeout, quiet: *quiet}
	if cmd.dsn == "" {
		return command{}, errors.New("-database flag or " + dsnEnv + " is required")
	}
	if *embedded {
		cmd.dir = migrations.Embedded
	} else if cmd.dir == "" {
		return command{}, errors.New("-path flag is required")
	}

	args := fs.Args()
	if len(args) == 0 {
		return command{}, errors.New("command required (up|down)")
	}
	cmd.action = args[0]
	switch cmd.action {
	case "up":
	case "down":
		cmd.steps = 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return command{}, fmt.Errorf("invalid down steps %q: %w", args[1], err)
			}
			cmd.steps = n
		}
	default:
		return command{}, fmt.Errorf("unknown command %q (expected up or down)", cmd.action)
	}
	return cmd, nil
}

func run(cmd command) error {
	var logger *log.Logger
	if !cmd.quiet {
		logger = log.New(os.Stdout, "dexsync-migrate ", log.LstdFlags)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cmd.timeout)
	defer cancel()

	if cmd.action == "down" {
		return migrations.Rollback(ctx, cmd.dsn, cmd.dir, cmd.steps, logger)
	}
	return migrations.Apply(ctx, cmd.dsn, cmd.dir, logger)
}
