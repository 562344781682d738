package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/vladislavdragonenkov/storefront/internal/storage/postgres"
	"github.com/vladislavdragonenkov/storefront/internal/version"
)

const defaultTimeout = 30 * time.Second

func newApp(out io.Writer) *cli.App {
	dsnFlag := &cli.StringFlag{
		Name:    "dsn",
		Usage:   "PostgreSQL DSN",
		EnvVars: []string{"STOREFRONT_POSTGRES_DSN"},
	}
	stepsFlag := &cli.IntFlag{
		Name:  "steps",
		Usage: "number of migrations to apply/rollback (0=all for up, 1 for down)",
	}
	timeoutFlag := &cli.DurationFlag{
		Name:  "timeout",
		Value: defaultTimeout,
	}

	return &cli.App{
		Name:      "migrate",
		Usage:     "storefront schema migrations",
		Version:   version.String(),
		Writer:    out,
		ErrWriter: out,
		Flags:     []cli.Flag{dsnFlag, timeoutFlag},
		Commands: []*cli.Command{
			{
				Name:  "up",
				Usage: "apply pending migrations",
				Flags: []cli.Flag{stepsFlag},
				Action: withStore(func(ctx context.Context, c *cli.Context, store *postgres.Store) error {
					if err := store.MigrateUp(ctx, c.Int("steps")); err != nil {
						return fmt.Errorf("migrate up failed: %w", err)
					}
					return printStatus(ctx, c, store, "migrate up ok")
				}),
			},
			{
				Name:  "down",
				Usage: "roll back migrations",
				Flags: []cli.Flag{stepsFlag},
				Action: withStore(func(ctx context.Context, c *cli.Context, store *postgres.Store) error {
					if err := store.MigrateDown(ctx, c.Int("steps")); err != nil {
						return fmt.Errorf("migrate down failed: %w", err)
					}
					return printStatus(ctx, c, store, "migrate down ok")
				}),
			},
			{
				Name:  "status",
				Usage: "print current schema version",
				Action: withStore(func(ctx context.Context, c *cli.Context, store *postgres.Store) error {
					return printStatus(ctx, c, store, "migration status")
				}),
			},
		},
	}
}

type storeAction func(ctx context.Context, c *cli.Context, store *postgres.Store) error

func withStore(fn storeAction) cli.ActionFunc {
	return func(c *cli.Context) error {
		dsn := strings.TrimSpace(c.String("dsn"))
		if dsn == "" {
			return errors.New("STOREFRONT_POSTGRES_DSN (or --dsn) is required")
		}

		ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
		defer cancel()

		store, err := postgres.Open(ctx, dsn)
		if err != nil {
			return fmt.Errorf("open postgres store: %w", err)
		}
		defer store.Close()

		return fn(ctx, c, store)
	}
}

func printStatus(ctx context.Context, c *cli.Context, store *postgres.Store, prefix string) error {
	state, err := store.MigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("migration status failed: %w", err)
	}
	_, err = fmt.Fprintf(c.App.Writer, "%s: version=%d dirty=%t\n", prefix, state.Version, state.Dirty)
	return err
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		log.WithError(err).Fatal("migrate failed")
	}
}
