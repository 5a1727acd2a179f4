package main

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"tessera.dev/internal/migrate"
)

var dsn string

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Manage the tessera database schema",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("read .env: %w", err)
			}
			if dsn == "" {
				dsn = os.Getenv("TESSERA_PG_DSN")
			}
			if dsn == "" {
				return errors.New("missing DSN: provide --dsn or TESSERA_PG_DSN")
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&dsn, "dsn", "", "PostgreSQL DSN (default $TESSERA_PG_DSN)")

	var steps int
	up := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Long:  "Apply all pending migrations, or only --steps of them.",
		RunE: withManager(func(m *migrate.Manager) error {
			if steps > 0 {
				return m.Steps(steps)
			}
			return m.Up()
		}),
	}
	up.Flags().IntVar(&steps, "steps", 0, "number of migrations to apply (0 = all)")

	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		RunE: withManager(func(m *migrate.Manager) error {
			return m.Down()
		}),
	}

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		RunE: withManager(func(m *migrate.Manager) error {
			v, dirty, err := m.Version()
			if err != nil {
				return err
			}
			state := "clean"
			if dirty {
				state = "dirty"
			}
			fmt.Printf("version %d (%s)\n", v, state)
			return nil
		}),
	}

	force := &cobra.Command{
		Use:   "force VERSION",
		Short: "Mark VERSION as applied without running it, clearing the dirty flag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid version %q", args[0])
			}
			return withManager(func(m *migrate.Manager) error { return m.Force(v) })(cmd, args)
		},
	}

	root.AddCommand(up, down, version, force)
	return root
}

func withManager(fn func(*migrate.Manager) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		db, err := sql.Open("pgx", dsn)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		if err := db.PingContext(cmd.Context()); err != nil {
			_ = db.Close()
			return fmt.Errorf("connect: %w", err)
		}
		mgr := migrate.NewManager(db)
		return errors.Join(fn(mgr), mgr.Close())
	}
}
