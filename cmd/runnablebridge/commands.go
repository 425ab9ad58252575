package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/runnable-bridge/internal/api"
	"github.com/nerrad567/runnable-bridge/internal/infrastructure/config"
	"github.com/nerrad567/runnable-bridge/internal/infrastructure/database"
	"github.com/nerrad567/runnable-bridge/migrations"
)

func newValidateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration file and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.path())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d accessories, runnable %q)\n",
				opts.path(), len(cfg.Accessories), cfg.Runnable.Run)
			return nil
		},
	}
}

func newTokenCmd(opts *options) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print an API access token signed with the configured secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.path())
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = time.Duration(cfg.Security.JWT.AccessTokenTTL) * time.Minute
			}
			token, err := api.IssueToken(cfg.Security.JWT.Secret, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "admin", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default security.jwt.access_token_ttl minutes)")
	return cmd
}

func newMigrateCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the accessory cache schema",
	}

	withDB := func(fn func(cmd *cobra.Command, db *database.DB) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.path())
			if err != nil {
				return err
			}
			db, err := openDatabase(cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()
			return fn(cmd, db)
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: withDB(func(cmd *cobra.Command, db *database.DB) error {
			return db.Migrate(cmd.Context(), migrations.FS)
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		Args:  cobra.NoArgs,
		RunE: withDB(func(cmd *cobra.Command, db *database.DB) error {
			return db.MigrateDown(cmd.Context(), migrations.FS)
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List applied and pending migrations",
		Args:  cobra.NoArgs,
		RunE: withDB(func(cmd *cobra.Command, db *database.DB) error {
			applied, pending, err := db.MigrationStatus(cmd.Context(), migrations.FS)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, m := range applied {
				fmt.Fprintf(out, "applied  %s\n", m.Version)
			}
			for _, m := range pending {
				fmt.Fprintf(out, "pending  %s %s\n", m.Version, m.Name)
			}
			return nil
		}),
	})
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "runnablebridge %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}

func openDatabase(cfg config.DatabaseConfig) (*database.DB, error) {
	db, err := database.Open(database.Config{
		Path:        cfg.Path,
		WALMode:     cfg.WALMode,
		BusyTimeout: cfg.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return db, nil
}
