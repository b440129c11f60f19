package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/carenet/escrow/internal/auth"
	"github.com/carenet/escrow/internal/config"
	"github.com/carenet/escrow/internal/db"
	"github.com/carenet/escrow/internal/models"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "escrowd",
		Short:         "Payment escrow and reconciliation service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (env ESCROW_* overrides it)")

	load := func() (*config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Level()})))
		return cfg, nil
	}

	root.AddCommand(serveCmd(load), migrateCmd(load), tokenCmd(load))
	return root
}

func connect(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, cfg.Storage.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("cannot reach PostgreSQL: %w", err)
	}
	slog.Info("connected to PostgreSQL")
	return pool, nil
}

func migrateCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply escrow and River schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cfg.Storage.DatabaseURL == "" {
				return fmt.Errorf("migrate needs storage.database_url (or DATABASE_URL)")
			}
			ctx := cmd.Context()
			pool, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			version, err := db.Migrate(ctx, pool)
			if err != nil {
				return err
			}
			if err := db.MigrateRiver(ctx, pool); err != nil {
				return err
			}
			slog.Info("migrations applied", "schema_version", version)
			return nil
		},
	}
}

// tokenCmd mints a principal token for operators and local testing.
func tokenCmd(load func() (*config.Config, error)) *cobra.Command {
	var (
		id    string
		role  string
		perms []string
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed principal token",
		Example: `  escrowd token --id ops-1 --perm payments:manage
  escrowd token --id root --role admin --ttl 15m`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			tokens, err := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = cfg.Auth.TokenTTL
			}
			tok, err := tokens.Issue(models.Principal{ID: id, Role: role, Permissions: perms}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "principal id")
	cmd.Flags().StringVar(&role, "role", "", "principal role (admin implies every permission)")
	cmd.Flags().StringSliceVar(&perms, "perm", nil, "permission to grant (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default auth.token_ttl)")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}
