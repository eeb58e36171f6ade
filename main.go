package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pliu/murmur/internal/accounts"
	"github.com/pliu/murmur/internal/auth"
	"github.com/pliu/murmur/internal/config"
	"github.com/pliu/murmur/internal/logging"
	"github.com/pliu/murmur/internal/server"
	"github.com/pliu/murmur/internal/store/sqlstore"
)

var (
	configPath string
	cfg        config.Config
	logger     *zap.Logger
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "murmur",
		Short:        "End-to-end encrypted one-to-one chat relay",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err = logging.NewLogger(cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = logger.Sync()
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML/JSON config file (optional)")

	root.AddCommand(serveCmd(), migrateOrphanCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := cfg.Secret()
			if err != nil {
				return err
			}
			tokens, err := auth.NewTokens(secret, cfg.Auth.TokenTTL)
			if err != nil {
				return err
			}
			if cfg.Auth.DevCode != "" {
				logger.Warn("static verification code enabled; do not use in production")
			}

			st, err := sqlstore.New(cfg.Database.Driver, cfg.Database.DSN)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := server.New(cfg, logger, st, tokens)
			if err := srv.Start(ctx); err != nil {
				logger.Error("server exited with error", zap.Error(err))
				return err
			}
			return nil
		},
	}
}

func migrateOrphanCmd() *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "migrate-orphan",
		Short: "Move every message of a deleted identity to its replacement",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := sqlstore.New(cfg.Database.Driver, cfg.Database.DSN)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			svc := accounts.NewService(st, nil, nil, logger)
			moved, err := svc.MigrateOrphan(cmd.Context(), from, to)
			if err != nil {
				return err
			}
			logger.Info("migration complete", zap.String("from", from), zap.String("to", to), zap.Int64("messages", moved))
			fmt.Fprintf(cmd.OutOrStdout(), "moved %d message references\n", moved)
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "orphaned identity id")
	cmd.Flags().StringVar(&to, "to", "", "replacement identity id")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}
