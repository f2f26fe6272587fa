package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marcus/loops/internal/api"
	"github.com/marcus/loops/internal/serverdb"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Short:   "Run the sync HTTP server",
	GroupID: "server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.ListenAddr = addr
		}

		logger, closer := newLogger(cfg, cmd.ErrOrStderr())
		defer closer.Close()
		slog.SetDefault(logger)

		store, err := serverdb.Open(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open server db: %w", err)
		}
		defer store.Close()

		srv, err := api.NewServer(cfg, store)
		if err != nil {
			return fmt.Errorf("create server: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := srv.Start(); err != nil {
			return fmt.Errorf("start server: %w", err)
		}
		slog.Info("server started", "addr", cfg.ListenAddr, "version", version,
			"db", cfg.DBPath, "conflict_strategy", cfg.ConflictStrategy)

		<-ctx.Done()
		slog.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown", "err", err)
			return err
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (overrides listen_addr)")
	rootCmd.AddCommand(serveCmd)
}
