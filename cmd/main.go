package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/shanayatunk/feelori-whatsapp-chat/internal/app"
	"github.com/shanayatunk/feelori-whatsapp-chat/internal/config"
)

const startupTimeout = 2 * time.Minute

func main() {
	root := &cobra.Command{
		Use:           "feelori-relay",
		Short:         "WhatsApp webhook relay for the Feelori store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), migrateCmd(), queueStatsCmd())

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// bootstrap loads configuration and builds the app within startupTimeout.
func bootstrap(ctx context.Context) (*app.App, *logrus.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger := config.NewLogger(cfg.LogLevel, cfg.LogFormat)

	startCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()
	a, err := app.New(startCtx, cfg, logger)
	if err != nil {
		return nil, logger, err
	}
	return a, logger, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server and the queue workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, logger, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			logger.Info("relay starting")
			return a.Run(ctx)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the record store schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Migrate(cmd.Context())
		},
	}
}

func queueStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue-stats",
		Short: "Print the message stream length and pending count",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			q := a.Queue()
			if err := q.EnsureGroup(ctx); err != nil {
				return err
			}
			length, err := q.Length(ctx)
			if err != nil {
				return fmt.Errorf("stream length: %w", err)
			}
			pending, err := q.Pending(ctx)
			if err != nil {
				return fmt.Errorf("pending count: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "length=%d pending=%d\n", length, pending)
			return nil
		},
	}
}
