package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/TemirB/wb-delivery-sync/internal/marketplace"
	"github.com/TemirB/wb-delivery-sync/internal/observability"
)

type options struct {
	baseURL  string
	token    string
	rate     int
	requests int
	duration time.Duration
	logLevel string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Find out whether the marketplace enforces a request quota",
		Long: "probe calls the orders endpoint at a fixed rate without retries and reports\n" +
			"the first 429 it sees, or that none came within the request budget.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.baseURL == "" {
				return fmt.Errorf("--url or MARKETPLACE_URL is required")
			}

			logger, err := observability.NewLogger(opts.logLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			client, err := marketplace.NewClient(opts.baseURL, marketplace.StaticToken(opts.token),
				marketplace.WithLogger(logger))
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Info("probing marketplace quota",
				zap.String("url", opts.baseURL),
				zap.Int("rate", opts.rate),
				zap.Int("requests", opts.requests),
				zap.Duration("duration", opts.duration),
			)
			report := NewProber(client, opts.rate, opts.requests, opts.duration, logger).Run(ctx)
			fmt.Fprintln(cmd.OutOrStdout(), report.String())
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.baseURL, "url", os.Getenv("MARKETPLACE_URL"), "marketplace base URL")
	cmd.Flags().StringVar(&opts.token, "token", os.Getenv("MARKETPLACE_TOKEN"), "marketplace bearer token")
	cmd.Flags().IntVar(&opts.rate, "rate", 20, "requests per second")
	cmd.Flags().IntVar(&opts.requests, "requests", 200, "stop after this many requests (0 = no limit)")
	cmd.Flags().DurationVar(&opts.duration, "duration", time.Minute, "stop after this long (0 = no limit)")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "warn", "log level")

	return cmd
}
