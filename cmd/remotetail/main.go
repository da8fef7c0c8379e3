// remotetail polls a remote directory tree over FTP, FTPS, SFTP, S3 or a
// mounted share, and forwards the bytes appended to each file since the
// previous poll as records.
//
// Configuration is read from environment variables; see internal/config.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fruitsalade/remotetail/internal/config"
	"github.com/fruitsalade/remotetail/internal/logging"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:           "remotetail",
	Short:         "Incrementally tail files on a remote server",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}
		if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
			cfg.LogLevel = lvl
		}
		return logging.Init(logging.Config{
			Level:      cfg.LogLevel,
			Format:     cfg.LogFormat,
			OutputPath: cfg.LogOutput,
		})
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Poll the remote directory until interrupted",
	Long: `Poll the working directory every POLL_DELAY, emitting the bytes appended
to each file since the previous cycle. State is saved after every file and
on shutdown (SIGINT or SIGTERM).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newAgent(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		logging.Info("remotetail starting",
			zap.String("protocol", cfg.Remote.Protocol),
			zap.String("dir", cfg.WorkingDirectory),
			zap.String("state", a.store.Location()),
			zap.String("admin", cfg.AdminAddr))

		shutdownAdmin := a.serveAdmin()
		defer shutdownAdmin()

		return a.poller.Run(ctx)
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run a single discovery cycle and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newAgent(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		return a.poller.RunOnce(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "", "override LOG_LEVEL (debug, info, warn, error)")
	rootCmd.AddCommand(runCmd, scanCmd, stateCmd)
}

func main() {
	err := rootCmd.ExecuteContext(context.Background())
	logging.Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
