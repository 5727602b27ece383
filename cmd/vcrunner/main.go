package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/kinnato/vcrunner/internal/config"
	"github.com/kinnato/vcrunner/internal/downloader"
	"github.com/kinnato/vcrunner/internal/httpx"
	"github.com/kinnato/vcrunner/internal/logging"
	"github.com/kinnato/vcrunner/internal/progress"
	"github.com/kinnato/vcrunner/internal/runner"
	"github.com/kinnato/vcrunner/internal/task"
	"github.com/kinnato/vcrunner/internal/version"
)

var (
	foreground bool
	debug      bool

	logger *logging.Logger
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "vcrunner",
		Short: "Transcode worker node",
		Long: `vcrunner registers with the control plane, polls for transcode
tasks, and drives each one through download, convert, and upload.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRunner(cmd.Context())
		},
	}

	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.Flags().BoolVar(&foreground, "foreground", false, "render live progress bars on stderr")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newFetchCmd())
	return rootCmd
}

func runRunner(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("%s: %w", task.CodeConfigError, err)
	}
	if cfg.Debug || debug {
		logging.SetGlobalLevel(zerolog.DebugLevel)
	}

	r := runner.New(cfg, logger)

	if foreground {
		ui := progress.NewStageUI()
		go ui.Run(r.Bus().Tap())
	}

	logger.Info().Str("version", version.Version).Str("baseUrl", cfg.BaseURL).Msg("starting runner")
	return r.Run(ctx)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("vcrunner %s (built %s)\n", version.Version, version.BuildTime)
		},
	}
}

// newFetchCmd downloads a source URL standalone. Useful for verifying
// connectivity and resume behavior against a source without involving
// the control plane.
func newFetchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch <url> <dir>",
		Short: "Download a source into a directory (connectivity check)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if debug {
				logging.SetGlobalLevel(zerolog.DebugLevel)
			}

			engine := downloader.NewEngine(httpx.NewClient(), downloader.DefaultOptions(), logger)
			bar := progress.NewTransferBar("fetch")

			path, err := engine.Download(cmd.Context(), args[0], args[1], bar.Observe)
			if err != nil {
				bar.Fail()
				return err
			}
			bar.Done()
			fmt.Println(path)
			return nil
		},
	}
}

func main() {
	logger = logging.NewDefaultLogger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info().Msg("shutdown requested")
		cancel()
		// A second signal skips the graceful drain.
		<-sigCh
		logger.Warn().Msg("forced exit")
		os.Exit(1)
	}()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		logger.Error().Err(err).Msg("runner exited with error")
		os.Exit(1)
	}
}
