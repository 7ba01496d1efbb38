package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/ternarybob/whatsmytoken/internal/app"
	"github.com/ternarybob/whatsmytoken/internal/common"
	"github.com/ternarybob/whatsmytoken/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the capture daemon",
	Long:  `Launches the browser, records Bearer tokens and serves them on the local API until interrupted.`,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&headless, "headless", false, "Run the browser headless (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger = common.SetupLogger(config)
	common.InstallCrashHandler(config.LogDir())
	common.PrintBanner(config, logger)

	logger.Debug().
		Strs("config_files", configFiles).
		Str("badger_path", config.Storage.Badger.Path).
		Str("log_level", config.Logging.Level).
		Strs("log_output", config.Logging.Output).
		Strs("start_urls", config.Browser.StartURLs).
		Msg("Resolved configuration")

	application, err := app.New(config, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize application")
		return err
	}
	defer application.Close()

	srv := server.New(application)
	serverErr := make(chan error, 1)
	common.SafeGo(logger, "http-server", func() {
		serverErr <- srv.Start()
	})

	if err := application.Start(); err != nil {
		logger.Error().Err(err).Msg("Browser failed to start")
		shutdown(srv)
		return err
	}

	logger.Info().
		Str("url", config.ServerURL()).
		Msg("Capturing - Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info().Msg("Interrupt signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error().Err(err).Msg("HTTP server failed")
			return err
		}
	}

	shutdown(srv)
	return nil
}

func shutdown(srv *server.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown failed")
	}
	fmt.Fprintln(os.Stderr)
}
