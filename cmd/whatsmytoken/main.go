package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/whatsmytoken/internal/common"
)

var (
	// Command-line flags
	configFiles []string
	serverPort  int
	serverHost  string
	headless    bool

	// Global state
	config *common.Config
	logger arbor.ILogger
)

var rootCmd = &cobra.Command{
	Use:   "whatsmytoken",
	Short: "Capture Bearer tokens from a controlled browser",
	Long: `whatsmytoken drives a Chrome instance, records every Bearer token the
pages send and serves them on a local API. Run without a subcommand to start
the daemon; the other commands talk to a running daemon.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
	RunE:              runServe,
}

func init() {
	rootCmd.PersistentFlags().StringArrayVarP(&configFiles, "config", "c", nil, "Configuration file path (can be specified multiple times, later files override earlier ones)")
	rootCmd.PersistentFlags().IntVarP(&serverPort, "port", "p", 0, "Server port (overrides config)")
	rootCmd.PersistentFlags().StringVar(&serverHost, "host", "", "Server host (overrides config)")
	rootCmd.Flags().BoolVar(&headless, "headless", false, "Run the browser headless (overrides config)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tokensListCmd)
	rootCmd.AddCommand(tokensCopyCmd)
	rootCmd.AddCommand(tokensRemoveCmd)
	rootCmd.AddCommand(tokensClearCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig resolves configuration for every command:
// defaults -> file1 -> file2 -> ... -> env -> CLI flags
func loadConfig(cmd *cobra.Command, args []string) error {
	// Auto-discover config file if not specified
	if len(configFiles) == 0 {
		if _, err := os.Stat("whatsmytoken.toml"); err == nil {
			configFiles = append(configFiles, "whatsmytoken.toml")
		} else if _, err := os.Stat("deployments/local/whatsmytoken.toml"); err == nil {
			// Fallback for running from the project root
			configFiles = append(configFiles, "deployments/local/whatsmytoken.toml")
		}
	}

	var err error
	config, err = common.LoadFromFiles(configFiles...)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	common.ApplyFlagOverrides(config, serverPort, serverHost, headless)
	return nil
}

func main() {
	common.InstallCrashHandler("")
	defer common.RecoverWithCrashFile()

	common.LoadVersionFile(common.ExecutableDir())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
