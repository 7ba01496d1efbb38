package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/ternarybob/whatsmytoken/internal/client"
	"github.com/ternarybob/whatsmytoken/internal/common"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("whatsmytoken version %s\n", common.CurrentBuild())

		// Also report the daemon when one is listening
		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Second)
		defer cancel()
		if version, err := client.New(config.ServerURL()).Version(ctx); err == nil {
			fmt.Printf("daemon at %s: %s\n", config.ServerURL(), version)
		}
	},
}
