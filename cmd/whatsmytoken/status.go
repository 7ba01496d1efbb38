package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/ternarybob/whatsmytoken/internal/client"
	"github.com/ternarybob/whatsmytoken/internal/common"
)

// DaemonClient is the subset of the daemon client the status command uses.
type DaemonClient interface {
	Health(ctx context.Context) (*client.Health, error)
	Version(ctx context.Context) (*common.BuildInfo, error)
}

// StatusCmd reports on the running daemon.
type StatusCmd struct {
	daemon DaemonClient
	out    io.Writer
}

// Show prints the daemon build, browser state and attached targets.
func (c StatusCmd) Show(ctx context.Context) error {
	health, err := c.daemon.Health(ctx)
	if err != nil {
		return err
	}
	build, err := c.daemon.Version(ctx)
	if err != nil {
		return err
	}

	rows := pterm.TableData{
		{"Daemon", build.String()},
		{"Status", health.Status},
		{"Goroutines", fmt.Sprintf("%d", health.Goroutines)},
	}
	if !health.Browser {
		rows = append(rows, []string{"Browser", "disabled"})
	} else {
		rows = append(rows, []string{"Browser", fmt.Sprintf("%d tab(s)", health.Tabs)})
		types := make([]string, 0, len(health.Targets))
		for t := range health.Targets {
			types = append(types, t)
		}
		sort.Strings(types)
		for _, t := range types {
			rows = append(rows, []string{"  " + t, fmt.Sprintf("%d", health.Targets[t])})
		}
	}

	table, err := pterm.DefaultTable.WithData(rows).Srender()
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, table)
	return nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running daemon's state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return StatusCmd{daemon: client.New(config.ServerURL()), out: os.Stdout}.Show(cmd.Context())
	},
}
