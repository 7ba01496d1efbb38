package main

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/pterm/pterm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/whatsmytoken/internal/client"
	"github.com/ternarybob/whatsmytoken/internal/common"
)

type FakeDaemonClient struct {
	HealthFunc  func(ctx context.Context) (*client.Health, error)
	VersionFunc func(ctx context.Context) (*common.BuildInfo, error)
}

func (f *FakeDaemonClient) Health(ctx context.Context) (*client.Health, error) {
	if f.HealthFunc != nil {
		return f.HealthFunc(ctx)
	}
	return &client.Health{Status: "ok"}, nil
}

func (f *FakeDaemonClient) Version(ctx context.Context) (*common.BuildInfo, error) {
	if f.VersionFunc != nil {
		return f.VersionFunc(ctx)
	}
	return &common.BuildInfo{Version: "1.0.0", Build: "b", GitCommit: "c"}, nil
}

func newTestStatusCmd(t *testing.T, fake *FakeDaemonClient) (StatusCmd, *bytes.Buffer) {
	t.Helper()
	pterm.DisableStyling()
	t.Cleanup(pterm.EnableStyling)

	out := &bytes.Buffer{}
	return StatusCmd{daemon: fake, out: out}, out
}

func TestStatus_WithBrowser(t *testing.T) {
	c, out := newTestStatusCmd(t, &FakeDaemonClient{
		HealthFunc: func(ctx context.Context) (*client.Health, error) {
			return &client.Health{
				Status:  "ok",
				Browser: true,
				Tabs:    2,
				Targets: map[string]int{"page": 2, "service_worker": 1},
			}, nil
		},
	})

	require.NoError(t, c.Show(context.Background()))
	text := out.String()
	assert.Contains(t, text, "1.0.0 (build: b, commit: c)")
	assert.Contains(t, text, "2 tab(s)")
	assert.Contains(t, text, "service_worker")
}

func TestStatus_BrowserDisabled(t *testing.T) {
	c, out := newTestStatusCmd(t, &FakeDaemonClient{})

	require.NoError(t, c.Show(context.Background()))
	assert.Contains(t, out.String(), "disabled")
}

func TestStatus_DaemonDown(t *testing.T) {
	c, _ := newTestStatusCmd(t, &FakeDaemonClient{
		HealthFunc: func(ctx context.Context) (*client.Health, error) {
			return nil, errors.New("daemon not reachable at http://localhost:8765")
		},
	})

	assert.ErrorContains(t, c.Show(context.Background()), "not reachable")
}
