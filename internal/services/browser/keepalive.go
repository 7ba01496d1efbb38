package browser

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
)

// Pinger issues a cheap round trip to the browser
type Pinger interface {
	Ping(ctx context.Context) error
}

// KeepAlive periodically pings the browser so a dead DevTools connection
// shows up in the logs instead of silently stopping capture.
type KeepAlive struct {
	pinger  Pinger
	cron    *cron.Cron
	logger  arbor.ILogger
	timeout time.Duration
}

// NewKeepAlive creates a keep-alive for pinger
func NewKeepAlive(pinger Pinger, logger arbor.ILogger) *KeepAlive {
	return &KeepAlive{
		pinger:  pinger,
		cron:    cron.New(),
		logger:  logger,
		timeout: 5 * time.Second,
	}
}

// Start schedules the ping
func (k *KeepAlive) Start(schedule string) error {
	if schedule == "" {
		schedule = "@every 15s"
	}

	_, err := k.cron.AddFunc(schedule, func() {
		k.tick()
	})
	if err != nil {
		return err
	}

	k.cron.Start()
	k.logger.Debug().
		Str("schedule", schedule).
		Msg("Browser keep-alive started")

	return nil
}

// Stop stops the schedule and waits for a running ping to finish
func (k *KeepAlive) Stop() {
	<-k.cron.Stop().Done()
	k.logger.Debug().Msg("Browser keep-alive stopped")
}

func (k *KeepAlive) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
	defer cancel()

	if err := k.pinger.Ping(ctx); err != nil {
		k.logger.Warn().
			Err(err).
			Msg("Browser keep-alive ping failed")
		return
	}
	k.logger.Trace().Msg("Browser keep-alive ping")
}
