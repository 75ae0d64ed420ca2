package simulator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cis-datafabric/sensor-ingest/internal/logging"
)

// Stats counts the outcome of a run.
type Stats struct {
	Sent   int
	Failed int
}

// Runner sends events through a Sender, pausing between messages.
type Runner struct {
	sender   Sender
	interval time.Duration
	logger   *logging.Logger
}

func NewRunner(sender Sender, interval time.Duration, logger *logging.Logger) *Runner {
	if logger == nil {
		logger = logging.Default()
	}
	return &Runner{sender: sender, interval: interval, logger: logger}
}

// Run sends every event once. A failed send is logged and counted; the run
// continues with the next event. It stops early when ctx is cancelled.
func (r *Runner) Run(ctx context.Context, events []Event) (Stats, error) {
	var stats Stats
	for i, ev := range events {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		body, err := json.Marshal(ev.Body)
		if err != nil {
			return stats, err
		}

		if err := r.sender.Send(ctx, body); err != nil {
			stats.Failed++
			r.logger.WarnContext(ctx, "failed to send event",
				logging.Source(ev.Producer), logging.Error(err))
		} else {
			stats.Sent++
			r.logger.InfoContext(ctx, "sent event", logging.Source(ev.Producer))
		}

		if r.interval > 0 && i < len(events)-1 {
			select {
			case <-ctx.Done():
				return stats, ctx.Err()
			case <-time.After(r.interval):
			}
		}
	}
	return stats, nil
}
