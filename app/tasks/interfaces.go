package tasks

import (
	"context"

	"github.com/lysyi3m/feeder/app/database"
)

// SchedulerInterface is the long-running poll loop used by the serve command.
//
//	scheduler := NewScheduler(pipeline, feedRepo, opts, interval, logger)
//	scheduler.Start()
//	defer scheduler.Stop()
type SchedulerInterface interface {
	Start()
	Stop()
}

// Poller runs one poll cycle. Implemented by *Pipeline.
type Poller interface {
	Poll(ctx context.Context, feeds []database.Feed, opts PollOptions) map[int64][]int64
}

var _ Poller = (*Pipeline)(nil)
