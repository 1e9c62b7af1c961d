package tasks

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lysyi3m/feeder/app/database"
)

var _ SchedulerInterface = (*Scheduler)(nil)

// Scheduler runs a poll cycle over all feeds at startup and then on every
// interval tick. Cycles never overlap.
type Scheduler struct {
	poller   Poller
	feedRepo database.FeedRepository
	opts     PollOptions
	interval time.Duration
	logger   *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewScheduler(poller Poller, feedRepo database.FeedRepository, opts PollOptions, interval time.Duration, logger *slog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		poller:   poller,
		feedRepo: feedRepo,
		opts:     opts,
		interval: interval,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *Scheduler) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.runCycle()

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.runCycle()
			}
		}
	}()
}

// Stop cancels the running cycle and waits for it to wind down.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) runCycle() {
	if s.ctx.Err() != nil {
		return
	}

	feeds, err := s.feedRepo.ListFeeds(s.ctx)
	if err != nil {
		s.logger.Error("Failed to list feeds", "error", err)
		return
	}
	if len(feeds) == 0 {
		s.logger.Debug("No feeds found")
		return
	}

	s.logger.Debug("Starting poll cycle", "count", len(feeds))
	s.poller.Poll(s.ctx, feeds, s.opts)
}
