package tasks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lysyi3m/feeder/app/database"
)

// MockPoller records each poll cycle it is asked to run.
type MockPoller struct {
	mu     sync.Mutex
	cycles [][]database.Feed
}

var _ Poller = (*MockPoller)(nil)

func (m *MockPoller) Poll(_ context.Context, feeds []database.Feed, _ PollOptions) map[int64][]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cycles = append(m.cycles, feeds)
	return nil
}

func (m *MockPoller) Cycles() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cycles)
}

func TestSchedulerPollsOnStartAndInterval(t *testing.T) {
	db, err := database.OpenAndMigrate(database.MemoryPath)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	defer db.Close()

	feedRepo := database.NewFeedRepository(db)
	if _, err := feedRepo.UpsertFeed(context.Background(), database.Feed{URL: "https://example.com/feed"}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	poller := &MockPoller{}
	scheduler := NewScheduler(poller, feedRepo, PollOptions{}, 20*time.Millisecond, quietLogger())
	scheduler.Start()

	deadline := time.Now().Add(2 * time.Second)
	for poller.Cycles() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	scheduler.Stop()

	cycles := poller.Cycles()
	if cycles < 2 {
		t.Fatalf("Expected at least 2 poll cycles, got: %d", cycles)
	}
	if len(poller.cycles[0]) != 1 {
		t.Errorf("Expected 1 feed per cycle, got: %d", len(poller.cycles[0]))
	}

	time.Sleep(50 * time.Millisecond)
	if poller.Cycles() != cycles {
		t.Errorf("Expected no cycles after Stop, got: %d more", poller.Cycles()-cycles)
	}
}

func TestSchedulerSkipsEmptyStore(t *testing.T) {
	db, err := database.OpenAndMigrate(database.MemoryPath)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	defer db.Close()

	poller := &MockPoller{}
	scheduler := NewScheduler(poller, database.NewFeedRepository(db), PollOptions{}, time.Hour, quietLogger())
	scheduler.Start()
	time.Sleep(20 * time.Millisecond)
	scheduler.Stop()

	if poller.Cycles() != 0 {
		t.Errorf("Expected no poll cycles, got: %d", poller.Cycles())
	}
}
