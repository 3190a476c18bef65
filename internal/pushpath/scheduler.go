package pushpath

import (
	"context"
	"sync"
	"time"

	"transit-departures/internal/config"
	"transit-departures/internal/logger"
)

// Scheduler runs one ticker loop per feed, pushing the feed on every tick.
type Scheduler struct {
	adapter *Adapter
	log     logger.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc // feedID -> cancel
	wg      sync.WaitGroup
}

func NewScheduler(adapter *Adapter, log logger.Logger) *Scheduler {
	if log == nil {
		log = logger.Nop()
	}
	return &Scheduler{
		adapter: adapter,
		log:     log,
		running: make(map[string]context.CancelFunc),
	}
}

// Start launches a loop for every feed not already running.
func (s *Scheduler) Start(ctx context.Context, feeds []config.Feed) {
	for _, f := range feeds {
		s.startFeed(ctx, f)
	}
}

// Running is the number of feeds with an active loop.
func (s *Scheduler) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

func (s *Scheduler) startFeed(parent context.Context, f config.Feed) {
	s.mu.Lock()
	if _, exists := s.running[f.FeedID]; exists {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(parent)
	s.running[f.FeedID] = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	s.log.Info("starting feed", "feed_id", f.FeedID, "interval", f.Interval().String())
	go func() {
		defer s.wg.Done()
		s.runFeed(ctx, f)
		s.mu.Lock()
		delete(s.running, f.FeedID)
		s.mu.Unlock()
	}()
}

func (s *Scheduler) runFeed(ctx context.Context, f config.Feed) {
	tick := time.NewTicker(f.Interval())
	defer tick.Stop()

	s.adapter.Push(ctx, f)
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			s.adapter.Push(ctx, f)
		}
	}
}

// Stop cancels every loop and waits for in-flight pushes to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	for _, cancel := range s.running {
		cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}
