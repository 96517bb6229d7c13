// Package scheduler drives the periodic full sync and snapshot capture.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/mirrorsync/internal/mirror"
)

// Engine is the part of *mirror.Engine the scheduler triggers.
type Engine interface {
	SyncAll(ctx context.Context, opts mirror.SyncOptions) []mirror.SyncRun
	CaptureSnapshot(ctx context.Context) (mirror.SnapshotResult, error)
}

type Options struct {
	SyncInterval     time.Duration
	SnapshotInterval time.Duration
	// SyncOnStart runs a full pass as soon as Run starts.
	SyncOnStart bool
	Logger      zerolog.Logger
}

type Scheduler struct {
	engine  Engine
	log     zerolog.Logger
	onStart bool

	mu        sync.Mutex
	intervals map[string]time.Duration
	resets    map[string]chan struct{}
}

const (
	jobSync     = "sync"
	jobSnapshot = "snapshot"
)

func New(engine Engine, opts Options) *Scheduler {
	syncInterval := opts.SyncInterval
	if syncInterval <= 0 {
		syncInterval = 15 * time.Minute
	}
	snapshotInterval := opts.SnapshotInterval
	if snapshotInterval <= 0 {
		snapshotInterval = time.Hour
	}
	return &Scheduler{
		engine:  engine,
		log:     opts.Logger.With().Str("component", "scheduler").Logger(),
		onStart: opts.SyncOnStart,
		intervals: map[string]time.Duration{
			jobSync:     syncInterval,
			jobSnapshot: snapshotInterval,
		},
		resets: map[string]chan struct{}{
			jobSync:     make(chan struct{}, 1),
			jobSnapshot: make(chan struct{}, 1),
		},
	}
}

// Run blocks until ctx is done. Sync and snapshot ticks run on their own
// goroutines so a slow sync never delays a snapshot.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if s.onStart {
			s.runSync(ctx)
		}
		s.loop(ctx, jobSync, s.runSync)
	}()
	go func() {
		defer wg.Done()
		s.loop(ctx, jobSnapshot, s.runSnapshot)
	}()
	wg.Wait()
}

// UpdateIntervals applies new tick periods to a running scheduler. Zero
// leaves that interval unchanged.
func (s *Scheduler) UpdateIntervals(syncInterval, snapshotInterval time.Duration) {
	s.setInterval(jobSync, syncInterval)
	s.setInterval(jobSnapshot, snapshotInterval)
}

func (s *Scheduler) Intervals() (syncInterval, snapshotInterval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intervals[jobSync], s.intervals[jobSnapshot]
}

func (s *Scheduler) setInterval(job string, interval time.Duration) {
	if interval <= 0 {
		return
	}
	s.mu.Lock()
	changed := s.intervals[job] != interval
	s.intervals[job] = interval
	s.mu.Unlock()
	if !changed {
		return
	}
	s.log.Info().Str("job", job).Dur("interval", interval).Msg("interval updated")
	select {
	case s.resets[job] <- struct{}{}:
	default:
	}
}

func (s *Scheduler) interval(job string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intervals[job]
}

func (s *Scheduler) loop(ctx context.Context, job string, run func(context.Context)) {
	ticker := time.NewTicker(s.interval(job))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.resets[job]:
			ticker.Reset(s.interval(job))
		case <-ticker.C:
			run(ctx)
		}
	}
}

func (s *Scheduler) runSync(ctx context.Context) {
	started := time.Now()
	runs := s.engine.SyncAll(ctx, mirror.SyncOptions{})
	failed := 0
	for _, run := range runs {
		if run.Status == mirror.RunStatusFailed || run.Status == mirror.RunStatusPartial {
			failed++
		}
	}
	s.log.Info().Int("sources", len(runs)).Int("unhealthy", failed).Dur("elapsed", time.Since(started)).Msg("scheduled sync finished")
}

func (s *Scheduler) runSnapshot(ctx context.Context) {
	result, err := s.engine.CaptureSnapshot(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("scheduled snapshot failed")
		return
	}
	s.log.Info().
		Time("bucket", result.Bucket).
		Int("inserted", result.Inserted).
		Int("patched", result.Patched).
		Msg("snapshot captured")
}
