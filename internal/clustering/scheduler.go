package clustering

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrCycleInProgress   = errors.New("maintenance cycle already in progress")
	ErrSchedulerStarted  = errors.New("maintenance scheduler already started")
	errSchedulerNotReady = errors.New("maintenance scheduler is not initialized")
)

// State is the scheduler's run state.
type State int32

const (
	StateIdle State = iota
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

// Cycler runs one maintenance cycle.
type Cycler interface {
	RunCycle(ctx context.Context) (CycleReport, error)
}

type SchedulerStats struct {
	State      string       `json:"state"`
	Completed  int64        `json:"completed"`
	Failed     int64        `json:"failed"`
	Skipped    int64        `json:"skipped"`
	LastReport *CycleReport `json:"last_report,omitempty"`
	LastError  string       `json:"last_error,omitempty"`
}

// Scheduler runs maintenance on an interval. At most one cycle runs at a
// time; ticks that arrive while a cycle runs are dropped.
type Scheduler struct {
	cycler   Cycler
	interval time.Duration
	logger   zerolog.Logger

	state     atomic.Int32
	completed atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64

	mu         sync.Mutex
	lastReport *CycleReport
	lastErr    error
	cancel     context.CancelFunc
	done       chan struct{}
	inflight   sync.WaitGroup
}

func NewScheduler(cycler Cycler, interval time.Duration, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		cycler:   cycler,
		interval: interval,
		logger:   logger.With().Str("component", "scheduler").Logger(),
	}
}

func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// Start begins ticking until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	if s == nil || s.cycler == nil {
		return errSchedulerNotReady
	}
	if s.interval <= 0 {
		return errors.New("maintenance interval must be > 0")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrSchedulerStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(runCtx, s.done)

	s.logger.Info().Dur("interval", s.interval).Msg("maintenance scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		s.skipped.Add(1)
		s.logger.Debug().Msg("maintenance tick skipped; cycle in progress")
		return
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer s.state.Store(int32(StateIdle))
		_, _ = s.run(ctx, "interval")
	}()
}

// Trigger runs one cycle now and waits for it. It returns
// ErrCycleInProgress without running when another cycle is active.
func (s *Scheduler) Trigger(ctx context.Context) (CycleReport, error) {
	if s == nil || s.cycler == nil {
		return CycleReport{}, errSchedulerNotReady
	}
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		s.skipped.Add(1)
		return CycleReport{}, ErrCycleInProgress
	}
	defer s.state.Store(int32(StateIdle))
	return s.run(ctx, "manual")
}

func (s *Scheduler) run(ctx context.Context, trigger string) (CycleReport, error) {
	report, err := s.cycler.RunCycle(ctx)

	s.mu.Lock()
	s.lastReport = &report
	s.lastErr = err
	s.mu.Unlock()

	if err != nil {
		s.failed.Add(1)
		s.logger.Error().Err(err).Str("trigger", trigger).Msg("maintenance cycle failed")
		return report, err
	}
	s.completed.Add(1)
	s.logger.Debug().Str("trigger", trigger).Dur("duration", report.Duration).Msg("maintenance cycle completed")
	return report, nil
}

// Stop halts ticking and waits for an in-flight interval cycle to return.
func (s *Scheduler) Stop() {
	if s == nil {
		return
	}
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.inflight.Wait()
	s.logger.Info().Msg("maintenance scheduler stopped")
}

func (s *Scheduler) Stats() SchedulerStats {
	stats := SchedulerStats{
		State:     s.State().String(),
		Completed: s.completed.Load(),
		Failed:    s.failed.Load(),
		Skipped:   s.skipped.Load(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastReport != nil {
		report := *s.lastReport
		stats.LastReport = &report
	}
	if s.lastErr != nil {
		stats.LastError = s.lastErr.Error()
	}
	return stats
}
