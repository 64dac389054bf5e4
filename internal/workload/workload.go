// Package workload drives a peer through repeated critical-section attempts:
// a startup grace period, then a fixed number of attempts each preceded by a
// random pause. Inside the section the peer records its entry and exit in
// the shared log and simulates work.
package workload

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/ramutex/internal/clock"
	"pkt.systems/ramutex/internal/correlation"
	"pkt.systems/ramutex/internal/ra"
	"pkt.systems/ramutex/internal/sharedlog"
	"pkt.systems/ramutex/internal/svcfields"
)

// Locker is the slice of ra.Coordinator the runner needs.
type Locker interface {
	RequestCriticalSection(ctx context.Context, fn func(context.Context) error) error
	Snapshot() ra.Snapshot
}

// Config describes a workload.
type Config struct {
	Attempts     int
	StartupDelay time.Duration
	JitterMin    time.Duration
	JitterMax    time.Duration
	Hold         time.Duration
	// Log receives enter/exit entries; nil skips recording.
	Log    *sharedlog.Log
	Clock  clock.Clock
	Rand   *rand.Rand
	Logger pslog.Logger
}

// Result counts attempt outcomes.
type Result struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Runner executes a workload against a Locker.
type Runner struct {
	cfg    Config
	locker Locker
	logger pslog.Logger

	mu     sync.Mutex
	result Result
}

// New validates cfg and returns a runner.
func New(cfg Config, locker Locker) (*Runner, error) {
	if locker == nil {
		return nil, errors.New("workload: locker required")
	}
	if cfg.Attempts < 0 {
		return nil, fmt.Errorf("workload: attempts must be >= 0, got %d", cfg.Attempts)
	}
	if cfg.JitterMin < 0 || cfg.JitterMax < cfg.JitterMin {
		return nil, fmt.Errorf("workload: invalid jitter range [%s, %s]", cfg.JitterMin, cfg.JitterMax)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "workload")
	return &Runner{cfg: cfg, locker: locker, logger: logger}, nil
}

// Result returns the outcome counts so far.
func (r *Runner) Result() Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

// Run performs every attempt and returns when they are done, ctx is
// cancelled or the locker is closed. Critical-section failures are counted
// and joined into the returned error without stopping the run.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	if err := clock.Sleep(ctx, r.cfg.Clock, r.cfg.StartupDelay); err != nil {
		return r.Result(), nil
	}
	var failures []error
	for attempt := 1; attempt <= r.cfg.Attempts; attempt++ {
		if err := clock.Sleep(ctx, r.cfg.Clock, r.jitter()); err != nil {
			break
		}
		r.logger.Info("workload.attempt.start", "attempt", attempt, "of", r.cfg.Attempts)
		err := r.locker.RequestCriticalSection(ctx, func(ctx context.Context) error {
			return r.criticalSection(ctx, attempt)
		})
		r.mu.Lock()
		if err != nil {
			r.result.Failed++
		} else {
			r.result.Completed++
		}
		r.mu.Unlock()
		if errors.Is(err, ra.ErrClosed) {
			r.logger.Info("workload.stopped", "attempt", attempt, "reason", "closed")
			break
		}
		if err != nil {
			r.logger.Warn("workload.attempt.failed", "attempt", attempt, "error", err)
			failures = append(failures, fmt.Errorf("attempt %d: %w", attempt, err))
		}
	}
	result := r.Result()
	r.logger.Info("workload.finished", "completed", result.Completed, "failed", result.Failed)
	return result, errors.Join(failures...)
}

func (r *Runner) jitter() time.Duration {
	span := r.cfg.JitterMax - r.cfg.JitterMin
	if span <= 0 {
		return r.cfg.JitterMin
	}
	return r.cfg.JitterMin + time.Duration(r.cfg.Rand.Int64N(int64(span)+1))
}

func (r *Runner) criticalSection(ctx context.Context, attempt int) error {
	logger := correlation.Logger(ctx, r.logger)
	snap := r.locker.Snapshot()
	episode := correlation.ID(ctx)
	if err := r.record(sharedlog.EventEnter, snap, episode, attempt); err != nil {
		return err
	}
	logger.Info("workload.cs.entered", "attempt", attempt, "request_ts", uint64(snap.RequestTimestamp))
	sleepErr := clock.Sleep(ctx, r.cfg.Clock, r.cfg.Hold)
	if err := r.record(sharedlog.EventExit, r.locker.Snapshot(), episode, attempt); err != nil {
		return err
	}
	logger.Info("workload.cs.exited", "attempt", attempt)
	return sleepErr
}

func (r *Runner) record(ev sharedlog.Event, snap ra.Snapshot, episode string, attempt int) error {
	if r.cfg.Log == nil {
		return nil
	}
	return r.cfg.Log.Append(sharedlog.Entry{
		Time:    r.cfg.Clock.Now(),
		Peer:    int(snap.Self.ID),
		Event:   ev,
		Episode: episode,
		Clock:   uint64(snap.Clock),
		Attempt: attempt,
	})
}
