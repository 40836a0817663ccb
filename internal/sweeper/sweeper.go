// Package sweeper periodically deletes expired session rows.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ghaggin/brochure/internal/config"
	"github.com/ghaggin/brochure/internal/metrics"
	"github.com/ghaggin/brochure/internal/sessionstore"
	"github.com/robfig/cron/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	ErrSweepFailed     = errors.New("session sweep failed")
	ErrSweepInProgress = errors.New("session sweep already running")
)

type State int32

const (
	Idle State = iota
	Sweeping
)

func (s State) String() string {
	if s == Sweeping {
		return "sweeping"
	}
	return "idle"
}

// Purger deletes expired sessions and reports how many rows went away.
// Count reports the live rows left afterwards.
type Purger interface {
	DeleteExpired(ctx context.Context) (int64, error)
	Count(ctx context.Context) (int64, error)
}

type Sweeper struct {
	purger  Purger
	log     *zap.Logger
	timeout time.Duration

	cron  *cron.Cron
	mu    sync.Mutex // held while a sweep runs
	state atomic.Int32

	// ctx is cancelled by Stop so an in-flight sweep gives up promptly.
	ctx    context.Context
	cancel context.CancelFunc
}

type Params struct {
	fx.In

	Store  *sessionstore.Store
	Config *config.Config
	Log    *zap.Logger
}

func New(p Params) *Sweeper {
	return NewSweeper(p.Store, p.Log, p.Config.Session.SweepInterval, p.Config.Session.SweepTimeout)
}

func NewSweeper(purger Purger, log *zap.Logger, interval, timeout time.Duration) *Sweeper {
	ctx, cancel := context.WithCancel(context.Background())
	log = log.Named("sweeper")

	s := &Sweeper{
		purger:  purger,
		log:     log,
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
	}

	cl := cronLogger{log: log.Sugar()}
	s.cron = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	s.cron.Schedule(cron.Every(interval), cron.FuncJob(s.tick))

	return s
}

// RegisterHooks should be invoked by fx
func RegisterHooks(lc fx.Lifecycle, s *Sweeper) {
	lc.Append(fx.Hook{
		OnStart: s.Start,
		OnStop:  s.Stop,
	})
}

func (s *Sweeper) Start(_ context.Context) error {
	s.cron.Start()
	s.log.Info("session sweeper started")
	return nil
}

// Stop cancels a running sweep and waits for it to return, or for ctx.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()

	select {
	case <-done.Done():
		s.log.Info("session sweeper stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sweeper) State() State {
	return State(s.state.Load())
}

func (s *Sweeper) tick() {
	_, err := s.Sweep(s.ctx)
	if errors.Is(err, ErrSweepInProgress) {
		s.log.Debug("previous sweep still running, skipping tick")
	}
}

// Sweep runs one purge pass. It never overlaps with another pass; a call
// made while one is running returns ErrSweepInProgress.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	if !s.mu.TryLock() {
		return 0, ErrSweepInProgress
	}
	defer s.mu.Unlock()

	s.state.Store(int32(Sweeping))
	defer s.state.Store(int32(Idle))

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	n, err := s.purger.DeleteExpired(ctx)
	elapsed := time.Since(start)
	metrics.SweepDuration.Observe(elapsed.Seconds())

	if err != nil {
		metrics.SweepFailures.Inc()
		s.log.Error("session sweep failed, retrying next tick", zap.Error(err), zap.Duration("elapsed", elapsed))
		return 0, fmt.Errorf("%w: %w", ErrSweepFailed, err)
	}

	metrics.SweptSessions.Add(float64(n))

	live, err := s.purger.Count(ctx)
	if err != nil {
		s.log.Warn("counting live sessions", zap.Error(err))
	} else {
		metrics.LiveSessions.Set(float64(live))
	}

	s.log.Debug("session sweep done", zap.Int64("deleted", n), zap.Int64("live", live), zap.Duration("elapsed", elapsed))

	return n, nil
}

type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
