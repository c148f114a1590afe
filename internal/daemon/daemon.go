// Package daemon schedules pipeline cycles on a single worker goroutine.
package daemon

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rancher/deployd/internal/orchestrator"
)

// DefaultFallbackInterval is the delay used when no repository has a pending check.
const DefaultFallbackInterval = 30 * time.Second

// Cycler runs pipeline cycles and reports when the next one is due.
type Cycler interface {
	RunCycle(ctx context.Context) (orchestrator.CycleResult, error)
	NextCheckTime() (time.Time, bool)
}

// CycleObserver receives the duration of every finished cycle.
type CycleObserver interface {
	ObserveCycle(success bool, elapsed time.Duration)
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	Running    bool                      `json:"running"`
	Cycles     int                       `json:"cycles"`
	LastResult *orchestrator.CycleResult `json:"last_result,omitempty"`
	LastError  string                    `json:"last_error,omitempty"`
	NextRun    time.Time                 `json:"next_run"`
}

// Daemon owns every cycle. Cycles never overlap: requests made while one is
// running are folded into a single follow-up cycle.
type Daemon struct {
	Cycler           Cycler
	Metrics          CycleObserver
	Logger           *zap.Logger
	FallbackInterval time.Duration
	Clock            func() time.Time

	initOnce  sync.Once
	cycleSoon chan struct{}

	mu     sync.RWMutex
	status Status

	stop chan struct{}
	wg   sync.WaitGroup
}

// New returns a Daemon for cycler with the default fallback interval.
func New(cycler Cycler, observer CycleObserver, logger *zap.Logger) *Daemon {
	return &Daemon{
		Cycler:           cycler,
		Metrics:          observer,
		Logger:           logger,
		FallbackInterval: DefaultFallbackInterval,
	}
}

func (d *Daemon) ensureInit() {
	d.initOnce.Do(func() {
		d.cycleSoon = make(chan struct{}, 1)
		if d.Logger == nil {
			d.Logger = zap.NewNop()
		}
		if d.Clock == nil {
			d.Clock = time.Now
		}
		if d.FallbackInterval <= 0 {
			d.FallbackInterval = DefaultFallbackInterval
		}
	})
}

// AskForCycle requests a cycle as soon as the worker is free.
func (d *Daemon) AskForCycle() {
	d.ensureInit()
	select {
	case d.cycleSoon <- struct{}{}:
	default:
	}
}

// Status returns a copy of the scheduler state.
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()
	status := d.status
	if status.LastResult != nil {
		result := *status.LastResult
		status.LastResult = &result
	}
	return status
}

// Loop runs cycles until stop is closed. A cycle in flight observes stop
// through its context and ends after the repository it is working on.
func (d *Daemon) Loop(stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	d.ensureInit()
	logger := d.Logger

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	delay := d.nextDelay()
	if next, ok := d.Cycler.NextCheckTime(); ok && !next.After(d.Clock()) {
		d.AskForCycle()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			logger.Info("stopping scheduler")
			return
		case <-d.cycleSoon:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			d.runCycle(ctx)
			timer.Reset(d.nextDelay())
		case <-timer.C:
			d.AskForCycle()
		}
	}
}

func (d *Daemon) runCycle(ctx context.Context) {
	d.mu.Lock()
	d.status.Running = true
	d.mu.Unlock()

	started := d.Clock()
	result, err := d.Cycler.RunCycle(ctx)
	elapsed := d.Clock().Sub(started)

	if d.Metrics != nil {
		d.Metrics.ObserveCycle(err == nil && result.Succeeded(), elapsed)
	}
	switch {
	case errors.Is(err, context.Canceled):
		d.Logger.Info("cycle interrupted", zap.Duration("elapsed", elapsed))
	case err != nil:
		d.Logger.Error("cycle failed", zap.Error(err), zap.Duration("elapsed", elapsed))
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.status.Running = false
	d.status.Cycles++
	d.status.LastResult = &result
	d.status.LastError = ""
	if err != nil {
		d.status.LastError = err.Error()
	}
}

// nextDelay returns the time until the earliest repository check, falling
// back to FallbackInterval when none is pending in the future.
func (d *Daemon) nextDelay() time.Duration {
	now := d.Clock()
	delay := d.FallbackInterval
	if next, ok := d.Cycler.NextCheckTime(); ok {
		if until := next.Sub(now); until > 0 {
			delay = until
		}
	}

	d.mu.Lock()
	d.status.NextRun = now.Add(delay)
	d.mu.Unlock()
	return delay
}

// Start launches Loop on its own goroutine.
func (d *Daemon) Start(context.Context) error {
	d.ensureInit()
	d.mu.Lock()
	if d.stop != nil {
		d.mu.Unlock()
		return errors.New("daemon already started")
	}
	d.stop = make(chan struct{})
	stop := d.stop
	d.mu.Unlock()

	d.wg.Add(1)
	go d.Loop(stop, &d.wg)
	d.Logger.Info("scheduler started")
	return nil
}

// Stop signals the loop and waits for it to exit or for ctx to expire.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	stop := d.stop
	d.stop = nil
	d.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
