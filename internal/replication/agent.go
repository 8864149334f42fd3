package replication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-ingester-mysql/internal/metrics"
	"github.com/katasec/dstream-ingester-mysql/internal/utils"
	"github.com/katasec/dstream-ingester-mysql/pkg/cdc"
)

// State is the lifecycle state of an Agent.
type State int32

const (
	StateInit State = iota
	StateLocked
	StateStreamOpen
	StateRunning
	StateShuttingDownClean
	StateShuttingDownNoCheckpoint
	StateFatal
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateLocked:
		return "locked"
	case StateStreamOpen:
		return "stream_open"
	case StateRunning:
		return "running"
	case StateShuttingDownClean:
		return "shutting_down_clean"
	case StateShuttingDownNoCheckpoint:
		return "shutting_down_nocheckpoint"
	case StateFatal:
		return "fatal"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

const releaseTimeout = 10 * time.Second

// Options are the per-source settings of an Agent.
type Options struct {
	SourceID    string
	LockPath    string
	LockTimeout time.Duration
	GracePeriod time.Duration
}

// Agent owns the lock, the stream and the dispatch loop of one source.
type Agent struct {
	opts       Options
	locks      cdc.LockService
	resumer    *Resumer
	dispatcher *Dispatcher
	controller *ShutdownController
	metrics    *metrics.Metrics
	log        hclog.Logger

	state atomic.Int32
}

func NewAgent(opts Options, locks cdc.LockService, resumer *Resumer, dispatcher *Dispatcher, controller *ShutdownController, m *metrics.Metrics, log hclog.Logger) *Agent {
	return &Agent{
		opts:       opts,
		locks:      locks,
		resumer:    resumer,
		dispatcher: dispatcher,
		controller: controller,
		metrics:    m,
		log:        log.Named("agent"),
	}
}

func (a *Agent) State() State {
	return State(a.state.Load())
}

func (a *Agent) setState(s State) {
	a.state.Store(int32(s))
	a.metrics.SetState(int(s))
	a.log.Debug("State changed", "state", s)
}

// Run replicates until a signal arrives, ctx is cancelled or the stream ends,
// then shuts down gracefully and returns nil. Any other failure is returned.
func (a *Agent) Run(ctx context.Context, signals <-chan os.Signal) (err error) {
	a.setState(StateInit)
	defer func() {
		if err != nil {
			a.setState(StateFatal)
			a.log.Error("Replication stopped", "error", err)
		}
		a.setState(StateTerminated)
	}()

	handle, stream, early, err := a.start(ctx, signals)
	if early != nil {
		a.controller.Begin(early.String())
		if err != nil {
			a.log.Debug("Startup interrupted", "error", err)
		}
		if stream != nil {
			stream.Close()
		}
		if handle != nil {
			a.release(handle)
		}
		a.setState(StateShuttingDownNoCheckpoint)
		a.log.Info("Gracefully shutting down without checkpoint", "reason", "interrupted during startup")
		return nil
	}
	if err != nil {
		return err
	}
	defer stream.Close()

	abandoned := false
	defer func() {
		if abandoned {
			a.log.Warn("Handler still running, leaving the lock to expire", "source", a.opts.SourceID)
			return
		}
		a.release(handle)
	}()

	loopCtx, stopLoop := context.WithCancel(ctx)
	defer stopLoop()
	done := make(chan error, 1)
	go func() {
		done <- a.dispatcher.Run(loopCtx, stream)
	}()
	a.setState(StateRunning)
	a.log.Info("Replication running", "source", a.opts.SourceID)

	var trigger string
	select {
	case sig := <-signals:
		trigger = sig.String()
	case <-ctx.Done():
		trigger = "context"
	case lost := <-handle.Lost():
		return fmt.Errorf("lost lock for source %s: %w", a.opts.SourceID, lost)
	case err := <-done:
		switch {
		case errors.Is(err, io.EOF):
			a.log.Info("Stream ended")
			trigger = "stream_end"
		case ctx.Err() != nil:
			trigger = "context"
		default:
			return err
		}
		a.controller.Begin(trigger)
		return a.shutdown()
	}

	a.controller.Begin(trigger)
	ignoreDone := make(chan struct{})
	defer close(ignoreDone)
	go func() {
		for {
			select {
			case sig := <-signals:
				a.controller.Begin(sig.String())
			case <-ignoreDone:
				return
			}
		}
	}()

	stopLoop()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
			return err
		}
	case <-time.After(a.opts.GracePeriod):
		abandoned = true
		a.log.Warn("In-flight event did not finish within the grace period, abandoning it",
			"grace_period", a.opts.GracePeriod, "category", a.dispatcher.CurrentCategory())
	}
	return a.shutdown()
}

// start takes the lock and opens the stream. A signal during either step
// cancels it and is returned as early, with whatever was already acquired.
func (a *Agent) start(ctx context.Context, signals <-chan os.Signal) (handle cdc.LockHandle, stream cdc.Stream, early os.Signal, err error) {
	startCtx, stopWatch := utils.CancelOnSignal(ctx, signals)
	defer func() {
		early = stopWatch()
	}()

	lockStart := time.Now()
	handle, err = a.locks.Acquire(startCtx, a.opts.LockPath, a.opts.SourceID, a.opts.LockTimeout)
	a.metrics.ObserveLockWait(time.Since(lockStart))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to lock source %s: %w", a.opts.SourceID, err)
	}
	a.setState(StateLocked)

	stream, err = a.resumer.Resume(startCtx, a.opts.SourceID)
	if err != nil {
		a.release(handle)
		return nil, nil, nil, err
	}
	a.setState(StateStreamOpen)
	return handle, stream, nil, nil
}

func (a *Agent) release(handle cdc.LockHandle) {
	releaseCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := handle.Release(releaseCtx); err != nil {
		a.log.Warn("Failed to release lock", "error", err)
	}
}

func (a *Agent) shutdown() error {
	if a.dispatcher.CurrentCategory() == cdc.CategoryDataEvent {
		a.setState(StateShuttingDownClean)
	} else {
		a.setState(StateShuttingDownNoCheckpoint)
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.opts.GracePeriod)
	defer cancel()
	a.controller.Finish(ctx)
	return nil
}
