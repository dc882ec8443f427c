package main

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var ErrIdleDetectorBusy = errors.New("idle detector already waiting")

// ActivitySource reports in-flight network activity. The returned function
// ends the subscription; calling it more than once must be harmless.
type ActivitySource interface {
	SubscribeActivity(onActivity func()) (unsubscribe func())
}

type IdleResult int

const (
	IdleReached IdleResult = iota
	IdleTimedOut
	IdleCanceled
)

func (r IdleResult) String() string {
	switch r {
	case IdleReached:
		return "idle"
	case IdleTimedOut:
		return "timeout"
	case IdleCanceled:
		return "canceled"
	}
	return "unknown"
}

// IdleDetector resolves once no network activity has been seen for a quiet
// window, or once a hard timeout elapses.
type IdleDetector struct {
	source ActivitySource
	logger *zap.Logger
	active atomic.Bool
}

func NewIdleDetector(source ActivitySource, logger *zap.Logger) *IdleDetector {
	return &IdleDetector{
		source: source,
		logger: logger.Named("idle"),
	}
}

// AwaitIdle blocks until idleWindow passes without activity, timeout elapses,
// or ctx is done. It never returns an error for a timeout; the only error is
// ErrIdleDetectorBusy when a wait is already in progress.
func (d *IdleDetector) AwaitIdle(ctx context.Context, timeout, idleWindow time.Duration) (IdleResult, error) {
	if !d.active.CompareAndSwap(false, true) {
		return IdleCanceled, ErrIdleDetectorBusy
	}
	defer d.active.Store(false)

	activity := make(chan struct{}, 1)
	var events atomic.Int64
	unsubscribe := d.source.SubscribeActivity(func() {
		events.Add(1)
		select {
		case activity <- struct{}{}:
		default:
		}
	})
	var once sync.Once
	release := func() { once.Do(unsubscribe) }
	defer release()

	quiet := time.NewTimer(idleWindow)
	defer quiet.Stop()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	started := time.Now()
	for {
		select {
		case <-ctx.Done():
			release()
			return IdleCanceled, nil
		case <-activity:
			// Re-arm the quiet window from this activity.
			if !quiet.Stop() {
				select {
				case <-quiet.C:
				default:
				}
			}
			quiet.Reset(idleWindow)
		case <-quiet.C:
			release()
			d.logger.Debug("Network is idle.",
				zap.Duration("waited", time.Since(started)), zap.Int64("events", events.Load()))
			return IdleReached, nil
		case <-deadline.C:
			release()
			d.logger.Debug("Network idle wait timed out.",
				zap.Duration("timeout", timeout), zap.Int64("events", events.Load()))
			return IdleTimedOut, nil
		}
	}
}

// Active reports whether a wait is currently in progress.
func (d *IdleDetector) Active() bool {
	return d.active.Load()
}
