package main

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrAlreadyRunning = errors.New("a purchase run is already in progress")
	ErrNotRunning     = errors.New("no purchase run in progress")
)

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseWaitingForTime
	PhaseActionTriggered
	PhaseWaitingForNavigation
	PhaseWaitingForIdleNetwork
	PhasePollingControl
	PhaseReloading
	PhaseTerminated
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseWaitingForTime:
		return "waiting-for-time"
	case PhaseActionTriggered:
		return "action-triggered"
	case PhaseWaitingForNavigation:
		return "waiting-for-navigation"
	case PhaseWaitingForIdleNetwork:
		return "waiting-for-idle-network"
	case PhasePollingControl:
		return "polling-control"
	case PhaseReloading:
		return "reloading"
	case PhaseTerminated:
		return "terminated"
	}
	return "unknown"
}

type TerminationReason int

const (
	ReasonNone TerminationReason = iota
	ReasonSuccess
	ReasonBudgetExhausted
	ReasonNavigationTimeout
	ReasonUserStop
)

func (r TerminationReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonSuccess:
		return "success"
	case ReasonBudgetExhausted:
		return "budget-exhausted"
	case ReasonNavigationTimeout:
		return "navigation-timeout"
	case ReasonUserStop:
		return "user-stop"
	}
	return "unknown"
}

// Clock is the time source for the target-time comparison.
type Clock interface {
	Now() time.Time
}

// resyncingClock is a Clock that can refresh its offset from the server.
type resyncingClock interface {
	Clock
	ShouldResync() bool
	Sync() error
}

const (
	// Resync only while the fire time is further away than this.
	resyncMargin = 30 * time.Second
	resyncRetry  = time.Minute
)

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// HostPage is everything the orchestrator needs from the page it drives.
type HostPage interface {
	ActivitySource
	URL() (string, error)
	// Inspect returns nil signals when no element matches the selector.
	Inspect(spec ControlSpec) (*ControlSignals, error)
	Click(selector string) error
	// Reload reloads the page and waits for it to load.
	Reload() error
}

type Controls struct {
	Primary         ControlSpec
	Submit          ControlSpec
	PostActionRoute *regexp.Regexp
}

type Timings struct {
	TimeTick          time.Duration
	PollTick          time.Duration
	NavigationTick    time.Duration
	NavigationTimeout time.Duration
	IdleTimeout       time.Duration
	IdleWindow        time.Duration
	// GraceTicks bounds consecutive absent/indeterminate polls per page load.
	GraceTicks int
}

type OrchestratorDeps struct {
	Host     HostPage
	Store    StateStore
	Clock    Clock
	Controls Controls
	Timings  Timings
	Logger   *zap.Logger
}

// Orchestrator drives one page load of a purchase run. A reload ends the
// instance; the next page load builds a new one and calls Resume.
type Orchestrator struct {
	host     HostPage
	store    StateStore
	clock    Clock
	detector *IdleDetector
	controls Controls
	timings  Timings
	logger   *zap.Logger

	mu       sync.Mutex
	phase    Phase
	reason   TerminationReason
	state    OrchestratorState
	running  bool
	stopping bool
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewOrchestrator(deps OrchestratorDeps) *Orchestrator {
	if deps.Clock == nil {
		deps.Clock = systemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Orchestrator{
		host:     deps.Host,
		store:    deps.Store,
		clock:    deps.Clock,
		detector: NewIdleDetector(deps.Host, deps.Logger),
		controls: deps.Controls,
		timings:  deps.Timings,
		logger:   deps.Logger.Named("orchestrator"),
		phase:    PhaseIdle,
	}
}

func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

func (o *Orchestrator) Reason() TerminationReason {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reason
}

func (o *Orchestrator) State() OrchestratorState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Start begins a fresh run from user input and persists the initial record.
func (o *Orchestrator) Start(st OrchestratorState) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.phase != PhaseIdle && o.phase != PhaseTerminated {
		return ErrAlreadyRunning
	}

	st.IsRunning = true
	st.RefreshCount = 0
	if err := st.validate(); err != nil {
		return fmt.Errorf("invalid run settings: %w", err)
	}
	if err := o.store.Save(st); err != nil {
		return err
	}

	o.state = st
	o.reason = ReasonNone
	o.stopping = false
	o.setPhaseLocked(PhaseWaitingForTime)
	return nil
}

// Resume re-enters a run after a page load. On the post-action route the
// first-pass phases are skipped and the action is not triggered again.
func (o *Orchestrator) Resume(st OrchestratorState) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.phase != PhaseIdle {
		return ErrAlreadyRunning
	}
	if !st.IsRunning {
		return ErrNotRunning
	}
	if err := st.validate(); err != nil {
		return fmt.Errorf("invalid persisted state: %w", err)
	}

	o.state = st
	next := PhaseWaitingForTime
	if url, err := o.host.URL(); err == nil && o.controls.PostActionRoute.MatchString(url) {
		next = PhaseWaitingForIdleNetwork
	} else if err != nil {
		o.logger.Debug("Could not read page URL on resume", zap.Error(err))
	}
	o.setPhaseLocked(next)
	return nil
}

// Run drives the state machine until the run terminates or a reload is
// issued. It returns PhaseTerminated or PhaseReloading.
func (o *Orchestrator) Run(ctx context.Context) (Phase, error) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return o.Phase(), ErrAlreadyRunning
	}
	switch o.phase {
	case PhaseIdle:
		o.mu.Unlock()
		return PhaseIdle, ErrNotRunning
	case PhaseTerminated, PhaseReloading:
		p := o.phase
		o.mu.Unlock()
		return p, nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.running = true
	o.cancel = cancel
	o.done = make(chan struct{})
	done := o.done
	o.mu.Unlock()

	defer func() {
		cancel()
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
		close(done)
	}()

	for {
		phase := o.Phase()
		var (
			next Phase
			err  error
		)
		switch phase {
		case PhaseWaitingForTime:
			next, err = o.waitForTime(runCtx)
		case PhaseActionTriggered:
			next, err = o.triggerAction()
		case PhaseWaitingForNavigation:
			next, err = o.waitForNavigation(runCtx)
		case PhaseWaitingForIdleNetwork:
			next, err = o.waitForIdleNetwork(runCtx)
		case PhasePollingControl:
			next, err = o.pollControl(runCtx)
		case PhaseReloading:
			if err := o.reload(runCtx); err != nil {
				return o.exit(ctx, err)
			}
			return PhaseReloading, nil
		case PhaseTerminated:
			return PhaseTerminated, nil
		default:
			return phase, fmt.Errorf("unexpected phase %s", phase)
		}
		if err != nil {
			return o.exit(ctx, err)
		}
		if next == PhaseTerminated {
			// terminate already moved the phase.
			continue
		}
		o.transition(next)
	}
}

// exit resolves a loop error: a stop request becomes Terminated(user-stop).
func (o *Orchestrator) exit(parent context.Context, err error) (Phase, error) {
	o.mu.Lock()
	stopping := o.stopping
	o.mu.Unlock()
	if stopping {
		o.terminate(ReasonUserStop)
		return PhaseTerminated, nil
	}
	if parent.Err() != nil {
		return o.Phase(), parent.Err()
	}
	return o.Phase(), err
}

// Stop cancels the run. It returns only after the loop has exited and its
// timers and subscriptions are released. Stopping a terminated run is a no-op
// beyond making sure the record is cleared.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	if o.phase == PhaseTerminated {
		o.mu.Unlock()
		return o.store.Clear()
	}
	if o.running {
		o.stopping = true
		cancel, done := o.cancel, o.done
		o.mu.Unlock()
		cancel()
		<-done
		// The loop may have returned on its own before seeing the cancel.
		o.terminate(ReasonUserStop)
		return nil
	}
	o.mu.Unlock()
	o.terminate(ReasonUserStop)
	return nil
}

func (o *Orchestrator) waitForTime(ctx context.Context) (Phase, error) {
	st := o.State()
	var fireAt time.Time
	if st.TargetTime != nil {
		fireAt = st.TargetTime.Add(-st.ClickDelay)
		o.logger.Info("Waiting for target time",
			zap.Time("target", *st.TargetTime), zap.Duration("click_delay", st.ClickDelay), zap.Time("fire_at", fireAt))
	}

	ticker := time.NewTicker(o.timings.TimeTick)
	defer ticker.Stop()

	var lastReport, lastResync time.Time
	for {
		select {
		case <-ctx.Done():
			return PhaseWaitingForTime, ctx.Err()
		case <-ticker.C:
		}

		if !fireAt.IsZero() {
			now := o.clock.Now()
			if now.Before(fireAt) {
				if fireAt.Sub(now) > resyncMargin && time.Since(lastResync) >= resyncRetry {
					if o.resync() {
						lastResync = time.Now()
					}
				}
				if now.Sub(lastReport) >= 10*time.Second {
					o.logger.Info("Countdown", zap.Duration("remaining", fireAt.Sub(now).Round(time.Millisecond)))
					lastReport = now
				}
				continue
			}
		}

		status := o.inspect(o.controls.Primary)
		if o.controls.Primary.Ready(status) {
			return PhaseActionTriggered, nil
		}
		o.logger.Debug("Primary control not ready", zap.Stringer("status", status))
	}
}

// resync refreshes a stale server clock. It reports whether a sync was attempted.
func (o *Orchestrator) resync() bool {
	rc, ok := o.clock.(resyncingClock)
	if !ok || !rc.ShouldResync() {
		return false
	}
	if err := rc.Sync(); err != nil {
		o.logger.Warn("Clock resync failed, keeping the previous offset", zap.Error(err))
	}
	return true
}

func (o *Orchestrator) triggerAction() (Phase, error) {
	if err := o.host.Click(o.controls.Primary.Selector); err != nil {
		o.logger.Warn("Primary action click failed, waiting again", zap.Error(err))
		return PhaseWaitingForTime, nil
	}
	o.logger.Info("Primary action triggered")
	return PhaseWaitingForNavigation, nil
}

func (o *Orchestrator) waitForNavigation(ctx context.Context) (Phase, error) {
	ticker := time.NewTicker(o.timings.NavigationTick)
	defer ticker.Stop()
	deadline := time.NewTimer(o.timings.NavigationTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return PhaseWaitingForNavigation, ctx.Err()
		case <-deadline.C:
			o.logger.Error("No navigation after the primary action",
				zap.Duration("timeout", o.timings.NavigationTimeout))
			o.terminate(ReasonNavigationTimeout)
			return PhaseTerminated, nil
		case <-ticker.C:
			url, err := o.host.URL()
			if err != nil {
				o.logger.Debug("Page URL unavailable", zap.Error(err))
				continue
			}
			if o.controls.PostActionRoute.MatchString(url) {
				o.logger.Info("Reached post-action page", zap.String("url", url))
				return PhaseWaitingForIdleNetwork, nil
			}
		}
	}
}

func (o *Orchestrator) waitForIdleNetwork(ctx context.Context) (Phase, error) {
	result, err := o.detector.AwaitIdle(ctx, o.timings.IdleTimeout, o.timings.IdleWindow)
	if err != nil {
		return PhaseWaitingForIdleNetwork, err
	}
	if result == IdleCanceled {
		return PhaseWaitingForIdleNetwork, ctx.Err()
	}
	o.logger.Debug("Network wait finished", zap.Stringer("result", result))
	return PhasePollingControl, nil
}

func (o *Orchestrator) pollControl(ctx context.Context) (Phase, error) {
	ticker := time.NewTicker(o.timings.PollTick)
	defer ticker.Stop()

	grace := 0
	for {
		select {
		case <-ctx.Done():
			return PhasePollingControl, ctx.Err()
		case <-ticker.C:
		}

		status := o.inspect(o.controls.Submit)
		switch {
		case o.controls.Submit.Ready(status):
			if err := o.host.Click(o.controls.Submit.Selector); err != nil {
				o.logger.Warn("Submit click failed", zap.Error(err))
				status = StatusAbsent
				break
			}
			o.logger.Info("Submit control clicked")
			o.terminate(ReasonSuccess)
			return PhaseTerminated, nil
		case status == StatusDisabled:
			o.logger.Info("Submit control disabled")
			return o.consumeRetry()
		}

		if status == StatusAbsent || status == StatusIndeterminate {
			grace++
			o.logger.Debug("Submit control not decided",
				zap.Stringer("status", status), zap.Int("grace", grace), zap.Int("grace_budget", o.timings.GraceTicks))
			if grace >= o.timings.GraceTicks {
				o.logger.Info("Grace budget exhausted", zap.Stringer("status", status))
				return o.consumeRetry()
			}
		}
	}
}

// consumeRetry writes the save-point for a reload, or ends the run when the
// retry budget is spent.
func (o *Orchestrator) consumeRetry() (Phase, error) {
	o.mu.Lock()
	if o.state.RefreshCount >= o.state.MaxRefreshCount {
		max := o.state.MaxRefreshCount
		o.mu.Unlock()
		o.logger.Warn("Retry budget exhausted", zap.Int("max_refresh_count", max))
		o.terminate(ReasonBudgetExhausted)
		return PhaseTerminated, nil
	}
	next := o.state
	next.RefreshCount++
	if err := o.store.Save(next); err != nil {
		o.mu.Unlock()
		return PhasePollingControl, fmt.Errorf("failed to persist save-point: %w", err)
	}
	o.state = next
	o.mu.Unlock()
	return PhaseReloading, nil
}

func (o *Orchestrator) reload(ctx context.Context) error {
	st := o.State()
	o.logger.Info("Reloading page",
		zap.Duration("after", st.RefreshInterval),
		zap.Int("refresh_count", st.RefreshCount), zap.Int("max_refresh_count", st.MaxRefreshCount))

	timer := time.NewTimer(st.RefreshInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	if err := o.host.Reload(); err != nil {
		return fmt.Errorf("failed to reload page: %w", err)
	}
	return nil
}

// inspect treats host errors as an absent control for this tick.
func (o *Orchestrator) inspect(spec ControlSpec) ControlStatus {
	sig, err := o.host.Inspect(spec)
	if err != nil {
		o.logger.Debug("Control inspection failed", zap.String("selector", spec.Selector), zap.Error(err))
		return StatusAbsent
	}
	return Classify(spec, sig)
}

func (o *Orchestrator) transition(to Phase) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.setPhaseLocked(to)
}

func (o *Orchestrator) setPhaseLocked(to Phase) {
	from := o.phase
	o.phase = to
	o.logger.Info("Phase transition",
		zap.Stringer("from", from), zap.Stringer("to", to), zap.Int("refresh_count", o.state.RefreshCount))
}

// terminate is the single exit into the absorbing state; it clears the record.
func (o *Orchestrator) terminate(reason TerminationReason) {
	o.mu.Lock()
	if o.phase == PhaseTerminated {
		o.mu.Unlock()
		return
	}
	o.reason = reason
	o.state.IsRunning = false
	o.setPhaseLocked(PhaseTerminated)
	o.mu.Unlock()

	if err := o.store.Clear(); err != nil {
		o.logger.Error("Failed to clear persisted state", zap.Error(err))
	}
	o.logger.Info("Run terminated", zap.Stringer("reason", reason))
}
