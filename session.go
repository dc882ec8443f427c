package main

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Session spans every page load of one run. Each load gets a fresh
// Orchestrator rebuilt from the persisted record only.
type Session struct {
	deps   OrchestratorDeps
	logger *zap.Logger

	mu        sync.Mutex
	current   *Orchestrator
	stopped   bool
	pageLoads int
}

func NewSession(deps OrchestratorDeps) *Session {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Session{
		deps:   deps,
		logger: deps.Logger.Named("session"),
	}
}

// Start begins a fresh run and drives it to a terminal outcome. A persisted
// run that has not finished must be resumed or cleared first.
func (s *Session) Start(ctx context.Context, st OrchestratorState) (TerminationReason, error) {
	if prev := s.deps.Store.Load(); prev.IsRunning {
		s.logger.Warn("Refusing to replace an unfinished run",
			zap.Int("refresh_count", prev.RefreshCount), zap.Int("max_refresh_count", prev.MaxRefreshCount))
		return ReasonNone, fmt.Errorf("%w: refresh_count %d/%d", ErrAlreadyRunning, prev.RefreshCount, prev.MaxRefreshCount)
	}

	o := s.begin()
	if o == nil {
		return ReasonUserStop, nil
	}
	if err := o.Start(st); err != nil {
		return ReasonNone, err
	}
	return s.drive(ctx, o)
}

// Resume continues the run in the persisted record on the current page.
func (s *Session) Resume(ctx context.Context) (TerminationReason, error) {
	st := s.deps.Store.Load()
	if !st.IsRunning {
		return ReasonNone, ErrNotRunning
	}
	o := s.begin()
	if o == nil {
		return ReasonUserStop, nil
	}
	if err := o.Resume(st); err != nil {
		return ReasonNone, err
	}
	return s.drive(ctx, o)
}

// Stop ends the run from outside, e.g. on a key press.
func (s *Session) Stop() error {
	s.mu.Lock()
	s.stopped = true
	o := s.current
	s.mu.Unlock()

	if o == nil {
		return s.deps.Store.Clear()
	}
	return o.Stop()
}

// PageLoads reports how many orchestrator instances this session created.
func (s *Session) PageLoads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pageLoads
}

func (s *Session) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Session) begin() *Orchestrator {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.current = NewOrchestrator(s.deps)
	s.pageLoads++
	return s.current
}

func (s *Session) drive(ctx context.Context, o *Orchestrator) (TerminationReason, error) {
	for {
		phase, err := o.Run(ctx)
		if err != nil {
			return o.Reason(), err
		}
		if phase == PhaseTerminated {
			return o.Reason(), nil
		}

		// The page reloaded: everything but the record is gone.
		st := s.deps.Store.Load()
		next := s.begin()
		if next == nil {
			if err := s.deps.Store.Clear(); err != nil {
				return ReasonUserStop, err
			}
			return ReasonUserStop, nil
		}
		if !st.IsRunning {
			s.logger.Info("Persisted run cleared while reloading")
			return ReasonUserStop, nil
		}
		s.logger.Info("Resuming after reload",
			zap.Int("page_load", s.PageLoads()), zap.Int("refresh_count", st.RefreshCount))
		if err := next.Resume(st); err != nil {
			if s.isStopped() {
				return ReasonUserStop, nil
			}
			return ReasonNone, err
		}
		o = next
	}
}
