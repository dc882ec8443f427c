package main

import (
	"regexp"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

const (
	testItemURL  = "https://weidian.com/item.html?itemID=42"
	testOrderURL = "https://weidian.com/buy/add-order/index.php?itemID=42"
)

var (
	sigEnabled       = &ControlSignals{Classes: []string{"submit-enabled"}, GuardPresent: true}
	sigDisabled      = &ControlSignals{DisabledProp: true, GuardPresent: true}
	sigIndeterminate = &ControlSignals{Classes: []string{"btn"}, GuardPresent: true}
	sigPlainButton   = &ControlSignals{Classes: []string{"buy-now"}, GuardPresent: true}
)

// fakeHost is a scripted page. submit answers are consumed one per
// inspection; the last one repeats.
type fakeHost struct {
	mu sync.Mutex

	url             string
	navigateOnClick string
	primary         *ControlSignals
	submit          []*ControlSignals
	submitIdx       int
	inspectErr      error

	clicks        map[string]int
	reloads       int
	submitPolls   int
	subscriptions int
	active        int
}

func newFakeHost(url string) *fakeHost {
	return &fakeHost{
		url:     url,
		primary: sigPlainButton,
		clicks:  make(map[string]int),
	}
}

func (h *fakeHost) URL() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.url, nil
}

func (h *fakeHost) Inspect(spec ControlSpec) (*ControlSignals, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.inspectErr != nil {
		return nil, h.inspectErr
	}
	if spec.Selector == testControls().Primary.Selector {
		return h.primary, nil
	}
	h.submitPolls++
	if len(h.submit) == 0 {
		return nil, nil
	}
	sig := h.submit[h.submitIdx]
	if h.submitIdx < len(h.submit)-1 {
		h.submitIdx++
	}
	return sig, nil
}

func (h *fakeHost) Click(selector string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clicks[selector]++
	if selector == testControls().Primary.Selector && h.navigateOnClick != "" {
		h.url = h.navigateOnClick
	}
	return nil
}

func (h *fakeHost) Reload() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reloads++
	return nil
}

func (h *fakeHost) SubscribeActivity(onActivity func()) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscriptions++
	h.active++
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.active--
	}
}

func (h *fakeHost) snapshot() (clicks map[string]int, reloads, submitPolls, active int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clicks = make(map[string]int, len(h.clicks))
	for k, v := range h.clicks {
		clicks[k] = v
	}
	return clicks, h.reloads, h.submitPolls, h.active
}

// recordingStore remembers every saved record.
type recordingStore struct {
	*FileStateStore
	mu    sync.Mutex
	saves []OrchestratorState
}

func (s *recordingStore) Save(st OrchestratorState) error {
	if err := s.FileStateStore.Save(st); err != nil {
		return err
	}
	s.mu.Lock()
	s.saves = append(s.saves, st)
	s.mu.Unlock()
	return nil
}

func (s *recordingStore) lastSaved() OrchestratorState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.saves) == 0 {
		return OrchestratorState{}
	}
	return s.saves[len(s.saves)-1]
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func testControls() Controls {
	cfg := DefaultConfig()
	return Controls{
		Primary:         cfg.Primary,
		Submit:          cfg.Submit,
		PostActionRoute: regexp.MustCompile(`/buy/add-order`),
	}
}

func testTimings() Timings {
	return Timings{
		TimeTick:          time.Millisecond,
		PollTick:          time.Millisecond,
		NavigationTick:    time.Millisecond,
		NavigationTimeout: 50 * time.Millisecond,
		IdleTimeout:       20 * time.Millisecond,
		IdleWindow:        2 * time.Millisecond,
		GraceTicks:        3,
	}
}

func testDeps(t *testing.T, host *fakeHost) (OrchestratorDeps, *recordingStore) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := &recordingStore{FileStateStore: NewFileStateStore(t.TempDir()+"/state.yaml", logger)}
	return OrchestratorDeps{
		Host:     host,
		Store:    store,
		Clock:    systemClock{},
		Controls: testControls(),
		Timings:  testTimings(),
		Logger:   logger,
	}, store
}

func runState(maxRefresh int) OrchestratorState {
	return OrchestratorState{
		IsRunning:       true,
		RefreshInterval: time.Millisecond,
		MaxRefreshCount: maxRefresh,
	}
}
