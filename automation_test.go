package main

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestNewAutomation(t *testing.T) {
	config := DefaultConfig()
	automation := NewAutomation(config, zaptest.NewLogger(t))

	if automation == nil {
		t.Fatal("NewAutomation returned nil")
	}

	if automation.config != config {
		t.Error("Automation config not set correctly")
	}

	if automation.stopChan == nil {
		t.Error("stopChan not initialized")
	}

	if automation.browser != nil || automation.page != nil || automation.host != nil {
		t.Error("Browser should not be started by the constructor")
	}
}

func TestIsBrowserAliveWithoutBrowser(t *testing.T) {
	automation := NewAutomation(DefaultConfig(), zaptest.NewLogger(t))

	if automation.isBrowserAlive() {
		t.Error("Expected no browser to be reported dead")
	}
}

func TestCloseWithoutBrowser(t *testing.T) {
	automation := NewAutomation(DefaultConfig(), zaptest.NewLogger(t))

	// Close must be safe before setupBrowser and more than once.
	automation.Close()
	automation.Close()
}

func TestWatchBrowserStopsOnClose(t *testing.T) {
	automation := NewAutomation(DefaultConfig(), zaptest.NewLogger(t))

	done := make(chan struct{})
	go func() {
		defer close(done)
		automation.watchBrowser(context.Background(), func() {
			t.Error("onGone must not fire after Close")
		})
	}()

	automation.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watchBrowser did not return after Close")
	}
}

func TestWatchBrowserStopsOnContext(t *testing.T) {
	automation := NewAutomation(DefaultConfig(), zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		automation.watchBrowser(ctx, func() {})
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watchBrowser did not return after cancel")
	}
}
