package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

type fakeActivitySource struct {
	mu      sync.Mutex
	handler func()
	subs    int
	unsubs  int
}

func (f *fakeActivitySource) SubscribeActivity(onActivity func()) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs++
	f.handler = onActivity
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.unsubs++
		f.handler = nil
	}
}

func (f *fakeActivitySource) fire() {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h()
	}
}

func (f *fakeActivitySource) counts() (subs, unsubs int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs, f.unsubs
}

// keepBusy fires activity every interval until stop is closed.
func keepBusy(src *fakeActivitySource, interval time.Duration, stop <-chan struct{}) *sync.WaitGroup {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				src.fire()
			}
		}
	}()
	return &wg
}

func TestAwaitIdleResolvesAfterQuietWindow(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	src := &fakeActivitySource{}
	d := NewIdleDetector(src, zaptest.NewLogger(t))

	start := time.Now()
	result, err := d.AwaitIdle(context.Background(), time.Second, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, IdleReached, result)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
	assert.Less(t, time.Since(start), time.Second)

	subs, unsubs := src.counts()
	assert.Equal(t, 1, subs)
	assert.Equal(t, 1, unsubs)
	assert.False(t, d.Active())
}

func TestAwaitIdleWaitsOutActivityBurst(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	src := &fakeActivitySource{}
	d := NewIdleDetector(src, zaptest.NewLogger(t))

	stop := make(chan struct{})
	go func() {
		time.Sleep(40 * time.Millisecond)
		close(stop)
	}()

	start := time.Now()
	resultCh := make(chan IdleResult, 1)
	go func() {
		result, _ := d.AwaitIdle(context.Background(), time.Second, 25*time.Millisecond)
		resultCh <- result
	}()
	require.Eventually(t, d.Active, time.Second, time.Millisecond)
	wg := keepBusy(src, 2*time.Millisecond, stop)

	result := <-resultCh
	wg.Wait()
	assert.Equal(t, IdleReached, result)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond, "idle must not resolve while requests keep arriving")
}

func TestAwaitIdleTimesOutUnderContinuousActivity(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	src := &fakeActivitySource{}
	d := NewIdleDetector(src, zaptest.NewLogger(t))

	stop := make(chan struct{})
	resultCh := make(chan IdleResult, 1)
	start := time.Now()
	go func() {
		result, _ := d.AwaitIdle(context.Background(), 50*time.Millisecond, 20*time.Millisecond)
		resultCh <- result
	}()
	require.Eventually(t, d.Active, time.Second, time.Millisecond)
	wg := keepBusy(src, time.Millisecond, stop)

	var result IdleResult
	select {
	case result = <-resultCh:
	case <-time.After(time.Second):
		t.Fatal("idle wait exceeded its timeout bound")
	}
	close(stop)
	wg.Wait()

	assert.Equal(t, IdleTimedOut, result)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	_, unsubs := src.counts()
	assert.Equal(t, 1, unsubs)
}

func TestAwaitIdleCanceled(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	src := &fakeActivitySource{}
	d := NewIdleDetector(src, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	result, err := d.AwaitIdle(ctx, time.Hour, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, IdleCanceled, result)
	_, unsubs := src.counts()
	assert.Equal(t, 1, unsubs)
}

func TestAwaitIdleRejectsSecondWait(t *testing.T) {
	src := &fakeActivitySource{}
	d := NewIdleDetector(src, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = d.AwaitIdle(ctx, time.Hour, time.Hour)
	}()
	require.Eventually(t, d.Active, time.Second, time.Millisecond)

	_, err := d.AwaitIdle(context.Background(), time.Millisecond, time.Millisecond)
	assert.ErrorIs(t, err, ErrIdleDetectorBusy)

	cancel()
	<-done
	subs, unsubs := src.counts()
	assert.Equal(t, 1, subs, "a rejected wait must not subscribe")
	assert.Equal(t, 1, unsubs)
}

func TestIdleResultNames(t *testing.T) {
	assert.Equal(t, "idle", IdleReached.String())
	assert.Equal(t, "timeout", IdleTimedOut.String())
	assert.Equal(t, "canceled", IdleCanceled.String())
}
