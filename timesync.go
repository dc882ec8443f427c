package main

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TimeSync estimates the offset between the local clock and the shop's
// servers from HTTP Date headers.
type TimeSync struct {
	servers []string
	client  *http.Client
	logger  *zap.Logger

	// maxAge is how long a measured offset is trusted.
	maxAge time.Duration

	mu           sync.RWMutex
	offset       time.Duration
	lastSyncTime time.Time
	synced       bool
}

var _ resyncingClock = (*TimeSync)(nil)

func NewTimeSync(servers []string, logger *zap.Logger) *TimeSync {
	return &TimeSync{
		servers: servers,
		client:  &http.Client{Timeout: 5 * time.Second},
		maxAge:  time.Hour,
		logger:  logger.Named("timesync"),
	}
}

// Sync averages the offset over every server that answered.
func (ts *TimeSync) Sync() error {
	var totalOffset time.Duration
	successCount := 0

	for _, server := range ts.servers {
		offset, err := ts.getTimeOffset(server)
		if err != nil {
			ts.logger.Debug("Time sync failed", zap.String("server", server), zap.Error(err))
			continue
		}

		totalOffset += offset
		successCount++
		ts.logger.Debug("Time offset", zap.String("server", server), zap.Duration("offset", offset))
	}

	if successCount == 0 {
		return fmt.Errorf("failed to sync time with any server")
	}

	ts.mu.Lock()
	ts.offset = totalOffset / time.Duration(successCount)
	ts.lastSyncTime = time.Now()
	ts.synced = true
	ts.mu.Unlock()

	ts.logger.Info("Time synchronized", zap.Duration("offset", ts.GetOffset()), zap.Int("servers", successCount))
	return nil
}

func (ts *TimeSync) getTimeOffset(url string) (time.Duration, error) {
	beforeRequest := time.Now()

	req, err := http.NewRequest(http.MethodHead, url, nil)
	if err != nil {
		return 0, err
	}

	resp, err := ts.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	afterRequest := time.Now()

	dateHeader := resp.Header.Get("Date")
	if dateHeader == "" {
		return 0, fmt.Errorf("no Date header in response")
	}

	serverTime, err := http.ParseTime(dateHeader)
	if err != nil {
		return 0, fmt.Errorf("failed to parse Date header: %w", err)
	}

	// Assume the server stamped the header halfway through the round trip.
	latency := afterRequest.Sub(beforeRequest) / 2
	localTime := beforeRequest.Add(latency)
	return serverTime.Sub(localTime), nil
}

// Now returns local time corrected by the last measured offset.
func (ts *TimeSync) Now() time.Time {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	if !ts.synced {
		return time.Now()
	}
	return time.Now().Add(ts.offset)
}

func (ts *TimeSync) IsSynced() bool {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.synced
}

func (ts *TimeSync) GetOffset() time.Duration {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.offset
}

// ShouldResync reports whether the last sync is missing or older than maxAge.
func (ts *TimeSync) ShouldResync() bool {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	if !ts.synced {
		return true
	}
	return time.Since(ts.lastSyncTime) > ts.maxAge
}
