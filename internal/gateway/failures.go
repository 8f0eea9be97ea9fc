package gateway

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// FailureTracker counts consecutive authorization failures per device.
// The least recently failing devices are forgotten once the cache is full.
type FailureTracker struct {
	counts    *lru.Cache[string, int]
	threshold int
	mutex     sync.Mutex
}

// NewFailureTracker creates a tracker. A threshold of 0 disables it.
func NewFailureTracker(size, threshold int) (*FailureTracker, error) {
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New[string, int](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create failure cache: %w", err)
	}
	return &FailureTracker{
		counts:    cache,
		threshold: threshold,
	}, nil
}

// Enabled reports whether failures can ever trip the tracker
func (f *FailureTracker) Enabled() bool {
	return f.threshold > 0
}

// Record adds one failure for deviceID and reports whether the threshold
// was reached. Reaching it clears the counter.
func (f *FailureTracker) Record(deviceID string) (int, bool) {
	if !f.Enabled() {
		return 0, false
	}

	f.mutex.Lock()
	defer f.mutex.Unlock()

	count, _ := f.counts.Get(deviceID)
	count++
	if count >= f.threshold {
		f.counts.Remove(deviceID)
		return count, true
	}
	f.counts.Add(deviceID, count)
	return count, false
}

// Reset clears the counter for deviceID
func (f *FailureTracker) Reset(deviceID string) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.counts.Remove(deviceID)
}

// Count returns the current counter for deviceID
func (f *FailureTracker) Count(deviceID string) int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	count, _ := f.counts.Peek(deviceID)
	return count
}
