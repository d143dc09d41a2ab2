package traffic

import (
	"sync"
	"time"
)

// retention bounds how long outcomes are kept; health windows must not exceed it.
const retention = 30 * time.Minute

var defaultTracker Tracker

// RecordFetchSuccess records a provider fetch that returned a forecast.
func RecordFetchSuccess() {
	defaultTracker.RecordFetchSuccess()
}

// RecordFetchFailure records a provider fetch that failed (network, timeout, provider error).
func RecordFetchFailure() {
	defaultTracker.RecordFetchFailure()
}

// RecordDenied records a rate-limit denial (429).
func RecordDenied() {
	defaultTracker.RecordDenied()
}

// FetchErrorRate returns (failures, total fetches) within the window.
func FetchErrorRate(window time.Duration) (failures, total int) {
	return defaultTracker.FetchErrorRate(window)
}

// DenialCount returns the number of denials within the window.
func DenialCount(window time.Duration) int {
	return defaultTracker.DenialCount(window)
}

// LastFetchSuccess returns the time of the most recent successful fetch, zero if none.
func LastFetchSuccess() time.Time {
	return defaultTracker.LastFetchSuccess()
}

// Reset clears all recorded outcomes. For tests only.
func Reset() {
	defaultTracker.Reset()
}

// Tracker maintains sliding windows of outcome timestamps. The health check
// reads it to decide whether the provider is reachable ("offline" state).
type Tracker struct {
	mu          sync.Mutex
	successes   []time.Time
	failures    []time.Time
	denials     []time.Time
	lastSuccess time.Time
	now         func() time.Time // test hook; nil means time.Now
}

// RecordFetchSuccess records a successful fetch in the tracker.
func (t *Tracker) RecordFetchSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock()
	t.successes = append(t.successes, now)
	t.lastSuccess = now
	t.pruneLocked(now)
}

// RecordFetchFailure records a failed fetch in the tracker.
func (t *Tracker) RecordFetchFailure() {
	t.record(&t.failures)
}

// RecordDenied records a rate-limit denial in the tracker.
func (t *Tracker) RecordDenied() {
	t.record(&t.denials)
}

func (t *Tracker) record(slice *[]time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock()
	*slice = append(*slice, now)
	t.pruneLocked(now)
}

// FetchErrorRate returns (failures, failures+successes) within the window.
func (t *Tracker) FetchErrorRate(window time.Duration) (failures, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.clock().Add(-window)
	f := countSince(t.failures, cutoff)
	return f, f + countSince(t.successes, cutoff)
}

// DenialCount returns the number of rate-limit denials within the window.
func (t *Tracker) DenialCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return countSince(t.denials, t.clock().Add(-window))
}

// LastFetchSuccess returns the time of the most recent successful fetch.
func (t *Tracker) LastFetchSuccess() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSuccess
}

// Reset clears all recorded outcomes from the tracker.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.successes = nil
	t.failures = nil
	t.denials = nil
	t.lastSuccess = time.Time{}
}

func (t *Tracker) clock() time.Time {
	if t.now != nil {
		return t.now()
	}
	return time.Now()
}

// countSince counts timestamps that are not before the cutoff.
func countSince(times []time.Time, cutoff time.Time) int {
	n := 0
	for _, ts := range times {
		if !ts.Before(cutoff) {
			n++
		}
	}
	return n
}

// pruneLocked drops timestamps older than retention. Must be called with mutex held.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-retention)
	prune := func(slice *[]time.Time) {
		times := *slice
		i := 0
		for ; i < len(times) && times[i].Before(cutoff); i++ {
		}
		if i > 0 {
			*slice = append(times[:0], times[i:]...)
		}
	}
	prune(&t.successes)
	prune(&t.failures)
	prune(&t.denials)
}
