package models

import (
	"encoding/json"
	"time"
)

// Freshness tags every forecast result handed to the display layer.
type Freshness string

const (
	FreshnessFresh Freshness = "fresh"
	FreshnessStale Freshness = "stale"
	FreshnessEmpty Freshness = "empty"
)

// CacheEntry is the last successfully fetched forecast for one location key.
// Payload is kept exactly as the provider returned it.
type CacheEntry struct {
	LocationKey string          `json:"locationKey"`
	Payload     json.RawMessage `json:"payload"`
	FetchedAt   time.Time       `json:"fetchedAt"`
}

// ForecastResult is what the fallback protocol returns. Freshness decides which
// of the other fields are meaningful: Payload and FetchedAt are zero for empty,
// Age is zero for fresh.
type ForecastResult struct {
	Freshness   Freshness       `json:"freshness"`
	LocationKey string          `json:"location"`
	Payload     json.RawMessage `json:"forecast,omitempty"`
	FetchedAt   time.Time       `json:"fetchedAt,omitempty"`
	Age         time.Duration   `json:"-"`
	Outdated    bool            `json:"outdated,omitempty"` // stale and older than the configured threshold
	Reason      string          `json:"reason,omitempty"`   // error category when the live fetch failed
}

// IsFresh reports whether the payload came from a live fetch in this request.
func (r ForecastResult) IsFresh() bool { return r.Freshness == FreshnessFresh }

// HasData reports whether the result carries a payload (fresh or stale).
func (r ForecastResult) HasData() bool { return r.Freshness != FreshnessEmpty }
