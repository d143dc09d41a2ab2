package cache

import (
	"encoding/json"
	"time"
	"unicode/utf8"

	"github.com/kjstillabower/forecast-viewer/internal/models"
)

// entryRecord is the serialized form of a CacheEntry used by the file and
// memcached stores. Payload bytes are carried verbatim: as a JSON string when
// they are valid UTF-8, otherwise base64.
type entryRecord struct {
	LocationKey   string    `json:"locationKey"`
	FetchedAt     time.Time `json:"fetchedAt"`
	Payload       *string   `json:"payload,omitempty"`
	PayloadBase64 []byte    `json:"payloadBase64,omitempty"`
}

func newEntryRecord(e models.CacheEntry) entryRecord {
	r := entryRecord{LocationKey: e.LocationKey, FetchedAt: e.FetchedAt}
	switch {
	case e.Payload == nil:
	case utf8.Valid(e.Payload):
		text := string(e.Payload)
		r.Payload = &text
	default:
		r.PayloadBase64 = []byte(e.Payload)
	}
	return r
}

func (r entryRecord) entry() models.CacheEntry {
	e := models.CacheEntry{LocationKey: r.LocationKey, FetchedAt: r.FetchedAt}
	switch {
	case r.Payload != nil:
		e.Payload = json.RawMessage(*r.Payload)
	case r.PayloadBase64 != nil:
		e.Payload = json.RawMessage(r.PayloadBase64)
	}
	return e
}

// decodeEntry reads a record, falling back to the older layout where the
// payload was embedded as raw JSON.
func decodeEntry(data []byte) (models.CacheEntry, error) {
	var r entryRecord
	if err := json.Unmarshal(data, &r); err == nil {
		return r.entry(), nil
	}
	var legacy models.CacheEntry
	if err := json.Unmarshal(data, &legacy); err != nil {
		return models.CacheEntry{}, err
	}
	return legacy, nil
}
