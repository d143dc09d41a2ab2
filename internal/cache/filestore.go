package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/kjstillabower/forecast-viewer/internal/models"
)

// Version 1 embedded payloads as raw JSON. Version 2 stores them as strings so
// bytes that are not JSON survive a save.
const fileFormatVersion = 2

// fileDocument is the on-disk layout: one record per location key, indented so
// the file can be read and edited by hand.
type fileDocument struct {
	Version int             `json:"version"`
	Entries json.RawMessage `json:"entries"`
}

// FileStore persists the mapping as a single JSON document.
// Writes go to a temporary file that is renamed over the target.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore returns a FileStore writing to path, creating its directory.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("cache file path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	return &FileStore{path: path}, nil
}

// Path returns the file the store reads and writes.
func (s *FileStore) Path() string { return s.path }

// Load implements Store.Load. A missing file is an empty mapping.
func (s *FileStore) Load(ctx context.Context) (map[string]models.CacheEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]models.CacheEntry)
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, fmt.Errorf("read cache file: %w", err)
	}
	if len(data) == 0 {
		return out, nil
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse cache file %s: %w", s.path, err)
	}
	if doc.Version > fileFormatVersion {
		return nil, fmt.Errorf("cache file %s: unsupported version %d", s.path, doc.Version)
	}
	entries, err := decodeFileEntries(doc)
	if err != nil {
		return nil, fmt.Errorf("parse cache file %s: %w", s.path, err)
	}
	for _, e := range entries {
		if e.LocationKey == "" {
			continue
		}
		out[e.LocationKey] = e
	}
	return out, nil
}

func decodeFileEntries(doc fileDocument) ([]models.CacheEntry, error) {
	if len(doc.Entries) == 0 || string(doc.Entries) == "null" {
		return nil, nil
	}
	if doc.Version >= 2 {
		var records []entryRecord
		if err := json.Unmarshal(doc.Entries, &records); err != nil {
			return nil, err
		}
		entries := make([]models.CacheEntry, 0, len(records))
		for _, r := range records {
			entries = append(entries, r.entry())
		}
		return entries, nil
	}

	var entries []models.CacheEntry
	if err := json.Unmarshal(doc.Entries, &entries); err != nil {
		return nil, err
	}
	// Version 1 payloads were re-indented on save; hand back the compact form.
	for i, e := range entries {
		var buf bytes.Buffer
		if err := json.Compact(&buf, e.Payload); err == nil {
			entries[i].Payload = buf.Bytes()
		}
	}
	return entries, nil
}

// Save implements Store.Save.
func (s *FileStore) Save(ctx context.Context, entries map[string]models.CacheEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	records := make([]entryRecord, 0, len(entries))
	for key, e := range entries {
		e.LocationKey = key
		records = append(records, newEntryRecord(e))
	}
	sort.Slice(records, func(i, j int) bool { return records[i].LocationKey < records[j].LocationKey })

	data, err := json.MarshalIndent(struct {
		Version int           `json:"version"`
		Entries []entryRecord `json:"entries"`
	}{Version: fileFormatVersion, Entries: records}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cache file: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write cache file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace cache file: %w", err)
	}
	return nil
}

// Close implements Store.Close.
func (s *FileStore) Close() error { return nil }
