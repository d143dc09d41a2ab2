package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kjstillabower/forecast-viewer/internal/cache"
	"github.com/kjstillabower/forecast-viewer/internal/client"
	"github.com/kjstillabower/forecast-viewer/internal/config"
)

const testPayload = `{"cod":"200","list":[{"dt":1709283600,"dt_txt":"2024-03-01 12:00:00","main":{"temp":11.2,"temp_min":9.8,"temp_max":12.4},"weather":[{"description":"light rain","icon":"10d"}]}],"city":{"name":"Seattle","country":"US","timezone":-28800,"sunrise":1709304000,"sunset":1709344800}}`

var testEpoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type stubProvider struct {
	payload json.RawMessage
	err     error
	calls   int
}

func (p *stubProvider) Fetch(ctx context.Context, key string) (json.RawMessage, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return p.payload, nil
}

type testCLI struct {
	configDir string
	cachePath string
	clock     clockwork.FakeClock
	provider  *stubProvider
}

// newTestCLI writes a config dir with a file store under t.TempDir and
// seeds it with entries fetched at testEpoch.
func newTestCLI(t *testing.T, seed ...string) *testCLI {
	t.Helper()
	for _, k := range []string{"ENV_NAME", "WEATHER_API_KEY", "CACHE_STORE", "CACHE_PATH", "MEMCACHED_ADDRS"} {
		t.Setenv(k, "")
	}
	dir := t.TempDir()
	t.Setenv("FORECAST_DATA_DIR", dir)

	tc := &testCLI{
		configDir: filepath.Join(dir, "config"),
		cachePath: filepath.Join(dir, "weather_cache.json"),
		clock:     clockwork.NewFakeClockAt(testEpoch),
		provider:  &stubProvider{payload: json.RawMessage(testPayload)},
	}
	require.NoError(t, os.MkdirAll(tc.configDir, 0o755))
	yaml := "cache:\n  store: file\n  path: " + tc.cachePath + "\n  stale_after: \"3h\"\n" +
		"icons:\n  dir: " + filepath.Join(dir, "icons") + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(tc.configDir, "dev.yaml"), []byte(yaml), 0o644))

	if len(seed) > 0 {
		store, err := cache.NewFileStore(tc.cachePath)
		require.NoError(t, err)
		fc, err := cache.Open(context.Background(), store, cache.WithClock(tc.clock))
		require.NoError(t, err)
		for _, key := range seed {
			require.NoError(t, fc.Put(context.Background(), key, json.RawMessage(testPayload)))
		}
		require.NoError(t, fc.Close())
	}
	return tc
}

func (tc *testCLI) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	a := newApp()
	a.clock = tc.clock
	a.newProvider = func(*config.Config) (client.WeatherProvider, error) { return tc.provider, nil }

	var out bytes.Buffer
	cmd := newRootCmd(a)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config-dir", tc.configDir}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestEntries_ListsWithAge(t *testing.T) {
	tc := newTestCLI(t, "seattle", "new york")
	tc.clock.Advance(4 * time.Hour)

	out, err := tc.run(t, "entries")

	require.NoError(t, err)
	assert.Contains(t, out, "LOCATION")
	assert.Contains(t, out, "seattle")
	assert.Contains(t, out, "new york")
	assert.Contains(t, out, "4 hours ago *")
	assert.Contains(t, out, "2 cached")
}

func TestEntries_ColumnWidthCountsCells(t *testing.T) {
	tc := newTestCLI(t, "são paulo", "oslo")

	out, err := tc.run(t, "entries")
	require.NoError(t, err)

	date := regexp.MustCompile(`\d{4}-\d{2}-\d{2} `)
	rows := 0
	for _, line := range strings.Split(out, "\n") {
		if !strings.HasPrefix(line, "são paulo") && !strings.HasPrefix(line, "oslo") {
			continue
		}
		loc := date.FindStringIndex(line)
		require.NotNil(t, loc, "no fetch time in %q", line)
		assert.Equal(t, lipgloss.Width("são paulo")+2, lipgloss.Width(line[:loc[0]]), "fetch column offset in %q", line)
		rows++
	}
	assert.Equal(t, 2, rows)
}

func TestEntries_JSON(t *testing.T) {
	tc := newTestCLI(t, "seattle")
	tc.clock.Advance(time.Hour)

	out, err := tc.run(t, "entries", "--json")
	require.NoError(t, err)

	var views []entryView
	require.NoError(t, json.Unmarshal([]byte(out), &views))
	require.Len(t, views, 1)
	assert.Equal(t, "seattle", views[0].Location)
	assert.Equal(t, int64(3600), views[0].AgeSeconds)
	assert.False(t, views[0].Outdated)
	assert.Equal(t, len(testPayload), views[0].Bytes)
}

func TestEntries_Empty(t *testing.T) {
	tc := newTestCLI(t)

	out, err := tc.run(t, "entries")

	require.NoError(t, err)
	assert.Contains(t, out, "cache is empty")
}

func TestEntries_UnknownStore(t *testing.T) {
	tc := newTestCLI(t)

	_, err := tc.run(t, "entries", "--store", "redis")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown cache store")
}

func TestShow_RawPayload(t *testing.T) {
	tc := newTestCLI(t, "seattle")

	out, err := tc.run(t, "show", "  Seattle ")

	require.NoError(t, err)
	assert.Contains(t, out, `"name": "Seattle"`)
	assert.Equal(t, 0, tc.provider.calls)
}

func TestShow_Summary(t *testing.T) {
	tc := newTestCLI(t, "seattle")
	tc.clock.Advance(30 * time.Minute)

	out, err := tc.run(t, "show", "seattle", "--summary")

	require.NoError(t, err)
	assert.Contains(t, out, "fetched 30 minutes ago")
	assert.Contains(t, out, "Seattle, US")
	assert.Contains(t, out, "2024-03-01")
	assert.Contains(t, out, "light rain")
}

func TestShow_Missing(t *testing.T) {
	tc := newTestCLI(t)

	_, err := tc.run(t, "show", "rabat")

	require.Error(t, err)
	assert.Contains(t, err.Error(), `no cached forecast for "rabat"`)
}

func TestDelete_OneEntryPersists(t *testing.T) {
	tc := newTestCLI(t, "seattle", "rabat")

	out, err := tc.run(t, "delete", "Seattle")
	require.NoError(t, err)
	assert.Contains(t, out, "deleted 1 cached forecast(s)")

	store, err := cache.NewFileStore(tc.cachePath)
	require.NoError(t, err)
	loaded, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, loaded, 1)
	assert.Contains(t, loaded, "rabat")
}

func TestDelete_All(t *testing.T) {
	tc := newTestCLI(t, "seattle", "rabat")

	out, err := tc.run(t, "delete", "--all")
	require.NoError(t, err)
	assert.Contains(t, out, "deleted 2 cached forecast(s)")

	out, err = tc.run(t, "entries")
	require.NoError(t, err)
	assert.Contains(t, out, "cache is empty")
}

func TestDelete_Args(t *testing.T) {
	tc := newTestCLI(t, "seattle")

	_, err := tc.run(t, "delete")
	assert.Error(t, err)

	_, err = tc.run(t, "delete", "--all", "seattle")
	assert.Error(t, err)

	_, err = tc.run(t, "delete", "rabat")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no cached forecast")
}

func TestFetch_FreshIsCached(t *testing.T) {
	tc := newTestCLI(t)

	out, err := tc.run(t, "fetch", "Seattle")

	require.NoError(t, err)
	assert.Contains(t, out, "FRESH")
	assert.Contains(t, out, "Seattle, US")
	assert.Equal(t, 1, tc.provider.calls)

	out, err = tc.run(t, "entries")
	require.NoError(t, err)
	assert.Contains(t, out, "seattle")
}

func TestFetch_StaleWhenOffline(t *testing.T) {
	tc := newTestCLI(t, "seattle")
	tc.clock.Advance(4 * time.Hour)
	tc.provider.err = errors.New("dial tcp: connection refused")

	out, err := tc.run(t, "fetch", "seattle", "--raw")

	require.NoError(t, err)
	assert.Contains(t, out, "STALE, fetched 4 hours ago")
	assert.Contains(t, out, "older than 3h0m0s")
	assert.Contains(t, out, `"name":"Seattle"`)
}

func TestFetch_EmptyIsError(t *testing.T) {
	tc := newTestCLI(t)
	tc.provider.err = errors.New("dial tcp: connection refused")

	out, err := tc.run(t, "fetch", "rabat")

	require.Error(t, err)
	assert.Contains(t, err.Error(), `no forecast available for "rabat"`)
	assert.Contains(t, out, "NO DATA")
}

func TestFetch_RequiresAPIKey(t *testing.T) {
	tc := newTestCLI(t)
	a := newApp()
	var out bytes.Buffer
	cmd := newRootCmd(a)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"--config-dir", tc.configDir, "fetch", "seattle"})

	err := cmd.Execute()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "WEATHER_API_KEY")
}

func TestRoot_MissingConfig(t *testing.T) {
	tc := newTestCLI(t)
	tc.configDir = filepath.Join(t.TempDir(), "nope")

	_, err := tc.run(t, "entries")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file not found")
}
