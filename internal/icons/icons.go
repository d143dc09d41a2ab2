// Package icons keeps provider condition icons on disk so forecasts can be
// shown with their icons while offline.
package icons

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kjstillabower/forecast-viewer/internal/observability"
)

// DefaultBaseURL serves "<code>@2x.png" icons.
const DefaultBaseURL = "https://openweathermap.org/img/wn"

var (
	// ErrInvalidCode is returned for codes that are not provider icon codes.
	ErrInvalidCode = errors.New("invalid icon code")
	// ErrNotCached is returned when an icon is missing and cannot be downloaded.
	ErrNotCached = errors.New("icon not cached")
)

var codePattern = regexp.MustCompile(`^[0-9]{2}[dn]$`)

const maxIconBytes = 1 << 20

// Cache stores icons as <dir>/<code>.png, downloading each on first use.
type Cache struct {
	dir     string
	baseURL string
	client  *http.Client
	group   singleflight.Group
}

// NewCache creates dir if needed. An empty baseURL uses DefaultBaseURL.
func NewCache(dir, baseURL string, timeout time.Duration) (*Cache, error) {
	if dir == "" {
		return nil, errors.New("icon cache directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create icon cache directory: %w", err)
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Cache{
		dir:     dir,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// ValidCode reports whether code looks like a provider icon code ("10d", "01n").
func ValidCode(code string) bool {
	return codePattern.MatchString(code)
}

// Path returns the local file for code, downloading it if it is not on disk.
// Concurrent calls for one code share a single download.
func (c *Cache) Path(ctx context.Context, code string) (string, error) {
	if !ValidCode(code) {
		return "", fmt.Errorf("%w: %q", ErrInvalidCode, code)
	}
	path := filepath.Join(c.dir, code+".png")
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	ch := c.group.DoChan(code, func() (any, error) {
		return path, c.download(context.WithoutCancel(ctx), code, path)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", fmt.Errorf("%w: %s: %w", ErrNotCached, code, res.Err)
		}
		return path, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Prefetch downloads every missing icon in codes. Invalid codes are skipped.
func (c *Cache) Prefetch(ctx context.Context, codes []string) error {
	var errs []error
	for _, code := range codes {
		if !ValidCode(code) {
			continue
		}
		if _, err := c.Path(ctx, code); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Cache) download(ctx context.Context, code, path string) error {
	ctx, cancel := context.WithTimeout(ctx, c.client.Timeout)
	defer cancel()

	url := fmt.Sprintf("%s/%s@2x.png", c.baseURL, code)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		observability.IconDownloadsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		observability.IconDownloadsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("download: HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxIconBytes))
	if err != nil {
		observability.IconDownloadsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("read icon: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write icon: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace icon: %w", err)
	}
	observability.IconDownloadsTotal.WithLabelValues("success").Inc()
	return nil
}
