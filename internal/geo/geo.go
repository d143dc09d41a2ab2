// Package geo resolves the caller's approximate location from its public IP.
package geo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/kjstillabower/forecast-viewer/internal/observability"
	"github.com/kjstillabower/forecast-viewer/internal/validation"
)

// DefaultURL is the ip-api.com JSON endpoint.
const DefaultURL = "http://ip-api.com/json"

// ErrLocateFailed wraps every error returned by Locate.
var ErrLocateFailed = errors.New("geolocation failed")

// Location is the result of an IP lookup.
type Location struct {
	City    string  `json:"city"`
	Country string  `json:"country,omitempty"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
}

// Query returns the string to look the forecast up by: the city name when
// known, otherwise the coordinate pair.
func (l Location) Query() string {
	if l.City != "" {
		return l.City
	}
	return validation.FormatCoordinates(l.Lat, l.Lon)
}

// Locator resolves the current location.
type Locator interface {
	Locate(ctx context.Context) (Location, error)
}

// IPLocator implements Locator against ip-api.com.
type IPLocator struct {
	url    string
	client *http.Client
}

// NewIPLocator creates an IPLocator. An empty url uses DefaultURL; a
// non-positive timeout uses 5s.
func NewIPLocator(url string, timeout time.Duration) *IPLocator {
	if url == "" {
		url = DefaultURL
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &IPLocator{url: url, client: &http.Client{Timeout: timeout}}
}

// Locate looks up the caller's public IP. The lookup succeeds only when the
// service reports status "success".
func (l *IPLocator) Locate(ctx context.Context) (Location, error) {
	loc, err := l.locate(ctx)
	if err != nil {
		observability.GeolocationLookupsTotal.WithLabelValues("error").Inc()
		return Location{}, fmt.Errorf("%w: %w", ErrLocateFailed, err)
	}
	observability.GeolocationLookupsTotal.WithLabelValues("success").Inc()
	return loc, nil
}

func (l *IPLocator) locate(ctx context.Context) (Location, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.url, nil)
	if err != nil {
		return Location{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := l.client.Do(req)
	if err != nil {
		return Location{}, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Location{}, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Location{}, fmt.Errorf("read response body: %w", err)
	}
	if !gjson.ValidBytes(body) {
		return Location{}, errors.New("parse response: invalid JSON")
	}

	doc := gjson.ParseBytes(body)
	if status := doc.Get("status").String(); status != "success" {
		return Location{}, fmt.Errorf("lookup status %q: %s", status, doc.Get("message").String())
	}
	loc := Location{
		City:    doc.Get("city").String(),
		Country: doc.Get("country").String(),
		Lat:     doc.Get("lat").Float(),
		Lon:     doc.Get("lon").Float(),
	}
	if loc.City == "" && !doc.Get("lat").Exists() {
		return Location{}, errors.New("lookup returned neither city nor coordinates")
	}
	return loc, nil
}
