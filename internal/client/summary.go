package client

import (
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Summary is a display-oriented digest of a forecast payload: city header and
// one line per day. The cache never needs it; views and the CLI do.
type Summary struct {
	City    string       `json:"city"`
	Country string       `json:"country,omitempty"`
	Sunrise time.Time    `json:"sunrise"`
	Sunset  time.Time    `json:"sunset"`
	Days    []DaySummary `json:"days"`
}

// DaySummary aggregates the 3-hour slots of one calendar day.
type DaySummary struct {
	Date        string  `json:"date"` // YYYY-MM-DD, as reported by the provider
	TempMin     float64 `json:"tempMin"`
	TempMax     float64 `json:"tempMax"`
	Description string  `json:"description"`
	Icon        string  `json:"icon"`
	Slots       int     `json:"slots"`
}

// Summarize digests an OpenWeatherMap 5-day forecast document. Days keep the
// provider's order; the description and icon come from the midday slot when
// present, else the day's first slot.
func Summarize(payload []byte) (Summary, error) {
	if !gjson.ValidBytes(payload) {
		return Summary{}, fmt.Errorf("parse forecast: invalid JSON")
	}
	doc := gjson.ParseBytes(payload)
	city := doc.Get("city")
	if !city.Exists() {
		return Summary{}, fmt.Errorf("parse forecast: missing city")
	}

	zone := time.FixedZone("", int(city.Get("timezone").Int()))
	s := Summary{
		City:    city.Get("name").String(),
		Country: city.Get("country").String(),
		Sunrise: time.Unix(city.Get("sunrise").Int(), 0).In(zone),
		Sunset:  time.Unix(city.Get("sunset").Int(), 0).In(zone),
	}

	byDate := make(map[string]int)
	doc.Get("list").ForEach(func(_, slot gjson.Result) bool {
		date, clock, _ := strings.Cut(slot.Get("dt_txt").String(), " ")
		if date == "" {
			return true
		}
		temp := slot.Get("main.temp").Float()
		desc := slot.Get("weather.0.description").String()
		icon := slot.Get("weather.0.icon").String()

		idx, ok := byDate[date]
		if !ok {
			s.Days = append(s.Days, DaySummary{
				Date: date, TempMin: temp, TempMax: temp, Description: desc, Icon: icon,
			})
			idx = len(s.Days) - 1
			byDate[date] = idx
		}
		day := &s.Days[idx]
		day.Slots++
		if temp < day.TempMin {
			day.TempMin = temp
		}
		if temp > day.TempMax {
			day.TempMax = temp
		}
		if strings.HasPrefix(clock, "12:00") {
			day.Description = desc
			day.Icon = icon
		}
		return true
	})
	return s, nil
}

// IconCodes returns the distinct condition icon codes in a forecast payload,
// in order of first appearance.
func IconCodes(payload []byte) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, r := range gjson.GetBytes(payload, "list.#.weather.0.icon").Array() {
		code := r.String()
		if code == "" {
			continue
		}
		if _, ok := seen[code]; ok {
			continue
		}
		seen[code] = struct{}{}
		out = append(out, code)
	}
	return out
}
