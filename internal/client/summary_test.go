package client

import (
	"testing"
)

func TestSummarize(t *testing.T) {
	body := `{"cod":"200","list":[` +
		`{"main":{"temp":8},"weather":[{"description":"mist","icon":"50n"}],"dt_txt":"2024-03-01 06:00:00"},` +
		`{"main":{"temp":14},"weather":[{"description":"sunny","icon":"01d"}],"dt_txt":"2024-03-01 12:00:00"},` +
		`{"main":{"temp":11},"weather":[{"description":"clouds","icon":"03d"}],"dt_txt":"2024-03-01 18:00:00"},` +
		`{"main":{"temp":5},"weather":[{"description":"rain","icon":"10n"}],"dt_txt":"2024-03-02 00:00:00"}` +
		`],"city":{"name":"Rabat","country":"MA","timezone":3600,"sunrise":1709276400,"sunset":1709317800}}`

	s, err := Summarize([]byte(body))
	if err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if s.City != "Rabat" || s.Country != "MA" {
		t.Errorf("City/Country = %q/%q, want Rabat/MA", s.City, s.Country)
	}
	if _, off := s.Sunrise.Zone(); off != 3600 {
		t.Errorf("Sunrise zone offset = %d, want 3600", off)
	}
	if len(s.Days) != 2 {
		t.Fatalf("len(Days) = %d, want 2", len(s.Days))
	}

	first := s.Days[0]
	if first.Date != "2024-03-01" || first.Slots != 3 {
		t.Errorf("Days[0] = %+v, want date 2024-03-01 with 3 slots", first)
	}
	if first.TempMin != 8 || first.TempMax != 14 {
		t.Errorf("Days[0] min/max = %v/%v, want 8/14", first.TempMin, first.TempMax)
	}
	if first.Description != "sunny" || first.Icon != "01d" {
		t.Errorf("Days[0] uses %q/%q, want midday slot sunny/01d", first.Description, first.Icon)
	}

	second := s.Days[1]
	if second.Description != "rain" || second.Icon != "10n" {
		t.Errorf("Days[1] uses %q/%q, want first slot rain/10n", second.Description, second.Icon)
	}
}

func TestSummarize_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not JSON", `{"cod":`},
		{"missing city", `{"cod":"200","list":[]}`},
	}
	for _, tt := range tests {
		if _, err := Summarize([]byte(tt.body)); err == nil {
			t.Errorf("Summarize(%s) expected error", tt.name)
		}
	}
}

func TestIconCodes(t *testing.T) {
	body := `{"list":[` +
		`{"weather":[{"icon":"10d"}]},{"weather":[{"icon":"01n"}]},{"weather":[{"icon":"10d"}]},{"weather":[]}` +
		`]}`
	got := IconCodes([]byte(body))
	want := []string{"10d", "01n"}
	if len(got) != len(want) {
		t.Fatalf("IconCodes() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("IconCodes()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
