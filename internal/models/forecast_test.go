package models

import (
	"testing"
	"time"
)

func TestForecastPayload_Summary(t *testing.T) {
	tests := []struct {
		name string
		p    ForecastPayload
		want string
	}{
		{"with text", ForecastPayload{Now: Conditions{Text: "Cloudy", Temperature: 12.5}}, "Cloudy, 12.5°C"},
		{"integer temp", ForecastPayload{Now: Conditions{Text: "Sunny", Temperature: 30}}, "Sunny, 30°C"},
		{"missing text", ForecastPayload{Now: Conditions{Temperature: -3}}, "Unknown, -3°C"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.p.Summary(); got != tt.want {
				t.Errorf("Summary() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewResult(t *testing.T) {
	fetched := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rec := ForecastRecord{
		LocationID: "101010100",
		Payload:    ForecastPayload{Now: Conditions{Text: "Rain", Temperature: 8}},
		FetchedAt:  fetched,
		Source:     SourceNetwork,
		Version:    4,
	}
	got := NewResult(rec, "fresh", true)
	if got.LocationID != rec.LocationID || got.Version != 4 || !got.FetchedAt.Equal(fetched) {
		t.Errorf("NewResult() = %+v, want fields copied from %+v", got, rec)
	}
	if !got.Degraded || got.Verdict != "fresh" || got.Summary != "Rain, 8°C" {
		t.Errorf("NewResult() = %+v, want degraded fresh result with summary", got)
	}
}
