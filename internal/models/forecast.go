package models

import (
	"fmt"
	"strconv"
	"time"
)

// Source records where a ForecastRecord came from.
type Source string

const (
	SourceNetwork Source = "network"
	SourceCache   Source = "cache"
)

// Location is reference data for a place the engine tracks weather for.
type Location struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Latitude  string    `json:"latitude,omitempty"`
	Longitude string    `json:"longitude,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// Conditions holds the current observation for a location.
type Conditions struct {
	Temperature   float64   `json:"temperature"`
	FeelsLike     float64   `json:"feelsLike"`
	Humidity      int       `json:"humidity"`
	WindSpeed     float64   `json:"windSpeed"`
	WindDirection string    `json:"windDirection,omitempty"`
	Text          string    `json:"text"`
	Icon          string    `json:"icon,omitempty"`
	ObservedAt    time.Time `json:"observedAt"`
}

// DailyForecast is one day of the forecast series.
type DailyForecast struct {
	Date    string  `json:"date"` // YYYY-MM-DD, upstream local date
	TempMin float64 `json:"tempMin"`
	TempMax float64 `json:"tempMax"`
	Text    string  `json:"text"`
	Icon    string  `json:"icon,omitempty"`
}

// HourlyForecast is one hour of the next-24h series.
type HourlyForecast struct {
	Time          time.Time `json:"time"`
	Temperature   float64   `json:"temperature"`
	Text          string    `json:"text"`
	Icon          string    `json:"icon,omitempty"`
	WindDirection string    `json:"windDirection,omitempty"`
	PrecipProb    int       `json:"precipProb"` // percent
}

// AirQuality is the current air quality index for a location.
type AirQuality struct {
	AQI         int       `json:"aqi"`
	Level       string    `json:"level,omitempty"`
	Category    string    `json:"category,omitempty"`
	Primary     string    `json:"primary,omitempty"` // dominant pollutant, empty when none
	PM25        float64   `json:"pm25"`
	PublishedAt time.Time `json:"publishedAt"`
}

// ForecastPayload is what the upstream returns for a location.
// AirQuality is nil when the upstream had none.
type ForecastPayload struct {
	Now        Conditions       `json:"now"`
	Hourly     []HourlyForecast `json:"hourly,omitempty"`
	Daily      []DailyForecast  `json:"daily,omitempty"`
	AirQuality *AirQuality      `json:"airQuality,omitempty"`
	UpdatedAt  time.Time        `json:"updatedAt"`
}

// Summary returns a display-ready one-liner such as "Cloudy, 12.5°C".
func (p ForecastPayload) Summary() string {
	text := p.Now.Text
	if text == "" {
		text = "Unknown"
	}
	return fmt.Sprintf("%s, %s°C", text, strconv.FormatFloat(p.Now.Temperature, 'f', -1, 64))
}

// ForecastRecord is the persisted forecast for one location.
// Version increases by one on every replace of the current record.
type ForecastRecord struct {
	LocationID string          `json:"locationId"`
	Payload    ForecastPayload `json:"payload"`
	FetchedAt  time.Time       `json:"fetchedAt"`
	Source     Source          `json:"source"`
	Version    int64           `json:"version"`
}

// Result is returned to callers of the query facade.
type Result struct {
	LocationID string          `json:"locationId"`
	Payload    ForecastPayload `json:"payload"`
	Summary    string          `json:"summary"`
	FetchedAt  time.Time       `json:"fetchedAt"`
	Version    int64           `json:"version"`
	Source     Source          `json:"source"`
	Verdict    string          `json:"verdict"`
	Degraded   bool            `json:"degraded"`
}

// NewResult builds a Result from a record.
func NewResult(rec ForecastRecord, verdict string, degraded bool) Result {
	return Result{
		LocationID: rec.LocationID,
		Payload:    rec.Payload,
		Summary:    rec.Payload.Summary(),
		FetchedAt:  rec.FetchedAt,
		Version:    rec.Version,
		Source:     rec.Source,
		Verdict:    verdict,
		Degraded:   degraded,
	}
}
