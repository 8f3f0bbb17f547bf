package models

import "time"

// ForecastEntry is a single 3-hour step of the provider's forecast.
type ForecastEntry struct {
	DT       int64   `json:"dt"`
	Humidity float64 `json:"humidity"`
}

// Time returns the entry timestamp in the given location.
func (e ForecastEntry) Time(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	return time.Unix(e.DT, 0).In(loc)
}

// City is the provider's description of the forecast location.
type City struct {
	Name     string `json:"name"`
	Country  string `json:"country,omitempty"`
	Timezone int    `json:"timezone"` // UTC offset in seconds
}

// Forecast is an ordered multi-day forecast for one city.
type Forecast struct {
	City      City            `json:"city"`
	Entries   []ForecastEntry `json:"entries"`
	FetchedAt time.Time       `json:"fetchedAt"`
}

// Location returns a fixed zone matching the city's UTC offset.
func (f Forecast) Location() *time.Location {
	name := f.City.Name
	if name == "" {
		name = "city"
	}
	return time.FixedZone(name, f.City.Timezone)
}
