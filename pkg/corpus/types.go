// ABOUTME: Event corpus data model shared by acquisition, ranking and responses
// ABOUTME: A snapshot is the full set of known events for one city at fetch time

package corpus

import (
	"errors"
	"strings"
	"time"
)

// ErrUnknownCity is returned by fetchers that have no corpus for a city
var ErrUnknownCity = errors.New("corpus: unknown city")

// Event is one candidate event from the crawled corpus
type Event struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Category    string         `json:"category,omitempty"`
	Venue       string         `json:"venue,omitempty"`
	City        string         `json:"city,omitempty"`
	URL         string         `json:"url,omitempty"`
	Price       string         `json:"price,omitempty"`
	StartTime   time.Time      `json:"start_time,omitzero"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// Snapshot is a cached corpus for one city
type Snapshot struct {
	City      string    `json:"city"`
	Events    []Event   `json:"events"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Result is what an acquisition returns to the pipeline. AgeHours is nil
// when nothing could be served and 0 when the corpus was fetched during
// this call.
type Result struct {
	City     string
	Events   []Event
	AgeHours *float64
}

// NormalizeCity lower-cases and trims a city name; underscores become spaces
func NormalizeCity(city string) string {
	city = strings.ToLower(strings.TrimSpace(city))
	return strings.Join(strings.Fields(strings.ReplaceAll(city, "_", " ")), " ")
}

// CityKey is the storage key form of a city: "new york" -> "new_york"
func CityKey(city string) string {
	return strings.ReplaceAll(NormalizeCity(city), " ", "_")
}
