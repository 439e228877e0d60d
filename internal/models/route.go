// Package models provides data model definitions for FieldSync.
package models

import (
	"fmt"
	"sort"
	"time"
)

// DateLayout is the service-date format used for every date index key.
const DateLayout = "2006-01-02"

// Client is the denormalized client attached to a stop.
type Client struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

// Location is the service address of a stop.
type Location struct {
	ID          string   `json:"id"`
	Address     string   `json:"address"`
	City        string   `json:"city,omitempty"`
	State       string   `json:"state,omitempty"`
	Zip         string   `json:"zip,omitempty"`
	Latitude    *float64 `json:"latitude,omitempty"`
	Longitude   *float64 `json:"longitude,omitempty"`
	AccessNotes string   `json:"access_notes,omitempty"`
	GateCode    string   `json:"gate_code,omitempty"`
}

// HasCoordinates reports whether the location carries a geo position.
func (l Location) HasCoordinates() bool {
	return l.Latitude != nil && l.Longitude != nil
}

// Dog is a dog present at a stop.
type Dog struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Breed       string `json:"breed,omitempty"`
	IsSafe      bool   `json:"is_safe"`
	SafetyNotes string `json:"safety_notes,omitempty"`
}

// CachedStop is a stop embedded in a CachedRoute. It is never stored on its own.
type CachedStop struct {
	ID               string   `json:"id"`
	Order            int      `json:"order"`
	JobID            string   `json:"job_id"`
	EstimatedArrival string   `json:"estimated_arrival,omitempty"`
	Client           Client   `json:"client"`
	Location         Location `json:"location"`
	Dogs             []Dog    `json:"dogs"`
	JobStatus        string   `json:"job_status"`
	Notes            string   `json:"notes,omitempty"`
}

// HasUnsafeDog reports whether any dog at the stop is flagged unsafe.
func (s CachedStop) HasUnsafeDog() bool {
	for _, d := range s.Dogs {
		if !d.IsSafe {
			return true
		}
	}
	return false
}

// CachedRoute is a snapshot of one day's route.
type CachedRoute struct {
	ID       string       `json:"id"`
	Date     string       `json:"date"`
	Name     string       `json:"name"`
	Status   string       `json:"status"`
	Stops    []CachedStop `json:"stops"`
	CachedAt int64        `json:"cached_at"`
}

// IsStale reports whether the route is older than ttl at now.
func (r *CachedRoute) IsStale(now time.Time, ttl time.Duration) bool {
	return now.UnixMilli()-r.CachedAt > ttl.Milliseconds()
}

// SortStops orders stops by their 1-based position.
func (r *CachedRoute) SortStops() {
	sort.SliceStable(r.Stops, func(i, j int) bool {
		return r.Stops[i].Order < r.Stops[j].Order
	})
}

// Validate checks the route identity, date and that stop orders form 1..n.
func (r *CachedRoute) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("route id is required")
	}
	if _, err := time.Parse(DateLayout, r.Date); err != nil {
		return fmt.Errorf("route date %q: %w", r.Date, err)
	}
	seen := make(map[int]bool, len(r.Stops))
	for _, s := range r.Stops {
		if s.Order < 1 || s.Order > len(r.Stops) {
			return fmt.Errorf("stop %s order %d out of range 1..%d", s.ID, s.Order, len(r.Stops))
		}
		if seen[s.Order] {
			return fmt.Errorf("duplicate stop order %d", s.Order)
		}
		seen[s.Order] = true
	}
	return nil
}

// StopByJob returns the stop for a job, if present.
func (r *CachedRoute) StopByJob(jobID string) (CachedStop, bool) {
	for _, s := range r.Stops {
		if s.JobID == jobID {
			return s, true
		}
	}
	return CachedStop{}, false
}
