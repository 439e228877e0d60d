package models

import "time"

// ShiftStatus is the clock state of a technician's shift.
type ShiftStatus string

const (
	ShiftClockedIn  ShiftStatus = "CLOCKED_IN"
	ShiftOnBreak    ShiftStatus = "ON_BREAK"
	ShiftClockedOut ShiftStatus = "CLOCKED_OUT"
)

// Break types.
const (
	BreakMeal = "MEAL"
	BreakRest = "REST"
)

// Break is one break within a shift. End is nil while the break is open.
type Break struct {
	Start int64  `json:"start"`
	End   *int64 `json:"end"`
	Type  string `json:"type"`
}

// CachedShift is a snapshot of one day's shift.
type CachedShift struct {
	ID            string      `json:"id"`
	ShiftDate     string      `json:"shift_date"`
	Status        ShiftStatus `json:"status"`
	ClockIn       *int64      `json:"clock_in"`
	ClockOut      *int64      `json:"clock_out"`
	VehicleID     string      `json:"vehicle_id,omitempty"`
	StartOdometer *int        `json:"start_odometer,omitempty"`
	EndOdometer   *int        `json:"end_odometer,omitempty"`
	Breaks        []Break     `json:"breaks"`
	CachedAt      int64       `json:"cached_at"`
	Synced        bool        `json:"synced"`
}

// OpenBreak returns the index of the open break, or -1.
func (s *CachedShift) OpenBreak() int {
	for i := len(s.Breaks) - 1; i >= 0; i-- {
		if s.Breaks[i].End == nil {
			return i
		}
	}
	return -1
}

// BreakDuration sums closed break time.
func (s *CachedShift) BreakDuration() time.Duration {
	var total int64
	for _, b := range s.Breaks {
		if b.End != nil {
			total += *b.End - b.Start
		}
	}
	return time.Duration(total) * time.Millisecond
}
