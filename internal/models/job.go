package models

// Job statuses reported by the field app.
const (
	JobStatusScheduled  = "SCHEDULED"
	JobStatusInProgress = "IN_PROGRESS"
	JobStatusCompleted  = "COMPLETED"
	JobStatusSkipped    = "SKIPPED"
)

// ValidJobStatus reports whether s is a status a technician may set.
func ValidJobStatus(s string) bool {
	switch s {
	case JobStatusScheduled, JobStatusInProgress, JobStatusCompleted, JobStatusSkipped:
		return true
	}
	return false
}

// CachedJob is a local job mutation awaiting server confirmation.
type CachedJob struct {
	ID            string   `json:"id"`
	RouteID       *string  `json:"route_id"`
	ScheduledDate string   `json:"scheduled_date"`
	Status        string   `json:"status"`
	ClientID      string   `json:"client_id"`
	LocationID    string   `json:"location_id"`
	Notes         string   `json:"notes,omitempty"`
	Photos        []string `json:"photos"`
	CachedAt      int64    `json:"cached_at"`
}

// Unassigned reports whether the job has no route.
func (j *CachedJob) Unassigned() bool {
	return j.RouteID == nil || *j.RouteID == ""
}
