// Package services provides the field operations the technician's UI
// calls: today's route, job status changes and the shift clock.
package services

import (
	"time"

	"github.com/kimhsiao/fieldsync/internal/models"
)

// Connectivity reports whether the server is believed reachable.
type Connectivity interface {
	IsOnline() bool
}

// Clock returns the current time.
type Clock func() time.Time

func today(now Clock) string {
	return now().Format(models.DateLayout)
}
