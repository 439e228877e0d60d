package models

import "fmt"

// PhotoType classifies a proof-of-service photo.
type PhotoType string

const (
	PhotoBefore PhotoType = "before"
	PhotoAfter  PhotoType = "after"
	PhotoIssue  PhotoType = "issue"
)

// Valid reports whether t is a known photo type.
func (t PhotoType) Valid() bool {
	switch t {
	case PhotoBefore, PhotoAfter, PhotoIssue:
		return true
	}
	return false
}

// PhotoStatus is the upload state of a queued photo.
type PhotoStatus string

const (
	PhotoPending   PhotoStatus = "pending"
	PhotoUploading PhotoStatus = "uploading"
	PhotoFailed    PhotoStatus = "failed"
)

// MaxPhotoRetries is the number of failed attempts after which a photo
// stops being retried automatically.
const MaxPhotoRetries = 3

// QueuedPhoto is a captured photo awaiting upload.
type QueuedPhoto struct {
	ID         string      `json:"id"`
	JobID      string      `json:"job_id"`
	Type       PhotoType   `json:"type"`
	Blob       []byte      `json:"-"`
	MimeType   string      `json:"mime_type"`
	CreatedAt  int64       `json:"created_at"`
	RetryCount int         `json:"retry_count"`
	Status     PhotoStatus `json:"status"`
	LastError  string      `json:"last_error,omitempty"`
}

// PhotoID derives the queue id of a photo from its job, type and creation time.
func PhotoID(jobID string, t PhotoType, createdAt int64) string {
	return fmt.Sprintf("%s-%s-%d", jobID, t, createdAt)
}

// Exhausted reports whether automatic retries are used up.
func (p *QueuedPhoto) Exhausted() bool {
	return p.RetryCount >= MaxPhotoRetries
}
