package protocol

import (
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/feed"
)

// Recognition is the wire form of a feed event published to brokers.
type Recognition struct {
	ID          string    `json:"id"`
	Participant string    `json:"student"`
	Text        string    `json:"text"`
	Timestamp   time.Time `json:"timestamp"`
	Filename    string    `json:"filename,omitempty"`
	Source      string    `json:"source"`
	DeviceID    string    `json:"device_id,omitempty"`
	Failed      bool      `json:"failed"`
}

const SubjectRecognitionPrefix = "recognition"

// RecognitionSubject returns "<prefix>.recognition.<source>".
func RecognitionSubject(prefix string, source feed.Source) string {
	if source == "" {
		source = "unknown"
	}
	subject := SubjectRecognitionPrefix + "." + string(source)
	if prefix == "" {
		return subject
	}
	return prefix + "." + subject
}

// FromEvent converts evt and assigns it a fresh message id.
func FromEvent(evt feed.Event) Recognition {
	return Recognition{
		ID:          uuid.NewString(),
		Participant: evt.Participant,
		Text:        evt.Text,
		Timestamp:   evt.Time().UTC(),
		Filename:    evt.Filename,
		Source:      string(evt.Source),
		DeviceID:    evt.DeviceID,
		Failed:      evt.Failed,
	}
}
