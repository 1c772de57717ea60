// domain/note.go
package domain

import "time"

// Record is a persisted note as seen by subscribers.
type Record struct {
	ID        string    `json:"id" yaml:"id"`
	Title     string    `json:"title" yaml:"title"`
	Body      string    `json:"body" yaml:"-"`
	OwnerID   string    `json:"owner_id" yaml:"owner_id"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// RecordData is the user-editable part of a record.
type RecordData struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// RecordPatch carries only the fields an update should touch.
type RecordPatch struct {
	Title *string `json:"title,omitempty"`
	Body  *string `json:"body,omitempty"`
}

func (p RecordPatch) Empty() bool {
	return p.Title == nil && p.Body == nil
}

// Draft is the session-local edit buffer for one note. BoundID is empty
// until the first successful save.
type Draft struct {
	Title   string `json:"title"`
	Body    string `json:"body"`
	BoundID string `json:"bound_id,omitempty"`
}
