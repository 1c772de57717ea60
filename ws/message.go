// ws/message.go
package ws

import (
	"github.com/ViniZap4/lumi-ideas/domain"
)

// Server to client message types.
const (
	TypeSnapshot    = "snapshot"
	TypeDraft       = "draft"
	TypeEnhancement = "enhancement"
	TypeError       = "error"
)

// Client to server message types.
const (
	TypeOpen    = "open"
	TypeTitle   = "title"
	TypeBody    = "body"
	TypeFlush   = "flush"
	TypeEnhance = "enhance"
	TypeAccept  = "accept"
	TypeClose   = "close"
)

// Message is what the server sends.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type SnapshotData struct {
	OwnerID string          `json:"owner_id"`
	Records []domain.Record `json:"records"`
	Loading bool            `json:"loading"`
}

type ErrorData struct {
	Message string `json:"message"`
}

// ClientMessage is what clients send. Which fields matter depends on Type:
// open reads ID, Title and Body; title and body read Text.
type ClientMessage struct {
	Type  string `json:"type"`
	ID    string `json:"id,omitempty"`
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
	Text  string `json:"text,omitempty"`
}
