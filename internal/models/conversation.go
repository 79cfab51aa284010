package models

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleBot is the legacy stored name for assistant replies.
	RoleBot Role = "bot"
)

// ErrorMarker prefixes every reply fragment produced from an upstream failure.
const ErrorMarker = "⚠️"

// Canonical maps stored roles onto the user/assistant pair.
func (r Role) Canonical() Role {
	if r == RoleBot {
		return RoleAssistant
	}
	return r
}

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleBot:
		return true
	}
	return false
}

// Message is one persisted transcript row. ID doubles as the per-session
// ordering key: it only grows, in insertion order.
type Message struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// ProjectedMessage is the model-ready view of a Message.
type ProjectedMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type SessionSummary struct {
	SessionID    string    `json:"session_id"`
	MessageCount int       `json:"message_count"`
	LastActivity time.Time `json:"last_activity"`
}

// Attachment is an uploaded file carried inline into a chat turn.
type Attachment struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
	MimeType string `json:"mime_type"`
	Data     string `json:"data"` // standard base64
}

func (a *Attachment) IsImage() bool {
	return strings.HasPrefix(a.MimeType, "image/")
}

func (a *Attachment) Bytes() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(a.Data)
	if err != nil {
		return nil, fmt.Errorf("decode attachment %q: %w", a.Name, err)
	}
	return data, nil
}

// DataURL renders the attachment as a data: URL for upstreams that take images by URL.
func (a *Attachment) DataURL() string {
	return "data:" + a.MimeType + ";base64," + a.Data
}

// Label is the visible prefix stored ahead of the user's text.
func (a *Attachment) Label() string {
	if a.Width > 0 && a.Height > 0 {
		return fmt.Sprintf("[Attachment: %s (%s, %d bytes, %dx%d)]", a.Name, a.MimeType, a.Size, a.Width, a.Height)
	}
	return fmt.Sprintf("[Attachment: %s (%s, %d bytes)]", a.Name, a.MimeType, a.Size)
}
