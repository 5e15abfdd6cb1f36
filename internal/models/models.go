package models

import (
	"encoding/json"
	"strings"
	"time"
)

// PlatformLinkedIn is the only platform the replay drains today.
const PlatformLinkedIn = "linkedin"

// PlatformLinkedInLive tags actions journaled by the live-tab queue. The replay
// never drains them.
const PlatformLinkedInLive = "linkedin_live"

type ActionKind string

const (
	KindConnect     ActionKind = "connect"
	KindSendMessage ActionKind = "sendMessage"
)

type ActionStatus string

const (
	StatusPending    ActionStatus = "pending"
	StatusInProgress ActionStatus = "in_progress"
	StatusCompleted  ActionStatus = "completed"
	StatusFailed     ActionStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s ActionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Payload carries kind-specific data. Message is used by sendMessage, Note by connect.
type Payload struct {
	TargetURL string `json:"targetUrl,omitempty"`
	Message   string `json:"message,omitempty"`
	Note      string `json:"note,omitempty"`
}

type Action struct {
	ID          string       `json:"id"`
	UserID      string       `json:"userId"`
	Platform    string       `json:"platform"`
	Kind        ActionKind   `json:"kind"`
	Payload     Payload      `json:"payload"`
	Status      ActionStatus `json:"status"`
	Attempts    int          `json:"attempts"`
	ErrorDetail string       `json:"errorDetail,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	CompletedAt *time.Time   `json:"completedAt,omitempty"`
	FailedAt    *time.Time   `json:"failedAt,omitempty"`
}

// Cookie mirrors the subset of a CDP network cookie that survives a capture/replay cycle.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
}

// Usable reports whether the cookie can be replayed.
func (c Cookie) Usable() bool {
	return strings.TrimSpace(c.Name) != "" && c.Value != "" && strings.TrimSpace(c.Domain) != ""
}

type SessionArtifact struct {
	UserID    string    `json:"userId"`
	Cookies   []Cookie  `json:"cookies"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// UsableCookies keeps only replayable cookies, preserving order.
func (s *SessionArtifact) UsableCookies() []Cookie {
	if s == nil {
		return nil
	}
	out := make([]Cookie, 0, len(s.Cookies))
	for _, c := range s.Cookies {
		if c.Usable() {
			out = append(out, c)
		}
	}
	return out
}

// Profile is what the extension scrapes off a profile page and posts to storeProfile.
type Profile struct {
	LinkedInURL string    `json:"linkedinUrl"`
	Name        string    `json:"name,omitempty"`
	Headline    string    `json:"headline,omitempty"`
	Company     string    `json:"company,omitempty"`
	Location    string    `json:"location,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// MessageLog is one conversation snapshot posted to storeMessages.
type MessageLog struct {
	ID        int64           `json:"id"`
	UserID    string          `json:"userId"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"createdAt"`
}

type RunLog struct {
	ID        int64
	RunType   string
	StartedAt time.Time
	EndedAt   time.Time
	Summary   string
}
