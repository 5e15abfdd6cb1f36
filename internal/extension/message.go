// Package extension is the agent side of the browser extension boundary. Each
// request carries an action discriminator and gets exactly one response.
package extension

import (
	"encoding/json"

	"github.com/example/outreach/internal/models"
)

const (
	ActionQueueLinkedIn = "queueLinkedInAction"
	ActionStoreProfile  = "storeProfile"
	ActionStoreMessages = "storeMessages"
	ActionAuthenticate  = "authenticateExtension"
)

type Request struct {
	// ID correlates the response; the extension may omit it when it sends one request at a time.
	ID     string `json:"id,omitempty"`
	Action string `json:"action"`

	// queueLinkedInAction
	Type    models.ActionKind `json:"type,omitempty"`
	Payload models.Payload    `json:"payload"`

	// authenticateExtension
	UID string `json:"uid,omitempty"`

	// storeProfile, storeMessages
	Data json.RawMessage `json:"data,omitempty"`
}

type Response struct {
	ID      string `json:"id,omitempty"`
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}
