package models

import (
	"strings"
	"time"
)

// Message is one entry of a user/partner conversation. Messages are
// immutable after creation except for the pending -> sent transition.

type Role string

const (
	RoleUser    Role = "user"
	RolePartner Role = "partner"
)

// State tracks remote confirmation of a message. The zero value means
// the message is confirmed by the remote store.
type State string

const (
	StateSent    State = "sent"
	StatePending State = "pending"
)

type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
	State     State     `json:"state,omitempty"`
}

// Pending reports whether the message awaits remote confirmation.
func (m *Message) Pending() bool {
	return m != nil && m.State == StatePending
}

// ConversationKey scopes every cache, pending-queue, and suggestion
// lookup to one user/partner pair.
type ConversationKey struct {
	UserID    string `json:"user_id"`
	PartnerID string `json:"partner_id"`
}

// Valid reports whether both sides of the key are present.
func (k ConversationKey) Valid() bool {
	return strings.TrimSpace(k.UserID) != "" && strings.TrimSpace(k.PartnerID) != ""
}

func (k ConversationKey) String() string {
	return k.UserID + "::" + k.PartnerID
}
