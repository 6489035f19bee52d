package core

import (
	"time"
)

// Delivery statuses. pending is the only non-terminal state; a row leaves it
// at most once and never comes back.
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// Credential holds the Slack tokens on file for one user. AccessToken is
// always the most recently issued value; RefreshToken is nil for workspaces
// that issue non-rotating long-lived tokens.
type Credential struct {
	UserID       string    `json:"user_id"`
	AccessToken  string    `json:"-"`
	RefreshToken *string   `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`
	SlackUserID  string    `json:"slack_user_id"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type Delivery struct {
	ID        int64      `json:"id"`
	UserID    string     `json:"user_id"`
	Channel   string     `json:"channel_id"`
	Body      string     `json:"text"`
	SendAt    time.Time  `json:"send_at"`
	Status    string     `json:"status"`
	ErrorCode *string    `json:"error_code,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
}
