package entities

import "time"

// MaxHistoryEntries bounds CustomerRecord.History; the oldest entries are evicted first.
const MaxHistoryEntries = 50

type Interaction struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Reply     string    `json:"reply"`
}

// CustomerRecord is keyed by the normalized sender phone number.
type CustomerRecord struct {
	Phone             string            `json:"phone"`
	Name              string            `json:"name,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	LastInteractionAt time.Time         `json:"last_interaction_at"`
	History           []Interaction     `json:"history"`
	Preferences       map[string]string `json:"preferences"`
	// Ephemeral marks a stand-in record built when storage was unreachable.
	Ephemeral bool `json:"-"`
	// Created is true when this lookup inserted the record.
	Created bool `json:"-"`
}

// RecentHistory returns at most n of the latest interactions, oldest first.
func (c *CustomerRecord) RecentHistory(n int) []Interaction {
	if c == nil || n <= 0 || len(c.History) == 0 {
		return nil
	}
	if len(c.History) <= n {
		return c.History
	}
	return c.History[len(c.History)-n:]
}

// IsReturning reports whether the customer has talked to us before.
func (c *CustomerRecord) IsReturning() bool {
	return c != nil && !c.Created && len(c.History) > 0
}

type SecurityEvent struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"`
	IP        string    `json:"ip"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	EventBadSignature    = "invalid_signature"
	EventLoginFailed     = "login_failed"
	EventLoginLocked     = "login_locked_out"
	EventIPRateLimited   = "ip_rate_limited"
	EventVerifyTokenFail = "verify_token_mismatch"
)
