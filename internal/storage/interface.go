package storage

import "time"

// Token is the persisted access token record.
type Token struct {
	AccessToken string    `json:"access_token"`
	IssuedAt    time.Time `json:"issuedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Expired reports whether the token is at or past its expiry at now.
func (t *Token) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Interface defines the contract for session token persistence.
//
// Implementations must be safe for concurrent use.
type Interface interface {
	// Load returns ErrNotFound when nothing is persisted.
	Load() (*Token, error)
	Save(token *Token) error
	// Delete is idempotent.
	Delete() error
}

// Ensure implementations satisfy Interface
var (
	_ Interface = (*JSONStorage)(nil)
	_ Interface = (*MockStorage)(nil)
)
