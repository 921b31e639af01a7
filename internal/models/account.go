package models

import (
	"fmt"
	"time"
)

// AccountStatus tracks whether an account's platform credentials are usable.
type AccountStatus string

const (
	AccountStatusActive  AccountStatus = "active"
	AccountStatusInvalid AccountStatus = "invalid"
)

// AdAccount holds one user's credentials for the remote ad platform. The
// runners skip (never delete) work for accounts whose token has expired and
// the cleanup sweep removes rules only for accounts confirmed invalid.
type AdAccount struct {
	UserID         string        `json:"user_id"`
	AccountID      string        `json:"account_id"`
	AccessToken    string        `json:"access_token"`
	TokenExpiresAt time.Time     `json:"token_expires_at,omitempty"`
	Status         AccountStatus `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Validate checks required account fields.
func (a *AdAccount) Validate() error {
	if a.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if a.AccountID == "" {
		return fmt.Errorf("account_id is required")
	}
	if a.AccessToken == "" {
		return fmt.Errorf("access_token is required")
	}
	return nil
}

// Usable reports whether calls may be issued with this account's credentials
// at the given instant.
func (a *AdAccount) Usable(now time.Time) bool {
	if a.Status == AccountStatusInvalid {
		return false
	}
	if !a.TokenExpiresAt.IsZero() && !now.Before(a.TokenExpiresAt) {
		return false
	}
	return a.AccessToken != ""
}
