package domain

import (
	"time"
)

// AccessToken is a bearer token for the NLU backend cached on a room.
type AccessToken struct {
	Token      string     `json:"token"`
	Expiration *time.Time `json:"expiration,omitempty"`
	IssuedAt   time.Time  `json:"issuedAt"`
}

// HasExpired reports whether the token must be regenerated at now.
// A token without an expiration is always expired.
func (t *AccessToken) HasExpired(now time.Time) bool {
	if t == nil || t.Token == "" || t.Expiration == nil {
		return true
	}
	return !now.Before(*t.Expiration)
}
