package models

import (
	"encoding/json"
	"slices"
	"time"
)

const RoleAdmin = "ROLE_ADMIN"

// Session is the authenticated identity held for the lifetime of a login.
type Session struct {
	UserID    int64     `json:"userId"`
	Username  string    `json:"username"`
	Token     string    `json:"token"`
	Roles     []string  `json:"roles,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// Expired reports whether the token carried an expiry that has passed.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

func (s *Session) HasRole(role string) bool {
	return slices.Contains(s.Roles, role)
}

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AuthResponse is the login payload. Older servers send "id", newer ones "userId".
type AuthResponse struct {
	Token    string   `json:"token"`
	ID       int64    `json:"id,omitempty"`
	UserID   int64    `json:"userId,omitempty"`
	Username string   `json:"username"`
	Roles    []string `json:"roles,omitempty"`
}

func (r *AuthResponse) Identifier() int64 {
	if r.UserID != 0 {
		return r.UserID
	}
	return r.ID
}

type Contact struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Online   bool   `json:"online"`
}

// UnmarshalJSON accepts both "online" and "isOnline".
func (c *Contact) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
		Online   *bool  `json:"online"`
		IsOnline *bool  `json:"isOnline"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.ID = raw.ID
	c.Username = raw.Username
	c.Online = firstBool(raw.IsOnline, raw.Online)
	return nil
}

// UserDetails is the admin view of an account.
type UserDetails struct {
	ID                 int64     `json:"id"`
	Username           string    `json:"username"`
	Roles              []string  `json:"roles"`
	LastLoginIP        string    `json:"lastLoginIp,omitempty"`
	DeviceDetails      string    `json:"deviceDetails,omitempty"`
	LastLoginTimestamp Timestamp `json:"lastLoginTimestamp"`
}

func firstBool(values ...*bool) bool {
	for _, v := range values {
		if v != nil {
			return *v
		}
	}
	return false
}
