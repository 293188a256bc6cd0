package types

import "time"

// Device is an agent installation allowed to synchronize with the server
type Device struct {
	ID         string     `json:"id" db:"id"`
	Name       string     `json:"name" db:"name"`
	Facility   string     `json:"facility" db:"facility"`
	SecretHash string     `json:"-" db:"secret_hash"`
	IsActive   bool       `json:"is_active" db:"is_active"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty" db:"last_seen_at"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}

// DeviceCredentials is the login body of the token endpoint
type DeviceCredentials struct {
	DeviceID string `json:"device_id" validate:"required"`
	Secret   string `json:"secret" validate:"required,min=8"`
}

// DeviceClaims are the identity claims carried by an access token
type DeviceClaims struct {
	DeviceID string `json:"device_id"`
	Facility string `json:"facility,omitempty"`
	UserID   string `json:"user_id,omitempty"`
}

// AuthToken represents an issued access token
type AuthToken struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresIn   int64     `json:"expires_in"`
	IssuedAt    time.Time `json:"issued_at"`
}

// ExpiresAt returns the absolute expiry time of the token
func (t *AuthToken) ExpiresAt() time.Time {
	return t.IssuedAt.Add(time.Duration(t.ExpiresIn) * time.Second)
}
