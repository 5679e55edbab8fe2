package models

import (
	"encoding/json"
	"time"
)

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResult is the normalised answer of the login endpoint.
type LoginResult struct {
	Token        string
	RefreshToken string
	User         UserProfile
}

// RefreshResult is the normalised answer of the refresh endpoint.
type RefreshResult struct {
	Token        string
	RefreshToken string
}

// LoginResponse is the wire shape the backend emulator produces.
type LoginResponse struct {
	Token        string      `json:"token"`
	RefreshToken string      `json:"refresh_token,omitempty"`
	User         UserProfile `json:"user"`
}

type RefreshResponse struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// CSRFResponse is returned by the CSRF bootstrap endpoint.
type CSRFResponse struct {
	OK   bool   `json:"ok"`
	CSRF string `json:"csrf"`
}

// ProxyEnvelope is the Context Proxy wrapper around upstream payloads.
type ProxyEnvelope struct {
	OK     bool            `json:"ok"`
	Status int             `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// RefreshTokenData is the server-side state kept per refresh token by the
// backend emulator.
type RefreshTokenData struct {
	JTI       string    `json:"jti"`
	Username  string    `json:"username"`
	FamilyID  string    `json:"family_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Revoked   bool      `json:"revoked"`
}
