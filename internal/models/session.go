package models

import (
	"time"

	"golang.org/x/oauth2"
)

// Session is the authenticated client session. ExpiresAt is set if and only
// if AccessToken is set. The refresh token lives in an HttpOnly cookie that
// is saved with Cookies; RefreshToken only holds one the backend chose to
// echo in a body and is never persisted.
type Session struct {
	AccessToken  string      `json:"access_token" dynamodbav:"access_token"`
	RefreshToken string      `json:"-" dynamodbav:"-"`
	ExpiresAt    time.Time   `json:"expires_at" dynamodbav:"expires_at"`
	User         UserProfile `json:"user,omitempty" dynamodbav:"user,omitempty"`
	Cookies      []Cookie    `json:"cookies,omitempty" dynamodbav:"cookies,omitempty"`
}

// Cookie is a backend cookie saved with the session so the server-side
// session survives a restart.
type Cookie struct {
	Name  string `json:"name" dynamodbav:"name"`
	Value string `json:"value" dynamodbav:"value"`
}

// Valid reports whether the token/expiry invariant holds.
func (s *Session) Valid() bool {
	if s == nil {
		return false
	}
	return (s.AccessToken == "") == s.ExpiresAt.IsZero() && s.AccessToken != ""
}

// Expired reports whether the access token is past its client-side expiry.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// OAuth2Token returns the bearer credential of the session.
func (s *Session) OAuth2Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  s.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: s.RefreshToken,
		Expiry:       s.ExpiresAt,
	}
}

// Clone returns a deep enough copy for handing out to readers.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.User != nil {
		c.User = make(UserProfile, len(s.User))
		for k, v := range s.User {
			c.User[k] = v
		}
	}
	if s.Cookies != nil {
		c.Cookies = append([]Cookie(nil), s.Cookies...)
	}
	return &c
}
