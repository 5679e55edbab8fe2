package models

import (
	"fmt"
	"strconv"
)

// UserProfile is the user payload returned by the login endpoint. Its fields
// are defined by the backend (id, phone, role, wallet balance, ...) and are
// opaque to the session core; the accessors only help presentation.
type UserProfile map[string]any

// String returns the value under key rendered as a string, or "".
func (u UserProfile) String(key string) string {
	v, ok := u[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

func (u UserProfile) first(keys ...string) string {
	for _, k := range keys {
		if s := u.String(k); s != "" {
			return s
		}
	}
	return ""
}

func (u UserProfile) ID() string {
	return u.first("id", "user_id", "ID")
}

func (u UserProfile) Phone() string {
	return u.first("phone", "user_phone", "phone_number")
}

func (u UserProfile) Role() string {
	return u.first("role", "user_role")
}

func (u UserProfile) DisplayName() string {
	return u.first("user_display_name", "display_name", "name", "user_nicename")
}
