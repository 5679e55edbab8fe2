package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("API_BASE_URL", "https://backend.example.com/wp-json/")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://backend.example.com/wp-json", cfg.API.BaseURL)
	assert.Equal(t, 20*time.Minute, cfg.Session.TokenTTL)
	assert.Equal(t, 2*time.Minute, cfg.Session.RefreshBuffer)
	assert.Equal(t, 9*time.Minute, cfg.Session.InactivityWarning)
	assert.Equal(t, 10*time.Minute, cfg.Session.AutoLogout)
	assert.Equal(t, time.Minute, cfg.Session.RefreshPoll)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, time.Second, cfg.Retry.Delay)
	assert.Equal(t, []string{"/context-proxy/v1/csrf"}, cfg.Paths.CSRFExempt)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("API_BASE_URL", "http://localhost:8080")
	t.Setenv("TOKEN_EXPIRY_MIN", "30")
	t.Setenv("TOKEN_REFRESH_BUFFER_MIN", "5")
	t.Setenv("INACTIVITY_WARNING_MIN", "14")
	t.Setenv("AUTO_LOGOUT_MIN", "15")
	t.Setenv("RETRY_DELAY", "250ms")
	t.Setenv("CSRF_PATH_PREFIXES", "/a/, /b/")
	t.Setenv("BACKEND_USERS", "08031234567:secret, bad ,admin:pw")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 30*time.Minute, cfg.Session.TokenTTL)
	assert.Equal(t, 5*time.Minute, cfg.Session.RefreshBuffer)
	assert.Equal(t, 14*time.Minute, cfg.Session.InactivityWarning)
	assert.Equal(t, 15*time.Minute, cfg.Session.AutoLogout)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.Delay)
	assert.Equal(t, []string{"/a/", "/b/"}, cfg.Paths.CSRFPrefixes)
	assert.Equal(t, map[string]string{"08031234567": "secret", "admin": "pw"}, cfg.Backend.Users)
}

func TestCallBudgetCoversRetrySchedule(t *testing.T) {
	cfg := Default()
	// Four 8s attempts and three 1s delays, twice.
	assert.Equal(t, 70*time.Second, cfg.CallBudget())

	cfg.Retry.MaxRetries = 0
	assert.Equal(t, 16*time.Second, cfg.CallBudget())
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing base url", map[string]string{"API_BASE_URL": ""}},
		{"relative base url", map[string]string{"API_BASE_URL": "/wp-json"}},
		{"buffer exceeds ttl", map[string]string{"API_BASE_URL": "http://x", "TOKEN_EXPIRY_MIN": "2", "TOKEN_REFRESH_BUFFER_MIN": "3"}},
		{"warning after logout", map[string]string{"API_BASE_URL": "http://x", "INACTIVITY_WARNING_MIN": "11"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadBackend(t *testing.T) {
	t.Setenv("JWT_SECRET_KEY", "0123456789abcdef0123456789abcdef")
	t.Setenv("BACKEND_USERS", "08031234567:secret")
	t.Setenv("JWT_ACCESS_EXPIRY", "1m")

	cfg, err := LoadBackend()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Backend.Port)
	assert.Equal(t, time.Minute, cfg.Backend.AccessExpiry)
	assert.Equal(t, "memory", cfg.Backend.RefreshStore)

	t.Setenv("JWT_SECRET_KEY", "short")
	_, err = LoadBackend()
	assert.Error(t, err)
}
