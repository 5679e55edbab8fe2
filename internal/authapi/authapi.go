// Package authapi speaks the login, refresh, logout and CSRF bootstrap
// endpoints.
package authapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/paybychance/paybychance/internal/config"
	"github.com/paybychance/paybychance/internal/csrf"
	"github.com/paybychance/paybychance/internal/httpclient"
	"github.com/paybychance/paybychance/internal/models"
	"github.com/sirupsen/logrus"
)

var ErrNoToken = errors.New("response carries no token")

type API struct {
	client *httpclient.Client
	paths  config.APIConfig
	logger *logrus.Logger
}

// New returns an API over client. Requests never trigger a token refresh, so
// client may be the authenticated pipeline or a bare one.
func New(client *httpclient.Client, paths config.APIConfig, logger *logrus.Logger) *API {
	return &API{
		client: client,
		paths:  paths,
		logger: logger,
	}
}

func (a *API) Login(ctx context.Context, username, password string) (*models.LoginResult, error) {
	resp, err := a.client.Do(ctx, &httpclient.Request{
		Method:      http.MethodPost,
		Path:        a.paths.LoginPath,
		Body:        models.LoginRequest{Username: username, Password: password},
		Auth:        httpclient.AuthPublic,
		SkipRefresh: true,
	})
	if err != nil {
		return nil, err
	}

	obj, err := payload(resp)
	if err != nil {
		return nil, err
	}
	token, _ := obj["token"].(string)
	if token == "" {
		return nil, fmt.Errorf("login: %w", ErrNoToken)
	}
	refresh, _ := obj["refresh_token"].(string)

	var user models.UserProfile
	if u, ok := obj["user"].(map[string]any); ok {
		user = models.UserProfile(u)
	} else {
		user = make(models.UserProfile, len(obj))
		for k, v := range obj {
			if k == "token" || k == "refresh_token" {
				continue
			}
			user[k] = v
		}
	}

	return &models.LoginResult{Token: token, RefreshToken: refresh, User: user}, nil
}

// Refresh exchanges the refresh cookie held in the jar for a new access token.
func (a *API) Refresh(ctx context.Context) (*models.RefreshResult, error) {
	resp, err := a.client.Do(ctx, &httpclient.Request{
		Method:      http.MethodPost,
		Path:        a.paths.RefreshPath,
		SkipRefresh: true,
	})
	if err != nil {
		return nil, err
	}

	obj, err := payload(resp)
	if err != nil {
		return nil, err
	}
	token, _ := obj["token"].(string)
	if token == "" {
		return nil, fmt.Errorf("refresh: %w", ErrNoToken)
	}
	refresh, _ := obj["refresh_token"].(string)
	return &models.RefreshResult{Token: token, RefreshToken: refresh}, nil
}

// Logout asks the backend to invalidate its refresh state and cookie.
func (a *API) Logout(ctx context.Context) error {
	_, err := a.client.Do(ctx, &httpclient.Request{
		Method:      http.MethodPost,
		Path:        a.paths.LogoutPath,
		SkipRefresh: true,
	})
	return err
}

// payload returns the response object, unwrapping a nested "data" object
// when the backend wraps its answer in one.
func payload(resp *httpclient.Response) (map[string]any, error) {
	var obj map[string]any
	if err := resp.DecodeJSON(&obj); err != nil {
		return nil, err
	}
	if inner, ok := obj["data"].(map[string]any); ok {
		if _, hasToken := obj["token"]; !hasToken {
			return inner, nil
		}
	}
	return obj, nil
}

// NewCSRFFetcher returns a fetcher that calls the bootstrap endpoint on the
// raw client, outside the request pipeline. The response also sets the
// session cookie in the client's jar.
func NewCSRFFetcher(hc *http.Client, baseURL, path string) csrf.Fetcher {
	target := strings.TrimRight(baseURL, "/") + path
	return func(ctx context.Context) (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return "", fmt.Errorf("failed to build csrf request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := hc.Do(req)
		if err != nil {
			return "", fmt.Errorf("failed to fetch csrf token: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("csrf endpoint returned status %d", resp.StatusCode)
		}
		var body models.CSRFResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return "", fmt.Errorf("failed to decode csrf response: %w", err)
		}
		if !body.OK {
			return "", errors.New("csrf endpoint answered ok=false")
		}
		return body.CSRF, nil
	}
}
