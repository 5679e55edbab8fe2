// Package gateway turns domain verbs into calls through the request
// pipeline: Context Proxy actions, raw proxy pass-through and JWT-protected
// endpoints.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/paybychance/paybychance/internal/config"
	"github.com/paybychance/paybychance/internal/httpclient"
	"github.com/paybychance/paybychance/internal/models"
	"github.com/sirupsen/logrus"
)

// ErrProxyRejected matches every *ProxyError.
var ErrProxyRejected = errors.New("proxy rejected the request")

// ProxyError is an envelope answered with ok=false.
type ProxyError struct {
	Status  int
	Message string
}

func (e *ProxyError) Error() string {
	return fmt.Sprintf("proxy rejected the request (status %d): %s", e.Status, e.Message)
}

func (e *ProxyError) Is(target error) bool {
	return target == ErrProxyRejected
}

type Gateway struct {
	client  *httpclient.Client
	paths   config.APIConfig
	timeout time.Duration
	logger  *logrus.Logger
	nowTime func() time.Time

	productsTTL time.Duration
	mu          sync.Mutex
	products    []map[string]any
	productsAt  time.Time
}

type Option func(*Gateway)

// WithTimeout bounds each call unless the caller's context ends earlier.
func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.timeout = d }
}

func WithNowTime(now func() time.Time) Option {
	return func(g *Gateway) { g.nowTime = now }
}

func WithProductsTTL(d time.Duration) Option {
	return func(g *Gateway) { g.productsTTL = d }
}

func New(client *httpclient.Client, paths config.APIConfig, logger *logrus.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		client:      client,
		paths:       paths,
		timeout:     paths.Timeout,
		logger:      logger,
		nowTime:     time.Now,
		productsTTL: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gateway) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.timeout)
}

// ProxyAction posts {action_type, ...params} to the action endpoint and
// returns the upstream payload. Actions named get_* are reads and are
// retried on transient failures.
func (g *Gateway) ProxyAction(ctx context.Context, actionType string, params map[string]any) (json.RawMessage, error) {
	ctx, cancel := g.bounded(ctx)
	defer cancel()

	body := make(map[string]any, len(params)+1)
	for k, v := range params {
		body[k] = v
	}
	body["action_type"] = actionType

	resp, err := g.client.Do(ctx, &httpclient.Request{
		Method:     http.MethodPost,
		Path:       g.paths.ActionPath,
		Body:       body,
		Idempotent: strings.HasPrefix(actionType, "get_"),
	})
	if err != nil {
		return nil, fmt.Errorf("action %s: %w", actionType, err)
	}
	return unwrapData(resp.Body), nil
}

// Proxy forwards {path, method, body} through the raw proxy endpoint.
func (g *Gateway) Proxy(ctx context.Context, path, method string, body any) (json.RawMessage, error) {
	ctx, cancel := g.bounded(ctx)
	defer cancel()

	resp, err := g.client.Do(ctx, &httpclient.Request{
		Method: http.MethodPost,
		Path:   g.paths.ProxyPath,
		Body: map[string]any{
			"path":   path,
			"method": method,
			"body":   body,
		},
		Idempotent: method == http.MethodGet,
	})
	if err != nil {
		return nil, fmt.Errorf("proxy %s %s: %w", method, path, err)
	}
	return decodeEnvelope(resp)
}

func (g *Gateway) JWTGet(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	ctx, cancel := g.bounded(ctx)
	defer cancel()

	resp, err := g.client.Do(ctx, &httpclient.Request{
		Method: http.MethodGet,
		Path:   path,
		Query:  query,
		Auth:   httpclient.AuthBearer,
	})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (g *Gateway) JWTPost(ctx context.Context, path string, body any) (json.RawMessage, error) {
	ctx, cancel := g.bounded(ctx)
	defer cancel()

	resp, err := g.client.Do(ctx, &httpclient.Request{
		Method: http.MethodPost,
		Path:   path,
		Body:   body,
		Auth:   httpclient.AuthBearer,
	})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// ValidateJWT asks the backend whether the current token is valid. Any
// failure reads as invalid.
func (g *Gateway) ValidateJWT(ctx context.Context) bool {
	raw, err := g.JWTPost(ctx, g.paths.ValidatePath, map[string]any{})
	if err != nil {
		g.logger.WithError(err).Debug("Token validation failed")
		return false
	}
	var res struct {
		Success bool `json:"success"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return false
	}
	return res.Success
}

// unwrapData returns body.data when present, otherwise body.
func unwrapData(body []byte) json.RawMessage {
	var probe struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &probe); err == nil && len(probe.Data) > 0 && string(probe.Data) != "null" {
		return probe.Data
	}
	return body
}

func decodeEnvelope(resp *httpclient.Response) (json.RawMessage, error) {
	var env models.ProxyEnvelope
	if err := resp.DecodeJSON(&env); err != nil {
		return nil, err
	}
	if !env.OK {
		msg := env.Error
		var inner struct {
			Message string `json:"message"`
		}
		if len(env.Data) > 0 && json.Unmarshal(env.Data, &inner) == nil && inner.Message != "" {
			msg = inner.Message
		}
		if msg == "" {
			msg = "request failed"
		}
		status := env.Status
		if status == 0 {
			status = http.StatusBadRequest
		}
		return nil, &ProxyError{Status: status, Message: msg}
	}
	return env.Data, nil
}
