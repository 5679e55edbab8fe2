// Package httpclient is the single request pipeline every backend call goes
// through. It attaches the credential a path needs, recovers once from a 401
// and retries idempotent calls on transient failures.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/paybychance/paybychance/internal/autherr"
	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

const RequestIDHeader = "X-Request-ID"

// Refresher obtains a new access token after staleToken was rejected.
type Refresher interface {
	RefreshToken(ctx context.Context, staleToken string) error
}

// CSRFSource is the token cache consulted for CSRF-protected paths.
type CSRFSource interface {
	Token() string
	Get(ctx context.Context) (string, error)
	Reset()
}

// Request describes one logical call. Body, when set, is sent as JSON.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any
	Header http.Header

	// Auth overrides the path classification.
	Auth Auth
	// Idempotent enables transient retry. GET and HEAD are always idempotent.
	Idempotent bool
	// SkipRefresh disables token refresh after a 401, as for the credential
	// endpoints themselves. A CSRF token is still refetched once.
	SkipRefresh bool
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (r *Response) DecodeJSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

type Client struct {
	baseURL       string
	http          *http.Client
	tokens        oauth2.TokenSource
	refresher     Refresher
	csrf          CSRFSource
	csrfHeader    string
	csrfMinLength int
	classifier    Classifier
	maxRetries    uint64
	retryDelay    time.Duration
	logger        *logrus.Logger
}

type Option func(*Client)

func WithTokenSource(ts oauth2.TokenSource) Option {
	return func(c *Client) { c.tokens = ts }
}

func WithRefresher(r Refresher) Option {
	return func(c *Client) { c.refresher = r }
}

// WithCSRF sets the token cache, the header it is sent in and the length
// under which a cached token is treated as unusable.
func WithCSRF(src CSRFSource, header string, minLength int) Option {
	return func(c *Client) {
		c.csrf = src
		if header != "" {
			c.csrfHeader = header
		}
		c.csrfMinLength = minLength
	}
}

func WithClassifier(cl Classifier) Option {
	return func(c *Client) { c.classifier = cl }
}

// WithRetry sets the transient retry policy: up to maxRetries further
// attempts, delay apart.
func WithRetry(maxRetries int, delay time.Duration) Option {
	return func(c *Client) {
		if maxRetries < 0 {
			maxRetries = 0
		}
		c.maxRetries = uint64(maxRetries)
		if delay > 0 {
			c.retryDelay = delay
		}
	}
}

func WithLogger(logger *logrus.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func New(baseURL string, hc *http.Client, opts ...Option) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	c := &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		http:          hc,
		csrfHeader:    "X-CSRF-Token",
		csrfMinLength: 8,
		maxRetries:    3,
		retryDelay:    time.Second,
		logger:        logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HTTPClient returns the underlying client, sharing its cookie jar.
func (c *Client) HTTPClient() *http.Client {
	return c.http
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) Get(ctx context.Context, path string, query url.Values) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodGet, Path: path, Query: query})
}

func (c *Client) Post(ctx context.Context, path string, body any) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodPost, Path: path, Body: body})
}

// Do runs req through the pipeline. A 401 on a protected call triggers one
// credential recovery and one replay; the replay's outcome is final.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	body, err := encodeBody(req.Body)
	if err != nil {
		return nil, err
	}

	auth := req.Auth
	if auth == AuthDefault {
		auth = c.classifier.Classify(req.Path)
	}
	requestID := uuid.NewString()
	log := c.logger.WithFields(logrus.Fields{
		"request_id": requestID,
		"method":     req.Method,
		"path":       req.Path,
		"auth":       auth.String(),
	})

	retried := false
	for {
		credential, err := c.prepare(ctx, auth)
		if err != nil {
			return nil, err
		}

		resp, err := c.send(ctx, req, body, auth, credential, requestID, log)
		if err == nil {
			return resp, nil
		}
		if auth == AuthPublic || (auth == AuthBearer && req.SkipRefresh) || retried ||
			autherr.StatusCode(err) != http.StatusUnauthorized || ctx.Err() != nil {
			return nil, err
		}

		retried = true
		if rerr := c.recoverCredential(ctx, auth, credential); rerr != nil {
			log.WithError(rerr).Warn("Credential recovery after 401 failed")
			return nil, err
		}
		log.Debug("Replaying request after credential recovery")
	}
}

// prepare returns the credential to attach for auth.
func (c *Client) prepare(ctx context.Context, auth Auth) (string, error) {
	switch auth {
	case AuthBearer:
		if c.tokens == nil {
			return "", autherr.New(autherr.KindMissingToken, "httpclient.prepare", nil)
		}
		tok, err := c.tokens.Token()
		if err != nil {
			if autherr.KindOf(err) != "" {
				return "", err
			}
			return "", autherr.New(autherr.KindMissingToken, "httpclient.prepare", err)
		}
		if tok == nil || tok.AccessToken == "" {
			return "", autherr.New(autherr.KindMissingToken, "httpclient.prepare", nil)
		}
		return tok.AccessToken, nil

	case AuthCSRF:
		if c.csrf == nil {
			return "", autherr.New(autherr.KindCSRFUnavailable, "httpclient.prepare", errors.New("no csrf source configured"))
		}
		token := c.csrf.Token()
		if len(token) >= c.csrfMinLength {
			return token, nil
		}
		if token != "" {
			c.csrf.Reset()
		}
		return c.csrf.Get(ctx)
	}
	return "", nil
}

func (c *Client) recoverCredential(ctx context.Context, auth Auth, used string) error {
	switch auth {
	case AuthCSRF:
		c.csrf.Reset()
		_, err := c.csrf.Get(ctx)
		return err
	case AuthBearer:
		if c.refresher == nil {
			return errors.New("no refresher configured")
		}
		return c.refresher.RefreshToken(ctx, used)
	}
	return nil
}

// send performs the network exchange, retrying transient failures when the
// request is idempotent.
func (c *Client) send(ctx context.Context, req *Request, body []byte, auth Auth, credential, requestID string, log *logrus.Entry) (*Response, error) {
	attempt := func(ctx context.Context) (*Response, error) {
		return c.roundTrip(ctx, req, body, auth, credential, requestID)
	}

	if !isIdempotent(req) || c.maxRetries == 0 {
		return attempt(ctx)
	}

	var resp *Response
	n := 0
	b := retry.WithMaxRetries(c.maxRetries, retry.NewConstant(c.retryDelay))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		n++
		var err error
		resp, err = attempt(ctx)
		if err != nil && transient(ctx, err) {
			log.WithError(err).WithField("attempt", n).Warn("Transient failure, retrying")
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			if autherr.KindOf(err) == "" {
				return nil, autherr.New(autherr.KindNetwork, "httpclient.send", err)
			}
		}
		return nil, err
	}
	return resp, nil
}

func (c *Client) roundTrip(ctx context.Context, req *Request, body []byte, auth Auth, credential, requestID string) (*Response, error) {
	target := c.baseURL + req.Path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set(RequestIDHeader, requestID)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	switch auth {
	case AuthBearer:
		(&oauth2.Token{AccessToken: credential, TokenType: "Bearer"}).SetAuthHeader(httpReq)
	case AuthCSRF:
		httpReq.Header.Set(c.csrfHeader, credential)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, autherr.New(autherr.KindNetwork, "httpclient.roundTrip", err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, autherr.New(autherr.KindNetwork, "httpclient.roundTrip", fmt.Errorf("failed to read response body: %w", err))
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, &autherr.StatusError{
			StatusCode: httpResp.StatusCode,
			Method:     req.Method,
			Path:       req.Path,
			Body:       data,
		}
	}
	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       data,
	}, nil
}

func isIdempotent(req *Request) bool {
	return req.Idempotent || req.Method == http.MethodGet || req.Method == http.MethodHead
}

// transient reports whether err is a network failure or a 5xx response.
func transient(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if code := autherr.StatusCode(err); code != 0 {
		return code >= 500
	}
	return autherr.KindOf(err) == autherr.KindNetwork
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request body: %w", err)
	}
	return data, nil
}
