package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paybychance/paybychance/internal/autherr"
	"github.com/paybychance/paybychance/internal/csrf"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

var testClassifier = Classifier{
	CSRFPrefixes:   []string{"/context-proxy/v1/"},
	CSRFExempt:     []string{"/context-proxy/v1/csrf"},
	BearerPrefixes: []string{"/jwt-auth/v1/token/validate"},
}

func TestClassify(t *testing.T) {
	tests := []struct {
		path string
		want Auth
	}{
		{"/context-proxy/v1/action", AuthCSRF},
		{"/wp-json/context-proxy/v1/vendor/summary", AuthCSRF},
		{"/context-proxy/v1/csrf", AuthPublic},
		{"/jwt-auth/v1/token/validate", AuthBearer},
		{"/jwt-auth/v1/token", AuthPublic},
		{"/public/pages", AuthPublic},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, testClassifier.Classify(tt.path))
		})
	}
}

type tokenSource struct {
	mu    sync.Mutex
	token string
}

func (s *tokenSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == "" {
		return nil, autherr.New(autherr.KindMissingToken, "test", nil)
	}
	return &oauth2.Token{AccessToken: s.token, TokenType: "Bearer"}, nil
}

type refresherFunc func(ctx context.Context, stale string) error

func (f refresherFunc) RefreshToken(ctx context.Context, stale string) error { return f(ctx, stale) }

func newClient(srv *httptest.Server, opts ...Option) *Client {
	base := []Option{WithLogger(testLogger()), WithClassifier(testClassifier), WithRetry(3, time.Millisecond)}
	return New(srv.URL, srv.Client(), append(base, opts...)...)
}

func TestBearerAttached(t *testing.T) {
	var gotAuth, gotRequestID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotRequestID = r.Header.Get(RequestIDHeader)
		w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	c := newClient(srv, WithTokenSource(&tokenSource{token: "abc"}))
	resp, err := c.Post(context.Background(), "/jwt-auth/v1/token/validate", nil)
	require.NoError(t, err)

	var body struct{ Success bool }
	require.NoError(t, resp.DecodeJSON(&body))
	assert.True(t, body.Success)
	assert.Equal(t, "Bearer abc", gotAuth)
	assert.NotEmpty(t, gotRequestID)
}

func TestBearerMissingTokenFailsFast(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	c := newClient(srv, WithTokenSource(&tokenSource{}))
	_, err := c.Post(context.Background(), "/jwt-auth/v1/token/validate", nil)
	assert.ErrorIs(t, err, autherr.ErrMissingToken)
	assert.Zero(t, hits.Load(), "no request may be sent unauthenticated")
}

func TestCSRFSingleFetchForConcurrentRequests(t *testing.T) {
	var csrfFetches atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/context-proxy/v1/csrf", func(w http.ResponseWriter, r *http.Request) {
		csrfFetches.Add(1)
		time.Sleep(30 * time.Millisecond)
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "csrf": "csrf-token-123456"})
	})
	mux.HandleFunc("/context-proxy/v1/action", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-CSRF-Token") != "csrf-token-123456" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Write([]byte(`{}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cache := csrf.New(fetcherFor(srv), testLogger())
	c := newClient(srv, WithCSRF(cache, "X-CSRF-Token", 8))

	var g errgroup.Group
	for i := 0; i < 3; i++ {
		g.Go(func() error {
			_, err := c.Post(context.Background(), "/context-proxy/v1/action", map[string]any{"action_type": "create_order"})
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), csrfFetches.Load())
}

func fetcherFor(srv *httptest.Server) csrf.Fetcher {
	return func(ctx context.Context) (string, error) {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/context-proxy/v1/csrf", nil)
		resp, err := srv.Client().Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		var body struct{ CSRF string }
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return "", err
		}
		return body.CSRF, nil
	}
}

type stubCSRF struct {
	mu     sync.Mutex
	token  string
	next   []string
	resets int
	gets   int
}

func (s *stubCSRF) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func (s *stubCSRF) Get(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	if s.token != "" {
		return s.token, nil
	}
	if len(s.next) == 0 {
		return "", autherr.New(autherr.KindCSRFUnavailable, "stub", errors.New("down"))
	}
	s.token, s.next = s.next[0], s.next[1:]
	return s.token, nil
}

func (s *stubCSRF) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
	s.token = ""
}

func TestCSRFShortTokenRefetched(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("X-CSRF-Token")
	}))
	defer srv.Close()

	src := &stubCSRF{token: "short", next: []string{"long-enough-token"}}
	c := newClient(srv, WithCSRF(src, "X-CSRF-Token", 8))
	_, err := c.Post(context.Background(), "/context-proxy/v1/action", nil)
	require.NoError(t, err)
	assert.Equal(t, "long-enough-token", got)
	assert.Equal(t, 1, src.resets)
}

func TestCSRFUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	c := newClient(srv, WithCSRF(&stubCSRF{}, "X-CSRF-Token", 8))
	_, err := c.Post(context.Background(), "/context-proxy/v1/action", nil)
	assert.ErrorIs(t, err, autherr.ErrCSRFUnavailable)
}

func TestCSRF401RecoversOnce(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("X-CSRF-Token") != "second-token-xyz" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	src := &stubCSRF{token: "first-token-abc", next: []string{"second-token-xyz"}}
	c := newClient(srv, WithCSRF(src, "X-CSRF-Token", 8))
	_, err := c.Post(context.Background(), "/context-proxy/v1/action", nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, 1, src.resets)
}

func TestSkipRefreshStillRecoversCSRF(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("X-CSRF-Token") != "second-token-xyz" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"token":"fresh"}`))
	}))
	defer srv.Close()

	var refreshes atomic.Int32
	refresher := refresherFunc(func(ctx context.Context, stale string) error {
		refreshes.Add(1)
		return nil
	})
	src := &stubCSRF{token: "first-token-abc", next: []string{"second-token-xyz"}}
	c := newClient(srv, WithCSRF(src, "X-CSRF-Token", 8), WithRefresher(refresher))
	_, err := c.Do(context.Background(), &Request{
		Method:      http.MethodPost,
		Path:        "/context-proxy/v1/refresh",
		SkipRefresh: true,
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, 1, src.resets)
	assert.Zero(t, refreshes.Load())
}

func TestSkipRefreshBearer401Propagates(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	var refreshes atomic.Int32
	refresher := refresherFunc(func(ctx context.Context, stale string) error {
		refreshes.Add(1)
		return nil
	})
	c := newClient(srv, WithTokenSource(&tokenSource{token: "old"}), WithRefresher(refresher))
	_, err := c.Do(context.Background(), &Request{
		Method:      http.MethodPost,
		Path:        "/jwt-auth/v1/token/validate",
		SkipRefresh: true,
	})
	assert.Equal(t, http.StatusUnauthorized, autherr.StatusCode(err))
	assert.Equal(t, int32(1), hits.Load())
	assert.Zero(t, refreshes.Load())
}

func TestSecond401Propagates(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	ts := &tokenSource{token: "old"}
	var refreshes atomic.Int32
	refresher := refresherFunc(func(ctx context.Context, stale string) error {
		refreshes.Add(1)
		assert.Equal(t, "old", stale)
		ts.mu.Lock()
		ts.token = "new"
		ts.mu.Unlock()
		return nil
	})

	c := newClient(srv, WithTokenSource(ts), WithRefresher(refresher))
	_, err := c.Post(context.Background(), "/jwt-auth/v1/token/validate", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, autherr.StatusCode(err))
	assert.Equal(t, int32(2), hits.Load(), "exactly one replay")
	assert.Equal(t, int32(1), refreshes.Load())
}

func TestBearer401ReplaysWithNewToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer new" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	ts := &tokenSource{token: "old"}
	refresher := refresherFunc(func(ctx context.Context, stale string) error {
		ts.mu.Lock()
		ts.token = "new"
		ts.mu.Unlock()
		return nil
	})
	c := newClient(srv, WithTokenSource(ts), WithRefresher(refresher))
	_, err := c.Post(context.Background(), "/jwt-auth/v1/token/validate", nil)
	assert.NoError(t, err)
}

func TestFailedRecoveryReturnsOriginalError(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	refresher := refresherFunc(func(ctx context.Context, stale string) error {
		return errors.New("refresh endpoint down")
	})
	c := newClient(srv, WithTokenSource(&tokenSource{token: "old"}), WithRefresher(refresher))
	_, err := c.Post(context.Background(), "/jwt-auth/v1/token/validate", nil)
	assert.Equal(t, http.StatusUnauthorized, autherr.StatusCode(err))
	assert.Equal(t, int32(1), hits.Load())
}

func TestPublic401NotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newClient(srv)
	_, err := c.Post(context.Background(), "/jwt-auth/v1/token", map[string]string{"username": "u"})
	assert.Equal(t, http.StatusUnauthorized, autherr.StatusCode(err))
	assert.Equal(t, int32(1), hits.Load())
}

func TestTransientRetry(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		method   string
		wantHits int32
	}{
		{"5xx get retried up to max", http.StatusBadGateway, http.MethodGet, 4},
		{"4xx never retried", http.StatusNotFound, http.MethodGet, 1},
		{"5xx write not retried", http.StatusServiceUnavailable, http.MethodPost, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := newClient(srv)
			_, err := c.Do(context.Background(), &Request{Method: tt.method, Path: "/catalog"})
			assert.Equal(t, tt.status, autherr.StatusCode(err))
			assert.Equal(t, tt.wantHits, hits.Load())
		})
	}
}

func TestTransientRetryRecovers(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`[1,2,3]`))
	}))
	defer srv.Close()

	c := newClient(srv)
	resp, err := c.Get(context.Background(), "/catalog", nil)
	require.NoError(t, err)
	assert.Equal(t, `[1,2,3]`, string(resp.Body))
	assert.Equal(t, int32(3), hits.Load())
}

func TestRequestIDStableAcrossRetries(t *testing.T) {
	var mu sync.Mutex
	ids := map[string]bool{}
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		ids[r.Header.Get(RequestIDHeader)] = true
		mu.Unlock()
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	_, err := newClient(srv).Get(context.Background(), "/catalog", nil)
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestNetworkErrorAndCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	c := newClient(srv)
	srv.Close()

	_, err := c.Get(context.Background(), "/catalog", nil)
	assert.ErrorIs(t, err, autherr.ErrNetwork)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Get(ctx, "/catalog", nil)
	assert.ErrorIs(t, err, context.Canceled)
}
