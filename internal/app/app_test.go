package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paybychance/paybychance/internal/autherr"
	"github.com/paybychance/paybychance/internal/clock"
	"github.com/paybychance/paybychance/internal/config"
	"github.com/paybychance/paybychance/internal/gateway"
	"github.com/paybychance/paybychance/internal/handlers"
	"github.com/paybychance/paybychance/internal/middleware"
	"github.com/paybychance/paybychance/internal/models"
	"github.com/paybychance/paybychance/internal/repository"
	"github.com/paybychance/paybychance/internal/service"
	"github.com/paybychance/paybychance/internal/session"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testUser     = "08012345678"
	testPassword = "secret"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// backend runs the emulator behind a hook that can reject chosen requests.
type backend struct {
	srv     *httptest.Server
	actions *service.ActionService

	mu      sync.Mutex
	reject  map[string]int
	stall   map[string]int
	hits    map[string]int
	csrfGet atomic.Int32
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	logger := testLogger()
	jwtService, err := service.NewJWTService(&config.BackendConfig{
		JWTSecret:     "0123456789abcdef0123456789abcdef",
		AccessExpiry:  20 * time.Minute,
		RefreshExpiry: time.Hour,
	}, logger)
	require.NoError(t, err)
	users, err := service.NewUserService(map[string]string{testUser: testPassword}, logger)
	require.NoError(t, err)
	refresh := service.NewMemoryRefreshStore()

	b := &backend{
		actions: service.NewActionService(logger),
		reject:  map[string]int{},
		stall:   map[string]int{},
		hits:    map[string]int{},
	}
	router := handlers.NewRouter(handlers.RouterDeps{
		Auth:           handlers.NewAuthHandlers(users, jwtService, refresh, logger),
		Proxy:          handlers.NewProxyHandlers(b.actions, logger),
		AuthMiddleware: middleware.NewAuthMiddleware(jwtService, refresh, logger),
		CSRF:           middleware.NewCSRF("X-CSRF-Token", []string{"/context-proxy/v1/csrf"}, logger),
		Logger:         logger,
	})

	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/context-proxy/v1/csrf" {
			b.csrfGet.Add(1)
		}
		b.mu.Lock()
		b.hits[r.URL.Path]++
		reject := b.reject[r.URL.Path] > 0
		if reject {
			b.reject[r.URL.Path]--
		}
		stall := !reject && b.stall[r.URL.Path] > 0
		if stall {
			b.stall[r.URL.Path]--
		}
		b.mu.Unlock()
		if reject {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if stall {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		router.ServeHTTP(w, r)
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *backend) rejectNext(path string, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reject[path] = n
}

// stallNext makes the next n requests to path hang until the client gives up.
func (b *backend) stallNext(path string, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stall[path] = n
}

func (b *backend) hitCount(path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hits[path]
}

type fixture struct {
	app     *App
	backend *backend
	clock   *clock.Fake
	store   *repository.MemoryStore
	routes  []string
}

func setupApp(t *testing.T, b *backend, store *repository.MemoryStore, mutate ...func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.API.BaseURL = b.srv.URL
	cfg.Retry.Delay = time.Millisecond
	cfg.Session.InactivityWarning = 29 * time.Minute
	cfg.Session.AutoLogout = 30 * time.Minute
	for _, fn := range mutate {
		fn(cfg)
	}

	f := &fixture{
		backend: b,
		clock:   clock.NewFake(time.Now()),
		store:   store,
	}
	var mu sync.Mutex
	nav := session.NavigatorFunc(func(route string) {
		mu.Lock()
		defer mu.Unlock()
		f.routes = append(f.routes, route)
	})

	a, err := New(context.Background(), cfg, testLogger(),
		WithStore(store),
		WithNavigator(nav),
		WithSessionOptions(session.WithClock(f.clock)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	f.app = a
	return f
}

func (f *fixture) login(t *testing.T) {
	t.Helper()
	require.NoError(t, f.app.Manager.Login(context.Background(), testUser, testPassword))
}

func TestLoginAndProxyActions(t *testing.T) {
	f := setupApp(t, newBackend(t), repository.NewMemoryStore())
	ctx := context.Background()
	f.login(t)

	assert.Equal(t, []string{session.RouteDashboard}, f.routes)
	stored, err := f.store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, testUser, stored.User.Phone())

	vendors, err := f.app.Gateway.Vendors(ctx)
	require.NoError(t, err)
	assert.Len(t, vendors, 2)

	products, err := f.app.Gateway.Products(ctx, false)
	require.NoError(t, err)
	assert.Len(t, products, 2)

	raw, err := f.app.Gateway.CreateOrder(ctx, map[string]any{"raffle_cycle_id": "1"})
	require.NoError(t, err)
	var order struct {
		OrderID string  `json:"order_id"`
		Amount  float64 `json:"amount"`
	}
	require.NoError(t, json.Unmarshal(raw, &order))
	_, err = f.app.Gateway.CompleteOrder(ctx, order.OrderID, order.Amount, "card")
	require.NoError(t, err)

	assert.Equal(t, int32(1), f.backend.csrfGet.Load(), "one bootstrap serves every call")
}

func TestBankProxyAndPayments(t *testing.T) {
	b := newBackend(t)
	f := setupApp(t, b, repository.NewMemoryStore())
	ctx := context.Background()
	f.login(t)
	b.actions.Credit(testUser, "11", 300)

	_, err := f.app.Gateway.SpendAtMerchant(ctx, gateway.SpendRequest{MerchantID: "11", Amount: 500, PIN: "1234"})
	assert.ErrorIs(t, err, gateway.ErrProxyRejected)

	_, err = f.app.Gateway.SpendAtMerchant(ctx, gateway.SpendRequest{MerchantID: "11", Amount: 100, PIN: "1234"})
	require.NoError(t, err)

	balances, err := f.app.Gateway.FetchVendorBalances(ctx)
	require.NoError(t, err)
	require.Len(t, balances, 1)
	assert.Equal(t, "200.00", balances[0]["balance_ngn"])

	summary, err := f.app.Gateway.FetchVendorWalletSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, "100.00", summary["balance_ngn"])

	url, err := f.app.Gateway.InitiatePayment(ctx, map[string]any{"amount": 1000})
	require.NoError(t, err)
	assert.Contains(t, url, "PBC-")
}

func TestBearerEndpointsUseSessionToken(t *testing.T) {
	f := setupApp(t, newBackend(t), repository.NewMemoryStore())
	ctx := context.Background()

	_, err := f.app.Gateway.JWTGet(ctx, "/wp/v2/users/me", nil)
	assert.ErrorIs(t, err, autherr.ErrMissingToken)

	f.login(t)
	assert.True(t, f.app.Gateway.ValidateJWT(ctx))

	raw, err := f.app.Gateway.JWTGet(ctx, "/wp/v2/users/me", nil)
	require.NoError(t, err)
	assert.Contains(t, string(raw), testUser)
}

func TestBearer401RefreshesAndReplays(t *testing.T) {
	b := newBackend(t)
	f := setupApp(t, b, repository.NewMemoryStore())
	f.login(t)
	before := f.app.Manager.Session().AccessToken

	b.rejectNext("/wp/v2/users/me", 1)
	_, err := f.app.Gateway.JWTGet(context.Background(), "/wp/v2/users/me", nil)
	require.NoError(t, err)

	assert.Equal(t, 2, b.hitCount("/wp/v2/users/me"))
	assert.Equal(t, 1, b.hitCount("/context-proxy/v1/refresh"))
	assert.NotEqual(t, before, f.app.Manager.Session().AccessToken)
}

func TestCSRF401RefetchesAndReplays(t *testing.T) {
	b := newBackend(t)
	f := setupApp(t, b, repository.NewMemoryStore())
	f.login(t)

	_, err := f.app.Gateway.Vendors(context.Background())
	require.NoError(t, err)

	b.rejectNext("/context-proxy/v1/action", 1)
	_, err = f.app.Gateway.Vendors(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), b.csrfGet.Load())
}

func TestProactiveRefreshThroughPoll(t *testing.T) {
	b := newBackend(t)
	f := setupApp(t, b, repository.NewMemoryStore())
	f.login(t)
	before := f.app.Manager.Session()

	f.clock.Advance(17 * time.Minute)
	assert.Equal(t, 0, b.hitCount("/context-proxy/v1/refresh"))

	f.clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, b.hitCount("/context-proxy/v1/refresh"))

	after := f.app.Manager.Session()
	require.NotNil(t, after)
	assert.NotEqual(t, before.AccessToken, after.AccessToken)
	assert.Equal(t, f.clock.Now().Add(20*time.Minute), after.ExpiresAt)
}

func TestLogoutWithoutCachedTokenLeavesCacheEmpty(t *testing.T) {
	b := newBackend(t)
	f := setupApp(t, b, repository.NewMemoryStore())
	f.login(t)
	require.Empty(t, f.app.CSRF.Token())

	f.app.Manager.Logout(context.Background())
	assert.Equal(t, int32(1), b.csrfGet.Load(), "the logout call bootstraps a token")
	assert.Equal(t, 1, b.hitCount("/context-proxy/v1/logout"))
	assert.Empty(t, f.app.CSRF.Token())
}

func TestStaleCSRFOnRefreshRecovers(t *testing.T) {
	b := newBackend(t)
	f := setupApp(t, b, repository.NewMemoryStore())
	f.login(t)
	_, err := f.app.Gateway.Vendors(context.Background())
	require.NoError(t, err)

	b.rejectNext("/context-proxy/v1/refresh", 1)
	f.clock.Advance(19 * time.Minute)

	assert.Equal(t, 2, b.hitCount("/context-proxy/v1/refresh"))
	assert.Equal(t, int32(2), b.csrfGet.Load())
	assert.True(t, f.app.Manager.IsAuthenticated())
	assert.Equal(t, []string{session.RouteDashboard}, f.routes)
}

func TestReadRetriesAfterAttemptTimeout(t *testing.T) {
	b := newBackend(t)
	f := setupApp(t, b, repository.NewMemoryStore(), func(cfg *config.Config) {
		cfg.API.Timeout = 200 * time.Millisecond
	})
	f.login(t)

	b.stallNext("/context-proxy/v1/action", 1)
	vendors, err := f.app.Gateway.Vendors(context.Background())
	require.NoError(t, err)
	assert.Len(t, vendors, 2)
	assert.Equal(t, 2, b.hitCount("/context-proxy/v1/action"))
}

func TestLogoutEndsServerSession(t *testing.T) {
	b := newBackend(t)
	f := setupApp(t, b, repository.NewMemoryStore())
	ctx := context.Background()
	f.login(t)

	_, err := f.app.Gateway.Vendors(ctx)
	require.NoError(t, err)

	f.app.Manager.Logout(ctx)
	assert.Equal(t, []string{session.RouteDashboard, session.RouteLogin}, f.routes)
	assert.Equal(t, 1, b.hitCount("/context-proxy/v1/logout"))
	assert.Empty(t, f.app.CSRF.Token(), "no token outlives the session")

	_, err = f.store.Load(ctx)
	assert.ErrorIs(t, err, repository.ErrSessionNotFound)

	_, err = f.app.Gateway.Vendors(ctx)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, autherr.StatusCode(err))
}

func TestInvalidCredentials(t *testing.T) {
	f := setupApp(t, newBackend(t), repository.NewMemoryStore())
	err := f.app.Manager.Login(context.Background(), testUser, "wrong")
	assert.ErrorIs(t, err, autherr.ErrInvalidCredentials)
	assert.False(t, f.app.Manager.IsAuthenticated())
}

func TestRestoreAcrossRestart(t *testing.T) {
	b := newBackend(t)
	store := repository.NewMemoryStore()
	first := setupApp(t, b, store)
	first.login(t)
	require.NoError(t, first.app.Close())

	stored, err := store.Load(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, stored.Cookies, "the session cookie is saved with the session")

	second := setupApp(t, b, store)
	ctx := context.Background()
	require.NoError(t, second.app.Manager.Restore(ctx))
	assert.True(t, second.app.Manager.IsAuthenticated())
	assert.True(t, second.app.Gateway.ValidateJWT(ctx))

	vendors, err := second.app.Gateway.Vendors(ctx)
	require.NoError(t, err)
	assert.Len(t, vendors, 2)

	second.clock.Advance(19 * time.Minute)
	assert.Equal(t, 1, b.hitCount("/context-proxy/v1/refresh"))
	assert.True(t, second.app.Manager.IsAuthenticated())
	assert.Empty(t, second.routes)

	second.app.Manager.Logout(ctx)
	assert.Equal(t, 1, b.hitCount("/context-proxy/v1/logout"))
	_, err = second.app.Gateway.Proxy(ctx, "/elsewhere", http.MethodGet, nil)
	assert.Equal(t, http.StatusUnauthorized, autherr.StatusCode(err), "logout ended the server-side session")
}

func TestRestoreWithoutCookiesStaysLoggedOut(t *testing.T) {
	store := repository.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), &models.Session{
		AccessToken: "orphan",
		ExpiresAt:   time.Now().Add(10 * time.Minute),
	}))

	f := setupApp(t, newBackend(t), store)
	require.NoError(t, f.app.Manager.Restore(context.Background()))
	assert.False(t, f.app.Manager.IsAuthenticated())
	_, err := store.Load(context.Background())
	assert.ErrorIs(t, err, repository.ErrSessionNotFound)
}

func TestUnknownStoreDriver(t *testing.T) {
	cfg := config.Default()
	cfg.API.BaseURL = "http://127.0.0.1:1"
	cfg.Store.Driver = "floppy"
	_, err := New(context.Background(), cfg, testLogger())
	assert.ErrorContains(t, err, "unknown session store")
}

func TestBoltStoreDriver(t *testing.T) {
	cfg := config.Default()
	cfg.API.BaseURL = "http://127.0.0.1:1"
	cfg.Store.BoltPath = t.TempDir() + "/session.db"
	a, err := New(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	_, isBolt := a.Store.(*repository.BoltStore)
	assert.True(t, isBolt)
	assert.NoError(t, a.Close())
}
