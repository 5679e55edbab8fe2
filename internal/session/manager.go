// Package session owns the authenticated session: login, proactive refresh,
// inactivity warning and auto-logout, and logout.
package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/paybychance/paybychance/internal/autherr"
	"github.com/paybychance/paybychance/internal/clock"
	"github.com/paybychance/paybychance/internal/config"
	"github.com/paybychance/paybychance/internal/models"
	"github.com/paybychance/paybychance/internal/repository"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// ErrLoginInProgress is returned when Login is called while another login
// has not resolved yet.
var ErrLoginInProgress = errors.New("login already in progress")

type State int

const (
	LoggedOut State = iota
	LoggingIn
	Active
	Warning
)

func (s State) String() string {
	switch s {
	case LoggingIn:
		return "logging_in"
	case Active:
		return "active"
	case Warning:
		return "warning"
	default:
		return "logged_out"
	}
}

// Routes the manager navigates to.
const (
	RouteLogin     = "login"
	RouteDashboard = "dashboard"
)

// Backend is the set of auth endpoints the manager calls.
type Backend interface {
	Login(ctx context.Context, username, password string) (*models.LoginResult, error)
	Refresh(ctx context.Context) (*models.RefreshResult, error)
	Logout(ctx context.Context) error
}

type Navigator interface {
	Navigate(route string)
}

type NavigatorFunc func(route string)

func (f NavigatorFunc) Navigate(route string) { f(route) }

// CSRFResetter drops the cached CSRF token.
type CSRFResetter interface {
	Reset()
}

// CookieJar moves the backend's session cookies in and out of the stored
// session.
type CookieJar interface {
	Export() []models.Cookie
	Import(cookies []models.Cookie)
}

// Deadlines reports the inactivity timers of the current session.
type Deadlines struct {
	WarningAt    time.Time
	LogoutAt     time.Time
	WarningShown bool
}

type Manager struct {
	backend   Backend
	store     repository.SessionStore
	nav       Navigator
	cfg       config.SessionConfig
	clock     clock.Clock
	csrf      CSRFResetter
	jar       CookieJar
	onWarning func(logoutAt time.Time)
	logger    *logrus.Logger

	refreshGroup singleflight.Group
	// storeMu orders store writes against the epoch check so a stale write
	// can never land after a logout's Clear.
	storeMu sync.Mutex

	mu           sync.Mutex
	state        State
	session      *models.Session
	epoch        uint64
	inactivity   uint64
	warningShown bool
	warningAt    time.Time
	logoutAt     time.Time
	warningTimer clock.Timer
	logoutTimer  clock.Timer
	pollTimer    clock.Timer
}

var _ oauth2.TokenSource = (*Manager)(nil)

type Option func(*Manager)

func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

func WithCSRF(c CSRFResetter) Option {
	return func(m *Manager) { m.csrf = c }
}

// WithCookieJar saves the jar's cookies with every persisted session and
// puts them back on Restore. A stored session without cookies is then not
// resumed, since the backend would no longer recognise it.
func WithCookieJar(j CookieJar) Option {
	return func(m *Manager) { m.jar = j }
}

// WithWarningHook is called, outside any lock, when the inactivity warning
// is raised. It receives the time at which auto-logout will happen.
func WithWarningHook(fn func(logoutAt time.Time)) Option {
	return func(m *Manager) { m.onWarning = fn }
}

func NewManager(backend Backend, store repository.SessionStore, nav Navigator, cfg config.SessionConfig, logger *logrus.Logger, opts ...Option) (*Manager, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if nav == nil {
		nav = NavigatorFunc(func(string) {})
	}
	m := &Manager{
		backend: backend,
		store:   store,
		nav:     nav,
		cfg:     cfg,
		clock:   clock.New(),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Login authenticates and starts the session. It is a no-op when a session
// is already active.
func (m *Manager) Login(ctx context.Context, username, password string) error {
	m.mu.Lock()
	switch m.state {
	case Active, Warning:
		m.mu.Unlock()
		return nil
	case LoggingIn:
		m.mu.Unlock()
		return ErrLoginInProgress
	}
	m.state = LoggingIn
	epoch := m.epoch
	m.mu.Unlock()

	res, err := m.backend.Login(ctx, username, password)

	m.mu.Lock()
	if m.epoch != epoch || m.state != LoggingIn {
		m.mu.Unlock()
		return autherr.New(autherr.KindSessionExpired, "session.Login", errors.New("session cleared while logging in"))
	}
	if err != nil {
		m.state = LoggedOut
		m.mu.Unlock()
		kind := autherr.KindNetwork
		if se := statusError(err); se != nil && se.ClientError() {
			kind = autherr.KindInvalidCredentials
		}
		m.logger.WithError(err).WithField("kind", kind).Warn("Login failed")
		return autherr.New(kind, "session.Login", err)
	}

	m.session = &models.Session{
		AccessToken:  res.Token,
		RefreshToken: res.RefreshToken,
		ExpiresAt:    m.clock.Now().Add(m.cfg.TokenTTL),
		User:         res.User,
	}
	m.state = Active
	m.warningShown = false
	m.scheduleInactivityLocked()
	m.schedulePollLocked()
	snapshot := m.session.Clone()
	m.mu.Unlock()

	m.persist(ctx, epoch, snapshot)
	m.logger.WithFields(logrus.Fields{
		"user_id":    snapshot.User.ID(),
		"expires_at": snapshot.ExpiresAt,
	}).Info("Logged in")
	m.nav.Navigate(RouteDashboard)
	return nil
}

// Restore resumes a persisted session and its cookies. An expired or
// malformed one is discarded.
func (m *Manager) Restore(ctx context.Context) error {
	stored, err := m.store.Load(ctx)
	if errors.Is(err, repository.ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}

	m.mu.Lock()
	if m.state != LoggedOut {
		m.mu.Unlock()
		return nil
	}
	if !stored.Valid() || stored.Expired(m.clock.Now()) || (m.jar != nil && len(stored.Cookies) == 0) {
		m.mu.Unlock()
		m.logger.Info("Discarding unusable stored session")
		m.storeMu.Lock()
		defer m.storeMu.Unlock()
		if err := m.store.Clear(ctx); err != nil {
			return fmt.Errorf("failed to clear stale session: %w", err)
		}
		return nil
	}
	if m.jar != nil {
		m.jar.Import(stored.Cookies)
	}
	m.session = stored
	m.state = Active
	m.warningShown = false
	m.scheduleInactivityLocked()
	m.schedulePollLocked()
	m.mu.Unlock()

	m.logger.WithField("expires_at", stored.ExpiresAt).Info("Session restored")
	return nil
}

// CancelLogout records user activity: it lowers the warning and restarts
// both inactivity timers.
func (m *Manager) CancelLogout() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.activeLocked() {
		return
	}
	m.warningShown = false
	m.state = Active
	m.scheduleInactivityLocked()
}

// RefreshIfNeeded refreshes the access token when it is within the refresh
// buffer of its expiry. A failed refresh ends the session.
func (m *Manager) RefreshIfNeeded(ctx context.Context) {
	m.mu.Lock()
	if !m.activeLocked() {
		m.mu.Unlock()
		return
	}
	due := m.clock.Now().After(m.session.ExpiresAt.Add(-m.cfg.RefreshBuffer))
	stale := m.session.AccessToken
	m.mu.Unlock()

	if !due {
		return
	}
	if err := m.refresh(ctx, stale); err != nil {
		if autherr.KindOf(err) != autherr.KindSessionExpired {
			m.logger.WithError(err).Warn("Token refresh failed, logging out")
		}
		m.Logout(ctx)
	}
}

// RefreshToken replaces staleToken after the backend rejected it. If the
// session already moved on to another token nothing is fetched. A refresh
// the backend refuses ends the session.
func (m *Manager) RefreshToken(ctx context.Context, staleToken string) error {
	err := m.refresh(ctx, staleToken)
	if err == nil {
		return nil
	}
	if autherr.KindOf(err) == autherr.KindSessionExpired {
		return err
	}
	if se := statusError(err); se != nil && se.ClientError() {
		m.logger.WithError(err).Warn("Refresh rejected, logging out")
		m.Logout(ctx)
		return autherr.New(autherr.KindSessionExpired, "session.RefreshToken", err)
	}
	return err
}

func (m *Manager) refresh(ctx context.Context, staleToken string) error {
	m.mu.Lock()
	if !m.activeLocked() {
		m.mu.Unlock()
		return autherr.New(autherr.KindSessionExpired, "session.refresh", nil)
	}
	if m.session.AccessToken != staleToken {
		m.mu.Unlock()
		return nil
	}
	epoch := m.epoch
	m.mu.Unlock()

	key := strconv.FormatUint(epoch, 10) + ":" + staleToken
	_, err, _ := m.refreshGroup.Do(key, func() (interface{}, error) {
		res, err := m.backend.Refresh(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		if m.epoch != epoch || !m.activeLocked() {
			m.mu.Unlock()
			return nil, autherr.New(autherr.KindSessionExpired, "session.refresh", errors.New("session ended during refresh"))
		}
		m.session.AccessToken = res.Token
		if res.RefreshToken != "" {
			m.session.RefreshToken = res.RefreshToken
		}
		m.session.ExpiresAt = m.clock.Now().Add(m.cfg.TokenTTL)
		snapshot := m.session.Clone()
		m.mu.Unlock()

		m.persist(ctx, epoch, snapshot)
		m.logger.WithField("expires_at", snapshot.ExpiresAt).Info("Token refreshed")
		return nil, nil
	})
	return err
}

// Logout ends the session. Only the call that actually ends a session
// navigates; later or concurrent calls return without effect.
func (m *Manager) Logout(ctx context.Context) {
	m.mu.Lock()
	if m.state == LoggedOut {
		m.mu.Unlock()
		return
	}
	m.epoch++
	m.stopTimersLocked()
	m.session = nil
	m.warningShown = false
	m.warningAt, m.logoutAt = time.Time{}, time.Time{}
	m.state = LoggedOut
	m.mu.Unlock()

	m.storeMu.Lock()
	if err := m.store.Clear(context.WithoutCancel(ctx)); err != nil {
		m.logger.WithError(err).Warn("Failed to clear stored session")
	}
	m.storeMu.Unlock()

	// The logout call itself may fetch a CSRF token, so the cache is
	// dropped only once it returns.
	if err := m.backend.Logout(context.WithoutCancel(ctx)); err != nil {
		m.logger.WithError(err).Warn("Logout endpoint failed, continuing")
	}
	if m.csrf != nil {
		m.csrf.Reset()
	}
	m.logger.Info("Logged out")
	m.nav.Navigate(RouteLogin)
}

// Token implements oauth2.TokenSource over the current session.
func (m *Manager) Token() (*oauth2.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.activeLocked() {
		return nil, autherr.New(autherr.KindMissingToken, "session.Token", nil)
	}
	return m.session.OAuth2Token(), nil
}

// Guard returns where a navigation to route should end up.
func (m *Manager) Guard(route string, requiresAuth bool) string {
	authed := m.IsAuthenticated()
	switch {
	case route == RouteLogin && authed:
		return RouteDashboard
	case requiresAuth && !authed:
		return RouteLogin
	}
	return route
}

func (m *Manager) IsAuthenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeLocked()
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns a copy of the current session, or nil.
func (m *Manager) Session() *models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.Clone()
}

func (m *Manager) Deadlines() Deadlines {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Deadlines{
		WarningAt:    m.warningAt,
		LogoutAt:     m.logoutAt,
		WarningShown: m.warningShown,
	}
}

// Close stops all timers without ending the stored session, so it can be
// restored by the next process.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.epoch++
	m.stopTimersLocked()
	m.session = nil
	m.state = LoggedOut
}

func (m *Manager) activeLocked() bool {
	return m.state == Active || m.state == Warning
}

func (m *Manager) scheduleInactivityLocked() {
	stopTimer(m.warningTimer)
	stopTimer(m.logoutTimer)

	m.inactivity++
	gen := m.inactivity
	now := m.clock.Now()
	m.warningAt = now.Add(m.cfg.InactivityWarning)
	m.logoutAt = now.Add(m.cfg.AutoLogout)
	m.warningTimer = m.clock.AfterFunc(m.cfg.InactivityWarning, func() { m.onWarningTimer(gen) })
	m.logoutTimer = m.clock.AfterFunc(m.cfg.AutoLogout, func() { m.onLogoutTimer(gen) })
}

func (m *Manager) schedulePollLocked() {
	stopTimer(m.pollTimer)
	epoch := m.epoch
	m.pollTimer = m.clock.AfterFunc(m.cfg.RefreshPoll, func() { m.onPoll(epoch) })
}

func (m *Manager) stopTimersLocked() {
	stopTimer(m.warningTimer)
	stopTimer(m.logoutTimer)
	stopTimer(m.pollTimer)
	m.warningTimer, m.logoutTimer, m.pollTimer = nil, nil, nil
}

func (m *Manager) onWarningTimer(gen uint64) {
	m.mu.Lock()
	if gen != m.inactivity || m.state != Active {
		m.mu.Unlock()
		return
	}
	m.warningShown = true
	m.state = Warning
	logoutAt := m.logoutAt
	hook := m.onWarning
	m.mu.Unlock()

	m.logger.WithField("logout_at", logoutAt).Warn("Inactivity warning raised")
	if hook != nil {
		hook(logoutAt)
	}
}

func (m *Manager) onLogoutTimer(gen uint64) {
	m.mu.Lock()
	fire := gen == m.inactivity && m.warningShown
	m.mu.Unlock()
	if !fire {
		return
	}
	m.logger.Info("Session expired after inactivity")
	m.Logout(context.Background())
}

func (m *Manager) onPoll(epoch uint64) {
	m.mu.Lock()
	if epoch != m.epoch || !m.activeLocked() {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.RefreshIfNeeded(context.Background())

	m.mu.Lock()
	defer m.mu.Unlock()
	if epoch == m.epoch && m.activeLocked() {
		m.pollTimer = m.clock.AfterFunc(m.cfg.RefreshPoll, func() { m.onPoll(epoch) })
	}
}

// persist writes snapshot unless the session it belongs to has ended.
func (m *Manager) persist(ctx context.Context, epoch uint64, snapshot *models.Session) {
	m.storeMu.Lock()
	defer m.storeMu.Unlock()

	m.mu.Lock()
	current := m.epoch == epoch
	m.mu.Unlock()
	if !current {
		return
	}
	if m.jar != nil {
		snapshot.Cookies = m.jar.Export()
	}
	if err := m.store.Save(context.WithoutCancel(ctx), snapshot); err != nil {
		m.logger.WithError(err).Warn("Failed to persist session")
	}
}

func stopTimer(t clock.Timer) {
	if t != nil {
		t.Stop()
	}
}

func statusError(err error) *autherr.StatusError {
	var se *autherr.StatusError
	if errors.As(err, &se) {
		return se
	}
	return nil
}
