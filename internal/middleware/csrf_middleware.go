package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const CSRFCookieName = "pbc_csrf"

// CSRF enforces double-submit protection: the header must repeat the value
// of the CSRF cookie. Mismatches answer 401 so clients re-bootstrap.
type CSRF struct {
	headerName string
	exempt     []string
	logger     *logrus.Logger
}

func NewCSRF(headerName string, exempt []string, logger *logrus.Logger) *CSRF {
	return &CSRF{
		headerName: headerName,
		exempt:     exempt,
		logger:     logger,
	}
}

func (c *CSRF) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead || r.Method == http.MethodOptions || c.isExempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		cookie, err := r.Cookie(CSRFCookieName)
		if err != nil || cookie.Value == "" {
			respondUnauthorized(w, "CSRF_MISSING", "Missing CSRF token")
			return
		}
		header := r.Header.Get(c.headerName)
		if subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(header)) != 1 {
			c.logger.WithField("path", r.URL.Path).Debug("CSRF token mismatch")
			respondUnauthorized(w, "CSRF_INVALID", "Invalid CSRF token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (c *CSRF) isExempt(path string) bool {
	for _, p := range c.exempt {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// IssueCSRFCookie sets a fresh CSRF cookie and returns its value.
func IssueCSRFCookie(w http.ResponseWriter, r *http.Request) string {
	token := uuid.New().String()
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: false,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
	return token
}

func ClearCSRFCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookieName,
		Value:    "",
		Path:     "/",
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}
