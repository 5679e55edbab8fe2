package httpclient

import (
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"github.com/paybychance/paybychance/internal/models"
	"golang.org/x/net/publicsuffix"
)

// Jar carries the proxy session and refresh cookies between requests. The
// cookies it holds for the backend can be exported into the stored session
// and imported back after a restart.
type Jar struct {
	http.CookieJar
	base *url.URL
}

func NewCookieJar(baseURL string) (*Jar, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base url: %w", err)
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	return &Jar{CookieJar: jar, base: base}, nil
}

// Export returns the cookies the jar would send to the backend.
func (j *Jar) Export() []models.Cookie {
	var out []models.Cookie
	for _, c := range j.Cookies(j.base) {
		out = append(out, models.Cookie{Name: c.Name, Value: c.Value})
	}
	return out
}

// Import puts previously exported cookies back for the backend.
func (j *Jar) Import(cookies []models.Cookie) {
	if len(cookies) == 0 {
		return
	}
	hc := make([]*http.Cookie, 0, len(cookies))
	for _, c := range cookies {
		hc = append(hc, &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Path:     "/",
			Secure:   j.base.Scheme == "https",
			HttpOnly: true,
		})
	}
	j.SetCookies(j.base, hc)
}

// NewHTTPClient returns an *http.Client sharing jar with the given timeout.
func NewHTTPClient(jar http.CookieJar, timeout time.Duration) *http.Client {
	return &http.Client{
		Jar:     jar,
		Timeout: timeout,
	}
}
