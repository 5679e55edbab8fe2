// Package csrf caches the anti-forgery token used on Context Proxy paths.
package csrf

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/paybychance/paybychance/internal/autherr"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// ErrEmptyToken is returned when the bootstrap endpoint answers without a token.
var ErrEmptyToken = errors.New("csrf endpoint returned an empty token")

// Fetcher performs one network fetch of a fresh token.
type Fetcher func(ctx context.Context) (string, error)

// Cache holds at most one token and guarantees at most one fetch in flight.
type Cache struct {
	fetch  Fetcher
	logger *logrus.Logger

	group singleflight.Group

	mu    sync.Mutex
	token string
	gen   uint64
}

func New(fetch Fetcher, logger *logrus.Logger) *Cache {
	return &Cache{
		fetch:  fetch,
		logger: logger,
	}
}

// Token returns the cached token without fetching.
func (c *Cache) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Get returns the cached token, joining or starting a fetch when there is
// none. A caller whose ctx ends stops waiting; the shared fetch carries on
// for the other waiters.
func (c *Cache) Get(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token != "" {
		token := c.token
		c.mu.Unlock()
		return token, nil
	}
	gen := c.gen
	c.mu.Unlock()

	ch := c.group.DoChan(flightKey(gen), func() (interface{}, error) {
		token, err := c.fetch(context.WithoutCancel(ctx))
		if err != nil {
			return "", err
		}
		if token == "" {
			return "", ErrEmptyToken
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		// A Reset while this fetch was in flight invalidates its result.
		if c.gen == gen {
			c.token = token
		}
		return token, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			c.logger.WithError(res.Err).Warn("CSRF token fetch failed")
			return "", autherr.New(autherr.KindCSRFUnavailable, "csrf.Get", res.Err)
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", autherr.New(autherr.KindCSRFUnavailable, "csrf.Get", ctx.Err())
	}
}

// Reset drops the cached token and detaches any in-flight fetch so the next
// Get starts a new one.
func (c *Cache) Reset() {
	c.mu.Lock()
	old := c.gen
	c.token = ""
	c.gen++
	c.mu.Unlock()

	c.group.Forget(flightKey(old))
	c.logger.Debug("CSRF token reset")
}

func flightKey(gen uint64) string {
	return "csrf:" + strconv.FormatUint(gen, 10)
}
