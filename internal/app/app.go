// Package app wires the session core together: cookie jar, CSRF cache,
// credential endpoints, session manager, authenticated client and gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/paybychance/paybychance/internal/authapi"
	"github.com/paybychance/paybychance/internal/config"
	"github.com/paybychance/paybychance/internal/csrf"
	"github.com/paybychance/paybychance/internal/gateway"
	"github.com/paybychance/paybychance/internal/httpclient"
	"github.com/paybychance/paybychance/internal/repository"
	"github.com/paybychance/paybychance/internal/session"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

type App struct {
	Config  *config.Config
	CSRF    *csrf.Cache
	Auth    *authapi.API
	Store   repository.SessionStore
	Manager *session.Manager
	Client  *httpclient.Client
	Gateway *gateway.Gateway

	logger  *logrus.Logger
	closers []func() error
}

type options struct {
	store       repository.SessionStore
	nav         session.Navigator
	sessionOpts []session.Option
}

type Option func(*options)

// WithStore replaces the store selected by the configuration.
func WithStore(store repository.SessionStore) Option {
	return func(o *options) { o.store = store }
}

func WithNavigator(nav session.Navigator) Option {
	return func(o *options) { o.nav = nav }
}

// WithSessionOptions passes options through to the session manager.
func WithSessionOptions(opts ...session.Option) Option {
	return func(o *options) { o.sessionOpts = append(o.sessionOpts, opts...) }
}

// New builds the layers in dependency order. The auth client has no
// refresher so credential endpoints never recurse into a refresh. The cookie
// jar is saved with the session so a restored session keeps its server side.
func New(ctx context.Context, cfg *config.Config, logger *logrus.Logger, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	jar, err := httpclient.NewCookieJar(cfg.API.BaseURL)
	if err != nil {
		return nil, err
	}
	hc := httpclient.NewHTTPClient(jar, cfg.API.Timeout)

	a := &App{Config: cfg, logger: logger}

	a.CSRF = csrf.New(authapi.NewCSRFFetcher(hc, cfg.API.BaseURL, cfg.API.CSRFPath), logger)

	classifier := httpclient.Classifier{
		CSRFPrefixes:   cfg.Paths.CSRFPrefixes,
		CSRFExempt:     cfg.Paths.CSRFExempt,
		BearerPrefixes: cfg.Paths.BearerPrefixes,
	}
	authClient := httpclient.New(cfg.API.BaseURL, hc,
		httpclient.WithLogger(logger),
		httpclient.WithClassifier(classifier),
		httpclient.WithCSRF(a.CSRF, cfg.CSRF.HeaderName, cfg.CSRF.MinLength),
		httpclient.WithRetry(cfg.Retry.MaxRetries, cfg.Retry.Delay),
	)
	a.Auth = authapi.New(authClient, cfg.API, logger)

	a.Store = o.store
	if a.Store == nil {
		store, closer, err := openStore(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		a.Store = store
		if closer != nil {
			a.closers = append(a.closers, closer)
		}
	}

	sessionOpts := append([]session.Option{session.WithCSRF(a.CSRF), session.WithCookieJar(jar)}, o.sessionOpts...)
	a.Manager, err = session.NewManager(a.Auth, a.Store, o.nav, cfg.Session, logger, sessionOpts...)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create session manager: %w", err)
	}

	a.Client = httpclient.New(cfg.API.BaseURL, hc,
		httpclient.WithLogger(logger),
		httpclient.WithClassifier(classifier),
		httpclient.WithCSRF(a.CSRF, cfg.CSRF.HeaderName, cfg.CSRF.MinLength),
		httpclient.WithTokenSource(a.Manager),
		httpclient.WithRefresher(a.Manager),
		httpclient.WithRetry(cfg.Retry.MaxRetries, cfg.Retry.Delay),
	)
	a.Gateway = gateway.New(a.Client, cfg.API, logger, gateway.WithTimeout(cfg.CallBudget()))

	return a, nil
}

// Close stops the session timers and releases the store.
func (a *App) Close() error {
	if a.Manager != nil {
		a.Manager.Close()
	}
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

func openStore(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (repository.SessionStore, func() error, error) {
	switch cfg.Store.Driver {
	case "memory":
		return repository.NewMemoryStore(), nil, nil

	case "bolt":
		store, err := repository.OpenBoltStore(cfg.Store.BoltPath, cfg.Store.SessionKey, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Endpoint,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		logger.WithField("endpoint", cfg.Redis.Endpoint).Info("Redis client initialized")
		return repository.NewRedisStore(client, cfg.Store.SessionKey, logger), client.Close, nil

	case "dynamodb":
		client, err := repository.NewDynamoClient(ctx, cfg.DynamoDB)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("DynamoDB client initialized")
		return repository.NewDynamoStore(client, cfg.DynamoDB.TableName, cfg.Store.SessionKey, logger), nil, nil
	}
	return nil, nil, fmt.Errorf("unknown session store %q", cfg.Store.Driver)
}
