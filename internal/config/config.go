package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	API      APIConfig
	Session  SessionConfig
	Retry    RetryConfig
	CSRF     CSRFConfig
	Paths    PathRules
	Store    StoreConfig
	DynamoDB DynamoDBConfig
	Redis    RedisConfig
	Backend  BackendConfig
	Log      LogConfig
}

type APIConfig struct {
	BaseURL      string
	Timeout      time.Duration
	LoginPath    string
	RefreshPath  string
	LogoutPath   string
	CSRFPath     string
	ValidatePath string
	ActionPath   string
	ProxyPath    string
}

type SessionConfig struct {
	TokenTTL          time.Duration
	RefreshBuffer     time.Duration
	InactivityWarning time.Duration
	AutoLogout        time.Duration
	RefreshPoll       time.Duration
}

type RetryConfig struct {
	MaxRetries int
	Delay      time.Duration
}

type CSRFConfig struct {
	HeaderName string
	MinLength  int
}

// PathRules decide which credential a request path needs.
type PathRules struct {
	CSRFPrefixes   []string
	CSRFExempt     []string
	BearerPrefixes []string
}

type StoreConfig struct {
	Driver     string
	BoltPath   string
	SessionKey string
}

type DynamoDBConfig struct {
	Endpoint  string
	Region    string
	TableName string
}

type RedisConfig struct {
	Endpoint string
	Password string
	DB       int
}

// BackendConfig configures the development backend emulator.
type BackendConfig struct {
	Port          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	JWTSecret     string
	AccessExpiry  time.Duration
	RefreshExpiry time.Duration
	RefreshStore  string
	Users         map[string]string
}

type LogConfig struct {
	Level  string
	Format string
}

// CallBudget is the deadline for one gateway call: every transient retry
// of the request at API.Timeout each, the delays between them, and one
// replay of that schedule after a 401.
func (c *Config) CallBudget() time.Duration {
	attempts := time.Duration(c.Retry.MaxRetries + 1)
	schedule := attempts*c.API.Timeout + time.Duration(c.Retry.MaxRetries)*c.Retry.Delay
	return 2 * schedule
}

// Default returns the configuration with every documented default applied.
func Default() *Config {
	return &Config{
		API: APIConfig{
			Timeout:      8 * time.Second,
			LoginPath:    "/jwt-auth/v1/token",
			RefreshPath:  "/context-proxy/v1/refresh",
			LogoutPath:   "/context-proxy/v1/logout",
			CSRFPath:     "/context-proxy/v1/csrf",
			ValidatePath: "/jwt-auth/v1/token/validate",
			ActionPath:   "/context-proxy/v1/action",
			ProxyPath:    "/context-proxy/v1/proxy",
		},
		Session: SessionConfig{
			TokenTTL:          20 * time.Minute,
			RefreshBuffer:     2 * time.Minute,
			InactivityWarning: 9 * time.Minute,
			AutoLogout:        10 * time.Minute,
			RefreshPoll:       60 * time.Second,
		},
		Retry: RetryConfig{
			MaxRetries: 3,
			Delay:      time.Second,
		},
		CSRF: CSRFConfig{
			HeaderName: "X-CSRF-Token",
			MinLength:  8,
		},
		Paths: PathRules{
			CSRFPrefixes:   []string{"/context-proxy/v1/", "/nocash/v1/squad/", "/nocash/v1/action"},
			CSRFExempt:     []string{"/context-proxy/v1/csrf"},
			BearerPrefixes: []string{"/jwt-auth/v1/token/validate", "/wp/v2/users/me"},
		},
		Store: StoreConfig{
			Driver:     "bolt",
			BoltPath:   defaultBoltPath(),
			SessionKey: "default",
		},
		DynamoDB: DynamoDBConfig{
			Region:    "us-east-1",
			TableName: "PayByChanceSessions",
		},
		Redis: RedisConfig{
			Endpoint: "localhost:6379",
		},
		Backend: BackendConfig{
			Port:          "8080",
			ReadTimeout:   15 * time.Second,
			WriteTimeout:  15 * time.Second,
			AccessExpiry:  20 * time.Minute,
			RefreshExpiry: 7 * 24 * time.Hour,
			RefreshStore:  "memory",
			Users:         map[string]string{},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the configuration from the environment, after loading a .env
// file from the working directory if one exists.
func Load() (*Config, error) {
	_ = godotenv.Load()

	def := Default()
	cfg := &Config{
		API: APIConfig{
			BaseURL:      strings.TrimRight(getEnv("API_BASE_URL", ""), "/"),
			Timeout:      getEnvAsDuration("API_TIMEOUT", def.API.Timeout),
			LoginPath:    getEnv("LOGIN_PATH", def.API.LoginPath),
			RefreshPath:  getEnv("REFRESH_PATH", def.API.RefreshPath),
			LogoutPath:   getEnv("LOGOUT_PATH", def.API.LogoutPath),
			CSRFPath:     getEnv("CSRF_PATH", def.API.CSRFPath),
			ValidatePath: getEnv("VALIDATE_PATH", def.API.ValidatePath),
			ActionPath:   getEnv("ACTION_PATH", def.API.ActionPath),
			ProxyPath:    getEnv("PROXY_PATH", def.API.ProxyPath),
		},
		Session: SessionConfig{
			TokenTTL:          getEnvAsMinutes("TOKEN_EXPIRY_MIN", def.Session.TokenTTL),
			RefreshBuffer:     getEnvAsMinutes("TOKEN_REFRESH_BUFFER_MIN", def.Session.RefreshBuffer),
			InactivityWarning: getEnvAsMinutes("INACTIVITY_WARNING_MIN", def.Session.InactivityWarning),
			AutoLogout:        getEnvAsMinutes("AUTO_LOGOUT_MIN", def.Session.AutoLogout),
			RefreshPoll:       getEnvAsDuration("TOKEN_REFRESH_POLL", def.Session.RefreshPoll),
		},
		Retry: RetryConfig{
			MaxRetries: getEnvAsInt("RETRY_MAX", def.Retry.MaxRetries),
			Delay:      getEnvAsDuration("RETRY_DELAY", def.Retry.Delay),
		},
		CSRF: CSRFConfig{
			HeaderName: getEnv("CSRF_HEADER", def.CSRF.HeaderName),
			MinLength:  getEnvAsInt("CSRF_MIN_LENGTH", def.CSRF.MinLength),
		},
		Paths: PathRules{
			CSRFPrefixes:   getEnvAsList("CSRF_PATH_PREFIXES", def.Paths.CSRFPrefixes),
			BearerPrefixes: getEnvAsList("BEARER_PATH_PREFIXES", def.Paths.BearerPrefixes),
		},
		Store: StoreConfig{
			Driver:     getEnv("SESSION_STORE", def.Store.Driver),
			BoltPath:   getEnv("SESSION_BOLT_PATH", def.Store.BoltPath),
			SessionKey: getEnv("SESSION_KEY", def.Store.SessionKey),
		},
		DynamoDB: DynamoDBConfig{
			Endpoint:  getEnv("DYNAMODB_ENDPOINT", ""),
			Region:    getEnv("DYNAMODB_REGION", def.DynamoDB.Region),
			TableName: getEnv("DYNAMODB_TABLE_NAME", def.DynamoDB.TableName),
		},
		Redis: RedisConfig{
			Endpoint: getEnv("REDIS_ENDPOINT", def.Redis.Endpoint),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Backend: loadBackend(def.Backend),
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", def.Log.Level),
			Format: getEnv("LOG_FORMAT", def.Log.Format),
		},
	}
	// The bootstrap endpoint itself never needs a CSRF token.
	cfg.Paths.CSRFExempt = []string{cfg.API.CSRFPath}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadBackend reads the settings of the backend emulator. Unlike Load it
// does not need an API base URL.
func LoadBackend() (*Config, error) {
	_ = godotenv.Load()

	def := Default()
	cfg := &Config{
		Redis: RedisConfig{
			Endpoint: getEnv("REDIS_ENDPOINT", def.Redis.Endpoint),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Backend: loadBackend(def.Backend),
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", def.Log.Level),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if len(cfg.Backend.JWTSecret) < 32 {
		return nil, fmt.Errorf("JWT_SECRET_KEY must be at least 32 bytes")
	}
	if len(cfg.Backend.Users) == 0 {
		return nil, fmt.Errorf("BACKEND_USERS must list at least one user:password pair")
	}
	return cfg, nil
}

func loadBackend(def BackendConfig) BackendConfig {
	return BackendConfig{
		Port:          getEnv("PORT", def.Port),
		ReadTimeout:   getEnvAsDuration("READ_TIMEOUT", def.ReadTimeout),
		WriteTimeout:  getEnvAsDuration("WRITE_TIMEOUT", def.WriteTimeout),
		JWTSecret:     getEnv("JWT_SECRET_KEY", ""),
		AccessExpiry:  getEnvAsDuration("JWT_ACCESS_EXPIRY", def.AccessExpiry),
		RefreshExpiry: getEnvAsDuration("JWT_REFRESH_EXPIRY", def.RefreshExpiry),
		RefreshStore:  getEnv("REFRESH_STORE", def.RefreshStore),
		Users:         parseUsers(getEnv("BACKEND_USERS", "")),
	}
}

// Validate checks the client-side settings.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("API_BASE_URL environment variable is required")
	}
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("API_BASE_URL must be an absolute URL, got %q", c.API.BaseURL)
	}
	return c.Session.Validate()
}

func (s SessionConfig) Validate() error {
	if s.TokenTTL <= 0 || s.RefreshBuffer <= 0 || s.InactivityWarning <= 0 || s.AutoLogout <= 0 || s.RefreshPoll <= 0 {
		return fmt.Errorf("session durations must be positive")
	}
	if s.RefreshBuffer >= s.TokenTTL {
		return fmt.Errorf("refresh buffer (%s) must be shorter than token TTL (%s)", s.RefreshBuffer, s.TokenTTL)
	}
	if s.InactivityWarning >= s.AutoLogout {
		return fmt.Errorf("inactivity warning (%s) must come before auto-logout (%s)", s.InactivityWarning, s.AutoLogout)
	}
	return nil
}

func defaultBoltPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "paybychance-session.db"
	}
	return filepath.Join(home, ".paybychance", "session.db")
}

func parseUsers(raw string) map[string]string {
	users := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		name, password, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || name == "" {
			continue
		}
		users[name] = password
	}
	return users
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvAsMinutes reads a whole number of minutes.
func getEnvAsMinutes(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if minutes, err := strconv.Atoi(value); err == nil && minutes > 0 {
			return time.Duration(minutes) * time.Minute
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
