// Package config loads authhub settings from .env, AUTHHUB_* environment
// variables and an optional config file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"net/url"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"authhub.org/internal/auth"
)

const envPrefix = "AUTHHUB"

// Config is the full service configuration.
type Config struct {
	HTTPAddr string `mapstructure:"http_addr"`
	GRPCAddr string `mapstructure:"grpc_addr"`
	LogLevel string `mapstructure:"log_level"`

	StoreBackend string        `mapstructure:"store_backend"`
	PGDSN        string        `mapstructure:"pg_dsn"`
	StoreTimeout time.Duration `mapstructure:"store_timeout"`
	RedisAddr    string        `mapstructure:"redis_addr"`

	JWTSecret           string        `mapstructure:"jwt_secret"`
	JWTIssuer           string        `mapstructure:"jwt_issuer"`
	AccessTTL           time.Duration `mapstructure:"access_ttl"`
	SessionTTL          time.Duration `mapstructure:"session_ttl"`
	RotateRefreshTokens bool          `mapstructure:"rotate_refresh_tokens"`
	AuthCodeTTL         time.Duration `mapstructure:"auth_code_ttl"`

	CookieName     string        `mapstructure:"cookie_name"`
	CookieSecure   bool          `mapstructure:"cookie_secure"`
	CookieSameSite string        `mapstructure:"cookie_same_site"`
	CookieDomain   string        `mapstructure:"cookie_domain"`
	LoginLimit     int           `mapstructure:"login_limit"`
	LoginWindow    time.Duration `mapstructure:"login_window"`
	// AccountLoginLimit caps attempts per account across all addresses.
	AccountLoginLimit int      `mapstructure:"account_login_limit"`
	TrustedProxies    []string `mapstructure:"trusted_proxies"`
	APIKeyLimit    int           `mapstructure:"api_key_limit"`
	IPLimit        int           `mapstructure:"ip_limit"`

	PermCacheSize int           `mapstructure:"perm_cache_size"`
	PermCacheTTL  time.Duration `mapstructure:"perm_cache_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`

	LoginURL    string         `mapstructure:"login_url"`
	CORSOrigins []string       `mapstructure:"cors_origins"`
	Projects    []auth.Project `mapstructure:"-"`
}

var defaults = map[string]any{
	"http_addr":             ":8080",
	"grpc_addr":             ":9090",
	"log_level":             "info",
	"store_backend":         "memory",
	"pg_dsn":                "",
	"store_timeout":         3 * time.Second,
	"redis_addr":            "",
	"jwt_secret":            "",
	"jwt_issuer":            "authhub",
	"access_ttl":            15 * time.Minute,
	"session_ttl":           24 * time.Hour,
	"rotate_refresh_tokens": true,
	"auth_code_ttl":         5 * time.Minute,
	"cookie_name":           "auth_session",
	"cookie_secure":         true,
	"cookie_same_site":      "lax",
	"cookie_domain":         "",
	"login_limit":           10,
	"login_window":          time.Minute,
	"account_login_limit":   50,
	"trusted_proxies":       "",
	"api_key_limit":         600,
	"ip_limit":              1200,
	"perm_cache_size":       10000,
	"perm_cache_ttl":        5 * time.Minute,
	"sweep_interval":        time.Minute,
	"login_url":             "",
	"cors_origins":          "",
	"projects":              "",
}

// Load reads .env (if present), then the config file at path (optional),
// then AUTHHUB_* variables, which win over both.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		listHook,
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	projects, err := projectsFrom(v.Get("projects"))
	if err != nil {
		return Config{}, err
	}
	cfg.Projects = projects
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings that cannot have a safe default.
func (c Config) Validate() error {
	var errs []error
	if len(c.JWTSecret) < 32 {
		errs = append(errs, errors.New("AUTHHUB_JWT_SECRET must be at least 32 bytes"))
	}
	switch c.StoreBackend {
	case "memory":
	case "postgres":
		if c.PGDSN == "" {
			errs = append(errs, errors.New("AUTHHUB_PG_DSN is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.StoreBackend))
	}
	if c.AccessTTL <= 0 || c.SessionTTL <= 0 || c.AuthCodeTTL <= 0 {
		errs = append(errs, errors.New("token, session and code TTLs must be positive"))
	}
	if c.LoginLimit <= 0 {
		errs = append(errs, errors.New("AUTHHUB_LOGIN_LIMIT must be positive"))
	}
	if c.AccountLoginLimit < 0 {
		errs = append(errs, errors.New("AUTHHUB_ACCOUNT_LOGIN_LIMIT must not be negative"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("AUTHHUB_SWEEP_INTERVAL must be positive"))
	}
	if c.PermCacheTTL <= 0 {
		errs = append(errs, errors.New("AUTHHUB_PERM_CACHE_TTL must be positive"))
	}
	if _, err := c.ProxyPrefixes(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.CookieSameSite) {
	case "lax", "strict", "none":
	default:
		errs = append(errs, fmt.Errorf("unknown cookie same-site mode %q", c.CookieSameSite))
	}
	if c.LoginURL != "" {
		if u, err := url.Parse(c.LoginURL); err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("invalid login url %q", c.LoginURL))
		}
	}
	return errors.Join(errs...)
}

// ProxyPrefixes parses TrustedProxies. A bare address is a single-host
// prefix.
func (c Config) ProxyPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, raw := range c.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if p, err := netip.ParsePrefix(raw); err == nil {
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q", raw)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// ParseProjects reads "code=https://host,code2=https://host2".
func ParseProjects(raw string) ([]auth.Project, error) {
	var out []auth.Project
	seen := make(map[string]struct{})
	for _, item := range splitList(raw) {
		code, base, ok := strings.Cut(item, "=")
		code = strings.ToLower(strings.TrimSpace(code))
		base = strings.TrimSpace(base)
		if !ok || code == "" || base == "" {
			return nil, fmt.Errorf("invalid project entry %q", item)
		}
		u, err := url.Parse(base)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return nil, fmt.Errorf("invalid base url for project %s: %q", code, base)
		}
		if _, dup := seen[code]; dup {
			return nil, fmt.Errorf("duplicate project %s", code)
		}
		seen[code] = struct{}{}
		out = append(out, auth.Project{Code: code, Name: code, BaseURL: strings.TrimRight(base, "/"), IsActive: true})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

var listType = reflect.TypeOf([]string{})

// projectsFrom accepts the "code=url,..." form as one string or as a list
// of entries.
func projectsFrom(raw any) ([]auth.Project, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		return ParseProjects(v)
	case []string:
		return ParseProjects(strings.Join(v, ","))
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("invalid project entry %v", item)
			}
			parts = append(parts, s)
		}
		return ParseProjects(strings.Join(parts, ","))
	}
	return nil, fmt.Errorf("invalid projects value %v", raw)
}

// listHook splits comma separated strings into trimmed, non-empty items.
func listHook(from, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to != listType {
		return data, nil
	}
	return splitList(data.(string)), nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
