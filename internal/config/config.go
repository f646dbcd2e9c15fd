package config

import (
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/spf13/viper"
)

// Config is the runtime configuration, read once at startup and passed down
// explicitly. No package keeps mutable config state of its own.
type Config struct {
	ListenAddr string

	HistoryMaxCount int
	HistoryMaxAge   int // seconds

	AnonymousMode       bool
	RegistrationEnabled bool
	WelcomeEnabled      bool

	ScreenNameMinLength int
	ScreenNameMaxLength int
	ScreenNamePattern   *regexp.Regexp

	TrustedProxies map[string]struct{}

	TokenSecret string
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("WS_HOST", "0.0.0.0")
	v.SetDefault("WS_PORT", 8080)
	v.SetDefault("MESSAGE_HISTORY_MAX_COUNT", 10)
	v.SetDefault("MESSAGE_HISTORY_MAX_AGE", 300)
	v.SetDefault("ANONYMOUS_MODE_ENABLED", true)
	v.SetDefault("REGISTRATION_ENABLED", true)
	v.SetDefault("WELCOME_ENABLED", true)
	v.SetDefault("SCREEN_NAME_MIN_LENGTH", 2)
	v.SetDefault("SCREEN_NAME_MAX_LENGTH", 20)
	v.SetDefault("SCREEN_NAME_PATTERN", "^[A-Za-z0-9_-]+$")
	v.SetDefault("TRUSTED_PROXIES", "")
	v.SetDefault("AUTH_TOKEN_SECRET", "")

	pattern, err := regexp.Compile(v.GetString("SCREEN_NAME_PATTERN"))
	if err != nil {
		return nil, fmt.Errorf("compile SCREEN_NAME_PATTERN: %w", err)
	}

	minLen := v.GetInt("SCREEN_NAME_MIN_LENGTH")
	maxLen := v.GetInt("SCREEN_NAME_MAX_LENGTH")
	if minLen < 1 || maxLen < minLen {
		return nil, fmt.Errorf("invalid screen name length bounds %d..%d", minLen, maxLen)
	}

	cfg := &Config{
		ListenAddr:          fmt.Sprintf("%s:%d", v.GetString("WS_HOST"), v.GetInt("WS_PORT")),
		HistoryMaxCount:     v.GetInt("MESSAGE_HISTORY_MAX_COUNT"),
		HistoryMaxAge:       v.GetInt("MESSAGE_HISTORY_MAX_AGE"),
		AnonymousMode:       v.GetBool("ANONYMOUS_MODE_ENABLED"),
		RegistrationEnabled: v.GetBool("REGISTRATION_ENABLED"),
		WelcomeEnabled:      v.GetBool("WELCOME_ENABLED"),
		ScreenNameMinLength: minLen,
		ScreenNameMaxLength: maxLen,
		ScreenNamePattern:   pattern,
		TrustedProxies:      parseProxyList(v.GetString("TRUSTED_PROXIES")),
		TokenSecret:         v.GetString("AUTH_TOKEN_SECRET"),
	}
	if cfg.HistoryMaxCount < 1 {
		cfg.HistoryMaxCount = 1
	}
	if cfg.HistoryMaxAge < 1 {
		cfg.HistoryMaxAge = 1
	}
	return cfg, nil
}

func parseProxyList(raw string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, part := range strings.Split(raw, ",") {
		if ip := strings.TrimSpace(part); ip != "" {
			out[ip] = struct{}{}
		}
	}
	return out
}

// ValidScreenName reports whether name satisfies the configured bounds and
// character pattern.
func (c *Config) ValidScreenName(name string) bool {
	if len(name) < c.ScreenNameMinLength || len(name) > c.ScreenNameMaxLength {
		return false
	}
	return c.ScreenNamePattern.MatchString(name)
}

// ClientIP resolves the effective client IP for a request. The first
// X-Forwarded-For entry is honored only when the direct peer is a trusted
// proxy; otherwise the direct peer wins.
func (c *Config) ClientIP(remoteAddr, forwardedFor string) string {
	peer := remoteAddr
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		peer = host
	}
	if _, trusted := c.TrustedProxies[peer]; !trusted {
		return peer
	}
	first, _, _ := strings.Cut(forwardedFor, ",")
	first = strings.TrimSpace(first)
	if first == "" {
		return peer
	}
	return first
}
