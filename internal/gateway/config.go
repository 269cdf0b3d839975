package gateway

import (
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Config holds connection and housekeeping settings for the hub
type Config struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBufferSize  int

	StaleAfter          time.Duration
	StaleSweepInterval  time.Duration
	SessionTTL          time.Duration
	ExpirySweepInterval time.Duration
	PersistInterval     time.Duration
	StatsInterval       time.Duration

	CheckOrigin func(r *http.Request) bool
}

// DefaultConfig returns the settings used when nothing is configured
func DefaultConfig() Config {
	return Config{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     90 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBufferSize:  256,

		StaleAfter:          2 * time.Minute,
		StaleSweepInterval:  30 * time.Second,
		SessionTTL:          24 * time.Hour,
		ExpirySweepInterval: time.Hour,
		PersistInterval:     5 * time.Minute,
		StatsInterval:       5 * time.Minute,

		CheckOrigin: AllowOrigins(nil),
	}
}

// AllowOrigins returns an origin check accepting the listed origins. An
// empty list or "*" accepts every origin, as do requests without an Origin
// header.
func AllowOrigins(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		o = strings.TrimRight(strings.ToLower(strings.TrimSpace(o)), "/")
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		if o != "" {
			set[o] = true
		}
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil || u.Host == "" {
			return false
		}
		return set[strings.ToLower(u.Scheme+"://"+u.Host)]
	}
}
