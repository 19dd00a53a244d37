package esi

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Header names forwarded verbatim from upstream responses
const (
	HeaderExpires      = "Expires"
	HeaderCacheControl = "Cache-Control"
	HeaderLastModified = "Last-Modified"
	HeaderMaxAge       = "Access-Control-Max-Age"
)

// Freshness is the caching metadata the upstream attached to one response
type Freshness struct {
	ExpiresAt    time.Time `json:"expires_at"`
	Expires      string    `json:"-"`
	CacheControl string    `json:"cache_control,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	MaxAge       string    `json:"max_age,omitempty"`
}

// Envelope pairs a decoded upstream payload with its freshness metadata
type Envelope[T any] struct {
	Payload   T
	Freshness Freshness
}

// ParseFreshness reads the caching headers of an upstream response. An
// unparseable Expires falls back to Cache-Control max-age relative to now;
// if neither is usable ExpiresAt stays zero.
func ParseFreshness(h http.Header, now time.Time) Freshness {
	f := Freshness{
		Expires:      h.Get(HeaderExpires),
		CacheControl: h.Get(HeaderCacheControl),
		LastModified: h.Get(HeaderLastModified),
		MaxAge:       h.Get(HeaderMaxAge),
	}
	if f.Expires != "" {
		if t, err := http.ParseTime(f.Expires); err == nil {
			f.ExpiresAt = t
			return f
		}
	}
	if secs, ok := maxAgeDirective(f.CacheControl); ok {
		f.ExpiresAt = now.Add(time.Duration(secs) * time.Second)
	}
	return f
}

// Apply copies the forwarded headers onto h. Empty values are skipped.
func (f Freshness) Apply(h http.Header) {
	set := func(k, v string) {
		if v != "" {
			h.Set(k, v)
		}
	}
	set(HeaderExpires, f.Expires)
	set(HeaderCacheControl, f.CacheControl)
	set(HeaderLastModified, f.LastModified)
	set(HeaderMaxAge, f.MaxAge)
}

// IsFresh reports whether a cached payload may still be served at now
func (f Freshness) IsFresh(now time.Time) bool {
	return !f.ExpiresAt.IsZero() && now.Before(f.ExpiresAt)
}

// NextDelay is the wait until the resource expires, never shorter than min.
// Without an expiry it returns min.
func (f Freshness) NextDelay(now time.Time, min time.Duration) time.Duration {
	if f.ExpiresAt.IsZero() {
		return min
	}
	d := f.ExpiresAt.Sub(now)
	if d < min {
		return min
	}
	return d
}

func maxAgeDirective(cacheControl string) (int, bool) {
	for _, part := range strings.Split(cacheControl, ",") {
		part = strings.TrimSpace(part)
		v, ok := strings.CutPrefix(strings.ToLower(part), "max-age=")
		if !ok {
			continue
		}
		secs, err := strconv.Atoi(v)
		if err != nil || secs < 0 {
			return 0, false
		}
		return secs, true
	}
	return 0, false
}
