package coordinator

import (
	"errors"
	"fmt"
	"strings"
)

// Mode selects how Resolve trades freshness against availability.
type Mode int

const (
	// CacheOnly serves whatever the store holds and never fetches.
	CacheOnly Mode = iota
	// PreferCache serves fresh or stale records and fetches only when expired or missing.
	PreferCache
	// ForceRefresh always fetches, falling back to the stored record on failure.
	ForceRefresh
)

// ErrInvalidMode is returned by ParseMode for unknown names.
var ErrInvalidMode = errors.New("invalid mode")

func (m Mode) String() string {
	switch m {
	case CacheOnly:
		return "cache_only"
	case PreferCache:
		return "prefer_cache"
	case ForceRefresh:
		return "force_refresh"
	}
	return "unknown"
}

// Valid reports whether m is one of the defined modes.
func (m Mode) Valid() bool {
	return m >= CacheOnly && m <= ForceRefresh
}

// ParseMode parses a wire name. An empty string selects PreferCache.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "prefer_cache":
		return PreferCache, nil
	case "cache_only":
		return CacheOnly, nil
	case "force_refresh":
		return ForceRefresh, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidMode, s)
}
