package utils

import (
	"errors"
	"sync"
)

var tokens struct {
	sync.RWMutex
	limits map[string]int
}

var (
	// ErrInvalidAPIKey signals that the provided API key is not configured.
	ErrInvalidAPIKey = errors.New("invalid api key")
	// ErrTokenStoreNotReady signals that no API keys were loaded.
	ErrTokenStoreNotReady = errors.New("token store not ready")
)

// LoadTokensFromMap replaces the API key table. Keys map to a per-interval
// request limit, 0 meaning unlimited.
func LoadTokensFromMap(m map[string]int) {
	limits := make(map[string]int, len(m))
	for k, v := range m {
		limits[k] = v
	}
	tokens.Lock()
	tokens.limits = limits
	tokens.Unlock()
}

// TokensReady reports whether a key table was loaded at least once.
func TokensReady() bool {
	tokens.RLock()
	defer tokens.RUnlock()
	return tokens.limits != nil
}

// ValidateToken reports whether token is a known API key.
func ValidateToken(token string) bool {
	tokens.RLock()
	defer tokens.RUnlock()
	_, ok := tokens.limits[token]
	return ok
}

// GetRateLimit returns the request limit for token, 0 when unknown or unlimited.
func GetRateLimit(token string) int {
	tokens.RLock()
	defer tokens.RUnlock()
	return tokens.limits[token]
}
