package modrelay

import (
	"fmt"
	"net/url"
	"strings"
)

// NewThreadStoreFromDSN builds a ThreadStore from a DSN. An empty DSN and
// the memory schemes yield the in-memory store; postgres schemes yield the
// PostgreSQL store.
func NewThreadStoreFromDSN(dsn string) (ThreadStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryThreadStore(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	switch scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme)); scheme {
	case "", "memory", "mem", "inmem":
		return NewMemoryThreadStore(), nil
	case "postgres", "postgresql":
		return NewPostgresThreadStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported thread store scheme: %s", scheme)
	}
}

// NewSelectionCacheFromDSN builds a SelectionCache from a DSN. An empty DSN
// and the memory schemes yield the process-local cache; redis schemes yield
// the shared redis cache for multi-instance deployments.
func NewSelectionCacheFromDSN(dsn string) (SelectionCache, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemorySelectionCache(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	switch scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme)); scheme {
	case "", "memory", "mem", "inmem":
		return NewMemorySelectionCache(), nil
	case "redis", "rediss":
		return NewRedisSelectionCache(dsn)
	default:
		return nil, fmt.Errorf("unsupported selection cache scheme: %s", scheme)
	}
}
