// Package store provides the shared counter store implementations for Warden.
package store

import (
	"fmt"
	"time"

	"github.com/opensource-finance/warden/internal/domain"
)

// windowTTLBuffer keeps a window key alive slightly past the window length so
// entries at the edge are still counted.
const windowTTLBuffer = time.Second

// New creates a store based on configuration.
// For Community tier: returns the in-process memory store.
// For Pro tier: returns the Redis store shared by every instance.
func New(cfg domain.StoreConfig) (domain.Store, error) {
	switch cfg.Type {
	case "memory", "":
		return NewMemoryStore(cfg.Namespace, cfg.LocalMaxSize), nil

	case "redis":
		return NewRedisStore(cfg)

	default:
		return nil, fmt.Errorf("unsupported store type: %s", cfg.Type)
	}
}

func namespaced(namespace, key string) string {
	if namespace == "" {
		namespace = "warden"
	}
	return namespace + ":" + key
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
}
