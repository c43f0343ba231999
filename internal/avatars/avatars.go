// Package avatars caches fetched group avatar images so repeated reads
// do not hit the storage service.
package avatars

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/quietwire/groupd/internal/storage"
	"github.com/quietwire/groupd/pkg/group"
)

// ErrNotFound indicates the avatar is not cached.
var ErrNotFound = errors.New("avatar not cached")

// Cache stores avatar bytes keyed by group and server reference. A
// reference is immutable once issued, so entries never need
// invalidation; changing the avatar changes the reference.
type Cache interface {
	Put(ctx context.Context, id group.ID, ref string, data []byte) error
	Get(ctx context.Context, id group.ID, ref string) ([]byte, error)
	Close() error
}

// Factory creates a cache from a configuration map.
type Factory func(ctx context.Context, config map[string]string) (Cache, error)

// DefaultsFunc returns the default configuration for a backend.
type DefaultsFunc func() map[string]string

type backendEntry struct {
	Factory  Factory
	Defaults DefaultsFunc
}

var (
	backends   = make(map[string]backendEntry)
	backendsMu sync.RWMutex
)

// Register registers a cache backend factory with the given name.
func Register(name string, factory Factory, defaults DefaultsFunc) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	if _, exists := backends[name]; exists {
		panic(fmt.Sprintf("avatar backend %q already registered", name))
	}
	backends[name] = backendEntry{Factory: factory, Defaults: defaults}
}

// New creates a cache by backend name with the given configuration.
func New(ctx context.Context, name string, config map[string]string) (Cache, error) {
	backendsMu.RLock()
	entry, ok := backends[name]
	backendsMu.RUnlock()
	if !ok {
		return nil, storage.NewConfigError(name, "", fmt.Sprintf("unknown avatar backend %q", name))
	}

	var defaults map[string]string
	if entry.Defaults != nil {
		defaults = entry.Defaults()
	}
	return entry.Factory(ctx, storage.MergeConfig(defaults, config))
}
