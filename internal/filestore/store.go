// Package filestore opens source files by location. A location is a plain
// filesystem path or a URL whose scheme selects a registered store.
package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
)

type Store interface {
	Open(ctx context.Context, location string) (io.ReadCloser, error)
}

type Factory func(args interface{}) (Store, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

func Register(scheme string, factory Factory) {
	key := strings.ToLower(strings.TrimSpace(scheme))
	if key == "" || factory == nil {
		return
	}
	registryMu.Lock()
	registry[key] = factory
	registryMu.Unlock()
}

// Scheme returns the lower-cased URL scheme of location, or "file" for
// plain paths.
func Scheme(location string) string {
	idx := strings.Index(location, "://")
	if idx <= 0 {
		return "file"
	}
	return strings.ToLower(location[:idx])
}

// Mux dispatches each location to the store registered for its scheme.
// Stores are built on first use from the args given for their scheme.
type Mux struct {
	mu     sync.Mutex
	args   map[string]interface{}
	stores map[string]Store
}

func NewMux(args map[string]interface{}) *Mux {
	if args == nil {
		args = map[string]interface{}{}
	}
	return &Mux{args: args, stores: map[string]Store{}}
}

func (m *Mux) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	store, err := m.store(Scheme(location))
	if err != nil {
		return nil, err
	}
	return store.Open(ctx, location)
}

func (m *Mux) store(scheme string) (Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if store, ok := m.stores[scheme]; ok {
		return store, nil
	}
	registryMu.RLock()
	factory := registry[scheme]
	registryMu.RUnlock()
	if factory == nil {
		return nil, fmt.Errorf("unsupported source scheme: %s", scheme)
	}
	store, err := factory(m.args[scheme])
	if err != nil {
		return nil, fmt.Errorf("create %s store: %w", scheme, err)
	}
	m.stores[scheme] = store
	return store, nil
}

func decodeConfig(args interface{}, dst interface{}) error {
	if args == nil {
		return nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode store config: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode store config: %w", err)
	}
	return nil
}
