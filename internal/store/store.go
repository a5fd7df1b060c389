// Package store provides the ephemeral key-value backends that own persisted
// thread bytes. Every backend expires keys on its own and reports each
// expiry exactly once to the registered handlers.
package store

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrUnavailable marks failures caused by an unreachable backend.
	ErrUnavailable = errors.New("store: backend unavailable")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store: closed")
	// ErrInvalidTTL rejects writes without a positive lifetime.
	ErrInvalidTTL = errors.New("store: ttl must be positive")
)

// ExpiryHandler is invoked with the key of every entry removed by its TTL.
type ExpiryHandler func(key string)

// Store is the contract shared by all ephemeral backends.
type Store interface {
	// Put stores value under key and (re)schedules its removal after ttl.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Replace behaves like Put but only writes when key is currently present.
	Replace(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// Get returns the current value and whether it exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Delete removes key and reports whether a value was removed.
	Delete(ctx context.Context, key string) (bool, error)
	// RemainingTTL reports the time left before key expires.
	RemainingTTL(ctx context.Context, key string) (time.Duration, bool, error)
	// OnExpire registers a handler for TTL removals.
	OnExpire(handler ExpiryHandler)
	// Name identifies the backend in logs and health output.
	Name() string
	Close() error
}

type expiryHandlers struct {
	mu       sync.RWMutex
	handlers []ExpiryHandler
}

func (h *expiryHandlers) add(handler ExpiryHandler) {
	if handler == nil {
		return
	}
	h.mu.Lock()
	h.handlers = append(h.handlers, handler)
	h.mu.Unlock()
}

func (h *expiryHandlers) notify(key string) {
	h.mu.RLock()
	handlers := append([]ExpiryHandler(nil), h.handlers...)
	h.mu.RUnlock()
	for _, handler := range handlers {
		handler(key)
	}
}

func validateTTL(ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	return nil
}
