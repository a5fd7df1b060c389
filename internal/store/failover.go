package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Failover serves from a primary backend until it reports ErrUnavailable, then
// switches to the fallback for the rest of the process lifetime.
type Failover struct {
	primary  Store
	fallback Store
	logger   *zap.Logger

	mu       sync.RWMutex
	degraded bool
}

// NewFailover wraps primary with fallback. A nil primary starts degraded.
func NewFailover(primary, fallback Store, logger *zap.Logger) *Failover {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Failover{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
		degraded: primary == nil,
	}
}

func (f *Failover) Name() string {
	return f.current().Name()
}

// Degraded reports whether the fallback backend is serving requests.
func (f *Failover) Degraded() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.degraded
}

func (f *Failover) OnExpire(handler ExpiryHandler) {
	if f.primary != nil {
		f.primary.OnExpire(handler)
	}
	f.fallback.OnExpire(handler)
}

func (f *Failover) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	active := f.current()
	err := active.Put(ctx, key, value, ttl)
	if f.shouldFailOver(active, err) {
		return f.fallback.Put(ctx, key, value, ttl)
	}
	return err
}

func (f *Failover) Replace(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	active := f.current()
	written, err := active.Replace(ctx, key, value, ttl)
	if f.shouldFailOver(active, err) {
		return f.fallback.Replace(ctx, key, value, ttl)
	}
	return written, err
}

func (f *Failover) Get(ctx context.Context, key string) ([]byte, bool, error) {
	active := f.current()
	value, ok, err := active.Get(ctx, key)
	if f.shouldFailOver(active, err) {
		return f.fallback.Get(ctx, key)
	}
	return value, ok, err
}

func (f *Failover) Delete(ctx context.Context, key string) (bool, error) {
	active := f.current()
	removed, err := active.Delete(ctx, key)
	if f.shouldFailOver(active, err) {
		return f.fallback.Delete(ctx, key)
	}
	return removed, err
}

func (f *Failover) RemainingTTL(ctx context.Context, key string) (time.Duration, bool, error) {
	active := f.current()
	remaining, ok, err := active.RemainingTTL(ctx, key)
	if f.shouldFailOver(active, err) {
		return f.fallback.RemainingTTL(ctx, key)
	}
	return remaining, ok, err
}

func (f *Failover) Close() error {
	var errs []error
	if f.primary != nil {
		errs = append(errs, f.primary.Close())
	}
	errs = append(errs, f.fallback.Close())
	return errors.Join(errs...)
}

func (f *Failover) current() Store {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.degraded {
		return f.fallback
	}
	return f.primary
}

func (f *Failover) shouldFailOver(active Store, err error) bool {
	if err == nil || active == f.fallback || !errors.Is(err, ErrUnavailable) {
		return false
	}
	f.mu.Lock()
	alreadyDegraded := f.degraded
	f.degraded = true
	f.mu.Unlock()
	if !alreadyDegraded {
		f.logger.Warn("store unavailable, falling back to in-process storage",
			zap.String("primary", f.primary.Name()),
			zap.String("fallback", f.fallback.Name()),
			zap.Error(err))
	}
	return true
}
