package threads

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/vanish/internal/store"
	"go.uber.org/zap"
)

const threadKeyPrefix = "thread:"

var (
	errMissingStore      = errors.New("store is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingMutation   = errors.New("mutation is required")
	noOpLogger           = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "threads.service.new"
	opCreate     = "threads.create"
	opGet        = "threads.get"
	opApply      = "threads.apply"
	opDelete     = "threads.delete"

	reasonMissingStore      = "missing_store"
	reasonMissingIDProvider = "missing_id_provider"
	reasonMissingMutation   = "missing_mutation"
	reasonIDGeneration      = "id_generation_failed"
	reasonEncodeFailed      = "encode_failed"
	reasonDecodeFailed      = "decode_failed"
	reasonStorePutFailed    = "store_put_failed"
	reasonStoreGetFailed    = "store_get_failed"
	reasonStoreTTLFailed    = "store_ttl_failed"
	reasonStoreDeleteFailed = "store_delete_failed"

	fieldThreadID = "thread_id"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Store      store.Store
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service owns every read-modify-write of persisted threads. Mutations of the
// same thread id are serialized; different ids proceed in parallel.
type Service struct {
	store      store.Store
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	locks      *keyedLocker
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, reasonMissingStore, errMissingStore)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, reasonMissingIDProvider, errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		store:      cfg.Store,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		locks:      newKeyedLocker(),
	}, nil
}

// Snapshot is a thread as read by the control plane together with its remaining lifetime.
type Snapshot struct {
	Thread   Thread
	TimeLeft time.Duration
}

// Create persists a fresh thread whose lifetime is the clamped timer.
func (s *Service) Create(ctx context.Context, timerHours int) (Thread, error) {
	threadID, err := s.idProvider.NewThreadID()
	if err != nil {
		s.logError(opCreate, reasonIDGeneration, err)
		return Thread{}, newServiceError(opCreate, reasonIDGeneration, err)
	}

	thread := Thread{
		ID:           threadID.String(),
		CreatedAt:    s.nowMillis(),
		TimerHours:   ClampTimerHours(timerHours),
		Participants: []string{},
		Messages:     []Message{},
	}
	payload, err := json.Marshal(thread)
	if err != nil {
		s.logError(opCreate, reasonEncodeFailed, err, zap.String(fieldThreadID, thread.ID))
		return Thread{}, newServiceError(opCreate, reasonEncodeFailed, err)
	}
	if err := s.store.Put(ctx, threadKey(threadID), payload, thread.TTL()); err != nil {
		s.logError(opCreate, reasonStorePutFailed, err, zap.String(fieldThreadID, thread.ID))
		return Thread{}, newServiceError(opCreate, reasonStorePutFailed, err)
	}
	return thread, nil
}

// Get returns the stored thread and its remaining lifetime. The boolean is
// false when the thread is absent for any reason.
func (s *Service) Get(ctx context.Context, threadID ThreadID) (Snapshot, bool, error) {
	thread, found, err := s.load(ctx, opGet, threadID)
	if err != nil || !found {
		return Snapshot{}, false, err
	}
	remaining, found, err := s.store.RemainingTTL(ctx, threadKey(threadID))
	if err != nil {
		s.logError(opGet, reasonStoreTTLFailed, err, zap.String(fieldThreadID, threadID.String()))
		return Snapshot{}, false, newServiceError(opGet, reasonStoreTTLFailed, err)
	}
	if !found {
		return Snapshot{}, false, nil
	}
	if remaining < 0 {
		remaining = 0
	}
	return Snapshot{Thread: thread, TimeLeft: remaining}, true, nil
}

// Mutation edits a loaded thread in place. Returning false skips the write.
type Mutation func(thread *Thread) (bool, error)

// Change describes one serialized read-modify-write.
type Change struct {
	Mutate Mutation
	// CheckAutoDelete evaluates the all-read rule after the mutation.
	CheckAutoDelete bool
	// Publish runs while the thread lock is still held, so broadcasts issued
	// from it are ordered consistently with every other change to the thread.
	Publish func(Outcome)
}

// Outcome reports what a Change did.
type Outcome struct {
	Thread Thread
	// Found is false when the thread was absent or expired before the write.
	Found bool
	// Written reports that the mutated thread was persisted with a re-armed TTL.
	Written bool
	// Deleted reports that this change removed the thread via the all-read rule.
	Deleted bool
}

// Apply runs change against the stored thread under the thread's lock.
// Errors returned by the mutation are passed through unchanged.
func (s *Service) Apply(ctx context.Context, threadID ThreadID, change Change) (Outcome, error) {
	if change.Mutate == nil {
		return Outcome{}, newServiceError(opApply, reasonMissingMutation, errMissingMutation)
	}
	unlock := s.locks.lock(threadID.String())
	defer unlock()

	thread, found, err := s.load(ctx, opApply, threadID)
	if err != nil || !found {
		return Outcome{}, err
	}

	persist, err := change.Mutate(&thread)
	if err != nil {
		return Outcome{Thread: thread, Found: true}, err
	}
	if !persist {
		return Outcome{Thread: thread, Found: true}, nil
	}

	outcome := Outcome{Thread: thread, Found: true}
	if change.CheckAutoDelete && ShouldAutoDelete(thread) {
		removed, err := s.store.Delete(ctx, threadKey(threadID))
		if err != nil {
			s.logError(opApply, reasonStoreDeleteFailed, err, zap.String(fieldThreadID, threadID.String()))
			return Outcome{}, newServiceError(opApply, reasonStoreDeleteFailed, err)
		}
		outcome.Found = removed
		outcome.Deleted = removed
		if removed {
			s.logger.Info("thread auto-deleted",
				zap.String(fieldThreadID, threadID.String()),
				zap.String("reason", string(ReasonBothRead)))
		}
	} else {
		payload, err := json.Marshal(thread)
		if err != nil {
			s.logError(opApply, reasonEncodeFailed, err, zap.String(fieldThreadID, threadID.String()))
			return Outcome{}, newServiceError(opApply, reasonEncodeFailed, err)
		}
		written, err := s.store.Replace(ctx, threadKey(threadID), payload, thread.TTL())
		if err != nil {
			s.logError(opApply, reasonStorePutFailed, err, zap.String(fieldThreadID, threadID.String()))
			return Outcome{}, newServiceError(opApply, reasonStorePutFailed, err)
		}
		outcome.Found = written
		outcome.Written = written
	}

	if outcome.Found && change.Publish != nil {
		change.Publish(outcome)
	}
	return outcome, nil
}

// Delete removes the thread. publish runs under the thread lock with whether
// this call removed it, so at most one caller ever observes true.
func (s *Service) Delete(ctx context.Context, threadID ThreadID, publish func(removed bool)) (bool, error) {
	unlock := s.locks.lock(threadID.String())
	defer unlock()

	removed, err := s.store.Delete(ctx, threadKey(threadID))
	if err != nil {
		s.logError(opDelete, reasonStoreDeleteFailed, err, zap.String(fieldThreadID, threadID.String()))
		return false, newServiceError(opDelete, reasonStoreDeleteFailed, err)
	}
	if publish != nil {
		publish(removed)
	}
	return removed, nil
}

// OnExpire subscribes handler to TTL expiry of thread keys. The handler runs
// under the expired thread's lock.
func (s *Service) OnExpire(handler func(ThreadID)) {
	if handler == nil {
		return
	}
	s.store.OnExpire(func(key string) {
		threadID, ok := threadIDFromKey(key)
		if !ok {
			return
		}
		unlock := s.locks.lock(threadID.String())
		defer unlock()
		s.logger.Info("thread expired", zap.String(fieldThreadID, threadID.String()))
		handler(threadID)
	})
}

// StoreName reports the backend currently serving requests.
func (s *Service) StoreName() string {
	return s.store.Name()
}

// NewMessageID issues an identifier for a message about to be appended.
func (s *Service) NewMessageID() (MessageID, error) {
	return s.idProvider.NewMessageID()
}

// NowMillis returns the service clock in unix milliseconds.
func (s *Service) NowMillis() int64 {
	return s.nowMillis()
}

func (s *Service) load(ctx context.Context, operation string, threadID ThreadID) (Thread, bool, error) {
	payload, found, err := s.store.Get(ctx, threadKey(threadID))
	if err != nil {
		s.logError(operation, reasonStoreGetFailed, err, zap.String(fieldThreadID, threadID.String()))
		return Thread{}, false, newServiceError(operation, reasonStoreGetFailed, err)
	}
	if !found {
		return Thread{}, false, nil
	}
	var thread Thread
	if err := json.Unmarshal(payload, &thread); err != nil {
		s.logError(operation, reasonDecodeFailed, err, zap.String(fieldThreadID, threadID.String()))
		return Thread{}, false, newServiceError(operation, reasonDecodeFailed, err)
	}
	thread.normalize()
	return thread, true, nil
}

func (s *Service) nowMillis() int64 {
	return s.clock().UnixMilli()
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("threads service error", attrs...)
}

func threadKey(threadID ThreadID) string {
	return threadKeyPrefix + threadID.String()
}

func threadIDFromKey(key string) (ThreadID, bool) {
	if !strings.HasPrefix(key, threadKeyPrefix) {
		return "", false
	}
	threadID, err := NewThreadID(strings.TrimPrefix(key, threadKeyPrefix))
	if err != nil {
		return "", false
	}
	return threadID, true
}
