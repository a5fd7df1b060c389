package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	backendSQLite        = "sqlite"
	defaultSweepInterval = time.Second
	columnEntryKey       = "entry_key"
	columnExpiresAt      = "expires_at_ms"
	queryLiveKey         = columnEntryKey + " = ? AND " + columnExpiresAt + " > ?"
	queryExpiredKey      = columnEntryKey + " = ? AND " + columnExpiresAt + " <= ?"
	queryExpired         = columnExpiresAt + " <= ?"
)

var errMissingDatabase = errors.New("store: database handle is required")

// Entry is one persisted key with its absolute deadline.
type Entry struct {
	Key             string `gorm:"column:entry_key;primaryKey;size:190;not null"`
	Value           []byte `gorm:"column:value;not null"`
	ExpiresAtMillis int64  `gorm:"column:expires_at_ms;not null;index:idx_ephemeral_entries_expiry"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "ephemeral_entries"
}

// SQLiteConfig describes the dependencies of the on-disk backend.
type SQLiteConfig struct {
	Database      *gorm.DB
	Clock         func() time.Time
	SweepInterval time.Duration
	Logger        *zap.Logger
}

// SQLite keeps entries in a table and removes expired rows with a periodic sweep.
// Reads never return a row past its deadline, even before the sweep runs.
type SQLite struct {
	db       *gorm.DB
	clock    func() time.Time
	logger   *zap.Logger
	handlers expiryHandlers

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSQLite constructs the backend and starts its sweeper. The schema must
// already be migrated (see database.OpenSQLite).
func NewSQLite(cfg SQLiteConfig) (*SQLite, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = defaultSweepInterval
	}

	backend := &SQLite{
		db:     cfg.Database,
		clock:  clock,
		logger: logger,
		stop:   make(chan struct{}),
	}
	backend.wg.Add(1)
	go backend.sweepLoop(interval)
	return backend, nil
}

func (s *SQLite) Name() string {
	return backendSQLite
}

func (s *SQLite) OnExpire(handler ExpiryHandler) {
	s.handlers.add(handler)
}

func (s *SQLite) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := validateTTL(ttl); err != nil {
		return err
	}
	entry := Entry{
		Key:             key,
		Value:           value,
		ExpiresAtMillis: s.deadline(ttl),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: columnEntryKey}},
			DoUpdates: clause.AssignmentColumns([]string{"value", columnExpiresAt}),
		}).
		Create(&entry).Error
	if err != nil {
		return fmt.Errorf("store: sqlite put: %w", err)
	}
	return nil
}

func (s *SQLite) Replace(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := validateTTL(ttl); err != nil {
		return false, err
	}
	result := s.db.WithContext(ctx).
		Model(&Entry{}).
		Where(queryLiveKey, key, s.nowMillis()).
		Updates(map[string]any{
			"value":         value,
			columnExpiresAt: s.deadline(ttl),
		})
	if result.Error != nil {
		return false, fmt.Errorf("store: sqlite replace: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, bool, error) {
	entry, ok, err := s.liveEntry(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	return entry.Value, true, nil
}

func (s *SQLite) Delete(ctx context.Context, key string) (bool, error) {
	result := s.db.WithContext(ctx).
		Where(queryLiveKey, key, s.nowMillis()).
		Delete(&Entry{})
	if result.Error != nil {
		return false, fmt.Errorf("store: sqlite delete: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (s *SQLite) RemainingTTL(ctx context.Context, key string) (time.Duration, bool, error) {
	entry, ok, err := s.liveEntry(ctx, key)
	if err != nil || !ok {
		return 0, false, err
	}
	remaining := time.Duration(entry.ExpiresAtMillis-s.nowMillis()) * time.Millisecond
	return remaining, true, nil
}

// Close stops the sweeper. The database handle stays owned by the caller.
func (s *SQLite) Close() error {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	s.wg.Wait()
	return nil
}

// Sweep removes every expired row and notifies once per row it removed.
func (s *SQLite) Sweep(ctx context.Context) (int, error) {
	now := s.nowMillis()
	var expired []Entry
	if err := s.db.WithContext(ctx).
		Select(columnEntryKey).
		Where(queryExpired, now).
		Find(&expired).Error; err != nil {
		return 0, fmt.Errorf("store: sqlite sweep query: %w", err)
	}

	removed := 0
	for _, entry := range expired {
		result := s.db.WithContext(ctx).
			Where(queryExpiredKey, entry.Key, now).
			Delete(&Entry{})
		if result.Error != nil {
			return removed, fmt.Errorf("store: sqlite sweep delete: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			continue
		}
		removed++
		s.handlers.notify(entry.Key)
	}
	return removed, nil
}

func (s *SQLite) sweepLoop(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if _, err := s.Sweep(context.Background()); err != nil {
				s.logger.Warn("sqlite expiry sweep failed", zap.Error(err))
			}
		}
	}
}

func (s *SQLite) liveEntry(ctx context.Context, key string) (Entry, bool, error) {
	var entry Entry
	err := s.db.WithContext(ctx).
		Where(queryLiveKey, key, s.nowMillis()).
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("store: sqlite get: %w", err)
	}
	return entry, true, nil
}

func (s *SQLite) nowMillis() int64 {
	return s.clock().UnixMilli()
}

func (s *SQLite) deadline(ttl time.Duration) int64 {
	return s.clock().Add(ttl).UnixMilli()
}
