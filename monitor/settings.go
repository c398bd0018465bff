package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SettingsStore is the sqlite-backed SuppressionStore. The settings table is
// read once in the background at construction; every accessor waits for that
// initial load so callers never race it.
type SettingsStore struct {
	db    *gorm.DB
	ready chan struct{}

	loadErr error

	mu    sync.Mutex
	cache map[string]string
}

func NewSettingsStore(db *gorm.DB) *SettingsStore {
	s := &SettingsStore{
		db:    db,
		ready: make(chan struct{}),
		cache: make(map[string]string),
	}
	go s.load()
	return s
}

func (s *SettingsStore) load() {
	defer close(s.ready)
	var records []SettingRecord
	if err := s.db.Find(&records).Error; err != nil {
		s.loadErr = fmt.Errorf("load settings: %w", err)
		return
	}
	s.mu.Lock()
	for _, r := range records {
		s.cache[r.Key] = r.Value
	}
	s.mu.Unlock()
}

func (s *SettingsStore) Ready(ctx context.Context) error {
	select {
	case <-s.ready:
		return s.loadErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SettingsStore) get(ctx context.Context, key string) (string, bool, error) {
	if err := s.Ready(ctx); err != nil {
		return "", false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.cache[key]
	return v, ok, nil
}

func (s *SettingsStore) set(ctx context.Context, key string, value string) error {
	if err := s.Ready(ctx); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&SettingRecord{Key: key, Value: value}).Error
	if err != nil {
		return fmt.Errorf("persist setting %q: %w", key, err)
	}
	s.mu.Lock()
	s.cache[key] = value
	s.mu.Unlock()
	return nil
}

func (s *SettingsStore) DismissedIDs(ctx context.Context) ([]string, error) {
	raw, ok, err := s.get(ctx, SettingKeyDismissedIDs)
	if err != nil {
		return nil, err
	}
	if !ok || raw == "" {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("decode dismissed ids: %w", err)
	}
	return ids, nil
}

func (s *SettingsStore) SaveDismissedIDs(ctx context.Context, ids []string) error {
	if ids == nil {
		ids = []string{}
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return s.set(ctx, SettingKeyDismissedIDs, string(raw))
}

func (s *SettingsStore) RestoreOnNewApplication(ctx context.Context) (bool, error) {
	raw, ok, err := s.get(ctx, SettingKeyRestoreOnNewApp)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return raw == "true", nil
}

func (s *SettingsStore) SetRestoreOnNewApplication(ctx context.Context, v bool) error {
	raw := "false"
	if v {
		raw = "true"
	}
	return s.set(ctx, SettingKeyRestoreOnNewApp, raw)
}

// RecordPoll archives one poll outcome.
func (s *SettingsStore) RecordPoll(ctx context.Context, rec PollRecord) error {
	return s.db.WithContext(ctx).Create(&rec).Error
}

// RecentPolls returns the newest poll records, most recent first.
func (s *SettingsStore) RecentPolls(ctx context.Context, limit int) ([]PollRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []PollRecord
	err := s.db.WithContext(ctx).Order("id desc").Limit(limit).Find(&out).Error
	return out, err
}
