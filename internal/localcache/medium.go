package localcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Medium is durable per-device key-value storage. Get reports found=false for absent keys.
type Medium interface {
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// KVEntry is a row of the SQLite-backed medium.
type KVEntry struct {
	Key              string `gorm:"column:kv_key;primaryKey;size:190;not null"`
	Value            string `gorm:"column:value;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (KVEntry) TableName() string {
	return "local_kv"
}

// SQLiteMedium keeps keys in a local SQLite file, the device analogue of browser storage.
type SQLiteMedium struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewSQLiteMedium wraps a database whose schema includes KVEntry.
func NewSQLiteMedium(db *gorm.DB) (*SQLiteMedium, error) {
	if db == nil {
		return nil, errors.New("localcache: database handle is required")
	}
	return &SQLiteMedium{db: db, clock: time.Now}, nil
}

func (m *SQLiteMedium) Get(ctx context.Context, key string) (string, bool, error) {
	var entry KVEntry
	err := m.db.WithContext(ctx).Where("kv_key = ?", key).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return entry.Value, true, nil
}

func (m *SQLiteMedium) Set(ctx context.Context, key, value string) error {
	entry := KVEntry{Key: key, Value: value, UpdatedAtSeconds: m.clock().UTC().Unix()}
	return m.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "kv_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at_s"}),
	}).Create(&entry).Error
}

func (m *SQLiteMedium) Delete(ctx context.Context, key string) error {
	return m.db.WithContext(ctx).Where("kv_key = ?", key).Delete(&KVEntry{}).Error
}

// RedisMedium keeps keys in Redis without expiry.
type RedisMedium struct {
	client redis.UniversalClient
}

// NewRedisMedium wraps an existing client.
func NewRedisMedium(client redis.UniversalClient) (*RedisMedium, error) {
	if client == nil {
		return nil, errors.New("localcache: redis client is required")
	}
	return &RedisMedium{client: client}, nil
}

// NewRedisClient parses a redis:// URL and verifies connectivity.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(options)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

func (m *RedisMedium) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := m.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (m *RedisMedium) Set(ctx context.Context, key, value string) error {
	return m.client.Set(ctx, key, value, 0).Err()
}

func (m *RedisMedium) Delete(ctx context.Context, key string) error {
	return m.client.Del(ctx, key).Err()
}

// MemoryMedium keeps keys in process memory; contents vanish on exit.
type MemoryMedium struct {
	store *gocache.Cache
}

// NewMemoryMedium constructs an empty in-memory medium.
func NewMemoryMedium() *MemoryMedium {
	return &MemoryMedium{store: gocache.New(gocache.NoExpiration, 0)}
}

func (m *MemoryMedium) Get(_ context.Context, key string) (string, bool, error) {
	raw, found := m.store.Get(key)
	if !found {
		return "", false, nil
	}
	value, ok := raw.(string)
	if !ok {
		return "", false, fmt.Errorf("localcache: unexpected value type %T", raw)
	}
	return value, true, nil
}

func (m *MemoryMedium) Set(_ context.Context, key, value string) error {
	m.store.Set(key, value, gocache.NoExpiration)
	return nil
}

func (m *MemoryMedium) Delete(_ context.Context, key string) error {
	m.store.Delete(key)
	return nil
}
