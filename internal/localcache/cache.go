package localcache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/haveibeento/internal/countries"
	"go.uber.org/zap"
)

// StorageKey is the namespaced key holding the device's visited countries.
const StorageKey = "haveibeento_visited_countries"

const probeKey = "__haveibeento_probe__"

var (
	// ErrNotAvailable marks a medium that could not be read or written.
	ErrNotAvailable = errors.New("localcache: storage medium not available")
	// ErrCorrupt marks stored content that could not be decoded.
	ErrCorrupt = errors.New("localcache: stored data is corrupt")
)

// Config describes the dependencies of a Cache.
type Config struct {
	Medium Medium
	Key    string
	Clock  func() time.Time
	Logger *zap.Logger
}

// Cache holds the anonymous visitor's visited countries on the device.
// Every failure of the medium or of decoding is logged and absorbed: reads
// degrade to "no local data" and writes report false.
type Cache struct {
	medium Medium
	key    string
	clock  func() time.Time
	logger *zap.Logger
	mu     sync.Mutex
}

// New constructs a Cache over the given medium.
func New(cfg Config) (*Cache, error) {
	if cfg.Medium == nil {
		return nil, errors.New("localcache: medium is required")
	}
	key := cfg.Key
	if key == "" {
		key = StorageKey
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{medium: cfg.Medium, key: key, clock: clock, logger: logger}, nil
}

// List returns the stored records in storage order.
func (c *Cache) List(ctx context.Context) []countries.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	records, _ := c.read(ctx)
	return records
}

// Codes projects List onto the set of country codes.
func (c *Cache) Codes(ctx context.Context) map[countries.CountryCode]struct{} {
	records := c.List(ctx)
	codes := make(map[countries.CountryCode]struct{}, len(records))
	for _, record := range records {
		codes[countries.CountryCode(record.CountryCode)] = struct{}{}
	}
	return codes
}

// Has reports whether the code is stored locally.
func (c *Cache) Has(ctx context.Context, code countries.CountryCode) bool {
	_, found := c.Codes(ctx)[code]
	return found
}

// Add appends a record stamped with the current time. It returns false when the
// code is already stored or the medium is unavailable.
func (c *Cache) Add(ctx context.Context, code countries.CountryCode, name countries.CountryName) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	records, err := c.read(ctx)
	if errors.Is(err, ErrNotAvailable) {
		return false
	}
	for _, record := range records {
		if record.CountryCode == code.String() {
			return false
		}
	}

	records = append(records, countries.Record{
		CountryCode: code.String(),
		CountryName: name.String(),
		VisitedDate: c.clock().UTC(),
	})
	return c.write(ctx, records)
}

// Remove drops the matching record. Removing an absent code still writes and
// returns true; false means the medium is unavailable.
func (c *Cache) Remove(ctx context.Context, code countries.CountryCode) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	records, err := c.read(ctx)
	if errors.Is(err, ErrNotAvailable) {
		return false
	}
	filtered := make([]countries.Record, 0, len(records))
	for _, record := range records {
		if record.CountryCode != code.String() {
			filtered = append(filtered, record)
		}
	}
	return c.write(ctx, filtered)
}

// Clear deletes every local record.
func (c *Cache) Clear(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.medium.Delete(ctx, c.key); err != nil {
		c.logger.Warn("local cache clear failed", zap.String("key", c.key), zap.Error(errors.Join(ErrNotAvailable, err)))
		return false
	}
	return true
}

// Available probes the medium with a throwaway write.
func (c *Cache) Available(ctx context.Context) bool {
	if err := c.medium.Set(ctx, probeKey, probeKey); err != nil {
		return false
	}
	return c.medium.Delete(ctx, probeKey) == nil
}

func (c *Cache) read(ctx context.Context) ([]countries.Record, error) {
	raw, found, err := c.medium.Get(ctx, c.key)
	if err != nil {
		err = errors.Join(ErrNotAvailable, err)
		c.logger.Warn("local cache read failed", zap.String("key", c.key), zap.Error(err))
		return []countries.Record{}, err
	}
	if !found || raw == "" {
		return []countries.Record{}, nil
	}

	var records []countries.Record
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		err = errors.Join(ErrCorrupt, err)
		c.logger.Warn("local cache holds unreadable data", zap.String("key", c.key), zap.Error(err))
		return []countries.Record{}, err
	}
	if records == nil {
		records = []countries.Record{}
	}
	return records, nil
}

func (c *Cache) write(ctx context.Context, records []countries.Record) bool {
	encoded, err := json.Marshal(records)
	if err != nil {
		c.logger.Warn("local cache encode failed", zap.Error(err))
		return false
	}
	if err := c.medium.Set(ctx, c.key, string(encoded)); err != nil {
		c.logger.Warn("local cache write failed", zap.String("key", c.key), zap.Error(errors.Join(ErrNotAvailable, err)))
		return false
	}
	return true
}
