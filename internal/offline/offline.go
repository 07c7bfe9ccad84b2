// Package offline caches data blobs for devices that are about to go
// offline, keyed per user, device and cache key with a TTL.
package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	apperrors "github.com/alexjbarnes/campus-sync/internal/errors"
	"github.com/alexjbarnes/campus-sync/internal/models"
	"github.com/alexjbarnes/campus-sync/internal/state"
	"golang.org/x/text/unicode/norm"
)

const (
	maxCacheKeyLen = 256

	// DefaultTTL applies when the cache is created without a TTL.
	DefaultTTL = 24 * time.Hour
)

// Cache stores OfflineData entries.
type Cache struct {
	state  *state.State
	logger *slog.Logger
	ttl    time.Duration
	now    func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a Cache. A non-positive ttl uses DefaultTTL.
func New(st *state.State, ttl time.Duration, logger *slog.Logger, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	c := &Cache{
		state:  st,
		logger: logger,
		ttl:    ttl,
		now:    func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func normalizeKey(deviceID, cacheKey string) (string, error) {
	if strings.TrimSpace(deviceID) == "" {
		return "", fmt.Errorf("deviceId is required: %w", apperrors.ErrValidation)
	}

	key := norm.NFC.String(strings.TrimSpace(cacheKey))
	if key == "" || len(key) > maxCacheKeyLen {
		return "", fmt.Errorf("cacheKey must be 1-%d bytes: %w", maxCacheKeyLen, apperrors.ErrValidation)
	}

	if models.HasControl(deviceID) || models.HasControl(key) {
		return "", fmt.Errorf("deviceId and cacheKey must not contain control characters: %w", apperrors.ErrValidation)
	}

	return key, nil
}

// Store writes data under the key, replacing any previous entry. A
// non-positive ttlSeconds uses the cache's default TTL.
func (c *Cache) Store(ctx context.Context, p models.Principal, deviceID, cacheKey string, data json.RawMessage, ttlSeconds int) (*models.OfflineData, error) {
	key, err := normalizeKey(deviceID, cacheKey)
	if err != nil {
		return nil, err
	}

	if !json.Valid(data) {
		return nil, fmt.Errorf("data must be valid JSON: %w", apperrors.ErrValidation)
	}

	ttl := c.ttl
	if ttlSeconds > 0 {
		ttl = time.Duration(ttlSeconds) * time.Second
	}

	now := c.now()
	entry := &models.OfflineData{
		UserID:    p.UserID,
		TenantID:  p.TenantID,
		DeviceID:  deviceID,
		CacheKey:  key,
		Data:      data,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := c.state.PutOffline(entry); err != nil {
		return nil, fmt.Errorf("storing offline data: %w", err)
	}

	return entry, nil
}

// Fetch returns a live entry. Absent and expired entries are NotFound;
// expired ones are deleted on the way out.
func (c *Cache) Fetch(ctx context.Context, p models.Principal, deviceID, cacheKey string) (*models.OfflineData, error) {
	key, err := normalizeKey(deviceID, cacheKey)
	if err != nil {
		return nil, err
	}

	entry, err := c.state.GetOffline(p.UserID, deviceID, key)
	if err != nil {
		return nil, fmt.Errorf("reading offline data: %w", err)
	}

	if entry == nil || entry.TenantID != p.TenantID {
		return nil, fmt.Errorf("offline data %s: %w", key, apperrors.ErrNotFound)
	}

	if entry.Expired(c.now()) {
		if _, err := c.state.DeleteOffline(p.UserID, deviceID, key); err != nil {
			c.logger.Warn("deleting expired offline data",
				slog.String("cache_key", key),
				slog.String("error", err.Error()),
			)
		}

		return nil, fmt.Errorf("offline data %s expired: %w", key, apperrors.ErrNotFound)
	}

	return entry, nil
}

// Delete removes an entry. Deleting an absent entry is NotFound.
func (c *Cache) Delete(ctx context.Context, p models.Principal, deviceID, cacheKey string) error {
	key, err := normalizeKey(deviceID, cacheKey)
	if err != nil {
		return err
	}

	existed, err := c.state.DeleteOffline(p.UserID, deviceID, key)
	if err != nil {
		return fmt.Errorf("deleting offline data: %w", err)
	}

	if !existed {
		return fmt.Errorf("offline data %s: %w", key, apperrors.ErrNotFound)
	}

	return nil
}

// Keys lists the live cache keys of one of the caller's devices, sorted.
func (c *Cache) Keys(ctx context.Context, p models.Principal, deviceID string) ([]string, error) {
	entries, err := c.state.OfflineEntries(p.UserID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("listing offline data: %w", err)
	}

	now := c.now()
	keys := make([]string, 0, len(entries))

	for i := range entries {
		if entries[i].TenantID == p.TenantID && !entries[i].Expired(now) {
			keys = append(keys, entries[i].CacheKey)
		}
	}

	sort.Strings(keys)

	return keys, nil
}

// PurgeExpired deletes every expired entry.
func (c *Cache) PurgeExpired(ctx context.Context) (int, error) {
	n, err := c.state.PurgeOffline(c.now())
	if err != nil {
		return 0, fmt.Errorf("purging offline data: %w", err)
	}

	if n > 0 {
		c.logger.Debug("purged expired offline data", slog.Int("count", n))
	}

	return n, nil
}

// Run purges expired entries every interval until ctx is cancelled.
func (c *Cache) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := c.PurgeExpired(ctx); err != nil {
				c.logger.Warn("offline cache sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}
