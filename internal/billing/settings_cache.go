package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SettingsCache is a redis read-through in front of the repository's
// automation settings. Settings change rarely and the run loop reads them
// for every business each run, so a short TTL keeps the read load off
// postgres. A nil redis client degrades to straight repository reads.
type SettingsCache struct {
	client *redis.Client
	source SettingsPort
	ttl    time.Duration
}

// NewSettingsCache instantiates the cache helper.
func NewSettingsCache(client *redis.Client, source SettingsPort, ttl time.Duration) *SettingsCache {
	return &SettingsCache{client: client, source: source, ttl: ttl}
}

func settingsKey(businessID int64) string {
	return fmt.Sprintf("billing:settings:%d", businessID)
}

// GetAutomationSettings loads cached settings or populates them from the
// underlying source. Cache write failures are not fatal; the loaded value is
// still returned.
func (c *SettingsCache) GetAutomationSettings(ctx context.Context, businessID int64) (AutomationSettings, error) {
	if c == nil || c.client == nil {
		return c.source.GetAutomationSettings(ctx, businessID)
	}
	key := settingsKey(businessID)
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var settings AutomationSettings
		if err := json.Unmarshal(payload, &settings); err == nil {
			return settings, nil
		}
		// Unreadable entry; fall through and repopulate.
	} else if err != redis.Nil {
		return c.source.GetAutomationSettings(ctx, businessID)
	}

	settings, err := c.source.GetAutomationSettings(ctx, businessID)
	if err != nil {
		return AutomationSettings{}, err
	}
	if raw, err := json.Marshal(settings); err == nil {
		_ = c.client.Set(ctx, key, raw, c.ttl).Err()
	}
	return settings, nil
}

// Invalidate drops the cached settings for one business, typically after a
// settings update elsewhere in the platform.
func (c *SettingsCache) Invalidate(ctx context.Context, businessID int64) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Del(ctx, settingsKey(businessID)).Err()
}
