package notification

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/technohome/doorbell-hub/internal/data"
)

// alertDedup rate-limits notifications per (device, kind) with a TTL'd LRU.
type alertDedup struct {
	cache *lru.Cache[string, time.Time]
	ttl   time.Duration
}

func newAlertDedup(maxKeys int, ttl time.Duration) *alertDedup {
	c, _ := lru.New[string, time.Time](maxKeys)
	return &alertDedup{cache: c, ttl: ttl}
}

func (d *alertDedup) suppress(deviceID int64, kind data.AlertKind) bool {
	key := fmt.Sprintf("%d|%d", deviceID, kind)
	if sentAt, ok := d.cache.Get(key); ok {
		if time.Since(sentAt) < d.ttl {
			return true
		}
	}
	d.cache.Add(key, time.Now())
	return false
}
