// Package viewers tracks live-view sessions in Redis so the stream demand
// a device sees can be reconciled across restarts and multiple watchers.
package viewers

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// SessionTTL bounds how long a viewer entry survives without a
	// heartbeat. Heartbeats run well inside this window.
	SessionTTL = 30 * time.Second
)

type Manager struct {
	client *redis.Client
}

func NewManager(client *redis.Client) *Manager {
	return &Manager{client: client}
}

func deviceKey(deviceID int64) string {
	return fmt.Sprintf("live_viewers:%d", deviceID)
}

func viewerKey(sessionID string) string {
	return fmt.Sprintf("viewer:%s", sessionID)
}

// Register creates a viewer session for a device and returns its id.
func (m *Manager) Register(ctx context.Context, deviceID int64, remoteAddr string) (string, error) {
	sessionID := uuid.NewString()
	now := float64(time.Now().Unix())

	pipe := m.client.Pipeline()
	pipe.ZAdd(ctx, deviceKey(deviceID), redis.Z{Score: now, Member: sessionID})
	pipe.Expire(ctx, deviceKey(deviceID), SessionTTL)
	pipe.HSet(ctx, viewerKey(sessionID),
		"device_id", deviceID,
		"remote_addr", remoteAddr,
		"started_at", now,
	)
	pipe.Expire(ctx, viewerKey(sessionID), SessionTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return "", err
	}
	return sessionID, nil
}

// Heartbeat refreshes a session's score and TTLs.
func (m *Manager) Heartbeat(ctx context.Context, deviceID int64, sessionID string) error {
	now := float64(time.Now().Unix())

	pipe := m.client.Pipeline()
	pipe.ZAdd(ctx, deviceKey(deviceID), redis.Z{Score: now, Member: sessionID})
	pipe.Expire(ctx, deviceKey(deviceID), SessionTTL)
	pipe.Expire(ctx, viewerKey(sessionID), SessionTTL)

	_, err := pipe.Exec(ctx)
	return err
}

// Drop removes a session immediately.
func (m *Manager) Drop(ctx context.Context, deviceID int64, sessionID string) error {
	pipe := m.client.Pipeline()
	pipe.Del(ctx, viewerKey(sessionID))
	pipe.ZRem(ctx, deviceKey(deviceID), sessionID)
	_, err := pipe.Exec(ctx)
	return err
}

// Count returns the number of live viewers for a device, after sweeping
// entries whose heartbeat went stale.
func (m *Manager) Count(ctx context.Context, deviceID int64) (int64, error) {
	cutoff := float64(time.Now().Add(-SessionTTL).Unix())

	pipe := m.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, deviceKey(deviceID), "-inf", fmt.Sprintf("%f", cutoff))
	card := pipe.ZCard(ctx, deviceKey(deviceID))

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return card.Val(), nil
}
