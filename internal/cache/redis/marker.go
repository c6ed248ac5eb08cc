package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/spotguard/internal/domain"
)

// Lua script: delete the key only if it still holds our value.
const releaseLua = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// Lua script: extend the TTL only if the key still holds our value.
const refreshLua = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`

var (
	releaseScript = redis.NewScript(releaseLua)
	refreshScript = redis.NewScript(refreshLua)
)

// Marker is a single-holder key with a TTL. The value written on Acquire
// identifies the holder; Refresh and Release only act while the key still
// holds that exact value.
type Marker struct {
	rdb *redis.Client
	key string
	ttl time.Duration
}

// NewMarker creates a Marker on name under the client's prefix.
func NewMarker(c *Client, name string, ttl time.Duration) *Marker {
	return &Marker{rdb: c.Underlying(), key: c.Key("marker", name), ttl: ttl}
}

// Key returns the fully qualified Redis key.
func (m *Marker) Key() string { return m.key }

// TTL returns the marker's expiry.
func (m *Marker) TTL() time.Duration { return m.ttl }

// Acquire sets the marker to value if nobody holds it. It returns
// domain.ErrLockHeld when the key already exists.
func (m *Marker) Acquire(ctx context.Context, value []byte) error {
	ok, err := m.rdb.SetNX(ctx, m.key, value, m.ttl).Result()
	if err != nil {
		return fmt.Errorf("redis: acquire marker %s: %w", m.key, err)
	}
	if !ok {
		return fmt.Errorf("redis: acquire marker %s: %w", m.key, domain.ErrLockHeld)
	}
	return nil
}

// Holder returns the current marker value, or ErrNotFound.
func (m *Marker) Holder(ctx context.Context) ([]byte, error) {
	b, err := m.rdb.Get(ctx, m.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis: get marker %s: %w", m.key, err)
	}
	return b, nil
}

// Refresh extends the TTL while value is still the holder. It returns
// domain.ErrLockLost once the key expired or changed hands.
func (m *Marker) Refresh(ctx context.Context, value []byte) error {
	n, err := refreshScript.Run(ctx, m.rdb, []string{m.key}, value, m.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("redis: refresh marker %s: %w", m.key, err)
	}
	if n == 0 {
		return fmt.Errorf("redis: refresh marker %s: %w", m.key, domain.ErrLockLost)
	}
	return nil
}

// Release deletes the marker if value is still the holder. Releasing a
// marker held by someone else is a no-op.
func (m *Marker) Release(ctx context.Context, value []byte) error {
	if err := releaseScript.Run(ctx, m.rdb, []string{m.key}, value).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis: release marker %s: %w", m.key, err)
	}
	return nil
}
