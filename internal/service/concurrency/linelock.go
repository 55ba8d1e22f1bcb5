package concurrency

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// LineLock keeps one call per agent across workstations using a Redis key
// owned by the session that set it.
type LineLock struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewLineLock constructs a line lock. The ttl bounds how long a crashed
// process can keep an agent's line busy.
func NewLineLock(client redis.Cmdable, ttl time.Duration) *LineLock {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &LineLock{client: client, ttl: ttl}
}

// Acquire claims the agent's line for sessionID. It reports false when
// another session holds it.
func (l *LineLock) Acquire(ctx context.Context, agentID, sessionID string) (bool, error) {
	if agentID == "" {
		return true, nil
	}
	ok, err := l.client.SetNX(ctx, l.key(agentID), sessionID, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("line lock acquire: %w", err)
	}
	return ok, nil
}

// Release frees the line if sessionID still owns it.
func (l *LineLock) Release(ctx context.Context, agentID, sessionID string) error {
	if agentID == "" {
		return nil
	}
	if err := releaseScript.Run(ctx, l.client, []string{l.key(agentID)}, sessionID).Err(); err != nil {
		return fmt.Errorf("line lock release: %w", err)
	}
	return nil
}

// Holder returns the session currently holding the agent's line, or "".
func (l *LineLock) Holder(ctx context.Context, agentID string) (string, error) {
	v, err := l.client.Get(ctx, l.key(agentID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("line lock holder: %w", err)
	}
	return v, nil
}

func (l *LineLock) key(agentID string) string {
	return fmt.Sprintf("telecall:agent:%s:line", agentID)
}
