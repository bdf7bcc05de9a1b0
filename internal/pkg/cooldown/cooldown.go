package cooldown

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "chronoz:cooldown:"

// Cooldown allows an action once per window per subject.
type Cooldown struct {
	rdb    *redis.Client
	scope  string
	window time.Duration
}

func New(rdb *redis.Client, scope string, window time.Duration) *Cooldown {
	if window <= 0 {
		window = time.Minute
	}
	return &Cooldown{
		rdb:    rdb,
		scope:  scope,
		window: window,
	}
}

// Acquire starts the window for subject. When a window is already running it
// returns false and the time left.
func (c *Cooldown) Acquire(ctx context.Context, subject string) (bool, time.Duration, error) {
	if c == nil || c.rdb == nil || subject == "" {
		return true, 0, nil
	}
	key := c.key(subject)
	ok, err := c.rdb.SetNX(ctx, key, "1", c.window).Result()
	if err != nil {
		return false, 0, fmt.Errorf("cooldown setnx: %w", err)
	}
	if ok {
		return true, 0, nil
	}
	left, err := c.rdb.PTTL(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("cooldown pttl: %w", err)
	}
	if left < 0 {
		left = 0
	}
	return false, left, nil
}

// Release clears subject's window, e.g. when the guarded action failed.
func (c *Cooldown) Release(ctx context.Context, subject string) error {
	if c == nil || c.rdb == nil || subject == "" {
		return nil
	}
	if err := c.rdb.Del(ctx, c.key(subject)).Err(); err != nil {
		return fmt.Errorf("cooldown del: %w", err)
	}
	return nil
}

func (c *Cooldown) key(subject string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(subject)))
	return keyPrefix + c.scope + ":" + hex.EncodeToString(sum[:])
}
