package store

import (
	"context"
	"errors"
	"time"
)

const nonceUsedPrefix = "securordo:nonce:used:"

// NonceCache remembers consumed nonces so replays are rejected without a
// database round trip. It can only ever say "used": a miss means "ask the
// ledger", never "unused".
type NonceCache struct {
	kv  KV
	ttl time.Duration
}

func NewNonceCache(kv KV, ttl time.Duration) *NonceCache {
	return &NonceCache{kv: kv, ttl: ttl}
}

// MarkUsed records that nonce was consumed at usedAt.
func (c *NonceCache) MarkUsed(ctx context.Context, nonce string, usedAt time.Time) error {
	return c.kv.Set(ctx, nonceUsedPrefix+nonce, usedAt.UTC().Format(time.RFC3339Nano), c.ttl)
}

// UsedAt returns when nonce was consumed, or ErrMiss.
func (c *NonceCache) UsedAt(ctx context.Context, nonce string) (time.Time, error) {
	v, err := c.kv.Get(ctx, nonceUsedPrefix+nonce)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		// unreadable marker: fall back to the ledger
		_ = c.kv.Del(ctx, nonceUsedPrefix+nonce)
		return time.Time{}, ErrMiss
	}
	return t, nil
}

// IsMiss reports whether err is a plain cache miss.
func IsMiss(err error) bool {
	return errors.Is(err, ErrMiss)
}
