package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securordo/internal/domain"
	"securordo/internal/repository"
	"securordo/internal/store"
)

func seedNonce(t *testing.T, h *harness, nonce string, expiresAt time.Time) {
	t.Helper()
	require.NoError(t, h.ledger.Create(context.Background(), nonce, "rx-1", expiresAt))
}

func TestNonceLedger_ConsumeOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	nonce := strings.Repeat("a1", 32)
	seedNonce(t, h, nonce, testNow.Add(24*time.Hour))

	out, err := h.ledger.Consume(ctx, nonce)
	require.NoError(t, err)
	assert.Equal(t, NonceConsumed, out)

	out, err = h.ledger.Consume(ctx, nonce)
	require.NoError(t, err)
	assert.Equal(t, NonceAlreadyUsed, out)

	st, err := h.ledger.CheckValid(ctx, nonce)
	require.NoError(t, err)
	assert.True(t, st.Found)
	assert.True(t, st.Used)
	require.NotNil(t, st.UsedAt)
	assert.True(t, st.UsedAt.Equal(testNow))
}

func TestNonceLedger_NotFound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	out, err := h.ledger.Consume(ctx, strings.Repeat("0", 64))
	require.NoError(t, err)
	assert.Equal(t, NonceNotFound, out)

	st, err := h.ledger.CheckValid(ctx, strings.Repeat("0", 64))
	require.NoError(t, err)
	assert.False(t, st.Found)
}

func TestNonceLedger_ConcurrentConsume(t *testing.T) {
	h := newHarness(t)
	nonce := strings.Repeat("c3", 32)
	seedNonce(t, h, nonce, testNow.Add(time.Hour))

	const workers = 64
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = map[ConsumeOutcome]int{}
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := h.ledger.Consume(context.Background(), nonce)
			assert.NoError(t, err)
			mu.Lock()
			outcomes[out]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, outcomes[NonceConsumed])
	assert.Equal(t, workers-1, outcomes[NonceAlreadyUsed])
}

func TestNonceLedger_ExpiryBoundary(t *testing.T) {
	ctx := context.Background()
	expiresAt := testNow.Add(24 * time.Hour)

	tests := []struct {
		name    string
		at      time.Time
		want    ConsumeOutcome
		expired bool
	}{
		{"one millisecond before", expiresAt.Add(-time.Millisecond), NonceConsumed, false},
		{"exactly at expiry", expiresAt, NonceConsumed, false},
		{"one millisecond after", expiresAt.Add(time.Millisecond), NonceExpired, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			nonce := strings.Repeat("e5", 32)
			seedNonce(t, h, nonce, expiresAt)
			h.clock.Set(tt.at)

			st, err := h.ledger.CheckValid(ctx, nonce)
			require.NoError(t, err)
			assert.Equal(t, tt.expired, st.Expired)

			out, err := h.ledger.Consume(ctx, nonce)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestNonceLedger_DuplicateCreate(t *testing.T) {
	h := newHarness(t)
	nonce := strings.Repeat("d4", 32)
	seedNonce(t, h, nonce, testNow.Add(time.Hour))

	err := h.ledger.Create(context.Background(), nonce, "rx-2", testNow.Add(time.Hour))
	assert.ErrorIs(t, err, domain.ErrDuplicateNonce)
}

func TestNonceLedger_RollbackLeavesNonceUnused(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	nonce := strings.Repeat("f6", 32)
	seedNonce(t, h, nonce, testNow.Add(time.Hour))

	err := h.store.WithinTx(ctx, func(tx repository.Store) error {
		out, err := h.ledger.In(tx).Consume(ctx, nonce)
		require.NoError(t, err)
		require.Equal(t, NonceConsumed, out)
		return errors.New("dispensation insert failed")
	})
	require.Error(t, err)

	st, err := h.ledger.CheckValid(ctx, nonce)
	require.NoError(t, err)
	assert.False(t, st.Used)
}

func newTestNonceCache(t *testing.T) (*miniredis.Miniredis, *store.NonceCache) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, store.NewNonceCache(store.NewRedisKV(client), time.Hour)
}

func TestNonceLedger_CacheRemembersConsumption(t *testing.T) {
	mr, cache := newTestNonceCache(t)
	h := newHarness(t, withNonceCache(cache))
	ctx := context.Background()
	nonce := strings.Repeat("b2", 32)
	seedNonce(t, h, nonce, testNow.Add(time.Hour))

	out, err := h.ledger.Consume(ctx, nonce)
	require.NoError(t, err)
	require.Equal(t, NonceConsumed, out)
	assert.True(t, mr.Exists("securordo:nonce:used:"+nonce))

	usedAt, err := cache.UsedAt(ctx, nonce)
	require.NoError(t, err)
	assert.True(t, usedAt.Equal(testNow))

	out, err = h.ledger.Consume(ctx, nonce)
	require.NoError(t, err)
	assert.Equal(t, NonceAlreadyUsed, out)
}

func TestNonceLedger_NoCacheWriteInsideTx(t *testing.T) {
	mr, cache := newTestNonceCache(t)
	h := newHarness(t, withNonceCache(cache))
	ctx := context.Background()
	nonce := strings.Repeat("b3", 32)
	seedNonce(t, h, nonce, testNow.Add(time.Hour))

	_ = h.store.WithinTx(ctx, func(tx repository.Store) error {
		_, err := h.ledger.In(tx).Consume(ctx, nonce)
		require.NoError(t, err)
		return errors.New("abort")
	})
	assert.False(t, mr.Exists("securordo:nonce:used:"+nonce))

	out, err := h.ledger.Consume(ctx, nonce)
	require.NoError(t, err)
	assert.Equal(t, NonceConsumed, out)
}

func TestNonceLedger_CacheDownFallsBackToStore(t *testing.T) {
	mr, cache := newTestNonceCache(t)
	h := newHarness(t, withNonceCache(cache))
	ctx := context.Background()
	nonce := strings.Repeat("b4", 32)
	seedNonce(t, h, nonce, testNow.Add(time.Hour))
	mr.Close()

	out, err := h.ledger.Consume(ctx, nonce)
	require.NoError(t, err)
	assert.Equal(t, NonceConsumed, out)

	out, err = h.ledger.Consume(ctx, nonce)
	require.NoError(t, err)
	assert.Equal(t, NonceAlreadyUsed, out)
}
