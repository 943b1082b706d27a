package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledLimiterAllows(t *testing.T) {
	var limiter *Limiter
	assert.False(t, limiter.Enabled())

	limiter = &Limiter{}
	res, err := limiter.Allow(context.Background(), ScopePurchase, "user-1")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	token, ok, err := limiter.TryLockPurchase(context.Background(), "user-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, token)
	assert.NoError(t, limiter.ReleasePurchase(context.Background(), "user-1", token))
}

func TestParseBucketResult(t *testing.T) {
	res, err := parseBucketResult([]any{int64(1), "3.5", int64(1_700_000_000_000)}, 0.5, 5)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 3, res.Remaining)
	assert.Equal(t, 5, res.Limit)
	assert.Zero(t, res.RetryAfter)

	denied, err := parseBucketResult([]any{int64(0), "0.5", int64(1_700_000_000_000)}, 0.5, 5)
	require.NoError(t, err)
	assert.False(t, denied.Allowed)
	assert.Equal(t, time.Second, denied.RetryAfter)
	assert.Equal(t, time.UnixMilli(1_700_000_000_000).Add(time.Second), denied.ResetTime)

	_, err = parseBucketResult([]any{int64(1)}, 1, 1)
	assert.Error(t, err)
}

func TestTokenBucketValidation(t *testing.T) {
	var bucket *TokenBucket
	_, err := bucket.Allow(context.Background(), "k", 1, 1)
	assert.Error(t, err)
	assert.Nil(t, NewTokenBucket(nil))
}

func TestDefaultBucketTTL(t *testing.T) {
	assert.Equal(t, 20*time.Second, defaultBucketTTL(0.5, 5))
	assert.Equal(t, time.Second, defaultBucketTTL(100, 1))
	assert.Equal(t, time.Second, defaultBucketTTL(0, 0))
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "credits:purchase:account:user-1", bucketKey(ScopePurchase, " user-1 "))
	assert.Equal(t, "credits:verify:account:user-1", bucketKey(ScopeVerify, "user-1"))
	assert.Equal(t, "credits:purchase:lock:user-1", purchaseLockKey("user-1"))
}
