package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subweaver/subweaver/pkg/config"
)

func testService(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()
	m := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, config.DedupConfig{Window: 30 * time.Minute}), m
}

func TestCheckAndRegisterOriginal(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()
	jobID := uuid.New().String()

	res := svc.CheckAndRegister(ctx, "/media/a.mp4", "en", jobID)
	assert.False(t, res.IsDuplicate)
	assert.Empty(t, res.ExistingJobID)
}

func TestCheckAndRegisterDuplicate(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()
	first := uuid.New().String()
	second := uuid.New().String()

	res := svc.CheckAndRegister(ctx, "/media/a.mp4", "en", first)
	require.False(t, res.IsDuplicate)

	res = svc.CheckAndRegister(ctx, "/media/a.mp4", "en", second)
	assert.True(t, res.IsDuplicate)
	assert.Equal(t, first, res.ExistingJobID)
}

func TestDifferentLanguageIsNotDuplicate(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	res := svc.CheckAndRegister(ctx, "/media/a.mp4", "en", uuid.New().String())
	require.False(t, res.IsDuplicate)

	res = svc.CheckAndRegister(ctx, "/media/a.mp4", "he", uuid.New().String())
	assert.False(t, res.IsDuplicate)
}

func TestTokenExpires(t *testing.T) {
	svc, m := testService(t)
	ctx := context.Background()

	res := svc.CheckAndRegister(ctx, "/media/a.mp4", "en", uuid.New().String())
	require.False(t, res.IsDuplicate)

	m.FastForward(31 * time.Minute)

	res = svc.CheckAndRegister(ctx, "/media/a.mp4", "en", uuid.New().String())
	assert.False(t, res.IsDuplicate)
}

func TestMalformedTokenOverwritten(t *testing.T) {
	svc, m := testService(t)
	ctx := context.Background()
	jobID := uuid.New().String()

	require.NoError(t, m.Set(Key("/media/a.mp4", "en"), "not-a-job-id"))

	res := svc.CheckAndRegister(ctx, "/media/a.mp4", "en", jobID)
	assert.False(t, res.IsDuplicate)

	stored, err := m.Get(Key("/media/a.mp4", "en"))
	require.NoError(t, err)
	assert.Equal(t, jobID, stored)
}

func TestStoreUnavailableDegradesToOriginal(t *testing.T) {
	svc, m := testService(t)
	m.Close()

	res := svc.CheckAndRegister(context.Background(), "/media/a.mp4", "en", uuid.New().String())
	assert.False(t, res.IsDuplicate)
}

func TestRelease(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	res := svc.CheckAndRegister(ctx, "/media/a.mp4", "en", uuid.New().String())
	require.False(t, res.IsDuplicate)

	svc.Release(ctx, "/media/a.mp4", "en")

	res = svc.CheckAndRegister(ctx, "/media/a.mp4", "en", uuid.New().String())
	assert.False(t, res.IsDuplicate)
}
