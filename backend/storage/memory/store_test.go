package memory

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemStore_OnlineOffline(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ms := NewMemStore(0)

	req.NoError(ms.SetOnline(ctx, 7, "c1"))
	req.NoError(ms.SetOnline(ctx, 3, "c2"))

	online, err := ms.IsOnline(ctx, 7)
	req.NoError(err)
	req.True(online)

	users, err := ms.ListOnline(ctx)
	req.NoError(err)
	req.Equal([]int64{3, 7}, users)

	req.NoError(ms.SetOffline(ctx, 7))
	online, err = ms.IsOnline(ctx, 7)
	req.NoError(err)
	req.False(online)
}

func TestMemStore_ReleaseOnlyByOwner(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ms := NewMemStore(0)

	req.NoError(ms.SetOnline(ctx, 7, "old"))
	// reconnect replaces the prior mapping
	req.NoError(ms.SetOnline(ctx, 7, "new"))

	released, err := ms.Release(ctx, 7, "old")
	req.NoError(err)
	req.False(released)

	owner, ok, err := ms.Owner(ctx, 7)
	req.NoError(err)
	req.True(ok)
	req.Equal("new", owner)

	released, err = ms.Release(ctx, 7, "new")
	req.NoError(err)
	req.True(released)

	_, ok, err = ms.Owner(ctx, 7)
	req.NoError(err)
	req.False(ok)
}

func TestMemStore_EntriesExpireWithoutTouch(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	now := time.Unix(1000, 0)
	ms := NewMemStore(time.Minute)
	ms.now = func() time.Time { return now }

	req.NoError(ms.SetOnline(ctx, 1, "c1"))
	req.NoError(ms.SetOnline(ctx, 2, "c2"))

	now = now.Add(50 * time.Second)
	req.NoError(ms.Touch(ctx, 1, "c1"))
	req.NoError(ms.Touch(ctx, 2, "stale"))

	now = now.Add(30 * time.Second)
	users, err := ms.ListOnline(ctx)
	req.NoError(err)
	req.Equal([]int64{1}, users)

	online, err := ms.IsOnline(ctx, 2)
	req.NoError(err)
	req.False(online)
}

func TestMemStore_ConcurrentChurn(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ms := NewMemStore(0)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			userID := int64(i % 5)
			connID := strconv.Itoa(i)
			_ = ms.SetOnline(ctx, userID, connID)
			_, _ = ms.IsOnline(ctx, userID)
			_, _ = ms.Release(ctx, userID, connID)
		}(i)
	}
	wg.Wait()

	users, err := ms.ListOnline(ctx)
	req.NoError(err)
	req.LessOrEqual(len(users), 5)
}
