package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/adwski/chat-realtime/backend/model"
	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestPresence_Lifecycle(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	_, client := newTestClient(t)
	p := NewPresence(PresenceConfig{Client: client, Prefix: "test", TTL: time.Minute})

	req.NoError(p.SetOnline(ctx, 7, "c1"))
	req.NoError(p.SetOnline(ctx, 3, "c2"))

	online, err := p.IsOnline(ctx, 7)
	req.NoError(err)
	req.True(online)

	users, err := p.ListOnline(ctx)
	req.NoError(err)
	req.Equal([]int64{3, 7}, users)

	req.NoError(p.SetOffline(ctx, 3))
	users, err = p.ListOnline(ctx)
	req.NoError(err)
	req.Equal([]int64{7}, users)
}

func TestPresence_ReleaseIsCompareAndDelete(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	_, client := newTestClient(t)
	p := NewPresence(PresenceConfig{Client: client, Prefix: "test", TTL: time.Minute})

	req.NoError(p.SetOnline(ctx, 7, "old"))
	req.NoError(p.SetOnline(ctx, 7, "new"))

	released, err := p.Release(ctx, 7, "old")
	req.NoError(err)
	req.False(released)

	owner, ok, err := p.Owner(ctx, 7)
	req.NoError(err)
	req.True(ok)
	req.Equal("new", owner)

	released, err = p.Release(ctx, 7, "new")
	req.NoError(err)
	req.True(released)

	users, err := p.ListOnline(ctx)
	req.NoError(err)
	req.Empty(users)

	_, ok, err = p.Owner(ctx, 7)
	req.NoError(err)
	req.False(ok)
}

func TestPresence_ExpiresWithoutTouch(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	mr, client := newTestClient(t)
	now := time.Unix(1_700_000_000, 0)
	p := NewPresence(PresenceConfig{Client: client, Prefix: "test", TTL: time.Minute})
	p.now = func() time.Time { return now }

	req.NoError(p.SetOnline(ctx, 1, "c1"))
	req.NoError(p.SetOnline(ctx, 2, "c2"))

	now = now.Add(40 * time.Second)
	mr.FastForward(40 * time.Second)
	req.NoError(p.Touch(ctx, 1, "c1"))
	// a touch from a connection that does not own the entry is ignored
	req.NoError(p.Touch(ctx, 2, "other"))

	now = now.Add(30 * time.Second)
	mr.FastForward(30 * time.Second)

	users, err := p.ListOnline(ctx)
	req.NoError(err)
	req.Equal([]int64{1}, users)

	online, err := p.IsOnline(ctx, 2)
	req.NoError(err)
	req.False(online)
	online, err = p.IsOnline(ctx, 1)
	req.NoError(err)
	req.True(online)
}

func TestPresence_SharedAcrossInstances(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	_, client := newTestClient(t)
	nodeA := NewPresence(PresenceConfig{Client: client, Prefix: "test"})
	nodeB := NewPresence(PresenceConfig{Client: client, Prefix: "test"})

	req.NoError(nodeA.SetOnline(ctx, 5, "a1"))
	online, err := nodeB.IsOnline(ctx, 5)
	req.NoError(err)
	req.True(online)

	// a stale disconnect handled by the other node does not drop the newer entry
	req.NoError(nodeB.SetOnline(ctx, 5, "b1"))
	released, err := nodeA.Release(ctx, 5, "a1")
	req.NoError(err)
	req.False(released)
	online, err = nodeA.IsOnline(ctx, 5)
	req.NoError(err)
	req.True(online)
}

func TestBus_PublishAndReceive(t *testing.T) {
	req := require.New(t)
	_, client := newTestClient(t)
	logger := zerolog.Nop()
	bus := NewBus(BusConfig{Client: client, Channel: "test:events", Logger: &logger})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan model.BusMessage, 1)
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go bus.Run(ctx, wg, func(msg model.BusMessage) { got <- msg })

	req.Eventually(func() bool {
		subs, err := client.PubSubNumSub(ctx, "test:events").Result()
		return err == nil && subs["test:events"] == 1
	}, 2*time.Second, 10*time.Millisecond)

	room := model.GroupRoom(3)
	req.NoError(bus.Publish(ctx, model.BusMessage{
		Origin:  "node-a",
		Room:    &room,
		Exclude: "c1",
		Event:   model.Event{Type: model.KindMessage, Payload: map[string]int{"n": 1}},
	}))

	select {
	case msg := <-got:
		req.Equal("node-a", msg.Origin)
		req.Equal(room, *msg.Room)
		req.Equal("c1", msg.Exclude)
		req.Equal(model.KindMessage, msg.Event.Type)
	case <-time.After(2 * time.Second):
		req.Fail("bus message was not delivered")
	}

	cancel()
	wg.Wait()
}
