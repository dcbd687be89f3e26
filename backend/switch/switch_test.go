package _switch

import (
	"context"
	"sync"
	"testing"

	"github.com/adwski/chat-realtime/backend/model"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type recordingBus struct {
	mx   sync.Mutex
	msgs []model.BusMessage
}

func (b *recordingBus) Publish(_ context.Context, msg model.BusMessage) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.msgs = append(b.msgs, msg)
	return nil
}

func newTestSwitch(bus Bus) *Switch {
	logger := zerolog.Nop()
	cfg := Config{Logger: &logger, NodeID: "node-a"}
	if bus != nil {
		cfg.Bus = bus
	}
	return NewSwitch(cfg)
}

func connect(sw *Switch, connID string, queue int, rooms ...model.RoomID) model.Wire {
	wire := model.NewWire(connID, queue)
	sw.Connect(wire)
	for _, r := range rooms {
		sw.Subscribe(connID, r)
	}
	return wire
}

func drain(wire model.Wire) []model.Event {
	var out []model.Event
	for {
		select {
		case ev := <-wire.TX():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestSwitch_PublishIsScopedToRoom(t *testing.T) {
	req := require.New(t)
	sw := newTestSwitch(nil)

	member := connect(sw, "c7", 8, model.PrivateRoom(7), model.GroupRoom(3))
	outsider := connect(sw, "c5", 8, model.PrivateRoom(5))

	n := sw.Publish(context.Background(), model.GroupRoom(3), model.Event{Type: model.KindMessage, Payload: "hi"}, "")
	req.Equal(1, n)

	got := drain(member)
	req.Len(got, 1, spew.Sdump(got))
	req.Equal("hi", got[0].Payload)
	req.Empty(drain(outsider))
}

func TestSwitch_SubscribeIsIdempotent(t *testing.T) {
	req := require.New(t)
	sw := newTestSwitch(nil)

	wire := connect(sw, "c1", 8, model.GroupRoom(1), model.GroupRoom(1))
	req.True(sw.Subscribe("c1", model.GroupRoom(1)))
	req.False(sw.Subscribe("missing", model.GroupRoom(1)))

	sw.Publish(context.Background(), model.GroupRoom(1), model.Event{Type: model.KindMessage}, "")
	req.Len(drain(wire), 1)
	req.ElementsMatch([]model.RoomID{model.GroupRoom(1)}, sw.Rooms("c1"))
}

func TestSwitch_PublishExcludesConnection(t *testing.T) {
	req := require.New(t)
	sw := newTestSwitch(nil)

	a := connect(sw, "a", 8, model.GroupRoom(1))
	b := connect(sw, "b", 8, model.GroupRoom(1))

	req.Equal(1, sw.Publish(context.Background(), model.GroupRoom(1), model.Event{Type: model.KindBoardDraw}, "a"))
	req.Empty(drain(a))
	req.Len(drain(b), 1)
}

func TestSwitch_DisconnectReleasesAllRooms(t *testing.T) {
	req := require.New(t)
	sw := newTestSwitch(nil)

	connect(sw, "c1", 8, model.PrivateRoom(1), model.GroupRoom(2), model.GroupRoom(3))
	sw.Disconnect("c1")
	sw.Disconnect("c1")

	req.Empty(sw.Rooms("c1"))
	req.False(sw.Subscribed("c1", model.GroupRoom(2)))
	req.Equal(0, sw.Publish(context.Background(), model.GroupRoom(2), model.Event{Type: model.KindMessage}, ""))
	req.Empty(sw.rooms)
}

func TestSwitch_Unsubscribe(t *testing.T) {
	req := require.New(t)
	sw := newTestSwitch(nil)

	wire := connect(sw, "c1", 8, model.GroupRoom(2))
	sw.Unsubscribe("c1", model.GroupRoom(2))
	sw.Unsubscribe("c1", model.GroupRoom(2))

	req.Equal(0, sw.Publish(context.Background(), model.GroupRoom(2), model.Event{Type: model.KindMessage}, ""))
	req.Empty(drain(wire))
}

func TestSwitch_DeadSubscriberDoesNotBlockOthers(t *testing.T) {
	req := require.New(t)
	sw := newTestSwitch(nil)

	slow := connect(sw, "slow", 1, model.GroupRoom(1))
	fast := connect(sw, "fast", 16, model.GroupRoom(1))
	gone := connect(sw, "gone", 16, model.GroupRoom(1))
	gone.Close()

	for i := 0; i < 5; i++ {
		sw.Publish(context.Background(), model.GroupRoom(1), model.Event{Type: model.KindMessage, Payload: i}, "")
	}

	req.Len(drain(fast), 5)
	req.True(slow.Closed())
	req.Len(drain(slow), 1)
	req.Empty(drain(gone))
}

func TestSwitch_RoomOrderIsConsistentAcrossSubscribers(t *testing.T) {
	req := require.New(t)
	sw := newTestSwitch(nil)

	const perSource = 200
	subs := []model.Wire{
		connect(sw, "s1", 4*perSource, model.GroupRoom(9)),
		connect(sw, "s2", 4*perSource, model.GroupRoom(9)),
		connect(sw, "s3", 4*perSource, model.GroupRoom(9)),
	}

	var wg sync.WaitGroup
	for src := 0; src < 3; src++ {
		wg.Add(1)
		go func(src int) {
			defer wg.Done()
			for i := 0; i < perSource; i++ {
				sw.Publish(context.Background(), model.GroupRoom(9),
					model.Event{Type: model.KindMessage, Payload: [2]int{src, i}}, "")
			}
		}(src)
	}
	wg.Wait()

	reference := drain(subs[0])
	req.Len(reference, 3*perSource)

	// each source's events arrive in publish order
	last := map[int]int{0: -1, 1: -1, 2: -1}
	for _, ev := range reference {
		p := ev.Payload.([2]int)
		req.Greater(p[1], last[p[0]])
		last[p[0]] = p[1]
	}
	// and every subscriber sees the same interleaving
	for _, sub := range subs[1:] {
		req.Equal(reference, drain(sub))
	}
}

func TestSwitch_SendToAndBroadcast(t *testing.T) {
	req := require.New(t)
	sw := newTestSwitch(nil)

	a := connect(sw, "a", 8)
	b := connect(sw, "b", 8)

	req.True(sw.SendTo("a", model.Event{Type: model.KindError}))
	req.False(sw.SendTo("nobody", model.Event{Type: model.KindError}))
	req.Equal(1, sw.Broadcast(context.Background(), model.Event{Type: model.KindOnlineRoster}, "a"))

	req.Len(drain(a), 1)
	got := drain(b)
	req.Len(got, 1)
	req.Equal(model.KindOnlineRoster, got[0].Type)
}

func TestSwitch_BusMirrorAndReceive(t *testing.T) {
	req := require.New(t)
	bus := &recordingBus{}
	sw := newTestSwitch(bus)

	wire := connect(sw, "c1", 8, model.GroupRoom(4))

	sw.Publish(context.Background(), model.GroupRoom(4), model.Event{Type: model.KindMessage}, "x")
	sw.Broadcast(context.Background(), model.Event{Type: model.KindUserOnline}, "")
	req.Len(bus.msgs, 2)
	req.Equal("node-a", bus.msgs[0].Origin)
	req.Equal(model.GroupRoom(4), *bus.msgs[0].Room)
	req.Equal("x", bus.msgs[0].Exclude)
	req.Nil(bus.msgs[1].Room)
	req.Len(drain(wire), 2)

	// own messages coming back from the bus are ignored
	sw.Receive(bus.msgs[0])
	req.Empty(drain(wire))

	room := model.GroupRoom(4)
	sw.Receive(model.BusMessage{Origin: "node-b", Room: &room, Event: model.Event{Type: model.KindMessage}})
	sw.Receive(model.BusMessage{Origin: "node-b", Event: model.Event{Type: model.KindUserOffline}})
	sw.Receive(model.BusMessage{Origin: "node-b", Room: &room, Exclude: "c1", Event: model.Event{Type: model.KindMessage}})
	got := drain(wire)
	req.Len(got, 2)
	req.Equal(model.KindUserOffline, got[1].Type)
}
