package _switch

import (
	"context"
	"sync"

	"github.com/adwski/chat-realtime/backend/model"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// Bus mirrors local publishes to other server processes.
type Bus interface {
	Publish(ctx context.Context, msg model.BusMessage) error
}

type Config struct {
	Logger *zerolog.Logger
	NodeID string
	Bus    Bus
}

// Switch routes events to the connections subscribed to a room.
// A room is an ordered broadcast channel: publishes into one room are
// serialized, so every subscriber observes them in the same order.
type Switch struct {
	logger zerolog.Logger
	nodeID string
	bus    Bus

	mx        *sync.RWMutex
	endpoints map[string]*endpoint
	rooms     map[model.RoomID]*room
}

type endpoint struct {
	wire  model.Wire
	rooms map[model.RoomID]struct{}
}

type room struct {
	mx      sync.Mutex
	members map[string]model.Wire
}

func NewSwitch(cfg Config) *Switch {
	return &Switch{
		logger:    cfg.Logger.With().Str("component", "switch").Logger(),
		nodeID:    cfg.NodeID,
		bus:       cfg.Bus,
		mx:        &sync.RWMutex{},
		endpoints: make(map[string]*endpoint),
		rooms:     make(map[model.RoomID]*room),
	}
}

func (sw *Switch) Connect(wire model.Wire) {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	if _, ok := sw.endpoints[wire.ConnID]; ok {
		return
	}
	sw.endpoints[wire.ConnID] = &endpoint{
		wire:  wire,
		rooms: make(map[model.RoomID]struct{}),
	}
	sw.logger.Debug().Str("connID", wire.ConnID).Msg("endpoint connected")
}

// Disconnect drops the endpoint and all of its subscriptions.
func (sw *Switch) Disconnect(connID string) {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	ep, ok := sw.endpoints[connID]
	if !ok {
		return
	}
	for roomID := range ep.rooms {
		sw.leave(connID, roomID)
	}
	delete(sw.endpoints, connID)
	sw.logger.Debug().
		Str("connID", connID).
		Int("rooms", len(ep.rooms)).
		Msg("endpoint disconnected")
}

// Subscribe is a no-op for already subscribed rooms and unknown endpoints.
func (sw *Switch) Subscribe(connID string, roomID model.RoomID) bool {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	ep, ok := sw.endpoints[connID]
	if !ok {
		return false
	}
	if _, ok = ep.rooms[roomID]; ok {
		return true
	}
	r, ok := sw.rooms[roomID]
	if !ok {
		r = &room{members: make(map[string]model.Wire)}
		sw.rooms[roomID] = r
	}
	r.mx.Lock()
	r.members[connID] = ep.wire
	r.mx.Unlock()
	ep.rooms[roomID] = struct{}{}
	return true
}

func (sw *Switch) Unsubscribe(connID string, roomID model.RoomID) {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	ep, ok := sw.endpoints[connID]
	if !ok {
		return
	}
	if _, ok = ep.rooms[roomID]; !ok {
		return
	}
	delete(ep.rooms, roomID)
	sw.leave(connID, roomID)
}

// leave must be called with sw.mx held.
func (sw *Switch) leave(connID string, roomID model.RoomID) {
	r, ok := sw.rooms[roomID]
	if !ok {
		return
	}
	r.mx.Lock()
	delete(r.members, connID)
	empty := len(r.members) == 0
	r.mx.Unlock()
	if empty {
		delete(sw.rooms, roomID)
	}
}

func (sw *Switch) Subscribed(connID string, roomID model.RoomID) bool {
	sw.mx.RLock()
	defer sw.mx.RUnlock()

	ep, ok := sw.endpoints[connID]
	if !ok {
		return false
	}
	_, ok = ep.rooms[roomID]
	return ok
}

func (sw *Switch) Rooms(connID string) []model.RoomID {
	sw.mx.RLock()
	defer sw.mx.RUnlock()

	ep, ok := sw.endpoints[connID]
	if !ok {
		return nil
	}
	return lo.Keys(ep.rooms)
}

// Publish delivers ev to every subscriber of roomID except exclude and
// mirrors it to the bus. It returns the number of local deliveries.
func (sw *Switch) Publish(ctx context.Context, roomID model.RoomID, ev model.Event, exclude string) int {
	sent := sw.publishLocal(roomID, ev, exclude)
	if sw.bus != nil {
		rid := roomID
		sw.mirror(ctx, model.BusMessage{Origin: sw.nodeID, Room: &rid, Exclude: exclude, Event: ev})
	}
	if sent == 0 {
		sw.logger.Debug().
			Stringer("room", roomID).
			Str("type", string(ev.Type)).
			Msg("publish did not reach any local subscriber")
	}
	return sent
}

// Broadcast delivers ev to every connected endpoint except exclude.
func (sw *Switch) Broadcast(ctx context.Context, ev model.Event, exclude string) int {
	sent := sw.broadcastLocal(ev, exclude)
	if sw.bus != nil {
		sw.mirror(ctx, model.BusMessage{Origin: sw.nodeID, Exclude: exclude, Event: ev})
	}
	return sent
}

// SendTo delivers ev to a single local connection.
func (sw *Switch) SendTo(connID string, ev model.Event) bool {
	sw.mx.RLock()
	ep, ok := sw.endpoints[connID]
	sw.mx.RUnlock()
	if !ok {
		sw.logger.Debug().Str("connID", connID).Msg("cannot send, endpoint not found")
		return false
	}
	return sw.deliver(ep.wire, ev)
}

// Receive handles a message mirrored by another process.
func (sw *Switch) Receive(msg model.BusMessage) {
	if msg.Origin == sw.nodeID {
		return
	}
	if msg.Room == nil {
		sw.broadcastLocal(msg.Event, msg.Exclude)
		return
	}
	sw.publishLocal(*msg.Room, msg.Event, msg.Exclude)
}

func (sw *Switch) publishLocal(roomID model.RoomID, ev model.Event, exclude string) int {
	sw.mx.RLock()
	r, ok := sw.rooms[roomID]
	sw.mx.RUnlock()
	if !ok {
		return 0
	}

	r.mx.Lock()
	defer r.mx.Unlock()

	var sent int
	for connID, wire := range r.members {
		if connID == exclude {
			continue
		}
		if sw.deliver(wire, ev) {
			sent++
		}
	}
	return sent
}

func (sw *Switch) broadcastLocal(ev model.Event, exclude string) int {
	sw.mx.RLock()
	wires := make([]model.Wire, 0, len(sw.endpoints))
	for connID, ep := range sw.endpoints {
		if connID != exclude {
			wires = append(wires, ep.wire)
		}
	}
	sw.mx.RUnlock()

	var sent int
	for _, wire := range wires {
		if sw.deliver(wire, ev) {
			sent++
		}
	}
	return sent
}

func (sw *Switch) deliver(wire model.Wire, ev model.Event) bool {
	if wire.Deliver(ev) {
		return true
	}
	sw.logger.Debug().
		Str("connID", wire.ConnID).
		Str("type", string(ev.Type)).
		Msg("dead endpoint, event dropped")
	return false
}

func (sw *Switch) mirror(ctx context.Context, msg model.BusMessage) {
	if err := sw.bus.Publish(ctx, msg); err != nil {
		sw.logger.Error().Err(err).
			Str("type", string(msg.Event.Type)).
			Msg("failed to mirror event to bus")
	}
}
