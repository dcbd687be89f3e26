package model

import "sync"

// Wire is the outbound side of one live connection. The router writes
// into it, the transport drains it. TX is never closed, Done signals
// that the transport is gone.
type Wire struct {
	ConnID string

	tx   chan Event
	done chan struct{}
	once *sync.Once
}

func NewWire(connID string, queueLen int) Wire {
	return Wire{
		ConnID: connID,
		tx:     make(chan Event, queueLen),
		done:   make(chan struct{}),
		once:   &sync.Once{},
	}
}

func (w Wire) TX() <-chan Event {
	return w.tx
}

func (w Wire) Done() <-chan struct{} {
	return w.done
}

func (w Wire) Close() {
	w.once.Do(func() {
		close(w.done)
	})
}

func (w Wire) Closed() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// Deliver enqueues ev without blocking. A full queue means the peer
// stopped reading; the wire is closed so the transport tears down.
func (w Wire) Deliver(ev Event) bool {
	if w.Closed() {
		return false
	}
	select {
	case w.tx <- ev:
		return true
	default:
		w.Close()
		return false
	}
}
