// Package session is the session registry: it binds authenticated players to
// their connection, tracks each player's single active room membership and
// reports idle sessions for reaping.
package session

import (
	"fmt"
	"sync"

	gamev1 "github.com/cory-johannsen/vrserver/internal/gameserver/gamev1"
)

// Outbox queues server events for one connection. The transport goroutine
// drains Events; producers never block on it.
type Outbox struct {
	connID string
	events chan *gamev1.ServerEvent
	mu     sync.Mutex
	closed bool
}

// NewOutbox creates an Outbox for connID buffering up to bufferSize events.
//
// Postcondition: Returns an open Outbox; bufferSize <= 0 selects 64.
func NewOutbox(connID string, bufferSize int) *Outbox {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Outbox{
		connID: connID,
		events: make(chan *gamev1.ServerEvent, bufferSize),
	}
}

// Push enqueues ev without blocking.
//
// Postcondition: ev is queued, or an error is returned when the outbox is
// closed or full. A full outbox drops ev; the caller only logs it.
func (o *Outbox) Push(ev *gamev1.ServerEvent) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return fmt.Errorf("outbox %s is closed", o.connID)
	}
	select {
	case o.events <- ev:
		return nil
	default:
		return fmt.Errorf("outbox %s buffer full", o.connID)
	}
}

// Events returns the channel the transport goroutine drains. It is closed
// when the outbox is closed.
func (o *Outbox) Events() <-chan *gamev1.ServerEvent {
	return o.events
}

// Close closes the outbox. Safe to call more than once.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.closed {
		o.closed = true
		close(o.events)
	}
}
