// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package serialhub

import (
	"context"
	"encoding/binary"
	"fmt"
)

// Client receives events for the (category, instance) pairs it registered.
//
// EventReceived runs on the link's dispatch goroutine. It must return quickly
// and hand real work to the client's own goroutine. Implementations must be
// comparable (use pointer receivers) so they can be unregistered.
type Client interface {
	EventReceived(ev Event)
}

type eventKey struct {
	category uint8
	instance uint8
}

// EventRegistry maps (category, instance) to exactly one client.
// It is not safe for concurrent use; the link owns it from its loop.
type EventRegistry struct {
	clients map[eventKey]Client
}

// NewEventRegistry creates an empty registry
func NewEventRegistry() *EventRegistry {
	return &EventRegistry{clients: make(map[eventKey]Client)}
}

// Register routes (category, instance) to client. The same client registering
// again replaces its registration; another client holding the pair gets
// ErrAlreadyRegistered.
func (r *EventRegistry) Register(client Client, category, instance uint8) error {
	key := eventKey{category, instance}
	if current, ok := r.clients[key]; ok && current != client {
		return fmt.Errorf("%w: category 0x%02X instance 0x%02X", ErrAlreadyRegistered, category, instance)
	}
	r.clients[key] = client
	return nil
}

// Unregister removes the route if client holds it
func (r *EventRegistry) Unregister(client Client, category, instance uint8) bool {
	key := eventKey{category, instance}
	if current, ok := r.clients[key]; !ok || current != client {
		return false
	}
	delete(r.clients, key)
	return true
}

// Lookup returns the client registered for (category, instance), or nil
func (r *EventRegistry) Lookup(category, instance uint8) Client {
	return r.clients[eventKey{category, instance}]
}

// Len returns the number of registrations
func (r *EventRegistry) Len() int {
	return len(r.clients)
}

// EventRequestID returns the request id the hub uses for events of a category
func EventRequestID(category uint8) uint16 {
	return uint16(category)
}

// Responder issues a command and waits for its response. *Link implements it.
type Responder interface {
	GetResponse(ctx context.Context, req Request, buf []byte) (int, error)
}

// EnableEvent asks the hub to start emitting events for (category, instance)
func EnableEvent(ctx context.Context, r Responder, category, instance uint8) error {
	return setEvent(ctx, r, CmdEnableEvent, category, instance)
}

// DisableEvent asks the hub to stop emitting events for (category, instance)
func DisableEvent(ctx context.Context, r Responder, category, instance uint8) error {
	return setEvent(ctx, r, CmdDisableEvent, category, instance)
}

func setEvent(ctx context.Context, r Responder, cid, category, instance uint8) error {
	params := make([]byte, 4)
	params[0] = category
	binary.LittleEndian.PutUint16(params[1:3], EventRequestID(category))
	params[3] = instance

	status := make([]byte, 1)
	n, err := r.GetResponse(ctx, Request{
		Category: CategorySAM,
		Target:   IDHub,
		Instance: 0x00,
		Command:  cid,
		Payload:  params,
		WantAck:  true,
	}, status)
	if err != nil {
		return err
	}
	if n != 1 || status[0] != 0 {
		return fmt.Errorf("%w: category 0x%02X instance 0x%02X status %v", ErrEventRejected, category, instance, status[:n])
	}
	return nil
}
