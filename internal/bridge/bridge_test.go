// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/Thermoquad/serialhub/pkg/serialhub"
)

// ============================================================
// Test Helpers
// ============================================================

type fakeLink struct {
	mu         sync.Mutex
	registered map[[2]uint8]serialhub.Client
	requests   []serialhub.Request
	response   []byte
	err        error
}

func newFakeLink() *fakeLink {
	return &fakeLink{registered: make(map[[2]uint8]serialhub.Client)}
}

func (f *fakeLink) GetResponse(ctx context.Context, req serialhub.Request, buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return 0, f.err
	}
	return copy(buf, f.response), nil
}

func (f *fakeLink) SendCommand(ctx context.Context, req serialhub.Request) (*serialhub.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return nil, errors.New("not supported by fake")
}

func (f *fakeLink) RegisterEvent(ctx context.Context, c serialhub.Client, tc, iid uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered[[2]uint8{tc, iid}] = c
	return nil
}

func (f *fakeLink) UnregisterEvent(ctx context.Context, c serialhub.Client, tc, iid uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.registered, [2]uint8{tc, iid})
	return nil
}

type published struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	msgs chan published
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.msgs <- published{subject, data}
	return nil
}

type fakeShadow struct {
	mu     sync.Mutex
	hashes map[string][]interface{}
	ttl    map[string]time.Duration

	expireErr error
}

func (s *fakeShadow) HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hashes[key] = values
	return redis.NewIntResult(int64(len(values)/2), nil)
}

func (s *fakeShadow) Expire(ctx context.Context, key string, d time.Duration) *redis.BoolCmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ttl[key] = d
	return redis.NewBoolResult(s.expireErr == nil, s.expireErr)
}

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// ============================================================
// Tests
// ============================================================

func TestParseRoute(t *testing.T) {
	tests := []struct {
		in      string
		want    Route
		wantErr bool
	}{
		{"kbd", Route{Category: serialhub.CategoryKBD}, false},
		{"BAT:1", Route{Category: serialhub.CategoryBAT, Instance: 1}, false},
		{"hid:0x02!", Route{Category: serialhub.CategoryHID, Instance: 2, Enable: true}, false},
		{"0x16", Route{Category: serialhub.CategoryTCH}, false},
		{"nope", Route{}, true},
		{"bat:999", Route{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRoute(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got %+v", got)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("expected %+v, got %+v (%v)", tt.want, got, err)
			}
		})
	}
}

func TestBridge_Subjects(t *testing.T) {
	b := New(newFakeLink(), &fakePublisher{}, nil, Config{Logger: testLogger()})

	ev := serialhub.Event{Category: serialhub.CategoryKBD, Instance: 0}
	if s := b.EventSubject(ev); s != "serialhub.event.kbd.0" {
		t.Errorf("unexpected event subject %q", s)
	}
	if s := b.RequestSubject(); s != "serialhub.request" {
		t.Errorf("unexpected request subject %q", s)
	}
	if k := b.ShadowKey(serialhub.CategoryBAT, 1); k != "serialhub:shadow:bat:1" {
		t.Errorf("unexpected shadow key %q", k)
	}
}

func TestBridge_PublishesEvents(t *testing.T) {
	link := newFakeLink()
	pub := &fakePublisher{msgs: make(chan published, 4)}
	shadow := &fakeShadow{hashes: map[string][]interface{}{}, ttl: map[string]time.Duration{}}
	b := New(link, pub, shadow, Config{Logger: testLogger()})

	if err := b.Attach(context.Background(), []Route{{Category: serialhub.CategoryBAT, Instance: 1}}); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if link.registered[[2]uint8{serialhub.CategoryBAT, 1}] != b {
		t.Fatalf("bridge not registered for BAT:1")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	b.EventReceived(serialhub.Event{Category: serialhub.CategoryBAT, Instance: 1, Command: 0x05, RequestID: 2, Payload: []byte{0x64}})

	var msg published
	select {
	case msg = <-pub.msgs:
	case <-time.After(2 * time.Second):
		t.Fatal("event not published")
	}
	if msg.subject != "serialhub.event.bat.1" {
		t.Errorf("unexpected subject %q", msg.subject)
	}

	var body EventMessage
	if err := json.Unmarshal(msg.data, &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body.Category != "BAT" || body.Command != 0x05 || body.RequestID != 2 || body.Payload != "64" {
		t.Errorf("unexpected body: %+v", body)
	}

	// The shadow is written right after publishing
	deadline := time.Now().Add(2 * time.Second)
	for {
		shadow.mu.Lock()
		ttl, ok := shadow.ttl["serialhub:shadow:bat:1"]
		shadow.mu.Unlock()
		if ok {
			if ttl != DefaultShadowTTL {
				t.Errorf("unexpected shadow TTL %v", ttl)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("shadow not updated")
		}
		time.Sleep(5 * time.Millisecond)
	}

	b.Detach(context.Background(), []Route{{Category: serialhub.CategoryBAT, Instance: 1}})
	if len(link.registered) != 0 {
		t.Errorf("routes still registered after detach")
	}
}

func TestBridge_ShadowExpiryFailureLogged(t *testing.T) {
	log, hook := logtest.NewNullLogger()
	pub := &fakePublisher{msgs: make(chan published, 4)}
	shadow := &fakeShadow{
		hashes:    map[string][]interface{}{},
		ttl:       map[string]time.Duration{},
		expireErr: errors.New("READONLY You can't write against a read only replica"),
	}
	b := New(newFakeLink(), pub, shadow, Config{Logger: log})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	b.EventReceived(serialhub.Event{Category: serialhub.CategoryTMP, Instance: 2, Command: 0x01, RequestID: 3})

	deadline := time.Now().Add(2 * time.Second)
	for {
		for _, e := range hook.AllEntries() {
			if e.Level == logrus.WarnLevel && e.Message == "Failed to set shadow expiry" {
				if key := e.Data["key"]; key != "serialhub:shadow:tmp:2" {
					t.Errorf("unexpected key field %v", key)
				}
				if err, _ := e.Data[logrus.ErrorKey].(error); !errors.Is(err, shadow.expireErr) {
					t.Errorf("unexpected error field %v", e.Data[logrus.ErrorKey])
				}
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("expiry failure not logged")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBridge_EventQueueFull(t *testing.T) {
	b := New(newFakeLink(), &fakePublisher{}, nil, Config{Logger: testLogger()})

	for i := 0; i < eventQueueDepth+3; i++ {
		b.EventReceived(serialhub.Event{})
	}
	if _, dropped := b.Stats(); dropped != 3 {
		t.Errorf("expected 3 dropped events, got %d", dropped)
	}
}

func TestBridge_HandleRequest(t *testing.T) {
	link := newFakeLink()
	link.response = []byte{0x01, 0x02}
	b := New(link, &fakePublisher{}, nil, Config{Logger: testLogger()})

	out := b.HandleRequest(context.Background(), []byte(`{"category":"bat","iid":1,"cid":2,"payload":"aabb"}`))

	var reply CommandReply
	if err := json.Unmarshal(out, &reply); err != nil {
		t.Fatalf("invalid reply: %v", err)
	}
	if reply.Error != "" || reply.Payload != "0102" {
		t.Errorf("unexpected reply: %+v", reply)
	}

	if len(link.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(link.requests))
	}
	req := link.requests[0]
	if req.Category != serialhub.CategoryBAT || req.Target != serialhub.IDHub || req.Instance != 1 ||
		req.Command != 2 || !req.WantAck || len(req.Payload) != 2 {
		t.Errorf("unexpected request: %+v", req)
	}
}

func TestBridge_HandleRequestErrors(t *testing.T) {
	link := newFakeLink()
	link.err = serialhub.ErrResponseTimeout
	b := New(link, &fakePublisher{}, nil, Config{Logger: testLogger()})

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{`},
		{"unknown category", `{"category":"xyz"}`},
		{"bad hex", `{"category":"bat","payload":"zz"}`},
		{"link error", `{"category":"bat"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var reply CommandReply
			if err := json.Unmarshal(b.HandleRequest(context.Background(), []byte(tt.body)), &reply); err != nil {
				t.Fatalf("invalid reply: %v", err)
			}
			if reply.Error == "" {
				t.Errorf("expected an error reply")
			}
		})
	}
}
