// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package bridge exposes a Serial Hub link on a NATS bus.
//
// Events from registered (category, instance) pairs are published as JSON on
// "<prefix>.event.<category>.<instance>" and the latest event of each pair is
// kept in a Redis hash. Command requests arriving on "<prefix>.request" are
// issued on the link and answered through NATS request-reply.
package bridge

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/Thermoquad/serialhub/pkg/serialhub"
)

// Defaults
const (
	DefaultPrefix         = "serialhub"
	DefaultRequestTimeout = 2 * time.Second
	DefaultShadowTTL      = 24 * time.Hour
	eventQueueDepth       = 256
)

// Linker is the part of a Serial Hub link the bridge drives
type Linker interface {
	serialhub.Responder
	SendCommand(ctx context.Context, req serialhub.Request) (*serialhub.Call, error)
	RegisterEvent(ctx context.Context, client serialhub.Client, category, instance uint8) error
	UnregisterEvent(ctx context.Context, client serialhub.Client, category, instance uint8) error
}

// Publisher publishes a message on a subject. *nats.Conn implements it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// ShadowStore keeps the last event per pair. *redis.Client implements it.
type ShadowStore interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// Route selects one (category, instance) pair to bridge
type Route struct {
	Category uint8
	Instance uint8
	// Enable asks the hub to start emitting the event when attaching
	Enable bool
}

// ParseRoute parses "CAT[:instance][!]", e.g. "kbd", "bat:1" or "hid:0!".
// A trailing '!' enables the event on the hub.
func ParseRoute(s string) (Route, error) {
	var r Route
	if strings.HasSuffix(s, "!") {
		r.Enable = true
		s = strings.TrimSuffix(s, "!")
	}

	name, inst, hasInst := strings.Cut(s, ":")
	tc, err := parseCategory(name)
	if err != nil {
		return r, err
	}
	r.Category = tc

	if hasInst {
		v, err := strconv.ParseUint(inst, 0, 8)
		if err != nil {
			return r, fmt.Errorf("invalid instance %q: %w", inst, err)
		}
		r.Instance = uint8(v)
	}
	return r, nil
}

func parseCategory(s string) (uint8, error) {
	if tc, ok := serialhub.ParseCategory(s); ok {
		return tc, nil
	}
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("unknown category %q", s)
	}
	return uint8(v), nil
}

// EventMessage is the JSON body published for each event
type EventMessage struct {
	Category  string `json:"category"`
	TC        uint8  `json:"tc"`
	Instance  uint8  `json:"iid"`
	Command   uint8  `json:"cid"`
	RequestID uint16 `json:"rqid"`
	Payload   string `json:"payload"`
	Timestamp int64  `json:"ts"`
}

// CommandRequest is the JSON body of a command request
type CommandRequest struct {
	Category string `json:"category"` // short name or number
	Target   *uint8 `json:"target,omitempty"`
	Instance uint8  `json:"iid"`
	Command  uint8  `json:"cid"`
	Payload  string `json:"payload,omitempty"` // hex

	// NoAck sends the command without a sequence id
	NoAck bool `json:"no_ack,omitempty"`
	// NoResponse returns once the command is delivered instead of waiting
	// for a response
	NoResponse bool `json:"no_response,omitempty"`
}

// CommandReply is the JSON reply to a command request
type CommandReply struct {
	Payload string `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Config configures a bridge
type Config struct {
	Prefix         string
	RequestTimeout time.Duration
	ShadowTTL      time.Duration
	Logger         logrus.FieldLogger
}

// Bridge connects a link to a NATS bus and an optional Redis shadow store.
// It is a serialhub.Client for every route it attaches.
type Bridge struct {
	link   Linker
	pub    Publisher
	shadow ShadowStore
	cfg    Config
	log    logrus.FieldLogger

	queue   chan serialhub.Event
	dropped atomic.Uint64
	sent    atomic.Uint64
}

// New creates a bridge. shadow may be nil.
func New(link Linker, pub Publisher, shadow ShadowStore, cfg Config) *Bridge {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.ShadowTTL <= 0 {
		cfg.ShadowTTL = DefaultShadowTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Bridge{
		link:   link,
		pub:    pub,
		shadow: shadow,
		cfg:    cfg,
		log:    cfg.Logger,
		queue:  make(chan serialhub.Event, eventQueueDepth),
	}
}

// EventSubject returns the subject an event is published on
func (b *Bridge) EventSubject(ev serialhub.Event) string {
	return fmt.Sprintf("%s.event.%s.%d", b.cfg.Prefix, strings.ToLower(serialhub.FormatCategory(ev.Category)), ev.Instance)
}

// RequestSubject returns the subject command requests are served on
func (b *Bridge) RequestSubject() string {
	return b.cfg.Prefix + ".request"
}

// ShadowKey returns the Redis hash holding the last event of a pair
func (b *Bridge) ShadowKey(category, instance uint8) string {
	return fmt.Sprintf("%s:shadow:%s:%d", b.cfg.Prefix, strings.ToLower(serialhub.FormatCategory(category)), instance)
}

// Stats returns the number of published and dropped events
func (b *Bridge) Stats() (published, dropped uint64) {
	return b.sent.Load(), b.dropped.Load()
}

// EventReceived hands the event to Run without blocking the link dispatcher
func (b *Bridge) EventReceived(ev serialhub.Event) {
	select {
	case b.queue <- ev:
	default:
		b.dropped.Add(1)
	}
}

// Attach registers the bridge for every route, enabling events on the hub
// where requested
func (b *Bridge) Attach(ctx context.Context, routes []Route) error {
	for _, r := range routes {
		log := b.log.WithFields(logrus.Fields{"tc": serialhub.FormatCategory(r.Category), "iid": r.Instance})

		if err := b.link.RegisterEvent(ctx, b, r.Category, r.Instance); err != nil {
			return fmt.Errorf("register %s:%d: %w", serialhub.FormatCategory(r.Category), r.Instance, err)
		}
		if r.Enable {
			if err := serialhub.EnableEvent(ctx, b.link, r.Category, r.Instance); err != nil {
				return fmt.Errorf("enable %s:%d: %w", serialhub.FormatCategory(r.Category), r.Instance, err)
			}
		}
		log.Info("Bridging event")
	}
	return nil
}

// Detach unregisters every route
func (b *Bridge) Detach(ctx context.Context, routes []Route) {
	for _, r := range routes {
		if r.Enable {
			if err := serialhub.DisableEvent(ctx, b.link, r.Category, r.Instance); err != nil {
				b.log.WithError(err).Warn("Failed to disable event")
			}
		}
		if err := b.link.UnregisterEvent(ctx, b, r.Category, r.Instance); err != nil {
			b.log.WithError(err).Warn("Failed to unregister event")
		}
	}
}

// Run publishes queued events until ctx is cancelled
func (b *Bridge) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-b.queue:
			b.publish(ctx, ev)
		}
	}
}

func (b *Bridge) publish(ctx context.Context, ev serialhub.Event) {
	now := time.Now()
	msg := EventMessage{
		Category:  serialhub.FormatCategory(ev.Category),
		TC:        ev.Category,
		Instance:  ev.Instance,
		Command:   ev.Command,
		RequestID: ev.RequestID,
		Payload:   hex.EncodeToString(ev.Payload),
		Timestamp: now.UnixMilli(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		b.log.WithError(err).Error("Failed to marshal event")
		return
	}

	subject := b.EventSubject(ev)
	if err := b.pub.Publish(subject, data); err != nil {
		b.log.WithError(err).WithField("subject", subject).Warn("Failed to publish event")
	} else {
		b.sent.Add(1)
		b.log.WithField("subject", subject).Debug("Published event")
	}

	if b.shadow == nil {
		return
	}
	key := b.ShadowKey(ev.Category, ev.Instance)
	err = b.shadow.HSet(ctx, key,
		"cid", ev.Command,
		"rqid", ev.RequestID,
		"payload", msg.Payload,
		"ts", now.Unix(),
	).Err()
	if err != nil {
		b.log.WithError(err).WithField("key", key).Warn("Failed to update shadow")
		return
	}
	if err := b.shadow.Expire(ctx, key, b.cfg.ShadowTTL).Err(); err != nil {
		b.log.WithError(err).WithField("key", key).Warn("Failed to set shadow expiry")
	}
}

// Serve answers command requests on the request subject
func (b *Bridge) Serve(nc *nats.Conn) (*nats.Subscription, error) {
	subject := b.RequestSubject()
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		reply := b.HandleRequest(context.Background(), msg.Data)
		if msg.Reply == "" {
			return
		}
		if err := msg.Respond(reply); err != nil {
			b.log.WithError(err).Warn("Failed to send reply")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	b.log.WithField("subject", subject).Info("Serving command requests")
	return sub, nil
}

// HandleRequest decodes a command request, issues it on the link and
// returns the encoded reply
func (b *Bridge) HandleRequest(ctx context.Context, data []byte) []byte {
	payload, err := b.execute(ctx, data)
	reply := CommandReply{Payload: hex.EncodeToString(payload)}
	if err != nil {
		reply = CommandReply{Error: err.Error()}
	}
	out, _ := json.Marshal(reply)
	return out
}

func (b *Bridge) execute(ctx context.Context, data []byte) ([]byte, error) {
	var creq CommandRequest
	if err := json.Unmarshal(data, &creq); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	req, err := creq.toRequest()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.RequestTimeout)
	defer cancel()

	log := b.log.WithFields(logrus.Fields{"tc": serialhub.FormatCategory(req.Category), "iid": req.Instance, "cid": req.Command})

	if creq.NoResponse {
		call, err := b.link.SendCommand(ctx, req)
		if err != nil {
			return nil, err
		}
		if err := call.Wait(ctx); err != nil {
			return nil, err
		}
		log.Debug("Bridged command delivered")
		return nil, nil
	}

	buf := make([]byte, serialhub.MaxCommandData)
	n, err := b.link.GetResponse(ctx, req, buf)
	if err != nil {
		log.WithError(err).Debug("Bridged request failed")
		return nil, err
	}
	log.Debug("Bridged request answered")
	return buf[:n], nil
}

func (c *CommandRequest) toRequest() (serialhub.Request, error) {
	tc, err := parseCategory(c.Category)
	if err != nil {
		return serialhub.Request{}, err
	}
	payload, err := hex.DecodeString(c.Payload)
	if err != nil {
		return serialhub.Request{}, fmt.Errorf("invalid payload: %w", err)
	}
	if len(payload) > serialhub.MaxCommandData {
		return serialhub.Request{}, fmt.Errorf("%w: %d bytes", serialhub.ErrPayloadTooLarge, len(payload))
	}

	target := uint8(serialhub.IDHub)
	if c.Target != nil {
		target = *c.Target
	}
	return serialhub.Request{
		Category: tc,
		Target:   target,
		Instance: c.Instance,
		Command:  c.Command,
		Payload:  payload,
		WantAck:  !c.NoAck,
	}, nil
}
