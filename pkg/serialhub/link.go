// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package serialhub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Direction tells an observer which way a frame travelled
type Direction int

// Direction values
const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "TX"
	}
	return "RX"
}

// FrameObserver sees every decoded inbound frame and every transmitted frame.
// It runs on the link loop and must not block.
type FrameObserver interface {
	ObserveFrame(dir Direction, f *Frame)
}

// ObserverFunc adapts a function to FrameObserver
type ObserverFunc func(dir Direction, f *Frame)

// ObserveFrame implements FrameObserver
func (fn ObserverFunc) ObserveFrame(dir Direction, f *Frame) {
	fn(dir, f)
}

// Config holds the link timing and queue settings. Zero values select defaults.
type Config struct {
	AckTimeout      time.Duration
	WaitTimeout     time.Duration
	MaxRetries      int
	RxQueueDepth    int
	EventQueueDepth int
	Logger          logrus.FieldLogger
	Observer        FrameObserver
}

func (c Config) withDefaults() Config {
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = DefaultWaitTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RxQueueDepth <= 0 {
		c.RxQueueDepth = DefaultRxQueueDepth
	}
	if c.EventQueueDepth <= 0 {
		c.EventQueueDepth = DefaultEventQueue
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	return c
}

type dispatch struct {
	client Client
	event  Event
}

// Link multiplexes clients over one Serial Hub connection.
//
// All protocol state is owned by the goroutine running Run; every public
// method marshals onto it. Receive, SetAwake and WakeInterrupt never block.
type Link struct {
	w   io.Writer
	cfg Config
	log logrus.FieldLogger

	ops    chan func()
	rx     chan []byte
	sleep  chan struct{}
	wake   chan struct{}
	events chan dispatch
	done   chan struct{}

	running  atomic.Bool
	awake    atomic.Bool
	overruns atomic.Uint64

	// Loop-owned state
	asm      *Assembler
	seqIDs   *Counter
	reqIDs   *Counter
	pending  *pendingTable
	waiting  *waitRegistry
	registry *EventRegistry
	recent   []uint8
	stats    Statistics
}

// NewLink creates a link transmitting on w. Call Run to start processing.
func NewLink(w io.Writer, cfg Config) *Link {
	cfg = cfg.withDefaults()
	l := &Link{
		w:        w,
		cfg:      cfg,
		log:      cfg.Logger,
		ops:      make(chan func(), 16),
		rx:       make(chan []byte, cfg.RxQueueDepth),
		sleep:    make(chan struct{}, 1),
		wake:     make(chan struct{}, 1),
		events:   make(chan dispatch, cfg.EventQueueDepth),
		done:     make(chan struct{}),
		asm:      NewAssembler(),
		seqIDs:   NewSeqCounter(),
		reqIDs:   NewReqCounter(),
		pending:  newPendingTable(),
		waiting:  newWaitRegistry(),
		registry: NewEventRegistry(),
		recent:   make([]uint8, 0, duplicateWindow),
		stats:    NewStatistics(),
	}
	l.awake.Store(true)
	return l
}

// Run processes received bytes, timers and client operations until ctx is
// cancelled. On return every pending command and waiting request has failed
// with ErrLinkClosed.
func (l *Link) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return errors.New("serialhub: link already running")
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.dispatchLoop()
	}()

	defer func() {
		l.failAll(ErrLinkClosed)
		close(l.done)
		close(l.events)
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			l.log.Debug("Link stopping")
			return nil

		case fn := <-l.ops:
			fn()

		case chunk := <-l.rx:
			if l.awake.Load() {
				l.receiveChunk(chunk)
			}

		case <-l.sleep:
			if l.awake.Load() {
				// Woken again before the signal was handled
				continue
			}
			l.log.Info("Link asleep, failing in-flight commands")
			l.failAll(ErrLinkDown)
			l.asm.Reset()
			// The peer may restart its sequence ids after a power transition
			l.recent = l.recent[:0]

		case <-l.wake:
			if l.awake.Load() {
				l.flushPending()
			}
		}
	}
}

// dispatchLoop delivers events to clients outside the link loop
func (l *Link) dispatchLoop() {
	for d := range l.events {
		l.deliver(d)
	}
}

func (l *Link) deliver(d dispatch) {
	defer func() {
		if r := recover(); r != nil {
			l.log.WithFields(logrus.Fields{
				"tc":  d.event.Category,
				"iid": d.event.Instance,
			}).Errorf("Event client panicked: %v", r)
		}
	}()
	d.client.EventReceived(d.event)
}

// do runs fn on the link loop and waits for it to finish
func (l *Link) do(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	op := func() {
		fn()
		close(ran)
	}

	select {
	case l.ops <- op:
	case <-l.done:
		return ErrLinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-ran:
		return nil
	case <-l.done:
		// The loop closes done only after it stops running ops.
		select {
		case <-ran:
			return nil
		default:
			return ErrLinkClosed
		}
	}
}

// post queues fn on the loop without waiting; used by timers
func (l *Link) post(fn func()) {
	select {
	case l.ops <- fn:
	case <-l.done:
	}
}

// Receive is the bus callback for incoming bytes. The chunk is copied and
// queued; when the queue is full the chunk is dropped and resync recovers.
func (l *Link) Receive(chunk []byte) {
	if len(chunk) == 0 || !l.awake.Load() {
		return
	}
	buf := make([]byte, len(chunk))
	copy(buf, chunk)

	select {
	case l.rx <- buf:
	default:
		l.overruns.Add(1)
	}
}

// ReceiveSync processes chunk on the link loop and returns once it has been
// handled. It is for producers that can wait, such as trace replay, and
// never drops data.
func (l *Link) ReceiveSync(ctx context.Context, chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	buf := make([]byte, len(chunk))
	copy(buf, chunk)

	return l.do(ctx, func() {
		if l.awake.Load() {
			l.receiveChunk(buf)
		}
	})
}

// SetAwake toggles whether the link processes traffic. Going to sleep fails
// every pending command and waiting request with ErrLinkDown; event
// registrations are kept.
func (l *Link) SetAwake(awake bool) {
	was := l.awake.Swap(awake)
	if was && !awake {
		select {
		case l.sleep <- struct{}{}:
		default:
		}
	}
}

// Awake reports the current power state of the link
func (l *Link) Awake() bool {
	return l.awake.Load()
}

// WakeInterrupt signals that the peer is ready again; pending transmissions
// are flushed immediately
func (l *Link) WakeInterrupt() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// SendCommand transmits a command and returns without waiting for its ACK.
// The returned Call resolves when the ACK arrives or delivery fails.
func (l *Link) SendCommand(ctx context.Context, req Request) (*Call, error) {
	if !l.awake.Load() {
		return nil, ErrLinkDown
	}

	var call *Call
	var sendErr error
	err := l.do(ctx, func() {
		call, _, sendErr = l.send(req, false)
	})
	if err != nil {
		return nil, err
	}
	return call, sendErr
}

// GetResponse transmits a command and waits for the response carrying its
// request id. The response payload is copied into buf and its length returned.
func (l *Link) GetResponse(ctx context.Context, req Request, buf []byte) (int, error) {
	if !l.awake.Load() {
		return 0, ErrLinkDown
	}

	var w *waitingRequest
	var sendErr error
	err := l.do(ctx, func() {
		_, w, sendErr = l.send(req, true)
	})
	if err != nil {
		return 0, err
	}
	if sendErr != nil {
		return 0, sendErr
	}

	timer := time.NewTimer(l.cfg.WaitTimeout)
	defer timer.Stop()

	select {
	case res := <-w.result:
		return copyResult(buf, res)
	case <-timer.C:
		err = ErrResponseTimeout
	case <-ctx.Done():
		err = ctx.Err()
	}

	timedOut := err == ErrResponseTimeout
	l.do(context.Background(), func() {
		if l.waiting.remove(w) && timedOut {
			l.stats.ResponseTimeouts++
			l.log.WithField("rqid", w.rqid).Warn("Response timeout")
		}
	})

	// The response may have won the race against the timeout
	select {
	case res := <-w.result:
		return copyResult(buf, res)
	default:
	}
	return 0, err
}

func copyResult(buf []byte, res waitResult) (int, error) {
	if res.err != nil {
		return 0, res.err
	}
	n := copy(buf, res.data)
	if n < len(res.data) {
		return n, fmt.Errorf("%w: %d of %d bytes", ErrBufferTooSmall, n, len(res.data))
	}
	return n, nil
}

// RegisterEvent routes events for (category, instance) to client
func (l *Link) RegisterEvent(ctx context.Context, client Client, category, instance uint8) error {
	var regErr error
	if err := l.do(ctx, func() {
		regErr = l.registry.Register(client, category, instance)
	}); err != nil {
		return err
	}
	if regErr == nil {
		l.log.WithFields(logrus.Fields{"tc": category, "iid": instance}).Debug("Event registered")
	}
	return regErr
}

// UnregisterEvent removes the route for (category, instance) held by client
func (l *Link) UnregisterEvent(ctx context.Context, client Client, category, instance uint8) error {
	return l.do(ctx, func() {
		if l.registry.Unregister(client, category, instance) {
			l.log.WithFields(logrus.Fields{"tc": category, "iid": instance}).Debug("Event unregistered")
		}
	})
}

// Stats returns a snapshot of the link statistics
func (l *Link) Stats(ctx context.Context) (Statistics, error) {
	var s Statistics
	err := l.do(ctx, func() {
		s = l.stats
		s.DiscardedBytes = l.asm.Discarded()
		s.RxOverruns = l.overruns.Load()
	})
	return s, err
}

// send encodes and transmits a request on the loop. When expectResponse is
// set the waiter is registered before the bytes leave.
func (l *Link) send(req Request, expectResponse bool) (*Call, *waitingRequest, error) {
	if !l.awake.Load() {
		return nil, nil, ErrLinkDown
	}

	rqid, err := l.reqIDs.Next(l.requestInUse)
	if err != nil {
		return nil, nil, fmt.Errorf("request id: %w", err)
	}
	var seq uint16
	if req.WantAck {
		seq, err = l.seqIDs.Next(l.pending.seqInUse)
		if err != nil {
			return nil, nil, fmt.Errorf("sequence id: %w", err)
		}
	}

	frame, err := EncodeCommand(req.command(rqid), uint8(seq), req.WantAck)
	if err != nil {
		return nil, nil, err
	}

	call := newCall(rqid, uint8(seq), req.WantAck)
	var w *waitingRequest
	if expectResponse {
		w = newWaitingRequest(rqid, uint8(seq), req.WantAck)
		l.waiting.add(w)
	}

	log := l.log.WithFields(logrus.Fields{
		"tc":   req.Category,
		"iid":  req.Instance,
		"cid":  req.Command,
		"rqid": rqid,
	})
	l.stats.Commands++

	txErr := l.transmit(frame)
	if !req.WantAck {
		if txErr != nil {
			if w != nil {
				l.waiting.remove(w)
			}
			return nil, nil, fmt.Errorf("transmit: %w", txErr)
		}
		call.resolve(nil)
		log.Debug("Command sent")
		return call, w, nil
	}

	if txErr != nil {
		log.WithError(txErr).Warn("Transmit failed, leaving command to retry")
	}
	p := &pendingCommand{
		seq:   uint8(seq),
		rqid:  rqid,
		frame: frame,
		call:  call,
	}
	l.pending.add(p)
	l.armRetry(p)
	log.WithField("seq", seq).Debug("Command sent, awaiting ACK")

	return call, w, nil
}

func (l *Link) requestInUse(id uint16) bool {
	return l.waiting.inUse(id) || l.pending.reqInUse(id)
}

func (l *Link) transmit(frame []byte) error {
	if _, err := l.w.Write(frame); err != nil {
		return err
	}
	l.stats.FramesTransmitted++
	if l.cfg.Observer != nil {
		if f, _, err := TryDecode(frame); err == nil && f != nil {
			l.cfg.Observer.ObserveFrame(Outbound, f)
		}
	}
	return nil
}

func (l *Link) armRetry(p *pendingCommand) {
	p.gen++
	gen := p.gen
	p.timer = time.AfterFunc(l.cfg.AckTimeout, func() {
		l.post(func() { l.ackTimeout(p, gen) })
	})
}

func (l *Link) ackTimeout(p *pendingCommand, gen uint64) {
	if l.pending.get(p.seq) != p || p.gen != gen {
		return
	}
	if !l.awake.Load() {
		// No retransmission while asleep; the sleep signal fails p
		l.armRetry(p)
		return
	}
	l.retry(p)
}

// retry retransmits p with its original sequence id, or fails it once the
// retry budget is spent
func (l *Link) retry(p *pendingCommand) {
	log := l.log.WithFields(logrus.Fields{"seq": p.seq, "rqid": p.rqid})

	if p.retries >= l.cfg.MaxRetries {
		l.pending.remove(p)
		l.stats.DeliveryFailures++
		log.Warnf("No ACK after %d retries", p.retries)
		p.call.resolve(ErrDeliveryFailed)
		if w := l.waiting.take(p.rqid); w != nil {
			w.resolve(nil, ErrDeliveryFailed)
		}
		return
	}

	p.retries++
	l.stats.Retransmissions++
	log.WithField("try", p.retries).Debug("Retransmitting")
	if err := l.transmit(p.frame); err != nil {
		log.WithError(err).Warn("Retransmit failed")
	}
	l.armRetry(p)
}

func (l *Link) flushPending() {
	for _, p := range l.pending.entries {
		p.stopTimer()
		if err := l.transmit(p.frame); err != nil {
			l.log.WithError(err).WithField("seq", p.seq).Warn("Flush transmit failed")
		}
		l.stats.WakeFlushes++
		l.armRetry(p)
	}
}

// failAll resolves every in-flight command and waiter with err
func (l *Link) failAll(err error) {
	for _, p := range l.pending.drain() {
		p.call.resolve(err)
	}
	for _, w := range l.waiting.drain() {
		w.resolve(nil, err)
	}
}

// receiveChunk feeds the assembler and routes every completed frame
func (l *Link) receiveChunk(chunk []byte) {
	frames, errs := l.asm.Feed(chunk)
	for _, err := range errs {
		l.framingError(err)
	}
	for _, f := range frames {
		l.handleFrame(f)
	}
}

func (l *Link) framingError(err error) {
	l.stats.recordFramingError(err)

	var fe *FrameError
	if !errors.As(err, &fe) || fe.Kind == ErrNoMarker {
		return
	}
	l.log.WithError(err).Debug("Framing error, resynchronizing")

	if fe.Kind == ErrPayloadChecksum && fe.Type == FrameTypeDataSeq {
		if txErr := l.transmit(EncodeNak(fe.Seq)); txErr != nil {
			l.log.WithError(txErr).Warn("NAK transmit failed")
		}
	}
}

func (l *Link) handleFrame(f *Frame) {
	l.stats.FramesReceived++
	if l.cfg.Observer != nil {
		l.cfg.Observer.ObserveFrame(Inbound, f)
	}

	switch f.Type {
	case FrameTypeAck:
		l.stats.Acks++
		l.handleAck(f.Seq)

	case FrameTypeNak:
		l.stats.Naks++
		l.handleNak(f.Seq)

	case FrameTypeDataSeq:
		if err := l.transmit(EncodeAck(f.Seq)); err != nil {
			l.log.WithError(err).Warn("ACK transmit failed")
		}
		if l.isDuplicate(f.Seq) {
			l.stats.Duplicates++
			l.log.WithField("seq", f.Seq).Debug("Duplicate frame dropped")
			return
		}
		l.handleData(f)

	case FrameTypeDataNoSeq:
		l.handleData(f)

	default:
		l.stats.ProtocolViolations++
		l.log.Warnf("Unknown frame type 0x%02X", byte(f.Type))
	}
}

func (l *Link) handleAck(seq uint8) {
	p := l.pending.get(seq)
	if p == nil {
		l.log.WithField("seq", seq).Debug("ACK for unknown sequence id")
		return
	}
	l.pending.remove(p)
	p.call.resolve(nil)
}

func (l *Link) handleNak(seq uint8) {
	p := l.pending.get(seq)
	if p == nil {
		l.log.WithField("seq", seq).Debug("NAK for unknown sequence id ignored")
		return
	}
	p.stopTimer()
	l.retry(p)
}

// isDuplicate records seq and reports whether it was seen recently
func (l *Link) isDuplicate(seq uint8) bool {
	for _, s := range l.recent {
		if s == seq {
			return true
		}
	}
	if len(l.recent) == duplicateWindow {
		l.recent = append(l.recent[:0], l.recent[1:]...)
	}
	l.recent = append(l.recent, seq)
	return false
}

func (l *Link) handleData(f *Frame) {
	cmd, err := ParseCommand(f.Payload)
	if err != nil {
		l.stats.ProtocolViolations++
		l.log.WithError(err).Warn("Dropping malformed data frame")
		return
	}

	if !cmd.IsEvent() {
		if w := l.waiting.take(cmd.RequestID); w != nil {
			l.stats.Responses++
			// A response implies the command got through
			if w.sequenced {
				if p := l.pending.get(w.seq); p != nil && p.rqid == w.rqid {
					l.pending.remove(p)
					p.call.resolve(nil)
				}
			}
			w.resolve(cmd.Data, nil)
			return
		}
	}

	l.dispatchEvent(cmd)
}

func (l *Link) dispatchEvent(cmd *Command) {
	log := l.log.WithFields(logrus.Fields{
		"tc":   cmd.Category,
		"iid":  cmd.Instance,
		"cid":  cmd.CommandID,
		"rqid": cmd.RequestID,
	})

	client := l.registry.Lookup(cmd.Category, cmd.Instance)
	if client == nil {
		l.stats.Unhandled++
		if cmd.IsEvent() {
			log.Debug("Unhandled event")
		} else {
			log.Warn("Response for unknown request id dropped")
		}
		return
	}

	select {
	case l.events <- dispatch{client: client, event: eventFromCommand(cmd)}:
		l.stats.EventsDispatched++
	default:
		l.stats.EventOverruns++
		log.Warn("Event queue full, event dropped")
	}
}
