// Package ra implements Ricart–Agrawala distributed mutual exclusion over a
// static peer set. A Coordinator owns the node state; transports feed inbound
// messages through Deliver and carry outbound ones through a Sender.
package ra

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"
	"pkt.systems/ramutex/internal/correlation"
	"pkt.systems/ramutex/internal/lamport"
	"pkt.systems/ramutex/internal/svcfields"
)

// Sender carries a message to a peer. Implementations report unreachable
// peers with an error wrapping ErrDelivery; the coordinator never retries.
type Sender interface {
	Send(ctx context.Context, target PeerIdentity, msg Message) error
}

// Deliverer accepts inbound messages. Coordinator implements it.
type Deliverer interface {
	Deliver(ctx context.Context, msg Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, target PeerIdentity, msg Message) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, target PeerIdentity, msg Message) error {
	return f(ctx, target, msg)
}

// Config describes a coordinator.
type Config struct {
	// Self is the local identity. Its ID must be positive.
	Self PeerIdentity
	// Peers is the static membership. An entry carrying Self.ID is ignored.
	Peers []PeerIdentity
	// Sender carries outbound messages.
	Sender Sender
	// Logger receives protocol diagnostics; nil disables logging.
	Logger pslog.Logger
}

// Coordinator is the per-process Ricart–Agrawala state machine.
type Coordinator struct {
	self    PeerIdentity
	peers   map[ProcessID]PeerIdentity
	order   []ProcessID
	sender  Sender
	logger  pslog.Logger
	tracer  trace.Tracer
	metrics *coordinatorMetrics

	mu       sync.Mutex
	clock    lamport.Clock
	state    State
	claim    Priority
	pending  map[ProcessID]struct{}
	deferred map[ProcessID]struct{}
	granted  chan struct{}
	closed   bool
	done     chan struct{}
}

type envelope struct {
	target PeerIdentity
	msg    Message
}

// New validates cfg and returns a coordinator in the RELEASED state with the
// clock at 0.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Self.ID <= 0 {
		return nil, fmt.Errorf("ra: self id must be positive, got %d", cfg.Self.ID)
	}
	if cfg.Sender == nil {
		return nil, errors.New("ra: sender is required")
	}
	peers := make(map[ProcessID]PeerIdentity, len(cfg.Peers))
	order := make([]ProcessID, 0, len(cfg.Peers))
	for _, peer := range cfg.Peers {
		if peer.ID <= 0 {
			return nil, fmt.Errorf("ra: peer id must be positive, got %d", peer.ID)
		}
		if peer.ID == cfg.Self.ID {
			continue
		}
		if _, dup := peers[peer.ID]; dup {
			return nil, fmt.Errorf("ra: duplicate peer id %d", peer.ID)
		}
		peers[peer.ID] = peer
		order = append(order, peer.ID)
	}
	slices.Sort(order)
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	c := &Coordinator{
		self:     cfg.Self,
		peers:    peers,
		order:    order,
		sender:   cfg.Sender,
		logger:   svcfields.WithPeer(svcfields.WithSubsystem(logger, "ra"), int(cfg.Self.ID)),
		tracer:   otel.Tracer("pkt.systems/ramutex/ra"),
		claim:    noClaim,
		pending:  make(map[ProcessID]struct{}),
		deferred: make(map[ProcessID]struct{}),
		done:     make(chan struct{}),
	}
	c.metrics = newCoordinatorMetrics(logger, c)
	return c, nil
}

// Self returns the local identity.
func (c *Coordinator) Self() PeerIdentity {
	return c.self
}

// Peers returns the static peer set ordered by id, self excluded.
func (c *Coordinator) Peers() []PeerIdentity {
	out := make([]PeerIdentity, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.peers[id])
	}
	return out
}

// State returns the current protocol state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RequestCriticalSection broadcasts a request, waits until every peer has
// replied, runs fn while HELD and then releases, flushing deferred replies.
//
// The wait has no timeout and ignores ctx cancellation: while any peer is
// unreachable the node stays WANTED. Close is the only way to abandon it.
// ctx is passed to fn and carries tracing and correlation data.
//
// A second call while a request is outstanding fails with ErrProtocolMisuse
// and leaves the state untouched.
func (c *Coordinator) RequestCriticalSection(ctx context.Context, fn func(context.Context) error) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := c.tracer.Start(ctx, "ramutex.cs.request", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	if correlation.ID(ctx) == "" {
		ctx, _ = correlation.New(ctx)
	}
	logger := correlation.Logger(ctx, c.logger)
	span.SetAttributes(attribute.String("ramutex.correlation_id", correlation.ID(ctx)))
	begin := time.Now()
	var wait, hold time.Duration
	defer func() {
		c.metrics.recordRequest(ctx, wait, hold, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, metricResultLabel(err))
		}
	}()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateReleased {
		state := c.state
		c.mu.Unlock()
		logger.Warn("ra.request.misuse", "state", state.String())
		return fmt.Errorf("%w: request issued while %s", ErrProtocolMisuse, state)
	}
	ts := c.clock.Tick()
	c.claim = Priority{Timestamp: ts, ID: c.self.ID}
	c.state = StateWanted
	clear(c.pending)
	for _, id := range c.order {
		c.pending[id] = struct{}{}
	}
	clear(c.deferred)
	granted := make(chan struct{})
	c.granted = granted
	if len(c.pending) == 0 {
		c.state = StateHeld
		close(granted)
	}
	outbox := make([]envelope, 0, len(c.order))
	request := Request(c.self, ts)
	for _, id := range c.order {
		outbox = append(outbox, envelope{target: c.peers[id], msg: request})
	}
	c.mu.Unlock()

	span.AddEvent("ramutex.cs.wanted", trace.WithAttributes(
		attribute.Int64("ramutex.request_ts", int64(ts)),
		attribute.Int("ramutex.peers", len(outbox)),
	))
	logger.Debug("ra.request.broadcast", "request_ts", uint64(ts), "peers", len(outbox))
	c.dispatch(ctx, outbox)

	select {
	case <-granted:
	case <-c.done:
		// Deliver grants under the lock before Close can take it, so a
		// grant that raced the close is already visible here.
		select {
		case <-granted:
			c.release(ctx)
		default:
		}
		return ErrClosed
	}
	wait = time.Since(begin)
	span.AddEvent("ramutex.cs.granted")
	logger.Debug("ra.request.granted", "request_ts", uint64(ts), "waited", wait)

	entered := time.Now()
	defer func() {
		hold = time.Since(entered)
		flushed := c.release(ctx)
		span.AddEvent("ramutex.cs.released", trace.WithAttributes(attribute.Int("ramutex.deferred_flushed", flushed)))
		logger.Debug("ra.request.released", "request_ts", uint64(ts), "held", hold, "deferred_flushed", flushed)
	}()
	return fn(ctx)
}

// release leaves HELD and sends one reply to every deferred peer.
func (c *Coordinator) release(ctx context.Context) int {
	c.mu.Lock()
	c.state = StateReleased
	c.claim = noClaim
	c.granted = nil
	ids := make([]ProcessID, 0, len(c.deferred))
	for id := range c.deferred {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	outbox := make([]envelope, 0, len(ids))
	for _, id := range ids {
		outbox = append(outbox, envelope{target: c.peers[id], msg: Reply(c.self, c.clock.SendStamp())})
	}
	clear(c.deferred)
	closed := c.closed
	c.mu.Unlock()

	c.metrics.addDeferred(ctx, -int64(len(outbox)))
	if closed {
		return 0
	}
	c.dispatch(ctx, outbox)
	return len(outbox)
}

// Deliver processes one inbound message atomically with respect to the node
// state. Messages from unknown peers are logged and discarded with
// ErrUnknownPeer; duplicate or stale replies are ignored.
func (c *Coordinator) Deliver(ctx context.Context, msg Message) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := msg.Validate(); err != nil {
		c.logger.Warn("ra.message.malformed", "kind", msg.Kind.String(), "from", int(msg.From.ID), "error", err)
		c.metrics.recordReceived(ctx, msg.Kind, "malformed")
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	peer, known := c.peers[msg.From.ID]
	if !known {
		c.mu.Unlock()
		c.logger.Warn("ra.message.unknown_peer", "kind", msg.Kind.String(), "from", int(msg.From.ID), "addr", msg.From.Address, "msg_id", msg.ID)
		c.metrics.recordReceived(ctx, msg.Kind, "unknown_peer")
		return fmt.Errorf("%w: id %d", ErrUnknownPeer, msg.From.ID)
	}
	now := c.clock.Merge(msg.Timestamp)

	var (
		outbox  []envelope
		outcome string
	)
	switch msg.Kind {
	case KindRequest:
		incoming := Priority{Timestamp: msg.Timestamp, ID: peer.ID}
		if c.shouldDefer(incoming) {
			if _, already := c.deferred[peer.ID]; !already {
				c.deferred[peer.ID] = struct{}{}
				c.metrics.addDeferred(ctx, 1)
			}
			outcome = "deferred"
		} else {
			outbox = append(outbox, envelope{target: peer, msg: Reply(c.self, c.clock.SendStamp())})
			outcome = "replied"
		}
	case KindReply:
		// A reply to the current request was stamped after its sender merged
		// the request timestamp; anything older is a re-delivery.
		if _, waiting := c.pending[peer.ID]; !waiting || msg.Timestamp <= c.claim.Timestamp {
			outcome = "stale"
			break
		}
		delete(c.pending, peer.ID)
		outcome = "accepted"
		if len(c.pending) == 0 && c.state == StateWanted {
			c.state = StateHeld
			close(c.granted)
			outcome = "granted"
		}
	}
	state := c.state
	c.mu.Unlock()

	c.metrics.recordReceived(ctx, msg.Kind, outcome)
	c.logger.Trace("ra.message.delivered",
		"kind", msg.Kind.String(),
		"from", int(peer.ID),
		"ts", uint64(msg.Timestamp),
		"clock", uint64(now),
		"state", state.String(),
		"outcome", outcome,
		"msg_id", msg.ID,
	)
	if outcome == "deferred" {
		c.logger.Debug("ra.request.deferred", "from", int(peer.ID), "ts", uint64(msg.Timestamp))
	}
	c.dispatch(ctx, outbox)
	return nil
}

// shouldDefer applies the Ricart–Agrawala decision table. Without an
// outstanding claim the sentinel loses against every request.
func (c *Coordinator) shouldDefer(incoming Priority) bool {
	switch c.state {
	case StateHeld:
		return true
	case StateWanted:
		return !incoming.Less(c.claim)
	default:
		return false
	}
}

func (c *Coordinator) dispatch(ctx context.Context, outbox []envelope) {
	switch len(outbox) {
	case 0:
		return
	case 1:
		c.send(ctx, outbox[0])
		return
	}
	var wg sync.WaitGroup
	wg.Add(len(outbox))
	for _, env := range outbox {
		go func(env envelope) {
			defer wg.Done()
			c.send(ctx, env)
		}(env)
	}
	wg.Wait()
}

func (c *Coordinator) send(ctx context.Context, env envelope) {
	err := c.sender.Send(ctx, env.target, env.msg)
	c.metrics.recordSent(ctx, env.msg.Kind, err)
	if err != nil {
		c.logger.Warn("ra.send.failed",
			"kind", env.msg.Kind.String(),
			"to", int(env.target.ID),
			"addr", env.target.Address,
			"error", err,
		)
	}
}

// Close fails a blocked RequestCriticalSection with ErrClosed and turns later
// deliveries into no-ops. The node state is left as is.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()
	c.metrics.close()
	return nil
}

// Snapshot is a point-in-time copy of the node state.
type Snapshot struct {
	Self             PeerIdentity   `json:"self"`
	State            State          `json:"state"`
	RequestTimestamp lamport.Time   `json:"request_ts,omitempty"`
	Clock            lamport.Time   `json:"clock"`
	Pending          []ProcessID    `json:"pending"`
	Deferred         []ProcessID    `json:"deferred"`
	Peers            []PeerIdentity `json:"peers"`
}

// HasRequest reports whether the snapshot carries an outstanding request.
func (s Snapshot) HasRequest() bool {
	return s.State != StateReleased
}

// Snapshot returns a copy of the current state.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := Snapshot{
		Self:     c.self,
		State:    c.state,
		Clock:    c.clock.Value(),
		Pending:  sortedIDs(c.pending),
		Deferred: sortedIDs(c.deferred),
		Peers:    c.Peers(),
	}
	if c.claim.IsClaim() {
		snap.RequestTimestamp = c.claim.Timestamp
	}
	return snap
}

func sortedIDs(set map[ProcessID]struct{}) []ProcessID {
	out := make([]ProcessID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
