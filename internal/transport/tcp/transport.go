// Package tcp carries protocol messages between peers over plain TCP. Each
// Send dials the target, writes one newline-terminated JSON record and closes
// the connection. Inbound connections may carry any number of records.
package tcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"
	"pkt.systems/ramutex/internal/connguard"
	"pkt.systems/ramutex/internal/ra"
	"pkt.systems/ramutex/internal/svcfields"
)

const (
	// DefaultSendTimeout bounds dialing and writing one record.
	DefaultSendTimeout = 2 * time.Second
	// DefaultReadTimeout closes inbound connections that stay silent.
	DefaultReadTimeout = 30 * time.Second
	// DefaultMaxMessageBytes caps the length of one inbound line.
	DefaultMaxMessageBytes = 64 << 10
)

// Config describes a transport.
type Config struct {
	// Listen is the local address to accept peer connections on.
	Listen string
	// SendTimeout bounds dial plus write of one outbound record.
	SendTimeout time.Duration
	// ReadTimeout is the idle deadline for inbound connections.
	ReadTimeout time.Duration
	// MaxMessageBytes rejects inbound lines longer than this.
	MaxMessageBytes int
	// Guard, when set, blocks hosts that repeatedly send malformed records.
	Guard *connguard.Guard
	// Logger receives transport diagnostics; nil disables logging.
	Logger pslog.Logger
}

// Transport is a TCP ra.Sender plus an accept loop feeding a ra.Deliverer.
type Transport struct {
	cfg     Config
	logger  pslog.Logger
	tracer  trace.Tracer
	dropped metric.Int64Counter

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New validates cfg and returns an unstarted transport.
func New(cfg Config) (*Transport, error) {
	if cfg.Listen == "" {
		return nil, errors.New("tcp: listen address required")
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "transport.tcp")
	dropped, err := otel.Meter("pkt.systems/ramutex/transport/tcp").Int64Counter(
		"ramutex.transport.dropped",
		metric.WithDescription("Inbound records dropped before delivery"),
	)
	if err != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "ramutex.transport.dropped", "error", err)
	}
	return &Transport{
		cfg:     cfg,
		logger:  logger,
		tracer:  otel.Tracer("pkt.systems/ramutex/transport/tcp"),
		dropped: dropped,
		conns:   make(map[net.Conn]struct{}),
	}, nil
}

// Start binds the listener and begins delivering inbound records to d.
func (t *Transport) Start(ctx context.Context, d ra.Deliverer) error {
	if d == nil {
		return errors.New("tcp: deliverer required")
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", t.cfg.Listen)
	if err != nil {
		return fmt.Errorf("tcp: listen %s: %w", t.cfg.Listen, err)
	}
	ln = t.cfg.Guard.WrapListener(ln)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = ln.Close()
		return errors.New("tcp: transport closed")
	}
	if t.listener != nil {
		t.mu.Unlock()
		_ = ln.Close()
		return errors.New("tcp: transport already started")
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.listener = ln
	t.cancel = cancel
	t.wg.Add(1)
	t.mu.Unlock()

	t.logger.Info("transport.tcp.listening", "addr", ln.Addr().String())
	go t.acceptLoop(loopCtx, ln, d)
	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (t *Transport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Send dials target and writes msg as a single record. Failures wrap
// ra.ErrDelivery.
func (t *Transport) Send(ctx context.Context, target ra.PeerIdentity, msg ra.Message) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := t.tracer.Start(ctx, "ramutex.transport.send", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("ramutex.message.kind", msg.Kind.String()),
			attribute.Int("ramutex.peer.id", int(target.ID)),
			attribute.String("net.peer.addr", target.Address),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "send failed")
		}
		span.End()
	}()

	payload, err := Encode(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, t.cfg.SendTimeout)
	defer cancel()
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", target.Address)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ra.ErrDelivery, target, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("%w: write %s: %v", ra.ErrDelivery, target, err)
	}
	return nil
}

// Close stops accepting, closes open inbound connections and waits for their
// handlers to return.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	ln := t.listener
	if t.cancel != nil {
		t.cancel()
	}
	for conn := range t.conns {
		_ = conn.Close()
	}
	t.mu.Unlock()

	var err error
	if ln != nil {
		if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	}
	t.wg.Wait()
	return err
}

func (t *Transport) acceptLoop(ctx context.Context, ln net.Listener, d ra.Deliverer) {
	defer t.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			t.logger.Warn("transport.tcp.accept_failed", "error", err)
			continue
		}
		if !t.track(conn) {
			_ = conn.Close()
			return
		}
		go t.serve(ctx, conn, d)
	}
}

func (t *Transport) track(conn net.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.conns[conn] = struct{}{}
	t.wg.Add(1)
	return true
}

func (t *Transport) untrack(conn net.Conn) {
	t.mu.Lock()
	delete(t.conns, conn)
	t.mu.Unlock()
	_ = conn.Close()
	t.wg.Done()
}

func (t *Transport) serve(ctx context.Context, conn net.Conn, d ra.Deliverer) {
	defer t.untrack(conn)
	remote := conn.RemoteAddr().String()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), t.cfg.MaxMessageBytes)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))
		if !scanner.Scan() {
			break
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := Decode(line)
		if err != nil {
			t.drop(ctx, remote, "malformed", err)
			continue
		}
		if err := d.Deliver(ctx, msg); err != nil {
			reason := "rejected"
			if errors.Is(err, ra.ErrUnknownPeer) {
				reason = "unknown_peer"
			}
			t.drop(ctx, remote, reason, err)
		}
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			t.drop(ctx, remote, "oversized", fmt.Errorf("%w: record exceeds %d bytes", ra.ErrMalformedMessage, t.cfg.MaxMessageBytes))
			return
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			t.logger.Debug("transport.tcp.idle_timeout", "remote", remote)
			return
		}
		if !errors.Is(err, net.ErrClosed) {
			t.logger.Debug("transport.tcp.read_failed", "remote", remote, "error", err)
		}
	}
}

func (t *Transport) drop(ctx context.Context, remote, reason string, err error) {
	if t.dropped != nil {
		t.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("ramutex.drop.reason", reason)))
	}
	switch reason {
	case "malformed", "oversized":
		t.logger.Warn("transport.tcp.decode_failed", "remote", remote, "reason", reason, "error", err)
		t.cfg.Guard.Report(remote, reason)
	default:
		t.logger.Debug("transport.tcp.delivery_rejected", "remote", remote, "reason", reason, "error", err)
	}
}
