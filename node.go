package ramutex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/xid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/pslog"
	"pkt.systems/ramutex/internal/clock"
	"pkt.systems/ramutex/internal/connguard"
	"pkt.systems/ramutex/internal/ra"
	"pkt.systems/ramutex/internal/sharedlog"
	"pkt.systems/ramutex/internal/svcfields"
	"pkt.systems/ramutex/internal/transport/tcp"
	"pkt.systems/ramutex/internal/version"
	"pkt.systems/ramutex/internal/workload"
)

// Errors returned by Coordinator().RequestCriticalSection, re-exported for
// callers outside this module.
var (
	ErrClosed         = ra.ErrClosed
	ErrProtocolMisuse = ra.ErrProtocolMisuse
)

// Option configures node instances.
type Option func(*options)

type options struct {
	logger pslog.Logger
	clock  clock.Clock
	rand   *rand.Rand
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithClock injects the clock the workload paces itself with.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithRand injects the source of attempt jitter.
func WithRand(r *rand.Rand) Option {
	return func(o *options) {
		o.rand = r
	}
}

// Node is one running peer: the coordinator, its TCP transport, the workload
// driving it and the status and telemetry endpoints around them.
type Node struct {
	cfg         Config
	logger      pslog.Logger
	runID       string
	coordinator *ra.Coordinator
	transport   *tcp.Transport
	shared      *sharedlog.Log
	runner      *workload.Runner

	mu          sync.Mutex
	started     bool
	telemetry   *telemetry
	statusAddr  net.Addr
	stopStatus  func(context.Context) error
	workloadErr error
	workDone    chan struct{}
	workCancel  context.CancelFunc
	shutdown    bool
}

// NewNode validates cfg and wires a node without binding any listener.
func NewNode(cfg Config, opts ...Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = pslog.NoopLogger()
	}
	runID := xid.New().String()
	base := o.logger.With("run_id", runID)
	logger := svcfields.WithPeer(base, cfg.ID)

	peers, err := cfg.PeerIdentities()
	if err != nil {
		return nil, err
	}
	var guard *connguard.Guard
	if !cfg.DisableConnGuard {
		guard = connguard.New(connguard.Config{
			Enabled:          true,
			FailureThreshold: cfg.GuardFailureThreshold,
			FailureWindow:    cfg.GuardFailureWindow,
			BlockDuration:    cfg.GuardBlockDuration,
		}, logger)
	}
	transport, err := tcp.New(tcp.Config{
		Listen:          cfg.Listen,
		SendTimeout:     cfg.SendTimeout,
		ReadTimeout:     cfg.ReadTimeout,
		MaxMessageBytes: int(cfg.MaxMessageBytes),
		Guard:           guard,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}
	coordinator, err := ra.New(ra.Config{
		Self:   cfg.Self(),
		Peers:  peers,
		Sender: transport,
		Logger: base,
	})
	if err != nil {
		return nil, err
	}
	var shared *sharedlog.Log
	if cfg.SharedLogPath != "" {
		if shared, err = sharedlog.Open(cfg.SharedLogPath, logger); err != nil {
			return nil, err
		}
	}
	runner, err := workload.New(workload.Config{
		Attempts:     cfg.Attempts,
		StartupDelay: cfg.StartupDelay,
		JitterMin:    cfg.JitterMin,
		JitterMax:    cfg.JitterMax,
		Hold:         cfg.Hold,
		Log:          shared,
		Clock:        o.clock,
		Rand:         o.rand,
		Logger:       logger,
	}, coordinator)
	if err != nil {
		return nil, err
	}
	return &Node{
		cfg:         cfg,
		logger:      logger,
		runID:       runID,
		coordinator: coordinator,
		transport:   transport,
		shared:      shared,
		runner:      runner,
	}, nil
}

// Config returns the validated configuration.
func (n *Node) Config() Config {
	return n.cfg
}

// RunID identifies this process instance.
func (n *Node) RunID() string {
	return n.runID
}

// Coordinator exposes the protocol state machine.
func (n *Node) Coordinator() *ra.Coordinator {
	return n.coordinator
}

// PeerAddr returns the bound transport address once started.
func (n *Node) PeerAddr() net.Addr {
	return n.transport.Addr()
}

// StatusAddr returns the bound status address, or nil when disabled.
func (n *Node) StatusAddr() net.Addr {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.statusAddr
}

// Start brings up telemetry, the peer transport and the status endpoint. It
// does not start the workload.
func (n *Node) Start(ctx context.Context) (err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.shutdown {
		return errors.New("ramutex: node shut down")
	}
	if n.started {
		return errors.New("ramutex: node already started")
	}
	endpoint := n.cfg.OTLPEndpoint
	if n.cfg.DisableTracing {
		endpoint = ""
	}
	n.telemetry, err = startTelemetry(ctx, telemetryOptions{
		endpoint:         endpoint,
		metricsListen:    n.cfg.MetricsListen,
		pprofListen:      n.cfg.PprofListen,
		profilingMetrics: n.cfg.EnableProfilingMetrics,
		peerID:           n.cfg.ID,
		runID:            n.runID,
	}, n.logger)
	if err != nil {
		return err
	}
	if err := n.transport.Start(ctx, n.coordinator); err != nil {
		_ = n.telemetry.Shutdown(context.Background())
		return err
	}
	if n.cfg.StatusListen != "" {
		addr, stop, err := serveHTTP("status", n.cfg.StatusListen, n.StatusHandler(), n.logger)
		if err != nil {
			_ = n.transport.Close()
			_ = n.telemetry.Shutdown(context.Background())
			return fmt.Errorf("ramutex: %w", err)
		}
		n.statusAddr, n.stopStatus = addr, stop
		n.logger.Info("status.listening", "addr", addr.String())
	}
	n.started = true
	n.logger.Info("node.started",
		"listen", n.transport.Addr().String(),
		"advertise", n.cfg.Advertise,
		"peers", len(n.coordinator.Peers()),
		"version", version.Current(),
	)
	return nil
}

// StartWorkload launches the configured attempts in the background. The
// returned channel closes when they finish.
func (n *Node) StartWorkload(ctx context.Context) <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.workDone != nil {
		return n.workDone
	}
	done := make(chan struct{})
	ctx, cancel := context.WithCancel(ctx)
	n.workDone, n.workCancel = done, cancel
	go func() {
		defer close(done)
		defer cancel()
		_, err := n.runner.Run(ctx)
		n.mu.Lock()
		n.workloadErr = err
		n.mu.Unlock()
	}()
	return done
}

// WorkloadResult returns attempt counts and the joined attempt errors so far.
func (n *Node) WorkloadResult() (workload.Result, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.runner.Result(), n.workloadErr
}

// Run starts the node and its workload and blocks until ctx is done, or
// until the workload finishes when ExitAfterWorkload is set. It always shuts
// the node down before returning.
func (n *Node) Run(ctx context.Context) error {
	if err := n.Start(ctx); err != nil {
		return err
	}
	done := n.StartWorkload(ctx)
	var runErr error
	if n.cfg.ExitAfterWorkload {
		select {
		case <-ctx.Done():
		case <-done:
			_, runErr = n.WorkloadResult()
		}
	} else {
		select {
		case <-ctx.Done():
		case <-done:
			result, _ := n.WorkloadResult()
			n.logger.Info("node.idle", "completed", result.Completed, "failed", result.Failed)
			<-ctx.Done()
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.cfg.ShutdownTimeout)
	defer cancel()
	return errors.Join(runErr, n.Shutdown(shutdownCtx))
}

// Shutdown closes the coordinator and cancels the workload, waits for it to
// return and then stops the remaining listeners and exporters.
func (n *Node) Shutdown(ctx context.Context) error {
	n.mu.Lock()
	if n.shutdown {
		n.mu.Unlock()
		return nil
	}
	n.shutdown = true
	workDone, workCancel := n.workDone, n.workCancel
	stopStatus := n.stopStatus
	tel := n.telemetry
	n.mu.Unlock()

	var errs []error
	_ = n.coordinator.Close()
	if workCancel != nil {
		workCancel()
	}
	if workDone != nil {
		select {
		case <-workDone:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("workload: %w", ctx.Err()))
		}
	}
	if err := n.transport.Close(); err != nil {
		errs = append(errs, fmt.Errorf("transport: %w", err))
	}
	if stopStatus != nil {
		if err := stopStatus(ctx); err != nil {
			errs = append(errs, fmt.Errorf("status: %w", err))
		}
	}
	if err := tel.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		n.logger.Warn("node.shutdown.failed", "error", errors.Join(errs...))
		return errors.Join(errs...)
	}
	n.logger.Info("node.stopped")
	return nil
}

// Status is the document served by GET /v1/status.
type Status struct {
	RunID    string          `json:"run_id"`
	Version  string          `json:"version"`
	Time     time.Time       `json:"time"`
	Node     ra.Snapshot     `json:"node"`
	Workload workload.Result `json:"workload"`
	// SharedLog is the shared log path, when recording is enabled.
	SharedLog string `json:"shared_log,omitempty"`
}

// Status returns the current status document.
func (n *Node) Status() Status {
	result, _ := n.WorkloadResult()
	st := Status{
		RunID:    n.runID,
		Version:  version.Current(),
		Time:     time.Now().UTC(),
		Node:     n.coordinator.Snapshot(),
		Workload: result,
	}
	if n.shared != nil {
		st.SharedLog = n.shared.Path()
	}
	return st
}

// StatusHandler serves the status document as JSON.
func (n *Node) StatusHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(n.Status()); err != nil {
			n.logger.Debug("status.write_failed", "error", err)
		}
	})
	return otelhttp.NewHandler(mux, "ramutex.status")
}

// StartNode starts a node with its workload in the background and returns a
// stop function that shuts it down. The node also stops when ctx is done.
func StartNode(ctx context.Context, cfg Config, opts ...Option) (*Node, func(context.Context) error, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	node, err := NewNode(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	if err := node.Start(ctx); err != nil {
		return nil, nil, err
	}
	node.StartWorkload(context.WithoutCancel(ctx))
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			stopErr = node.Shutdown(shutdownCtx)
		})
		return stopErr
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), node.cfg.ShutdownTimeout)
		defer cancel()
		_ = stop(shutdownCtx)
	}()
	return node, stop, nil
}
