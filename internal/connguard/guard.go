// Package connguard blocks remote hosts that keep sending records the peer
// transport cannot decode.
package connguard

import (
	"net"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/ramutex/internal/svcfields"
)

// Config controls guard behaviour.
type Config struct {
	// Enabled toggles enforcement. A disabled guard never blocks.
	Enabled bool
	// FailureThreshold is the number of failures within FailureWindow that
	// blocks a host.
	FailureThreshold int
	// FailureWindow is the period failures are counted over.
	FailureWindow time.Duration
	// BlockDuration is how long a blocked host stays blocked.
	BlockDuration time.Duration
}

const (
	// DefaultFailureThreshold applies when Config.FailureThreshold is zero.
	DefaultFailureThreshold = 5
	// DefaultFailureWindow applies when Config.FailureWindow is zero.
	DefaultFailureWindow = 10 * time.Second
	// DefaultBlockDuration applies when Config.BlockDuration is zero.
	DefaultBlockDuration = time.Minute
)

type hostState struct {
	failures     []time.Time
	blockedUntil time.Time
}

// Guard tracks failures per remote host.
type Guard struct {
	cfg    Config
	logger pslog.Logger
	now    func() time.Time

	mu    sync.Mutex
	hosts map[string]*hostState
}

// New builds a guard, filling defaults for zero values.
func New(cfg Config, logger pslog.Logger) *Guard {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = DefaultFailureWindow
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = DefaultBlockDuration
	}
	return &Guard{
		cfg:    cfg,
		logger: svcfields.WithSubsystem(logger, "transport.connguard"),
		now:    time.Now,
		hosts:  make(map[string]*hostState),
	}
}

// SetNow replaces the time source. Intended for tests.
func (g *Guard) SetNow(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
}

// Report records a failure from remote and reports whether the host is now
// blocked.
func (g *Guard) Report(remote, reason string) bool {
	if g == nil || !g.cfg.Enabled {
		return false
	}
	host := hostOf(remote)
	if host == "" {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	state := g.hosts[host]
	if state == nil {
		state = &hostState{}
		g.hosts[host] = state
	}
	if state.blockedUntil.After(now) {
		return true
	}
	state.blockedUntil = time.Time{}

	cutoff := now.Add(-g.cfg.FailureWindow)
	for len(state.failures) > 0 && state.failures[0].Before(cutoff) {
		state.failures = state.failures[1:]
	}
	state.failures = append(state.failures, now)
	if len(state.failures) < g.cfg.FailureThreshold {
		g.logger.Debug("transport.connguard.suspicious", "remote", host, "reason", reason, "count", len(state.failures))
		return false
	}
	state.failures = nil
	state.blockedUntil = now.Add(g.cfg.BlockDuration)
	g.logger.Warn("transport.connguard.blocked",
		"remote", host,
		"reason", reason,
		"threshold", g.cfg.FailureThreshold,
		"window", g.cfg.FailureWindow,
		"duration", g.cfg.BlockDuration,
	)
	return true
}

// Blocked reports whether remote is currently blocked.
func (g *Guard) Blocked(remote string) bool {
	if g == nil || !g.cfg.Enabled {
		return false
	}
	host := hostOf(remote)
	if host == "" {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	state := g.hosts[host]
	if state == nil || state.blockedUntil.IsZero() {
		return false
	}
	if state.blockedUntil.After(g.now()) {
		return true
	}
	state.blockedUntil = time.Time{}
	if len(state.failures) == 0 {
		delete(g.hosts, host)
	}
	g.logger.Info("transport.connguard.unblocked", "remote", host)
	return false
}

// WrapListener returns a listener that drops connections from blocked hosts
// before they reach the caller.
func (g *Guard) WrapListener(ln net.Listener) net.Listener {
	if g == nil || !g.cfg.Enabled || ln == nil {
		return ln
	}
	return &guardedListener{Listener: ln, guard: g}
}

type guardedListener struct {
	net.Listener
	guard *Guard
}

func (l *guardedListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		remote := ""
		if addr := conn.RemoteAddr(); addr != nil {
			remote = addr.String()
		}
		if !l.guard.Blocked(remote) {
			return conn, nil
		}
		l.guard.logger.Debug("transport.connguard.rejected", "remote", hostOf(remote))
		_ = conn.Close()
	}
}

func hostOf(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(raw); err == nil {
		return host
	}
	return raw
}
