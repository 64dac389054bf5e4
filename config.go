package ramutex

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"pkt.systems/ramutex/internal/pathutil"
	"pkt.systems/ramutex/internal/ra"
)

const (
	// DefaultListen is the peer transport endpoint.
	DefaultListen = "127.0.0.1:6001"
	// DefaultSendTimeout bounds dialing and writing one protocol message.
	DefaultSendTimeout = 2 * time.Second
	// DefaultReadTimeout closes inbound peer connections that stay idle.
	DefaultReadTimeout = 30 * time.Second
	// DefaultMaxMessageBytes caps a single inbound wire record.
	DefaultMaxMessageBytes int64 = 64 << 10
	// MinMaxMessageBytes is the smallest accepted record cap.
	MinMaxMessageBytes int64 = 256
	// DefaultAttempts is how many times the workload enters the critical section.
	DefaultAttempts = 3
	// DefaultStartupDelay gives the other peers time to start listening.
	DefaultStartupDelay = 3 * time.Second
	// DefaultJitterMin is the lower bound of the pause before each attempt.
	DefaultJitterMin = 500 * time.Millisecond
	// DefaultJitterMax is the upper bound of the pause before each attempt.
	DefaultJitterMax = 2 * time.Second
	// DefaultHold is the simulated work inside the critical section.
	DefaultHold = 1200 * time.Millisecond
	// DefaultGuardFailureThreshold blocks a host after this many malformed records.
	DefaultGuardFailureThreshold = 5
	// DefaultGuardFailureWindow is the window malformed records are counted over.
	DefaultGuardFailureWindow = 10 * time.Second
	// DefaultGuardBlockDuration is how long a noisy host stays blocked.
	DefaultGuardBlockDuration = time.Minute
	// DefaultShutdownTimeout bounds Node.Shutdown when the caller gives no deadline.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultConfigFileName is looked up inside DefaultConfigDir.
	DefaultConfigFileName = "config.yaml"
)

// Config configures one peer process.
type Config struct {
	// ID is this process's identifier. It must be positive and unique across
	// the peer set.
	ID int
	// Listen is the TCP address the peer transport binds to.
	Listen string
	// Advertise is the address other peers reach this process at. Defaults to
	// Listen, with an unspecified host replaced by 127.0.0.1.
	Advertise string
	// Peers is the static membership as "id@host:port" entries. An entry with
	// this process's ID is ignored.
	Peers []string
	// SendTimeout bounds dial plus write of one outbound message.
	SendTimeout time.Duration
	// ReadTimeout closes inbound peer connections idle for this long.
	ReadTimeout time.Duration
	// MaxMessageBytes rejects inbound wire records longer than this.
	MaxMessageBytes int64
	// DisableConnGuard turns off blocking of hosts that send malformed records.
	DisableConnGuard bool
	// GuardFailureThreshold, GuardFailureWindow and GuardBlockDuration tune the
	// connection guard.
	GuardFailureThreshold int
	GuardFailureWindow    time.Duration
	GuardBlockDuration    time.Duration

	// Attempts is the number of critical-section entries the workload makes.
	// Zero runs the peer as a passive participant.
	Attempts int
	// StartupDelay is waited once before the first attempt.
	StartupDelay time.Duration
	// JitterMin and JitterMax bound the random pause before each attempt.
	JitterMin time.Duration
	JitterMax time.Duration
	// Hold is how long the workload stays inside the critical section.
	Hold time.Duration
	// SharedLogPath is the file enter/exit events are appended to. Empty
	// disables recording.
	SharedLogPath string
	// ExitAfterWorkload stops the process once every attempt completed instead
	// of idling until signalled.
	ExitAfterWorkload bool

	// StatusListen serves GET /v1/status with the coordinator snapshot. Empty
	// disables it.
	StatusListen string
	// MetricsListen serves Prometheus metrics on /metrics. Empty disables it.
	MetricsListen string
	// PprofListen serves net/http/pprof. Empty disables it.
	PprofListen string
	// EnableProfilingMetrics adds Go runtime metrics to the metrics endpoint.
	EnableProfilingMetrics bool
	// OTLPEndpoint exports traces over OTLP (grpc://, grpcs://, http://, https://
	// or bare host:port for insecure gRPC).
	OTLPEndpoint string
	// DisableTracing ignores OTLPEndpoint.
	DisableTracing bool
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration
}

// Validate applies defaults and checks the configuration.
func (c *Config) Validate() error {
	if c.ID <= 0 {
		return fmt.Errorf("config: id must be positive, got %d", c.ID)
	}
	c.Listen = strings.TrimSpace(c.Listen)
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("config: listen %q: %w", c.Listen, err)
	}
	c.Advertise = strings.TrimSpace(c.Advertise)
	if c.Advertise == "" {
		c.Advertise = advertiseFromListen(c.Listen)
	}
	if _, _, err := net.SplitHostPort(c.Advertise); err != nil {
		return fmt.Errorf("config: advertise %q: %w", c.Advertise, err)
	}
	if _, err := c.PeerIdentities(); err != nil {
		return err
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = DefaultSendTimeout
	} else if c.SendTimeout < 0 {
		return fmt.Errorf("config: send timeout must be >= 0")
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = DefaultReadTimeout
	} else if c.ReadTimeout < 0 {
		return fmt.Errorf("config: read timeout must be >= 0")
	}
	if c.MaxMessageBytes == 0 {
		c.MaxMessageBytes = DefaultMaxMessageBytes
	} else if c.MaxMessageBytes < MinMaxMessageBytes {
		return fmt.Errorf("config: max message bytes must be >= %d", MinMaxMessageBytes)
	}
	if c.GuardFailureThreshold == 0 {
		c.GuardFailureThreshold = DefaultGuardFailureThreshold
	} else if c.GuardFailureThreshold < 0 {
		return fmt.Errorf("config: guard failure threshold must be >= 0")
	}
	if c.GuardFailureWindow <= 0 {
		c.GuardFailureWindow = DefaultGuardFailureWindow
	}
	if c.GuardBlockDuration <= 0 {
		c.GuardBlockDuration = DefaultGuardBlockDuration
	}
	if c.Attempts < 0 {
		return fmt.Errorf("config: attempts must be >= 0")
	}
	if c.StartupDelay < 0 || c.Hold < 0 {
		return fmt.Errorf("config: startup delay and hold must be >= 0")
	}
	if c.JitterMin < 0 || c.JitterMax < c.JitterMin {
		return fmt.Errorf("config: jitter range [%s, %s] is invalid", c.JitterMin, c.JitterMax)
	}
	if c.SharedLogPath != "" {
		resolved, err := pathutil.Resolve(c.SharedLogPath)
		if err != nil {
			return fmt.Errorf("config: shared log path: %w", err)
		}
		c.SharedLogPath = resolved
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return nil
}

// Self returns this process's identity.
func (c Config) Self() ra.PeerIdentity {
	return ra.PeerIdentity{ID: ra.ProcessID(c.ID), Address: c.Advertise}
}

// PeerIdentities parses Peers, rejecting duplicates.
func (c Config) PeerIdentities() ([]ra.PeerIdentity, error) {
	out := make([]ra.PeerIdentity, 0, len(c.Peers))
	seen := make(map[ra.ProcessID]struct{}, len(c.Peers))
	for _, raw := range c.Peers {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		peer, err := ParsePeer(raw)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if _, dup := seen[peer.ID]; dup {
			return nil, fmt.Errorf("config: duplicate peer id %d", peer.ID)
		}
		seen[peer.ID] = struct{}{}
		out = append(out, peer)
	}
	return out, nil
}

// ParsePeer parses an "id@host:port" peer entry.
func ParsePeer(raw string) (ra.PeerIdentity, error) {
	idPart, addr, ok := strings.Cut(strings.TrimSpace(raw), "@")
	if !ok {
		return ra.PeerIdentity{}, fmt.Errorf("peer %q: expected id@host:port", raw)
	}
	id, err := strconv.Atoi(idPart)
	if err != nil || id <= 0 {
		return ra.PeerIdentity{}, fmt.Errorf("peer %q: id must be a positive integer", raw)
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return ra.PeerIdentity{}, fmt.Errorf("peer %q: %w", raw, err)
	}
	if host == "" || port == "" {
		return ra.PeerIdentity{}, fmt.Errorf("peer %q: host and port are required", raw)
	}
	return ra.PeerIdentity{ID: ra.ProcessID(id), Address: addr}, nil
}

func advertiseFromListen(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

// DefaultConfigDir returns the configuration directory ($HOME/.ramutex, or
// RAMUTEX_CONFIG_DIR when set).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("RAMUTEX_CONFIG_DIR")); override != "" {
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".ramutex"), nil
}
