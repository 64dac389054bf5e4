// Package ramutex runs one peer of a leaderless distributed mutual-exclusion
// group. Peers agree on who may enter a shared critical section with the
// Ricart–Agrawala protocol ordered by Lamport timestamps; there is no lock
// server and no leader.
//
// # Running a peer
//
// Every peer knows the full, static membership up front:
//
//	cfg := ramutex.Config{
//	    ID:            1,
//	    Listen:        "127.0.0.1:6001",
//	    Peers:         []string{"2@127.0.0.1:6002", "3@127.0.0.1:6003"},
//	    Attempts:      3,
//	    SharedLogPath: "/var/tmp/ramutex/shared.log",
//	    StatusListen:  "127.0.0.1:7001",
//	}
//	node, err := ramutex.NewNode(cfg, ramutex.WithLogger(logger))
//	if err != nil { log.Fatal(err) }
//	if err := node.Run(ctx); err != nil {
//	    log.Printf("ramutex: %v", err)
//	}
//
// Run binds the peer transport, waits Config.StartupDelay, then makes
// Config.Attempts requests for the critical section, each preceded by a
// random pause between Config.JitterMin and Config.JitterMax. Inside the
// section the peer appends an enter and an exit entry to the shared log and
// holds for Config.Hold. Afterwards it keeps answering requests from the
// other peers until ctx is cancelled.
//
// # Using the coordinator directly
//
// Node.Coordinator returns the underlying state machine, so embedding
// programs can guard their own work:
//
//	err := node.Coordinator().RequestCriticalSection(ctx, func(ctx context.Context) error {
//	    return writeExclusively(ctx)
//	})
//
// A request blocks until every other peer has replied. The wait has no
// timeout: while any peer is unreachable the request stays pending, and only
// Node.Shutdown releases it, with ErrClosed.
//
// # Observability
//
// GET /v1/status on Config.StatusListen returns the node snapshot (state,
// clock, pending and deferred peers) as JSON. Config.MetricsListen exposes
// OpenTelemetry metrics in Prometheus format, Config.OTLPEndpoint exports
// traces and Config.PprofListen serves net/http/pprof.
//
// The `ramutex verify` command audits a shared log and reports any two
// episodes that overlapped.
package ramutex
