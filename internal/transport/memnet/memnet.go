// Package memnet is an in-process transport. Sends are delivered
// synchronously to the target's Deliverer on the caller's goroutine, and
// individual processes can be cut off to simulate partitions.
package memnet

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/xid"

	"pkt.systems/pslog"
	"pkt.systems/ramutex/internal/ra"
	"pkt.systems/ramutex/internal/svcfields"
)

// Record is one entry of the send log.
type Record struct {
	From    ra.ProcessID
	To      ra.ProcessID
	Message ra.Message
	Err     error
}

// Network routes messages between attached processes.
type Network struct {
	logger pslog.Logger

	mu          sync.Mutex
	nodes       map[ra.ProcessID]ra.Deliverer
	partitioned map[ra.ProcessID]bool
	sent        []Record
}

// New returns an empty network. A nil logger disables logging.
func New(logger pslog.Logger) *Network {
	return &Network{
		logger:      svcfields.WithSubsystem(logger, "transport.memnet"),
		nodes:       make(map[ra.ProcessID]ra.Deliverer),
		partitioned: make(map[ra.ProcessID]bool),
	}
}

// Attach registers the deliverer for id, replacing any previous one.
func (n *Network) Attach(id ra.ProcessID, d ra.Deliverer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodes[id] = d
}

// Sender returns the ra.Sender used by process from.
func (n *Network) Sender(from ra.ProcessID) ra.Sender {
	return ra.SenderFunc(func(ctx context.Context, target ra.PeerIdentity, msg ra.Message) error {
		return n.send(ctx, from, target, msg)
	})
}

// Partition makes every send to or from id fail with ra.ErrDelivery.
func (n *Network) Partition(id ra.ProcessID) {
	n.mu.Lock()
	n.partitioned[id] = true
	n.mu.Unlock()
	n.logger.Info("transport.memnet.partition", "target", int(id))
}

// Heal reverses Partition.
func (n *Network) Heal(id ra.ProcessID) {
	n.mu.Lock()
	delete(n.partitioned, id)
	n.mu.Unlock()
	n.logger.Info("transport.memnet.heal", "target", int(id))
}

// Sent returns a copy of the send log in send order.
func (n *Network) Sent() []Record {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Record, len(n.sent))
	copy(out, n.sent)
	return out
}

// Count returns how many messages of kind from -> to were delivered
// successfully.
func (n *Network) Count(from, to ra.ProcessID, kind ra.Kind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, rec := range n.sent {
		if rec.From == from && rec.To == to && rec.Message.Kind == kind && rec.Err == nil {
			count++
		}
	}
	return count
}

func (n *Network) send(ctx context.Context, from ra.ProcessID, target ra.PeerIdentity, msg ra.Message) error {
	if msg.ID == "" {
		msg.ID = xid.New().String()
	}
	n.mu.Lock()
	dst, ok := n.nodes[target.ID]
	var err error
	switch {
	case n.partitioned[from] || n.partitioned[target.ID]:
		err = fmt.Errorf("%w: %d -> %d partitioned", ra.ErrDelivery, from, target.ID)
	case !ok:
		err = fmt.Errorf("%w: no process %d attached", ra.ErrDelivery, target.ID)
	}
	n.sent = append(n.sent, Record{From: from, To: target.ID, Message: msg, Err: err})
	n.mu.Unlock()
	if err != nil {
		n.logger.Debug("transport.memnet.dropped", "kind", msg.Kind.String(), "from", int(from), "to", int(target.ID))
		return err
	}
	if err := dst.Deliver(ctx, msg); err != nil {
		n.logger.Debug("transport.memnet.rejected", "kind", msg.Kind.String(), "to", int(target.ID), "error", err)
	}
	return nil
}
