package ra

import (
	"fmt"
	"strings"

	"pkt.systems/ramutex/internal/lamport"
)

// ProcessID identifies a peer. IDs are positive, unique across the peer set
// and totally ordered; lower IDs win timestamp ties.
type ProcessID int

// PeerIdentity is the immutable (id, address) pair of a peer.
type PeerIdentity struct {
	ID      ProcessID `json:"id"`
	Address string    `json:"addr"`
}

func (p PeerIdentity) String() string {
	return fmt.Sprintf("%d@%s", p.ID, p.Address)
}

// Kind discriminates protocol messages.
type Kind uint8

const (
	// KindRequest asks every peer for permission to enter the critical section.
	KindRequest Kind = iota + 1
	// KindReply grants permission to the requester.
	KindReply
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "REQUEST"
	case KindReply:
		return "REPLY"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// ParseKind maps a wire discriminator to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "REQUEST":
		return KindRequest, nil
	case "REPLY":
		return KindReply, nil
	default:
		return 0, fmt.Errorf("%w: unknown message type %q", ErrMalformedMessage, s)
	}
}

// Message is a REQUEST or REPLY stamped with the sender's Lamport time.
type Message struct {
	Kind      Kind
	From      PeerIdentity
	Timestamp lamport.Time
	// ID is an opaque envelope identifier used for log correlation only.
	ID string
}

// Request builds a REQUEST message.
func Request(from PeerIdentity, ts lamport.Time) Message {
	return Message{Kind: KindRequest, From: from, Timestamp: ts}
}

// Reply builds a REPLY message.
func Reply(from PeerIdentity, ts lamport.Time) Message {
	return Message{Kind: KindReply, From: from, Timestamp: ts}
}

// Validate reports structural problems with m as ErrMalformedMessage.
func (m Message) Validate() error {
	switch m.Kind {
	case KindRequest, KindReply:
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrMalformedMessage, uint8(m.Kind))
	}
	if m.From.ID <= 0 {
		return fmt.Errorf("%w: sender id must be positive", ErrMalformedMessage)
	}
	if m.Timestamp == 0 {
		return fmt.Errorf("%w: missing timestamp", ErrMalformedMessage)
	}
	if m.Timestamp >= lamport.Limit {
		return fmt.Errorf("%w: timestamp %d out of range", ErrMalformedMessage, uint64(m.Timestamp))
	}
	return nil
}
