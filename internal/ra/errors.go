package ra

import "errors"

var (
	// ErrProtocolMisuse is returned when a request is issued while another
	// one is outstanding on the same node.
	ErrProtocolMisuse = errors.New("ra: protocol misuse")
	// ErrUnknownPeer marks messages from ids outside the static peer set.
	ErrUnknownPeer = errors.New("ra: unknown peer")
	// ErrDelivery is wrapped by transports when a message cannot be sent.
	ErrDelivery = errors.New("ra: delivery failed")
	// ErrMalformedMessage marks messages that cannot be decoded or validated.
	ErrMalformedMessage = errors.New("ra: malformed message")
	// ErrClosed is returned once the coordinator has been closed.
	ErrClosed = errors.New("ra: coordinator closed")
)
