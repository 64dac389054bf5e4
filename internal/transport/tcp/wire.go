package tcp

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/rs/xid"

	"pkt.systems/ramutex/internal/lamport"
	"pkt.systems/ramutex/internal/ra"
)

// record is the on-the-wire shape of a protocol message: one JSON object per
// line.
type record struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	From int    `json:"from"`
	Addr string `json:"addr"`
	TS   uint64 `json:"ts"`
}

// Encode renders msg as a newline-terminated wire record. A missing message id
// is filled in.
func Encode(msg ra.Message) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	id := msg.ID
	if id == "" {
		id = xid.New().String()
	}
	payload, err := json.Marshal(record{
		ID:   id,
		Type: msg.Kind.String(),
		From: int(msg.From.ID),
		Addr: msg.From.Address,
		TS:   uint64(msg.Timestamp),
	})
	if err != nil {
		return nil, fmt.Errorf("tcp: encode: %w", err)
	}
	return append(payload, '\n'), nil
}

// Decode parses a single wire record. Every failure wraps
// ra.ErrMalformedMessage.
func Decode(line []byte) (ra.Message, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return ra.Message{}, fmt.Errorf("%w: empty record", ra.ErrMalformedMessage)
	}
	var rec record
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&rec); err != nil {
		return ra.Message{}, fmt.Errorf("%w: %v", ra.ErrMalformedMessage, err)
	}
	if dec.More() {
		return ra.Message{}, fmt.Errorf("%w: trailing data", ra.ErrMalformedMessage)
	}
	kind, err := ra.ParseKind(rec.Type)
	if err != nil {
		return ra.Message{}, err
	}
	msg := ra.Message{
		Kind:      kind,
		From:      ra.PeerIdentity{ID: ra.ProcessID(rec.From), Address: rec.Addr},
		Timestamp: lamport.Time(rec.TS),
		ID:        rec.ID,
	}
	if err := msg.Validate(); err != nil {
		return ra.Message{}, err
	}
	return msg, nil
}
