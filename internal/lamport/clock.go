// Package lamport implements the scalar logical clock that orders protocol
// events across peers.
package lamport

// Time is a Lamport timestamp.
type Time uint64

// Limit is the first timestamp a peer may not send. Merging anything below it
// leaves room for max(current, received)+1 without wrapping.
const Limit Time = 1 << 63

// Clock is a scalar Lamport clock. The zero value is ready to use and starts
// at 0.
//
// Clock is not safe for concurrent use; the owner serialises access.
type Clock struct {
	value Time
}

// Value returns the current time without advancing it.
func (c *Clock) Value() Time {
	return c.value
}

// Tick records a local event and returns the new time.
func (c *Clock) Tick() Time {
	c.value++
	return c.value
}

// SendStamp advances the clock for an outgoing message and returns the value
// to attach to it.
func (c *Clock) SendStamp() Time {
	return c.Tick()
}

// Merge folds a received timestamp into the clock: the new value is
// max(current, received)+1.
func (c *Clock) Merge(received Time) Time {
	if received > c.value {
		c.value = received
	}
	c.value++
	return c.value
}
