package ra

import (
	"math"

	"pkt.systems/ramutex/internal/lamport"
)

// Priority is the (timestamp, id) tuple used to order competing requests.
// Smaller tuples have higher priority.
type Priority struct {
	Timestamp lamport.Time
	ID        ProcessID
}

// noClaim stands in for a node without an outstanding request. It loses every
// comparison against a real claim.
var noClaim = Priority{Timestamp: math.MaxUint64, ID: math.MaxInt}

// Less reports whether p has strictly higher priority than other.
func (p Priority) Less(other Priority) bool {
	if p.Timestamp != other.Timestamp {
		return p.Timestamp < other.Timestamp
	}
	return p.ID < other.ID
}

// IsClaim reports whether p is a real request rather than the no-claim sentinel.
func (p Priority) IsClaim() bool {
	return p != noClaim
}
