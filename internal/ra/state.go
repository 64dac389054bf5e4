package ra

// State is the local protocol state of a node.
type State uint8

const (
	// StateReleased means the node neither holds nor wants the resource.
	StateReleased State = iota
	// StateWanted means a request is outstanding and replies are pending.
	StateWanted
	// StateHeld means the node is inside the critical section.
	StateHeld
)

func (s State) String() string {
	switch s {
	case StateReleased:
		return "RELEASED"
	case StateWanted:
		return "WANTED"
	case StateHeld:
		return "HELD"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name, used by JSON status output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
