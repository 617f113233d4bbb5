package tcp

// State is the connection state. The engine is the passive peer for
// every flow, so SYN-SENT never occurs.
type State int32

const (
	StateListen State = iota
	StateSynReceived
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateCloseWait
	StateClosing
	StateLastAck
	StateTimeWait
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateListen:
		return "LISTEN"
	case StateSynReceived:
		return "SYN-RECEIVED"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait1:
		return "FIN-WAIT-1"
	case StateFinWait2:
		return "FIN-WAIT-2"
	case StateCloseWait:
		return "CLOSE-WAIT"
	case StateClosing:
		return "CLOSING"
	case StateLastAck:
		return "LAST-ACK"
	case StateTimeWait:
		return "TIME-WAIT"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// transitions lists the legal successor states; anything else is a bug
// in the engine, logged and ignored by setState.
var transitions = map[State][]State{
	StateListen:      {StateSynReceived, StateClosed},
	StateSynReceived: {StateEstablished, StateFinWait1, StateClosed},
	StateEstablished: {StateCloseWait, StateFinWait1, StateClosed},
	StateFinWait1:    {StateFinWait2, StateClosing, StateTimeWait, StateClosed},
	StateFinWait2:    {StateTimeWait, StateClosed},
	StateClosing:     {StateTimeWait, StateClosed},
	StateCloseWait:   {StateLastAck, StateClosed},
	StateLastAck:     {StateClosed},
	StateTimeWait:    {StateClosed},
	StateClosed:      {},
}

func legalTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// synchronized reports whether the state has completed the handshake.
func (s State) synchronized() bool {
	switch s {
	case StateEstablished, StateFinWait1, StateFinWait2, StateCloseWait,
		StateClosing, StateLastAck, StateTimeWait:
		return true
	}
	return false
}
