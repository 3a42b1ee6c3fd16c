package conntrack

import (
	"fmt"
	"net/netip"

	"github.com/tinyrange/vswitch/internal/eventloop"
)

// State is a TCP connection state.
type State int

const (
	Closed State = iota
	SynSent
	SynReceived
	Established
	FinWait1
	FinWait2
	CloseWait
	Closing
	LastAck
	TimeWait
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case SynSent:
		return "SYN_SENT"
	case SynReceived:
		return "SYN_RECEIVED"
	case Established:
		return "ESTABLISHED"
	case FinWait1:
		return "FIN_WAIT_1"
	case FinWait2:
		return "FIN_WAIT_2"
	case CloseWait:
		return "CLOSE_WAIT"
	case Closing:
		return "CLOSING"
	case LastAck:
		return "LAST_ACK"
	case TimeWait:
		return "TIME_WAIT"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// TCPEntry is the per-flow record. Source is the remote peer, Destination
// the local endpoint it connected to. All fields belong to the owning event
// loop.
type TCPEntry struct {
	Source      netip.AddrPort
	Destination netip.AddrPort

	State State

	SendingQueue   *SendingQueue
	ReceivingQueue *ReceivingQueue

	// At most one of each is armed. Whoever cancels a timer nils the field
	// before scheduling a new one.
	RetransmissionTimer eventloop.Timer
	DelayedAckTimer     eventloop.Timer

	// Parent is the listen entry that accepted the SYN.
	Parent *ListenEntry

	// Watch, when set, is called on the loop after any change the
	// application may be waiting for: data, window space, FIN, teardown.
	Watch func()

	// Reset is set when the flow ended with a RST in either direction.
	Reset bool
}

// RequireClosing reports whether the local side has queued its FIN.
func (e *TCPEntry) RequireClosing() bool {
	switch e.State {
	case FinWait1, FinWait2, Closing, LastAck:
		return true
	}
	return false
}

// CancelTimers disarms both timers.
func (e *TCPEntry) CancelTimers() {
	if e.RetransmissionTimer != nil {
		e.RetransmissionTimer.Cancel()
		e.RetransmissionTimer = nil
	}
	if e.DelayedAckTimer != nil {
		e.DelayedAckTimer.Cancel()
		e.DelayedAckTimer = nil
	}
}

// Notify invokes Watch if set.
func (e *TCPEntry) Notify() {
	if e.Watch != nil {
		e.Watch()
	}
}

func (e *TCPEntry) String() string {
	return fmt.Sprintf("TCPEntry{%s -> %s, %s}", e.Source, e.Destination, e.State)
}
