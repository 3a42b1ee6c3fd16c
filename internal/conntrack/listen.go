package conntrack

import (
	"errors"
	"fmt"
	"net/netip"
	"slices"
)

// ErrSynBacklogFull is returned by AddSyn when the half-open backlog is at
// its bound.
var ErrSynBacklogFull = errors.New("conntrack: syn backlog full")

// ListenHandler is told when a listen entry has connections to accept. It
// may be called while nobody is waiting.
type ListenHandler interface {
	Readable(le *ListenEntry)
}

type ListenHandlerFunc func(le *ListenEntry)

func (f ListenHandlerFunc) Readable(le *ListenEntry) { f(le) }

// ListenEntry is a bound listening address with its two backlogs. An entry
// is in at most one of them.
type ListenEntry struct {
	Addr    netip.AddrPort
	Handler ListenHandler

	// SynBacklog holds handshakes waiting for the final ACK.
	SynBacklog []*TCPEntry
	// Backlog holds established connections waiting for Accept.
	Backlog []*TCPEntry

	maxSynBacklog int
}

func (le *ListenEntry) SynBacklogFull() bool {
	return len(le.SynBacklog) >= le.maxSynBacklog
}

func (le *ListenEntry) AddSyn(e *TCPEntry) error {
	if le.SynBacklogFull() {
		return fmt.Errorf("%s: %w", le.Addr, ErrSynBacklogFull)
	}
	le.SynBacklog = append(le.SynBacklog, e)
	return nil
}

// Established moves e from the half-open backlog to the accept backlog and
// notifies the handler. It reports false when e was not half-open.
func (le *ListenEntry) Established(e *TCPEntry) bool {
	i := slices.Index(le.SynBacklog, e)
	if i < 0 {
		return false
	}
	le.SynBacklog = slices.Delete(le.SynBacklog, i, i+1)
	le.Backlog = append(le.Backlog, e)
	if le.Handler != nil {
		le.Handler.Readable(le)
	}
	return true
}

// Accept pops the oldest established connection, or nil.
func (le *ListenEntry) Accept() *TCPEntry {
	if len(le.Backlog) == 0 {
		return nil
	}
	e := le.Backlog[0]
	le.Backlog[0] = nil
	le.Backlog = le.Backlog[1:]
	return e
}

// Remove drops e from whichever backlog holds it.
func (le *ListenEntry) Remove(e *TCPEntry) {
	if i := slices.Index(le.SynBacklog, e); i >= 0 {
		le.SynBacklog = slices.Delete(le.SynBacklog, i, i+1)
	}
	if i := slices.Index(le.Backlog, e); i >= 0 {
		le.Backlog = slices.Delete(le.Backlog, i, i+1)
	}
}

func (le *ListenEntry) String() string {
	return fmt.Sprintf("ListenEntry{%s, syn=%d, accept=%d}", le.Addr, len(le.SynBacklog), len(le.Backlog))
}
