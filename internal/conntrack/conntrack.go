// Package conntrack keeps the TCP flow table of one switching domain: flow
// entries keyed by 4-tuple, listen entries with their backlogs, and the
// byte-stream queues of every flow.
//
// Nothing here is safe for concurrent use. A Conntrack belongs to exactly
// one event loop and is only touched from it.
package conntrack

import (
	"cmp"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/netip"
	"slices"

	"github.com/tinyrange/vswitch/internal/config"

	"gvisor.dev/gvisor/pkg/tcpip/seqnum"
)

var (
	// ErrFlowExists is returned by Create for a 4-tuple already tracked.
	ErrFlowExists = errors.New("conntrack: flow already exists")
	// ErrAddressInUse is returned by Listen for an address already bound.
	ErrAddressInUse = errors.New("conntrack: address already in use")
)

type flowKey struct {
	src netip.AddrPort
	dst netip.AddrPort
}

type Conntrack struct {
	cfg config.TCP

	entries map[flowKey]*TCPEntry
	listens map[netip.AddrPort]*ListenEntry

	// NewISN picks the initial send sequence number of a new flow.
	NewISN func() seqnum.Value
}

func New(cfg config.TCP) *Conntrack {
	return &Conntrack{
		cfg:     cfg,
		entries: make(map[flowKey]*TCPEntry),
		listens: make(map[netip.AddrPort]*ListenEntry),
		NewISN:  func() seqnum.Value { return seqnum.Value(rand.Uint32()) },
	}
}

func (c *Conntrack) Config() config.TCP { return c.cfg }

func (c *Conntrack) Lookup(src, dst netip.AddrPort) *TCPEntry {
	return c.entries[flowKey{src: src, dst: dst}]
}

// LookupListen finds the listen entry for dst, falling back to a wildcard
// entry bound to the unspecified address on the same port.
func (c *Conntrack) LookupListen(dst netip.AddrPort) *ListenEntry {
	if le := c.listens[dst]; le != nil {
		return le
	}
	unspec := netip.IPv4Unspecified()
	if dst.Addr().Is6() && !dst.Addr().Is4In6() {
		unspec = netip.IPv6Unspecified()
	}
	return c.listens[netip.AddrPortFrom(unspec, dst.Port())]
}

// Create tracks a new flow spawned from listen by a SYN carrying peerSeq.
func (c *Conntrack) Create(listen *ListenEntry, src, dst netip.AddrPort, peerSeq seqnum.Value) (*TCPEntry, error) {
	key := flowKey{src: src, dst: dst}
	if _, ok := c.entries[key]; ok {
		return nil, fmt.Errorf("%s -> %s: %w", src, dst, ErrFlowExists)
	}
	e := &TCPEntry{
		Source:         src,
		Destination:    dst,
		State:          Closed,
		SendingQueue:   NewSendingQueue(c.NewISN(), c.cfg.SendBufferSize),
		ReceivingQueue: NewReceivingQueue(peerSeq, c.cfg.ReceiveBufferSize),
		Parent:         listen,
	}
	e.ReceivingQueue.SetWindowScale(c.cfg.ReceiveWindowScale)
	c.entries[key] = e
	return e, nil
}

// Remove forgets the flow and drops it from its listen entry's backlogs.
func (c *Conntrack) Remove(src, dst netip.AddrPort) {
	key := flowKey{src: src, dst: dst}
	e, ok := c.entries[key]
	if !ok {
		return
	}
	delete(c.entries, key)
	if e.Parent != nil {
		e.Parent.Remove(e)
	}
}

// Listen registers a listen entry for addr.
func (c *Conntrack) Listen(addr netip.AddrPort, h ListenHandler) (*ListenEntry, error) {
	if _, ok := c.listens[addr]; ok {
		return nil, fmt.Errorf("listen %s: %w", addr, ErrAddressInUse)
	}
	le := &ListenEntry{
		Addr:          addr,
		Handler:       h,
		maxSynBacklog: c.cfg.MaxSynBacklog,
	}
	c.listens[addr] = le
	return le, nil
}

// Unlisten removes the listen entry for addr and returns it so the caller
// can dispose of the flows still in its backlogs.
func (c *Conntrack) Unlisten(addr netip.AddrPort) *ListenEntry {
	le := c.listens[addr]
	delete(c.listens, addr)
	return le
}

func (c *Conntrack) Len() int { return len(c.entries) }

// Entries returns the tracked flows ordered by source then destination.
func (c *Conntrack) Entries() []*TCPEntry {
	out := make([]*TCPEntry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b *TCPEntry) int {
		if r := a.Source.Compare(b.Source); r != 0 {
			return r
		}
		return a.Destination.Compare(b.Destination)
	})
	return out
}

// Listeners returns the bound listen entries ordered by address.
func (c *Conntrack) Listeners() []*ListenEntry {
	out := make([]*ListenEntry, 0, len(c.listens))
	for _, le := range c.listens {
		out = append(out, le)
	}
	slices.SortFunc(out, func(a, b *ListenEntry) int {
		return cmp.Compare(a.Addr.String(), b.Addr.String())
	})
	return out
}
