package netstack

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/tinyrange/vswitch/internal/conntrack"
	"github.com/tinyrange/vswitch/internal/eventloop"
)

// ErrConnectionReset is returned by Conn operations once the flow ended with
// a reset in either direction.
var ErrConnectionReset = errors.New("netstack: connection reset")

////////////////////////////////////////////////////////////////////////////////
// Listener.
////////////////////////////////////////////////////////////////////////////////

// Listener accepts connections made to an address inside one VNI. It
// implements net.Listener.
type Listener struct {
	sw     *Switch
	vni    uint32
	addr   netip.AddrPort
	tables []*Table
	// entries[i] is the listen entry on shard i.
	entries []*conntrack.ListenEntry

	ready chan struct{}
	done  chan struct{}

	closeOnce sync.Once
}

// Listen binds addr inside network vni on every shard. Registration runs on
// the shard loops, so Listen waits for the switch to be running and gives up
// with ctx's error when ctx is done first.
func (sw *Switch) Listen(ctx context.Context, vni uint32, addr netip.AddrPort) (*Listener, error) {
	tables, err := sw.shardTables(vni)
	if err != nil {
		return nil, err
	}
	ln := &Listener{
		sw:      sw,
		vni:     vni,
		addr:    addr,
		tables:  tables,
		entries: make([]*conntrack.ListenEntry, len(sw.shards)),
		ready:   make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	var listenErr error
	err = sw.onShards(ctx, func(s *shard) {
		if listenErr != nil {
			return
		}
		le, err := tables[s.id].Conntrack.Listen(addr, ln)
		if err != nil {
			listenErr = err
			return
		}
		ln.entries[s.id] = le
	})
	if err == nil {
		err = listenErr
	}
	if err != nil {
		ln.abandon()
		return nil, mapLoopErr(err)
	}
	sw.log.Info("netstack: listening", "vni", vni, "addr", addr)
	return ln, nil
}

// Readable is called on a shard loop when a connection is ready to accept.
func (ln *Listener) Readable(*conntrack.ListenEntry) {
	select {
	case ln.ready <- struct{}{}:
	default:
	}
}

func (ln *Listener) Accept() (net.Conn, error) {
	for {
		select {
		case <-ln.done:
			return nil, net.ErrClosed
		default:
		}

		conn, err := ln.tryAccept()
		if err != nil {
			return nil, err
		}
		if conn != nil {
			return conn, nil
		}

		select {
		case <-ln.ready:
		case <-ln.done:
			return nil, net.ErrClosed
		}
	}
}

// tryAccept pops the first established connection found on any shard.
func (ln *Listener) tryAccept() (*Conn, error) {
	for _, s := range ln.sw.shards {
		le := ln.entries[s.id]
		table := ln.tables[s.id]
		var conn *Conn
		err := s.loop.Call(context.Background(), func() {
			e := le.Accept()
			if e == nil {
				return
			}
			conn = newConn(ln.sw, s, table, e)
			e.Watch = conn.wake
		})
		if err != nil {
			return nil, mapLoopErr(err)
		}
		if conn != nil {
			// More may be waiting.
			ln.Readable(le)
			return conn, nil
		}
	}
	return nil, nil
}

// Close stops accepting and resets connections still waiting in the
// backlogs.
func (ln *Listener) Close() error {
	ln.closeOnce.Do(func() {
		close(ln.done)
		ln.unlisten()
	})
	return nil
}

func (ln *Listener) unlisten() {
	_ = ln.sw.onShards(context.Background(), func(s *shard) {
		if ln.entries[s.id] == nil {
			return
		}
		table := ln.tables[s.id]
		le := table.Conntrack.Unlisten(ln.addr)
		if le == nil {
			return
		}
		for _, e := range slices.Concat(le.SynBacklog, le.Backlog) {
			s.l4.ResetTCPConnection(table, e)
		}
	})
}

// abandon drops the registrations of a Listen that failed. A registration
// still queued on a loop that is not running yet runs before the cleanup, so
// the cleanup is queued behind it instead of waited for.
func (ln *Listener) abandon() {
	for _, s := range ln.sw.shards {
		table := ln.tables[s.id]
		_ = s.loop.Post(func() {
			if ln.entries[s.id] != nil {
				table.Conntrack.Unlisten(ln.addr)
			}
		})
	}
}

func (ln *Listener) Addr() net.Addr {
	return net.TCPAddrFromAddrPort(ln.addr)
}

// VNI is the network the listener is bound in.
func (ln *Listener) VNI() uint32 { return ln.vni }

////////////////////////////////////////////////////////////////////////////////
// Conn.
////////////////////////////////////////////////////////////////////////////////

// Conn is an accepted flow. It implements net.Conn; every operation hops
// onto the shard loop that owns the flow.
type Conn struct {
	sw    *Switch
	shard *shard
	table *Table
	entry *conntrack.TCPEntry

	readWake  chan struct{}
	writeWake chan struct{}

	mu            sync.Mutex
	readDeadline  time.Time
	writeDeadline time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(sw *Switch, s *shard, table *Table, e *conntrack.TCPEntry) *Conn {
	return &Conn{
		sw:        sw,
		shard:     s,
		table:     table,
		entry:     e,
		readWake:  make(chan struct{}, 1),
		writeWake: make(chan struct{}, 1),
		closed:    make(chan struct{}),
	}
}

// wake runs on the loop whenever the flow changes.
func (c *Conn) wake() {
	signal(c.readWake)
	signal(c.writeWake)
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Conn) Read(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	for {
		if c.isClosed() {
			return 0, c.opError("read", net.ErrClosed)
		}

		var (
			n     int
			err   error
			reset bool
			gone  bool
		)
		callErr := c.shard.loop.Call(context.Background(), func() {
			if c.entry.Reset {
				reset = true
				return
			}
			n, err = c.shard.l4.Read(c.table, c.entry, b)
			gone = n == 0 && err == nil && c.entry.State == conntrack.Closed
		})
		switch {
		case callErr != nil:
			return 0, c.opError("read", mapLoopErr(callErr))
		case reset:
			return 0, c.opError("read", ErrConnectionReset)
		case err == io.EOF:
			return 0, io.EOF
		case err != nil:
			return n, c.opError("read", err)
		case n > 0:
			return n, nil
		case gone:
			return 0, io.EOF
		}

		c.mu.Lock()
		deadline := c.readDeadline
		c.mu.Unlock()
		if err := c.wait(c.readWake, deadline); err != nil {
			return 0, c.opError("read", err)
		}
	}
}

func (c *Conn) Write(b []byte) (int, error) {
	written := 0
	for written < len(b) {
		if c.isClosed() {
			return written, c.opError("write", net.ErrClosed)
		}

		var (
			n   int
			err error
		)
		callErr := c.shard.loop.Call(context.Background(), func() {
			switch {
			case c.entry.Reset:
				err = ErrConnectionReset
			case c.entry.State != conntrack.Established && c.entry.State != conntrack.CloseWait:
				err = net.ErrClosed
			default:
				n, err = c.shard.l4.Write(c.table, c.entry, b[written:])
			}
		})
		if callErr != nil {
			return written, c.opError("write", mapLoopErr(callErr))
		}
		written += n
		switch {
		case errors.Is(err, conntrack.ErrQueueFull):
		case errors.Is(err, conntrack.ErrWriteAfterFin):
			return written, c.opError("write", net.ErrClosed)
		case err != nil:
			return written, c.opError("write", err)
		}
		if written == len(b) {
			break
		}

		c.mu.Lock()
		deadline := c.writeDeadline
		c.mu.Unlock()
		if err := c.wait(c.writeWake, deadline); err != nil {
			return written, c.opError("write", err)
		}
	}
	return written, nil
}

// wait blocks until wake fires, the deadline passes or the conn is closed.
func (c *Conn) wait(wake chan struct{}, deadline time.Time) error {
	var timeout <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return os.ErrDeadlineExceeded
		}
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-wake:
		return nil
	case <-timeout:
		return os.ErrDeadlineExceeded
	case <-c.closed:
		return net.ErrClosed
	case <-c.shard.loop.Done():
		return net.ErrClosed
	}
}

// Close sends a FIN once queued data has gone out. Read and Write fail with
// net.ErrClosed afterwards.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		callErr := c.shard.loop.Call(context.Background(), func() {
			if c.entry.State == conntrack.Closed {
				return
			}
			c.shard.l4.Close(c.table, c.entry)
		})
		if callErr != nil && !errors.Is(callErr, eventloop.ErrClosed) {
			err = callErr
		}
	})
	return err
}

func (c *Conn) LocalAddr() net.Addr {
	return net.TCPAddrFromAddrPort(c.entry.Destination)
}

func (c *Conn) RemoteAddr() net.Addr {
	return net.TCPAddrFromAddrPort(c.entry.Source)
}

// VNI is the network the connection lives in.
func (c *Conn) VNI() uint32 { return c.table.VNI }

func (c *Conn) SetDeadline(t time.Time) error {
	c.SetReadDeadline(t)
	c.SetWriteDeadline(t)
	return nil
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.mu.Unlock()
	signal(c.readWake)
	return nil
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	c.writeDeadline = t
	c.mu.Unlock()
	signal(c.writeWake)
	return nil
}

func (c *Conn) opError(op string, err error) error {
	return &net.OpError{
		Op:     op,
		Net:    "tcp",
		Source: c.LocalAddr(),
		Addr:   c.RemoteAddr(),
		Err:    err,
	}
}

func mapLoopErr(err error) error {
	if errors.Is(err, eventloop.ErrClosed) {
		return net.ErrClosed
	}
	return err
}

var (
	_ net.Listener            = (*Listener)(nil)
	_ net.Conn                = (*Conn)(nil)
	_ conntrack.ListenHandler = (*Listener)(nil)
)
