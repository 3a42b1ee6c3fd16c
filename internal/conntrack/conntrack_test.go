package conntrack

import (
	"bytes"
	"errors"
	"io"
	"net/netip"
	"testing"

	"github.com/tinyrange/vswitch/internal/config"

	"gvisor.dev/gvisor/pkg/tcpip/seqnum"
)

var (
	testPeer  = netip.MustParseAddrPort("10.0.0.2:40000")
	testLocal = netip.MustParseAddrPort("10.0.0.1:80")
)

func testConfig() config.TCP {
	cfg := config.Default()
	cfg.MaxSynBacklog = 2
	cfg.SendBufferSize = 64
	cfg.ReceiveBufferSize = 32
	return cfg
}

func checkSendingInvariant(t *testing.T, q *SendingQueue) {
	t.Helper()
	if !q.AckSeq().LessThanEq(q.FetchSeq()) {
		t.Fatalf("ackSeq %d > fetchSeq %d", q.AckSeq(), q.FetchSeq())
	}
	if !q.FetchSeq().LessThanEq(q.EndSeq()) {
		t.Fatalf("fetchSeq %d > endSeq %d", q.FetchSeq(), q.EndSeq())
	}
}

func checkReceivingInvariant(t *testing.T, q *ReceivingQueue) {
	t.Helper()
	if !q.AckedSeq().LessThanEq(q.ExpectingSeq()) {
		t.Fatalf("ackedSeq %d > expectingSeq %d", q.AckedSeq(), q.ExpectingSeq())
	}
}

func TestCreateLookupRemove(t *testing.T) {
	ct := New(testConfig())
	le, err := ct.Listen(testLocal, nil)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if got := ct.LookupListen(testLocal); got != le {
		t.Fatalf("LookupListen = %v, want %v", got, le)
	}

	e, err := ct.Create(le, testPeer, testLocal, 1000)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got := ct.Lookup(testPeer, testLocal); got != e {
		t.Fatalf("Lookup = %v, want %v", got, e)
	}
	if e.ReceivingQueue.ExpectingSeq() != 1001 {
		t.Fatalf("expectingSeq = %d, want 1001", e.ReceivingQueue.ExpectingSeq())
	}
	if _, err := ct.Create(le, testPeer, testLocal, 5); !errors.Is(err, ErrFlowExists) {
		t.Fatalf("duplicate Create() = %v, want ErrFlowExists", err)
	}

	if err := le.AddSyn(e); err != nil {
		t.Fatalf("add syn: %v", err)
	}
	ct.Remove(testPeer, testLocal)
	if ct.Lookup(testPeer, testLocal) != nil {
		t.Fatalf("entry still present after Remove")
	}
	if len(le.SynBacklog) != 0 {
		t.Fatalf("entry still in syn backlog after Remove")
	}
}

func TestHalfOpenFlowHasNoBuffers(t *testing.T) {
	cfg := testConfig()
	ct := New(cfg)
	le, _ := ct.Listen(testLocal, nil)
	e, err := ct.Create(le, testPeer, testLocal, 1000)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if e.SendingQueue.pending != nil || e.ReceivingQueue.buf != nil {
		t.Fatalf("buffers allocated before any data")
	}
	if got := e.ReceivingQueue.Window(); got != uint32(cfg.ReceiveBufferSize) {
		t.Fatalf("window = %d, want %d", got, cfg.ReceiveBufferSize)
	}
	if got := e.SendingQueue.Free(); got != cfg.SendBufferSize {
		t.Fatalf("free = %d, want %d", got, cfg.SendBufferSize)
	}

	// Window updates and empty fetches leave them unallocated.
	e.SendingQueue.Init(100, 0, 1)
	if segs := e.SendingQueue.Fetch(); len(segs) != 0 {
		t.Fatalf("fetched %d segments from an empty queue", len(segs))
	}
	if n, ok := e.ReceivingQueue.Store(Segment{Seq: 1001}); n != 0 || !ok {
		t.Fatalf("empty store = %d, %v", n, ok)
	}
	if e.SendingQueue.pending != nil || e.ReceivingQueue.buf != nil {
		t.Fatalf("buffers allocated without payload")
	}

	if _, err := e.SendingQueue.Write([]byte("hi")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if n, _ := e.ReceivingQueue.Store(Segment{Seq: 1001, Data: []byte("yo")}); n != 2 {
		t.Fatalf("stored %d bytes", n)
	}
	if e.SendingQueue.pending == nil || e.ReceivingQueue.buf == nil {
		t.Fatalf("buffers not allocated on first payload")
	}
	if e.SendingQueue.Unsent() != 2 || e.ReceivingQueue.Buffered() != 2 {
		t.Fatalf("unsent=%d buffered=%d", e.SendingQueue.Unsent(), e.ReceivingQueue.Buffered())
	}
}

func TestListenConflictAndWildcard(t *testing.T) {
	ct := New(testConfig())
	wild := netip.AddrPortFrom(netip.IPv4Unspecified(), 80)
	le, err := ct.Listen(wild, nil)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if _, err := ct.Listen(wild, nil); !errors.Is(err, ErrAddressInUse) {
		t.Fatalf("second Listen() = %v, want ErrAddressInUse", err)
	}
	if got := ct.LookupListen(testLocal); got != le {
		t.Fatalf("wildcard lookup = %v, want %v", got, le)
	}
	if got := ct.LookupListen(netip.MustParseAddrPort("10.0.0.1:81")); got != nil {
		t.Fatalf("lookup on other port = %v, want nil", got)
	}
	if got := ct.Unlisten(wild); got != le {
		t.Fatalf("Unlisten = %v, want %v", got, le)
	}
	if ct.LookupListen(testLocal) != nil {
		t.Fatalf("listen entry still present after Unlisten")
	}
}

func TestBacklogExclusive(t *testing.T) {
	ct := New(testConfig())
	notified := 0
	le, _ := ct.Listen(testLocal, ListenHandlerFunc(func(*ListenEntry) { notified++ }))

	a, _ := ct.Create(le, netip.MustParseAddrPort("10.0.0.2:1"), testLocal, 1)
	b, _ := ct.Create(le, netip.MustParseAddrPort("10.0.0.2:2"), testLocal, 1)
	c, _ := ct.Create(le, netip.MustParseAddrPort("10.0.0.2:3"), testLocal, 1)
	for _, e := range []*TCPEntry{a, b} {
		if err := le.AddSyn(e); err != nil {
			t.Fatalf("add syn: %v", err)
		}
	}
	if err := le.AddSyn(c); !errors.Is(err, ErrSynBacklogFull) {
		t.Fatalf("AddSyn over bound = %v, want ErrSynBacklogFull", err)
	}

	if !le.Established(a) {
		t.Fatalf("Established(a) = false")
	}
	if le.Established(a) {
		t.Fatalf("second Established(a) = true")
	}
	if notified != 1 {
		t.Fatalf("handler notified %d times, want 1", notified)
	}
	for _, e := range le.SynBacklog {
		for _, f := range le.Backlog {
			if e == f {
				t.Fatalf("%v in both backlogs", e)
			}
		}
	}
	if got := le.Accept(); got != a {
		t.Fatalf("Accept = %v, want %v", got, a)
	}
	if got := le.Accept(); got != nil {
		t.Fatalf("Accept on empty backlog = %v", got)
	}
	if le.SynBacklogFull() {
		t.Fatalf("syn backlog full after a handshake completed")
	}
}

func TestSendingQueueFetchAndAck(t *testing.T) {
	q := NewSendingQueue(100, 64)
	q.Init(10, 4, 1)
	checkSendingInvariant(t, q)

	if n, err := q.Write([]byte("abcdefghijkl")); err != nil || n != 12 {
		t.Fatalf("write = %d, %v", n, err)
	}
	checkSendingInvariant(t, q)

	segs := q.Fetch()
	if len(segs) != 3 {
		t.Fatalf("fetched %d segments, want 3 (window 10, mss 4)", len(segs))
	}
	if segs[0].Seq != 100 || string(segs[0].Data) != "abcd" {
		t.Fatalf("first segment = %v %q", segs[0], segs[0].Data)
	}
	if segs[2].Seq != 108 || string(segs[2].Data) != "ij" {
		t.Fatalf("last segment = %v %q", segs[2], segs[2].Data)
	}
	if q.FetchSeq() != 110 {
		t.Fatalf("fetchSeq = %d, want 110", q.FetchSeq())
	}
	checkSendingInvariant(t, q)

	// Retransmission returns the same bytes.
	again := q.Fetch()
	if len(again) != 3 || again[0].Seq != 100 {
		t.Fatalf("refetch = %v", again)
	}

	q.Ack(104, 10)
	checkSendingInvariant(t, q)
	if q.AckSeq() != 104 || q.InFlight() != 6 {
		t.Fatalf("after ack: ackSeq=%d inflight=%d", q.AckSeq(), q.InFlight())
	}
	segs = q.Fetch()
	if segs[0].Seq != 104 || q.FetchSeq() != 112 {
		t.Fatalf("after ack fetch: first=%v fetchSeq=%d", segs[0], q.FetchSeq())
	}

	// Stale and future acknowledgements are ignored.
	q.Ack(90, 10)
	q.Ack(200, 10)
	if q.AckSeq() != 104 {
		t.Fatalf("ackSeq moved to %d on out-of-range ack", q.AckSeq())
	}
	checkSendingInvariant(t, q)
}

func TestSendingQueueZeroWindow(t *testing.T) {
	q := NewSendingQueue(0, 16)
	q.Init(0, 536, 1)
	q.Write([]byte("data"))
	if segs := q.Fetch(); len(segs) != 0 {
		t.Fatalf("fetched %v with zero window", segs)
	}
	if q.NeedToSendFin() {
		t.Fatalf("fin wanted before data")
	}
}

func TestSendingQueueWindowScale(t *testing.T) {
	q := NewSendingQueue(0, 1<<16)
	q.Init(100, 1000, 8)
	if q.Window() != 100 {
		t.Fatalf("syn window = %d, want unscaled 100", q.Window())
	}
	q.Ack(0, 100)
	if q.Window() != 800 {
		t.Fatalf("window = %d, want 800", q.Window())
	}
}

func TestSendingQueueFull(t *testing.T) {
	q := NewSendingQueue(0, 8)
	q.Init(100, 100, 1)
	n, err := q.Write([]byte("0123456789"))
	if err != nil || n != 8 {
		t.Fatalf("write = %d, %v; want 8", n, err)
	}
	if _, err := q.Write([]byte("x")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("write to full queue = %v", err)
	}
	// Fetched bytes still occupy the queue until acknowledged.
	q.Fetch()
	if _, err := q.Write([]byte("x")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("write with unacked bytes = %v", err)
	}
	q.Ack(4, 100)
	if n, err := q.Write([]byte("wxyz!")); err != nil || n != 4 {
		t.Fatalf("write after ack = %d, %v; want 4", n, err)
	}
}

func TestSendingQueueFin(t *testing.T) {
	q := NewSendingQueue(500, 64)
	q.Init(100, 100, 1)
	q.Write([]byte("bye"))
	q.CloseWrite()
	if _, err := q.Write([]byte("more")); !errors.Is(err, ErrWriteAfterFin) {
		t.Fatalf("write after fin = %v", err)
	}
	if q.NeedToSendFin() {
		t.Fatalf("fin wanted before data acknowledged")
	}
	q.Fetch()
	q.Ack(503, 100)
	if !q.NeedToSendFin() {
		t.Fatalf("fin not wanted after data acknowledged")
	}
	if q.FetchSeq() != 503 {
		t.Fatalf("fin sequence = %d, want 503", q.FetchSeq())
	}
	q.Ack(504, 100)
	if !q.AckOfFinReceived() || q.NeedToSendFin() {
		t.Fatalf("fin not acknowledged: acked=%v need=%v", q.AckOfFinReceived(), q.NeedToSendFin())
	}
	checkSendingInvariant(t, q)
}

func TestSendingQueueHandshakeSeq(t *testing.T) {
	q := NewSendingQueue(seqnum.Value(0xffffffff), 16)
	q.IncAllSeq()
	if q.AckSeq() != 0 || q.FetchSeq() != 0 {
		t.Fatalf("inc across wrap: ack=%d fetch=%d", q.AckSeq(), q.FetchSeq())
	}
	q.DecAllSeq()
	q.IncAllSeq()
	if q.AckSeq() != 0 {
		t.Fatalf("dec+inc not idempotent: ack=%d", q.AckSeq())
	}
	checkSendingInvariant(t, q)
}

func TestReceivingQueueInOrder(t *testing.T) {
	q := NewReceivingQueue(999, 32)
	checkReceivingInvariant(t, q)

	if n, ok := q.Store(Segment{Seq: 1000, Data: []byte("hello")}); !ok || n != 5 {
		t.Fatalf("store = %d, %v", n, ok)
	}
	if q.ExpectingSeq() != 1005 {
		t.Fatalf("expectingSeq = %d, want 1005", q.ExpectingSeq())
	}
	checkReceivingInvariant(t, q)

	if n, ok := q.Store(Segment{Seq: 1010, Data: []byte("gap")}); ok || n != 0 {
		t.Fatalf("store beyond expected = %d, %v; want dropped", n, ok)
	}

	q.MarkAcked()
	checkReceivingInvariant(t, q)
	if q.AckedSeq() != 1005 {
		t.Fatalf("ackedSeq = %d, want 1005", q.AckedSeq())
	}
}

func TestReceivingQueueDuplicateIsIdempotent(t *testing.T) {
	q := NewReceivingQueue(0, 32)
	seg := Segment{Seq: 1, Data: []byte("abc")}
	q.Store(seg)
	q.MarkAcked()

	if n, ok := q.Store(seg); n != 0 || !ok {
		t.Fatalf("duplicate store = %d, %v; want 0, true", n, ok)
	}
	if q.ExpectingSeq() != 4 || q.Buffered() != 3 {
		t.Fatalf("state changed by duplicate: expecting=%d buffered=%d", q.ExpectingSeq(), q.Buffered())
	}

	// Overlapping retransmission contributes only the new tail.
	if n, ok := q.Store(Segment{Seq: 2, Data: []byte("bcde")}); n != 2 || !ok {
		t.Fatalf("overlap store = %d, %v; want 2, true", n, ok)
	}
	buf := make([]byte, 16)
	n, _ := q.Read(buf)
	if !bytes.Equal(buf[:n], []byte("abcde")) {
		t.Fatalf("read %q, want abcde", buf[:n])
	}
	checkReceivingInvariant(t, q)
}

func TestReceivingQueueWindow(t *testing.T) {
	q := NewReceivingQueue(0, 32)
	q.SetWindowScale(4)
	if q.Window() != 32 || q.AdvertisedWindow() != 8 {
		t.Fatalf("window=%d advertised=%d", q.Window(), q.AdvertisedWindow())
	}
	n, _ := q.Store(Segment{Seq: 1, Data: bytes.Repeat([]byte{'x'}, 40)})
	if n != 32 {
		t.Fatalf("stored %d bytes into 32 byte queue", n)
	}
	if q.Window() != 0 {
		t.Fatalf("window = %d, want 0", q.Window())
	}
	if q.ExpectingSeq() != 33 {
		t.Fatalf("expectingSeq = %d, want 33", q.ExpectingSeq())
	}
}

func TestReceivingQueueEOF(t *testing.T) {
	q := NewReceivingQueue(0, 8)
	q.Store(Segment{Seq: 1, Data: []byte("x")})
	q.IncExpectingSeq()
	buf := make([]byte, 4)
	if n, err := q.Read(buf); n != 1 || err != nil {
		t.Fatalf("read = %d, %v", n, err)
	}
	if _, err := q.Read(buf); err != io.EOF {
		t.Fatalf("read after fin = %v, want EOF", err)
	}
}
