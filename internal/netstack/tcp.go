package netstack

import (
	"encoding/binary"
	"log/slog"

	"github.com/google/gopacket/layers"
	"gvisor.dev/gvisor/pkg/tcpip/seqnum"

	"github.com/tinyrange/vswitch/internal/conntrack"
	"github.com/tinyrange/vswitch/internal/eventloop"
)

// L3 is the forwarding layer below the TCP endpoint. Output takes a fully
// built packet and routes, encapsulates and transmits it.
type L3 interface {
	Output(pkb *PacketBuffer)
}

// L3Func adapts a function to L3.
type L3Func func(pkb *PacketBuffer)

func (f L3Func) Output(pkb *PacketBuffer) { f(pkb) }

// L4 is the TCP state machine. It owns no state of its own: everything lives
// in the flow tables reached through the packet context, and every method
// runs on the event loop that owns those tables.
type L4 struct {
	log   *slog.Logger
	l3    L3
	sched eventloop.Scheduler
}

func NewL4(l *slog.Logger, sched eventloop.Scheduler, l3 L3) *L4 {
	if l == nil {
		l = slog.Default()
	}
	return &L4{log: l, l3: l3, sched: sched}
}

// Input processes an inbound packet and reports whether it was claimed.
// Unclaimed packets are left for other handlers.
func (l *L4) Input(pkb *PacketBuffer) bool {
	if DEBUG {
		l.log.Debug("l4: input", "pkb", pkb)
	}
	if !l.wantToHandle(pkb) {
		return false
	}
	if pkb.NeedTCPReset {
		l.sendRST(pkb)
		return true
	}
	if pkb.TCP != nil {
		l.handleTCP(pkb)
	}
	return true
}

// Output hands a packet built elsewhere straight to L3.
func (l *L4) Output(pkb *PacketBuffer) {
	l.l3.Output(pkb)
}

func (l *L4) wantToHandle(pkb *PacketBuffer) bool {
	t := pkb.TCPPkt
	if t == nil {
		return false
	}
	ct := pkb.Table.Conntrack
	src, dst := pkb.Src(), pkb.Dst()

	if tcp := ct.Lookup(src, dst); tcp != nil {
		pkb.TCP = tcp
		return true
	}
	if t.RST {
		// Never answer a reset.
		return true
	}
	if !onlySYN(t) {
		pkb.NeedTCPReset = true
		return true
	}

	listen := ct.LookupListen(dst)
	if listen == nil {
		return false
	}
	if listen.SynBacklogFull() {
		// Rejected with a reset rather than dropped, so the peer fails
		// fast instead of retrying into a full backlog.
		l.log.Info("l4: syn backlog full", "listen", listen.Addr, "src", src)
		pkb.NeedTCPReset = true
		return true
	}
	tcp, err := ct.Create(listen, src, dst, seqnum.Value(t.Seq))
	if err != nil {
		l.log.Error("l4: create flow", "err", err)
		return true
	}
	if err := listen.AddSyn(tcp); err != nil {
		ct.Remove(src, dst)
		l.log.Error("l4: add to syn backlog", "err", err)
		return true
	}
	pkb.TCP = tcp
	return true
}

func (l *L4) handleTCP(pkb *PacketBuffer) {
	if pkb.TCPPkt.RST {
		l.handleInboundRST(pkb)
		return
	}
	switch pkb.TCP.State {
	case conntrack.Closed:
		l.handleClosed(pkb)
	case conntrack.SynSent:
		l.log.Error("l4: should not happen: active open is not supported", "tcp", pkb.TCP)
	case conntrack.SynReceived:
		l.handleSynReceived(pkb)
	case conntrack.Established:
		l.handleEstablished(pkb)
	case conntrack.FinWait1:
		l.handleFinWait1(pkb)
	case conntrack.FinWait2:
		l.handleFinWait2(pkb)
	case conntrack.CloseWait:
		l.handleCloseWait(pkb)
	case conntrack.Closing:
		l.handleClosing(pkb)
	case conntrack.LastAck:
		l.handleLastAck(pkb)
	case conntrack.TimeWait:
		l.log.Error("l4: should not happen: flow in TIME_WAIT", "tcp", pkb.TCP)
	default:
		l.log.Error("l4: should not happen: unknown state", "tcp", pkb.TCP)
	}
}

////////////////////////////////////////////////////////////////////////////////
// Handshake.
////////////////////////////////////////////////////////////////////////////////

func (l *L4) handleClosed(pkb *PacketBuffer) {
	t := pkb.TCPPkt
	if !onlySYN(t) {
		return
	}
	tcp := pkb.TCP
	cfg := pkb.Table.Conntrack.Config()
	tcp.State = conntrack.SynReceived

	opts := parseTCPOptions(t.Options)
	mss := cfg.DefaultSendMSS
	if opts.hasMSS && opts.mss > 0 {
		mss = opts.mss
	}
	// Scaling is in effect only if both sides offer it, and the SYN-ACK
	// carries the option only for a receive scale above 1.
	peerScale := uint32(1)
	if opts.hasWndScale && tcp.ReceivingQueue.WindowScale() > 1 {
		peerScale = 1 << min(opts.wndScale, 14)
	} else {
		tcp.ReceivingQueue.SetWindowScale(1)
	}
	tcp.SendingQueue.Init(t.Window, mss, peerScale)

	l.respondSynAck(pkb)
	tcp.SendingQueue.IncAllSeq()
}

// respondSynAck replaces pkb with a SYN-ACK and outputs it. The sending
// queue must not have consumed the handshake sequence number yet.
func (l *L4) respondSynAck(pkb *PacketBuffer) {
	synAck := l.buildSynAck(pkb)
	ip := buildIP(pkb.TCP.Destination.Addr(), pkb.TCP.Source.Addr())
	if err := pkb.ReplacePacket(ip, synAck); err != nil {
		l.log.Error("l4: build syn-ack", "err", err)
		return
	}
	l.l3.Output(pkb)
}

func (l *L4) buildSynAck(pkb *PacketBuffer) *layers.TCP {
	tcp := pkb.TCP
	cfg := pkb.Table.Conntrack.Config()
	t := buildCommonTCPResponse(tcp)
	t.SYN = true
	// The window of a SYN segment is never scaled.
	t.Window = uint16(min(tcp.ReceivingQueue.Window(), 0xffff))

	mss := make([]byte, 2)
	binary.BigEndian.PutUint16(mss, cfg.AdvertisedMSS)
	t.Options = append(t.Options, layers.TCPOption{
		OptionType:   layers.TCPOptionKindMSS,
		OptionLength: 4,
		OptionData:   mss,
	})

	scale := tcp.ReceivingQueue.WindowScale()
	exp := uint8(0)
	for scale > 1 {
		scale /= 2
		exp++
	}
	if exp != 0 {
		t.Options = append(t.Options,
			layers.TCPOption{OptionType: layers.TCPOptionKindNop, OptionLength: 1},
			layers.TCPOption{
				OptionType:   layers.TCPOptionKindWindowScale,
				OptionLength: 3,
				OptionData:   []byte{exp},
			},
		)
	}
	return t
}

func (l *L4) handleSynReceived(pkb *PacketBuffer) {
	t := pkb.TCPPkt
	tcp := pkb.TCP
	if t.SYN {
		// Probably a retransmitted SYN: our SYN-ACK was lost.
		if seqnum.Value(t.Seq).Add(1) == tcp.ReceivingQueue.AckedSeq() {
			tcp.SendingQueue.DecAllSeq()
			l.respondSynAck(pkb)
			tcp.SendingQueue.IncAllSeq()
		}
		return
	}
	if !t.ACK {
		return
	}
	if seqnum.Value(t.Ack) != tcp.SendingQueue.AckSeq() {
		if DEBUG {
			l.log.Debug("l4: wrong ack number in handshake", "tcp", tcp, "ack", t.Ack)
		}
		return
	}
	l.connectionEstablishes(pkb)
	l.handleEstablished(pkb)
}

func (l *L4) connectionEstablishes(pkb *PacketBuffer) {
	tcp := pkb.TCP
	tcp.State = conntrack.Established
	if tcp.Parent == nil || !tcp.Parent.Established(tcp) {
		l.log.Warn("l4: established flow has no half-open parent", "tcp", tcp)
	}
}

////////////////////////////////////////////////////////////////////////////////
// Data transfer and teardown.
////////////////////////////////////////////////////////////////////////////////

// generalCheckFails validates the sequence number of pkb and applies its
// acknowledgement. It reports true when the packet must be dropped.
//
// A segment is in sequence when it starts at the expected sequence number.
// A segment starting before it is let through only if it carries data or a
// FIN, so retransmissions and duplicate FINs are recognised downstream.
func (l *L4) generalCheckFails(pkb *PacketBuffer) bool {
	t := pkb.TCPPkt
	tcp := pkb.TCP
	seq := seqnum.Value(t.Seq)
	expect := tcp.ReceivingQueue.ExpectingSeq()
	if seq != expect {
		if !seq.LessThan(expect) || (!t.FIN && len(t.Payload) == 0) {
			if DEBUG {
				l.log.Debug("l4: invalid sequence number", "tcp", tcp, "seq", t.Seq, "expect", uint32(expect))
			}
			return true
		}
	}

	if t.ACK {
		sq := tcp.SendingQueue
		before := sq.AckSeq()
		sq.Ack(seqnum.Value(t.Ack), t.Window)
		progressed := sq.AckSeq() != before
		if progressed {
			tcp.Notify()
		}
		if tcp.State == conntrack.LastAck && sq.AckOfFinReceived() {
			return false
		}
		// An acknowledgement may open the window for data that is queued
		// but not sent yet.
		idleWithWork := progressed && sq.InFlight() == 0 && (sq.Unsent() > 0 || sq.NeedToSendFin())
		if tcp.RetransmissionTimer == nil || idleWithWork {
			l.StartRetransmission(pkb.Table, tcp)
			if tcp.State == conntrack.Closed {
				return true
			}
		}
	}
	return false
}

// receive stores the payload of pkb and schedules its acknowledgement.
func (l *L4) receive(pkb *PacketBuffer) {
	t := pkb.TCPPkt
	if len(t.Payload) == 0 {
		return
	}
	tcp := pkb.TCP
	n, ok := tcp.ReceivingQueue.Store(conntrack.Segment{Seq: seqnum.Value(t.Seq), Data: t.Payload})
	if !ok {
		return
	}
	if n > 0 {
		tcp.Notify()
	}
	l.Ack(pkb.Table, tcp)
}

// finInSequence reports whether the FIN of pkb follows the last byte
// received.
func finInSequence(pkb *PacketBuffer) bool {
	t := pkb.TCPPkt
	finSeq := seqnum.Value(t.Seq).Add(seqnum.Size(len(t.Payload)))
	return t.FIN && finSeq == pkb.TCP.ReceivingQueue.ExpectingSeq()
}

func (l *L4) handleEstablished(pkb *PacketBuffer) {
	if l.generalCheckFails(pkb) {
		return
	}
	l.receive(pkb)
	if finInSequence(pkb) {
		tcp := pkb.TCP
		tcp.State = conntrack.CloseWait
		tcp.ReceivingQueue.IncExpectingSeq()
		l.Ack(pkb.Table, tcp)
		tcp.Notify()
	}
}

func (l *L4) handleFinWait1(pkb *PacketBuffer) {
	if l.generalCheckFails(pkb) {
		return
	}
	tcp := pkb.TCP
	if pkb.TCPPkt.FIN {
		if tcp.SendingQueue.AckOfFinReceived() {
			tcp.State = conntrack.Closing
			l.sendRST(pkb)
		} else if DEBUG {
			l.log.Debug("l4: fin received before our fin was acked", "tcp", tcp)
		}
		return
	}
	if tcp.SendingQueue.AckOfFinReceived() {
		tcp.State = conntrack.FinWait2
	}
}

func (l *L4) handleFinWait2(pkb *PacketBuffer) {
	if l.generalCheckFails(pkb) {
		return
	}
	if pkb.TCPPkt.FIN {
		pkb.TCP.State = conntrack.Closing
		l.sendRST(pkb)
	}
}

func (l *L4) handleCloseWait(pkb *PacketBuffer) {
	if l.generalCheckFails(pkb) {
		return
	}
	tcp := pkb.TCP
	if pkb.TCPPkt.FIN && seqnum.Value(pkb.TCPPkt.Seq).Add(1) == tcp.ReceivingQueue.ExpectingSeq() {
		// Our ACK of the FIN was lost.
		l.Ack(pkb.Table, tcp)
	}
}

func (l *L4) handleClosing(pkb *PacketBuffer) {
	if l.generalCheckFails(pkb) {
		return
	}
	if DEBUG {
		l.log.Debug("l4: dropping packet in CLOSING", "tcp", pkb.TCP)
	}
}

func (l *L4) handleLastAck(pkb *PacketBuffer) {
	if l.generalCheckFails(pkb) {
		return
	}
	tcp := pkb.TCP
	if tcp.SendingQueue.AckOfFinReceived() {
		l.finishTCPConnection(pkb.Table, tcp)
	}
}

// handleInboundRST tears the flow down when the reset carries the expected
// sequence number.
func (l *L4) handleInboundRST(pkb *PacketBuffer) {
	tcp := pkb.TCP
	if seqnum.Value(pkb.TCPPkt.Seq) != tcp.ReceivingQueue.ExpectingSeq() {
		if DEBUG {
			l.log.Debug("l4: ignoring out of window rst", "tcp", tcp, "seq", pkb.TCPPkt.Seq)
		}
		return
	}
	l.log.Info("l4: connection reset by peer", "src", tcp.Source, "dst", tcp.Destination, "state", tcp.State)
	tcp.Reset = true
	l.finishTCPConnection(pkb.Table, tcp)
}

// finishTCPConnection removes a flow without telling the peer.
func (l *L4) finishTCPConnection(table *Table, tcp *conntrack.TCPEntry) {
	tcp.CancelTimers()
	tcp.State = conntrack.Closed
	table.Conntrack.Remove(tcp.Source, tcp.Destination)
	tcp.Notify()
}

// Close starts the local close of a flow on behalf of the application.
func (l *L4) Close(table *Table, tcp *conntrack.TCPEntry) {
	switch tcp.State {
	case conntrack.Established:
		tcp.SendingQueue.CloseWrite()
		tcp.State = conntrack.FinWait1
		l.StartRetransmission(table, tcp)
	case conntrack.CloseWait:
		tcp.SendingQueue.CloseWrite()
		tcp.State = conntrack.LastAck
		l.StartRetransmission(table, tcp)
	case conntrack.SynReceived:
		l.ResetTCPConnection(table, tcp)
	}
}

// Write queues application bytes on tcp and kicks the retransmission
// engine when nothing is in flight.
func (l *L4) Write(table *Table, tcp *conntrack.TCPEntry, p []byte) (int, error) {
	n, err := tcp.SendingQueue.Write(p)
	if n > 0 && (tcp.RetransmissionTimer == nil || tcp.SendingQueue.InFlight() == 0) {
		l.StartRetransmission(table, tcp)
	}
	return n, err
}

// Read drains received bytes for the application and advertises the
// reopened window if the peer was told the window was closed.
func (l *L4) Read(table *Table, tcp *conntrack.TCPEntry, p []byte) (int, error) {
	rq := tcp.ReceivingQueue
	closed := rq.AdvertisedWindow() == 0
	n, err := rq.Read(p)
	if n > 0 && closed && rq.AdvertisedWindow() > 0 {
		switch tcp.State {
		case conntrack.Established, conntrack.FinWait1, conntrack.FinWait2:
			l.sendAck(table, tcp)
		}
	}
	return n, err
}

////////////////////////////////////////////////////////////////////////////////
// TCP options.
////////////////////////////////////////////////////////////////////////////////

// tcpOptions holds the options of a SYN the stack cares about.
type tcpOptions struct {
	mss         uint16
	wndScale    uint8
	hasMSS      bool
	hasWndScale bool
}

func parseTCPOptions(options []layers.TCPOption) tcpOptions {
	var opts tcpOptions
	for _, o := range options {
		switch o.OptionType {
		case layers.TCPOptionKindMSS:
			if len(o.OptionData) == 2 {
				opts.mss = binary.BigEndian.Uint16(o.OptionData)
				opts.hasMSS = true
			}
		case layers.TCPOptionKindWindowScale:
			if len(o.OptionData) == 1 {
				opts.wndScale = o.OptionData[0]
				opts.hasWndScale = true
			}
		}
	}
	return opts
}
