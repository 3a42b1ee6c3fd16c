package netstack

import (
	"time"

	"github.com/google/gopacket/layers"
	"gvisor.dev/gvisor/pkg/tcpip/seqnum"

	"github.com/tinyrange/vswitch/internal/config"
	"github.com/tinyrange/vswitch/internal/conntrack"
)

////////////////////////////////////////////////////////////////////////////////
// Delayed acknowledgement.
////////////////////////////////////////////////////////////////////////////////

// Ack acknowledges received data. With a closed receive window the ACK goes
// out at once so the peer learns about it; otherwise acknowledgements are
// coalesced behind a single delayed-ACK timer.
func (l *L4) Ack(table *Table, tcp *conntrack.TCPEntry) {
	if tcp.ReceivingQueue.Window() == 0 {
		if tcp.DelayedAckTimer != nil {
			tcp.DelayedAckTimer.Cancel()
			tcp.DelayedAckTimer = nil
		}
		l.sendAck(table, tcp)
		return
	}
	if tcp.DelayedAckTimer != nil {
		return
	}
	timeout := table.Conntrack.Config().DelayedAckTimeout
	tcp.DelayedAckTimer = l.sched.Delay(timeout, func() {
		tcp.DelayedAckTimer = nil
		l.sendAck(table, tcp)
	})
}

func (l *L4) sendAck(table *Table, tcp *conntrack.TCPEntry) {
	if tcp.DelayedAckTimer != nil {
		tcp.DelayedAckTimer.Cancel()
		tcp.DelayedAckTimer = nil
	}
	tcp.ReceivingQueue.MarkAcked()
	l.output(table, tcp, buildCommonTCPResponse(tcp))
}

////////////////////////////////////////////////////////////////////////////////
// Retransmission.
////////////////////////////////////////////////////////////////////////////////

// StartRetransmission (re)transmits whatever the sending queue holds and arms
// the retransmission timer.
func (l *L4) StartRetransmission(table *Table, tcp *conntrack.TCPEntry) {
	l.transmit(table, tcp, 0, 0)
}

// retransmissionDelay is RTOMin doubled count times, capped at RTOMax.
func retransmissionDelay(cfg config.TCP, count int) time.Duration {
	if count >= 63 {
		return cfg.RTOMax
	}
	delay := cfg.RTOMin << count
	if delay <= 0 || delay > cfg.RTOMax || delay>>count != cfg.RTOMin {
		return cfg.RTOMax
	}
	return delay
}

func (l *L4) transmit(table *Table, tcp *conntrack.TCPEntry, lastBeginSeq seqnum.Value, count int) {
	if tcp.RetransmissionTimer != nil {
		tcp.RetransmissionTimer.Cancel()
		tcp.RetransmissionTimer = nil
	}

	cfg := table.Conntrack.Config()
	if tcp.RequireClosing() && count > cfg.MaxRetransmissionAfterClosing {
		l.log.Info("l4: too many retransmissions after closing",
			"src", tcp.Source, "dst", tcp.Destination, "count", count)
		l.ResetTCPConnection(table, tcp)
		return
	}

	sq := tcp.SendingQueue
	segments := sq.Fetch()
	if len(segments) == 0 && !sq.NeedToSendFin() {
		l.afterTransmission(table, tcp)
		return
	}

	beginSeq := sq.FetchSeq().Add(1)
	if len(segments) > 0 {
		beginSeq = segments[0].Seq
	}
	if beginSeq != lastBeginSeq {
		// Progress was made; this is a first transmission.
		count = 0
	}

	delay := retransmissionDelay(cfg, count)
	if DEBUG {
		l.log.Debug("l4: transmit", "tcp", tcp, "segments", len(segments), "count", count, "rto", delay)
	}
	tcp.RetransmissionTimer = l.sched.Delay(delay, func() {
		tcp.RetransmissionTimer = nil
		l.transmit(table, tcp, beginSeq, count+1)
	})

	if len(segments) == 0 {
		l.sendFin(table, tcp)
		return
	}
	for _, s := range segments {
		l.sendPsh(table, tcp, s)
	}
}

// afterTransmission runs once nothing is left to send. A flow that is
// closing is torn down at that point.
func (l *L4) afterTransmission(table *Table, tcp *conntrack.TCPEntry) {
	if tcp.RequireClosing() {
		l.ResetTCPConnection(table, tcp)
	}
}

func (l *L4) sendPsh(table *Table, tcp *conntrack.TCPEntry, s conntrack.Segment) {
	t := buildCommonTCPResponse(tcp)
	t.Seq = uint32(s.Seq)
	t.PSH = true
	t.Payload = s.Data
	l.output(table, tcp, t)
}

func (l *L4) sendFin(table *Table, tcp *conntrack.TCPEntry) {
	t := buildCommonTCPResponse(tcp)
	t.Seq = uint32(tcp.SendingQueue.FetchSeq())
	t.FIN = true
	tcp.SendingQueue.MarkFinSent()
	l.output(table, tcp, t)
}

////////////////////////////////////////////////////////////////////////////////
// Resets.
////////////////////////////////////////////////////////////////////////////////

// ResetTCPConnection sends a RST for tcp and forgets the flow.
func (l *L4) ResetTCPConnection(table *Table, tcp *conntrack.TCPEntry) {
	t := buildCommonTCPResponse(tcp)
	t.RST = true
	t.Window = 0
	l.output(table, tcp, t)

	tcp.Reset = true
	l.finishTCPConnection(table, tcp)
}

// sendRST answers pkb with a reset built only from the packet's own fields,
// since there may be no flow for it.
func (l *L4) sendRST(pkb *PacketBuffer) {
	in := pkb.TCPPkt
	rst := &layers.TCP{
		SrcPort: in.DstPort,
		DstPort: in.SrcPort,
		Seq:     in.Ack,
		Ack:     in.Seq,
		RST:     true,
	}
	if !in.ACK {
		// A peer in SYN-SENT only accepts a reset that acknowledges its
		// SYN.
		segLen := uint32(len(in.Payload))
		if in.SYN {
			segLen++
		}
		if in.FIN {
			segLen++
		}
		rst.Ack = in.Seq + segLen
		rst.ACK = true
	}

	ip := buildIP(pkb.dstIP(), pkb.srcIP())
	if err := pkb.ReplacePacket(ip, rst); err != nil {
		l.log.Error("l4: build rst", "err", err)
		return
	}
	l.l3.Output(pkb)
}

func (l *L4) output(table *Table, tcp *conntrack.TCPEntry, t *layers.TCP) {
	pkb, err := newOutputPacket(table, tcp, t)
	if err != nil {
		l.log.Error("l4: build packet", "tcp", tcp, "err", err)
		return
	}
	if DEBUG {
		l.log.Debug("l4: output", "pkb", pkb)
	}
	l.l3.Output(pkb)
}
