package netstack

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/tinyrange/vswitch/internal/conntrack"
)

// ErrNotIP is returned by DecodePacket for data that is neither IPv4 nor
// IPv6.
var ErrNotIP = errors.New("netstack: not an ip packet")

const defaultTTL = 64

var serializeOptions = gopacket.SerializeOptions{
	FixLengths:       true,
	ComputeChecksums: true,
}

// PacketBuffer is the context of one packet on its way through the stack.
// It lives for a single input or output pass and is never retained.
type PacketBuffer struct {
	Table *Table

	// Exactly one of IPv4 and IPv6 is set.
	IPv4   *layers.IPv4
	IPv6   *layers.IPv6
	TCPPkt *layers.TCP

	// TCP is the flow the packet belongs to, once resolved.
	TCP *conntrack.TCPEntry

	// NeedTCPReset asks the stack to answer with a RST built from the
	// packet's own fields.
	NeedTCPReset bool

	// Bytes is the serialized IP packet.
	Bytes []byte
}

// DecodePacket parses an IP packet. Non-TCP packets decode fine and leave
// TCPPkt nil.
func DecodePacket(table *Table, data []byte) (*PacketBuffer, error) {
	if len(data) == 0 {
		return nil, ErrNotIP
	}
	var first gopacket.LayerType
	switch data[0] >> 4 {
	case 4:
		first = layers.LayerTypeIPv4
	case 6:
		first = layers.LayerTypeIPv6
	default:
		return nil, fmt.Errorf("%w: version %d", ErrNotIP, data[0]>>4)
	}

	pkt := gopacket.NewPacket(data, first, gopacket.DecodeOptions{NoCopy: true})
	decodeErr := func() error {
		if el := pkt.ErrorLayer(); el != nil {
			return fmt.Errorf("decode packet: %w", el.Error())
		}
		return ErrNotIP
	}

	pkb := &PacketBuffer{Table: table, Bytes: data}
	var proto layers.IPProtocol
	switch ip := pkt.NetworkLayer().(type) {
	case *layers.IPv4:
		pkb.IPv4 = ip
		proto = ip.Protocol
	case *layers.IPv6:
		pkb.IPv6 = ip
		proto = ip.NextHeader
	default:
		return nil, decodeErr()
	}
	if tcp, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP); ok {
		pkb.TCPPkt = tcp
	} else if proto == layers.IPProtocolTCP {
		// Truncated or malformed TCP header. Errors in layers above TCP
		// or in other protocols are not ours to judge.
		return nil, decodeErr()
	}
	return pkb, nil
}

func (pkb *PacketBuffer) srcIP() netip.Addr {
	if pkb.IPv4 != nil {
		return addrFromSlice(pkb.IPv4.SrcIP)
	}
	return addrFromSlice(pkb.IPv6.SrcIP)
}

func (pkb *PacketBuffer) dstIP() netip.Addr {
	if pkb.IPv4 != nil {
		return addrFromSlice(pkb.IPv4.DstIP)
	}
	return addrFromSlice(pkb.IPv6.DstIP)
}

// Src is the sender of the packet.
func (pkb *PacketBuffer) Src() netip.AddrPort {
	return netip.AddrPortFrom(pkb.srcIP(), uint16(pkb.TCPPkt.SrcPort))
}

// Dst is the receiver of the packet.
func (pkb *PacketBuffer) Dst() netip.AddrPort {
	return netip.AddrPortFrom(pkb.dstIP(), uint16(pkb.TCPPkt.DstPort))
}

// ReplacePacket swaps the packet carried by pkb for a freshly serialized
// one. The flow reference is kept.
func (pkb *PacketBuffer) ReplacePacket(ip ipLayer, tcp *layers.TCP) error {
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		return fmt.Errorf("tcp checksum layer: %w", err)
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, serializeOptions, ip, tcp, gopacket.Payload(tcp.Payload)); err != nil {
		return fmt.Errorf("serialize tcp packet: %w", err)
	}
	pkb.IPv4, pkb.IPv6 = nil, nil
	switch ip := ip.(type) {
	case *layers.IPv4:
		pkb.IPv4 = ip
	case *layers.IPv6:
		pkb.IPv6 = ip
	}
	pkb.TCPPkt = tcp
	pkb.NeedTCPReset = false
	pkb.Bytes = buf.Bytes()
	return nil
}

func (pkb *PacketBuffer) String() string {
	if pkb.TCPPkt == nil {
		return fmt.Sprintf("PacketBuffer{len=%d}", len(pkb.Bytes))
	}
	return fmt.Sprintf("PacketBuffer{%s -> %s, flags=%s, seq=%d, ack=%d, len=%d}",
		pkb.Src(), pkb.Dst(), tcpFlags(pkb.TCPPkt), pkb.TCPPkt.Seq, pkb.TCPPkt.Ack, len(pkb.TCPPkt.Payload))
}

////////////////////////////////////////////////////////////////////////////////
// Packet construction.
////////////////////////////////////////////////////////////////////////////////

type ipLayer interface {
	gopacket.NetworkLayer
	gopacket.SerializableLayer
}

func addrFromSlice(b []byte) netip.Addr {
	addr, _ := netip.AddrFromSlice(b)
	return addr.Unmap()
}

// buildIP builds the network header of a packet from src to dst.
func buildIP(src, dst netip.Addr) ipLayer {
	if src.Is4() {
		return &layers.IPv4{
			Version:  4,
			TTL:      defaultTTL,
			Protocol: layers.IPProtocolTCP,
			SrcIP:    src.AsSlice(),
			DstIP:    dst.AsSlice(),
		}
	}
	return &layers.IPv6{
		Version:    6,
		NextHeader: layers.IPProtocolTCP,
		HopLimit:   defaultTTL,
		SrcIP:      src.AsSlice(),
		DstIP:      dst.AsSlice(),
	}
}

// buildCommonTCPResponse fills the fields every segment of an established
// flow shares: ports, the next sequence number, the cumulative ACK and the
// advertised window.
func buildCommonTCPResponse(tcp *conntrack.TCPEntry) *layers.TCP {
	return &layers.TCP{
		SrcPort: layers.TCPPort(tcp.Destination.Port()),
		DstPort: layers.TCPPort(tcp.Source.Port()),
		Seq:     uint32(tcp.SendingQueue.NextSeq()),
		Ack:     uint32(tcp.ReceivingQueue.ExpectingSeq()),
		ACK:     true,
		Window:  tcp.ReceivingQueue.AdvertisedWindow(),
	}
}

// newOutputPacket wraps a segment of tcp into a packet context ready for
// L3.
func newOutputPacket(table *Table, tcp *conntrack.TCPEntry, seg *layers.TCP) (*PacketBuffer, error) {
	pkb := &PacketBuffer{Table: table, TCP: tcp}
	ip := buildIP(tcp.Destination.Addr(), tcp.Source.Addr())
	if err := pkb.ReplacePacket(ip, seg); err != nil {
		return nil, err
	}
	return pkb, nil
}

func tcpFlags(t *layers.TCP) string {
	var b []byte
	add := func(set bool, c byte) {
		if set {
			b = append(b, c)
		}
	}
	add(t.SYN, 'S')
	add(t.ACK, 'A')
	add(t.PSH, 'P')
	add(t.FIN, 'F')
	add(t.RST, 'R')
	add(t.URG, 'U')
	if len(b) == 0 {
		return "."
	}
	return string(b)
}

// onlySYN reports whether SYN is the only control bit set. ECN negotiation
// bits are ignored.
func onlySYN(t *layers.TCP) bool {
	return t.SYN && !t.ACK && !t.FIN && !t.RST && !t.PSH && !t.URG
}
