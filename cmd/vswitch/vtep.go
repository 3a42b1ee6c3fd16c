package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/tinyrange/vswitch/internal/netstack"
)

const (
	vxlanHeaderLen = 8
	vxlanFlagVNI   = 0x08
	maxDatagram    = 64 * 1024
)

var errNotVXLAN = errors.New("not a vxlan frame")

// switchMAC answers ARP for every address the switch listens on.
var switchMAC = net.HardwareAddr{0x02, 0x76, 0x73, 0x77, 0x00, 0x01}

type neighborKey struct {
	vni uint32
	ip  netip.Addr
}

type neighbor struct {
	mac  net.HardwareAddr
	vtep netip.AddrPort
}

// vtep terminates VXLAN over UDP: it strips the VXLAN and Ethernet headers
// from inbound frames, answers ARP for local addresses and wraps switch
// output back into frames addressed to the learned neighbor.
type vtep struct {
	log   *slog.Logger
	conn  *net.UDPConn
	sw    *netstack.Switch
	local map[neighborKey]bool

	mu        sync.Mutex
	neighbors map[neighborKey]neighbor
}

func newVTEP(log *slog.Logger, conn *net.UDPConn) *vtep {
	return &vtep{
		log:       log,
		conn:      conn,
		local:     make(map[neighborKey]bool),
		neighbors: make(map[neighborKey]neighbor),
	}
}

// addLocal makes the vtep answer ARP for ip inside vni.
func (v *vtep) addLocal(vni uint32, ip netip.Addr) {
	v.local[neighborKey{vni, ip.Unmap()}] = true
}

func (v *vtep) learn(vni uint32, ip netip.Addr, mac net.HardwareAddr, from netip.AddrPort) {
	key := neighborKey{vni, ip.Unmap()}
	v.mu.Lock()
	defer v.mu.Unlock()
	old, ok := v.neighbors[key]
	if ok && old.vtep == from && string(old.mac) == string(mac) {
		return
	}
	v.neighbors[key] = neighbor{mac: append(net.HardwareAddr(nil), mac...), vtep: from}
	v.log.Debug("vtep: learned neighbor", "vni", vni, "ip", ip, "mac", mac, "vtep", from)
}

func (v *vtep) lookup(vni uint32, ip netip.Addr) (neighbor, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	n, ok := v.neighbors[neighborKey{vni, ip.Unmap()}]
	return n, ok
}

// serve reads datagrams until ctx is cancelled or the socket is closed.
func (v *vtep) serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = v.conn.Close() })
	defer stop()

	buf := make([]byte, maxDatagram)
	for {
		n, from, err := v.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("vtep read: %w", err)
		}
		if err := v.handleDatagram(from, buf[:n]); err != nil {
			v.log.Debug("vtep: dropped datagram", "from", from, "err", err)
		}
	}
}

func (v *vtep) handleDatagram(from netip.AddrPort, data []byte) error {
	vni, eth, err := decapsulate(data)
	if err != nil {
		return err
	}

	switch eth.EthernetType {
	case layers.EthernetTypeARP:
		return v.handleARP(vni, from, eth)
	case layers.EthernetTypeIPv4, layers.EthernetTypeIPv6:
	default:
		return fmt.Errorf("ethertype %s not handled", eth.EthernetType)
	}

	payload, src, ok := ipPacket(eth.Payload)
	if !ok {
		return fmt.Errorf("vni %d: malformed ip packet", vni)
	}
	v.learn(vni, src, eth.SrcMAC, from)
	return v.sw.Input(netstack.Packet{
		VNI:     vni,
		QueueID: int(from.Port()),
		Data:    payload,
	})
}

func (v *vtep) handleARP(vni uint32, from netip.AddrPort, eth *layers.Ethernet) error {
	pkt := gopacket.NewPacket(eth.Payload, layers.LayerTypeARP, gopacket.NoCopy)
	arp, ok := pkt.Layer(layers.LayerTypeARP).(*layers.ARP)
	if !ok ||
		arp.AddrType != layers.LinkTypeEthernet ||
		arp.Protocol != layers.EthernetTypeIPv4 ||
		arp.HwAddressSize != 6 ||
		arp.ProtAddressSize != 4 ||
		len(arp.DstProtAddress) != 4 {
		return fmt.Errorf("malformed arp")
	}

	sender := netip.AddrFrom4([4]byte(arp.SourceProtAddress))
	v.learn(vni, sender, net.HardwareAddr(arp.SourceHwAddress), from)

	if arp.Operation != layers.ARPRequest {
		return nil
	}
	target := netip.AddrFrom4([4]byte(arp.DstProtAddress))
	if !v.local[neighborKey{vni, target}] {
		return nil
	}

	reply, err := arpReply(vni, arp, eth.SrcMAC)
	if err != nil {
		return err
	}
	_, err = v.conn.WriteToUDPAddrPort(reply, from)
	return err
}

// output is the switch's OutputFunc. It runs on shard loops.
func (v *vtep) output(vni uint32, packet []byte) {
	dst, ok := destinationAddr(packet)
	if !ok {
		return
	}
	n, ok := v.lookup(vni, dst)
	if !ok {
		v.log.Debug("vtep: no neighbor for output", "vni", vni, "dst", dst)
		return
	}
	frame, err := encapsulate(vni, switchMAC, n.mac, packet)
	if err != nil {
		v.log.Warn("vtep: encapsulate", "err", err)
		return
	}
	if _, err := v.conn.WriteToUDPAddrPort(frame, n.vtep); err != nil {
		v.log.Debug("vtep: write", "vtep", n.vtep, "err", err)
	}
}

// unhandled receives packets no flow or listener claimed.
func (v *vtep) unhandled(vni uint32, packet []byte) {
	if dst, ok := destinationAddr(packet); ok {
		v.log.Debug("vtep: unclaimed packet", "vni", vni, "dst", dst, "len", len(packet))
	}
}

////////////////////////////////////////////////////////////////////////////////
// Framing.
////////////////////////////////////////////////////////////////////////////////

func decapsulate(data []byte) (uint32, *layers.Ethernet, error) {
	pkt := gopacket.NewPacket(data, layers.LayerTypeVXLAN, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	vx, ok := pkt.Layer(layers.LayerTypeVXLAN).(*layers.VXLAN)
	if !ok || !vx.ValidIDFlag {
		return 0, nil, errNotVXLAN
	}
	eth, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if !ok {
		return 0, nil, fmt.Errorf("vni %d: no ethernet frame", vx.VNI)
	}
	return vx.VNI, eth, nil
}

// encapsulate wraps an IP packet in Ethernet and a VXLAN header.
func encapsulate(vni uint32, src, dst net.HardwareAddr, packet []byte) ([]byte, error) {
	etherType := layers.EthernetTypeIPv4
	if len(packet) > 0 && packet[0]>>4 == 6 {
		etherType = layers.EthernetTypeIPv6
	}
	eth := &layers.Ethernet{
		SrcMAC:       src,
		DstMAC:       dst,
		EthernetType: etherType,
	}
	return frame(vni, eth, gopacket.Payload(packet))
}

func arpReply(vni uint32, req *layers.ARP, dst net.HardwareAddr) ([]byte, error) {
	eth := &layers.Ethernet{
		SrcMAC:       switchMAC,
		DstMAC:       dst,
		EthernetType: layers.EthernetTypeARP,
	}
	reply := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPReply,
		SourceHwAddress:   switchMAC,
		SourceProtAddress: req.DstProtAddress,
		DstHwAddress:      req.SourceHwAddress,
		DstProtAddress:    req.SourceProtAddress,
	}
	return frame(vni, eth, reply)
}

func frame(vni uint32, ls ...gopacket.SerializableLayer) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		return nil, err
	}
	hdr, err := buf.PrependBytes(vxlanHeaderLen)
	if err != nil {
		return nil, err
	}
	clear(hdr)
	hdr[0] = vxlanFlagVNI
	hdr[4] = byte(vni >> 16)
	hdr[5] = byte(vni >> 8)
	hdr[6] = byte(vni)
	return buf.Bytes(), nil
}

// ipPacket copies the IP packet out of an Ethernet payload, dropping any
// link padding, and reports its source address.
func ipPacket(payload []byte) ([]byte, netip.Addr, bool) {
	nl, ok := networkLayer(payload)
	if !ok {
		return nil, netip.Addr{}, false
	}
	n := len(payload)
	switch ip := nl.(type) {
	case *layers.IPv4:
		n = int(ip.Length)
	case *layers.IPv6:
		n = 40 + int(ip.Length)
	}
	if n > len(payload) {
		return nil, netip.Addr{}, false
	}
	src, ok := netip.AddrFromSlice(nl.NetworkFlow().Src().Raw())
	return append([]byte(nil), payload[:n]...), src, ok
}

func destinationAddr(packet []byte) (netip.Addr, bool) {
	nl, ok := networkLayer(packet)
	if !ok {
		return netip.Addr{}, false
	}
	return netip.AddrFromSlice(nl.NetworkFlow().Dst().Raw())
}

func networkLayer(packet []byte) (gopacket.NetworkLayer, bool) {
	if len(packet) == 0 {
		return nil, false
	}
	first := layers.LayerTypeIPv4
	if packet[0]>>4 == 6 {
		first = layers.LayerTypeIPv6
	}
	pkt := gopacket.NewPacket(packet, first, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	nl := pkt.NetworkLayer()
	return nl, nl != nil
}
