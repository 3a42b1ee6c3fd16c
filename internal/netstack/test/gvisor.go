package test

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/tinyrange/vswitch/internal/config"
	"github.com/tinyrange/vswitch/internal/netstack"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
)

const gvisorNICID tcpip.NICID = 1

const (
	testVNI = 1
	linkMTU = 1500
)

var (
	switchIPv4 = netip.MustParseAddr("10.0.0.1")
	peerIPv4   = netip.MustParseAddr("10.0.0.2")
)

// gvisorHarness connects a gVisor stack (the peer) to a Switch over a raw IP
// channel. Nothing in between rewrites or reorders packets.
type gvisorHarness struct {
	t testing.TB

	ctx    context.Context
	cancel context.CancelFunc

	sw *netstack.Switch

	gs *stack.Stack
	ch *channel.Endpoint

	// observation channels
	p2s       chan []byte // gVisor -> switch (ip packets)
	s2p       chan []byte // switch -> gVisor (ip packets)
	unhandled chan []byte
}

func gvisorAddr(a netip.Addr) tcpip.Address {
	return tcpip.AddrFrom4(a.As4())
}

func newGvisorHarness(tb testing.TB, shards int) *gvisorHarness {
	tb.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	h := &gvisorHarness{
		t:         tb,
		ctx:       ctx,
		cancel:    cancel,
		p2s:       make(chan []byte, 4096),
		s2p:       make(chan []byte, 4096),
		unhandled: make(chan []byte, 64),
	}

	// gVisor stack on a link without a link-layer header.
	h.ch = channel.New(4096, linkMTU, "")
	h.gs = stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol},
	})
	if err := h.gs.CreateNIC(gvisorNICID, h.ch); err != nil {
		tb.Fatalf("gvisor CreateNIC: %v", err)
	}
	if err := h.gs.AddProtocolAddress(
		gvisorNICID,
		tcpip.ProtocolAddress{
			Protocol: ipv4.ProtocolNumber,
			AddressWithPrefix: tcpip.AddressWithPrefix{
				Address:   gvisorAddr(peerIPv4),
				PrefixLen: 24,
			},
		},
		stack.AddressProperties{},
	); err != nil {
		tb.Fatalf("gvisor AddProtocolAddress: %v", err)
	}
	h.gs.SetRouteTable([]tcpip.Route{
		{
			Destination: header.IPv4EmptySubnet,
			NIC:         gvisorNICID,
		},
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	sw, err := netstack.New(netstack.Options{
		Logger:   logger,
		TCP:      config.Default(),
		Shards:   shards,
		Selector: netstack.UseFlowHash,
		Networks: []uint32{testVNI},
		Output: func(vni uint32, packet []byte) {
			out := append([]byte(nil), packet...)
			select {
			case h.s2p <- out:
			default:
			}
			pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
				Payload: buffer.MakeWithData(out),
			})
			h.ch.InjectInbound(ipv4.ProtocolNumber, pkt)
			pkt.DecRef()
		},
		Unhandled: func(vni uint32, packet []byte) {
			select {
			case h.unhandled <- append([]byte(nil), packet...):
			default:
			}
		},
	})
	if err != nil {
		tb.Fatalf("new switch: %v", err)
	}
	h.sw = sw

	runErr := make(chan error, 1)
	go func() { runErr <- sw.Run(ctx) }()

	// gVisor -> switch
	go func() {
		for {
			pkt := h.ch.ReadContext(h.ctx)
			if pkt == nil {
				return
			}
			out := append([]byte(nil), pkt.ToView().AsSlice()...)
			pkt.DecRef()

			select {
			case h.p2s <- out:
			default:
			}
			_ = h.sw.Input(netstack.Packet{VNI: testVNI, Data: out})
		}
	}()

	tb.Cleanup(func() {
		h.cancel()
		h.ch.Close()
		_ = h.sw.Close()
		select {
		case <-runErr:
		case <-time.After(2 * time.Second):
			tb.Errorf("switch did not stop")
		}
	})
	return h
}

func (h *gvisorHarness) listen(port uint16) net.Listener {
	h.t.Helper()
	ln, err := h.sw.Listen(h.ctx, testVNI, netip.AddrPortFrom(switchIPv4, port))
	if err != nil {
		h.t.Fatalf("listen: %v", err)
	}
	h.t.Cleanup(func() { _ = ln.Close() })
	return ln
}

func (h *gvisorHarness) dial(port uint16) net.Conn {
	h.t.Helper()
	c, err := h.tryDial(port)
	if err != nil {
		h.t.Fatalf("gvisor dial tcp: %v", err)
	}
	h.t.Cleanup(func() { _ = c.Close() })
	return c
}

func (h *gvisorHarness) tryDial(port uint16) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
	defer cancel()
	return gonet.DialContextTCP(ctx, h.gs, tcpip.FullAddress{
		NIC:  gvisorNICID,
		Addr: gvisorAddr(switchIPv4),
		Port: port,
	}, ipv4.ProtocolNumber)
}

// flowCount reports how many flows the switch tracks across all networks.
func (h *gvisorHarness) flowCount() int {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(h.ctx, time.Second)
	defer cancel()
	status, err := h.sw.Status(ctx)
	if err != nil {
		h.t.Fatalf("status: %v", err)
	}
	n := 0
	for _, network := range status.Networks {
		n += len(network.Flows)
	}
	return n
}

// awaitNoFlows polls until every flow has been removed.
func (h *gvisorHarness) awaitNoFlows(timeout time.Duration) {
	h.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		n := h.flowCount()
		if n == 0 {
			return
		}
		if time.Now().After(deadline) {
			h.t.Fatalf("%d flows still tracked after %v", n, timeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func awaitPacket(tb testing.TB, ch <-chan []byte, timeout time.Duration) []byte {
	tb.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(timeout):
		tb.Fatalf("timeout waiting for packet")
		return nil
	}
}
