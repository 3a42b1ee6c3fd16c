// Package netstack terminates TCP inside an overlay switch.
//
// A Switch is made of shards. Each shard is one event loop owning one flow
// table per switching domain (VNI) and an L4 state machine; packets and
// timers for a flow are only ever handled by the loop that owns it, so the
// protocol code runs without locks. Applications reach the flows through
// net.Listener and net.Conn adapters that hop onto the owning loop.
//
// Notes and limitations:
//   - Passive open only. SYN_SENT and TIME_WAIT are never entered.
//   - No congestion control beyond the peer's window and RTO backoff.
//   - No SACK, timestamps or out-of-order reassembly.
//   - A full half-open backlog answers SYNs with RST instead of dropping.
package netstack

import (
	"context"
	"errors"
	"fmt"
	"hash/maphash"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/vswitch/internal/config"
	"github.com/tinyrange/vswitch/internal/conntrack"
	"github.com/tinyrange/vswitch/internal/eventloop"
	"github.com/tinyrange/vswitch/internal/pcap"
)

// Debug toggle. When true, emits verbose logs from the packet paths.
const DEBUG = false

// ErrUnknownVNI is returned for packets or listeners in a network the switch
// was not configured with.
var ErrUnknownVNI = errors.New("netstack: unknown vni")

////////////////////////////////////////////////////////////////////////////////
// Tables and shards.
////////////////////////////////////////////////////////////////////////////////

// Table is the state of one switching domain on one shard.
type Table struct {
	VNI       uint32
	Conntrack *conntrack.Conntrack
}

func NewTable(vni uint32, cfg config.TCP) *Table {
	return &Table{VNI: vni, Conntrack: conntrack.New(cfg)}
}

func (t *Table) String() string {
	return fmt.Sprintf("Table{vni=%d, flows=%d}", t.VNI, t.Conntrack.Len())
}

type shard struct {
	id     int
	loop   *eventloop.Loop
	l4     *L4
	tables map[uint32]*Table
}

// Packet is an inbound IP packet delivered by the forwarding layer.
type Packet struct {
	VNI uint32
	// QueueID identifies the receive queue the packet arrived on.
	QueueID int
	Data    []byte
}

// OutputFunc transmits an IP packet built by the stack into network vni.
type OutputFunc func(vni uint32, packet []byte)

// KeySelector maps a packet to a shard index in [0, shards).
type KeySelector func(p Packet, shards int) int

// UseQueueID keeps packets on the shard matching their receive queue.
func UseQueueID(p Packet, shards int) int {
	id := p.QueueID % shards
	if id < 0 {
		id += shards
	}
	return id
}

var flowSeed = maphash.MakeSeed()

// UseFlowHash spreads flows across shards by hashing VNI and 4-tuple. Packets
// that do not decode land on shard 0.
func UseFlowHash(p Packet, shards int) int {
	if len(p.Data) == 0 {
		return 0
	}
	first := layers.LayerTypeIPv4
	if p.Data[0]>>4 == 6 {
		first = layers.LayerTypeIPv6
	}
	pkt := gopacket.NewPacket(p.Data, first, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	net := pkt.NetworkLayer()
	transport := pkt.TransportLayer()
	if net == nil || transport == nil {
		return 0
	}
	var h maphash.Hash
	h.SetSeed(flowSeed)
	var vni [4]byte
	vni[0], vni[1], vni[2], vni[3] = byte(p.VNI>>24), byte(p.VNI>>16), byte(p.VNI>>8), byte(p.VNI)
	h.Write(vni[:])
	nf, tf := net.NetworkFlow(), transport.TransportFlow()
	h.Write(nf.Src().Raw())
	h.Write(nf.Dst().Raw())
	h.Write(tf.Src().Raw())
	h.Write(tf.Dst().Raw())
	return int(h.Sum64() % uint64(shards))
}

////////////////////////////////////////////////////////////////////////////////
// Switch.
////////////////////////////////////////////////////////////////////////////////

type Options struct {
	Logger *slog.Logger
	TCP    config.TCP
	// Shards is the number of event loops; zero means one.
	Shards   int
	Selector KeySelector
	// Networks lists the VNIs served.
	Networks []uint32
	Output   OutputFunc
	// Unhandled receives packets the TCP layer did not claim.
	Unhandled func(vni uint32, packet []byte)
}

type Switch struct {
	log       *slog.Logger
	cfg       config.TCP
	shards    []*shard
	selector  KeySelector
	output    OutputFunc
	unhandled func(vni uint32, packet []byte)

	captureMu sync.Mutex
	capture   *pcap.Writer

	debugMu   sync.Mutex
	debug     *debugServer
	debugAddr string

	stats switchStats
}

func New(opts Options) (*Switch, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if err := opts.TCP.Validate(); err != nil {
		return nil, fmt.Errorf("netstack: %w", err)
	}
	if opts.Shards <= 0 {
		opts.Shards = 1
	}
	if opts.Selector == nil {
		opts.Selector = UseQueueID
	}
	if opts.Output == nil {
		opts.Output = func(uint32, []byte) {}
	}

	sw := &Switch{
		log:       opts.Logger,
		cfg:       opts.TCP,
		selector:  opts.Selector,
		output:    opts.Output,
		unhandled: opts.Unhandled,
	}
	for i := 0; i < opts.Shards; i++ {
		loop := eventloop.New(opts.Logger.With("shard", i), 0)
		s := &shard{
			id:     i,
			loop:   loop,
			tables: make(map[uint32]*Table),
		}
		s.l4 = NewL4(opts.Logger.With("shard", i), loop, L3Func(sw.l3Output))
		for _, vni := range opts.Networks {
			s.tables[vni] = NewTable(vni, opts.TCP)
		}
		sw.shards = append(sw.shards, s)
	}
	return sw, nil
}

// Run drives every shard until ctx is cancelled.
func (sw *Switch) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range sw.shards {
		s := s
		g.Go(func() error { return s.loop.Run(ctx) })
	}
	return g.Wait()
}

// Close stops every shard and the debug server.
func (sw *Switch) Close() error {
	for _, s := range sw.shards {
		s.loop.Close()
	}
	sw.debugMu.Lock()
	srv := sw.debug
	sw.debug = nil
	sw.debugMu.Unlock()
	if srv != nil {
		return srv.close()
	}
	return nil
}

// Input hands an inbound packet to its shard. Processing is asynchronous.
func (sw *Switch) Input(p Packet) error {
	s := sw.shards[sw.selector(p, len(sw.shards))]
	table, ok := s.tables[p.VNI]
	if !ok {
		return fmt.Errorf("vni %d: %w", p.VNI, ErrUnknownVNI)
	}
	sw.stats.rxPackets.Add(1)
	sw.writeCapture(p.Data)
	return s.loop.Post(func() {
		sw.handlePacket(s, table, p.Data)
	})
}

func (sw *Switch) handlePacket(s *shard, table *Table, data []byte) {
	pkb, err := DecodePacket(table, data)
	if err != nil {
		sw.stats.rxDropped.Add(1)
		if DEBUG {
			sw.log.Debug("netstack: drop undecodable packet", "vni", table.VNI, "err", err)
		}
		return
	}
	if s.l4.Input(pkb) {
		return
	}
	if sw.unhandled != nil {
		sw.unhandled(table.VNI, data)
	}
}

// l3Output is the forwarding layer every shard's L4 writes to.
func (sw *Switch) l3Output(pkb *PacketBuffer) {
	sw.stats.txPackets.Add(1)
	sw.writeCapture(pkb.Bytes)
	sw.output(pkb.Table.VNI, pkb.Bytes)
}

////////////////////////////////////////////////////////////////////////////////
// Packet capture.
////////////////////////////////////////////////////////////////////////////////

// OpenPacketCapture mirrors every inbound and outbound IP packet to out in
// pcap format.
func (sw *Switch) OpenPacketCapture(out io.Writer) error {
	w, err := pcap.NewWriter(out, pcap.DefaultSnapLen, layers.LinkTypeRaw)
	if err != nil {
		return err
	}
	sw.captureMu.Lock()
	sw.capture = w
	sw.captureMu.Unlock()
	return nil
}

func (sw *Switch) writeCapture(data []byte) {
	sw.captureMu.Lock()
	w := sw.capture
	sw.captureMu.Unlock()
	if w == nil {
		return
	}
	if err := w.WritePacket(time.Now(), data); err != nil {
		sw.log.Warn("netstack: write packet capture", "err", err)
		sw.captureMu.Lock()
		if sw.capture == w {
			sw.capture = nil
		}
		sw.captureMu.Unlock()
	}
}

////////////////////////////////////////////////////////////////////////////////
// Helpers.
////////////////////////////////////////////////////////////////////////////////

// shardTables returns the table for vni on every shard.
func (sw *Switch) shardTables(vni uint32) ([]*Table, error) {
	tables := make([]*Table, 0, len(sw.shards))
	for _, s := range sw.shards {
		t, ok := s.tables[vni]
		if !ok {
			return nil, fmt.Errorf("vni %d: %w", vni, ErrUnknownVNI)
		}
		tables = append(tables, t)
	}
	return tables, nil
}

// onShards runs fn on every shard loop in turn and waits for each.
func (sw *Switch) onShards(ctx context.Context, fn func(s *shard)) error {
	for _, s := range sw.shards {
		s := s
		if err := s.loop.Call(ctx, func() { fn(s) }); err != nil {
			return err
		}
	}
	return nil
}
