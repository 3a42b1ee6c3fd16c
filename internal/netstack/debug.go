package netstack

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

////////////////////////////////////////////////////////////////////////////////
// Debug HTTP endpoint providing JSON status.
////////////////////////////////////////////////////////////////////////////////

type switchStats struct {
	rxPackets atomic.Uint64
	rxDropped atomic.Uint64
	txPackets atomic.Uint64
}

type debugServer struct {
	srv *http.Server
	ln  net.Listener
	wg  sync.WaitGroup
}

func (d *debugServer) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := d.srv.Shutdown(ctx)
	d.wg.Wait()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("shutdown debug http: %w", err)
	}
	return nil
}

// EnableDebugHTTP starts a small debug server exposing the flow tables at
// /status.
func (sw *Switch) EnableDebugHTTP(addr string) error {
	if addr == "" {
		return nil
	}

	sw.debugMu.Lock()
	defer sw.debugMu.Unlock()

	if sw.debug != nil {
		return fmt.Errorf("debug http already enabled at %s", sw.debugAddr)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen debug http: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", sw.handleDebugStatus)

	d := &debugServer{
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ln: ln,
	}
	sw.debug = d
	sw.debugAddr = ln.Addr().String()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.srv.Serve(ln); err != nil &&
			!errors.Is(err, http.ErrServerClosed) &&
			!errors.Is(err, net.ErrClosed) {
			sw.log.Warn("netstack: debug http serve", "err", err)
		}
	}()

	sw.log.Info("netstack: debug http listening", "addr", sw.debugAddr)
	return nil
}

// DebugHTTPAddr returns the bound address of the debug HTTP server.
func (sw *Switch) DebugHTTPAddr() string {
	sw.debugMu.Lock()
	defer sw.debugMu.Unlock()
	return sw.debugAddr
}

func (sw *Switch) handleDebugStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, err := sw.Status(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		sw.log.Warn("netstack: debug status encode", "err", err)
	}
}

// Status is the JSON structure exposed at /status.
type Status struct {
	Shards    int             `json:"shards"`
	DebugAddr string          `json:"debugAddr"`
	RxPackets uint64          `json:"rxPackets"`
	RxDropped uint64          `json:"rxDropped"`
	TxPackets uint64          `json:"txPackets"`
	Networks  []NetworkStatus `json:"networks"`
}

type NetworkStatus struct {
	VNI       uint32           `json:"vni"`
	Listeners []ListenerStatus `json:"listeners"`
	Flows     []FlowStatus     `json:"flows"`
}

type ListenerStatus struct {
	Shard      int    `json:"shard"`
	Addr       string `json:"addr"`
	SynBacklog int    `json:"synBacklog"`
	Backlog    int    `json:"backlog"`
}

type FlowStatus struct {
	Shard       int    `json:"shard"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
	State       string `json:"state"`

	SendAckSeq   uint32 `json:"sendAckSeq"`
	SendFetchSeq uint32 `json:"sendFetchSeq"`
	InFlight     int    `json:"inFlight"`
	Unsent       int    `json:"unsent"`
	PeerWindow   uint32 `json:"peerWindow"`
	MSS          int    `json:"mss"`

	RecvExpectingSeq uint32 `json:"recvExpectingSeq"`
	Buffered         int    `json:"buffered"`
	AdvertisedWindow uint16 `json:"advertisedWindow"`

	Retransmitting bool `json:"retransmitting"`
}

// Status snapshots every flow table. Each shard is read on its own loop.
func (sw *Switch) Status(ctx context.Context) (Status, error) {
	status := Status{
		Shards:    len(sw.shards),
		DebugAddr: sw.DebugHTTPAddr(),
		RxPackets: sw.stats.rxPackets.Load(),
		RxDropped: sw.stats.rxDropped.Load(),
		TxPackets: sw.stats.txPackets.Load(),
	}

	networks := make(map[uint32]*NetworkStatus)
	err := sw.onShards(ctx, func(s *shard) {
		for vni, table := range s.tables {
			ns := networks[vni]
			if ns == nil {
				ns = &NetworkStatus{VNI: vni}
				networks[vni] = ns
			}
			for _, le := range table.Conntrack.Listeners() {
				ns.Listeners = append(ns.Listeners, ListenerStatus{
					Shard:      s.id,
					Addr:       le.Addr.String(),
					SynBacklog: len(le.SynBacklog),
					Backlog:    len(le.Backlog),
				})
			}
			for _, e := range table.Conntrack.Entries() {
				sq, rq := e.SendingQueue, e.ReceivingQueue
				ns.Flows = append(ns.Flows, FlowStatus{
					Shard:            s.id,
					Source:           e.Source.String(),
					Destination:      e.Destination.String(),
					State:            e.State.String(),
					SendAckSeq:       uint32(sq.AckSeq()),
					SendFetchSeq:     uint32(sq.FetchSeq()),
					InFlight:         sq.InFlight(),
					Unsent:           sq.Unsent(),
					PeerWindow:       sq.Window(),
					MSS:              sq.MSS(),
					RecvExpectingSeq: uint32(rq.ExpectingSeq()),
					Buffered:         rq.Buffered(),
					AdvertisedWindow: rq.AdvertisedWindow(),
					Retransmitting:   e.RetransmissionTimer != nil,
				})
			}
		}
	})
	if err != nil {
		return Status{}, fmt.Errorf("collect status: %w", err)
	}

	for _, ns := range networks {
		status.Networks = append(status.Networks, *ns)
	}
	slices.SortFunc(status.Networks, func(a, b NetworkStatus) int {
		return cmp.Compare(a.VNI, b.VNI)
	})
	return status, nil
}
