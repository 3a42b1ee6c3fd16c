package conntrack

import (
	"errors"

	"github.com/smallnest/ringbuffer"
	"gvisor.dev/gvisor/pkg/tcpip/seqnum"
)

var (
	// ErrQueueFull is returned by Write when no byte could be queued.
	ErrQueueFull = errors.New("conntrack: sending queue full")
	// ErrWriteAfterFin is returned by Write once the FIN has been queued.
	ErrWriteAfterFin = errors.New("conntrack: write after fin")
)

// SendingQueue holds the outbound half of a connection.
//
// Bytes in [AckSeq, FetchSeq) have been handed to the retransmission engine
// and wait for acknowledgement; bytes after FetchSeq sit in a ring buffer
// until the peer's window admits them. The ring buffer is allocated by the
// first Write, so half-open flows cost no buffer space.
type SendingQueue struct {
	pending  *ringbuffer.RingBuffer
	inflight []byte
	capacity int

	ackSeq   seqnum.Value
	fetchSeq seqnum.Value

	window      uint32
	mss         int
	windowShift uint8

	finQueued bool
	finSent   bool
	finAcked  bool
}

// NewSendingQueue creates a queue whose first sequence number is isn.
func NewSendingQueue(isn seqnum.Value, capacity int) *SendingQueue {
	return &SendingQueue{
		capacity: capacity,
		ackSeq:   isn,
		fetchSeq: isn,
		mss:      536,
	}
}

// Init records the peer parameters learned from its SYN. The window of a SYN
// is never scaled; scale applies to every later window update.
func (q *SendingQueue) Init(window uint16, mss uint16, windowScale uint32) {
	q.window = uint32(window)
	if mss > 0 {
		q.mss = int(mss)
	}
	q.windowShift = 0
	for windowScale > 1 {
		windowScale >>= 1
		q.windowShift++
	}
}

func (q *SendingQueue) AckSeq() seqnum.Value   { return q.ackSeq }
func (q *SendingQueue) FetchSeq() seqnum.Value { return q.fetchSeq }

// EndSeq is the sequence number after the last enqueued byte.
func (q *SendingQueue) EndSeq() seqnum.Value {
	return q.fetchSeq.Add(seqnum.Size(q.Unsent()))
}

// Window is the peer's current receive window in bytes.
func (q *SendingQueue) Window() uint32 { return q.window }
func (q *SendingQueue) MSS() int       { return q.mss }

// WindowScale is the factor applied to the peer's window updates.
func (q *SendingQueue) WindowScale() uint32 { return 1 << q.windowShift }

// InFlight is the number of fetched bytes not acknowledged yet.
func (q *SendingQueue) InFlight() int { return len(q.inflight) }

// Unsent is the number of bytes not fetched yet.
func (q *SendingQueue) Unsent() int {
	if q.pending == nil {
		return 0
	}
	return q.pending.Length()
}

// Free is the room left for application writes.
func (q *SendingQueue) Free() int {
	free := q.capacity - len(q.inflight) - q.Unsent()
	if free < 0 {
		return 0
	}
	return free
}

// Write enqueues as much of p as fits.
func (q *SendingQueue) Write(p []byte) (int, error) {
	if q.finQueued {
		return 0, ErrWriteAfterFin
	}
	if len(p) == 0 {
		return 0, nil
	}
	free := q.Free()
	if free == 0 {
		return 0, ErrQueueFull
	}
	if len(p) > free {
		p = p[:free]
	}
	if q.pending == nil {
		q.pending = ringbuffer.New(q.capacity)
	}
	n, err := q.pending.Write(p)
	if err != nil && n == 0 {
		return 0, ErrQueueFull
	}
	return n, nil
}

// Fetch returns the segments the peer's window currently admits, starting
// at AckSeq. Already fetched bytes are returned again, which is what makes
// a second Fetch a retransmission.
func (q *SendingQueue) Fetch() []Segment {
	limit := int(q.window)
	if limit > len(q.inflight) && q.Unsent() > 0 {
		need := limit - len(q.inflight)
		if l := q.Unsent(); need > l {
			need = l
		}
		chunk := make([]byte, need)
		n, _ := q.pending.Read(chunk)
		q.inflight = append(q.inflight, chunk[:n]...)
		q.fetchSeq = q.fetchSeq.Add(seqnum.Size(n))
	}

	send := len(q.inflight)
	if send > limit {
		send = limit
	}
	var segments []Segment
	seq := q.ackSeq
	for off := 0; off < send; off += q.mss {
		end := off + q.mss
		if end > send {
			end = send
		}
		data := make([]byte, end-off)
		copy(data, q.inflight[off:end])
		segments = append(segments, Segment{Seq: seq, Data: data})
		seq = seq.Add(seqnum.Size(end - off))
	}
	return segments
}

// Ack applies a cumulative acknowledgement and the window that came with
// it. Acknowledgements outside [AckSeq, FetchSeq+1] only update the window.
func (q *SendingQueue) Ack(ack seqnum.Value, window uint16) {
	q.window = uint32(window) << q.windowShift

	if q.ackSeq.LessThan(ack) && ack.LessThanEq(q.fetchSeq) {
		n := int(q.ackSeq.Size(ack))
		q.inflight = q.inflight[:copy(q.inflight, q.inflight[n:])]
		q.ackSeq = ack
	}
	if q.finQueued && !q.finAcked && ack == q.fetchSeq.Add(1) && q.drained() {
		q.finAcked = true
	}
}

func (q *SendingQueue) drained() bool {
	return len(q.inflight) == 0 && q.Unsent() == 0
}

// CloseWrite queues a FIN after the data already enqueued.
func (q *SendingQueue) CloseWrite() {
	q.finQueued = true
}

func (q *SendingQueue) FinQueued() bool { return q.finQueued }

// MarkFinSent records that the FIN went out at FetchSeq.
func (q *SendingQueue) MarkFinSent() {
	q.finSent = true
}

// NextSeq is the sequence number for segments carrying no data: FetchSeq,
// or one past it once the FIN has been sent.
func (q *SendingQueue) NextSeq() seqnum.Value {
	if q.finSent {
		return q.fetchSeq.Add(1)
	}
	return q.fetchSeq
}

// NeedToSendFin reports whether the FIN is the next thing to transmit.
func (q *SendingQueue) NeedToSendFin() bool {
	return q.finQueued && !q.finAcked && q.drained()
}

// AckOfFinReceived reports whether the peer acknowledged the local FIN.
func (q *SendingQueue) AckOfFinReceived() bool {
	return q.finAcked
}

// IncAllSeq consumes the handshake sequence number after a SYN-ACK.
func (q *SendingQueue) IncAllSeq() {
	q.ackSeq = q.ackSeq.Add(1)
	q.fetchSeq = q.fetchSeq.Add(1)
}

// DecAllSeq rewinds IncAllSeq so a SYN-ACK can be rebuilt unchanged.
func (q *SendingQueue) DecAllSeq() {
	q.ackSeq--
	q.fetchSeq--
}
