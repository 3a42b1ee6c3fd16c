package conntrack

import (
	"io"

	"github.com/smallnest/ringbuffer"
	"gvisor.dev/gvisor/pkg/tcpip/seqnum"
)

// ReceivingQueue holds in-order bytes received from the peer until the
// application reads them. The ring buffer is allocated when the first
// payload byte arrives.
type ReceivingQueue struct {
	buf      *ringbuffer.RingBuffer
	capacity int

	expectingSeq seqnum.Value
	ackedSeq     seqnum.Value

	windowShift uint8
	finReceived bool
}

// NewReceivingQueue creates a queue for a peer whose SYN carried peerISN.
func NewReceivingQueue(peerISN seqnum.Value, capacity int) *ReceivingQueue {
	next := peerISN.Add(1)
	return &ReceivingQueue{
		capacity:     capacity,
		expectingSeq: next,
		ackedSeq:     next,
	}
}

func (q *ReceivingQueue) ExpectingSeq() seqnum.Value { return q.expectingSeq }

// AckedSeq is the sequence number carried by the last ACK sent.
func (q *ReceivingQueue) AckedSeq() seqnum.Value { return q.ackedSeq }

// SetWindowScale sets the factor (a power of two) the advertised window is
// divided by.
func (q *ReceivingQueue) SetWindowScale(scale uint32) {
	q.windowShift = 0
	for scale > 1 {
		scale >>= 1
		q.windowShift++
	}
}

func (q *ReceivingQueue) WindowScale() uint32 { return 1 << q.windowShift }

// Window is the free receive space in bytes.
func (q *ReceivingQueue) Window() uint32 {
	if q.buf == nil {
		return uint32(q.capacity)
	}
	return uint32(q.buf.Free())
}

// AdvertisedWindow is Window expressed in the negotiated scale, as placed in
// the TCP header.
func (q *ReceivingQueue) AdvertisedWindow() uint16 {
	w := q.Window() >> q.windowShift
	if w > 0xffff {
		return 0xffff
	}
	return uint16(w)
}

// Store accepts seg if it starts at the expected sequence number. A
// retransmission overlapping already received bytes contributes only its
// new tail. It returns the number of bytes stored and whether the segment
// was in sequence; out of sequence segments are dropped.
func (q *ReceivingQueue) Store(seg Segment) (int, bool) {
	data := seg.Data
	if seg.Seq != q.expectingSeq {
		if !seg.Seq.LessThan(q.expectingSeq) {
			return 0, false
		}
		dup := int(seg.Seq.Size(q.expectingSeq))
		if dup >= len(data) {
			return 0, true
		}
		data = data[dup:]
	}
	if len(data) == 0 {
		return 0, true
	}
	if free := int(q.Window()); len(data) > free {
		data = data[:free]
	}
	if len(data) == 0 {
		return 0, true
	}
	if q.buf == nil {
		q.buf = ringbuffer.New(q.capacity)
	}
	n, _ := q.buf.Write(data)
	q.expectingSeq = q.expectingSeq.Add(seqnum.Size(n))
	return n, true
}

// IncExpectingSeq consumes the peer's FIN.
func (q *ReceivingQueue) IncExpectingSeq() {
	q.expectingSeq = q.expectingSeq.Add(1)
	q.finReceived = true
}

func (q *ReceivingQueue) FinReceived() bool { return q.finReceived }

// MarkAcked records that an ACK covering everything received was sent.
func (q *ReceivingQueue) MarkAcked() {
	q.ackedSeq = q.expectingSeq
}

// Buffered is the number of bytes waiting for the application.
func (q *ReceivingQueue) Buffered() int {
	if q.buf == nil {
		return 0
	}
	return q.buf.Length()
}

// Read drains buffered bytes. It returns io.EOF once the buffer is empty
// and the peer's FIN has been consumed.
func (q *ReceivingQueue) Read(p []byte) (int, error) {
	if q.Buffered() == 0 {
		if q.finReceived {
			return 0, io.EOF
		}
		return 0, nil
	}
	n, err := q.buf.Read(p)
	if err != nil && n == 0 {
		return 0, nil
	}
	return n, nil
}
