// Package pcap writes classic libpcap capture streams of the packets a
// switch sees.
package pcap

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// DefaultSnapLen captures whole packets for any MTU the switch handles.
const DefaultSnapLen = 65535

// ErrClosed is returned by WritePacket after Close.
var ErrClosed = errors.New("pcap: writer closed")

// Writer emits a pcap stream. It is safe for concurrent use; records from
// different goroutines are never interleaved.
type Writer struct {
	mu      sync.Mutex
	w       *pcapgo.Writer
	snapLen int
	closed  bool
}

// NewWriter writes the global header to out and returns a Writer for
// packets of the given link type.
func NewWriter(out io.Writer, snapLen uint32, linkType layers.LinkType) (*Writer, error) {
	if snapLen == 0 {
		snapLen = DefaultSnapLen
	}
	w := pcapgo.NewWriter(out)
	if err := w.WriteFileHeader(snapLen, linkType); err != nil {
		return nil, fmt.Errorf("pcap: write header: %w", err)
	}
	return &Writer{w: w, snapLen: int(snapLen)}, nil
}

// WritePacket appends one record. Packets longer than the snap length are
// truncated, keeping the original length in the record.
func (w *Writer) WritePacket(ts time.Time, data []byte) error {
	ci := gopacket.CaptureInfo{
		Timestamp:     ts,
		CaptureLength: len(data),
		Length:        len(data),
	}
	if ci.CaptureLength > w.snapLen {
		ci.CaptureLength = w.snapLen
		data = data[:w.snapLen]
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if err := w.w.WritePacket(ci, data); err != nil {
		return fmt.Errorf("pcap: write packet: %w", err)
	}
	return nil
}

// Close stops further writes. The underlying writer is not closed.
func (w *Writer) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}
