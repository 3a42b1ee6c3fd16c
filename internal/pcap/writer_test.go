package pcap

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

func TestWriterProducesExpectedStream(t *testing.T) {
	var buf bytes.Buffer
	const snapLen = 512
	writer, err := NewWriter(&buf, snapLen, layers.LinkTypeRaw)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	ts := time.Unix(1_700_000_000, 250_000_000)
	payload := []byte{0x45, 0xbb, 0xcc, 0xdd, 0xee}
	if err := writer.WritePacket(ts, payload); err != nil {
		t.Fatalf("write packet: %v", err)
	}

	got := buf.Bytes()
	wantLen := 24 + 16 + len(payload)
	if len(got) != wantLen {
		t.Fatalf("expected %d bytes, got %d", wantLen, len(got))
	}

	global := got[:24]
	if magic := binary.LittleEndian.Uint32(global[0:4]); magic != 0xa1b2c3d4 {
		t.Fatalf("unexpected magic %#x", magic)
	}
	if major := binary.LittleEndian.Uint16(global[4:6]); major != 2 {
		t.Fatalf("unexpected major version %d", major)
	}
	if minor := binary.LittleEndian.Uint16(global[6:8]); minor != 4 {
		t.Fatalf("unexpected minor version %d", minor)
	}
	if snap := binary.LittleEndian.Uint32(global[16:20]); snap != snapLen {
		t.Fatalf("unexpected snaplen %d", snap)
	}
	if link := binary.LittleEndian.Uint32(global[20:24]); link != uint32(layers.LinkTypeRaw) {
		t.Fatalf("unexpected linktype %d", link)
	}

	record := got[24 : 24+16]
	if sec := binary.LittleEndian.Uint32(record[0:4]); sec != uint32(ts.Unix()) {
		t.Fatalf("unexpected seconds %d", sec)
	}
	if usec := binary.LittleEndian.Uint32(record[4:8]); usec != 250_000 {
		t.Fatalf("unexpected microseconds %d", usec)
	}
	if capLen := binary.LittleEndian.Uint32(record[8:12]); capLen != uint32(len(payload)) {
		t.Fatalf("unexpected capture length %d", capLen)
	}
	if origLen := binary.LittleEndian.Uint32(record[12:16]); origLen != uint32(len(payload)) {
		t.Fatalf("unexpected original length %d", origLen)
	}
	if !bytes.Equal(got[40:], payload) {
		t.Fatalf("payload mismatch: %x", got[40:])
	}
}

func TestWriterTruncatesToSnapLen(t *testing.T) {
	var buf bytes.Buffer
	writer, err := NewWriter(&buf, 8, layers.LinkTypeRaw)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	payload := bytes.Repeat([]byte{0x45}, 20)
	if err := writer.WritePacket(time.Unix(1, 0), payload); err != nil {
		t.Fatalf("write packet: %v", err)
	}

	r, err := pcapgo.NewReader(&buf)
	if err != nil {
		t.Fatalf("new reader: %v", err)
	}
	if r.LinkType() != layers.LinkTypeRaw {
		t.Fatalf("link type = %v", r.LinkType())
	}
	data, ci, err := r.ReadPacketData()
	if err != nil {
		t.Fatalf("read packet: %v", err)
	}
	if len(data) != 8 || ci.CaptureLength != 8 || ci.Length != 20 {
		t.Fatalf("record = len %d, capture %d, length %d", len(data), ci.CaptureLength, ci.Length)
	}
}

func TestWriterRejectsAfterClose(t *testing.T) {
	var buf bytes.Buffer
	writer, err := NewWriter(&buf, 0, layers.LinkTypeRaw)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := writer.WritePacket(time.Now(), []byte{0x45}); !errors.Is(err, ErrClosed) {
		t.Fatalf("write after close = %v, want ErrClosed", err)
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestWriterReportsHeaderFailure(t *testing.T) {
	if _, err := NewWriter(failingWriter{}, 0, layers.LinkTypeRaw); err == nil {
		t.Fatalf("expected header write error")
	}
}
