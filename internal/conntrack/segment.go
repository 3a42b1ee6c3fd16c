package conntrack

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/tcpip/seqnum"
)

// Segment is a run of stream bytes starting at Seq.
type Segment struct {
	Seq  seqnum.Value
	Data []byte
}

// End is the sequence number following the last byte.
func (s Segment) End() seqnum.Value {
	return s.Seq.Add(seqnum.Size(len(s.Data)))
}

func (s Segment) String() string {
	return fmt.Sprintf("Segment{seq=%d, len=%d}", uint32(s.Seq), len(s.Data))
}
