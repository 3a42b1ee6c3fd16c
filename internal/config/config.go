// Package config holds the tunables of the userspace TCP endpoint and the
// on-disk switch description consumed by cmd/vswitch.
package config

import (
	"errors"
	"fmt"
	"math/bits"
	"net/netip"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid config")

// TCP carries the protocol constants injected into every conntrack table.
type TCP struct {
	// AdvertisedMSS is echoed in the MSS option of every SYN-ACK.
	AdvertisedMSS uint16 `yaml:"advertisedMSS"`
	// DefaultSendMSS is used when the peer's SYN carries no MSS option.
	DefaultSendMSS uint16 `yaml:"defaultSendMSS"`

	RTOMin time.Duration `yaml:"rtoMin"`
	RTOMax time.Duration `yaml:"rtoMax"`

	DelayedAckTimeout time.Duration `yaml:"delayedAckTimeout"`

	// MaxSynBacklog bounds the half-open backlog of a listen entry.
	MaxSynBacklog int `yaml:"maxSynBacklog"`
	// MaxRetransmissionAfterClosing is the retry ceiling once the local
	// side has queued its FIN.
	MaxRetransmissionAfterClosing int `yaml:"maxRetransmissionAfterClosing"`

	// ReceiveWindowScale is the window scale factor (a power of two) the
	// receiving side offers in the SYN-ACK. 1 disables the option.
	ReceiveWindowScale uint32 `yaml:"receiveWindowScale"`

	SendBufferSize    int `yaml:"sendBufferSize"`
	ReceiveBufferSize int `yaml:"receiveBufferSize"`
}

// Default returns the values the switch runs with when nothing overrides
// them.
func Default() TCP {
	return TCP{
		AdvertisedMSS:                 1460,
		DefaultSendMSS:                536,
		RTOMin:                        200 * time.Millisecond,
		RTOMax:                        120 * time.Second,
		DelayedAckTimeout:             200 * time.Millisecond,
		MaxSynBacklog:                 128,
		MaxRetransmissionAfterClosing: 8,
		ReceiveWindowScale:            16,
		SendBufferSize:                1 << 20,
		ReceiveBufferSize:             1 << 20,
	}
}

// WindowShift returns log2(ReceiveWindowScale).
func (c TCP) WindowShift() uint8 {
	if c.ReceiveWindowScale <= 1 {
		return 0
	}
	return uint8(bits.TrailingZeros32(c.ReceiveWindowScale))
}

func (c TCP) Validate() error {
	switch {
	case c.AdvertisedMSS == 0:
		return fmt.Errorf("%w: advertisedMSS must be positive", ErrInvalid)
	case c.DefaultSendMSS == 0:
		return fmt.Errorf("%w: defaultSendMSS must be positive", ErrInvalid)
	case c.RTOMin <= 0:
		return fmt.Errorf("%w: rtoMin must be positive", ErrInvalid)
	case c.RTOMax < c.RTOMin:
		return fmt.Errorf("%w: rtoMax %s below rtoMin %s", ErrInvalid, c.RTOMax, c.RTOMin)
	case c.DelayedAckTimeout <= 0:
		return fmt.Errorf("%w: delayedAckTimeout must be positive", ErrInvalid)
	case c.MaxSynBacklog <= 0:
		return fmt.Errorf("%w: maxSynBacklog must be positive", ErrInvalid)
	case c.MaxRetransmissionAfterClosing < 0:
		return fmt.Errorf("%w: maxRetransmissionAfterClosing is negative", ErrInvalid)
	case c.ReceiveWindowScale == 0 || bits.OnesCount32(c.ReceiveWindowScale) != 1:
		return fmt.Errorf("%w: receiveWindowScale %d is not a power of two", ErrInvalid, c.ReceiveWindowScale)
	case c.WindowShift() > 14:
		return fmt.Errorf("%w: receiveWindowScale %d exceeds 1<<14", ErrInvalid, c.ReceiveWindowScale)
	case c.SendBufferSize <= 0 || c.ReceiveBufferSize <= 0:
		return fmt.Errorf("%w: buffer sizes must be positive", ErrInvalid)
	}
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// Switch description file.
////////////////////////////////////////////////////////////////////////////////

// File is the YAML document read by cmd/vswitch.
type File struct {
	// Bind is the UDP address VXLAN datagrams are received on.
	Bind string `yaml:"bind"`
	// Shards is the number of independent event loops.
	Shards int `yaml:"shards,omitempty"`
	// Selector picks the shard for an inbound packet: "queue" or "flow".
	Selector string `yaml:"selector,omitempty"`

	Capture string `yaml:"capture,omitempty"`
	Debug   string `yaml:"debug,omitempty"`

	TCP TCP `yaml:"tcp"`

	Networks []Network `yaml:"networks"`
}

// Network is one switching domain.
type Network struct {
	VNI       uint32     `yaml:"vni"`
	Listeners []Listener `yaml:"listeners"`
}

// Listener binds a built-in service to an address inside a network.
type Listener struct {
	Address string `yaml:"address"`
	// Service is "echo" or "discard".
	Service string `yaml:"service"`
}

func (l Listener) AddrPort() (netip.AddrPort, error) {
	ap, err := netip.ParseAddrPort(l.Address)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: listener address %q: %v", ErrInvalid, l.Address, err)
	}
	return ap, nil
}

func (f *File) normalize() {
	if f.Shards == 0 {
		f.Shards = 1
	}
	if f.Selector == "" {
		f.Selector = "queue"
	}
}

func (f *File) Validate() error {
	if f.Bind == "" {
		return fmt.Errorf("%w: bind address is required", ErrInvalid)
	}
	if f.Shards < 0 {
		return fmt.Errorf("%w: shards is negative", ErrInvalid)
	}
	if f.Selector != "queue" && f.Selector != "flow" {
		return fmt.Errorf("%w: unknown selector %q", ErrInvalid, f.Selector)
	}
	if err := f.TCP.Validate(); err != nil {
		return fmt.Errorf("tcp: %w", err)
	}
	seen := make(map[uint32]bool)
	for _, n := range f.Networks {
		if n.VNI >= 1<<24 {
			return fmt.Errorf("%w: vni %d does not fit in 24 bits", ErrInvalid, n.VNI)
		}
		if seen[n.VNI] {
			return fmt.Errorf("%w: duplicate vni %d", ErrInvalid, n.VNI)
		}
		seen[n.VNI] = true
		for _, l := range n.Listeners {
			if _, err := l.AddrPort(); err != nil {
				return err
			}
			switch l.Service {
			case "echo", "discard":
			default:
				return fmt.Errorf("%w: vni %d: unknown service %q", ErrInvalid, n.VNI, l.Service)
			}
		}
	}
	return nil
}

// Parse decodes a switch description. Fields absent from the document keep
// their defaults.
func Parse(data []byte) (File, error) {
	f := File{TCP: Default()}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("parse config: %w", err)
	}
	f.normalize()
	if err := f.Validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read %s: %w", path, err)
	}
	f, err := Parse(data)
	if err != nil {
		return File{}, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}
