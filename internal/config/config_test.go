package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if got := Default().WindowShift(); got != 4 {
		t.Fatalf("window shift = %d, want 4", got)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*TCP)
	}{
		{"zero mss", func(c *TCP) { c.AdvertisedMSS = 0 }},
		{"rto max below min", func(c *TCP) { c.RTOMax = c.RTOMin / 2 }},
		{"scale not power of two", func(c *TCP) { c.ReceiveWindowScale = 12 }},
		{"scale too large", func(c *TCP) { c.ReceiveWindowScale = 1 << 15 }},
		{"empty backlog", func(c *TCP) { c.MaxSynBacklog = 0 }},
		{"negative ceiling", func(c *TCP) { c.MaxRetransmissionAfterClosing = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(&c)
			err := c.Validate()
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("Validate() = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestParseKeepsDefaults(t *testing.T) {
	doc := []byte(`
bind: 127.0.0.1:4789
shards: 2
tcp:
  rtoMin: 50ms
  maxSynBacklog: 4
networks:
  - vni: 1337
    listeners:
      - address: 10.0.0.1:7
        service: echo
`)
	f, err := Parse(doc)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	want := Default()
	want.RTOMin = 50 * time.Millisecond
	want.MaxSynBacklog = 4
	if diff := cmp.Diff(want, f.TCP); diff != "" {
		t.Fatalf("tcp config mismatch (-want +got):\n%s", diff)
	}
	if f.Selector != "queue" {
		t.Fatalf("selector = %q, want queue", f.Selector)
	}
	if len(f.Networks) != 1 || f.Networks[0].VNI != 1337 {
		t.Fatalf("unexpected networks: %+v", f.Networks)
	}
	ap, err := f.Networks[0].Listeners[0].AddrPort()
	if err != nil {
		t.Fatalf("listener addr: %v", err)
	}
	if ap.Port() != 7 {
		t.Fatalf("listener port = %d, want 7", ap.Port())
	}
}

func TestParseRejectsUnknownService(t *testing.T) {
	doc := []byte(`
bind: :4789
networks:
  - vni: 1
    listeners:
      - address: 10.0.0.1:80
        service: http
`)
	if _, err := Parse(doc); !errors.Is(err, ErrInvalid) {
		t.Fatalf("Parse() = %v, want ErrInvalid", err)
	}
}

func TestParseRejectsDuplicateVNI(t *testing.T) {
	doc := []byte(`
bind: :4789
networks:
  - vni: 7
  - vni: 7
`)
	if _, err := Parse(doc); !errors.Is(err, ErrInvalid) {
		t.Fatalf("Parse() = %v, want ErrInvalid", err)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vswitch.yaml")
	if err := os.WriteFile(path, []byte("bind: :4789\nselector: flow\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	f, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if f.Selector != "flow" || f.Shards != 1 {
		t.Fatalf("unexpected file: %+v", f)
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Load(missing) = %v, want ErrNotExist", err)
	}
}
