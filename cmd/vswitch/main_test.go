package main

import (
	"testing"
	"time"

	"github.com/tinyrange/vswitch/internal/config"
	"github.com/tinyrange/vswitch/internal/service"
)

func TestExampleConfigLoads(t *testing.T) {
	f, err := config.Load("vswitch.example.yaml")
	if err != nil {
		t.Fatalf("load example config: %v", err)
	}
	if f.Shards != 4 || f.Selector != "flow" || len(f.Networks) != 2 {
		t.Fatalf("unexpected config: shards=%d selector=%q networks=%d", f.Shards, f.Selector, len(f.Networks))
	}
	if f.TCP.DelayedAckTimeout != 40*time.Millisecond {
		t.Fatalf("delayedAckTimeout = %v", f.TCP.DelayedAckTimeout)
	}
	if f.TCP.DefaultSendMSS != config.Default().DefaultSendMSS {
		t.Fatalf("defaultSendMSS not defaulted: %d", f.TCP.DefaultSendMSS)
	}
	for _, n := range f.Networks {
		for _, l := range n.Listeners {
			if _, err := service.Lookup(l.Service); err != nil {
				t.Fatalf("vni %d: %v", n.VNI, err)
			}
		}
	}
}
