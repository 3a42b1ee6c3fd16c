// Command vswitch terminates TCP for the addresses of a VXLAN overlay and
// serves built-in services on them.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/vswitch/internal/config"
	"github.com/tinyrange/vswitch/internal/netstack"
	"github.com/tinyrange/vswitch/internal/service"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vswitch: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "vswitch.yaml", "Switch description file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	debugAddr := flag.String("debug-addr", "", "Serve /status on this address (overrides the config file)")
	capture := flag.String("capture", "", "Write every packet to this pcap file (overrides the config file)")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Terminate TCP inside VXLAN networks and serve built-in services.\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  %s -config vswitch.yaml\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -config vswitch.yaml -debug -capture out.pcap\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *debugAddr != "" {
		cfg.Debug = *debugAddr
	}
	if *capture != "" {
		cfg.Capture = *capture
	}

	selector := netstack.UseQueueID
	if cfg.Selector == "flow" {
		selector = netstack.UseFlowHash
	}

	bind, err := net.ResolveUDPAddr("udp", cfg.Bind)
	if err != nil {
		return fmt.Errorf("resolve bind address %q: %w", cfg.Bind, err)
	}
	conn, err := net.ListenUDP("udp", bind)
	if err != nil {
		return fmt.Errorf("listen vxlan: %w", err)
	}
	defer conn.Close()
	v := newVTEP(log, conn)

	networks := make([]uint32, 0, len(cfg.Networks))
	for _, n := range cfg.Networks {
		networks = append(networks, n.VNI)
	}

	sw, err := netstack.New(netstack.Options{
		Logger:    log,
		TCP:       cfg.TCP,
		Shards:    cfg.Shards,
		Selector:  selector,
		Networks:  networks,
		Output:    v.output,
		Unhandled: v.unhandled,
	})
	if err != nil {
		return err
	}
	defer sw.Close()
	v.sw = sw

	if cfg.Capture != "" {
		f, err := os.Create(cfg.Capture)
		if err != nil {
			return fmt.Errorf("create capture file: %w", err)
		}
		defer f.Close()
		if err := sw.OpenPacketCapture(f); err != nil {
			return err
		}
		log.Info("Capturing packets", "path", cfg.Capture)
	}

	if err := sw.EnableDebugHTTP(cfg.Debug); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sw.Run(ctx) })

	for _, n := range cfg.Networks {
		for _, l := range n.Listeners {
			addr, err := l.AddrPort()
			if err != nil {
				return err
			}
			h, err := service.Lookup(l.Service)
			if err != nil {
				return err
			}
			ln, err := sw.Listen(ctx, n.VNI, addr)
			if err != nil {
				return fmt.Errorf("vni %d: listen %s: %w", n.VNI, addr, err)
			}
			v.addLocal(n.VNI, addr.Addr())
			log.Info("Serving", "vni", n.VNI, "addr", addr, "service", l.Service)
			g.Go(func() error { return service.Serve(ctx, log, ln, h) })
		}
	}

	log.Info("vswitch running", "bind", conn.LocalAddr(), "networks", len(networks), "shards", cfg.Shards)
	g.Go(func() error { return v.serve(ctx) })

	return g.Wait()
}
