// Package service holds the built-in TCP services a switch can expose on a
// listener.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
)

// ErrUnknown is returned by Lookup for a service name that does not exist.
var ErrUnknown = errors.New("service: unknown service")

// Handler serves one accepted connection. It does not close conn.
type Handler func(conn net.Conn) error

const copyBufferSize = 64 * 1024

// Echo writes back everything it reads until the peer closes its side.
func Echo(conn net.Conn) error {
	buf := make([]byte, copyBufferSize)
	_, err := io.CopyBuffer(conn, conn, buf)
	return err
}

// Discard reads and drops everything until the peer closes its side.
func Discard(conn net.Conn) error {
	_, err := io.Copy(io.Discard, conn)
	return err
}

// Lookup returns the handler registered under name.
func Lookup(name string) (Handler, error) {
	switch name {
	case "echo":
		return Echo, nil
	case "discard":
		return Discard, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknown, name)
}

// Serve accepts connections from ln and runs h on each until ctx is
// cancelled or ln is closed. It closes ln, and on cancellation every open
// connection, then waits for running handlers before returning.
func Serve(ctx context.Context, l *slog.Logger, ln net.Listener, h Handler) error {
	if l == nil {
		l = slog.Default()
	}

	var (
		mu    sync.Mutex
		conns = make(map[net.Conn]struct{})
		wg    sync.WaitGroup
	)
	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for c := range conns {
			_ = c.Close()
		}
	})
	defer stop()
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			_ = ln.Close()
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept on %s: %w", ln.Addr(), err)
		}

		mu.Lock()
		if ctx.Err() != nil {
			mu.Unlock()
			_ = conn.Close()
			continue
		}
		conns[conn] = struct{}{}
		mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				mu.Lock()
				delete(conns, conn)
				mu.Unlock()
				_ = conn.Close()
			}()
			if err := h(conn); err != nil &&
				!errors.Is(err, io.EOF) &&
				!errors.Is(err, net.ErrClosed) {
				l.Warn("service: connection ended", "remote", conn.RemoteAddr(), "err", err)
			}
		}()
	}
}
