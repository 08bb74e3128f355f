// Copyright 2026 The tsqa Authors
// SPDX-License-Identifier: MIT

// Package xnet provides helpers for allocating and probing local TCP ports.
package xnet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"zombiezen.com/go/log"
)

// DialTimeout is the maximum time spent on a single connection attempt
// in [WaitForListeners].
const DialTimeout = 1 * time.Second

// ReservePorts asks the operating system for n distinct free TCP ports on host.
// All n listeners are held open until every port has been chosen,
// so the returned ports are pairwise distinct.
// The listeners are closed before ReservePorts returns:
// another process may claim a port before the caller binds it.
func ReservePorts(host netip.Addr, n int) ([]netip.AddrPort, error) {
	if !host.IsValid() {
		return nil, fmt.Errorf("reserve ports: invalid host")
	}
	listeners := make([]net.Listener, 0, n)
	defer func() {
		for _, ln := range listeners {
			ln.Close()
		}
	}()
	ports := make([]netip.AddrPort, 0, n)
	for range n {
		ln, err := net.Listen("tcp", netip.AddrPortFrom(host, 0).String())
		if err != nil {
			return nil, fmt.Errorf("reserve ports: %w", err)
		}
		listeners = append(listeners, ln)
		addr, err := netip.ParseAddrPort(ln.Addr().String())
		if err != nil {
			return nil, fmt.Errorf("reserve ports: %w", err)
		}
		ports = append(ports, netip.AddrPortFrom(host, addr.Port()))
	}
	return ports, nil
}

// Probe reports whether a TCP connection to addr can be established
// within [DialTimeout].
func Probe(ctx context.Context, addr netip.AddrPort) bool {
	ctx, cancel := context.WithTimeout(ctx, DialTimeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// ErrTimeout is wrapped by errors returned from [WaitForListeners]
// when the context is done before every address accepts a connection.
var ErrTimeout = errors.New("timed out waiting for listeners")

// WaitForListeners blocks until every address in addrs accepts a TCP connection
// or ctx is done, probing the remaining addresses every interval.
// Addresses that have accepted a connection once are not probed again.
// On timeout, WaitForListeners returns the addresses that never became ready
// along with an error wrapping [ErrTimeout].
// check, if not nil, is called before each round;
// a non-nil return aborts the wait with that error.
func WaitForListeners(ctx context.Context, addrs []netip.AddrPort, interval time.Duration, check func() error) (pending []netip.AddrPort, err error) {
	pending = slices.Clone(addrs)
	for {
		if check != nil {
			if err := check(); err != nil {
				return pending, err
			}
		}
		pending = probeAll(ctx, pending)
		if len(pending) == 0 {
			return nil, nil
		}
		log.Debugf(ctx, "Waiting on %d listener(s): %v", len(pending), pending)
		select {
		case <-ctx.Done():
			return pending, fmt.Errorf("%w: %v", ErrTimeout, pending)
		case <-time.After(interval):
		}
	}
}

// probeAll probes each address concurrently and returns the ones
// that did not accept a connection, preserving order.
func probeAll(ctx context.Context, addrs []netip.AddrPort) []netip.AddrPort {
	var mu sync.Mutex
	ready := make(map[netip.AddrPort]struct{})
	grp, grpCtx := errgroup.WithContext(ctx)
	for _, addr := range addrs {
		grp.Go(func() error {
			if Probe(grpCtx, addr) {
				mu.Lock()
				ready[addr] = struct{}{}
				mu.Unlock()
			}
			return nil
		})
	}
	grp.Wait()
	return slices.DeleteFunc(addrs, func(addr netip.AddrPort) bool {
		_, ok := ready[addr]
		return ok
	})
}
