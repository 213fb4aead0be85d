// Package intertile carries fixed-size frame blobs between the USB side and
// the DSP side over point-to-point logical channels identified by small
// integer port numbers.
//
// Each port is an independent bounded queue; a sender blocks while the
// receiver is behind. A receive that times out yields a zero-length blob,
// which receivers treat as "no data, substitute silence".
package intertile

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultDepth is the per-port queue capacity.
const DefaultDepth = 2

// Link is a set of ports. The zero value is not usable; call [NewLink].
type Link struct {
	mu    sync.Mutex
	ports map[int]chan []byte
	depth int
}

// NewLink returns a link whose ports each buffer depth blobs. A depth of
// zero selects [DefaultDepth].
func NewLink(depth int) *Link {
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &Link{ports: make(map[int]chan []byte), depth: depth}
}

func (l *Link) port(p int) chan []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.ports[p]
	if !ok {
		ch = make(chan []byte, l.depth)
		l.ports[p] = ch
	}
	return ch
}

// Tx queues a copy of data on port p, blocking until there is room or ctx is
// done.
func (l *Link) Tx(ctx context.Context, p int, data []byte) error {
	if p < 0 {
		return fmt.Errorf("intertile: invalid port %d", p)
	}
	blob := append([]byte(nil), data...)
	select {
	case l.port(p) <- blob:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Rx receives the next blob on port p.
//
// A negative timeout waits until a blob arrives or ctx is done; zero polls;
// a positive timeout bounds the wait. When no blob arrives in time Rx returns
// (nil, nil): a zero-length receipt.
func (l *Link) Rx(ctx context.Context, p int, timeout time.Duration) ([]byte, error) {
	if p < 0 {
		return nil, fmt.Errorf("intertile: invalid port %d", p)
	}
	ch := l.port(p)
	switch {
	case timeout == 0:
		select {
		case b := <-ch:
			return b, nil
		default:
			return nil, nil
		}
	case timeout < 0:
		select {
		case b := <-ch:
			return b, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case b := <-ch:
		return b, nil
	case <-t.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pending returns the number of blobs queued on port p.
func (l *Link) Pending(p int) int { return len(l.port(p)) }
