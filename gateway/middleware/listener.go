package middleware

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/net/netutil"
)

// Listen opens a TCP listener on addr that accepts at most maxConns
// connections at once. Further clients wait in the kernel backlog until a
// slot frees up. maxConns of zero leaves the listener unbounded.
func Listen(ctx context.Context, addr string, maxConns int) (net.Listener, error) {
	if maxConns < 0 {
		return nil, fmt.Errorf("listen %s: negative connection cap %d", addr, maxConns)
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	if maxConns == 0 {
		return ln, nil
	}
	return netutil.LimitListener(ln, maxConns), nil
}
