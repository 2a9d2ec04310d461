// Package tor talks to a local Tor daemon: the SOCKS5 port carries WHOIS
// traffic and the control port rotates the exit circuit.
package tor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/cretz/bine/control"
	"github.com/rs/zerolog"
	"golang.org/x/net/proxy"
)

const (
	DefaultSOCKSAddr   = "127.0.0.1:9050"
	DefaultControlAddr = "127.0.0.1:9051"
)

// NewDialer returns a dialer that routes every connection through the SOCKS5
// proxy at addr. Host names are resolved by the proxy, not locally.
func NewDialer(addr string) (proxy.ContextDialer, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, errors.New("tor: empty socks address")
	}
	d, err := proxy.SOCKS5("tcp", addr, nil, &net.Dialer{})
	if err != nil {
		return nil, fmt.Errorf("tor: socks5 dialer: %w", err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("tor: socks5 dialer %T does not support contexts", d)
	}
	return cd, nil
}

type ControllerOptions struct {
	Addr string
	// Password may be empty for cookie-less NULL authentication.
	Password string
	Timeout  time.Duration
	Logger   zerolog.Logger
}

// Controller requests new circuits over the Tor control port. Each rotation
// opens its own authenticated control connection and closes it afterwards.
type Controller struct {
	opts ControllerOptions

	// One rotation in flight at a time.
	mu sync.Mutex
}

func NewController(opts ControllerOptions) *Controller {
	if opts.Addr == "" {
		opts.Addr = DefaultControlAddr
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	return &Controller{opts: opts}
}

// NewCircuit sends SIGNAL NEWNYM so subsequent connections use a fresh
// circuit with a different exit.
func (c *Controller) NewCircuit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", c.opts.Addr)
	if err != nil {
		return fmt.Errorf("tor: dial control port %s: %w", c.opts.Addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = nc.SetDeadline(deadline)
	}

	conn := control.NewConn(textproto.NewConn(nc))
	defer conn.Close()

	if err := conn.Authenticate(c.opts.Password); err != nil {
		return fmt.Errorf("tor: authenticate: %w", err)
	}
	if err := conn.Signal("NEWNYM"); err != nil {
		return fmt.Errorf("tor: signal NEWNYM: %w", err)
	}

	c.opts.Logger.Info().Str("control", c.opts.Addr).Dur("took", time.Since(start)).Msg("tor circuit rotated")
	return nil
}

// Direct is a no-op rotator used when traffic bypasses Tor.
type Direct struct{}

func (Direct) NewCircuit(context.Context) error { return nil }
