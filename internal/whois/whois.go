package whois

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/proxy"
	"golang.org/x/time/rate"
)

const (
	ianaServer  = "whois.iana.org"
	defaultPort = "43"
)

// ErrQuery is matched by every *QueryError.
var ErrQuery = errors.New("whois query failed")

// QueryError reports a transport-level failure; it is never a record.
type QueryError struct {
	Identity string
	Server   string
	Err      error
}

func (e *QueryError) Error() string {
	if e.Server == "" {
		return fmt.Sprintf("whois %s: %v", e.Identity, e.Err)
	}
	return fmt.Sprintf("whois %s via %s: %v", e.Identity, e.Server, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

func (e *QueryError) Is(target error) bool { return target == ErrQuery }

type Options struct {
	// Dialer carries all outbound traffic. It is normally the Tor SOCKS5
	// dialer; nil means a direct net.Dialer.
	Dialer proxy.ContextDialer

	Timeout time.Duration
	Logger  zerolog.Logger

	// Server pins every query to one host[:port] and disables discovery.
	Server string
	// DisableReferral stops following "Registrar WHOIS Server:" referrals.
	DisableReferral bool

	RateLimitMarkers []string

	// Safety valves for WHOIS servers.
	MaxConcurrentPerServer int
	MinDelayPerServer      time.Duration
	Retries                int
	Backoff                time.Duration
}

type Client struct {
	opts       Options
	classifier Classifier

	mu          sync.Mutex
	tldToServer map[string]string
	serverState map[string]*perServerState
}

type perServerState struct {
	sem     chan struct{}
	limiter *rate.Limiter
}

func NewClient(opts Options) *Client {
	if opts.Dialer == nil {
		opts.Dialer = &net.Dialer{}
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxConcurrentPerServer <= 0 {
		opts.MaxConcurrentPerServer = 1
	}
	if opts.MinDelayPerServer < 0 {
		opts.MinDelayPerServer = 0
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 250 * time.Millisecond
	}
	return &Client{
		opts:        opts,
		classifier:  Classifier{RateLimitMarkers: opts.RateLimitMarkers},
		tldToServer: make(map[string]string, 256),
	}
}

// Execute issues one WHOIS query for identity and classifies the answer.
// Rate-limited answers come back as a *RateLimitError, transport failures as
// a *QueryError.
func (c *Client) Execute(ctx context.Context, identity string) (Record, error) {
	text, server, err := c.Lookup(ctx, identity)
	if err != nil {
		return Record{}, &QueryError{Identity: identity, Server: server, Err: err}
	}

	rec, err := c.classifier.Classify(text)
	if err != nil {
		var rl *RateLimitError
		if errors.As(err, &rl) {
			rl.Identity = identity
		}
		c.opts.Logger.Debug().Str("identity", identity).Str("server", server).Err(err).Msg("whois throttled")
		return Record{}, err
	}
	c.opts.Logger.Debug().Str("identity", identity).Str("server", server).Stringer("record", rec).Msg("whois answered")
	return rec, nil
}

// Lookup returns the raw response for identity and the server that produced
// it. A registrar referral, when present, is appended to the registry text.
func (c *Client) Lookup(ctx context.Context, identity string) (string, string, error) {
	server, err := c.serverFor(ctx, identity)
	if err != nil {
		return "", "", err
	}

	body, err := c.query(ctx, server, identity)
	if err != nil {
		return "", server, err
	}

	if c.opts.DisableReferral || c.opts.Server != "" {
		return body, server, nil
	}
	ref := referral(body)
	if ref == "" || strings.EqualFold(ref, server) {
		return body, server, nil
	}
	extra, err := c.query(ctx, ref, identity)
	if err != nil {
		// The registry answer is still authoritative for registration status.
		c.opts.Logger.Debug().Str("identity", identity).Str("referral", ref).Err(err).Msg("whois referral failed")
		return body, server, nil
	}
	return body + "\n" + extra, server, nil
}

func (c *Client) serverFor(ctx context.Context, identity string) (string, error) {
	if c.opts.Server != "" {
		return c.opts.Server, nil
	}
	if ip := net.ParseIP(identity); ip != nil {
		return c.discover(ctx, ip.String())
	}

	tld := lastLabel(identity)
	if tld == "" {
		return "", fmt.Errorf("invalid domain %q", identity)
	}
	return c.serverForTLD(ctx, tld)
}

func (c *Client) serverForTLD(ctx context.Context, tld string) (string, error) {
	tld = strings.ToLower(strings.TrimSpace(tld))
	if tld == "" {
		return "", fmt.Errorf("empty tld")
	}

	c.mu.Lock()
	if s, ok := c.tldToServer[tld]; ok && s != "" {
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()

	server, err := c.discover(ctx, tld)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.tldToServer[tld] = server
	c.mu.Unlock()
	return server, nil
}

// discover asks IANA which server is authoritative for q (a TLD or an IP).
func (c *Client) discover(ctx context.Context, q string) (string, error) {
	body, err := c.query(ctx, ianaServer, q)
	if err != nil {
		return "", err
	}

	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		// Example: "whois: whois.verisign-grs.com" or "refer: whois.arin.net"
		lower := strings.ToLower(line)
		for _, prefix := range []string{"whois:", "refer:"} {
			if !strings.HasPrefix(lower, prefix) {
				continue
			}
			fields := strings.Fields(line[len(prefix):])
			if len(fields) > 0 {
				return fields[0], nil
			}
		}
	}
	if err := sc.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("whois server not found for %q", q)
}

func referral(body string) string {
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(strings.ToLower(line), "registrar whois server:") {
			continue
		}
		fields := strings.Fields(line[len("registrar whois server:"):])
		if len(fields) == 0 {
			continue
		}
		s := strings.TrimPrefix(strings.TrimPrefix(fields[0], "whois://"), "rwhois://")
		return strings.TrimSuffix(s, "/")
	}
	return ""
}

func (c *Client) stateForServer(server string) *perServerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.serverState == nil {
		c.serverState = make(map[string]*perServerState, 32)
	}
	if st, ok := c.serverState[server]; ok {
		return st
	}
	limit := rate.Inf
	if c.opts.MinDelayPerServer > 0 {
		limit = rate.Every(c.opts.MinDelayPerServer)
	}
	st := &perServerState{
		sem:     make(chan struct{}, c.opts.MaxConcurrentPerServer),
		limiter: rate.NewLimiter(limit, 1),
	}
	c.serverState[server] = st
	return st
}

func (c *Client) query(ctx context.Context, server, q string) (string, error) {
	attempts := c.opts.Retries + 1
	backoff := c.opts.Backoff

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		body, err := c.queryOnce(ctx, server, q)
		if err == nil {
			return body, nil
		}
		lastErr = err

		if attempt == attempts-1 || !isRetryable(err) {
			break
		}
		if err := sleepWithContext(ctx, backoff); err != nil {
			return "", err
		}
		backoff = minDuration(backoff*2, 2*time.Second)
	}

	return "", lastErr
}

func (c *Client) queryOnce(ctx context.Context, server, q string) (string, error) {
	st := c.stateForServer(server)

	// Bound concurrency per server.
	select {
	case st.sem <- struct{}{}:
		defer func() { <-st.sem }()
	case <-ctx.Done():
		return "", ctx.Err()
	}

	// Pace per server, but don't count this wait time towards the network timeout.
	if err := st.limiter.Wait(ctx); err != nil {
		return "", err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	addr := server
	if _, _, err := net.SplitHostPort(server); err != nil {
		addr = net.JoinHostPort(server, defaultPort)
	}
	conn, err := c.opts.Dialer.DialContext(attemptCtx, "tcp", addr)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(c.opts.Timeout))

	if _, err := io.WriteString(conn, q+"\r\n"); err != nil {
		return "", err
	}

	b, err := io.ReadAll(io.LimitReader(conn, 1<<20))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func lastLabel(domain string) string {
	i := strings.LastIndexByte(domain, '.')
	if i < 0 || i == len(domain)-1 {
		return ""
	}
	return domain[i+1:]
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	// Timeouts are often transient for WHOIS, more so over Tor.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}

	// Common transient TCP-level failures for simple WHOIS servers.
	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "connection reset"):
		return true
	case strings.Contains(s, "broken pipe"):
		return true
	case strings.Contains(s, "unexpected eof"):
		return true
	}

	return false
}
