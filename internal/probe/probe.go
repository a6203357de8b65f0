// Package probe checks whether a server answers before the user connects to it.
// A probe is diagnostic only: every failure reads as Unreachable.
package probe

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"countryvpn/internal/catalog"
	"countryvpn/internal/config"
)

// Result is the outcome of a probe.
type Result int

const (
	Unreachable Result = iota
	Reachable
)

func (r Result) String() string {
	if r == Reachable {
		return "Reachable"
	}
	return "Unreachable"
}

// MarshalText lets results appear by name in JSON.
func (r Result) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Pinger sends one network-layer echo request and returns nil on reply.
type Pinger interface {
	Ping(ctx context.Context, host string, timeout time.Duration) error
}

// Dialer opens transport connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Option configures a Prober.
type Option func(*Prober)

// WithPinger replaces the ICMP pinger.
func WithPinger(p Pinger) Option {
	return func(pr *Prober) { pr.pinger = p }
}

// WithDialer replaces the TCP dialer.
func WithDialer(d Dialer) Option {
	return func(pr *Prober) { pr.dialer = d }
}

// WithTimeouts sets the echo and connect bounds. Non-positive values keep the defaults.
func WithTimeouts(echo, connect time.Duration) Option {
	return func(pr *Prober) {
		if echo > 0 {
			pr.echoTimeout = echo
		}
		if connect > 0 {
			pr.connectTimeout = connect
		}
	}
}

// WithLogger sets the diagnostic logger.
func WithLogger(logger *zap.Logger) Option {
	return func(pr *Prober) { pr.logger = logger.Named("probe") }
}

// Prober runs reachability probes: an echo request first and, only if that
// is answered, a TCP connect to the server port.
type Prober struct {
	pinger         Pinger
	dialer         Dialer
	echoTimeout    time.Duration
	connectTimeout time.Duration
	logger         *zap.Logger

	permissionWarn sync.Once
}

// New creates a prober using ICMP and the system dialer.
func New(opts ...Option) *Prober {
	p := &Prober{
		pinger:         ICMPPinger{},
		dialer:         &net.Dialer{},
		echoTimeout:    config.DefaultEchoTimeout,
		connectTimeout: config.DefaultConnectTimeout,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe blocks until the server is classified. It never returns an error.
func (p *Prober) Probe(ctx context.Context, host string, port int) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Warn("Probe panicked", zap.String("host", host), zap.Any("panic", r))
			result = Unreachable
		}
	}()

	start := time.Now()
	if host == "" || port < 1 || port > 65535 {
		return Unreachable
	}

	echoCtx, cancel := context.WithTimeout(ctx, p.echoTimeout)
	err := p.pinger.Ping(echoCtx, host, p.echoTimeout)
	cancel()
	if errors.Is(err, ErrEchoNotPermitted) {
		p.permissionWarn.Do(func() {
			p.logger.Warn("ICMP echo is not permitted, every server will read as unreachable; "+
				"widen net.ipv4.ping_group_range or grant CAP_NET_RAW",
				zap.Error(err))
		})
	}
	if err != nil {
		p.logger.Debug("Echo probe failed",
			zap.String("host", host),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return Unreachable
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.connectTimeout)
	defer cancel()
	conn, err := p.dialer.DialContext(dialCtx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		p.logger.Debug("Connect probe failed",
			zap.String("host", host),
			zap.Int("port", port),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return Unreachable
	}
	conn.Close()

	p.logger.Debug("Server reachable",
		zap.String("host", host),
		zap.Int("port", port),
		zap.Duration("elapsed", time.Since(start)))
	return Reachable
}

// ProbeAsync runs Probe on its own goroutine. The channel receives exactly
// one value and is then closed.
func (p *Prober) ProbeAsync(ctx context.Context, host string, port int) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		defer close(ch)
		ch <- p.Probe(ctx, host, port)
	}()
	return ch
}

// ProbeAll probes every configured endpoint with at most workers probes in
// flight and returns the results keyed by endpoint id.
func (p *Prober) ProbeAll(ctx context.Context, endpoints []catalog.Endpoint, workers int) map[string]Result {
	if workers <= 0 {
		workers = config.DefaultProbeWorkers
	}

	jobs := make(chan catalog.Endpoint, len(endpoints))
	for _, e := range endpoints {
		if e.Configured {
			jobs <- e
		}
	}
	close(jobs)

	results := make(map[string]Result, len(jobs))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for e := range jobs {
				r := Unreachable
				if ctx.Err() == nil {
					r = p.Probe(ctx, e.Host, e.Port)
				}
				mu.Lock()
				results[e.ID] = r
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return results
}
