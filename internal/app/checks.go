package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"go.uber.org/zap"

	"countryvpn/internal/catalog"
	"countryvpn/internal/config"
	"countryvpn/internal/events"
	"countryvpn/internal/ipinfo"
	"countryvpn/internal/probe"
	"countryvpn/internal/session"
)

// IP display texts, as shown next to the status line.
const (
	IPChecking   = "Checking..."
	IPUnknown    = "Could not determine IP"
	IPCheckError = "Error checking IP"
)

// IPResult is delivered by CheckIPAsync.
type IPResult struct {
	Info ipinfo.Info
	Err  error
}

// ProbeOutcome is delivered by TestServerAsync.
type ProbeOutcome struct {
	Server catalog.Endpoint
	Result probe.Result
	Err    error
}

// CheckIP resolves the public address. While connected and with
// ip.via-proxy set, the lookup goes through the local SOCKS5 listener.
func (a *App) CheckIP(ctx context.Context) (ipinfo.Info, error) {
	resolver, err := a.newResolver()
	if err != nil {
		return ipinfo.Info{}, err
	}

	a.mu.Lock()
	a.ipText = IPChecking
	a.mu.Unlock()

	info, err := resolver.Resolve(ctx)

	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case errors.Is(err, ipinfo.ErrNoAddress):
		a.ipText = IPUnknown
		a.lastIP = nil
	case err != nil:
		a.ipText = IPCheckError
		a.lastIP = nil
	default:
		a.ipText = info.String()
		a.lastIP = &info
		if a.attemptID != 0 && a.history != nil && a.session.Phase() == session.Connected {
			if hErr := a.history.SetEgressIP(a.attemptID, info.Address); hErr != nil {
				a.logger.Warn("Failed to record egress IP", zap.Error(hErr))
			}
		}
	}
	return info, err
}

// CheckIPAsync runs CheckIP on a worker. The channel yields one value.
func (a *App) CheckIPAsync(ctx context.Context) <-chan IPResult {
	ch := make(chan IPResult, 1)
	started := a.goWorker(func(appCtx context.Context) {
		defer close(ch)
		ctx, cancel := mergeCancel(ctx, appCtx)
		defer cancel()
		info, err := a.CheckIP(ctx)
		ch <- IPResult{Info: info, Err: err}
	})
	if !started {
		ch <- IPResult{Err: context.Canceled}
		close(ch)
	}
	return ch
}

func (a *App) newResolver() (*ipinfo.Resolver, error) {
	opts := []ipinfo.Option{
		ipinfo.WithLookupURL(a.cfg.IP.LookupURL),
		ipinfo.WithGeoURL(a.cfg.IP.GeoURL),
		ipinfo.WithTimeout(a.cfg.Timeouts.HTTP),
		ipinfo.WithLog(a.log),
		ipinfo.WithBus(a.bus),
		ipinfo.WithLogger(a.logger),
	}
	if a.cfg.IP.ViaProxy {
		snap := a.session.Snapshot()
		if snap.Phase == session.Connected {
			opts = append(opts, ipinfo.WithSOCKS5(net.JoinHostPort("127.0.0.1", strconv.Itoa(snap.LocalPort))))
		}
	}
	return ipinfo.New(append(opts, a.resolverOpts...)...)
}

// TestServer probes one server. Unconfigured servers are rejected without
// touching the network.
func (a *App) TestServer(ctx context.Context, id string) (catalog.Endpoint, probe.Result, error) {
	e, ok := a.Catalog().Get(id)
	if !ok {
		return catalog.Endpoint{}, probe.Unreachable, fmt.Errorf("%w: %s", session.ErrUnknownServer, id)
	}
	if !e.Configured {
		a.log.Append(fmt.Sprintf("Server for %s is not configured! Please set a valid IP address to test.", e.Country))
		return e, probe.Unreachable, fmt.Errorf("%w: %s", session.ErrNotConfigured, id)
	}
	return e, a.probe(ctx, e), nil
}

// TestFirstConfigured probes the first configured server of the catalog.
func (a *App) TestFirstConfigured(ctx context.Context) (catalog.Endpoint, probe.Result, error) {
	e, ok := a.Catalog().FirstConfigured()
	if !ok {
		a.log.Append("Please configure at least one server with a valid IP address to test.")
		return catalog.Endpoint{}, probe.Unreachable, ErrNoConfiguredServer
	}
	return e, a.probe(ctx, e), nil
}

// TestServerAsync runs TestServer on a worker. The channel yields one value.
func (a *App) TestServerAsync(ctx context.Context, id string) <-chan ProbeOutcome {
	ch := make(chan ProbeOutcome, 1)
	started := a.goWorker(func(appCtx context.Context) {
		defer close(ch)
		ctx, cancel := mergeCancel(ctx, appCtx)
		defer cancel()
		e, r, err := a.TestServer(ctx, id)
		ch <- ProbeOutcome{Server: e, Result: r, Err: err}
	})
	if !started {
		ch <- ProbeOutcome{Result: probe.Unreachable, Err: context.Canceled}
		close(ch)
	}
	return ch
}

// TestAll probes every configured server with a bounded worker pool.
func (a *App) TestAll(ctx context.Context) map[string]probe.Result {
	c := a.Catalog()
	a.log.Append(fmt.Sprintf("Testing %d configured server(s)...", len(c.Configured())))

	results := a.prober.ProbeAll(ctx, c.Endpoints(), config.DefaultProbeWorkers)
	for _, e := range c.Configured() {
		r := results[e.ID]
		a.log.Append(fmt.Sprintf("%s %s (%s): %s", e.Flag, e.Country, e.Address(), r))
		a.publishProbe(e, r)
	}
	return results
}

func (a *App) probe(ctx context.Context, e catalog.Endpoint) probe.Result {
	a.log.Append(fmt.Sprintf("Testing connection to %s (%s)...", e.Country, e.Address()))
	r := a.prober.Probe(ctx, e.Host, e.Port)
	if r == probe.Reachable {
		a.log.Append(fmt.Sprintf("✓ Connection successful! Server: %s, Country: %s", e.Address(), e.Country))
	} else {
		a.log.Append(fmt.Sprintf("✗ Connection failed! Server: %s. Possible reasons: server is not running, firewall blocking port %d, incorrect IP address", e.Address(), e.Port))
	}
	a.publishProbe(e, r)
	return r
}

func (a *App) publishProbe(e catalog.Endpoint, r probe.Result) {
	a.bus.Publish(events.Event{
		Type:     events.ProbeCompleted,
		ServerID: e.ID,
		Data: events.ProbeData{
			Host:      e.Host,
			Port:      e.Port,
			Reachable: r == probe.Reachable,
		},
	})
}

// mergeCancel returns a context that ends with either parent.
func mergeCancel(ctx, other context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(other, cancel)
	return merged, func() {
		stop()
		cancel()
	}
}
