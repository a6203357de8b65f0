// Package ipinfo resolves the public (egress) IP address and, on a best
// effort basis, its location.
package ipinfo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/proxy"

	"countryvpn/internal/config"
	"countryvpn/internal/eventlog"
	"countryvpn/internal/events"
)

const maxBodySize = 64 * 1024

var (
	// ErrTimeout means the IP lookup did not answer in time
	ErrTimeout = errors.New("network timeout")
	// ErrNoAddress means the lookup answered without an address
	ErrNoAddress = errors.New("could not determine IP")
)

// Info is the resolved egress address. City and Country are empty when the
// geolocation lookup failed, in which case Partial is set.
type Info struct {
	Address string `json:"address"`
	City    string `json:"city,omitempty"`
	Country string `json:"country,omitempty"`
	Partial bool   `json:"partial,omitempty"`
}

// String renders "ip (city, country)", or just the address without a location.
func (i Info) String() string {
	if i.City != "" && i.Country != "" {
		return fmt.Sprintf("%s (%s, %s)", i.Address, i.City, i.Country)
	}
	return i.Address
}

// LineAppender receives the user-facing status lines.
type LineAppender interface {
	Append(text string) eventlog.Entry
}

// Publisher receives events.IPResolved.
type Publisher interface {
	Publish(events.Event)
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLookupURL sets the endpoint returning {"ip": "..."}.
func WithLookupURL(u string) Option {
	return func(r *Resolver) { r.lookupURL = u }
}

// WithGeoURL sets the geolocation template; %s receives the address.
func WithGeoURL(template string) Option {
	return func(r *Resolver) { r.geoURL = template }
}

// WithTimeout bounds each HTTP request.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithSOCKS5 routes the requests through a SOCKS5 listener such as the
// local proxy, so the reported address is the tunnel's egress.
func WithSOCKS5(addr string) Option {
	return func(r *Resolver) { r.socksAddr = addr }
}

// WithHTTPClient replaces the HTTP client. It takes precedence over WithSOCKS5.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Resolver) { r.client = c }
}

// WithLog writes progress lines to the user-facing log.
func WithLog(log LineAppender) Option {
	return func(r *Resolver) { r.log = log }
}

// WithBus publishes every outcome as events.IPResolved.
func WithBus(bus Publisher) Option {
	return func(r *Resolver) { r.bus = bus }
}

// WithLogger sets the diagnostic logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Resolver) { r.logger = logger.Named("ipinfo") }
}

// Resolver looks up the public address. It holds no state between calls and
// may be invoked concurrently.
type Resolver struct {
	lookupURL string
	geoURL    string
	timeout   time.Duration
	socksAddr string
	client    *http.Client
	log       LineAppender
	bus       Publisher
	logger    *zap.Logger
}

// New creates a resolver against the default collaborators.
func New(opts ...Option) (*Resolver, error) {
	defaults := config.DefaultConfig().IP
	r := &Resolver{
		lookupURL: defaults.LookupURL,
		geoURL:    defaults.GeoURL,
		timeout:   config.DefaultHTTPTimeout,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.client == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if r.socksAddr != "" {
			dialer, err := proxy.SOCKS5("tcp", r.socksAddr, nil, proxy.Direct)
			if err != nil {
				return nil, fmt.Errorf("socks5 dialer for %s: %w", r.socksAddr, err)
			}
			transport.Proxy = nil
			if cd, ok := dialer.(proxy.ContextDialer); ok {
				transport.DialContext = cd.DialContext
			} else {
				transport.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
					return dialer.Dial(network, addr)
				}
			}
		}
		r.client = &http.Client{Transport: transport}
	}
	return r, nil
}

// Resolve returns the public address. A failed geolocation still yields the
// address with Partial set and a nil error.
func (r *Resolver) Resolve(ctx context.Context) (Info, error) {
	r.appendLine("Checking your IP address...")

	info, err := r.lookup(ctx)
	if err != nil {
		r.appendLine("Error checking IP: " + err.Error())
		r.logger.Warn("IP lookup failed", zap.String("url", r.lookupURL), zap.Error(err))
		r.publish(events.IPData{Error: err.Error()})
		return Info{}, err
	}
	r.appendLine("Your current IP: " + info.Address)

	city, country, err := r.locate(ctx, info.Address)
	switch {
	case err != nil:
		r.logger.Debug("Geolocation failed", zap.String("address", info.Address), zap.Error(err))
		info.Partial = true
	case city == "" || country == "":
		info.Partial = true
	default:
		info.City, info.Country = city, country
		r.appendLine(fmt.Sprintf("Location: %s, %s", city, country))
	}

	r.logger.Info("Resolved public IP",
		zap.String("address", info.Address),
		zap.String("city", info.City),
		zap.String("country", info.Country),
		zap.Bool("partial", info.Partial))
	r.publish(events.IPData{
		Address: info.Address,
		City:    info.City,
		Country: info.Country,
		Partial: info.Partial,
	})
	return info, nil
}

func (r *Resolver) lookup(ctx context.Context) (Info, error) {
	var body struct {
		IP string `json:"ip"`
	}
	if err := r.getJSON(ctx, r.lookupURL, &body); err != nil {
		if isTimeout(err) {
			return Info{}, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return Info{}, err
	}
	if body.IP == "" {
		return Info{}, ErrNoAddress
	}
	return Info{Address: body.IP}, nil
}

func (r *Resolver) locate(ctx context.Context, address string) (city, country string, err error) {
	var body struct {
		City        string `json:"city"`
		CountryName string `json:"country_name"`
		Error       bool   `json:"error"`
		Reason      string `json:"reason"`
	}
	if err := r.getJSON(ctx, fmt.Sprintf(r.geoURL, url.PathEscape(address)), &body); err != nil {
		return "", "", err
	}
	if body.Error {
		return "", "", fmt.Errorf("geolocation refused: %s", body.Reason)
	}
	return body.City, body.CountryName, nil
}

func (r *Resolver) getJSON(ctx context.Context, u string, v any) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "countryvpn")

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("GET %s: unexpected status %s", u, resp.Status)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(v); err != nil {
		if isTimeout(err) {
			return err
		}
		return fmt.Errorf("GET %s: invalid response: %w", u, err)
	}
	return nil
}

func (r *Resolver) appendLine(text string) {
	if r.log != nil {
		r.log.Append(text)
	}
}

func (r *Resolver) publish(data events.IPData) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.Event{Type: events.IPResolved, Data: data})
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
