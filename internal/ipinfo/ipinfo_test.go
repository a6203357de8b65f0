package ipinfo

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"countryvpn/internal/eventlog"
	"countryvpn/internal/events"
)

type collaborators struct {
	lookup http.HandlerFunc
	geo    http.HandlerFunc
}

func newServer(t *testing.T, c collaborators) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/lookup", c.lookup)
	mux.HandleFunc("/geo/", func(w http.ResponseWriter, r *http.Request) {
		if c.geo == nil {
			http.NotFound(w, r)
			return
		}
		c.geo(w, r)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newResolver(t *testing.T, srv *httptest.Server, opts ...Option) *Resolver {
	t.Helper()
	base := []Option{
		WithLookupURL(srv.URL + "/lookup"),
		WithGeoURL(srv.URL + "/geo/%s"),
	}
	r, err := New(append(base, opts...)...)
	require.NoError(t, err)
	return r
}

func respond(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	}
}

func TestResolve_WithLocation(t *testing.T) {
	var geoPath atomic.Value
	srv := newServer(t, collaborators{
		lookup: respond(`{"ip":"198.51.100.7"}`),
		geo: func(w http.ResponseWriter, r *http.Request) {
			geoPath.Store(r.URL.Path)
			respond(`{"ip":"198.51.100.7","city":"Paris","country_name":"France"}`)(w, r)
		},
	})
	log := eventlog.New()
	bus := events.NewBus()
	defer bus.Close()
	ch := bus.Subscribe(events.IPResolved)

	info, err := newResolver(t, srv, WithLog(log), WithBus(bus)).Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Info{Address: "198.51.100.7", City: "Paris", Country: "France"}, info)
	assert.Equal(t, "198.51.100.7 (Paris, France)", info.String())
	assert.Equal(t, "/geo/198.51.100.7", geoPath.Load())

	lines := strings.Join(log.Lines(), "\n")
	assert.Contains(t, lines, "Checking your IP address...")
	assert.Contains(t, lines, "Your current IP: 198.51.100.7")
	assert.Contains(t, lines, "Location: Paris, France")

	select {
	case ev := <-ch:
		data := ev.Data.(events.IPData)
		assert.Equal(t, "198.51.100.7", data.Address)
		assert.Equal(t, "France", data.Country)
		assert.False(t, data.Partial)
	case <-time.After(time.Second):
		t.Fatal("no IPResolved event")
	}
}

func TestResolve_GeolocationTimeoutIsPartial(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	srv := newServer(t, collaborators{
		lookup: respond(`{"ip":"203.0.113.5"}`),
		geo: func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		},
	})

	start := time.Now()
	info, err := newResolver(t, srv, WithTimeout(200*time.Millisecond)).Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.5", info.Address)
	assert.Empty(t, info.City)
	assert.Empty(t, info.Country)
	assert.True(t, info.Partial)
	assert.Equal(t, "203.0.113.5", info.String())
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestResolve_GeolocationDegrades(t *testing.T) {
	tests := []struct {
		name string
		geo  http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusInternalServerError) }},
		{"not json", respond(`<html>`)},
		{"rate limited", respond(`{"error":true,"reason":"RateLimited"}`)},
		{"city missing", respond(`{"country_name":"France"}`)},
		{"country missing", respond(`{"city":"Paris"}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newServer(t, collaborators{lookup: respond(`{"ip":"192.0.2.1"}`), geo: tt.geo})
			log := eventlog.New()

			info, err := newResolver(t, srv, WithLog(log)).Resolve(context.Background())
			require.NoError(t, err)
			assert.Equal(t, Info{Address: "192.0.2.1", Partial: true}, info)
			assert.NotContains(t, strings.Join(log.Lines(), "\n"), "Location:")
		})
	}
}

func TestResolve_LookupTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	srv := newServer(t, collaborators{
		lookup: func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		},
	})
	log := eventlog.New()

	_, err := newResolver(t, srv, WithTimeout(100*time.Millisecond), WithLog(log)).Resolve(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Contains(t, strings.Join(log.Lines(), "\n"), "Error checking IP:")
}

func TestResolve_LookupFailures(t *testing.T) {
	tests := []struct {
		name   string
		lookup http.HandlerFunc
		is     error
	}{
		{"no address", respond(`{"ip":""}`), ErrNoAddress},
		{"missing field", respond(`{}`), ErrNoAddress},
		{"bad gateway", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusBadGateway) }, nil},
		{"garbage", respond(`not json`), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newServer(t, collaborators{lookup: tt.lookup})
			_, err := newResolver(t, srv).Resolve(context.Background())
			require.Error(t, err)
			assert.NotErrorIs(t, err, ErrTimeout)
			if tt.is != nil {
				assert.ErrorIs(t, err, tt.is)
			}
		})
	}
}

func TestResolve_Reinvocable(t *testing.T) {
	var calls atomic.Int32
	srv := newServer(t, collaborators{
		lookup: func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			respond(`{"ip":"192.0.2.9"}`)(w, r)
		},
		geo: respond(`{"city":"Berlin","country_name":"Germany"}`),
	})
	r := newResolver(t, srv)

	first, err := r.Resolve(context.Background())
	require.NoError(t, err)
	second, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(2), calls.Load())
}

func TestResolve_ViaUnreachableSOCKS5(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	srv := newServer(t, collaborators{lookup: respond(`{"ip":"192.0.2.1"}`)})
	_, err = newResolver(t, srv, WithSOCKS5(addr)).Resolve(context.Background())
	require.Error(t, err, "requests must go through the socks listener")
}

func TestInfoString(t *testing.T) {
	assert.Equal(t, "192.0.2.1", Info{Address: "192.0.2.1", City: "Paris"}.String())
	assert.Equal(t, "192.0.2.1 (Paris, France)", Info{Address: "192.0.2.1", City: "Paris", Country: "France"}.String())
}
