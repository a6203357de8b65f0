// Package config provides configuration types and utilities for countryvpn.
package config

import "time"

// Session & Process Timeouts
const (
	// DefaultGracePeriod is how long the proxy process must stay alive after
	// launch before the session is considered connected.
	DefaultGracePeriod = 2 * time.Second

	// DefaultStopTimeout is the time allowed for a graceful stop before the
	// process group is killed.
	DefaultStopTimeout = 3 * time.Second

	// ProcessReapTimeout bounds the wait for an already killed process to be reaped
	ProcessReapTimeout = 2 * time.Second

	// RuntimeVersionTimeout bounds each "<interpreter> --version" check
	RuntimeVersionTimeout = 5 * time.Second
)

// Probe Timeouts
const (
	// DefaultEchoTimeout bounds the ICMP echo request of a reachability probe
	DefaultEchoTimeout = 3 * time.Second

	// DefaultConnectTimeout bounds the TCP connect of a reachability probe
	DefaultConnectTimeout = 3 * time.Second

	// DefaultProbeWorkers is the number of concurrent probes when testing the whole catalog
	DefaultProbeWorkers = 4
)

// IP Lookup
const (
	// DefaultHTTPTimeout is the timeout for IP lookup and geolocation requests
	DefaultHTTPTimeout = 10 * time.Second

	// DefaultIPCheckDelay is the pause between reaching Connected and checking the egress IP
	DefaultIPCheckDelay = 1 * time.Second
)

// Ports
const (
	// DefaultLocalPort is the SOCKS5 port the proxy script listens on locally
	DefaultLocalPort = 1080

	// DefaultServerPort is used for catalog entries without a valid port
	DefaultServerPort = 8888
)

// Shutdown
const (
	// ShutdownTimeout is the maximum time the whole shutdown sequence may take
	ShutdownTimeout = 10 * time.Second

	// ShutdownHandlerTimeout is the default per-handler timeout
	ShutdownHandlerTimeout = 5 * time.Second
)

// Event Bus Buffer Sizes
const (
	// EventChannelBufferSize is the buffer size for individual event subscriptions
	EventChannelBufferSize = 100

	// EventChannelBufferSizeAll is the buffer size for subscribing to all events
	EventChannelBufferSizeAll = 500

	// LogSubscriberBufferSize is the buffer of an event log tail subscription
	LogSubscriberBufferSize = 256
)
