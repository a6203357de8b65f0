package catalog

import (
	"net"
	"strconv"
	"strings"
)

// DefaultPort is used for entries whose port is missing or invalid.
const DefaultPort = 8888

const notConfiguredSuffix = " (Not Configured - Please set server IP)"

// Endpoint is one named server entry of the catalog. Values are immutable
// once loaded; a reload replaces the whole set.
type Endpoint struct {
	ID          string `json:"id"`
	Country     string `json:"country"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Description string `json:"description"`
	Configured  bool   `json:"configured"`
	Flag        string `json:"flag"`
}

// NewEndpoint builds an endpoint and derives Configured and Flag. An empty
// country falls back to the id and an invalid port to DefaultPort.
func NewEndpoint(id, country, host string, port int, description string) Endpoint {
	if country == "" {
		country = id
	}
	if !validPort(port) {
		port = DefaultPort
	}
	return Endpoint{
		ID:          id,
		Country:     country,
		Host:        host,
		Port:        port,
		Description: description,
		Configured:  IsConfigured(host),
		Flag:        FlagFor(id),
	}
}

// IsConfigured reports whether host looks like a real server address.
// Placeholders ("your_server_ip", "YOUR_IP", anything starting with "your"),
// the literal "localhost" and blank values are not.
func IsConfigured(host string) bool {
	switch {
	case strings.TrimSpace(host) == "":
		return false
	case strings.Contains(host, "your_"), strings.Contains(host, "YOUR_"):
		return false
	case strings.HasPrefix(host, "your"):
		return false
	case host == "localhost":
		return false
	}
	return true
}

// Address returns host:port suitable for dialing or for the proxy --server flag.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Label is the short display form, e.g. "🇫🇷 France".
func (e Endpoint) Label() string {
	return e.Flag + " " + e.Country
}

// DisplayDescription marks unconfigured entries so the user knows to edit them.
func (e Endpoint) DisplayDescription() string {
	if e.Configured {
		return e.Description
	}
	return strings.TrimLeft(e.Description+notConfiguredSuffix, " ")
}

func validPort(port int) bool {
	return port >= 1 && port <= 65535
}
