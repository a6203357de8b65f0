// Package catalog reads and writes the server catalog document (servers.json).
package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	serversKey  = "servers"
	settingsKey = "settings"
)

// ErrConfigParse is returned when the catalog document is structurally unusable.
// Malformed individual entries are skipped instead.
var ErrConfigParse = errors.New("malformed server catalog")

// ParseError describes why a document could not be used.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", ErrConfigParse, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", ErrConfigParse, e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrConfigParse) hold for every ParseError.
func (e *ParseError) Is(target error) bool { return target == ErrConfigParse }

// Settings carries the advisory values of the document's "settings" object.
// Zero means absent or invalid.
type Settings struct {
	DefaultPort int `json:"default_port"`
	ProxyPort   int `json:"proxy_port"`
}

// Skipped records an entry that was ignored during Load.
type Skipped struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// Catalog is an immutable, ordered set of endpoints.
type Catalog struct {
	endpoints []Endpoint
	index     map[string]int
	settings  Settings
	skipped   []Skipped
}

// New builds a catalog from endpoints, keeping their order. A repeated id
// replaces the earlier entry in place.
func New(endpoints []Endpoint, settings Settings) *Catalog {
	c := &Catalog{
		index:    make(map[string]int, len(endpoints)),
		settings: settings,
	}
	for _, e := range endpoints {
		c.put(e)
	}
	return c
}

func (c *Catalog) put(e Endpoint) {
	if i, ok := c.index[e.ID]; ok {
		c.endpoints[i] = e
		return
	}
	c.index[e.ID] = len(c.endpoints)
	c.endpoints = append(c.endpoints, e)
}

// Load parses a catalog document, keeping entries in document order.
func Load(r io.Reader) (*Catalog, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, &ParseError{Reason: "read failed", Err: err}
	}
	return Parse(data)
}

// Parse is Load over an in-memory document.
func Parse(data []byte) (*Catalog, error) {
	members, err := decodeObject(data)
	if err != nil {
		return nil, &ParseError{Reason: "document is not a JSON object", Err: err}
	}

	c := New(nil, Settings{})
	for _, m := range members {
		switch m.key {
		case serversKey:
			if isNull(m.value) {
				continue
			}
			entries, err := decodeObject(m.value)
			if err != nil {
				return nil, &ParseError{Reason: `"servers" is not an object`, Err: err}
			}
			for _, entry := range entries {
				e, reason := parseEntry(entry.key, entry.value)
				if reason != "" {
					c.skipped = append(c.skipped, Skipped{ID: entry.key, Reason: reason})
					continue
				}
				c.put(e)
			}
		case settingsKey:
			c.settings = parseSettings(m.value)
		}
	}
	return c, nil
}

// Endpoints returns a copy of all entries in document order.
func (c *Catalog) Endpoints() []Endpoint {
	out := make([]Endpoint, len(c.endpoints))
	copy(out, c.endpoints)
	return out
}

// Configured returns the entries eligible for connection.
func (c *Catalog) Configured() []Endpoint {
	var out []Endpoint
	for _, e := range c.endpoints {
		if e.Configured {
			out = append(out, e)
		}
	}
	return out
}

// FirstConfigured returns the first entry eligible for connection.
func (c *Catalog) FirstConfigured() (Endpoint, bool) {
	for _, e := range c.endpoints {
		if e.Configured {
			return e, true
		}
	}
	return Endpoint{}, false
}

// Get looks up an entry by id, exactly first and then ignoring case.
func (c *Catalog) Get(id string) (Endpoint, bool) {
	if i, ok := c.index[id]; ok {
		return c.endpoints[i], true
	}
	for _, e := range c.endpoints {
		if strings.EqualFold(e.ID, id) {
			return e, true
		}
	}
	return Endpoint{}, false
}

// Len returns the number of loaded entries.
func (c *Catalog) Len() int { return len(c.endpoints) }

// Settings returns the advisory settings block.
func (c *Catalog) Settings() Settings { return c.settings }

// Skipped lists the entries ignored by Load and why.
func (c *Catalog) Skipped() []Skipped {
	out := make([]Skipped, len(c.skipped))
	copy(out, c.skipped)
	return out
}

// Save writes endpoints as the "servers" object of prev, keeping every other
// top-level key of prev and its position. An empty prev starts a new document.
func Save(w io.Writer, prev []byte, endpoints []Endpoint) error {
	data, err := Marshal(prev, endpoints)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// Marshal is Save into a byte slice.
func Marshal(prev []byte, endpoints []Endpoint) ([]byte, error) {
	var members []member
	if len(bytes.TrimSpace(prev)) > 0 {
		var err error
		if members, err = decodeObject(prev); err != nil {
			return nil, &ParseError{Reason: "existing document is not a JSON object", Err: err}
		}
	}

	servers, err := encodeServers(endpoints)
	if err != nil {
		return nil, fmt.Errorf("failed to encode servers: %w", err)
	}

	replaced := false
	for i := range members {
		if members[i].key == serversKey {
			members[i].value = servers
			replaced = true
		}
	}
	if !replaced {
		members = append(members, member{key: serversKey, value: servers})
	}

	var buf bytes.Buffer
	buf.WriteString("{\n")
	for i, m := range members {
		key, err := marshalNoEscape(m.key)
		if err != nil {
			return nil, err
		}
		buf.WriteString("  ")
		buf.Write(key)
		buf.WriteString(": ")
		if err := json.Indent(&buf, m.value, "  ", "  "); err != nil {
			return nil, fmt.Errorf("failed to indent %q: %w", m.key, err)
		}
		if i < len(members)-1 {
			buf.WriteByte(',')
		}
		buf.WriteByte('\n')
	}
	buf.WriteString("}\n")
	return buf.Bytes(), nil
}

// Upsert replaces the entry with the same id or appends e.
func Upsert(endpoints []Endpoint, e Endpoint) []Endpoint {
	out := make([]Endpoint, 0, len(endpoints)+1)
	found := false
	for _, cur := range endpoints {
		if cur.ID == e.ID {
			out = append(out, e)
			found = true
			continue
		}
		out = append(out, cur)
	}
	if !found {
		out = append(out, e)
	}
	return out
}

// Remove drops the entry with the given id.
func Remove(endpoints []Endpoint, id string) ([]Endpoint, bool) {
	out := make([]Endpoint, 0, len(endpoints))
	removed := false
	for _, cur := range endpoints {
		if cur.ID == id {
			removed = true
			continue
		}
		out = append(out, cur)
	}
	return out, removed
}

type serverRecord struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Country     string `json:"country"`
	Description string `json:"description"`
}

func encodeServers(endpoints []Endpoint) (json.RawMessage, error) {
	seen := make(map[string]int, len(endpoints))
	var members []member
	for _, e := range endpoints {
		port := e.Port
		if !validPort(port) {
			port = DefaultPort
		}
		country := e.Country
		if country == "" {
			country = e.ID
		}
		value, err := marshalNoEscape(serverRecord{
			Host:        e.Host,
			Port:        port,
			Country:     country,
			Description: e.Description,
		})
		if err != nil {
			return nil, err
		}
		if i, ok := seen[e.ID]; ok {
			members[i].value = value
			continue
		}
		seen[e.ID] = len(members)
		members = append(members, member{key: e.ID, value: value})
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, m := range members {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := marshalNoEscape(m.key)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(m.value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func parseEntry(id string, raw json.RawMessage) (Endpoint, string) {
	if !isObject(raw) {
		return Endpoint{}, "entry is not an object"
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Endpoint{}, "entry is not an object"
	}

	hostRaw, ok := fields["host"]
	if !ok || isNull(hostRaw) {
		return Endpoint{}, "missing host"
	}
	var host string
	if err := json.Unmarshal(hostRaw, &host); err != nil {
		return Endpoint{}, "host is not a string"
	}

	return NewEndpoint(
		id,
		stringField(fields["country"]),
		host,
		intField(fields["port"]),
		stringField(fields["description"]),
	), ""
}

func parseSettings(raw json.RawMessage) Settings {
	var fields map[string]json.RawMessage
	if !isObject(raw) || json.Unmarshal(raw, &fields) != nil {
		return Settings{}
	}
	s := Settings{
		DefaultPort: intField(fields["default_port"]),
		ProxyPort:   intField(fields["proxy_port"]),
	}
	if !validPort(s.DefaultPort) {
		s.DefaultPort = 0
	}
	if !validPort(s.ProxyPort) {
		s.ProxyPort = 0
	}
	return s
}

// intField accepts JSON integers and numeric strings; anything else is 0.
func intField(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0
	}
	v, err := n.Int64()
	if err != nil || v < 0 || v > 1<<31-1 {
		return 0
	}
	return int(v)
}

func stringField(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

type member struct {
	key   string
	value json.RawMessage
}

// decodeObject reads a JSON object keeping member order. A repeated key keeps
// its first position and its last value.
func decodeObject(data []byte) ([]member, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err == io.EOF {
		return nil, errors.New("empty document")
	}
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("expected object, found %v", tok)
	}

	var members []member
	pos := make(map[string]int)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("expected object key, found %v", tok)
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, err
		}
		if i, dup := pos[key]; dup {
			members[i].value = value
			continue
		}
		pos[key] = len(members)
		members = append(members, member{key: key, value: value})
	}

	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	if tok, err := dec.Token(); err != io.EOF {
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("unexpected data after document: %v", tok)
	}
	return members, nil
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}

func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
