package storage

import (
	"encoding/binary"
	"encoding/json"
	"time"
)

// Bucket names for bbolt database
const (
	AttemptsBucket = "attempts"
	MetaBucket     = "meta"
)

// Meta keys
const (
	SchemaVersionKey = "schema"
	LastServerKey    = "last_server"
)

// Current schema version
const CurrentSchemaVersion = 1

// DefaultMaxAttempts is how many attempts are kept before the oldest are pruned
const DefaultMaxAttempts = 500

// Outcome is the final (or current) result of a connection attempt.
type Outcome string

const (
	OutcomeConnecting   Outcome = "connecting"
	OutcomeConnected    Outcome = "connected"
	OutcomeDisconnected Outcome = "disconnected"
	OutcomeFailed       Outcome = "failed"
)

// AttemptRecord represents one connection attempt in storage
type AttemptRecord struct {
	ID          uint64    `json:"id"`
	ServerID    string    `json:"server_id"`
	Country     string    `json:"country,omitempty"`
	Host        string    `json:"host"`
	Port        int       `json:"port"`
	LocalPort   int       `json:"local_port,omitempty"`
	Outcome     Outcome   `json:"outcome"`
	StartedAt   time.Time `json:"started_at"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
	EndedAt     time.Time `json:"ended_at,omitempty"`
	ExitCode    *int      `json:"exit_code,omitempty"`
	Error       string    `json:"error,omitempty"`
	EgressIP    string    `json:"egress_ip,omitempty"`
}

// Duration is how long the attempt was connected, or zero.
func (a *AttemptRecord) Duration() time.Duration {
	if a.ConnectedAt.IsZero() || a.EndedAt.IsZero() {
		return 0
	}
	return a.EndedAt.Sub(a.ConnectedAt)
}

// MarshalBinary implements encoding.BinaryMarshaler
func (a *AttemptRecord) MarshalBinary() ([]byte, error) {
	return json.Marshal(a)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (a *AttemptRecord) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, a)
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func btoi(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
