// Package id provides ID generation for the dashboard.
//
// Two kinds of identifiers are produced:
//   - Request IDs: "req_<unix millis>_<sequence>", unique for the life of
//     the process and readable in backend logs
//   - Connection IDs: prefixed ULIDs, lexicographically sortable by the time
//     a transport connection was opened
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

// ============================================================================
// Type-Safe ID Wrappers
// ============================================================================

// RequestID correlates a request with its response
type RequestID string

// ConnectionID identifies one transport connection
type ConnectionID string

func (id RequestID) String() string    { return string(id) }
func (id ConnectionID) String() string { return string(id) }

const (
	RequestPrefix    = "req"
	ConnectionPrefix = "conn"
)

// ============================================================================
// Request IDs
// ============================================================================

// Sequence issues request IDs from a monotonically increasing counter.
type Sequence struct {
	counter atomic.Uint64
	now     func() time.Time
}

// NewSequence creates a request ID sequence
func NewSequence() *Sequence {
	return &Sequence{now: time.Now}
}

// Next returns a fresh request ID. IDs never repeat within a Sequence.
func (s *Sequence) Next() RequestID {
	n := s.counter.Add(1)
	return RequestID(RequestPrefix + "_" + strconv.FormatInt(s.now().UnixMilli(), 10) + "_" + strconv.FormatUint(n, 10))
}

// ParseRequestID splits a request ID into its timestamp and sequence number.
func ParseRequestID(id RequestID) (time.Time, uint64, error) {
	parts := strings.Split(string(id), "_")
	if len(parts) != 3 || parts[0] != RequestPrefix {
		return time.Time{}, 0, fmt.Errorf("malformed request id %q", id)
	}
	ms, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("malformed request id %q: %w", id, err)
	}
	seq, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("malformed request id %q: %w", id, err)
	}
	return time.UnixMilli(ms), seq, nil
}

// ============================================================================
// ULID Generator
// ============================================================================

// Generator generates ULIDs with optional prefixes
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator instance
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a ULID generator backed by crypto/rand with
// monotonic entropy, so IDs minted in the same millisecond still sort.
func NewGenerator() *Generator {
	return NewGeneratorWithEntropy(ulid.Monotonic(rand.Reader, 0))
}

// NewGeneratorWithEntropy creates a generator with custom entropy source
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Generate creates a new ULID
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateWithPrefix creates a prefixed ULID string
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return prefix + "_" + g.Generate().String()
}

// NewConnectionID generates a new connection ID
func NewConnectionID() ConnectionID {
	return ConnectionID(Default().GenerateWithPrefix(ConnectionPrefix))
}

// Timestamp extracts the creation time from a prefixed or bare ULID
func Timestamp(id string) (time.Time, error) {
	if i := strings.LastIndexByte(id, '_'); i >= 0 {
		id = id[i+1:]
	}
	parsed, err := ulid.Parse(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
