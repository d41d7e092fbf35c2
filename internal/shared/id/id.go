// Package id provides centralized ID generation for transom.
//
// Every identifier that crosses the host/guest boundary is a prefixed ULID:
//   - Lexicographic sortability: call ids sort by issue time in logs
//   - Prefixed types: fn_*, call_*, guest_*, chan_* make wire traces readable
//   - Type safety: separate types prevent a call id landing where a
//     function token belongs
//   - Zero conflicts: ids minted on either side of the channel never collide
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// FuncID identifies an exported function token.
type FuncID string

// CallID correlates a function-call with its function-response.
type CallID string

// GuestID identifies one embedded guest instance.
type GuestID string

// ChannelID identifies one duplex channel attachment.
type ChannelID string

// Prefixes for debugging and type identification.
const (
	FuncPrefix    = "fn"
	CallPrefix    = "call"
	GuestPrefix   = "guest"
	ChannelPrefix = "chan"
)

// Generator generates ULIDs with optional prefixes.
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex // Protects entropy reader
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the shared generator instance.
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a generator backed by crypto/rand entropy.
func NewGenerator() *Generator {
	return &Generator{entropy: rand.Reader}
}

// NewGeneratorWithEntropy creates a generator with a custom entropy source.
// Useful for tests that need deterministic ids.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Generate creates a new ULID.
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateString creates a new ULID as a string.
func (g *Generator) GenerateString() string {
	return g.Generate().String()
}

// GenerateWithPrefix creates a prefixed ULID string.
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.GenerateString())
}

// NewFuncID mints a token id for a newly exported function.
func NewFuncID() FuncID {
	return FuncID(Default().GenerateWithPrefix(FuncPrefix))
}

// NewCallID mints a correlation id for an outbound function call.
func NewCallID() CallID {
	return CallID(Default().GenerateWithPrefix(CallPrefix))
}

// NewGuestID mints an id for an embedded guest instance.
func NewGuestID() GuestID {
	return GuestID(Default().GenerateWithPrefix(GuestPrefix))
}

// NewChannelID mints an id for a channel attachment.
func NewChannelID() ChannelID {
	return ChannelID(Default().GenerateWithPrefix(ChannelPrefix))
}

func (id FuncID) String() string    { return string(id) }
func (id CallID) String() string    { return string(id) }
func (id GuestID) String() string   { return string(id) }
func (id ChannelID) String() string { return string(id) }

// IsValid checks if an ID string is a valid ULID.
func IsValid(id string) bool {
	_, err := ulid.Parse(id)
	return err == nil
}

// HasPrefix reports whether id carries the given type prefix and a valid
// ULID body. Stale or forged ids fail here before any registry lookup.
func HasPrefix(id, prefix string) bool {
	body, ok := strings.CutPrefix(id, prefix+"_")
	if !ok {
		return false
	}
	return IsValid(body)
}

// Timestamp extracts the mint time from a prefixed or bare ULID.
func Timestamp(id string) (time.Time, error) {
	if i := strings.IndexByte(id, '_'); i >= 0 {
		id = id[i+1:]
	}
	parsed, err := ulid.Parse(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
