// Package id provides ULID generation for names the storage engine creates
// on disk.
//
// ULIDs sort by creation time, so staged files left behind by a crash can be
// aged out by name alone during compaction.
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

// StagingID names a staged content file.
type StagingID string

// StagingPrefix marks staged content files.
const StagingPrefix = "stage"

// Generator generates ULIDs with optional prefixes
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex // Protects entropy reader
	now       func() time.Time
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

// NewGenerator creates a new ULID generator
func NewGenerator() *Generator {
	return &Generator{
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     time.Now,
	}
}

// NewGeneratorWithEntropy creates a generator with a custom entropy source
// and clock. Useful for deterministic tests.
func NewGeneratorWithEntropy(entropy io.Reader, now func() time.Time) *Generator {
	return &Generator{entropy: entropy, now: now}
}

// Generate creates a new ULID
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(g.now()), g.entropy)
}

// GenerateWithPrefix creates a prefixed ULID string
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.Generate().String())
}

// NewStagingID generates a new staging file name
func (g *Generator) NewStagingID() StagingID {
	return StagingID(g.GenerateWithPrefix(StagingPrefix))
}

func (id StagingID) String() string { return string(id) }

// Time returns the creation time encoded in a staging id.
func (id StagingID) Time() (time.Time, error) {
	_, raw, ok := strings.Cut(string(id), "_")
	if !ok {
		return time.Time{}, fmt.Errorf("invalid staging id %q", id)
	}
	parsed, err := ulid.Parse(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid staging id %q: %w", id, err)
	}
	return ulid.Time(parsed.Time()), nil
}

// IsValid checks if an ID string is a valid ULID
func IsValid(id string) bool {
	_, err := ulid.Parse(id)
	return err == nil
}
