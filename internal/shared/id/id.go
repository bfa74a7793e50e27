// Package id provides centralized ID generation for the IPC core.
//
// Numeric identifiers (task IDs, capability handles) are what user space sees;
// ULIDs defined here exist for log and metric correlation only:
//   - Lexicographic sortability: calls sort by creation time in logs
//   - Prefixed types: call_*, irq_*, krn_* are readable at a glance
//   - Type safety: separate types prevent mixing call and subscription IDs
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

// CallID identifies one IPC call for its whole lifetime, across forwards.
type CallID string

// IRQID identifies an IRQ subscription.
type IRQID string

// KernelID identifies one booted kernel instance.
type KernelID string

const (
	CallPrefix   = "call"
	IRQPrefix    = "irq"
	KernelPrefix = "krn"
)

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

// NewGenerator creates a new ULID generator backed by monotonic entropy.
func NewGenerator() *Generator {
	return NewGeneratorWithEntropy(ulid.Monotonic(rand.Reader, 0))
}

// NewGeneratorWithEntropy creates a generator with custom entropy source.
// Useful for testing with deterministic entropy
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{
		entropy: entropy,
	}
}

// Generate creates a new ULID
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateString creates a new ULID as a string
func (g *Generator) GenerateString() string {
	return g.Generate().String()
}

// GenerateWithPrefix creates a prefixed ULID string
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.GenerateString())
}

// NewCallID generates a new call ID
func NewCallID() CallID {
	return CallID(Default().GenerateWithPrefix(CallPrefix))
}

// NewIRQID generates a new IRQ subscription ID
func NewIRQID() IRQID {
	return IRQID(Default().GenerateWithPrefix(IRQPrefix))
}

// NewKernelID generates a new kernel instance ID
func NewKernelID() KernelID {
	return KernelID(Default().GenerateWithPrefix(KernelPrefix))
}

func (id CallID) String() string   { return string(id) }
func (id IRQID) String() string    { return string(id) }
func (id KernelID) String() string { return string(id) }

// Timestamp extracts the generation time from an ID, with or without its
// type prefix.
func Timestamp(id string) (time.Time, error) {
	if _, raw, ok := strings.Cut(id, "_"); ok {
		id = raw
	}
	parsed, err := ulid.Parse(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}

// Created returns when the call was created.
func (id CallID) Created() time.Time {
	ts, _ := Timestamp(string(id))
	return ts
}
