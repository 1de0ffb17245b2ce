// Package integrity stamps and verifies audit event checksums.
//
// The checksum is a digest over the event's canonical form followed by a
// process-wide secret salt. It provides tamper evidence, not secrecy: anyone
// holding the salt can recompute it, nobody without it can forge one.
package integrity

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"hash"
	"log/slog"
	"strings"

	"golang.org/x/crypto/blake2b"

	"auditvault/internal/audit/models"
	dErrors "auditvault/pkg/domain-errors"
)

// Algorithm names the digest used to stamp an event. The name prefixes every
// checksum so records stamped before an algorithm change still verify.
type Algorithm string

const (
	SHA256     Algorithm = "sha256"
	BLAKE2b256 Algorithm = "blake2b256"
)

// MinSaltLength is the shortest accepted salt in bytes.
const MinSaltLength = 16

// Result of a verification.
type Result string

const (
	Valid    Result = "valid"
	Tampered Result = "tampered"
)

// Config is read once at startup and never mutated.
type Config struct {
	Salt      []byte
	Algorithm Algorithm
}

// LogValue keeps the salt out of every log line.
func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("algorithm", string(c.Algorithm)),
		slog.String("salt", "[REDACTED]"),
	)
}

// Codec computes and verifies checksums. Safe for concurrent use.
type Codec struct {
	salt      []byte
	algorithm Algorithm
}

// New builds a codec. A missing salt is fatal for ingestion: no event may be
// persisted without a checksum.
func New(cfg Config) (*Codec, error) {
	if len(cfg.Salt) == 0 {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "integrity salt is required")
	}
	if len(cfg.Salt) < MinSaltLength {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "integrity salt is too short")
	}
	algo := cfg.Algorithm
	if algo == "" {
		algo = SHA256
	}
	if _, err := newHash(algo); err != nil {
		return nil, err
	}
	salt := make([]byte, len(cfg.Salt))
	copy(salt, cfg.Salt)
	return &Codec{salt: salt, algorithm: algo}, nil
}

// Algorithm returns the algorithm used for new stamps.
func (c *Codec) Algorithm() Algorithm { return c.algorithm }

// Stamp computes the checksum of e, ignoring any checksum already set.
func (c *Codec) Stamp(e models.Event) (string, error) {
	return c.digest(c.algorithm, e)
}

// Seal returns a copy of e with its checksum set. The checksum is the last
// field assigned.
func (c *Codec) Seal(e models.Event) (models.Event, error) {
	if err := e.Validate(); err != nil {
		return models.Event{}, err
	}
	sum, err := c.Stamp(e)
	if err != nil {
		return models.Event{}, err
	}
	e.Checksum = sum
	return e, nil
}

// Verify recomputes the checksum from the event's current fields and
// compares it to the stored one in constant time.
func (c *Codec) Verify(e models.Event) Result {
	algo, _, ok := strings.Cut(e.Checksum, ":")
	if !ok {
		return Tampered
	}
	expected, err := c.digest(Algorithm(algo), e)
	if err != nil {
		return Tampered
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(e.Checksum)) != 1 {
		return Tampered
	}
	return Valid
}

func (c *Codec) digest(algo Algorithm, e models.Event) (string, error) {
	h, err := newHash(algo)
	if err != nil {
		return "", err
	}
	h.Write(models.Canonicalize(e))
	h.Write(c.salt)
	return string(algo) + ":" + hex.EncodeToString(h.Sum(nil)), nil
}

func newHash(algo Algorithm) (hash.Hash, error) {
	switch algo {
	case SHA256:
		return sha256.New(), nil
	case BLAKE2b256:
		return blake2b.New256(nil)
	default:
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "unsupported integrity algorithm: "+string(algo))
	}
}
