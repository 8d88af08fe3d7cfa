// Package params holds the CKKS parameter descriptor shared by the client and the server,
// and the identity check every serialized artifact goes through on load.
package params

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/tuneinsight/lattigo/v6/schemes/ckks"
)

// CurrentVersion is the descriptor format version written to the channel.
const CurrentVersion = 1

// SchemeCKKS is the only supported scheme family.
const SchemeCKKS = "ckks"

var (
	ErrParameterMismatch = errors.New("encryption parameter mismatch")
	ErrUnsupportedScheme = errors.New("unsupported scheme")
	ErrBudgetExceeded    = errors.New("modulus chain cannot hold one multiplicative level")
)

// Descriptor is the versioned parameter contract. Both ends must build it to the same
// Fingerprint or nothing they exchange is compatible.
type Descriptor struct {
	Version         int    `json:"version" yaml:"version"`
	Scheme          string `json:"scheme" yaml:"scheme"`
	LogN            int    `json:"log_n" yaml:"log_n"`
	LogQ            []int  `json:"log_q" yaml:"log_q"`
	LogP            []int  `json:"log_p" yaml:"log_p"`
	LogDefaultScale int    `json:"log_default_scale" yaml:"log_default_scale"`
}

// Default mirrors the reference deployment: N=8192, coefficient chain {60,40,40} plus a
// 60-bit key-switching prime, encode scale 2^30.
func Default() Descriptor {
	return Descriptor{
		Version:         CurrentVersion,
		Scheme:          SchemeCKKS,
		LogN:            13,
		LogQ:            []int{60, 40, 40},
		LogP:            []int{60},
		LogDefaultScale: 30,
	}
}

// Build validates the descriptor and instantiates the CKKS parameters.
func (d Descriptor) Build() (ckks.Parameters, error) {
	if d.Scheme != SchemeCKKS {
		return ckks.Parameters{}, fmt.Errorf("%w: %q", ErrUnsupportedScheme, d.Scheme)
	}
	if d.Version != CurrentVersion {
		return ckks.Parameters{}, fmt.Errorf("%w: descriptor version %d, want %d",
			ErrParameterMismatch, d.Version, CurrentVersion)
	}

	// Input and weights are both encoded at the default scale and never rescaled, so the
	// product scale 2^(2*LogDefaultScale) has to stay below the full modulus Q.
	logQ := 0
	for _, q := range d.LogQ {
		logQ += q
	}
	if 2*d.LogDefaultScale >= logQ {
		return ckks.Parameters{}, fmt.Errorf("%w: 2*%d >= logQ %d",
			ErrBudgetExceeded, d.LogDefaultScale, logQ)
	}

	p, err := ckks.NewParametersFromLiteral(ckks.ParametersLiteral{
		LogN:            d.LogN,
		LogQ:            d.LogQ,
		LogP:            d.LogP,
		LogDefaultScale: d.LogDefaultScale,
	})
	if err != nil {
		return ckks.Parameters{}, fmt.Errorf("create CKKS parameters: %w", err)
	}
	return p, nil
}

// Fingerprint identifies a concrete parameter set.
type Fingerprint [sha256.Size]byte

func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// Short is the first 8 bytes in hex, used in logs.
func (f Fingerprint) Short() string {
	return hex.EncodeToString(f[:8])
}

// ParseFingerprint decodes the hex form written by String.
func ParseFingerprint(s string) (Fingerprint, error) {
	var f Fingerprint
	b, err := hex.DecodeString(s)
	if err != nil {
		return f, fmt.Errorf("decode fingerprint: %w", err)
	}
	if len(b) != len(f) {
		return f, fmt.Errorf("fingerprint length %d, want %d", len(b), len(f))
	}
	copy(f[:], b)
	return f, nil
}

// Identify hashes the parameters that change the meaning of a key or ciphertext: ring
// degree, the actual Q and P primes and the default scale.
func Identify(p ckks.Parameters) Fingerprint {
	h := sha256.New()
	h.Write([]byte(SchemeCKKS))

	var buf [8]byte
	put := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}

	put(CurrentVersion)
	put(uint64(p.LogN()))
	put(uint64(len(p.Q())))
	for _, q := range p.Q() {
		put(q)
	}
	put(uint64(len(p.P())))
	for _, pi := range p.P() {
		put(pi)
	}
	put(uint64(p.LogDefaultScale()))

	var f Fingerprint
	copy(f[:], h.Sum(nil))
	return f
}

// Check returns ErrParameterMismatch when the two fingerprints differ.
func Check(local, remote Fingerprint) error {
	if local != remote {
		return fmt.Errorf("%w: local %s, remote %s", ErrParameterMismatch, local.Short(), remote.Short())
	}
	return nil
}

// Published is the JSON document stored as the params record.
type Published struct {
	Descriptor  Descriptor `json:"descriptor"`
	Fingerprint string     `json:"fingerprint"`
}
