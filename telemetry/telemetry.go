// Package telemetry records observability data about the request ciphertext. Nothing in
// the protocol reads these records; write failures are reported to the caller to log.
package telemetry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/ckks"

	"github.com/z3rotig4r/ckks_linear/channel"
	"github.com/z3rotig4r/ckks_linear/params"
)

// SampleCount is the number of leading coefficients copied into the info record.
const SampleCount = 100

// Snapshot describes one ciphertext.
type Snapshot struct {
	Polynomials int
	RingDegree  int
	Moduli      int
	Level       int
	Scale       float64
	Samples     []uint64
	Binary      []byte
}

// Capture takes a snapshot of ct.
func Capture(p ckks.Parameters, ct *rlwe.Ciphertext) (*Snapshot, error) {
	raw, err := ct.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal ciphertext: %w", err)
	}

	first := ct.Value[0].Coeffs[0]
	n := min(SampleCount, len(first))

	return &Snapshot{
		Polynomials: ct.Degree() + 1,
		RingDegree:  p.N(),
		Moduli:      ct.Level() + 1,
		Level:       ct.Level(),
		Scale:       ct.Scale.Float64(),
		Samples:     append([]uint64(nil), first[:n]...),
		Binary:      raw,
	}, nil
}

// Info renders the human-readable summary.
func (s *Snapshot) Info() []byte {
	var buf bytes.Buffer
	buf.WriteString("Ciphertext Information\n")
	buf.WriteString("=====================\n")
	fmt.Fprintf(&buf, "Size (polynomials): %d\n", s.Polynomials)
	fmt.Fprintf(&buf, "Poly Modulus Degree: %d\n", s.RingDegree)
	fmt.Fprintf(&buf, "Coeff Modulus Size: %d\n", s.Moduli)
	fmt.Fprintf(&buf, "Level: %d\n", s.Level)
	fmt.Fprintf(&buf, "Scale: %g (2^%.2f)\n", s.Scale, math.Log2(s.Scale))
	fmt.Fprintf(&buf, "\nSample Coefficients (first %d):\n", len(s.Samples))
	for i, c := range s.Samples {
		if i > 0 {
			buf.WriteByte(' ')
		}
		buf.WriteString(strconv.FormatUint(c, 10))
	}
	buf.WriteByte('\n')
	return buf.Bytes()
}

// Writer publishes snapshots to the channel.
type Writer struct {
	Store       channel.Store
	Fingerprint params.Fingerprint
}

// Publish writes the info, size and binary records. Every record is attempted; the
// returned error joins the individual failures.
func (w *Writer) Publish(ctx context.Context, s *Snapshot, keyID [16]byte, ref string) error {
	dump := params.Seal(params.Envelope{
		Kind:        params.KindCiphertext,
		Fingerprint: w.Fingerprint,
		KeyID:       keyID,
		Payload:     s.Binary,
	})

	records := []channel.Record{
		{Name: channel.CipherInfo, Ref: ref, Payload: s.Info()},
		{Name: channel.CipherSize, Ref: ref, Payload: []byte(strconv.Itoa(len(s.Binary)) + "\n")},
		{Name: channel.CipherBinary, Ref: ref, Payload: dump},
	}

	var errs []error
	for _, rec := range records {
		if _, err := w.Store.Put(ctx, rec); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", rec.Name, err))
		}
	}
	return errors.Join(errs...)
}

// OpenDump decodes a ciphertext dump written by Publish.
func OpenDump(data []byte, local params.Fingerprint) (*rlwe.Ciphertext, error) {
	env, err := params.Open(data, params.KindCiphertext, local)
	if err != nil {
		return nil, err
	}
	ct := new(rlwe.Ciphertext)
	if err := ct.UnmarshalBinary(env.Payload); err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	return ct, nil
}
