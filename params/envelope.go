package params

import (
	"bytes"
	"errors"
	"fmt"
)

// Envelope framing: magic | version | kind | fingerprint | key id | payload.
const (
	envelopeMagic   = "CKSE"
	EnvelopeVersion = 1
	headerSize      = len(envelopeMagic) + 1 + 1 + len(Fingerprint{}) + 16
)

// MaxEnvelopeSize caps what Open accepts, before any payload reaches UnmarshalBinary.
const MaxEnvelopeSize = 10 << 20

var ErrMalformedEnvelope = errors.New("malformed envelope")

// Kind tags the artifact carried in an envelope.
type Kind uint8

const (
	KindPublicKey Kind = iota + 1
	KindSecretKey
	KindRelinKey
	KindCiphertext
)

func (k Kind) String() string {
	switch k {
	case KindPublicKey:
		return "public-key"
	case KindSecretKey:
		return "secret-key"
	case KindRelinKey:
		return "relin-key"
	case KindCiphertext:
		return "ciphertext"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Envelope binds a serialized lattigo object to the parameter set and key generation it was
// produced under.
type Envelope struct {
	Kind        Kind
	Fingerprint Fingerprint
	KeyID       [16]byte
	Payload     []byte
}

// Seal serializes the envelope.
func Seal(e Envelope) []byte {
	var buf bytes.Buffer
	buf.Grow(headerSize + len(e.Payload))
	buf.WriteString(envelopeMagic)
	buf.WriteByte(EnvelopeVersion)
	buf.WriteByte(byte(e.Kind))
	buf.Write(e.Fingerprint[:])
	buf.Write(e.KeyID[:])
	buf.Write(e.Payload)
	return buf.Bytes()
}

// Open parses an envelope, requiring the given kind and the local fingerprint.
func Open(data []byte, kind Kind, local Fingerprint) (*Envelope, error) {
	if len(data) > MaxEnvelopeSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrMalformedEnvelope, len(data), MaxEnvelopeSize)
	}
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedEnvelope, len(data))
	}
	if string(data[:len(envelopeMagic)]) != envelopeMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrMalformedEnvelope)
	}
	off := len(envelopeMagic)
	if v := data[off]; v != EnvelopeVersion {
		return nil, fmt.Errorf("%w: version %d", ErrMalformedEnvelope, v)
	}
	off++
	if k := Kind(data[off]); k != kind {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrMalformedEnvelope, k, kind)
	}
	off++

	e := &Envelope{Kind: kind}
	copy(e.Fingerprint[:], data[off:off+len(e.Fingerprint)])
	off += len(e.Fingerprint)
	copy(e.KeyID[:], data[off:off+len(e.KeyID)])
	off += len(e.KeyID)

	if err := Check(local, e.Fingerprint); err != nil {
		return nil, fmt.Errorf("open %s: %w", kind, err)
	}

	e.Payload = append([]byte(nil), data[off:]...)
	return e, nil
}
