// Package keys generates the CKKS key set on the client, publishes it to the channel and
// loads it back on the server.
package keys

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/ckks"
	uuid "gopkg.in/satori/go.uuid.v1"

	"github.com/z3rotig4r/ckks_linear/channel"
	"github.com/z3rotig4r/ckks_linear/params"
)

// ErrMissingKeyMaterial is returned while any key record is absent, unreadable, or belongs
// to a different generation than the others. It is transient: the client may still be
// writing.
var ErrMissingKeyMaterial = errors.New("key material missing or incomplete")

// Material is one key generation. Public, Secret and Relin share ID.
type Material struct {
	ID          uuid.UUID
	Fingerprint params.Fingerprint
	Public      *rlwe.PublicKey
	Secret      *rlwe.SecretKey
	Relin       *rlwe.RelinearizationKey
}

// Generate creates a fresh key set under p.
func Generate(p ckks.Parameters) *Material {
	kgen := rlwe.NewKeyGenerator(p)
	sk := kgen.GenSecretKeyNew()
	pk := kgen.GenPublicKeyNew(sk)
	rlk := kgen.GenRelinearizationKeyNew(sk)

	return &Material{
		ID:          uuid.NewV1(),
		Fingerprint: params.Identify(p),
		Public:      pk,
		Secret:      sk,
		Relin:       rlk,
	}
}

type binaryCodec interface {
	MarshalBinary() ([]byte, error)
	UnmarshalBinary([]byte) error
}

// artifacts lists the key records in publication order.
var artifacts = []struct {
	name string
	kind params.Kind
}{
	{channel.PublicKey, params.KindPublicKey},
	{channel.SecretKey, params.KindSecretKey},
	{channel.RelinKeys, params.KindRelinKey},
}

func (m *Material) object(k params.Kind) binaryCodec {
	switch k {
	case params.KindPublicKey:
		return m.Public
	case params.KindSecretKey:
		return m.Secret
	default:
		return m.Relin
	}
}

// Provisioner publishes the parameter descriptor and a fresh key set.
type Provisioner struct {
	Store      channel.Store
	Descriptor params.Descriptor
	Log        *log.Logger
}

// Provision generates keys and writes params, pk, sk, rlk in that order. Each record is
// published atomically by the store.
func (p *Provisioner) Provision(ctx context.Context) (*Material, error) {
	logger := p.Log
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	ckksParams, err := p.Descriptor.Build()
	if err != nil {
		return nil, err
	}

	logger.Printf("Generating keys (N=%d, logQP=%.0f, levels=%d)",
		ckksParams.N(), ckksParams.LogQP(), ckksParams.MaxLevel()+1)
	m := Generate(ckksParams)

	published, err := json.MarshalIndent(params.Published{
		Descriptor:  p.Descriptor,
		Fingerprint: m.Fingerprint.String(),
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}

	id := m.ID.String()
	if _, err := p.Store.Put(ctx, channel.Record{Name: channel.Params, ID: id, Payload: published}); err != nil {
		return nil, fmt.Errorf("publish params: %w", err)
	}

	for _, kr := range artifacts {
		raw, err := m.object(kr.kind).MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", kr.kind, err)
		}
		sealed := params.Seal(params.Envelope{
			Kind:        kr.kind,
			Fingerprint: m.Fingerprint,
			KeyID:       [16]byte(m.ID),
			Payload:     raw,
		})
		if _, err := p.Store.Put(ctx, channel.Record{Name: kr.name, ID: id, Payload: sealed}); err != nil {
			return nil, fmt.Errorf("publish %s: %w", kr.name, err)
		}
	}

	logger.Printf("Keys %s published (params %s)", id, m.Fingerprint.Short())
	return m, nil
}

// Load reads the key set back. A fingerprint that differs from p's is a configuration error
// (params.ErrParameterMismatch); anything absent or inconsistent is ErrMissingKeyMaterial.
func Load(ctx context.Context, store channel.Store, p ckks.Parameters) (*Material, error) {
	local := params.Identify(p)
	m := &Material{
		Fingerprint: local,
		Public:      new(rlwe.PublicKey),
		Secret:      new(rlwe.SecretKey),
		Relin:       new(rlwe.RelinearizationKey),
	}

	for i, tg := range artifacts {
		rec, err := store.Get(ctx, tg.name)
		if err != nil {
			if errors.Is(err, channel.ErrNotFound) || errors.Is(err, channel.ErrMalformedRecord) {
				return nil, fmt.Errorf("%w: %s: %v", ErrMissingKeyMaterial, tg.name, err)
			}
			return nil, fmt.Errorf("read %s: %w", tg.name, err)
		}

		env, err := params.Open(rec.Payload, tg.kind, local)
		if err != nil {
			if errors.Is(err, params.ErrParameterMismatch) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %s: %v", ErrMissingKeyMaterial, tg.name, err)
		}

		id := uuid.UUID(env.KeyID)
		if i == 0 {
			m.ID = id
		} else if id != m.ID {
			return nil, fmt.Errorf("%w: %s belongs to %s, expected %s",
				ErrMissingKeyMaterial, tg.name, id, m.ID)
		}

		if err := m.object(tg.kind).UnmarshalBinary(env.Payload); err != nil {
			return nil, fmt.Errorf("%w: decode %s: %v", ErrMissingKeyMaterial, tg.name, err)
		}
	}

	return m, nil
}

// ReadPublished decodes the params record.
func ReadPublished(ctx context.Context, store channel.Store) (*params.Published, error) {
	rec, err := store.Get(ctx, channel.Params)
	if err != nil {
		return nil, fmt.Errorf("read params: %w", err)
	}
	var pub params.Published
	if err := json.Unmarshal(rec.Payload, &pub); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	return &pub, nil
}
