// Package inference evaluates a linear model over an encrypted feature vector with one
// plaintext multiplication and one plaintext addition, with no rescaling.
//
// Features are quantized to integers by the fixed-point scale and packed one per slot.
// Weights are scaled by the same factor and multiplied slot-wise; the bias, scaled by the
// square of the factor, rides in slot zero. After decryption the first N slots sum to
// (W·X + b) times the squared factor.
package inference

import (
	"errors"
	"fmt"
	"math"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/ckks"

	"github.com/z3rotig4r/ckks_linear/fixedpoint"
	"github.com/z3rotig4r/ckks_linear/keys"
	"github.com/z3rotig4r/ckks_linear/model"
)

var (
	ErrInputSizeMismatch = errors.New("input size does not match model")
	ErrScaleMismatch     = errors.New("plaintext scale does not match ciphertext")
	ErrLevelMismatch     = errors.New("plaintext level does not match ciphertext")
	ErrValueOutOfRange   = errors.New("value out of encodable range")
)

// Result is the outcome of one evaluation.
type Result struct {
	Score float64
	// Input is the freshly encrypted feature vector, Output the ciphertext after the
	// weighted sum and bias.
	Input  *rlwe.Ciphertext
	Output *rlwe.Ciphertext
}

// Evaluator runs the encrypted weighted sum under fixed parameters. It is not safe for
// concurrent use.
type Evaluator struct {
	params  ckks.Parameters
	encoder *ckks.Encoder
	scale   int64
}

// NewEvaluator returns an evaluator quantizing with the given fixed-point scale.
func NewEvaluator(params ckks.Parameters, scale int64) *Evaluator {
	if scale <= 0 {
		scale = fixedpoint.DefaultScale
	}
	return &Evaluator{
		params:  params,
		encoder: ckks.NewEncoder(params),
		scale:   scale,
	}
}

// Params returns the CKKS parameters.
func (e *Evaluator) Params() ckks.Parameters {
	return e.params
}

func (e *Evaluator) checkWidth(n int) error {
	if n == 0 {
		return fmt.Errorf("%w: empty vector", ErrInputSizeMismatch)
	}
	if n > e.params.MaxSlots() {
		return fmt.Errorf("%w: %d values exceed %d slots", ErrInputSizeMismatch, n, e.params.MaxSlots())
	}
	return nil
}

func (e *Evaluator) slots(values []float64) []complex128 {
	out := make([]complex128, e.params.MaxSlots())
	for i, v := range values {
		out[i] = complex(v, 0)
	}
	return out
}

// encodeAt encodes values at exactly the level and scale of ct.
func (e *Evaluator) encodeAt(values []float64, ct *rlwe.Ciphertext) (*rlwe.Plaintext, error) {
	pt := ckks.NewPlaintext(e.params, ct.Level())
	pt.Scale = ct.Scale
	if err := e.encoder.Encode(e.slots(values), pt); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return pt, nil
}

// CheckOperands fails unless pt sits at the level and scale of ct. The evaluator would
// otherwise realign mismatched operands silently.
func CheckOperands(ct *rlwe.Ciphertext, pt *rlwe.Plaintext) error {
	if ct.Level() != pt.Level() {
		return fmt.Errorf("%w: ciphertext level %d, plaintext level %d", ErrLevelMismatch, ct.Level(), pt.Level())
	}
	if ct.Scale.Cmp(pt.Scale) != 0 {
		return fmt.Errorf("%w: ciphertext 2^%.2f, plaintext 2^%.2f",
			ErrScaleMismatch, math.Log2(ct.Scale.Float64()), math.Log2(pt.Scale.Float64()))
	}
	return nil
}

// Encrypt quantizes features and encrypts them at the top level and default scale.
func (e *Evaluator) Encrypt(pk *rlwe.PublicKey, features []float64) (*rlwe.Ciphertext, error) {
	if err := e.checkWidth(len(features)); err != nil {
		return nil, err
	}
	if err := fixedpoint.CheckVector(features, e.scale); err != nil {
		return nil, fmt.Errorf("%w: feature %w", ErrValueOutOfRange, err)
	}

	q := fixedpoint.QuantizeVector(features, e.scale)
	values := make([]float64, len(q))
	for i, v := range q {
		values[i] = float64(v)
	}

	pt := ckks.NewPlaintext(e.params, e.params.MaxLevel())
	pt.Scale = e.params.DefaultScale()
	if err := e.encoder.Encode(e.slots(values), pt); err != nil {
		return nil, fmt.Errorf("encode features: %w", err)
	}

	ct, err := rlwe.NewEncryptor(e.params, pk).EncryptNew(pt)
	if err != nil {
		return nil, fmt.Errorf("encrypt features: %w", err)
	}
	return ct, nil
}

// Apply computes ct*W + b homomorphically. The weight plaintext is encoded at the
// ciphertext's level and scale; the bias plaintext at the product's.
func (e *Evaluator) Apply(km *keys.Material, ct *rlwe.Ciphertext, m *model.Parameters) (*rlwe.Ciphertext, error) {
	if err := e.checkWidth(len(m.Weights)); err != nil {
		return nil, err
	}
	if err := fixedpoint.CheckVector(m.Weights, e.scale); err != nil {
		return nil, fmt.Errorf("%w: weight %w", ErrValueOutOfRange, err)
	}
	if err := fixedpoint.Check(m.Bias, e.scale); err != nil {
		return nil, fmt.Errorf("%w: bias: %w", ErrValueOutOfRange, err)
	}

	eval := ckks.NewEvaluator(e.params, rlwe.NewMemEvaluationKeySet(km.Relin))

	weights, err := e.encodeAt(fixedpoint.ScaleVector(m.Weights, e.scale), ct)
	if err != nil {
		return nil, fmt.Errorf("weights: %w", err)
	}
	if err := CheckOperands(ct, weights); err != nil {
		return nil, err
	}

	out, err := eval.MulNew(ct, weights)
	if err != nil {
		return nil, fmt.Errorf("multiply weights: %w", err)
	}

	bias := make([]float64, len(m.Weights))
	bias[0] = m.Bias * fixedpoint.Compound(e.scale)
	biasPt, err := e.encodeAt(bias, out)
	if err != nil {
		return nil, fmt.Errorf("bias: %w", err)
	}
	if err := e.AddPlain(eval, out, biasPt); err != nil {
		return nil, err
	}
	return out, nil
}

// AddPlain adds pt into ct after checking both operands agree on level and scale.
func (e *Evaluator) AddPlain(eval *ckks.Evaluator, ct *rlwe.Ciphertext, pt *rlwe.Plaintext) error {
	if err := CheckOperands(ct, pt); err != nil {
		return err
	}
	if err := eval.Add(ct, pt, ct); err != nil {
		return fmt.Errorf("add: %w", err)
	}
	return nil
}

// Aggregate decrypts ct, sums the first n slots and removes the compound fixed-point scale.
func (e *Evaluator) Aggregate(sk *rlwe.SecretKey, ct *rlwe.Ciphertext, n int) (float64, error) {
	if err := e.checkWidth(n); err != nil {
		return 0, err
	}

	pt := rlwe.NewDecryptor(e.params, sk).DecryptNew(ct)
	values := make([]complex128, e.params.MaxSlots())
	if err := e.encoder.Decode(pt, values); err != nil {
		return 0, fmt.Errorf("decode: %w", err)
	}

	var sum float64
	for _, v := range values[:n] {
		sum += real(v)
	}
	return sum / fixedpoint.Compound(e.scale), nil
}

// Evaluate runs the full pipeline: size check, encrypt, weighted sum with bias, decrypt.
func (e *Evaluator) Evaluate(km *keys.Material, m *model.Parameters, features []float64) (*Result, error) {
	if len(features) != len(m.Weights) {
		return nil, fmt.Errorf("%w: %d values, model has %d weights",
			ErrInputSizeMismatch, len(features), len(m.Weights))
	}

	in, err := e.Encrypt(km.Public, features)
	if err != nil {
		return nil, err
	}

	out, err := e.Apply(km, in, m)
	if err != nil {
		return nil, err
	}

	score, err := e.Aggregate(km.Secret, out, len(m.Weights))
	if err != nil {
		return nil, err
	}
	return &Result{Score: score, Input: in, Output: out}, nil
}

// Plain computes W·X + b on the quantized inputs, the value Evaluate approximates.
func Plain(m *model.Parameters, features []float64, scale int64) float64 {
	sum := m.Bias
	for i, w := range m.Weights {
		sum += w * fixedpoint.Snap(features[i], scale)
	}
	return sum
}
