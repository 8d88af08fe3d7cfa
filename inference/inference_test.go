package inference

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/ckks"

	"github.com/z3rotig4r/ckks_linear/fixedpoint"
	"github.com/z3rotig4r/ckks_linear/keys"
	"github.com/z3rotig4r/ckks_linear/model"
	"github.com/z3rotig4r/ckks_linear/params"
)

func setup(t *testing.T) (*Evaluator, *keys.Material) {
	t.Helper()
	p, err := params.Default().Build()
	require.NoError(t, err)
	return NewEvaluator(p, fixedpoint.DefaultScale), keys.Generate(p)
}

func TestReferenceScore(t *testing.T) {
	e, km := setup(t)
	m := &model.Parameters{Weights: []float64{0.1, 0.2, 0.3, 0.4}, Bias: 0.05}

	res, err := e.Evaluate(km, m, []float64{0.5, 0.5, 0.5, 0.5})
	require.NoError(t, err)
	assert.InDelta(t, 0.55, res.Score, 1e-3)

	p := e.Params()
	assert.Equal(t, p.MaxLevel(), res.Input.Level())
	assert.Equal(t, 0, res.Input.Scale.Cmp(p.DefaultScale()))

	// One plaintext multiplication, no rescale: the level is kept and the scale squares.
	assert.Equal(t, res.Input.Level(), res.Output.Level())
	assert.InDelta(t, float64(2*p.LogDefaultScale()), math.Log2(res.Output.Scale.Float64()), 1e-9)
}

func TestEncryptedMatchesPlain(t *testing.T) {
	e, km := setup(t)
	rng := rand.New(rand.NewSource(7))

	for _, n := range []int{1, 4, 13, 64} {
		m := &model.Parameters{Weights: make([]float64, n), Bias: rng.Float64()*2 - 1}
		x := make([]float64, n)
		for i := range x {
			m.Weights[i] = rng.Float64()*2 - 1
			x[i] = rng.Float64()
		}

		res, err := e.Evaluate(km, m, x)
		require.NoError(t, err)
		assert.InDelta(t, Plain(m, x, fixedpoint.DefaultScale), res.Score, 1e-3, "n=%d", n)
	}
}

func TestInputSizeMismatch(t *testing.T) {
	e, km := setup(t)
	m := &model.Parameters{Weights: []float64{0.1, 0.2, 0.3, 0.4}, Bias: 0.05}

	_, err := e.Evaluate(km, m, []float64{0.5, 0.5, 0.5})
	assert.ErrorIs(t, err, ErrInputSizeMismatch)

	_, err = e.Encrypt(km.Public, make([]float64, e.Params().MaxSlots()+1))
	assert.ErrorIs(t, err, ErrInputSizeMismatch)
}

func TestValueOutOfRange(t *testing.T) {
	e, km := setup(t)
	m := &model.Parameters{Weights: []float64{0.1, 0.2, 0.3, 0.4}, Bias: 0.05}

	for _, bad := range []float64{math.NaN(), math.Inf(1), math.Inf(-1), 1e15} {
		_, err := e.Evaluate(km, m, []float64{bad, 0.5, 0.5, 0.5})
		assert.ErrorIs(t, err, ErrValueOutOfRange, "%v", bad)
		assert.ErrorIs(t, err, fixedpoint.ErrOutOfRange, "%v", bad)
	}

	ct, err := e.Encrypt(km.Public, []float64{0.5, 0.5, 0.5, 0.5})
	require.NoError(t, err)
	_, err = e.Apply(km, ct, &model.Parameters{Weights: []float64{0.1, math.NaN(), 0.3, 0.4}})
	assert.ErrorIs(t, err, ErrValueOutOfRange)
	_, err = e.Apply(km, ct, &model.Parameters{Weights: m.Weights, Bias: math.Inf(-1)})
	assert.ErrorIs(t, err, ErrValueOutOfRange)
}

func TestCheckOperands(t *testing.T) {
	e, km := setup(t)
	p := e.Params()

	ct, err := e.Encrypt(km.Public, []float64{0.5})
	require.NoError(t, err)

	t.Run("level", func(t *testing.T) {
		pt := ckks.NewPlaintext(p, ct.Level()-1)
		pt.Scale = ct.Scale
		assert.ErrorIs(t, CheckOperands(ct, pt), ErrLevelMismatch)
	})

	t.Run("scale", func(t *testing.T) {
		pt := ckks.NewPlaintext(p, ct.Level())
		pt.Scale = ct.Scale.Mul(rlwe.NewScale(2))
		assert.ErrorIs(t, CheckOperands(ct, pt), ErrScaleMismatch)

		// Adding a bias encoded at the pre-multiply scale into a product is refused.
		eval := ckks.NewEvaluator(p, nil)
		prod, err := eval.MulNew(ct, ct)
		require.NoError(t, err)
		stale := ckks.NewPlaintext(p, prod.Level())
		stale.Scale = ct.Scale
		assert.ErrorIs(t, e.AddPlain(eval, prod, stale), ErrScaleMismatch)
	})

	t.Run("matching", func(t *testing.T) {
		pt := ckks.NewPlaintext(p, ct.Level())
		pt.Scale = ct.Scale
		assert.NoError(t, CheckOperands(ct, pt))
	})
}

func TestKeyRotation(t *testing.T) {
	e, oldKeys := setup(t)
	newKeys := keys.Generate(e.Params())
	m := &model.Parameters{Weights: []float64{0.1, 0.2, 0.3, 0.4}, Bias: 0.05}
	x := []float64{0.5, 0.5, 0.5, 0.5}

	stale, err := e.Encrypt(oldKeys.Public, x)
	require.NoError(t, err)
	out, err := e.Apply(newKeys, stale, m)
	require.NoError(t, err)

	got, err := e.Aggregate(newKeys.Secret, out, len(x))
	require.NoError(t, err)
	assert.Greater(t, math.Abs(got-0.55), 1.0, "stale ciphertext decrypted under the rotated key")

	res, err := e.Evaluate(newKeys, m, x)
	require.NoError(t, err)
	assert.InDelta(t, 0.55, res.Score, 1e-3)
}

func BenchmarkEvaluate(b *testing.B) {
	p, err := params.Default().Build()
	require.NoError(b, err)
	e := NewEvaluator(p, fixedpoint.DefaultScale)
	km := keys.Generate(p)
	m := &model.Parameters{Weights: []float64{0.1, 0.2, 0.3, 0.4}, Bias: 0.05}
	x := []float64{0.5, 0.5, 0.5, 0.5}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := e.Evaluate(km, m, x); err != nil {
			b.Fatal(err)
		}
	}
}
