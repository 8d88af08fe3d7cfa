package model

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeModel(t *testing.T, weights, bias string) *FileSource {
	t.Helper()
	dir := t.TempDir()
	src := &FileSource{
		WeightsPath: filepath.Join(dir, "weights.txt"),
		BiasPath:    filepath.Join(dir, "bias.txt"),
	}
	if weights != "" {
		require.NoError(t, os.WriteFile(src.WeightsPath, []byte(weights), 0600))
	}
	if bias != "" {
		require.NoError(t, os.WriteFile(src.BiasPath, []byte(bias), 0600))
	}
	return src
}

func TestFileSource(t *testing.T) {
	ctx := context.Background()

	t.Run("whitespace delimited", func(t *testing.T) {
		src := writeModel(t, "0.5 0.25\n0.125\t0.0625\n", "0.1\n")
		p, err := src.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, []float64{0.5, 0.25, 0.125, 0.0625}, p.Weights)
		assert.Equal(t, 0.1, p.Bias)
	})

	t.Run("missing weights", func(t *testing.T) {
		src := writeModel(t, "", "0.1")
		_, err := src.Load(ctx)
		assert.ErrorIs(t, err, ErrModelFileMissing)
	})

	t.Run("missing bias", func(t *testing.T) {
		src := writeModel(t, "1 2", "")
		_, err := src.Load(ctx)
		assert.ErrorIs(t, err, ErrModelFileMissing)
	})

	t.Run("garbage", func(t *testing.T) {
		src := writeModel(t, "1 two", "0")
		_, err := src.Load(ctx)
		assert.ErrorIs(t, err, ErrInvalidModel)

		src = writeModel(t, "   \n", "0")
		_, err = src.Load(ctx)
		assert.ErrorIs(t, err, ErrInvalidModel)
	})

	t.Run("non-finite", func(t *testing.T) {
		src := writeModel(t, "0.1 NaN", "0")
		_, err := src.Load(ctx)
		assert.ErrorIs(t, err, ErrInvalidModel)

		src = writeModel(t, "0.1 0.2", "-Inf")
		_, err = src.Load(ctx)
		assert.ErrorIs(t, err, ErrInvalidModel)
	})

	t.Run("reloaded every call", func(t *testing.T) {
		src := writeModel(t, "1", "0")
		p, err := src.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, []float64{1}, p.Weights)

		require.NoError(t, os.WriteFile(src.WeightsPath, []byte("2 3"), 0600))
		p, err = src.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, []float64{2, 3}, p.Weights)
	})
}

func TestStaticCopies(t *testing.T) {
	s := &Static{Weights: []float64{1, 2}, Bias: 3}
	p, err := s.Load(context.Background())
	require.NoError(t, err)
	p.Weights[0] = 9
	assert.Equal(t, 1.0, s.Weights[0])
}

func TestSQLSource(t *testing.T) {
	dsn := os.Getenv("CKKS_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("CKKS_TEST_MYSQL_DSN not set")
	}

	ctx := context.Background()
	db, err := OpenMySQL(ctx, dsn)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, EnsureSchema(ctx, db))

	src := &SQLSource{DB: db, Model: "test-" + t.Name()}
	_, err = src.Load(ctx)
	assert.ErrorIs(t, err, ErrModelFileMissing)

	want := &Parameters{Weights: []float64{0.3, 0.2, 0.4, 0.1}, Bias: 0.05}
	require.NoError(t, src.Save(ctx, want))

	got, err := src.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
