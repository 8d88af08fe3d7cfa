// Package model loads the plaintext linear model the server evaluates against.
package model

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
)

var (
	// ErrModelFileMissing means the weights or bias could not be found. The request that
	// triggered the load is dropped; the server keeps running.
	ErrModelFileMissing = errors.New("model parameters missing")
	ErrInvalidModel     = errors.New("invalid model parameters")
)

// Parameters is a linear model: score = Weights·x + Bias.
type Parameters struct {
	Weights []float64
	Bias    float64
}

// Source provides the model. Implementations are read on every request, with no caching,
// so a model update takes effect on the next cycle.
type Source interface {
	Load(ctx context.Context) (*Parameters, error)
}

// FileSource reads whitespace-delimited weights and a single-decimal bias from two files.
type FileSource struct {
	WeightsPath string
	BiasPath    string
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func readFile(path, what string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s file %s", ErrModelFileMissing, what, path)
		}
		return "", fmt.Errorf("read %s file: %w", what, err)
	}
	return string(data), nil
}

// ParseWeights reads whitespace-delimited decimals.
func ParseWeights(s string) ([]float64, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: no weights", ErrInvalidModel)
	}
	weights := make([]float64, len(fields))
	for i, f := range fields {
		w, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: weight %d: %v", ErrInvalidModel, i, err)
		}
		if !finite(w) {
			return nil, fmt.Errorf("%w: weight %d is %v", ErrInvalidModel, i, w)
		}
		weights[i] = w
	}
	return weights, nil
}

// ParseBias reads the first whitespace-delimited decimal.
func ParseBias(s string) (float64, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0, fmt.Errorf("%w: no bias", ErrInvalidModel)
	}
	b, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bias: %v", ErrInvalidModel, err)
	}
	if !finite(b) {
		return 0, fmt.Errorf("%w: bias is %v", ErrInvalidModel, b)
	}
	return b, nil
}

func (s *FileSource) Load(ctx context.Context) (*Parameters, error) {
	ws, err := readFile(s.WeightsPath, "weights")
	if err != nil {
		return nil, err
	}
	bs, err := readFile(s.BiasPath, "bias")
	if err != nil {
		return nil, err
	}

	weights, err := ParseWeights(ws)
	if err != nil {
		return nil, err
	}
	bias, err := ParseBias(bs)
	if err != nil {
		return nil, err
	}
	return &Parameters{Weights: weights, Bias: bias}, nil
}

// Static serves a fixed model. Used by the benchmark and tests.
type Static Parameters

func (s *Static) Load(ctx context.Context) (*Parameters, error) {
	p := Parameters{Weights: append([]float64(nil), s.Weights...), Bias: s.Bias}
	return &p, nil
}
