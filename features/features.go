// Package features reads, writes and normalizes the plaintext feature vectors exchanged
// over the channel.
package features

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/z3rotig4r/ckks_linear/fixedpoint"
)

var (
	ErrRangeCount = errors.New("feature range count mismatch")
	ErrNotFinite  = errors.New("value is not finite")
)

// Skipped is an input line that could not be parsed as a number.
type Skipped struct {
	Line int
	Text string
	Err  error
}

func (s Skipped) String() string {
	return fmt.Sprintf("line %d %q: %v", s.Line, s.Text, s.Err)
}

// Parse reads one decimal per line. Blank lines are ignored; lines that do not parse, or
// parse to NaN or an infinity, are returned in skipped and do not abort the read.
func Parse(r io.Reader) (values []float64, skipped []Skipped, err error) {
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		v, perr := strconv.ParseFloat(text, 64)
		if perr != nil {
			skipped = append(skipped, Skipped{Line: line, Text: text, Err: perr})
			continue
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			skipped = append(skipped, Skipped{Line: line, Text: text, Err: ErrNotFinite})
			continue
		}
		values = append(values, v)
	}
	if err := sc.Err(); err != nil {
		return nil, nil, fmt.Errorf("scan features: %w", err)
	}
	return values, skipped, nil
}

// Format writes the values on the fixed-point grid of scale, newline-delimited.
func Format(values []float64, scale int64) []byte {
	digits := 0
	for s := scale; s > 1; s /= 10 {
		digits++
	}

	var buf bytes.Buffer
	for i, v := range values {
		if i > 0 {
			buf.WriteByte('\n')
		}
		buf.WriteString(strconv.FormatFloat(fixedpoint.Snap(v, scale), 'f', digits, 64))
	}
	return buf.Bytes()
}

// Range is the [Min, Max] interval a raw feature is scaled from.
type Range struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// HeartRanges are the training ranges of the reference model
// (age, resting blood pressure, cholesterol, max heart rate).
var HeartRanges = []Range{
	{Min: 29, Max: 77},
	{Min: 94, Max: 200},
	{Min: 126, Max: 564},
	{Min: 71, Max: 202},
}

// Normalize applies min-max scaling (x-min)/(max-min) per feature.
func Normalize(values []float64, ranges []Range) ([]float64, error) {
	if len(values) != len(ranges) {
		return nil, fmt.Errorf("%w: %d values, %d ranges", ErrRangeCount, len(values), len(ranges))
	}
	out := make([]float64, len(values))
	for i, v := range values {
		r := ranges[i]
		if r.Max == r.Min {
			return nil, fmt.Errorf("feature %d: empty range [%v, %v]", i, r.Min, r.Max)
		}
		out[i] = (v - r.Min) / (r.Max - r.Min)
	}
	return out, nil
}
