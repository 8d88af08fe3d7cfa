// Command benchmark measures the precision and latency of the encrypted weighted sum over a
// set of credit-risk profiles and parameter sets.
package main

import (
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/z3rotig4r/ckks_linear/fixedpoint"
	"github.com/z3rotig4r/ckks_linear/inference"
	"github.com/z3rotig4r/ckks_linear/keys"
	"github.com/z3rotig4r/ckks_linear/model"
	"github.com/z3rotig4r/ckks_linear/params"
)

var separator = strings.Repeat("=", 78)

// Logistic regression logit over five credit features.
var creditModel = model.Parameters{
	Weights: []float64{-0.2501752295, 0.0137090654, 0.0123900347, -0.0426762083, 0.0062886554},
	Bias:    -1.4136778933,
}

type profile struct {
	Name     string
	Features []float64 // [age, loan_to_income, debt_to_income, credit_amount, income]
}

var profiles = []profile{
	{"Low Risk Customer", []float64{0.45, 0.15, 0.20, 0.5, 0.8}},
	{"Medium Risk Customer", []float64{0.30, 0.35, 0.45, 1.2, 0.5}},
	{"High Risk Customer", []float64{0.25, 0.55, 0.60, 2.0, 0.35}},
	{"Very Low Risk", []float64{0.55, 0.10, 0.15, 0.3, 1.0}},
	{"Boundary Case", []float64{0.35, 0.30, 0.35, 0.8, 0.6}},
	{"Edge: High Logit", []float64{5.0, 3.5, 5.0, 0.0, 8.0}},
	{"Edge: Low Logit", []float64{0.1, 0.1, 0.1, 5.0, 0.1}},
}

type metrics struct {
	Name      string
	Expected  float64
	Encrypted float64
	AbsError  float64
	Level     int
	LogScale  float64
	Elapsed   time.Duration
}

func descriptors() []params.Descriptor {
	ref := params.Default()

	wide := params.Default()
	wide.LogN = 14
	wide.LogDefaultScale = 35
	wide.LogQ = []int{60, 45, 45}

	return []params.Descriptor{ref, wide}
}

func main() {
	for _, d := range descriptors() {
		if err := benchmark(d); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	}
}

func benchmark(d params.Descriptor) error {
	p, err := d.Build()
	if err != nil {
		return err
	}

	fmt.Println("\n" + separator)
	fmt.Printf("NOISE BENCHMARK  LogN=%d  LogQ=%v  LogP=%v  scale=2^%d\n", d.LogN, d.LogQ, d.LogP, d.LogDefaultScale)
	fmt.Printf("MaxLevel=%d  MaxSlots=%d  params=%s\n", p.MaxLevel(), p.MaxSlots(), params.Identify(p).Short())
	fmt.Println(separator)

	start := time.Now()
	km := keys.Generate(p)
	fmt.Printf("Key generation: %v\n", time.Since(start))

	eval := inference.NewEvaluator(p, fixedpoint.DefaultScale)

	results := make([]metrics, 0, len(profiles))
	for _, pr := range profiles {
		start := time.Now()
		res, err := eval.Evaluate(km, &creditModel, pr.Features)
		if err != nil {
			return fmt.Errorf("%s: %w", pr.Name, err)
		}
		expected := inference.Plain(&creditModel, pr.Features, fixedpoint.DefaultScale)
		results = append(results, metrics{
			Name:      pr.Name,
			Expected:  expected,
			Encrypted: res.Score,
			AbsError:  math.Abs(expected - res.Score),
			Level:     res.Output.Level(),
			LogScale:  math.Log2(res.Output.Scale.Float64()),
			Elapsed:   time.Since(start),
		})
	}

	printSummary(results)
	return nil
}

func printSummary(results []metrics) {
	fmt.Printf("\n%-22s | %14s | %14s | %10s | %5s | %7s | %10s\n",
		"Profile", "Expected", "Encrypted", "Abs error", "Level", "Scale", "Time")
	fmt.Println(strings.Repeat("-", 100))

	var total, worst float64
	for _, m := range results {
		fmt.Printf("%-22s | %14.10f | %14.10f | %10.3e | %5d | 2^%5.1f | %10v\n",
			m.Name, m.Expected, m.Encrypted, m.AbsError, m.Level, m.LogScale, m.Elapsed.Round(time.Microsecond))
		total += m.AbsError
		worst = math.Max(worst, m.AbsError)
	}

	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("Mean absolute error: %.3e\n", total/float64(len(results)))
	fmt.Printf("Max absolute error:  %.3e\n", worst)
	if worst < 1e-3 {
		fmt.Println("All profiles within 1e-3 of the plaintext logit.")
	} else {
		fmt.Println("WARNING: precision target 1e-3 missed.")
	}
}
