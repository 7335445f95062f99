package features

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// fallbackFeatures returns [mean, std, max, min, meanAbs] of x. The standard
// deviation is the population one. x must be non-empty.
func fallbackFeatures(x []float64) []float64 {
	mean, std := stat.PopMeanStdDev(x, nil)

	abs := make([]float64, len(x))
	for i, v := range x {
		abs[i] = math.Abs(v)
	}
	return []float64{mean, std, floats.Max(x), floats.Min(x), stat.Mean(abs, nil)}
}
