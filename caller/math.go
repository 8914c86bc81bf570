// straincall: local-reassembly variant calling for within-species
// strain-level sequencing data.
// Copyright (c) 2026 the straincall authors.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.

package caller

import (
	"math"
)

// All likelihood arithmetic in this package happens in log10 space.
const (
	log10One      = 0.0
	log10Ploidy   = 0.3010299956639812  // log10(2)
	log10OneThird = -0.47712125471966244
)

func log10(x float64) float64 {
	return math.Log10(x)
}

// Phred quality lookup tables, indexed by raw quality score.
var (
	qualToErrorProb      [256]float64
	qualToErrorProbLog10 [256]float64
	qualToProbLog10      [256]float64
)

// The Jacobian logarithm table approximates log10(10^a+10^b) without
// calling into math for every pair-HMM cell.
const (
	jacobianLogTableStep    = 0.0001
	jacobianLogTableInvStep = 1.0 / jacobianLogTableStep
	maxJacobianTolerance    = 8.0
)

var jacobianLogTable []float64

// gaussianKernel smooths raw activity probabilities over neighboring
// positions before thresholding.
var gaussianKernel []float64

func init() {
	for q := 0; q < 256; q++ {
		errorProb := math.Pow(10.0, float64(q)/-10.0)
		qualToErrorProb[q] = errorProb
		qualToErrorProbLog10[q] = float64(q) / -10.0
		qualToProbLog10[q] = log10OneMinusPow10(float64(q) / -10.0)
	}

	jacobianLogTable = make([]float64, int(maxJacobianTolerance/jacobianLogTableStep)+1)
	for i := range jacobianLogTable {
		jacobianLogTable[i] = math.Log10(1.0 + math.Pow(10.0, -float64(i)*jacobianLogTableStep))
	}

	const sigma = 17.0
	const maxFilterSize = 50
	filterSize := maxFilterSize
	for i := 1; i <= maxFilterSize; i++ {
		if math.Exp(-float64(i*i)/(2*sigma*sigma)) < 0.01 {
			filterSize = i - 1
			break
		}
	}
	gaussianKernel = make([]float64, 2*filterSize+1)
	var sum float64
	for i := range gaussianKernel {
		d := float64(i - filterSize)
		gaussianKernel[i] = math.Exp(-d * d / (2 * sigma * sigma))
		sum += gaussianKernel[i]
	}
	for i := range gaussianKernel {
		gaussianKernel[i] /= sum
	}
}

// log10OneMinusPow10 computes log10(1-10^x) without losing precision
// for x close to 0.
func log10OneMinusPow10(x float64) float64 {
	if x > -1 {
		return math.Log10(-math.Expm1(x * math.Ln10))
	}
	return math.Log1p(-math.Pow(10.0, x)) / math.Ln10
}

// approximateLog10SumLog10 computes log10(10^a+10^b) using the
// precomputed Jacobian table.
func approximateLog10SumLog10(a, b float64) float64 {
	if a > b {
		a, b = b, a
	}
	if math.IsInf(a, -1) {
		return b
	}
	diff := b - a
	if diff >= maxJacobianTolerance {
		return b
	}
	return b + jacobianLogTable[int(math.Round(diff*jacobianLogTableInvStep))]
}

func approximateLog10SumLog10Slice(values []float64) float64 {
	if len(values) == 0 {
		return math.Inf(-1)
	}
	result := values[0]
	for _, v := range values[1:] {
		result = approximateLog10SumLog10(result, v)
	}
	return result
}

// log10SumLog10 is the exact version, used where the genotyping math
// normalizes posteriors.
func log10SumLog10(a, b float64) float64 {
	lo, hi := a, b
	if lo > hi {
		lo, hi = hi, lo
	}
	return hi + math.Log10(1.0+math.Pow(10.0, lo-hi))
}

func log10SumLog10Slice(values []float64) float64 {
	if len(values) == 0 {
		return math.Inf(-1)
	}
	best, bestIndex := values[0], 0
	for i, v := range values[1:] {
		if v > best {
			best, bestIndex = v, i+1
		}
	}
	if math.IsInf(best, -1) {
		return best
	}
	sum := 1.0
	for i, v := range values {
		if i != bestIndex && !math.IsInf(v, -1) {
			sum += math.Pow(10.0, v-best)
		}
	}
	return best + math.Log10(sum)
}

func log10Gamma(x float64) float64 {
	lg, _ := math.Lgamma(x)
	return lg / math.Ln10
}

// maxInt exists so it can be passed as a reduce function.
func maxInt(x, y int) int {
	if x > y {
		return x
	}
	return y
}

func minInt(x, y int) int {
	if x < y {
		return x
	}
	return y
}

type runningAverage struct {
	mean  float64
	count float64
}

func (r runningAverage) add(value float64) runningAverage {
	r.count++
	r.mean += (value - r.mean) / r.count
	return r
}
