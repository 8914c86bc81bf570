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
	"strings"
	"sync"

	"github.com/exascience/pargo/parallel"

	"github.com/strainsight/straincall/reads"
)

// hmmMatrix is a flat row-major float64 matrix reused across pair HMM
// runs.
type hmmMatrix struct {
	cols  int
	cells []float64
}

func (m *hmmMatrix) reset(rows, cols int) {
	m.cols = cols
	size := rows * cols
	if size <= cap(m.cells) {
		m.cells = m.cells[:size]
		for i := range m.cells {
			m.cells[i] = 0
		}
	} else {
		m.cells = make([]float64, size)
	}
}

func (m *hmmMatrix) row(row int) []float64 {
	offset := row * m.cols
	return m.cells[offset : offset+m.cols]
}

// hmmScratch holds the three state matrices of one pair HMM run.
// Pooled because every read scores against every haplotype.
type hmmScratch struct {
	match, insertion, deletion hmmMatrix
}

var hmmScratchPool = sync.Pool{New: func() interface{} { return new(hmmScratch) }}

func (p *hmmScratch) reset(rows, cols int) {
	parallel.Do(
		func() { p.match.reset(rows, cols) },
		func() { p.insertion.reset(rows, cols) },
		func() { p.deletion.reset(rows, cols) },
	)
}

func modifiedQuality(r *reads.Read, index int) byte {
	qual := min(r.QUAL[index], r.MAPQ)
	if qual < 18 {
		return 6
	}
	return qual
}

func countPrefixRepeats(unit, s string) (n int) {
	for strings.HasPrefix(s, unit) {
		n++
		s = s[len(unit):]
	}
	return n
}

func countSuffixRepeats(unit, s string) (n int) {
	for strings.HasSuffix(s, unit) {
		n++
		s = s[:len(s)-len(unit)]
	}
	return n
}

const (
	maxRepeatLength = 20
	maxRepeatUnit   = 8
)

// findTandemRepeatUnits determines the tandem repeat context around a
// read offset, looking for repeat units of up to 8 bases in both
// directions. The repeat length saturates at 20.
func findTandemRepeatUnits(readBases string, offset int) (string, int) {
	end := offset + 1

	// smallest unit ending at the offset that repeats leftwards
	backwardUnit := readBases[offset:end]
	backwardCount := 0
	for size := 1; size <= maxRepeatUnit && size <= end; size++ {
		unit := readBases[end-size : end]
		backwardCount = countSuffixRepeats(unit, readBases[:end])
		if backwardCount > 1 {
			backwardUnit = unit
			break
		}
	}
	if end >= len(readBases) {
		return backwardUnit, min(backwardCount, maxRepeatLength)
	}

	// smallest unit starting after the offset that repeats rightwards
	forwardUnit := readBases[end : end+1]
	forwardCount := 0
	for size := 1; size <= maxRepeatUnit && end+size <= len(readBases); size++ {
		unit := readBases[end : end+size]
		forwardCount = countPrefixRepeats(unit, readBases[end:])
		if forwardCount > 1 {
			forwardUnit = unit
			break
		}
	}
	if forwardUnit != backwardUnit {
		backwardCount = countSuffixRepeats(forwardUnit, readBases[:end])
	}
	return forwardUnit, min(forwardCount+backwardCount, maxRepeatLength)
}

// An hmmModel holds the transition probabilities of the pair HMM for
// one sequencing technology. Gap opening grows more likely with the
// tandem repeat length at the current read offset; the tables are
// indexed by repeat length, with the last slot reserved for the final
// read base where no repeat context exists.
type hmmModel struct {
	indelToIndel, indelToMatch float64
	matchToMatch, matchToIndel [maxRepeatLength + 2]float64
	bandPadding                int
}

// newHMMModel derives the transition tables from a base gap open
// quality and a gap continuation quality. Repeats shorten the
// effective gap open quality exponentially, floored at 10.
func newHMMModel(gapOpenQual, gapContinuationQual float64, bandPadding int) (model hmmModel) {
	model.indelToIndel = math.Pow(10, gapContinuationQual/-10)
	model.indelToMatch = 1 - model.indelToIndel
	setSlot := func(slot int, qual float64) {
		p := math.Pow(10, qual/-10)
		model.matchToIndel[slot] = p
		model.matchToMatch[slot] = 1 - 2*p
	}
	for r := 0; r <= maxRepeatLength; r++ {
		setSlot(r, math.Max(10, math.Round(gapOpenQual-math.Exp(float64(r)/math.E)+1)))
	}
	setSlot(maxRepeatLength+1, gapOpenQual)
	model.bandPadding = bandPadding
	return
}

var (
	// Long reads carry far more indel errors, so their model opens
	// and extends gaps much more cheaply and searches a wider band.
	shortReadModel = newHMMModel(45, 10, 16)
	longReadModel  = newHMMModel(30, 5, 64)
)

func hmmModelForTechnology(tech reads.Technology) *hmmModel {
	if tech == reads.Long {
		return &longReadModel
	}
	return &shortReadModel
}

func (model *hmmModel) matchProbs(readBases string, index int) (matchToMatch, matchToIndel float64) {
	repeatLength := maxRepeatLength + 1
	if index < len(readBases)-1 {
		_, repeatLength = findTandemRepeatUnits(readBases, index)
	}
	return model.matchToMatch[repeatLength], model.matchToIndel[repeatLength]
}

var (
	initialCondition      = math.Pow(2, 1020)
	initialConditionLog10 = log10(initialCondition)
)

// readLikelihoods is the read by haplotype log10 likelihood matrix of
// one region. Filtered reads are removed from rs and from every value
// slice in lockstep, so indices stay aligned.
type readLikelihoods struct {
	rs     []*reads.Read
	values map[*haplotype][]float64
}

func (rl *readLikelihoods) removeRead(i int) {
	rl.rs = append(rl.rs[:i], rl.rs[i+1:]...)
	for h, values := range rl.values {
		rl.values[h] = append(values[:i], values[i+1:]...)
	}
}

type hmmBand struct {
	minShift, maxShift, padding int
}

func makeBand(readLength, haplotypeLength int, model *hmmModel) hmmBand {
	shift := haplotypeLength - readLength
	return hmmBand{
		minShift: min(shift, 0),
		maxShift: max(shift, 0),
		padding:  model.bandPadding,
	}
}

// row returns the inclusive 0-based haplotype index range considered
// for read base i.
func (b hmmBand) row(i, haplotypeLength int) (jLow, jHigh int) {
	jLow = max(0, i+b.minShift-b.padding)
	jHigh = min(haplotypeLength-1, i+b.maxShift+b.padding)
	return
}

func zeroRange(row []float64, low, high int) {
	high = min(high, len(row)-1)
	for j := low; j <= high; j++ {
		row[j] = 0
	}
}

// computeReadLikelihood runs the banded pair HMM for one read against
// one haplotype and returns the log10 likelihood. Cells outside the
// band are treated as zero probability; each row zeroes a guard
// margin around its band so stale values from earlier haplotypes
// cannot leak in.
func (c *Caller) computeReadLikelihood(p *hmmScratch, r *reads.Read, matchProbCache [][2]float64, h *haplotype) float64 {
	model := hmmModelForTechnology(r.Tech)
	readLength := len(r.QUAL)
	haplotypeLength := len(h.bases)
	band := makeBand(readLength, haplotypeLength, model)

	initialValue := initialCondition / float64(haplotypeLength)
	jLow0, jHigh0 := band.row(0, haplotypeLength)
	zeroRange(p.match.row(0), jLow0, jHigh0+2)
	zeroRange(p.insertion.row(0), jLow0, jHigh0+2)
	deletion0 := p.deletion.row(0)
	for j := jLow0; j <= min(jHigh0+2, haplotypeLength); j++ {
		deletion0[j] = initialValue
	}

	for i := 0; i < readLength; i++ {
		readBase := r.SEQ[i]
		qual := modifiedQuality(r, i)
		matchPrior := 1 - qualToErrorProb[qual]
		nonMatchPrior := qualToErrorProb[qual] / 3
		matchToMatch, matchToIndel := matchProbCache[i][0], matchProbCache[i][1]

		jLow, jHigh := band.row(i, haplotypeLength)

		matchAbove := p.match.row(i)
		matchHere := p.match.row(i + 1)
		insertionAbove := p.insertion.row(i)
		insertionHere := p.insertion.row(i + 1)
		deletionAbove := p.deletion.row(i)
		deletionHere := p.deletion.row(i + 1)

		zeroRange(matchHere, jLow, jHigh+2)
		zeroRange(insertionHere, jLow, jHigh+2)
		zeroRange(deletionHere, jLow, jHigh+2)

		for j := jLow; j <= jHigh; j++ {
			prior := nonMatchPrior
			if hapBase := h.bases[j]; readBase == hapBase || readBase == 'N' || hapBase == 'N' {
				prior = matchPrior
			}
			matchHere[j+1] = prior * (matchAbove[j]*matchToMatch +
				insertionAbove[j]*model.indelToMatch +
				deletionAbove[j]*model.indelToMatch)
			insertionHere[j+1] = matchAbove[j+1]*matchToIndel + insertionAbove[j+1]*model.indelToIndel
			deletionHere[j+1] = matchHere[j]*matchToIndel + deletionHere[j]*model.indelToIndel
		}
	}

	var sum float64
	jLow, jHigh := band.row(readLength-1, haplotypeLength)
	matchFinal := p.match.row(readLength)
	insertionFinal := p.insertion.row(readLength)
	for j := jLow + 1; j <= jHigh+1; j++ {
		sum += matchFinal[j] + insertionFinal[j]
	}
	if !(sum > 0) {
		return -initialConditionLog10
	}
	return log10(sum) - initialConditionLog10
}

func longestReadLength(rs []*reads.Read) int {
	return parallel.RangeReduceInt(0, len(rs), 0, func(low, high int) int {
		var longest int
		for i := low; i < high; i++ {
			longest = max(longest, len(rs[i].SEQ))
		}
		return longest
	}, maxInt)
}

func longestHaplotypeLength(haplotypes []*haplotype) int {
	return parallel.RangeReduceInt(0, len(haplotypes), 0, func(low, high int) int {
		var longest int
		for i := low; i < high; i++ {
			longest = max(longest, len(haplotypes[i].bases))
		}
		return longest
	}, maxInt)
}

// capMismappedReads caps per-read likelihoods from below relative to
// the best alt haplotype: reads trailing it by more than the score
// floor are probably mismapped, and capping their evidence keeps a
// single stray read from vetoing a genotype.
func (rl *readLikelihoods) capMismappedReads(haplotypes []*haplotype, scoreFloor float64) {
	for r := range rl.rs {
		bestAlt := math.Inf(-1)
		for _, h := range haplotypes {
			if !h.isRef {
				bestAlt = math.Max(bestAlt, rl.values[h][r])
			}
		}
		if math.IsInf(bestAlt, -1) {
			continue
		}
		floor := bestAlt + scoreFloor
		for _, h := range haplotypes {
			if values := rl.values[h]; values[r] < floor {
				values[r] = floor
			}
		}
	}
}

// dropPoorlyModeledReads removes reads that score badly against every
// haplotype: no plausible placement means the read belongs elsewhere.
func (rl *readLikelihoods) dropPoorlyModeledReads(haplotypes []*haplotype) {
nextRead:
	for i := 0; i < len(rl.rs); {
		maxErrors := math.Min(2, math.Ceil(float64(len(rl.rs[i].QUAL))*0.02))
		threshold := maxErrors * -4.0
		for _, h := range haplotypes {
			if rl.values[h][i] >= threshold {
				i++
				continue nextRead
			}
		}
		rl.removeRead(i)
	}
}

func (c *Caller) computeReadLikelihoods(haplotypes []*haplotype, rs []*reads.Read) readLikelihoods {
	var maxReadLength, maxHaplotypeLength int
	parallel.Do(
		func() { maxReadLength = longestReadLength(rs) },
		func() { maxHaplotypeLength = longestHaplotypeLength(haplotypes) },
	)
	result := readLikelihoods{
		rs:     rs,
		values: make(map[*haplotype][]float64, len(haplotypes)),
	}
	for _, h := range haplotypes {
		result.values[h] = make([]float64, len(rs))
	}

	parallel.Range(0, len(result.rs), len(result.rs), func(low, high int) {
		for readIndex := low; readIndex < high; readIndex++ {
			r := result.rs[readIndex]
			model := hmmModelForTechnology(r.Tech)
			matchProbCache := make([][2]float64, len(r.QUAL))
			for i := range r.QUAL {
				matchToMatch, matchToIndel := model.matchProbs(r.SEQ, i)
				matchProbCache[i] = [2]float64{matchToMatch, matchToIndel}
			}
			parallel.Range(0, len(haplotypes), len(haplotypes), func(low, high int) {
				p := hmmScratchPool.Get().(*hmmScratch)
				defer hmmScratchPool.Put(p)

				p.reset(maxReadLength+1, maxHaplotypeLength+1)

				for _, h := range haplotypes[low:high] {
					result.values[h][readIndex] = c.computeReadLikelihood(p, r, matchProbCache, h)
				}
			})
		}
	})

	if len(haplotypes) > 1 {
		result.capMismappedReads(haplotypes, c.cfg.ScoreFloor)
	}
	result.dropPoorlyModeledReads(haplotypes)

	return result
}
