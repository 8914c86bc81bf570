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
	"sort"

	"github.com/exascience/pargo/parallel"

	"github.com/strainsight/straincall/fasta"
	"github.com/strainsight/straincall/reads"
)

// referenceConfidence is the ref-vs-any genotyping evidence for one
// pileup, used to decide whether a position is active.
type referenceConfidence struct {
	genotypeLikelihoods [3]float64
	hqSoftClipsMean     float64
	refDepth            int
	nonRefDepth         int
}

func (c *Caller) refVsAnyLikelihoods(p *pileup, refBase byte) (result referenceConfidence) {
	var usable float64
	var clips runningAverage
	gl := &result.genotypeLikelihoods

	for _, element := range p.filteredElements {
		qual := byte(30)
		if element.op().Operation != 'D' {
			if qual = element.qual(); qual <= c.cfg.MinBaseQual {
				continue
			}
		}
		usable++
		refLik := qualToProbLog10[qual]
		altLik := float64(qual)/-10.0 + log10OneThird
		alt := isAltElement(element, refBase)
		if alt {
			refLik, altLik = altLik, refLik
			result.nonRefDepth++
		} else {
			result.refDepth++
		}
		gl[0] += refLik + log10Ploidy
		gl[1] += approximateLog10SumLog10(refLik+log10One, altLik+log10One)
		gl[2] += altLik + log10Ploidy
		if alt && isNextToSoftClip(element) {
			clips = clips.add(float64(element.nofHighQualitySoftClips))
		}
	}

	for i := range gl {
		gl[i] -= usable * log10Ploidy
	}
	result.hqSoftClipsMean = clips.mean
	return
}

// isActive computes the probability that a pileup shows real
// variation against the reference base, plus the mean number of
// high-quality soft clips of the alt-supporting reads.
func (c *Caller) isActive(p *pileup, refBase byte) (isActiveProb float64, hqSoftClipsMean float64) {
	if len(p.filteredElements) == 0 {
		return
	}

	confidence := c.refVsAnyLikelihoods(p, refBase)
	hqSoftClipsMean = confidence.hqSoftClipsMean
	gl := confidence.genotypeLikelihoods

	best := max(gl[0], gl[1], gl[2])
	for i, l := range gl {
		if scaled := -10 * (l - best); scaled > math.MaxInt32 {
			gl[i] = math.MaxInt32 / -10.0
		} else {
			gl[i] = math.Round(scaled) / -10.0
		}
	}

	refPosterior := gl[0] + c.log10Priors[0]

	for ac := 1; ac < len(c.log10Priors); ac++ {
		if c.log10Priors[ac]+gl[ac] <= refPosterior {
			continue
		}
		altPosterior := approximateLog10SumLog10(gl[1], gl[2]) + c.log10ACgt0Prior
		normalized := refPosterior - approximateLog10SumLog10(refPosterior, altPosterior)
		if normalized < c.standardConfidenceForActivityByMin10 {
			isActiveProb = 1.0 - math.Pow(10.0, normalized)
		}
		return
	}

	return
}

// bandPassProcessState spreads an activity state over neighboring
// positions with the Gaussian kernel.
func bandPassProcessState(states []float64, pos int32, state float64) {
	radius := int32(len(gaussianKernel) / 2)
	lo := max(pos-radius, 0)
	hi := min(pos+radius, int32(len(states))-1)
	for i := lo; i <= hi; i++ {
		states[i] += state * gaussianKernel[i-pos+radius]
	}
}

// Positions whose alt evidence carries many high-quality soft clips
// get their state amplified before smoothing, so nearby indel
// breakpoints end up inside an active region.
func (c *Caller) processState(states []float64, pos int32, state, hqSoftClipsMean float64) {
	if state <= 0 {
		return
	}
	if hqSoftClipsMean > averageHighQualitySoftClipsThreshold {
		amplify := min(int32(hqSoftClipsMean), c.maxProbPropagationDistance)
		state *= float64(2*amplify + 1)
	}
	bandPassProcessState(states, pos, state)
}

// A region is a stretch of one contig with the reads that overlap its
// padded span attached.
type region struct {
	contig       string
	reference    []byte
	rs           []*reads.Read
	start, end   int32 // 1-based, inclusive core interval
	padding      int32
	contigLength int32
	isActive     bool
}

func (region *region) paddedStart() int32 {
	return max(1, region.start-region.padding)
}

func (region *region) paddedEnd() int32 {
	return min(region.contigLength, region.end+region.padding)
}

func maxReferenceLength(rs []*reads.Read) (result int32) {
	for _, r := range rs {
		if l := reads.ReferenceLengthFromCigar(r.CIGAR); l > result {
			result = l
		}
	}
	return
}

// readsOverlapping selects the subslice of coordinate-sorted reads
// that can overlap [start, end]. maxRefLen bounds how far back a read
// start can be while still reaching start.
func readsOverlapping(rs []*reads.Read, start, end, maxRefLen int32) []*reads.Read {
	low := sort.Search(len(rs), func(index int) bool {
		return rs[index].POS >= start-maxRefLen
	})
	high := sort.Search(len(rs), func(index int) bool {
		return rs[index].POS > end
	})
	result := make([]*reads.Read, 0, high-low)
	for _, r := range rs[low:high] {
		if r.End() >= start {
			result = append(result, r)
		}
	}
	return result
}

// computeActivityStates runs the scanner over one contig: per-position
// activity probabilities from the pileups, smoothed by the band-pass
// filter. Raw probabilities are computed in parallel chunks; the
// smoothing pass is sequential because kernels overlap chunk bounds.
func (c *Caller) computeActivityStates(contig string, reference []byte, rs []*reads.Read, contigLength int32) []float64 {
	const chunkSize = 4096
	raw := make([]float64, contigLength)
	clips := make([]float64, contigLength)
	maxRefLen := maxReferenceLength(rs)

	chunks := (int(contigLength) + chunkSize - 1) / chunkSize
	parallel.Range(0, chunks, 0, func(lowChunk, highChunk int) {
		for chunk := lowChunk; chunk < highChunk; chunk++ {
			startLoc := int32(chunk*chunkSize) + 1
			stopLoc := min(startLoc+chunkSize, contigLength+1)
			startRead := sort.Search(len(rs), func(index int) bool {
				return rs[index].POS >= startLoc-maxRefLen
			})
			stopRead := sort.Search(len(rs), func(index int) bool {
				return rs[index].POS > stopLoc
			})
			forEachPileup(rs[startRead:stopRead], startLoc, stopLoc, func(p *pileup) {
				isActiveProb, hqSoftClipsMean := c.isActive(p, fasta.ToUpperAndN(reference[p.location-1]))
				raw[p.location-1] = isActiveProb
				clips[p.location-1] = hqSoftClipsMean
			})
		}
	})

	states := make([]float64, contigLength)
	for pos := int32(0); pos < contigLength; pos++ {
		c.processState(states, pos, raw[pos], clips[pos])
	}
	return states
}

// splitAtActivityMinimum picks a cut point for an oversized active
// region: the position of the smallest local activity minimum, or the
// full region when there is none.
func (c *Caller) splitAtActivityMinimum(states []float64, start, end, contigLength int32) int32 {
	cut := end - 1
	lowest := math.MaxFloat64
	top := cut
	if top == contigLength-1 {
		top--
	}
	for i := top; i >= start+c.cfg.MinRegionSize-1; i-- {
		if s := states[i]; s < lowest && s <= states[i+1] && s < states[i-1] {
			cut = i
			lowest = s
		}
	}
	return cut + 1
}

// computeRegions cuts the smoothed activity states of a contig into
// alternating active and inactive regions. Active stretches that hit
// the maximum size are split at a local activity minimum.
func (c *Caller) computeRegions(contig string, reference []byte, states []float64, contigLength int32) (regions []*region) {
	for start := int32(0); start < contigLength; {
		active := states[start] > c.cfg.ActiveProbThreshold
		limit := min(start+c.cfg.MaxRegionSize, contigLength)
		end := start + 1
		for end < limit && (states[end] > c.cfg.ActiveProbThreshold) == active {
			end++
		}
		if active && end == start+c.cfg.MaxRegionSize {
			end = c.splitAtActivityMinimum(states, start, end, contigLength)
		}
		regions = append(regions, &region{
			contig:       contig,
			reference:    reference,
			start:        start + 1,
			end:          end,
			padding:      c.cfg.Padding,
			contigLength: contigLength,
			isActive:     active,
		})
		start = end
	}
	return
}
