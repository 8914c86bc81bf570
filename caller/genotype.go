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

	"github.com/strainsight/straincall/reads"
	"github.com/strainsight/straincall/utils"
	"github.com/strainsight/straincall/vcf"
)

// INFO and FORMAT entries written by the genotyper.
var (
	AN    = utils.Intern("AN")
	AC    = utils.Intern("AC")
	AF    = utils.Intern("AF")
	MLEAC = utils.Intern("MLEAC")
	MLEAF = utils.Intern("MLEAF")

	rawMQandDP = utils.Intern("RAW_MQandDP")
)

const genotypeQualCap = 99

// readAlleleLikelihoods is the per-allele reduction of the read by
// haplotype likelihood matrix at one site.
type readAlleleLikelihoods struct {
	alleles []string
	rs      []*reads.Read
	values  map[string][]float64
}

// readOverlapsSpan reports whether the aligned span of a read touches
// [start, end]. Written out both ways because a fully clipped read can
// end before it starts.
func readOverlapsSpan(read *reads.Read, start, end int32) bool {
	readStart, readEnd := read.POS, read.End()
	if start >= readStart && start <= readEnd {
		return true
	}
	if end >= readStart && end <= readEnd {
		return true
	}
	return readStart >= start && readEnd <= end
}

// marginalize reduces haplotype likelihoods to allele likelihoods by
// taking, for each read and allele, the maximum likelihood over the
// haplotypes carrying that allele. Reads that do not overlap
// [start, stop] are dropped.
func marginalize(likelihoods readLikelihoods, mapper *alleleMap, start, stop int32) (result readAlleleLikelihoods) {
	result.alleles = mapper.alleles
	result.rs = make([]*reads.Read, 0, len(likelihoods.rs))
	result.values = make(map[string][]float64, len(mapper.alleles))
	kept := make([]int, 0, len(likelihoods.rs))
	for r, read := range likelihoods.rs {
		if readOverlapsSpan(read, start, stop) {
			kept = append(kept, r)
			result.rs = append(result.rs, read)
		}
	}
	for _, allele := range mapper.alleles {
		marginal := make([]float64, len(kept))
		for i := range marginal {
			marginal[i] = math.Inf(-1)
		}
		for _, h := range mapper.haplotypes[allele] {
			perHaplotype := likelihoods.values[h]
			for i, r := range kept {
				if v := perHaplotype[r]; v > marginal[i] {
					marginal[i] = v
				}
			}
		}
		result.values[allele] = marginal
	}
	return
}

// forEachAltGenotype visits every diploid genotype with at least one
// alt allele, in the canonical VCF genotype order. The three callbacks
// receive ref/alt pairs, hom-alt pairs, and alt/alt pairs in turn,
// together with the flat genotype index.
func forEachAltGenotype(ref string, alt []string, refAlt, homAlt func(index int, allele string), altAlt func(index int, allele0, allele1 string)) {
	next := 1
	for j, a := range alt {
		refAlt(next, a)
		next++
		for _, b := range alt[:j] {
			altAlt(next, b, a)
			next++
		}
		homAlt(next, a)
		next++
	}
}

func ignoreSingleGenotype(int, string) {}
func ignorePairGenotype(int, string, string) {}

// homozygousLikelihood sums the log10 likelihoods of the reads given
// two copies of the same allele.
func homozygousLikelihood(lks []float64) float64 {
	var gl float64
	for _, l := range lks {
		gl += l + log10Ploidy
	}
	return gl
}

// heterozygousLikelihood sums, per read, the log10 likelihood of the
// read coming from either of two different alleles.
func heterozygousLikelihood(lks0, lks1 []float64) float64 {
	var gl float64
	for r := range lks0 {
		gl += approximateLog10SumLog10(lks0[r], lks1[r])
	}
	return gl
}

// findBestAlleles returns the allele pair of the most likely genotype
// and its flat index into the genotype likelihood vector.
func findBestAlleles(n int, gls []float64) (allele1, allele2, bestIndex int) {
	flat := 0
	best := math.Inf(-1)
	for j := 0; j < n; j++ {
		for i := 0; i <= j; i, flat = i+1, flat+1 {
			if gl := gls[flat]; gl > best {
				best, allele1, allele2, bestIndex = gl, i, j, flat
			}
		}
	}
	return
}

func alleleIn(allele string, alleles []string) bool {
	for _, a := range alleles {
		if a == allele {
			return true
		}
	}
	return false
}

// calculateGenotypeLikelihoods computes the diploid genotype
// likelihoods for a merged variant from the allele likelihoods, in
// VCF genotype order, normalized against the best genotype and
// phred-rounded.
func calculateGenotypeLikelihoods(variant *vcf.Variant, likelihoods readAlleleLikelihoods) (gls []float64, pls []interface{}) {
	denominator := float64(len(likelihoods.rs)) * log10Ploidy
	n := len(variant.Alt) + 1
	gls = make([]float64, (n*n+n)/2)

	refLikelihoods := likelihoods.values[variant.Ref]
	best := homozygousLikelihood(refLikelihoods) - denominator
	gls[0] = best
	record := func(gt int, gl float64) {
		if gl > best {
			best = gl
		}
		gls[gt] = gl
	}
	forEachAltGenotype(variant.Ref, variant.Alt,
		func(gt int, allele string) {
			record(gt, heterozygousLikelihood(refLikelihoods, likelihoods.values[allele])-denominator)
		},
		func(gt int, allele string) {
			record(gt, homozygousLikelihood(likelihoods.values[allele])-denominator)
		},
		func(gt int, first, second string) {
			record(gt, heterozygousLikelihood(likelihoods.values[first], likelihoods.values[second])-denominator)
		})

	pls = make([]interface{}, 0, len(gls))
	for i := range gls {
		if phred := -10 * (gls[i] - best); phred > math.MaxInt32 {
			pls = append(pls, int(math.MaxInt32))
			gls[i] = float64(math.MaxInt32) / -10
		} else {
			rounded := math.Round(phred)
			pls = append(pls, int(rounded))
			gls[i] = rounded / -10
		}
	}
	return gls, pls
}

// maxGenotypeCount bounds the genotype vectors of the frequency model
// after allele reduction.
const maxGenotypeCount = (8*8 + 8) / 2

// subsetAlleles selects the genotype likelihood entries that only use
// alleles from allelesSubset, renormalized against the best remaining
// genotype. A nil result means the subset is not informative.
func subsetAlleles(vc *vcf.Variant, gls []float64, allelesSubset []string) (plsSubset []interface{}, glsSubset []float64) {
	var buf [maxGenotypeCount]float64
	top := gls[0]
	buf[0] = top
	used := 1
	keepSingle := func(gt int, allele string) {
		if !alleleIn(allele, allelesSubset) {
			return
		}
		if gl := gls[gt]; gl > top {
			top = gl
		}
		buf[used] = gls[gt]
		used++
	}
	forEachAltGenotype(vc.Ref, vc.Alt,
		keepSingle,
		keepSingle,
		func(gt int, first, second string) {
			if !alleleIn(first, allelesSubset) || !alleleIn(second, allelesSubset) {
				return
			}
			if gl := gls[gt]; gl > top {
				top = gl
			}
			buf[used] = gls[gt]
			used++
		})

	var sum float64
	for i := 0; i < used; i++ {
		normalized := buf[i] - top
		sum += normalized
		buf[i] = normalized
	}
	if sum >= -0.1 {
		// all remaining genotypes are equally likely
		return nil, nil
	}
	plsSubset = make([]interface{}, used)
	for i := 0; i < used; i++ {
		if phred := -10 * buf[i]; phred > math.MaxInt32 {
			plsSubset[i] = int(math.MaxInt32)
		} else {
			plsSubset[i] = int(math.Round(phred))
		}
	}
	return plsSubset, buf[:used]
}

// A frequencyEstimate carries the variant-vs-no-variant posterior
// pair, the per-allele posterior of a zero allele count, and the
// maximum likelihood allele counts.
type frequencyEstimate struct {
	variantPosteriors [2]float64
	refLog10          map[string]float64
	mleCounts         []interface{}
}

const frequencyDummyPrior = -1e-10

var flatFrequencyEstimate = frequencyEstimate{
	refLog10: make(map[string]float64),
}

func init() {
	pair := [2]float64{frequencyDummyPrior, math.Inf(-1) + frequencyDummyPrior}
	norm := log10SumLog10(pair[0], pair[1])
	pair[0] -= norm
	pair[1] -= norm
	flatFrequencyEstimate.variantPosteriors = pair
}

var log10HetCombinationCount = log10Gamma(3) - log10Gamma(2) - log10Gamma(2)

// normalizeGenotypePosteriors fills posteriors with the genotype
// posteriors under the current allele frequencies, normalized in log10
// space.
func normalizeGenotypePosteriors(posteriors []float64, vc *vcf.Variant, alts []string, gls [maxGenotypeCount]float64, freqs map[string]float64) {
	refFrequency := freqs[vc.Ref]
	best := gls[0] + 2*refFrequency
	refWithAlt := log10HetCombinationCount + refFrequency
	posteriors[0] = best
	var bestIndex int
	record := func(gt int, value float64) {
		if value > best {
			best = value
			bestIndex = gt
		}
		posteriors[gt] = value
	}
	forEachAltGenotype(vc.Ref, alts,
		func(gt int, allele string) {
			record(gt, refWithAlt+gls[gt]+freqs[allele])
		},
		func(gt int, allele string) {
			record(gt, gls[gt]+2*freqs[allele])
		},
		func(gt int, first, second string) {
			record(gt, log10HetCombinationCount+gls[gt]+freqs[first]+freqs[second])
		})

	var norm float64
	if math.IsInf(best, -1) {
		norm = best
	} else {
		sum := 1.0
		for gt, value := range posteriors {
			if gt == bestIndex || math.IsInf(value, -1) {
				continue
			}
			sum += math.Pow(10, value-best)
		}
		norm = best + log10(sum)
	}
	for gt := range posteriors {
		posteriors[gt] -= norm
	}
}

// computeAlleleFrequency estimates the allele frequency posteriors at
// one site with an expectation maximization loop over the genotype
// likelihoods, seeded by the strain heterozygosity pseudocounts. The
// loop converges when no expected allele count moves by more than 0.1.
func (c *Caller) computeAlleleFrequency(vc *vcf.Variant, alts []string, pls []interface{}) frequencyEstimate {
	if len(pls) == 0 {
		estimate := flatFrequencyEstimate
		estimate.mleCounts = make([]interface{}, len(alts))
		for i := range alts {
			estimate.mleCounts[i] = int(0)
		}
		return estimate
	}

	alleleCount := len(alts) + 1
	priors := make([]float64, 0, alleleCount)
	priors = append(priors, c.refPseudocount)
	for _, a := range alts {
		switch {
		case len(a) <= 1 || isSymbolicAllele(a):
			priors = append(priors, c.indelPseudocount)
		default:
			priors = append(priors, c.snpPseudocount)
		}
	}

	var glBuf [maxGenotypeCount]float64
	for i := range pls {
		glBuf[i] = float64(pls[i].(int)) / -10
	}

	counts := make(map[string]float64)
	freshCounts := make(map[string]float64)
	freqs := make(map[string]float64, alleleCount)
	flat := -log10(float64(alleleCount))
	ref := vc.Ref
	freqs[ref] = flat
	for _, a := range alts {
		freqs[a] = flat
	}
	postBuf := make([]float64, len(pls))
	postPseudo := make([]float64, alleleCount)
	for {
		freshCounts[ref] = math.Inf(-1)
		for _, a := range alts {
			freshCounts[a] = math.Inf(-1)
		}
		normalizeGenotypePosteriors(postBuf, vc, alts, glBuf, freqs)
		freshCounts[ref] = log10SumLog10(freshCounts[ref], postBuf[0]+log10Ploidy)
		forEachAltGenotype(ref, alts,
			func(gt int, allele string) {
				oneCopy := postBuf[gt] + log10One
				freshCounts[ref] = log10SumLog10(freshCounts[ref], oneCopy)
				freshCounts[allele] = log10SumLog10(freshCounts[allele], oneCopy)
			},
			func(gt int, allele string) {
				freshCounts[allele] = log10SumLog10(freshCounts[allele], postBuf[gt]+log10Ploidy)
			},
			func(gt int, first, second string) {
				oneCopy := postBuf[gt] + log10One
				freshCounts[first] = log10SumLog10(freshCounts[first], oneCopy)
				freshCounts[second] = log10SumLog10(freshCounts[second], oneCopy)
			})
		for a, x := range freshCounts {
			freshCounts[a] = math.Pow(10, x)
		}

		refCount := freshCounts[ref]
		largestShift := math.Abs(counts[ref] - refCount)
		total := priors[0] + refCount
		postPseudo[0] = total
		for i, a := range alts {
			count := freshCounts[a]
			if shift := math.Abs(counts[a] - count); shift > largestShift {
				largestShift = shift
			}
			pseudocount := priors[i+1] + count
			total += pseudocount
			postPseudo[i+1] = pseudocount
		}
		counts, freshCounts = freshCounts, counts

		freqs[ref] = log10(postPseudo[0] / total)
		for i, a := range alts {
			freqs[a] = log10(postPseudo[i+1] / total)
		}

		if largestShift <= 0.1 {
			break
		}
	}

	// the final posteriors decide how plausible a variant-free site is;
	// spanning deletion genotypes count as variant-free here
	normalizeGenotypePosteriors(postBuf, vc, alts, glBuf, freqs)
	var noVariantLog10 float64
	var variantFree [2]float64
	variantFree[0] = postBuf[0]
	variantFreeCount := 1
	forEachAltGenotype(ref, alts, func(gt int, allele string) {
		if allele == "*" {
			variantFree[variantFreeCount] = postBuf[gt]
			variantFreeCount++
		}
	}, ignoreSingleGenotype, ignorePairGenotype)
	if variantFreeCount == 1 {
		noVariantLog10 = postBuf[0]
	} else {
		noVariantLog10 = math.Min(0, log10SumLog10(variantFree[0], variantFree[1]))
	}

	zeroCount := make(map[string]float64, len(alts))
	if alleleCount == 2 {
		zeroCount[alts[0]] = noVariantLog10
	} else {
		without := make(map[string][]float64)
		base := postBuf[0]
		for _, a := range alts {
			without[a] = append(without[a], base)
		}
		gatherSingle := func(gt int, allele string) {
			p := postBuf[gt]
			for _, a := range alts {
				if a != allele {
					without[a] = append(without[a], p)
				}
			}
		}
		forEachAltGenotype(ref, alts,
			gatherSingle,
			gatherSingle,
			func(gt int, first, second string) {
				p := postBuf[gt]
				for _, a := range alts {
					if a != first && a != second {
						without[a] = append(without[a], p)
					}
				}
			})
		for _, a := range alts {
			zeroCount[a] = math.Min(0, log10SumLog10Slice(without[a]))
		}
	}

	yesNo := [2]float64{
		noVariantLog10 + frequencyDummyPrior,
		log10OneMinusPow10(noVariantLog10) + frequencyDummyPrior,
	}
	norm := log10SumLog10(yesNo[0], yesNo[1])
	yesNo[0] -= norm
	yesNo[1] -= norm

	intCounts := make([]interface{}, len(alts))
	for i, a := range alts {
		intCounts[i] = int(int32(math.Round(counts[a])))
	}

	return frequencyEstimate{
		variantPosteriors: yesNo,
		refLog10:          zeroCount,
		mleCounts:         intCounts,
	}
}

type deletionSpan struct {
	start, end int32
}

// A deletionTracker remembers the deletion alleles already called in
// the region, so spanning deletion alleles at later sites can be
// checked against a real upstream deletion.
type deletionTracker struct {
	spans []deletionSpan
}

func (d *deletionTracker) add(start, end int32) {
	d.spans = append(d.spans, deletionSpan{start, end})
}

// covers reports whether a deletion starting upstream spans the
// variant's position, pruning spans that ended before it.
func (d *deletionTracker) covers(vc *vcf.Variant) bool {
	for i := 0; i < len(d.spans); {
		span := d.spans[i]
		switch {
		case span.end < vc.Pos:
			d.spans = append(d.spans[:i], d.spans[i+1:]...)
		case span.start != vc.Pos:
			return true
		default:
			i++
		}
	}
	return false
}

// computeOutputAlleles keeps the alleles whose zero-count posterior
// makes them plausible, and drops spanning deletion alleles not
// backed by an upstream deletion call.
func (c *Caller) computeOutputAlleles(merged *vcf.Variant, alts []string, estimate frequencyEstimate, deletions *deletionTracker) (kept []string, counts []interface{}, monomorphic bool) {
	monomorphic = true
	refLength := int32(len(merged.Ref))
	kept = make([]string, 0, len(alts))
	counts = make([]interface{}, 0, len(alts))
	for i, a := range alts {
		plausible := estimate.refLog10[a]+1.0e-10 < c.standardConfidenceForCallingByMin10
		spuriousSpanDel := a == "*" && !deletions.covers(merged)
		if !plausible || spuriousSpanDel {
			continue
		}
		monomorphic = false
		kept = append(kept, a)
		counts = append(counts, estimate.mleCounts[i])
		deletionLength := refLength
		if !isSymbolicAllele(a) {
			deletionLength -= int32(len(a))
		}
		if deletionLength > 0 {
			deletions.add(merged.Pos, merged.Pos+deletionLength)
		}
	}
	return kept, counts, monomorphic
}

// reduceToBestAlleles cuts the alt allele list down to the configured
// maximum, making sure the alleles of the most likely genotype stay.
func (c *Caller) reduceToBestAlleles(variant *vcf.Variant, gls []float64) []string {
	a1, a2, _ := findBestAlleles(len(variant.Alt)+1, gls)
	var bestAltCount, singleIndex int
	if a1 > 0 {
		bestAltCount = 1
		singleIndex = a1
	}
	if a2 > 0 && a1 != a2 {
		bestAltCount++
		singleIndex = a2
	}
	limit := c.cfg.MaxAltAlleles
	kept := make([]string, limit)
	copy(kept, variant.Alt)
	switch bestAltCount {
	case 1:
		if singleIndex--; singleIndex > limit-1 {
			kept[limit-1] = variant.Alt[singleIndex]
		}
	case 2:
		if a1, a2 = a1-1, a2-1; a1 > limit-2 {
			kept[limit-2] = variant.Alt[a1]
			kept[limit-1] = variant.Alt[a2]
		} else if a2 > limit-1 {
			kept[limit-1] = variant.Alt[a2]
		}
	}
	return kept
}

// calculateGenotypes turns the genotype likelihoods of a merged
// variant into a final call, or nil when the site is monomorphic or
// below the calling confidence. Every output sample gets a genotype
// computed from its own share of the allele likelihoods.
func (c *Caller) calculateGenotypes(variant *vcf.Variant, pls []interface{}, gls []float64, likelihoods readAlleleLikelihoods, deletions *deletionTracker) *vcf.Variant {
	if len(variant.Alt) >= 50 {
		return nil
	}

	alts := variant.Alt
	altPls := pls
	if len(alts) > c.cfg.MaxAltAlleles {
		alts = c.reduceToBestAlleles(variant, gls)
		altPls, _ = subsetAlleles(variant, gls, alts)
	}
	estimate := c.computeAlleleFrequency(variant, alts, altPls)
	siteAlts, counts, monomorphic := c.computeOutputAlleles(variant, alts, estimate, deletions)
	if monomorphic {
		return nil
	}
	if len(siteAlts) == 1 && siteAlts[0] == "*" {
		return nil
	}

	log10Confidence := estimate.variantPosteriors[0]
	phredConfidence := -10 * log10Confidence
	if phredConfidence == 0 && math.Signbit(phredConfidence) {
		phredConfidence = 0
	}
	if !(phredConfidence >= c.cfg.MinCallQual) {
		return nil
	}

	call := &vcf.Variant{
		Source: "straincall",
		Chrom:  variant.Chrom,
		Pos:    variant.Pos,
		ID:     emptyID,
		Ref:    variant.Ref,
		Alt:    siteAlts,
		Qual:   phredConfidence,
		Info:   variant.Info,
	}
	if len(siteAlts) == 0 {
		call.Alt = nil
		for range c.samples {
			call.GenotypeData = append(call.GenotypeData, vcf.Genotype{GT: noVariationGT})
		}
	} else {
		site := &vcf.Variant{Chrom: call.Chrom, Pos: call.Pos, Ref: call.Ref, Alt: siteAlts}
		for _, sample := range c.samples {
			call.GenotypeData = append(call.GenotypeData, genotypeSample(site, likelihoods, sample))
		}
	}

	if len(counts) > 0 {
		call.Info.Set(MLEAC, counts)
		mleFreqs := make([]interface{}, len(counts))
		var calledAlleles int
		for _, gt := range call.GenotypeData {
			for _, g := range gt.GT {
				if g != -1 {
					calledAlleles++
				}
			}
		}
		if calledAlleles == 0 {
			for i := range counts {
				mleFreqs[i] = math.NaN()
			}
		} else {
			divisor := float64(calledAlleles)
			for i, count := range counts {
				mleFreqs[i] = math.Min(1, float64(count.(int))/divisor)
			}
		}
		call.Info.Set(MLEAF, mleFreqs)
	}

	return call
}

// subsetReadsBySample keeps the likelihood columns of one sample's
// reads.
func subsetReadsBySample(lks readAlleleLikelihoods, sample string) (result readAlleleLikelihoods) {
	result.alleles = lks.alleles
	result.values = make(map[string][]float64, len(lks.alleles))
	kept := make([]int, 0, len(lks.rs))
	for i, r := range lks.rs {
		if sampleOf(r) == sample {
			kept = append(kept, i)
			result.rs = append(result.rs, r)
		}
	}
	for _, a := range lks.alleles {
		values := lks.values[a]
		sub := make([]float64, len(kept))
		for i, k := range kept {
			sub[i] = values[k]
		}
		result.values[a] = sub
	}
	return
}

// genotypeSample assigns the MAP genotype of one sample at a called
// site from the sample's share of the allele likelihoods. A sample
// without reads at the site, or whose genotypes are all about equally
// likely, gets a no-call.
func genotypeSample(site *vcf.Variant, likelihoods readAlleleLikelihoods, sample string) vcf.Genotype {
	sampleLks := subsetReadsBySample(likelihoods, sample)
	if len(sampleLks.rs) == 0 {
		return vcf.Genotype{GT: noCallGT}
	}
	gls, pls := calculateGenotypeLikelihoods(site, sampleLks)
	var sum float64
	for _, gl := range gls {
		sum += gl
	}
	if sum >= -0.1 {
		return vcf.Genotype{GT: noCallGT}
	}

	a1, a2, bestIndex := findBestAlleles(len(site.Alt)+1, gls)
	gt := vcf.Genotype{GT: []int32{int32(a1), int32(a2)}}
	gt.Data.Set(vcf.PL, pls)

	// genotype quality is the log10 odds against the runner-up
	runnerUp := math.Inf(-1)
	for i, gl := range gls {
		if i != bestIndex && gl >= runnerUp {
			runnerUp = gl
		}
	}
	odds := gls[bestIndex] - runnerUp
	gt.Data.Set(vcf.GQ, minInt(int(math.Round(odds*10)), genotypeQualCap))
	return gt
}

var (
	noCallGT      = []int32{-1, -1}
	noVariationGT = []int32{0, 0}
)

const log10InformativeThreshold = 0.2

// sampleDepths accumulates the informative-read evidence of one
// sample at a call site.
type sampleDepths struct {
	alleleDepths     map[string]int
	informativeDepth int
}

// annotateCall adds the site and sample depth annotations: AN/AC/AF
// aggregated over the sample genotypes, per-sample informative-read
// allele depths, and the raw mapping quality accumulator later turned
// into RMS MQ.
func (c *Caller) annotateCall(call *vcf.Variant, likelihoods readAlleleLikelihoods) {
	var an int
	for _, gt := range call.GenotypeData {
		for _, g := range gt.GT {
			if g >= 0 {
				an++
			}
		}
	}
	if an > 0 {
		var ac, af []interface{}
		for i := 1; i <= len(call.Alt); i++ {
			var count int
			for _, gt := range call.GenotypeData {
				for _, g := range gt.GT {
					if int(g) == i {
						count++
					}
				}
			}
			ac = append(ac, count)
			af = append(af, float64(count)/float64(an))
		}
		call.Info.Set(AN, an)
		call.Info.Set(AC, ac)
		call.Info.Set(AF, af)
	}

	perSample := make(map[string]*sampleDepths, len(c.samples))
	for _, sample := range c.samples {
		perSample[sample] = &sampleDepths{alleleDepths: make(map[string]int)}
	}
	var mqSquareSum, mqReads int

	for r, read := range likelihoods.rs {
		if mq := read.MAPQ; mq != 255 {
			mqSquareSum += int(mq) * int(mq)
			mqReads++
		}
		depths := perSample[sampleOf(read)]
		if depths == nil {
			continue
		}

		top, topLik := call.Ref, likelihoods.values[call.Ref][r]
		second, secondLik := "", math.Inf(-1)
		for _, a := range call.Alt {
			if lik := likelihoods.values[a][r]; lik > topLik {
				second, secondLik = top, topLik
				top, topLik = a, lik
			} else if lik > secondLik {
				second, secondLik = a, lik
			}
		}
		// near ties break toward the reference allele
		if topLik-secondLik < log10InformativeThreshold && top != call.Ref {
			if refLik := likelihoods.values[call.Ref][r]; topLik-refLik <= log10InformativeThreshold {
				second, secondLik = top, topLik
				top, topLik = call.Ref, refLik
			}
		}
		if second != "" && topLik-secondLik > log10InformativeThreshold {
			depths.informativeDepth++
			depths.alleleDepths[top]++
		}
	}

	if dp := len(likelihoods.rs); dp > 0 {
		call.Info.Set(vcf.DP, dp)
		call.Info.Set(rawMQandDP, []interface{}{mqSquareSum, mqReads})
	}
	for s, sample := range c.samples {
		gt := &call.GenotypeData[s]
		var called bool
		for _, g := range gt.GT {
			if g >= 0 {
				called = true
				break
			}
		}
		if !called {
			continue
		}
		depths := perSample[sample]
		ad := make([]interface{}, len(call.Alt)+1)
		ad[0] = depths.alleleDepths[call.Ref]
		for i, a := range call.Alt {
			ad[i+1] = depths.alleleDepths[a]
		}
		gt.Data.Set(vcf.AD, ad)
		gt.Data.Set(vcf.DP, depths.informativeDepth)
	}
}

// restrictToCallOverlap keeps only the reads that overlap the called
// span, and appends the filtered reads back in as uninformative
// evidence so depth reflects everything mapped across the site.
func restrictToCallOverlap(call *vcf.Variant, lks readAlleleLikelihoods, filtered []*reads.Read) readAlleleLikelihoods {
	callStart := call.Pos
	callEnd := call.End()
	for i := 0; i < len(lks.rs); {
		if readOverlapsSpan(lks.rs[i], callStart, callEnd) {
			i++
			continue
		}
		lks.rs = append(lks.rs[:i], lks.rs[i+1:]...)
		for _, a := range lks.alleles {
			values := lks.values[a]
			lks.values[a] = append(values[:i], values[i+1:]...)
		}
	}
	for _, read := range filtered {
		if readStart, readEnd := read.POS, read.End(); readStart <= callEnd && callStart <= readEnd {
			lks.rs = append(lks.rs, read)
			for _, a := range lks.alleles {
				lks.values[a] = append(lks.values[a], float64(0))
			}
		}
	}
	return lks
}

// reverseTrimAlleles removes common trailing bases shared by the
// reference and all alt alleles.
func reverseTrimAlleles(call *vcf.Variant) {
	ref := call.Ref
	cut := len(ref) - 1
	if cut < 1 {
		return
	}
	for _, a := range call.Alt {
		if isSymbolicAllele(a) {
			continue
		}
		for i := 0; i <= cut; i++ {
			if i == len(a) {
				cut = i - 1
				break
			}
			if a[len(a)-i-1] != ref[len(ref)-i-1] {
				cut = i
				break
			}
		}
		if cut < 1 {
			return
		}
	}
	call.Ref = ref[:len(ref)-cut]
	for i, a := range call.Alt {
		if !isSymbolicAllele(a) {
			call.Alt[i] = a[:len(a)-cut]
		}
	}
}

func symbolIn(key utils.Symbol, keys []utils.Symbol) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

// computeGenotypeFormat sorts the INFO and FORMAT payloads and derives
// the FORMAT key list over all samples, with GT first as the VCF spec
// requires. Samples missing a key format it as missing.
func computeGenotypeFormat(call *vcf.Variant) {
	info := call.Info
	sort.Slice(info, func(i, j int) bool {
		return *info[i].Key < *info[j].Key
	})
	var keys []utils.Symbol
	for g := range call.GenotypeData {
		data := call.GenotypeData[g].Data
		sort.Slice(data, func(i, j int) bool {
			return *data[i].Key < *data[j].Key
		})
		for _, entry := range data {
			if !symbolIn(entry.Key, keys) {
				keys = append(keys, entry.Key)
			}
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		return *keys[i] < *keys[j]
	})
	format := make([]utils.Symbol, 0, len(keys)+1)
	format = append(format, vcf.GT)
	call.GenotypeFormat = append(format, keys...)
}

// assignGenotypeLikelihoods walks the event start positions of a
// genotyping region and emits one call per site that passes the
// frequency model.
func (c *Caller) assignGenotypeLikelihoods(region *region, filteredReads []*reads.Read, haplotypes []*haplotype, likelihoods readLikelihoods) (calls []*vcf.Variant) {
	sites := decomposeHaplotypesIntoVariants(haplotypes, region)

	var deletions deletionTracker

	for _, loc := range sites {
		if loc > region.end || loc < region.start {
			continue
		}

		hits := getOverlappingEvents(loc, haplotypes)
		contexts := computeActiveVariantContexts(loc, haplotypes, hits, region.reference)
		if len(contexts) == 0 {
			continue
		}

		merged := makeMergedVariant(contexts)
		mapper := createAlleleMapper(merged, haplotypes, hits, loc)
		if len(mapper.alleles) > maxAcceptableAlleleCount {
			reduceAltAlleles(merged, mapper)
		}

		siteLks := marginalize(likelihoods, mapper, max(merged.Pos-2, 1), min(merged.End()+2, region.contigLength))
		if len(siteLks.rs) < c.cfg.MinCallDepth {
			continue
		}

		gls, pls := calculateGenotypeLikelihoods(merged, siteLks)
		call := c.calculateGenotypes(merged, pls, gls, siteLks, &deletions)
		if call == nil {
			continue
		}
		siteLks = restrictToCallOverlap(call, siteLks, filteredReads)
		c.annotateCall(call, siteLks)
		if n := len(call.Alt); n > 0 && n != len(merged.Alt) {
			reverseTrimAlleles(call)
		}
		calls = append(calls, call)
	}

	return calls
}
