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

	"github.com/strainsight/straincall/fasta"
	"github.com/strainsight/straincall/reads"
	"github.com/strainsight/straincall/vcf"
)

// A haplotype is one candidate local sequence over the padded span of
// an active region, with its alignment back to the reference.
type haplotype struct {
	isRef    bool
	bases    string
	location int32
	events   []*vcf.Variant
	cigar    []reads.CigarOperation
	score    float64
}

func makeReferenceHaplotype(bases string, location int32) *haplotype {
	return &haplotype{
		bases:    bases,
		location: location,
		cigar:    []reads.CigarOperation{{Length: int32(len(bases)), Operation: 'M'}},
		isRef:    true,
		score:    math.NaN(),
	}
}

// A kmerSequence is a quality-gated stretch of read or reference bases
// that feeds kmers into the assembly graph.
type kmerSequence struct {
	bases       string
	start, stop int32
	isRef       bool
}

func (c *Caller) baseUseableForAssembly(base, qual byte) bool {
	return base != 'N' && qual >= c.cfg.MinBaseQual
}

// addSequencesForKmers appends the maximal runs of useable bases of a
// read that are long enough to contribute at least one kmer.
func (c *Caller) addSequencesForKmers(sequences []kmerSequence, r *reads.Read, kmerSize int32) []kmerSequence {
	runStart := int32(-1)
	flush := func(runEnd int32) {
		if runStart >= 0 && runEnd-runStart >= kmerSize {
			sequences = append(sequences, kmerSequence{bases: r.SEQ, start: runStart, stop: runEnd})
		}
		runStart = -1
	}
	for i := int32(0); i < int32(len(r.SEQ)); i++ {
		if !c.baseUseableForAssembly(r.SEQ[i], r.QUAL[i]) {
			flush(i)
		} else if runStart < 0 {
			runStart = i
		}
	}
	flush(int32(len(r.SEQ)))
	return sequences
}

func makeSequenceForKmersFromReference(sequence string, kmerSize int32) kmerSequence {
	return kmerSequence{
		bases: sequence,
		stop:  int32(len(sequence)),
		isRef: true,
	}
}

func (region *region) referenceBases() string {
	span := region.reference[region.paddedStart()-1 : region.paddedEnd()]
	normalized := make([]byte, len(span))
	for i, b := range span {
		normalized[i] = fasta.ToUpperAndN(b)
	}
	return string(normalized)
}

func haplotypeSetContains(set []*haplotype, bases string) bool {
	for _, h := range set {
		if h.bases == bases {
			return true
		}
	}
	return false
}

func pathTooDivergent(cigar []reads.CigarOperation) bool {
	for _, op := range cigar {
		if op.Operation == 'N' {
			return true
		}
	}
	return false
}

const minHaplotypeReferenceLength = 30

// addBestHaplotypes turns the best source-to-sink paths of a cleaned
// sequence graph into haplotypes with cigars against the reference.
// The second result is false when the path search ran out of budget.
func (c *Caller) addBestHaplotypes(g *assemblyGraph, result []*haplotype, referenceHaplotype *haplotype, paddedReferenceBases string, regionStart int32) ([]*haplotype, bool) {
	paths, complete := g.findBestHaplotypePaths(c.cfg.MaxHaplotypes, c.cfg.PathSearchBudget)
	if !complete {
		return result, false
	}
	for _, path := range paths {
		bases := g.pathBases(path)
		if haplotypeSetContains(result, bases) {
			continue
		}
		cigar := calculateCigar(referenceHaplotype.bases, bases, paddedReferenceBases, softclip)
		if len(cigar) == 0 || pathTooDivergent(cigar) || reads.ReferenceLengthFromCigar(cigar) < minHaplotypeReferenceLength {
			continue
		}
		result = append(result, &haplotype{
			bases:    bases,
			score:    path.score,
			cigar:    cigar,
			location: regionStart,
		})
	}
	return result, true
}

// kmerLadder returns the configured kmer sizes for a technology.
func (c *Caller) kmerLadder(tech reads.Technology) []int32 {
	if tech == reads.Long {
		return c.cfg.LongKmerSizes
	}
	return c.cfg.ShortKmerSizes
}

// assembleTechnology builds assembly graphs for the reads of one
// technology, walking its kmer ladder until a usable graph appears.
// When the configured sizes all fail, larger sizes are tried before a
// final permissive attempt. The returned flag is false when a path
// search exceeded its budget.
func (c *Caller) assembleTechnology(rs []*reads.Read, kmerSizes []int32, result []*haplotype, referenceHaplotype *haplotype, referenceBases, paddedReferenceBases string, paddedStart int32) ([]*haplotype, bool) {
	withinBudget := true

	tryKmerSize := func(kmerSize int32, lastAttempt bool) bool {
		if !lastAttempt && nonUniqueKmersExist(referenceBases, kmerSize) {
			return false
		}
		g := newAssemblyGraph(kmerSize)
		sourceKmer := referenceBases[:kmerSize]
		seqs := []kmerSequence{makeSequenceForKmersFromReference(referenceBases, kmerSize)}
		for _, r := range rs {
			seqs = c.addSequencesForKmers(seqs, r, kmerSize)
		}
		g.initializeNonUniqueKmers(seqs, kmerSize)
		for _, seq := range seqs {
			uniqueStart := g.findStartOfKmers(seq)
			if uniqueStart == -1 {
				continue
			}
			vertex := g.getKmerVertex(seq, uniqueStart)
			g.increaseCountsMatchedKmers(seq, vertex)
			for i, end := uniqueStart+1, seq.stop-kmerSize; i <= end; i++ {
				vertex = g.extendChainByOne(sourceKmer, vertex, seq, i)
			}
		}
		if g.vertexCount() == 0 {
			return false
		}

		g.pruneChainsWithLowWeight()

		if g.hasCycle() {
			return false
		}
		if !lastAttempt && g.isLowComplexity() {
			return false
		}
		g.recoverDanglingTails()
		g.recoverDanglingHeads(kmerSize)
		g.removePathsNotConnectedToReference()
		g.convertToSequenceGraph()
		g.cleanSequenceGraph()
		var complete bool
		result, complete = c.addBestHaplotypes(g, result, referenceHaplotype, paddedReferenceBases, paddedStart)
		if !complete {
			withinBudget = false
		}
		return true
	}

	refTooShort := func(kmerSize int32) bool {
		return int32(len(referenceBases)) < kmerSize
	}

	var graphSeen bool

	for _, kmerSize := range kmerSizes {
		if refTooShort(kmerSize) {
			return result, withinBudget
		}
		if tryKmerSize(kmerSize, false) {
			graphSeen = true
		}
	}

	if graphSeen {
		return result, withinBudget
	}

	kmerSize := kmerSizes[len(kmerSizes)-1] + 10

	for attempt := 1; attempt < 6; attempt++ {
		if refTooShort(kmerSize) {
			return result, withinBudget
		}
		if tryKmerSize(kmerSize, false) {
			return result, withinBudget
		}
		kmerSize += 10
	}

	if refTooShort(kmerSize) {
		return result, withinBudget
	}
	tryKmerSize(kmerSize, true)
	return result, withinBudget
}

// assembleRegion reassembles the reads of an active region into
// candidate haplotypes. Short and long reads are assembled separately
// with their own kmer ladders; the haplotype sets are merged with the
// shared reference haplotype first. When a path search blows its
// budget the region degrades to the reference haplotype alone and the
// second result reports the fallback.
func (c *Caller) assembleRegion(region *region) ([]*haplotype, bool) {
	refBases := region.referenceBases()
	swRefBases := swPad + refBases + swPad
	spanStart := region.paddedStart()
	refHaplotype := makeReferenceHaplotype(refBases, spanStart)
	result := []*haplotype{refHaplotype}

	var short, long []*reads.Read
	for _, r := range region.rs {
		if r.Tech == reads.Long {
			long = append(long, r)
		} else {
			short = append(short, r)
		}
	}

	withinBudget := true
	if len(short) > 0 {
		var ok bool
		result, ok = c.assembleTechnology(short, c.kmerLadder(reads.Short), result, refHaplotype, refBases, swRefBases, spanStart)
		withinBudget = withinBudget && ok
	}
	if len(long) > 0 {
		var ok bool
		result, ok = c.assembleTechnology(long, c.kmerLadder(reads.Long), result, refHaplotype, refBases, swRefBases, spanStart)
		withinBudget = withinBudget && ok
	}

	if !withinBudget {
		return []*haplotype{refHaplotype}, false
	}
	return capHaplotypes(result, c.cfg.MaxHaplotypes), true
}

// capHaplotypes bounds the candidate pool, dropping the haplotypes
// with the weakest path support first. Reference haplotypes are never
// dropped; short and long read candidates compete on support alone.
func capHaplotypes(haplotypes []*haplotype, limit int) []*haplotype {
	if len(haplotypes) <= limit {
		return haplotypes
	}
	sort.SliceStable(haplotypes, func(i, j int) bool {
		hi, hj := haplotypes[i], haplotypes[j]
		if hi.isRef != hj.isRef {
			return hi.isRef
		}
		return hi.score > hj.score
	})
	return haplotypes[:limit]
}
