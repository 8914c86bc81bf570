// straincall: local-reassembly variant calling for within-species
// strain-level sequencing data.
// Copyright (c) 2026 the straincall authors.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.

package caller

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strainsight/straincall/reads"
	"github.com/strainsight/straincall/vcf"
)

func TestForEachAltGenotypeOrder(t *testing.T) {
	var order []string
	forEachAltGenotype("A", []string{"T", "G"},
		func(index int, alt string) {
			order = append(order, fmt.Sprintf("%d:ref/%s", index, alt))
		},
		func(index int, alt string) {
			order = append(order, fmt.Sprintf("%d:%s/%s", index, alt, alt))
		},
		func(index int, alt1, alt2 string) {
			order = append(order, fmt.Sprintf("%d:%s/%s", index, alt1, alt2))
		})
	assert.Equal(t, []string{"1:ref/T", "2:T/T", "3:ref/G", "4:T/G", "5:G/G"}, order)
}

func TestFindBestAlleles(t *testing.T) {
	allele1, allele2, bestIndex := findBestAlleles(2, []float64{-2, 0, -1})
	assert.Equal(t, 0, allele1)
	assert.Equal(t, 1, allele2)
	assert.Equal(t, 1, bestIndex)

	allele1, allele2, bestIndex = findBestAlleles(3, []float64{-3, -2, -1, -4, -5, 0})
	assert.Equal(t, 2, allele1)
	assert.Equal(t, 2, allele2)
	assert.Equal(t, 5, bestIndex)
}

func TestMarginalize(t *testing.T) {
	h1 := &haplotype{bases: "A"}
	h2 := &haplotype{bases: "B"}
	h3 := &haplotype{bases: "C"}
	overlapping := &reads.Read{QNAME: "r1", POS: 95, CIGAR: cigarOf(t, "10M")}
	distant := &reads.Read{QNAME: "r2", POS: 500, CIGAR: cigarOf(t, "10M")}
	likelihoods := readLikelihoods{
		rs: []*reads.Read{overlapping, distant},
		values: map[*haplotype][]float64{
			h1: {-1, -10},
			h2: {-3, -10},
			h3: {-2, -10},
		},
	}
	mapper := &alleleMap{
		alleles: []string{"A", "T"},
		haplotypes: map[string][]*haplotype{
			"A": {h1},
			"T": {h2, h3},
		},
	}

	result := marginalize(likelihoods, mapper, 100, 100)
	require.Equal(t, []*reads.Read{overlapping}, result.rs, "reads not overlapping the site are dropped")
	assert.Equal(t, []float64{-1}, result.values["A"])
	assert.Equal(t, []float64{-2}, result.values["T"], "best likelihood over the haplotypes carrying the allele")
}

func TestCalculateGenotypeLikelihoods(t *testing.T) {
	variant := &vcf.Variant{Chrom: "ctg", Pos: 100, Ref: "A", Alt: []string{"T"}}
	rs := make([]*reads.Read, 4)
	for i := range rs {
		rs[i] = &reads.Read{QNAME: fmt.Sprintf("r%d", i)}
	}
	likelihoods := readAlleleLikelihoods{
		alleles: []string{"A", "T"},
		rs:      rs,
		values: map[string][]float64{
			"A": {0, 0, -5, -5},
			"T": {-5, -5, 0, 0},
		},
	}

	gls, pls := calculateGenotypeLikelihoods(variant, likelihoods)
	require.Len(t, gls, 3)
	require.Len(t, pls, 3)
	assert.Equal(t, []interface{}{88, 0, 88}, pls, "balanced ref and alt evidence yields a confident het")
	assert.Equal(t, 0.0, gls[1])
	assert.InDelta(t, -8.8, gls[0], 1e-9, "gls are the phred-rounded pls scaled back")
	assert.InDelta(t, -8.8, gls[2], 1e-9)
}

func TestSubsetAlleles(t *testing.T) {
	variant := &vcf.Variant{Chrom: "ctg", Pos: 100, Ref: "A", Alt: []string{"T", "G"}}
	// genotype order: A/A, A/T, T/T, A/G, T/G, G/G
	gls := []float64{-8.8, 0, -8.8, -20, -20, -30}

	pls, glsSub := subsetAlleles(variant, gls, []string{"T"})
	require.Len(t, pls, 3)
	assert.Equal(t, []interface{}{88, 0, 88}, pls)
	assert.Equal(t, []float64{-8.8, 0, -8.8}, glsSub)

	// a flat subset carries no information
	pls, _ = subsetAlleles(variant, []float64{0, 0, 0, -20, -20, -30}, []string{"T"})
	assert.Nil(t, pls)
}

func TestDeletionTracker(t *testing.T) {
	var deletions deletionTracker
	deletions.add(100, 104)

	covered := &vcf.Variant{Chrom: "ctg", Pos: 102, Ref: "C", Alt: []string{"*"}}
	assert.True(t, deletions.covers(covered))

	atDeletionStart := &vcf.Variant{Chrom: "ctg", Pos: 100, Ref: "A", Alt: []string{"*"}}
	assert.False(t, deletions.covers(atDeletionStart), "the deletion itself does not cover its own start")

	past := &vcf.Variant{Chrom: "ctg", Pos: 200, Ref: "A", Alt: []string{"*"}}
	assert.False(t, deletions.covers(past), "expired spans are pruned")
	assert.Empty(t, deletions.spans)
}

func TestReverseTrimAlleles(t *testing.T) {
	call := &vcf.Variant{Ref: "ACGT", Alt: []string{"AGT", "TCGT"}}
	reverseTrimAlleles(call)
	assert.Equal(t, "AC", call.Ref)
	assert.Equal(t, []string{"A", "TC"}, call.Alt)

	call = &vcf.Variant{Ref: "AC", Alt: []string{"TC", "*"}}
	reverseTrimAlleles(call)
	assert.Equal(t, "A", call.Ref, "symbolic alleles do not block trimming")
	assert.Equal(t, []string{"T", "*"}, call.Alt)
}

func TestCalculateGenotypesHetCall(t *testing.T) {
	c := newTestCaller(t)
	variant := &vcf.Variant{Chrom: "ctg", Pos: 100, Ref: "A", Alt: []string{"T"}}
	gls := []float64{-8.8, 0, -8.8}
	pls := []interface{}{88, 0, 88}
	rs := make([]*reads.Read, 4)
	for i := range rs {
		rs[i] = &reads.Read{QNAME: fmt.Sprintf("r%d", i)}
	}
	likelihoods := readAlleleLikelihoods{
		alleles: []string{"A", "T"},
		rs:      rs,
		values: map[string][]float64{
			"A": {0, 0, -5, -5},
			"T": {-5, -5, 0, 0},
		},
	}

	var deletions deletionTracker
	call := c.calculateGenotypes(variant, pls, gls, likelihoods, &deletions)
	require.NotNil(t, call)
	assert.Equal(t, int32(100), call.Pos)
	assert.Equal(t, []string{"T"}, call.Alt)
	require.Len(t, call.GenotypeData, 1)
	assert.Equal(t, []int32{0, 1}, call.GenotypeData[0].GT)
	qual, ok := call.Qual.(float64)
	require.True(t, ok)
	assert.GreaterOrEqual(t, qual, c.cfg.MinCallQual)
	gq, ok := call.GenotypeData[0].Data.Get(vcf.GQ)
	require.True(t, ok)
	assert.Equal(t, 88, gq)
}

func TestCalculateGenotypesPerSample(t *testing.T) {
	c := newTestCaller(t)
	c.samples = []string{"sampleA", "sampleB", "sampleC"}
	variant := &vcf.Variant{Chrom: "ctg", Pos: 100, Ref: "A", Alt: []string{"T"}}
	gls := []float64{-8.8, 0, -8.8}
	pls := []interface{}{88, 0, 88}
	likelihoods := readAlleleLikelihoods{
		alleles: []string{"A", "T"},
		rs: []*reads.Read{
			{QNAME: "a0", Sample: "sampleA"},
			{QNAME: "a1", Sample: "sampleA"},
			{QNAME: "b0", Sample: "sampleB"},
			{QNAME: "b1", Sample: "sampleB"},
		},
		values: map[string][]float64{
			"A": {0, 0, -5, -5},
			"T": {-5, -5, 0, 0},
		},
	}

	var deletions deletionTracker
	call := c.calculateGenotypes(variant, pls, gls, likelihoods, &deletions)
	require.NotNil(t, call)
	require.Len(t, call.GenotypeData, 3, "one genotype per sample column")
	assert.Equal(t, []int32{0, 0}, call.GenotypeData[0].GT)
	assert.Equal(t, []int32{1, 1}, call.GenotypeData[1].GT)
	assert.Equal(t, noCallGT, call.GenotypeData[2].GT, "a sample without reads at the site gets a no-call")
}

func TestCalculateGenotypesMonomorphicSite(t *testing.T) {
	c := newTestCaller(t)
	variant := &vcf.Variant{Chrom: "ctg", Pos: 100, Ref: "A", Alt: []string{"T"}}
	// hom ref likelihoods: no alt genotype comes close
	gls := []float64{0, -20, -40}
	pls := []interface{}{0, 200, 400}

	var deletions deletionTracker
	call := c.calculateGenotypes(variant, pls, gls, readAlleleLikelihoods{}, &deletions)
	assert.Nil(t, call)
}

func TestRestrictToCallOverlap(t *testing.T) {
	call := &vcf.Variant{Chrom: "ctg", Pos: 100, Ref: "A", Alt: []string{"T"}}
	in := &reads.Read{QNAME: "in", POS: 95, CIGAR: cigarOf(t, "10M")}
	out := &reads.Read{QNAME: "out", POS: 300, CIGAR: cigarOf(t, "10M")}
	filteredIn := &reads.Read{QNAME: "filtered", POS: 98, CIGAR: cigarOf(t, "10M")}
	filteredOut := &reads.Read{QNAME: "filteredOut", POS: 400, CIGAR: cigarOf(t, "10M")}
	likelihoods := readAlleleLikelihoods{
		alleles: []string{"A", "T"},
		rs:      []*reads.Read{in, out},
		values: map[string][]float64{
			"A": {-1, -2},
			"T": {-3, -4},
		},
	}

	result := restrictToCallOverlap(call, likelihoods, []*reads.Read{filteredIn, filteredOut})
	require.Len(t, result.rs, 2)
	assert.Equal(t, "in", result.rs[0].QNAME)
	assert.Equal(t, "filtered", result.rs[1].QNAME, "filtered reads across the site count as depth")
	assert.Equal(t, []float64{-1, 0}, result.values["A"])
	assert.Equal(t, []float64{-3, 0}, result.values["T"])
}

func TestAnnotateCall(t *testing.T) {
	c := newTestCaller(t)
	call := &vcf.Variant{
		Chrom: "ctg", Pos: 100, Ref: "A", Alt: []string{"T"},
		GenotypeData: []vcf.Genotype{{GT: []int32{0, 1}}},
	}
	rs := make([]*reads.Read, 4)
	for i := range rs {
		rs[i] = &reads.Read{QNAME: fmt.Sprintf("r%d", i), POS: 95, MAPQ: 60, CIGAR: cigarOf(t, "10M")}
	}
	likelihoods := readAlleleLikelihoods{
		alleles: []string{"A", "T"},
		rs:      rs,
		values: map[string][]float64{
			"A": {0, 0, -5, -5},
			"T": {-5, -5, 0, 0},
		},
	}
	c.annotateCall(call, likelihoods)

	an, ok := call.Info.Get(AN)
	require.True(t, ok)
	assert.Equal(t, 2, an)
	ac, _ := call.Info.Get(AC)
	assert.Equal(t, []interface{}{1}, ac)
	af, _ := call.Info.Get(AF)
	assert.Equal(t, []interface{}{0.5}, af)
	dp, _ := call.Info.Get(vcf.DP)
	assert.Equal(t, 4, dp)
	mq, _ := call.Info.Get(rawMQandDP)
	assert.Equal(t, []interface{}{4 * 60 * 60, 4}, mq)
	ad, _ := call.GenotypeData[0].Data.Get(vcf.AD)
	assert.Equal(t, []interface{}{2, 2}, ad, "two informative reads per allele")
	sampleDP, _ := call.GenotypeData[0].Data.Get(vcf.DP)
	assert.Equal(t, 4, sampleDP)
}

func TestAnnotateCallMultiSample(t *testing.T) {
	c := newTestCaller(t)
	c.samples = []string{"sampleA", "sampleB"}
	call := &vcf.Variant{
		Chrom: "ctg", Pos: 100, Ref: "A", Alt: []string{"T"},
		GenotypeData: []vcf.Genotype{{GT: []int32{0, 0}}, {GT: []int32{0, 1}}},
	}
	likelihoods := readAlleleLikelihoods{
		alleles: []string{"A", "T"},
		rs: []*reads.Read{
			{QNAME: "a0", POS: 95, MAPQ: 60, CIGAR: cigarOf(t, "10M"), Sample: "sampleA"},
			{QNAME: "a1", POS: 95, MAPQ: 60, CIGAR: cigarOf(t, "10M"), Sample: "sampleA"},
			{QNAME: "b0", POS: 95, MAPQ: 60, CIGAR: cigarOf(t, "10M"), Sample: "sampleB"},
			{QNAME: "b1", POS: 95, MAPQ: 60, CIGAR: cigarOf(t, "10M"), Sample: "sampleB"},
		},
		values: map[string][]float64{
			"A": {0, 0, -5, 0},
			"T": {-5, -5, 0, -5},
		},
	}
	c.annotateCall(call, likelihoods)

	an, _ := call.Info.Get(AN)
	assert.Equal(t, 4, an, "allele number aggregates over the sample genotypes")
	ac, _ := call.Info.Get(AC)
	assert.Equal(t, []interface{}{1}, ac)
	af, _ := call.Info.Get(AF)
	assert.Equal(t, []interface{}{0.25}, af)
	adA, _ := call.GenotypeData[0].Data.Get(vcf.AD)
	assert.Equal(t, []interface{}{2, 0}, adA, "allele depths count only the sample's own reads")
	adB, _ := call.GenotypeData[1].Data.Get(vcf.AD)
	assert.Equal(t, []interface{}{1, 1}, adB)
	dpB, _ := call.GenotypeData[1].Data.Get(vcf.DP)
	assert.Equal(t, 2, dpB)
}
