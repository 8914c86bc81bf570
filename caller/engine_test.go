// straincall: local-reassembly variant calling for within-species
// strain-level sequencing data.
// Copyright (c) 2026 the straincall authors.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.

package caller

import (
	"bytes"
	"fmt"
	"math/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strainsight/straincall/reads"
	"github.com/strainsight/straincall/utils"
	"github.com/strainsight/straincall/vcf"
)

func TestNewCaller(t *testing.T) {
	c, err := NewCaller(DefaultConfig(), nil)
	require.NoError(t, err)
	_, err = uuid.Parse(c.RunID())
	assert.NoError(t, err)
	assert.NotNil(t, c.Stats())

	bad := DefaultConfig()
	bad.Ploidy = 3
	_, err = NewCaller(bad, nil)
	assert.Error(t, err)
}

func TestSampleNames(t *testing.T) {
	assert.Equal(t, []string{"SAMPLE"}, sampleNames(&reads.Header{}))

	hdr := &reads.Header{RG: []utils.StringMap{{"ID": "rg1", "SM": "s1"}}}
	assert.Equal(t, []string{"s1"}, sampleNames(hdr))

	hdr.RG = append(hdr.RG, utils.StringMap{"ID": "rg2", "SM": "s1"})
	assert.Equal(t, []string{"s1"}, sampleNames(hdr), "read groups of the same sample share a column")

	hdr.RG = append(hdr.RG, utils.StringMap{"ID": "rg3", "SM": "s2"})
	assert.Equal(t, []string{"s1", "s2"}, sampleNames(hdr), "one column per declared sample, in header order")

	assert.Equal(t, []string{"rg1"}, sampleNames(&reads.Header{RG: []utils.StringMap{{"ID": "rg1"}}}),
		"read group identifier stands in for a missing sample")
}

func TestOutputHeader(t *testing.T) {
	c := newTestCaller(t)
	hdr := &reads.Header{
		Contigs: []reads.Contig{{Name: "ctg", Length: 400}},
		RG:      []utils.StringMap{{"ID": "rg1", "SM": "s1"}},
	}
	out := c.OutputHeader(hdr)
	require.Len(t, out.Columns, 10)
	assert.Equal(t, "FORMAT", out.Columns[8])
	assert.Equal(t, "s1", out.Columns[9])
	assert.Contains(t, out.Meta, "contig=<ID=ctg,length=400>")
	assert.NotEmpty(t, out.Infos)
	assert.NotEmpty(t, out.Formats)
}

func TestOutputHeaderMultiSample(t *testing.T) {
	c := newTestCaller(t)
	hdr := &reads.Header{
		Contigs: []reads.Contig{{Name: "ctg", Length: 400}},
		RG: []utils.StringMap{
			{"ID": "rg1", "SM": "sampleA"},
			{"ID": "rg2", "SM": "sampleB"},
		},
	}
	out := c.OutputHeader(hdr)
	require.Len(t, out.Columns, 11)
	assert.Equal(t, "FORMAT", out.Columns[8])
	assert.Equal(t, []string{"sampleA", "sampleB"}, out.Columns[9:], "one column per declared sample")
}

func TestEmit(t *testing.T) {
	c := newTestCaller(t)
	hdr := &reads.Header{Contigs: []reads.Contig{{Name: "ctgB", Length: 1000}, {Name: "ctgA", Length: 1000}}}
	calls := []*vcf.Variant{
		{Chrom: "ctgA", Pos: 100, Ref: "A", Alt: []string{"T"}, Qual: 50.0},
		{Chrom: "ctgA", Pos: 100, Ref: "A", Alt: []string{"T"}, Qual: 60.0},
		{Chrom: "ctgA", Pos: 90, Ref: "G", Alt: []string{"C"}, Qual: 10.0},
		{Chrom: "ctgB", Pos: 500, Ref: "C", Alt: []string{"G"}, Qual: 20.0},
	}

	result := c.emit(hdr, calls)
	require.Len(t, result, 3)
	assert.Equal(t, "ctgB", result[0].Chrom, "header declaration order, not lexicographic")
	assert.Equal(t, "ctgA", result[1].Chrom)
	assert.Equal(t, int32(90), result[1].Pos)
	assert.Equal(t, int32(100), result[2].Pos)
	assert.Equal(t, 60.0, result[2].Qual, "the duplicate with the higher quality wins")

	stats := c.Stats()
	assert.Equal(t, 3, stats.CallsEmitted)
	assert.Equal(t, 1, stats.DuplicateCallsDropped)
}

func TestEmitAltAlleleOrder(t *testing.T) {
	hdr := &reads.Header{Contigs: []reads.Contig{{Name: "ctg", Length: 1000}}}
	forward := []*vcf.Variant{
		{Chrom: "ctg", Pos: 100, Ref: "A", Alt: []string{"G"}, Qual: 50.0},
		{Chrom: "ctg", Pos: 100, Ref: "A", Alt: []string{"T"}, Qual: 50.0},
	}
	reversed := []*vcf.Variant{forward[1], forward[0]}

	first := newTestCaller(t).emit(hdr, forward)
	second := newTestCaller(t).emit(hdr, reversed)
	require.Len(t, first, 2)
	require.Len(t, second, 2)
	assert.Equal(t, []string{"G"}, first[0].Alt, "equal quality ties break on the alt alleles")
	assert.Equal(t, first[0].Alt, second[0].Alt, "the order does not depend on collection order")
	assert.Equal(t, first[1].Alt, second[1].Alt)
}

func TestCallMissingReferenceContig(t *testing.T) {
	c := newTestCaller(t)
	hdr := &reads.Header{Contigs: []reads.Contig{{Name: "ctg", Length: 400}}}
	_, err := c.Call(hdr, nil, map[string][]byte{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing from the reference")
}

func TestCallShortReferenceContig(t *testing.T) {
	c := newTestCaller(t)
	hdr := &reads.Header{Contigs: []reads.Contig{{Name: "ctg", Length: 400}}}
	_, err := c.Call(hdr, nil, map[string][]byte{"ctg": make([]byte, 100)})
	assert.Error(t, err)
}

// testContigReads builds 50 base perfect match reads starting at the
// given 1-based positions, optionally substituting the base that maps
// to altPos with altBase.
func testContigReads(t *testing.T, reference string, starts []int32, altPos int32, altBase byte, alt map[int]bool) []*reads.Read {
	t.Helper()
	const readLength = 50
	rs := make([]*reads.Read, len(starts))
	for i, start := range starts {
		seq := []byte(reference[start-1 : start-1+readLength])
		if alt[i] {
			offset := altPos - start
			require.True(t, offset >= 0 && offset < readLength)
			seq[offset] = altBase
		}
		rs[i] = &reads.Read{
			QNAME: fmt.Sprintf("read%d", i),
			RNAME: "ctg",
			POS:   start,
			MAPQ:  60,
			CIGAR: []reads.CigarOperation{{Length: readLength, Operation: 'M'}},
			SEQ:   string(seq),
			QUAL:  bytes.Repeat([]byte{40}, readLength),
		}
	}
	return rs
}

func TestCallQuietContig(t *testing.T) {
	c := newTestCaller(t)
	reference := randomBases(rand.New(rand.NewSource(41)), 1000)
	hdr := &reads.Header{Contigs: []reads.Contig{{Name: "ctg", Length: 1000}}}

	starts := make([]int32, 20)
	for i := range starts {
		starts[i] = int32(100 + 10*i)
	}
	rs := testContigReads(t, reference, starts, 0, 0, nil)

	result, err := c.Call(hdr, rs, map[string][]byte{"ctg": []byte(reference)})
	require.NoError(t, err)
	assert.Empty(t, result.Variants, "perfectly matching reads produce no calls")
	assert.Equal(t, 0, c.Stats().RegionsActive)
}

func TestCallHetSNV(t *testing.T) {
	c := newTestCaller(t)
	reference := randomBases(rand.New(rand.NewSource(41)), 1000)
	hdr := &reads.Header{Contigs: []reads.Contig{{Name: "ctg", Length: 1000}}}

	refBase := reference[499]
	altBase := byte('A')
	if refBase == 'A' {
		altBase = 'C'
	}

	// 20 reads across position 500, half of them carrying the variant
	starts := make([]int32, 20)
	alt := make(map[int]bool)
	for i := range starts {
		starts[i] = int32(460 + i)
		alt[i] = i%2 == 1
	}
	rs := testContigReads(t, reference, starts, 500, altBase, alt)

	result, err := c.Call(hdr, rs, map[string][]byte{"ctg": []byte(reference)})
	require.NoError(t, err)
	require.Len(t, result.Variants, 1)

	call := result.Variants[0]
	assert.Equal(t, "ctg", call.Chrom)
	assert.Equal(t, int32(500), call.Pos)
	assert.Equal(t, string(refBase), call.Ref)
	assert.Equal(t, []string{string(altBase)}, call.Alt)
	require.Len(t, call.GenotypeData, 1)
	assert.Equal(t, []int32{0, 1}, call.GenotypeData[0].GT)
	qual, ok := call.Qual.(float64)
	require.True(t, ok)
	assert.GreaterOrEqual(t, qual, c.cfg.MinCallQual)
	dp, ok := call.Info.Get(vcf.DP)
	require.True(t, ok)
	assert.Equal(t, 20, dp)

	stats := c.Stats()
	assert.Equal(t, 20, stats.ReadsParsed)
	assert.GreaterOrEqual(t, stats.RegionsActive, 1)
	assert.Equal(t, 1, stats.CallsEmitted)
}

func TestCallMultiSampleColumns(t *testing.T) {
	c := newTestCaller(t)
	reference := randomBases(rand.New(rand.NewSource(41)), 1000)
	hdr := &reads.Header{
		Contigs: []reads.Contig{{Name: "ctg", Length: 1000}},
		RG: []utils.StringMap{
			{"ID": "rg1", "SM": "sampleA"},
			{"ID": "rg2", "SM": "sampleB"},
		},
	}

	refBase := reference[499]
	altBase := byte('A')
	if refBase == 'A' {
		altBase = 'C'
	}

	// sampleA reads match the reference, sampleB reads all carry the
	// variant
	starts := make([]int32, 20)
	alt := make(map[int]bool)
	for i := range starts {
		starts[i] = int32(460 + i)
		alt[i] = i%2 == 1
	}
	rs := testContigReads(t, reference, starts, 500, altBase, alt)
	for i, r := range rs {
		if alt[i] {
			r.Sample = "sampleB"
		} else {
			r.Sample = "sampleA"
		}
	}

	result, err := c.Call(hdr, rs, map[string][]byte{"ctg": []byte(reference)})
	require.NoError(t, err)

	require.Len(t, result.Header.Columns, 11)
	assert.Equal(t, []string{"sampleA", "sampleB"}, result.Header.Columns[9:])

	require.Len(t, result.Variants, 1)
	call := result.Variants[0]
	require.Len(t, call.GenotypeData, 2, "one genotype per declared sample")
	assert.Equal(t, []int32{0, 0}, call.GenotypeData[0].GT, "the reference-only sample is hom ref")
	assert.Equal(t, []int32{1, 1}, call.GenotypeData[1].GT, "the variant-only sample is hom alt")
}

// twoRegionContig builds two het SNV clusters far enough apart to form
// separate active regions whose padded spans overlap across the gap.
func twoRegionContig(t *testing.T) (*reads.Header, []*reads.Read, string) {
	t.Helper()
	reference := randomBases(rand.New(rand.NewSource(41)), 1000)
	hdr := &reads.Header{Contigs: []reads.Contig{{Name: "ctg", Length: 1000}}}
	var rs []*reads.Read
	for _, site := range []int32{400, 600} {
		refBase := reference[site-1]
		altBase := byte('A')
		if refBase == 'A' {
			altBase = 'C'
		}
		starts := make([]int32, 20)
		alt := make(map[int]bool)
		for i := range starts {
			starts[i] = site - 40 + int32(i)
			alt[i] = i%2 == 1
		}
		cluster := testContigReads(t, reference, starts, site, altBase, alt)
		for _, r := range cluster {
			r.QNAME = fmt.Sprintf("site%d.%s", site, r.QNAME)
		}
		rs = append(rs, cluster...)
	}
	return hdr, rs, reference
}

func TestCallAdjacentActiveRegions(t *testing.T) {
	c := newTestCaller(t)
	hdr, rs, reference := twoRegionContig(t)

	result, err := c.Call(hdr, rs, map[string][]byte{"ctg": []byte(reference)})
	require.NoError(t, err)

	require.Len(t, result.Variants, 2, "each site is called exactly once across the region border")
	assert.Equal(t, int32(400), result.Variants[0].Pos)
	assert.Equal(t, int32(600), result.Variants[1].Pos)
	assert.GreaterOrEqual(t, c.Stats().RegionsActive, 2)
	assert.Equal(t, 2, c.Stats().CallsEmitted)
}

func TestCallDeterministic(t *testing.T) {
	var streams [2][]string
	for run := range streams {
		c := newTestCaller(t)
		hdr, rs, reference := twoRegionContig(t)
		result, err := c.Call(hdr, rs, map[string][]byte{"ctg": []byte(reference)})
		require.NoError(t, err)
		for _, call := range result.Variants {
			line, err := call.Format(nil)
			require.NoError(t, err)
			streams[run] = append(streams[run], string(line))
		}
	}
	require.NotEmpty(t, streams[0])
	assert.Equal(t, streams[0], streams[1], "two runs over the same input emit the same stream")
}

func TestCallMinCallDepthGate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinCallDepth = 25
	c, err := NewCaller(cfg, nil)
	require.NoError(t, err)

	reference := randomBases(rand.New(rand.NewSource(41)), 1000)
	hdr := &reads.Header{Contigs: []reads.Contig{{Name: "ctg", Length: 1000}}}

	refBase := reference[499]
	altBase := byte('A')
	if refBase == 'A' {
		altBase = 'C'
	}
	starts := make([]int32, 20)
	alt := make(map[int]bool)
	for i := range starts {
		starts[i] = int32(460 + i)
		alt[i] = i%2 == 1
	}
	rs := testContigReads(t, reference, starts, 500, altBase, alt)

	result, err := c.Call(hdr, rs, map[string][]byte{"ctg": []byte(reference)})
	require.NoError(t, err)
	assert.Empty(t, result.Variants, "20 reads cannot satisfy a depth gate of 25")
}

func TestCallHetDeletion(t *testing.T) {
	c := newTestCaller(t)
	reference := []byte(randomBases(rand.New(rand.NewSource(41)), 400))
	// pin the bases around the deletion so the left-aligned
	// representation is unambiguous
	copy(reference[194:210], "TCGGACGATTACTGCA")
	hdr := &reads.Header{Contigs: []reads.Contig{{Name: "ctg", Length: 400}}}

	// positions 201-205 ("GATTA") deleted, anchored at position 200;
	// 16 of 20 reads carry the deletion
	starts := make([]int32, 4)
	for i := range starts {
		starts[i] = int32(160 + i)
	}
	rs := testContigReads(t, string(reference), starts, 0, 0, nil)

	const readLength = 50
	for i := 0; i < 16; i++ {
		start := int32(166 + i)
		leftLength := 200 - start + 1
		rightLength := readLength - leftLength
		rs = append(rs, &reads.Read{
			QNAME: fmt.Sprintf("del%d", i),
			RNAME: "ctg",
			POS:   start,
			MAPQ:  60,
			CIGAR: cigarOf(t, fmt.Sprintf("%dM5D%dM", leftLength, rightLength)),
			SEQ:   string(reference[start-1:200]) + string(reference[205:205+rightLength]),
			QUAL:  bytes.Repeat([]byte{40}, readLength),
		})
	}

	result, err := c.Call(hdr, rs, map[string][]byte{"ctg": reference})
	require.NoError(t, err)
	require.Len(t, result.Variants, 1)

	call := result.Variants[0]
	assert.Equal(t, int32(200), call.Pos)
	assert.Equal(t, string(reference[199:205]), call.Ref)
	assert.Equal(t, []string{string(reference[199:200])}, call.Alt)
	require.Len(t, call.GenotypeData, 1)
	assert.Equal(t, []int32{0, 1}, call.GenotypeData[0].GT)
	qual, ok := call.Qual.(float64)
	require.True(t, ok)
	assert.GreaterOrEqual(t, qual, c.cfg.MinCallQual)
}
