// straincall: local-reassembly variant calling for within-species
// strain-level sequencing data.
// Copyright (c) 2026 the straincall authors.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.

package caller

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strainsight/straincall/reads"
	"github.com/strainsight/straincall/vcf"
)

func TestHaplotypeTrimMatch(t *testing.T) {
	bases := "ACGGTCTAGCATTGCAAGTCACGGTCTAGC"
	h := testHaplotype(t, bases, "30M", 100)

	trimmed := h.trim(110, 120)
	require.NotNil(t, trimmed)
	assert.Equal(t, bases[10:21], trimmed.bases)
	assert.Equal(t, int32(110), trimmed.location)
	assert.Equal(t, []reads.CigarOperation{{Length: 11, Operation: 'M'}}, trimmed.cigar)
}

func TestHaplotypeTrimKeepsInteriorIndel(t *testing.T) {
	// 10M3D17M over reference span [100, 129]
	bases := "ACGGTCTAGC" + "TGCAAGTCACGGTCTAG"
	h := testHaplotype(t, bases, "10M3D17M", 100)

	trimmed := h.trim(105, 125)
	require.NotNil(t, trimmed)
	assert.Equal(t, int32(105), trimmed.location)
	assert.Equal(t, "5M3D13M", reads.CigarString(trimmed.cigar))
	assert.Equal(t, bases[5:23], trimmed.bases)
}

func TestHaplotypeTrimSpanInsideDeletionFails(t *testing.T) {
	bases := "ACGGTCTAGC" + "TGCAAGTCACGGTCTAG"
	h := testHaplotype(t, bases, "10M3D17M", 100)
	assert.Nil(t, h.trim(111, 125), "span start inside the deletion")
	assert.Nil(t, h.trim(100, 112), "span end inside the deletion")
}

func TestHaplotypeTrimEdgeIndelFails(t *testing.T) {
	bases := "ACGGT" + "AC" + "TCTAGCATTGCAAGTCACGGTCT"
	h := testHaplotype(t, bases, "5M2I23M", 100)
	assert.Nil(t, h.trim(105, 125), "trimmed cigar would start with an insertion")
}

func TestHaplotypeTrimOutsideSpanFails(t *testing.T) {
	h := testHaplotype(t, "ACGGTCTAGC", "10M", 100)
	assert.Nil(t, h.trim(200, 210))
}

func TestTrimmingResultSpans(t *testing.T) {
	c := newTestCaller(t)
	region := &region{
		contig:       "ctg",
		start:        100,
		end:          300,
		padding:      100,
		contigLength: 1000,
		isActive:     true,
	}

	assert.False(t, c.trim(region, nil).needed)

	snv := &vcf.Variant{Chrom: "ctg", Pos: 200, Ref: "A", Alt: []string{"T"}}
	result := c.trim(region, map[int32]*vcf.Variant{200: snv})
	require.True(t, result.needed)
	assert.Equal(t, int32(200), result.spanStart)
	assert.Equal(t, int32(200), result.spanEnd)
	assert.Equal(t, int32(180), result.extendedSpanStart, "SNV padding is 20")
	assert.Equal(t, int32(220), result.extendedSpanEnd)

	deletion := &vcf.Variant{Chrom: "ctg", Pos: 200, Ref: "ACGT", Alt: []string{"A"}}
	result = c.trim(region, map[int32]*vcf.Variant{200: deletion})
	require.True(t, result.needed)
	assert.Equal(t, int32(203), result.spanEnd)
	assert.Equal(t, int32(75), result.extendedSpanStart, "non-SNV padding is 150, clamped to the region")
	assert.Equal(t, int32(325), result.extendedSpanEnd)

	outside := &vcf.Variant{Chrom: "ctg", Pos: 400, Ref: "A", Alt: []string{"T"}}
	assert.False(t, c.trim(region, map[int32]*vcf.Variant{400: outside}).needed)
}

func TestTrimRegionTo(t *testing.T) {
	reference := []byte(strings.Repeat(eventTestReference, 50))
	seq := strings.Repeat("ACGT", 10)
	region := &region{
		contig:       "ctg",
		reference:    reference,
		start:        100,
		end:          300,
		padding:      100,
		contigLength: 1000,
		isActive:     true,
		rs: []*reads.Read{
			{QNAME: "in", RNAME: "ctg", POS: 190, MAPQ: 60, CIGAR: cigarOf(t, "40M"), SEQ: seq, QUAL: make([]byte, 40)},
			{QNAME: "out", RNAME: "ctg", POS: 700, MAPQ: 60, CIGAR: cigarOf(t, "40M"), SEQ: seq, QUAL: make([]byte, 40)},
		},
	}
	trimmed := trimRegionTo(region, 180, 220, 180, 220)
	assert.Equal(t, int32(180), trimmed.start)
	assert.Equal(t, int32(220), trimmed.end)
	assert.Equal(t, int32(0), trimmed.padding, "span already covers the extended span")
	require.Len(t, trimmed.rs, 1)
	assert.Equal(t, "in", trimmed.rs[0].QNAME)
	assert.True(t, trimmed.rs[0].POS >= 180)
	assert.True(t, trimmed.rs[0].End() <= 220)
	// the original region keeps its reads untouched
	assert.Len(t, region.rs, 2)
	assert.Equal(t, int32(190), region.rs[0].POS)
}

func TestPastDeadline(t *testing.T) {
	assert.False(t, pastDeadline(time.Time{}), "zero deadline never expires")
	assert.True(t, pastDeadline(time.Now().Add(-time.Second)))
	assert.False(t, pastDeadline(time.Now().Add(time.Hour)))
}
