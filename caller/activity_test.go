// straincall: local-reassembly variant calling for within-species
// strain-level sequencing data.
// Copyright (c) 2026 the straincall authors.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.

package caller

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strainsight/straincall/reads"
)

func testPileup(t *testing.T, location int32, bases string) *pileup {
	t.Helper()
	p := &pileup{location: location}
	for i := range bases {
		r := &reads.Read{
			QNAME: "r",
			RNAME: "ctg",
			POS:   location,
			MAPQ:  60,
			CIGAR: cigarOf(t, "1M"),
			SEQ:   bases[i : i+1],
			QUAL:  []byte{40},
		}
		element, ok := firstPileupElement(r)
		require.True(t, ok)
		p.filteredElements = append(p.filteredElements, *element)
	}
	return p
}

func TestIsActiveHomRef(t *testing.T) {
	c := newTestCaller(t)
	prob, _ := c.isActive(testPileup(t, 100, "AAAAAAAAAA"), 'A')
	assert.Equal(t, 0.0, prob)
}

func TestIsActiveHet(t *testing.T) {
	c := newTestCaller(t)
	prob, _ := c.isActive(testPileup(t, 100, "AAAAACCCCC"), 'A')
	assert.Greater(t, prob, 0.99, "balanced mismatch evidence is clearly active")
}

func TestIsActiveEmptyPileup(t *testing.T) {
	c := newTestCaller(t)
	prob, clips := c.isActive(&pileup{location: 100}, 'A')
	assert.Equal(t, 0.0, prob)
	assert.Equal(t, 0.0, clips)
}

func TestRefVsAnyLikelihoods(t *testing.T) {
	c := newTestCaller(t)
	result := c.refVsAnyLikelihoods(testPileup(t, 100, "AAACC"), 'A')
	assert.Equal(t, 3, result.refDepth)
	assert.Equal(t, 2, result.nonRefDepth)
	assert.Greater(t, result.genotypeLikelihoods[1], result.genotypeLikelihoods[0],
		"mixed evidence favors the het genotype")
	assert.Greater(t, result.genotypeLikelihoods[1], result.genotypeLikelihoods[2])
}

func TestBandPassProcessState(t *testing.T) {
	filterSize := len(gaussianKernel) >> 1
	states := make([]float64, 4*filterSize)
	pos := int32(2 * filterSize)
	bandPassProcessState(states, pos, 1.0)

	assert.InDelta(t, gaussianKernel[filterSize], states[pos], 1e-12, "the kernel center lands on the position")
	var sum float64
	for _, s := range states {
		sum += s
	}
	assert.InDelta(t, 1.0, sum, 1e-9, "the full kernel conserves mass")

	// truncated at the contig edge
	edge := make([]float64, 4*filterSize)
	bandPassProcessState(edge, 0, 1.0)
	sum = 0
	for _, s := range edge {
		sum += s
	}
	assert.Less(t, sum, 1.0)
	assert.Greater(t, sum, 0.5)
}

func TestPaddedSpan(t *testing.T) {
	r := &region{start: 50, end: 150, padding: 100, contigLength: 200}
	assert.Equal(t, int32(1), r.paddedStart(), "clamped to the contig start")
	assert.Equal(t, int32(200), r.paddedEnd(), "clamped to the contig end")

	r = &region{start: 300, end: 400, padding: 50, contigLength: 1000}
	assert.Equal(t, int32(250), r.paddedStart())
	assert.Equal(t, int32(450), r.paddedEnd())
}

func TestComputeRegions(t *testing.T) {
	c := newTestCaller(t)
	states := make([]float64, 200)
	for i := 50; i <= 60; i++ {
		states[i] = 1.0
	}

	regions := c.computeRegions("ctg", nil, states, 200)
	require.Len(t, regions, 3)

	assert.False(t, regions[0].isActive)
	assert.Equal(t, int32(1), regions[0].start)
	assert.Equal(t, int32(50), regions[0].end)

	assert.True(t, regions[1].isActive)
	assert.Equal(t, int32(51), regions[1].start)
	assert.Equal(t, int32(61), regions[1].end)

	assert.False(t, regions[2].isActive)
	assert.Equal(t, int32(62), regions[2].start)
	assert.Equal(t, int32(200), regions[2].end)

	for _, region := range regions {
		assert.Equal(t, "ctg", region.contig)
		assert.Equal(t, c.cfg.Padding, region.padding)
	}
}

func TestComputeRegionsSplitsAtActivityMinimum(t *testing.T) {
	c := newTestCaller(t)
	states := make([]float64, 400)
	for i := range states {
		states[i] = 1.0
	}
	states[150] = 0.5

	regions := c.computeRegions("ctg", nil, states, 400)
	require.Len(t, regions, 2)
	assert.True(t, regions[0].isActive)
	assert.Equal(t, int32(151), regions[0].end, "oversized active stretch splits at the activity dip")
	assert.True(t, regions[1].isActive)
	assert.Equal(t, int32(152), regions[1].start)
	assert.Equal(t, int32(400), regions[1].end)
}
