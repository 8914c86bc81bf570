// straincall: local-reassembly variant calling for within-species
// strain-level sequencing data.
// Copyright (c) 2026 the straincall authors.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.

package caller

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strainsight/straincall/reads"
)

func randomBases(random *rand.Rand, length int) string {
	const bases = "ACGT"
	result := make([]byte, length)
	for i := range result {
		result[i] = bases[random.Intn(4)]
	}
	return string(result)
}

func indelOpLength(cigar []reads.CigarOperation, operation byte) (length int32) {
	for _, op := range cigar {
		if op.Operation == operation {
			length += op.Length
		}
	}
	return
}

func TestCalculateCigarIdentical(t *testing.T) {
	random := rand.New(rand.NewSource(3))
	ref := randomBases(random, 60)
	cigar := calculateCigar(ref, ref, swPad+ref+swPad, softclip)
	assert.Equal(t, []reads.CigarOperation{{Length: 60, Operation: 'M'}}, cigar)
}

func TestCalculateCigarFewMismatches(t *testing.T) {
	random := rand.New(rand.NewSource(3))
	ref := randomBases(random, 60)
	alt := []byte(ref)
	if alt[20] == 'A' {
		alt[20] = 'C'
	} else {
		alt[20] = 'A'
	}
	cigar := calculateCigar(ref, string(alt), swPad+ref+swPad, softclip)
	assert.Equal(t, []reads.CigarOperation{{Length: 60, Operation: 'M'}}, cigar,
		"up to two mismatches short-circuit to a full match")
}

func TestCalculateCigarInsertion(t *testing.T) {
	random := rand.New(rand.NewSource(7))
	ref := randomBases(random, 60)
	alt := ref[:30] + "TTAA" + ref[30:]
	cigar := calculateCigar(ref, alt, swPad+ref+swPad, softclip)
	require.NotNil(t, cigar)
	assert.Equal(t, int32(60), reads.ReferenceLengthFromCigar(cigar))
	assert.Equal(t, int32(64), reads.ReadLengthFromCigar(cigar))
	assert.Equal(t, int32(4), indelOpLength(cigar, 'I'))
	assert.Equal(t, int32(0), indelOpLength(cigar, 'D'))
}

func TestCalculateCigarDeletion(t *testing.T) {
	random := rand.New(rand.NewSource(11))
	ref := randomBases(random, 60)
	alt := ref[:30] + ref[34:]
	cigar := calculateCigar(ref, alt, swPad+ref+swPad, softclip)
	require.NotNil(t, cigar)
	assert.Equal(t, int32(60), reads.ReferenceLengthFromCigar(cigar))
	assert.Equal(t, int32(56), reads.ReadLengthFromCigar(cigar))
	assert.Equal(t, int32(4), indelOpLength(cigar, 'D'))
	assert.Equal(t, int32(0), indelOpLength(cigar, 'I'))
}

func TestTrimCigarByBases(t *testing.T) {
	cigar := cigarOf(t, "10M4I10M")
	trimmed := trimCigarByBases(cigar, 5, 18)
	assert.Equal(t, "5M4I5M", reads.CigarString(trimmed))

	trimmed = trimCigarByBases(cigarOf(t, "20M"), 3, 10)
	assert.Equal(t, "8M", reads.CigarString(trimmed))
}

func TestLeftAlignIndel(t *testing.T) {
	// deletion of one A inside a homopolymer run must shift left
	ref := "CAAAAG" + "TTTT"
	alt := "CAAAG" + "TTTT"
	cigar := leftAlignCigarSequentially(cigarOf(t, "4M1D5M"), ref, alt)
	require.Equal(t, "1M1D8M", reads.CigarString(cigar))
}

func TestLastIndex(t *testing.T) {
	assert.Equal(t, int32(4), lastIndex("ACGTACGT", "ACGT"))
	assert.Equal(t, int32(0), lastIndex("ACGTTTTT", "ACGT"))
	assert.Equal(t, int32(-1), lastIndex("ACGTACGT", "GGG"))
}
