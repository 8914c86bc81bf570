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

func TestComputeAdaptorBoundary(t *testing.T) {
	forward := &reads.Read{
		FLAG:  reads.Multiple | reads.NextReversed,
		RNAME: "ctg",
		POS:   100,
		RNEXT: "=",
		PNEXT: 150,
		TLEN:  100,
		CIGAR: cigarOf(t, "50M"),
	}
	boundary, ok := computeAdaptorBoundary(forward)
	require.True(t, ok)
	assert.Equal(t, int32(200), boundary)

	reversed := &reads.Read{
		FLAG:  reads.Multiple | reads.Reversed,
		RNAME: "ctg",
		POS:   150,
		RNEXT: "=",
		PNEXT: 100,
		TLEN:  -100,
		CIGAR: cigarOf(t, "50M"),
	}
	boundary, ok = computeAdaptorBoundary(reversed)
	require.True(t, ok)
	assert.Equal(t, int32(99), boundary)

	unpaired := &reads.Read{RNAME: "ctg", POS: 100, CIGAR: cigarOf(t, "50M")}
	_, ok = computeAdaptorBoundary(unpaired)
	assert.False(t, ok, "fragment size undefined for unpaired reads")
}

func TestIsInsideDeletion(t *testing.T) {
	cigar := cigarOf(t, "5M3D5M")
	assert.False(t, isInsideDeletion(cigar, 5))
	assert.True(t, isInsideDeletion(cigar, 6))
	assert.True(t, isInsideDeletion(cigar, 8))
	assert.False(t, isInsideDeletion(cigar, 9))
	assert.False(t, isInsideDeletion(cigar, -1))
}

func TestHardClipSoftClippedBases(t *testing.T) {
	r := &reads.Read{
		QNAME: "r",
		RNAME: "ctg",
		POS:   100,
		CIGAR: cigarOf(t, "3S5M2S"),
		SEQ:   "AAACGTACTT",
		QUAL:  []byte{30, 30, 30, 40, 40, 40, 40, 40, 30, 30},
	}
	hardClipSoftClippedBases(r)
	assert.Equal(t, "3H5M2H", reads.CigarString(r.CIGAR))
	assert.Equal(t, "CGTAC", r.SEQ)
	assert.Equal(t, []byte{40, 40, 40, 40, 40}, r.QUAL)
	assert.Equal(t, int32(100), r.POS, "soft clips never counted toward the alignment start")
}

func TestHardClipLowQualEnds(t *testing.T) {
	r := &reads.Read{
		QNAME: "r",
		RNAME: "ctg",
		POS:   100,
		CIGAR: cigarOf(t, "5M"),
		SEQ:   "ACGTA",
		QUAL:  []byte{2, 2, 30, 30, 2},
	}
	hardClipLowQualEnds(r, 2)
	assert.Equal(t, "GT", r.SEQ)
	assert.Equal(t, "2H2M1H", reads.CigarString(r.CIGAR))
	assert.Equal(t, int32(102), r.POS)

	hopeless := &reads.Read{
		QNAME: "hopeless",
		RNAME: "ctg",
		POS:   100,
		CIGAR: cigarOf(t, "3M"),
		SEQ:   "ACG",
		QUAL:  []byte{2, 2, 2},
	}
	hardClipLowQualEnds(hopeless, 2)
	assert.True(t, hopeless.IsUnmapped())
	assert.Empty(t, hopeless.SEQ)
}

func TestRevertSoftClippedBases(t *testing.T) {
	r := &reads.Read{
		QNAME: "r",
		RNAME: "ctg",
		POS:   100,
		CIGAR: cigarOf(t, "3S10M"),
		SEQ:   "AAACGTACGTACG",
		QUAL:  make([]byte, 13),
	}
	revertSoftClippedBases(r)
	assert.Equal(t, "13M", reads.CigarString(r.CIGAR))
	assert.Equal(t, int32(97), r.POS)

	nearStart := &reads.Read{
		QNAME: "nearStart",
		RNAME: "ctg",
		POS:   2,
		CIGAR: cigarOf(t, "3S5M"),
		SEQ:   "AAACGTAC",
		QUAL:  make([]byte, 8),
	}
	revertSoftClippedBases(nearStart)
	assert.Equal(t, int32(1), nearStart.POS, "reverting cannot move a read before the contig start")
	assert.Equal(t, 6, len(nearStart.SEQ), "bases that would map before the contig are clipped away")
}

func TestHardClipToRegion(t *testing.T) {
	seq := "ACGTACGTACGTACGTACGT"
	r := &reads.Read{
		QNAME: "r",
		RNAME: "ctg",
		POS:   95,
		CIGAR: cigarOf(t, "20M"),
		SEQ:   seq,
		QUAL:  make([]byte, 20),
	}
	hardClipToRegion(r, 100, 110)
	assert.Equal(t, int32(100), r.POS)
	assert.Equal(t, int32(110), r.End())
	assert.Equal(t, "5H11M4H", reads.CigarString(r.CIGAR))
	assert.Equal(t, seq[5:16], r.SEQ)

	outside := &reads.Read{
		QNAME: "outside",
		RNAME: "ctg",
		POS:   300,
		CIGAR: cigarOf(t, "20M"),
		SEQ:   seq,
		QUAL:  make([]byte, 20),
	}
	hardClipToRegion(outside, 100, 110)
	assert.True(t, outside.IsUnmapped())
}
