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
	"math/rand"

	"github.com/strainsight/straincall/reads"
)

func isGoodCigar(cigar []reads.CigarOperation) bool {
	if len(cigar) == 0 {
		return false
	}
	for _, op := range cigar {
		if op.Length == 0 {
			return false
		}
	}
	index := 0
	switch cigar[index].Operation {
	case 'H':
		if index++; index == len(cigar) {
			return false
		}
		if cigar[index].Operation == 'S' {
			if index++; index == len(cigar) {
				return false
			}
		}
	case 'S', 'P':
		if index++; index == len(cigar) {
			return false
		}
	}
	switch cigar[index].Operation {
	case 'M', '=', 'X', 'N':
		index++
	case 'I':
		if index++; index < len(cigar) {
			switch cigar[index].Operation {
			case 'I', 'D', 'S', 'H':
				return false
			}
		}
	default:
		return false
	}
	for index < len(cigar) {
		switch op := cigar[index].Operation; op {
		case 'M', '=', 'X', 'N':
			index++
		case 'I', 'D':
			if index++; index < len(cigar) {
				switch cigar[index].Operation {
				case 'I', 'D', 'S', 'H':
					return false
				}
			} else if op == 'D' {
				return false
			}
		case 'P':
			if index++; index < len(cigar) {
				switch cigar[index].Operation {
				case 'P', 'S', 'H':
					return false
				}
			} else {
				return false
			}
		case 'S':
			if index++; index < len(cigar) {
				if cigar[index].Operation != 'H' {
					return false
				}
				index++
			}
			return index == len(cigar)
		case 'H':
			return index+1 == len(cigar)
		default:
			return false
		}
	}
	return true
}

func cigarContainsN(cigar []reads.CigarOperation) bool {
	for _, op := range cigar {
		if op.Operation == 'N' {
			return true
		}
	}
	return false
}

// usableRead decides whether a read can feed the caller at all.
func (c *Caller) usableRead(r *reads.Read, contigLength int32) bool {
	if r.FLAG&(reads.Secondary|reads.Duplicate|reads.QCFailed|reads.Supplementary) != 0 {
		return false
	}
	refLength := reads.ReferenceLengthFromCigar(r.CIGAR)
	if refLength == 0 {
		return false
	}
	return !isStrictUnmapped(r) &&
		r.POS > 0 && r.POS <= contigLength &&
		len(r.SEQ) == int(reads.ReadLengthFromCigar(r.CIGAR)) &&
		r.MAPQ >= c.cfg.MinMappingQual &&
		r.MAPQ != 255 &&
		len(r.SEQ) == len(r.QUAL) &&
		len(r.SEQ) > 0 &&
		isGoodCigar(r.CIGAR) &&
		!cigarContainsN(r.CIGAR)
}

const maxReadsPerAlignmentStart = 50

// downsample caps the number of reads sharing an alignment start,
// replacing surplus reads reservoir-style so coverage towers do not
// dominate a region. rs must be coordinate sorted.
func downsample(rs []*reads.Read, random *rand.Rand) ([]*reads.Read, int) {
	pos := int32(1)
	total := int32(0)
	removed := 0
	var cur []*reads.Read
	var insert int
	for _, r := range rs {
		if r.POS == pos {
			total++
			if total <= maxReadsPerAlignmentStart {
				cur = append(cur, r)
			} else {
				removed++
				if slot := random.Int31n(total); slot < maxReadsPerAlignmentStart {
					cur[slot] = r
				}
			}
		} else {
			copy(rs[insert:], cur)
			insert += len(cur)
			pos = r.POS
			total = 1
			cur = cur[:0]
			cur = append(cur, r)
		}
	}
	copy(rs[insert:], cur)
	newEnd := insert + len(cur)
	for i := newEnd; i < len(rs); i++ {
		rs[i] = nil
	}
	return rs[:newEnd], removed
}

func readOverlapsRegion(r *reads.Read, regionStart, regionEnd int32) bool {
	if len(r.SEQ) == 0 {
		return false
	}
	readStart, readEnd := r.POS, r.End()
	if readStart > readEnd {
		return false
	}
	return readStart <= regionEnd && regionStart <= readEnd
}

func forEachReadPair(rs []*reads.Read, f func(r1, r2 *reads.Read)) {
	m := make(map[string]*reads.Read)
	for _, r2 := range rs {
		if !r2.IsMultiple() || r2.IsNextUnmapped() || r2.PNEXT == 0 || r2.PNEXT > r2.End() {
			continue
		}
		if r1, ok := m[r2.QNAME]; ok {
			delete(m, r2.QNAME)
			f(r1, r2)
		} else {
			m[r2.QNAME] = r2
		}
	}
}

const pcrSnvErrorRate = 1e-4

var (
	pcrSnvErrorQual     = math.Round(-10 * log10(pcrSnvErrorRate))
	halfPcrSnvErrorQual = byte(int(pcrSnvErrorQual) / 2)
)

// cleanOverlappingReadPair reconciles base qualities where the two
// reads of a pair cover the same reference bases. Agreeing bases are
// capped at half the PCR SNV error quality, disagreeing bases zeroed.
func cleanOverlappingReadPair(r1, r2 *reads.Read) {
	if r1.RNAME != r2.RNAME {
		return
	}
	soft1 := r1.SoftClippedStart()
	soft2 := r2.SoftClippedStart()
	if soft1 >= soft2 {
		r1, r2 = r2, r1
		soft1 = soft2
	}
	if r1.End() < r2.POS {
		return
	}
	readBases, fallsInsideOrJustBeforeDeletionOrSkippedRegion := computeReadCoordinateForReferenceCoordinate(r1.CIGAR, soft1, r2.POS)
	if readBases == -1 {
		return
	}
	if fallsInsideOrJustBeforeDeletionOrSkippedRegion {
		readBases++
	}
	if nofOverlappingBases := min(len(r1.SEQ)-readBases, len(r2.SEQ)); nofOverlappingBases > 0 {
		q1 := append([]byte(nil), r1.QUAL...)
		q2 := append([]byte(nil), r2.QUAL...)
		for index2 := 0; index2 < nofOverlappingBases; index2++ {
			index1 := readBases + index2
			if r1.SEQ[index1] == r2.SEQ[index2] {
				q1[index1] = min(q1[index1], halfPcrSnvErrorQual)
				q2[index2] = min(q2[index2], halfPcrSnvErrorQual)
			} else {
				q1[index1] = 0
				q2[index2] = 0
			}
		}
		r1.QUAL = q1
		r2.QUAL = q2
	}
}

// finalizeRegion clips the attached reads down to usable evidence:
// low quality tails go, soft clips are reverted or removed, adaptor
// sequence is clipped, and everything is cut to the padded span.
// Reads are cloned first so other regions see the originals.
func (c *Caller) finalizeRegion(region *region) {
	paddedStart := region.paddedStart()
	paddedEnd := region.paddedEnd()
	finalized := make([]*reads.Read, 0, len(region.rs))
	for _, original := range region.rs {
		r := original.Clone()
		hardClipLowQualEnds(r, c.cfg.MinBaseQual-1)
		if wellDefined := hasWellDefinedFragmentSize(r); wellDefined {
			revertSoftClippedBases(r)
		} else {
			hardClipSoftClippedBases(r)
		}
		if !isStrictUnmapped(r) {
			hardClipAdaptorSequence(r)
		}
		if len(r.SEQ) > 0 && reads.ReadLengthFromCigar(r.CIGAR) > 0 {
			hardClipToRegion(r, paddedStart, paddedEnd)
			if readOverlapsRegion(r, paddedStart, paddedEnd) {
				finalized = append(finalized, r)
			}
		}
	}
	region.rs = finalized

	reads.By(reads.CoordinateLess).ParallelStableSort(region.rs)
	forEachReadPair(region.rs, cleanOverlappingReadPair)
}

const (
	readLengthFilterThreshold  = 10
	readQualityFilterThreshold = 20
)

// filterNonPassingReads removes reads too short or too poorly mapped
// to assemble, returning the removed reads for depth accounting.
func filterNonPassingReads(region *region) (removed []*reads.Read) {
	i := 0
	l := len(region.rs)
	for j := 0; j < l; j++ {
		r := region.rs[i]
		if len(r.SEQ) < readLengthFilterThreshold ||
			r.MAPQ < readQualityFilterThreshold ||
			(r.IsMultiple() && !r.IsNextUnmapped() && r.RNEXT != "=" && r.RNEXT != r.RNAME) {
			region.rs = append(region.rs[:i], region.rs[i+1:]...)
			region.rs = append(region.rs, r)
		} else {
			i++
		}
	}
	removed = region.rs[i:]
	region.rs = region.rs[:i]
	return
}
