// straincall: local-reassembly variant calling for within-species
// strain-level sequencing data.
// Copyright (c) 2026 the straincall authors.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.

package caller

import (
	"log"

	"github.com/strainsight/straincall/reads"
)

// readBaseSpan returns how many read bases a cigar element of the
// given operation and length consumes.
func readBaseSpan(operation byte, length int) int {
	switch operation {
	case 'M', 'I', 'S', '=', 'X':
		return length
	}
	return 0
}

func consumesRefBases(operation byte) bool {
	switch operation {
	case 'M', 'D', 'N', '=', 'X':
		return true
	}
	return false
}

func isStrictUnmapped(r *reads.Read) bool {
	return r.IsUnmapped() || r.RNAME == "" || r.RNAME == "*" || r.POS == 0
}

func isStrictNextUnmapped(r *reads.Read) bool {
	return r.IsNextUnmapped() || r.RNEXT == "" || r.RNEXT == "*" || r.PNEXT == 0
}

func hasWellDefinedFragmentSize(r *reads.Read) bool {
	if r.TLEN == 0 || !r.IsMultiple() || isStrictUnmapped(r) || isStrictNextUnmapped(r) {
		return false
	}
	if r.IsReversed() == (r.FLAG&reads.NextReversed != 0) {
		return false
	}
	if r.IsReversed() {
		return r.End() > r.PNEXT
	}
	return r.POS <= r.PNEXT+r.TLEN
}

// computeAdaptorBoundary returns the reference coordinate where the
// sequencing adaptor starts for this read, if the fragment size is
// well defined.
func computeAdaptorBoundary(r *reads.Read) (int32, bool) {
	if !hasWellDefinedFragmentSize(r) {
		return -1, false
	}
	if r.IsReversed() {
		return r.PNEXT - 1, true
	}
	return r.POS + abs32(r.TLEN), true
}

func isInsideRead(r *reads.Read, refCoord int32) bool {
	return refCoord >= r.POS && refCoord <= r.End()
}

func isInsideDeletion(cigar []reads.CigarOperation, offset int) bool {
	if offset < 0 {
		return false
	}
	pos := 0
	for _, op := range cigar {
		before := pos
		pos += readBaseSpan(op.Operation, int(op.Length))
		if op.Operation == 'D' {
			pos += int(op.Length)
		}
		if op.Operation == 'D' && before < offset && pos >= offset {
			return true
		}
	}
	return false
}

// readStartsWithInsertion reports the length of the first insertion
// in the cigar, provided only clips precede it.
func readStartsWithInsertion(cigar []reads.CigarOperation) (int32, bool) {
	for _, op := range cigar {
		switch op.Operation {
		case 'I':
			return op.Length, true
		case 'H', 'S':
		default:
			return 0, false
		}
	}
	return 0, false
}

// computeReadCoordinateForReferenceCoordinate maps a reference
// coordinate to the read base offset aligned there, treating soft
// clips as aligned. The boolean result reports whether the coordinate
// falls inside or just before a deletion or skipped region, in which
// case the returned offset is that of the base preceding it.
func computeReadCoordinateForReferenceCoordinate(cigar []reads.CigarOperation, softStart, refIndex int32) (int, bool) {
	target := int(refIndex - softStart)
	if target < 0 {
		return -1, false
	}
	var readOffset, refOffset int
	insideDeletion := false
	justBeforeDeletion := false
	atDeletion := false
	index := 0
	for refOffset != target && index < len(cigar) {
		element := cigar[index]
		index++
		elementLength := int(element.Length)
		var consumed int
		if consumesRefBases(element.Operation) || element.Operation == 'S' {
			consumed = min(elementLength, target-refOffset)
			refOffset += consumed
		}
		if refOffset != target {
			readOffset += readBaseSpan(element.Operation, elementLength)
			continue
		}
		// the target lands in (or right after) this element; peek at
		// what follows to detect an adjacent deletion
		if consumed >= elementLength && index == len(cigar) {
			return -1, false
		}
		if consumed < elementLength {
			insideDeletion = element.Operation == 'D' || element.Operation == 'N'
		} else {
			next := cigar[index]
			index++
			if next.Operation == 'I' {
				readOffset += int(next.Length)
				if index == len(cigar) {
					return -1, false
				}
				next = cigar[index]
				index++
			}
			justBeforeDeletion = next.Operation == 'D' || next.Operation == 'N'
		}
		atDeletion = insideDeletion || justBeforeDeletion
		switch {
		case !atDeletion:
			readOffset += readBaseSpan(element.Operation, consumed)
		case justBeforeDeletion:
			readOffset += readBaseSpan(element.Operation, consumed-1)
		default:
			readOffset--
		}
	}
	if refOffset != target {
		return -1, false
	}
	return readOffset, atDeletion
}

type clippingTail int

const (
	leftTail clippingTail = iota
	rightTail
)

func getReadCoordinateForReferenceCoordinate(cigar []reads.CigarOperation, softStart, refIndex int32, tail clippingTail) (int, bool) {
	readOffset, atDeletion := computeReadCoordinateForReferenceCoordinate(cigar, softStart, refIndex)
	if readOffset == -1 {
		return -1, false
	}
	if tail == rightTail && atDeletion {
		readOffset++
	}
	if tail == leftTail && readOffset == 0 {
		if insertionLength, ok := readStartsWithInsertion(cigar); ok {
			readOffset = int(min(insertionLength, reads.ReadLengthFromCigar(cigar)-1))
		}
	}
	return readOffset, true
}

// leadingClipLength counts the hard clips and the soft clips directly
// following them at the cigar start.
func leadingClipLength(cigar []reads.CigarOperation) int32 {
	var size int32
	i := 0
	for ; i < len(cigar) && cigar[i].Operation == 'H'; i++ {
		size += cigar[i].Length
	}
	for ; i < len(cigar) && cigar[i].Operation == 'S'; i++ {
		size += cigar[i].Length
	}
	return size
}

func clippedStartShift(cigar, clippedCigar []reads.CigarOperation) int32 {
	return leadingClipLength(clippedCigar) - leadingClipLength(cigar)
}

// clipAlignmentShift is the change in reference footprint caused by
// hard clipping clipLength bases of the given cigar element.
func clipAlignmentShift(op reads.CigarOperation, clipLength int) int {
	switch op.Operation {
	case 'I':
		return -clipLength
	case 'D', 'N':
		return int(op.Length)
	default:
		return 0
	}
}

// hardClip removes the read bases in the index interval [start, stop]
// from the read, rewriting SEQ, QUAL, CIGAR, and POS.
func hardClip(r *reads.Read, start, stop int) {
	clippedCigar := hardClipCigar(r, start, stop)
	keptLength := len(r.SEQ) - (stop - start + 1)
	keptStart := 0
	if start == 0 {
		keptStart = stop + 1
	}
	oldCigar := r.CIGAR
	r.SEQ = r.SEQ[keptStart : keptStart+keptLength]
	r.QUAL = r.QUAL[keptStart : keptStart+keptLength]
	r.CIGAR = clippedCigar
	if start == 0 && !isStrictUnmapped(r) {
		r.POS += clippedStartShift(oldCigar, clippedCigar)
	}
}

// clipCigarLeft rewrites a cigar for hard clipping read bases [0, stop].
func clipCigarLeft(cigar []reads.CigarOperation, stop int) []reads.CigarOperation {
	hardClipCount := stop + 1
	alignmentShift := 0
	var clipped []reads.CigarOperation
	i := 0
	for ; i < len(cigar) && cigar[i].Operation == 'H'; i++ {
		hardClipCount += int(cigar[i].Length)
	}
	readIndex := 0
	for ; readIndex <= stop && i < len(cigar); i++ {
		op := cigar[i]
		opLength := int(op.Length)
		span := readBaseSpan(op.Operation, opLength)
		if readIndex+span == stop+1 {
			alignmentShift += clipAlignmentShift(op, opLength)
			clipped = append(clipped, reads.CigarOperation{Operation: 'H', Length: int32(hardClipCount + alignmentShift)})
		} else if readIndex+span > stop+1 {
			clipHere := stop - readIndex + 1
			alignmentShift += clipAlignmentShift(op, clipHere)
			clipped = append(clipped,
				reads.CigarOperation{Operation: 'H', Length: int32(hardClipCount + alignmentShift)},
				reads.CigarOperation{Operation: op.Operation, Length: int32(opLength - clipHere)},
			)
		}
		readIndex += span
		alignmentShift += clipAlignmentShift(op, span)
	}
	return append(clipped, cigar[i:]...)
}

// clipCigarRight rewrites a cigar for hard clipping read bases
// [start, end of read].
func clipCigarRight(cigar []reads.CigarOperation, start, clipCount int) []reads.CigarOperation {
	hardClipCount := clipCount
	alignmentShift := 0
	var clipped []reads.CigarOperation
	i := 0
	readIndex := 0
	for ; readIndex < start && i < len(cigar); i++ {
		op := cigar[i]
		opLength := int(op.Length)
		span := readBaseSpan(op.Operation, opLength)
		if readIndex+span < start {
			clipped = append(clipped, op)
		} else {
			keep := start - readIndex
			alignmentShift += clipAlignmentShift(op, opLength-keep)
			if op.Operation == 'H' {
				hardClipCount += keep
			} else {
				clipped = append(clipped, reads.CigarOperation{Operation: op.Operation, Length: int32(keep)})
			}
		}
		readIndex += span
	}
	for ; i < len(cigar); i++ {
		op := cigar[i]
		alignmentShift += clipAlignmentShift(op, int(op.Length))
		if op.Operation == 'H' {
			hardClipCount += int(op.Length)
		}
	}
	return append(clipped, reads.CigarOperation{Operation: 'H', Length: int32(hardClipCount + alignmentShift)})
}

func hardClipCigar(r *reads.Read, start, stop int) []reads.CigarOperation {
	var clipped []reads.CigarOperation
	if start == 0 {
		clipped = clipCigarLeft(r.CIGAR, stop)
	} else {
		clipped = clipCigarRight(r.CIGAR, start, stop-start+1)
	}
	return mergeEdgeClips(clipped)
}

// mergeEdgeClips folds leading and trailing runs of hard clips,
// deletions, and skips into single hard clip elements.
func mergeEdgeClips(cigar []reads.CigarOperation) []reads.CigarOperation {
	isEdgeClip := func(operation byte) bool {
		return operation == 'H' || operation == 'D' || operation == 'N'
	}
	var clipTotal int32
	head := 0
	for ; head < len(cigar) && isEdgeClip(cigar[head].Operation); head++ {
		clipTotal += cigar[head].Length
	}
	if head > 0 {
		cigar[0] = reads.CigarOperation{Operation: 'H', Length: clipTotal}
		cigar = append(cigar[:1], cigar[head:]...)
	}
	clipTotal = 0
	tail := len(cigar) - 1
	for ; tail >= 0 && isEdgeClip(cigar[tail].Operation); tail-- {
		clipTotal += cigar[tail].Length
	}
	if tail < len(cigar)-1 {
		cigar = append(cigar[:tail+1], reads.CigarOperation{Operation: 'H', Length: clipTotal})
	}
	return cigar
}

func emptyRead(r *reads.Read) {
	r.FLAG |= reads.Unmapped
	r.MAPQ = 0
	r.CIGAR = nil
	r.SEQ = ""
	r.QUAL = nil
}

func hardClipByReferenceCoordinatesLeftTail(r *reads.Read, refStop int32) {
	stop, ok := getReadCoordinateForReferenceCoordinate(r.CIGAR, r.SoftClippedStart(), refStop, leftTail)
	if !ok {
		log.Panicf("reference coordinate matches a non-existing base in read %v", r.QNAME)
	}
	hardClip(r, 0, stop)
}

func hardClipByReferenceCoordinatesRightTail(r *reads.Read, refStart int32) {
	start, ok := getReadCoordinateForReferenceCoordinate(r.CIGAR, r.SoftClippedStart(), refStart, rightTail)
	if !ok {
		log.Panicf("reference coordinate matches a non-existing base in read %v", r.QNAME)
	}
	hardClip(r, start, len(r.SEQ)-1)
}

func hardClipAdaptorSequence(r *reads.Read) {
	boundary, ok := computeAdaptorBoundary(r)
	if !ok || !isInsideRead(r, boundary) {
		return
	}
	if r.IsReversed() {
		hardClipByReferenceCoordinatesLeftTail(r, boundary)
	} else {
		hardClipByReferenceCoordinatesRightTail(r, boundary)
	}
}

func hardClipSoftClippedBases(r *reads.Read) {
	readIndex := 0
	cutLeft, cutRight := -1, -1
	pastLeftTail := false
	for _, op := range r.CIGAR {
		opLength := int(op.Length)
		switch op.Operation {
		case 'S':
			if pastLeftTail {
				cutRight = readIndex
			} else {
				cutLeft = readIndex + opLength - 1
			}
		case 'H':
		default:
			pastLeftTail = true
		}
		readIndex += readBaseSpan(op.Operation, opLength)
	}
	if cutRight >= 0 {
		hardClip(r, cutRight, len(r.SEQ)-1)
	}
	if cutLeft >= 0 {
		hardClip(r, 0, cutLeft)
	}
}

func hardClipLowQualEnds(r *reads.Read, lowQual byte) {
	length := len(r.SEQ)
	left, right := 0, length-1
	for right >= 0 && r.QUAL[right] <= lowQual {
		right--
	}
	for left < length && r.QUAL[left] <= lowQual {
		left++
	}
	if left > right {
		emptyRead(r)
		return
	}
	if right < length-1 {
		hardClip(r, right+1, length-1)
	}
	if left > 0 {
		hardClip(r, 0, left-1)
	}
}

// revertSoftClippedBases turns leading and trailing soft clips back
// into aligned matches, so assembly can use the clipped bases.
func revertSoftClippedBases(r *reads.Read) {
	var unclipped []reads.CigarOperation
	var matches int32
	for _, op := range r.CIGAR {
		switch op.Operation {
		case 'S', 'M':
			matches += op.Length
		default:
			if matches > 0 {
				unclipped = append(unclipped, reads.CigarOperation{Operation: 'M', Length: matches})
				matches = 0
			}
			unclipped = append(unclipped, op)
		}
	}
	if matches > 0 {
		unclipped = append(unclipped, reads.CigarOperation{Operation: 'M', Length: matches})
	}
	newStart := r.POS + clippedStartShift(r.CIGAR, unclipped)
	r.CIGAR = unclipped
	if newStart <= 0 {
		// reverting pushed the alignment start before the contig;
		// clip the overhanging bases instead
		r.POS = 1
		hardClip(r, 0, -int(newStart))
		if !isStrictUnmapped(r) {
			r.POS = 1
		}
	} else {
		r.POS = newStart
	}
}

// hardClipToRegion clips the read down to the reference interval
// [start, stop], emptying it if no overlap remains.
func hardClipToRegion(r *reads.Read, start, stop int32) {
	if len(r.SEQ) == 0 || start-1 == stop+1 {
		emptyRead(r)
		return
	}
	readStart, readStop := r.POS, r.End()
	if readStart > stop || readStop < start {
		emptyRead(r)
		return
	}
	if readStop > stop {
		hardClipByReferenceCoordinatesRightTail(r, stop+1)
		if readStart < start && start-1 > r.End() {
			emptyRead(r)
			return
		}
	}
	if readStart < start {
		hardClipByReferenceCoordinatesLeftTail(r, start-1)
	}
}
