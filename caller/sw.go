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
	"math"
	"sync"

	"github.com/strainsight/straincall/fasta"
	"github.com/strainsight/straincall/reads"
)

// An overhang strategy decides what happens to alternate bases hanging
// over the reference ends: soft clip them, charge them as indels, or
// drop them.
type smithWatermanOverhangStrategy int32

const (
	softclip smithWatermanOverhangStrategy = iota
	indel
	leadingIndel
	ignoreOverhangs
)

// scoreMatrix is a flat row-major int32 matrix reused across
// alignments.
type scoreMatrix struct {
	cols  int32
	cells []int32
}

func (m *scoreMatrix) reset(rows, cols int32) {
	m.cols = cols
	size := rows * cols
	if size <= int32(cap(m.cells)) {
		m.cells = m.cells[:size]
		for i := range m.cells {
			m.cells[i] = 0
		}
	} else {
		m.cells = make([]int32, size)
	}
}

func (m *scoreMatrix) at(row, col int32) int32 {
	return m.cells[row*m.cols+col]
}

func (m *scoreMatrix) set(row, col, value int32) {
	m.cells[row*m.cols+col] = value
}

func (m *scoreMatrix) row(row int32) []int32 {
	offset := row * m.cols
	return m.cells[offset : offset+m.cols]
}

// alignmentScratch holds the score and backtrack matrices plus the
// running gap vectors of one alignment. Pooled because regions align
// many haplotypes in a row.
type alignmentScratch struct {
	scores, backtrack  scoreMatrix
	bestGapV, gapSizeV []int32
	bestGapH, gapSizeH []int32
}

var alignmentScratchPool = sync.Pool{New: func() interface{} { return &alignmentScratch{} }}

func resetVector(v []int32, size, value int32) []int32 {
	if size <= int32(cap(v)) {
		v = v[:size]
	} else {
		v = make([]int32, size)
	}
	for i := range v {
		v[i] = value
	}
	return v
}

// lastIndex looks for an exact occurrence of seq in ref, scanning
// from the right. A hit short-circuits the full alignment.
func lastIndex(ref, seq string) int32 {
	n := int32(len(seq))
	for r := int32(len(ref)) - n; r >= 0; r-- {
		q := int32(0)
		for q < n && fasta.ToUpperAndN(ref[r+q]) == seq[q] {
			q++
		}
		if q == n {
			return r
		}
	}
	return -1
}

// runSmithWaterman computes a global alignment of alt against ref with
// affine gap penalties, returning the CIGAR and the offset of the
// alignment start in the reference.
func runSmithWaterman(ref, alt string,
	matchValue, mismatchPenalty, gapOpenPenalty, gapExtendPenalty int32, strategy smithWatermanOverhangStrategy) ([]reads.CigarOperation, int32) {

	switch strategy {
	case softclip, ignoreOverhangs:
		if offset := lastIndex(ref, alt); offset >= 0 {
			return []reads.CigarOperation{{Length: int32(len(alt)), Operation: 'M'}}, offset
		}
	}

	scratch := alignmentScratchPool.Get().(*alignmentScratch)
	defer alignmentScratchPool.Put(scratch)

	refLength := int32(len(ref))
	altLength := int32(len(alt))
	rows := refLength + 1
	cols := altLength + 1
	scratch.scores.reset(rows, cols)
	scratch.backtrack.reset(rows, cols)

	const (
		scoreFloor   = -1.0e8
		lowInitValue = math.MinInt32 / 2
	)

	scratch.bestGapV = resetVector(scratch.bestGapV, cols+1, lowInitValue)
	scratch.gapSizeV = resetVector(scratch.gapSizeV, cols+1, 0)
	scratch.bestGapH = resetVector(scratch.bestGapH, rows+1, lowInitValue)
	scratch.gapSizeH = resetVector(scratch.gapSizeH, rows+1, 0)

	// indel strategies charge overhangs, so the border rows ramp up
	// with gap penalties instead of staying zero
	switch strategy {
	case indel, leadingIndel:
		border := scratch.scores.row(0)
		penalty := gapOpenPenalty
		border[1] = penalty
		for i := 2; i < len(border); i++ {
			penalty += gapExtendPenalty
			border[i] = penalty
		}
		penalty = gapOpenPenalty
		scratch.scores.set(1, 0, penalty)
		for i := int32(2); i < rows; i++ {
			penalty += gapExtendPenalty
			scratch.scores.set(i, 0, penalty)
		}
	}

	currentRow := scratch.scores.row(0)
	for i := int32(1); i < rows; i++ {
		refBase := ref[i-1]
		previousRow := currentRow
		currentRow = scratch.scores.row(i)
		backtrackRow := scratch.backtrack.row(i)

		for j := int32(1); j < cols; j++ {
			diagonal := previousRow[j-1]
			if refBase == alt[j-1] {
				diagonal += matchValue
			} else {
				diagonal += mismatchPenalty
			}

			openDown := previousRow[j] + gapOpenPenalty
			scratch.bestGapV[j] += gapExtendPenalty
			if openDown > scratch.bestGapV[j] {
				scratch.bestGapV[j] = openDown
				scratch.gapSizeV[j] = 1
			} else {
				scratch.gapSizeV[j]++
			}
			down := scratch.bestGapV[j]
			downSize := scratch.gapSizeV[j]

			openRight := currentRow[j-1] + gapOpenPenalty
			scratch.bestGapH[i] += gapExtendPenalty
			if openRight > scratch.bestGapH[i] {
				scratch.bestGapH[i] = openRight
				scratch.gapSizeH[i] = 1
			} else {
				scratch.gapSizeH[i]++
			}
			right := scratch.bestGapH[i]
			rightSize := scratch.gapSizeH[i]

			switch {
			case diagonal >= down && diagonal >= right:
				currentRow[j] = max(scoreFloor, diagonal)
				backtrackRow[j] = 0
			case right >= down:
				currentRow[j] = max(scoreFloor, right)
				backtrackRow[j] = -rightSize
			default:
				currentRow[j] = max(scoreFloor, down)
				backtrackRow[j] = downSize
			}
		}
	}

	// locate the backtrack start: the best score on the last column,
	// and for strategies that allow trailing overhangs also the last row
	topScore := math.MinInt32
	var runLength int32
	var refPos int32
	altPos := altLength
	if strategy == indel {
		refPos = refLength
	} else {
		for i := int32(1); i < rows; i++ {
			if score := int(scratch.scores.at(i, altLength)); score >= topScore {
				refPos = i
				topScore = score
			}
		}
		if strategy != leadingIndel {
			lastRow := scratch.scores.row(refLength)
			for j := int32(1); j < cols; j++ {
				if score := int(lastRow[j]); score > topScore ||
					(score == topScore && abs32(refLength-j) < abs32(refPos-altPos)) {
					refPos = refLength
					altPos = j
					topScore = score
					runLength = altLength - j
				}
			}
		}
	}

	ops := make([]reads.CigarOperation, 0, 5)
	if runLength > 0 && strategy == softclip {
		ops = append(ops, reads.CigarOperation{Length: runLength, Operation: 'S'})
		runLength = 0
	}
	state := byte('M')
	for {
		stepLength := int32(1)
		step := scratch.backtrack.at(refPos, altPos)
		var nextState byte
		switch {
		case step > 0:
			nextState = 'D'
			stepLength = step
			refPos -= step
		case step < 0:
			nextState = 'I'
			stepLength = -step
			altPos += step
		default:
			nextState = 'M'
			refPos--
			altPos--
		}

		if nextState == state {
			runLength += stepLength
		} else {
			ops = append(ops, reads.CigarOperation{Length: runLength, Operation: state})
			runLength = stepLength
			state = nextState
		}

		if refPos <= 0 || altPos <= 0 {
			break
		}
	}

	var startOffset int32
	switch strategy {
	case softclip:
		ops = append(ops, reads.CigarOperation{Length: runLength, Operation: state})
		if altPos > 0 {
			ops = append(ops, reads.CigarOperation{Length: altPos, Operation: 'S'})
		}
		startOffset = refPos
	case ignoreOverhangs:
		ops = append(ops, reads.CigarOperation{Length: runLength + altPos, Operation: state})
		startOffset = refPos - altPos
	default:
		ops = append(ops, reads.CigarOperation{Length: runLength, Operation: state})
		switch {
		case refPos > 0:
			ops = append(ops, reads.CigarOperation{Length: refPos, Operation: 'D'})
		case altPos > 0:
			ops = append(ops, reads.CigarOperation{Length: altPos, Operation: 'I'})
		}
		startOffset = 0
	}

	// the backtrack produced the cigar right to left
	for i, j := 0, len(ops)-1; i < j; i, j = i+1, j-1 {
		ops[i], ops[j] = ops[j], ops[i]
	}
	for i := 1; i < len(ops); {
		switch {
		case ops[i-1].Length == 0:
			ops = append(ops[:i-1], ops[i:]...)
		case ops[i-1].Operation == ops[i].Operation:
			ops[i-1].Length += ops[i].Length
			ops = append(ops[:i], ops[i+1:]...)
		default:
			i++
		}
	}
	if last := len(ops) - 1; ops[last].Length == 0 {
		ops = ops[:last]
	}
	return ops, startOffset
}

func abs32(x int32) int32 {
	if x < 0 {
		return -x
	}
	return x
}

const swPad = "NNNNNNNNNN"

// isSWFailure reports alignments that did not consume the full
// reference pad: a positive offset or leftover soft clips mean the
// haplotype cannot be anchored.
func isSWFailure(cigar []reads.CigarOperation, offset int32) bool {
	if offset > 0 {
		return true
	}
	for _, el := range cigar {
		if el.Operation == 'S' {
			return true
		}
	}
	return false
}

func addCigarElement(cigar []reads.CigarOperation, pos, start, end int32, el reads.CigarOperation) ([]reads.CigarOperation, int32) {
	if length := min(pos+el.Length-1, end) - max(pos, start) + 1; length > 0 {
		cigar = append(cigar, reads.CigarOperation{Length: length, Operation: el.Operation})
	}
	return cigar, pos + el.Length
}

// trimCigarByBases restricts a cigar to the alternate base window
// [start, end], keeping deletions inside the window and merging
// neighboring elements of the same operation.
func trimCigarByBases(cigar []reads.CigarOperation, start, end int32) (trimmed []reads.CigarOperation) {
	pos := int32(0)
	for _, el := range cigar {
		if el.Operation == 'D' && pos >= start {
			trimmed = append(trimmed, el)
			continue
		}
		if el.Operation != 'D' && pos > end {
			break
		}
		trimmed, pos = addCigarElement(trimmed, pos, start, end, el)
	}
	for i := 1; i < len(trimmed); {
		if trimmed[i-1].Operation == trimmed[i].Operation {
			trimmed[i-1].Length += trimmed[i].Length
			trimmed = append(trimmed[:i], trimmed[i+1:]...)
		} else {
			i++
		}
	}
	return trimmed
}

// createIndelString materializes the alternate sequence implied by
// placing the indel of cigar[indelIndex] into refSeq. Shifted cigars
// that imply the same alternate are equivalent placements.
func createIndelString(alt []byte, cigar []reads.CigarOperation, indelIndex int, indelOp reads.CigarOperation, refSeq, readSeq string, refAt, readAt int32) []byte {
	var refBasesConsumed int32
	for _, el := range cigar[:indelIndex] {
		switch el.Operation {
		case 'M', '=', 'X':
			readAt += el.Length
			refAt += el.Length
			refBasesConsumed += el.Length
		case 'S':
			readAt += el.Length
		case 'N':
			refAt += el.Length
			refBasesConsumed += el.Length
		}
	}
	if refAt > int32(len(refSeq)) {
		return nil
	}

	indelLength := indelOp.Length
	if refBasesConsumed+indelLength > int32(len(refSeq)) {
		indelLength = int32(len(refSeq)) - refBasesConsumed
	}

	outLength := int32(len(refSeq))
	if indelOp.Operation == 'D' {
		outLength -= indelLength
	} else {
		outLength += indelLength
	}
	if refAt > outLength {
		return nil
	}
	if outLength <= int32(cap(alt)) {
		alt = alt[:outLength]
	} else {
		alt = make([]byte, outLength)
	}
	copy(alt, refSeq[:refAt])

	writePos := refAt
	if indelOp.Operation == 'D' {
		refAt += indelLength
	} else {
		copy(alt[writePos:writePos+indelLength], readSeq[readAt:readAt+indelLength])
		writePos += indelLength
	}
	if int32(len(refSeq))-refAt > outLength-writePos {
		return nil
	}
	copy(alt[writePos:], refSeq[refAt:])
	return alt
}

// moveCigarLeft shifts the indel at indelIndex one base to the left by
// shrinking the preceding match and growing the following one.
func moveCigarLeft(cigar []reads.CigarOperation, indelIndex int) []reads.CigarOperation {
	shifted := make([]reads.CigarOperation, indelIndex-1, len(cigar))
	copy(shifted, cigar)
	before := cigar[indelIndex-1]
	shifted = append(shifted, reads.CigarOperation{Length: max(before.Length-1, 0), Operation: before.Operation})
	shifted = append(shifted, cigar[indelIndex])
	if next := indelIndex + 1; next < len(cigar) {
		after := cigar[next]
		shifted = append(shifted, reads.CigarOperation{Length: after.Length + 1, Operation: after.Operation})
		shifted = append(shifted, cigar[next+1:]...)
	} else {
		shifted = append(shifted, reads.CigarOperation{Length: 1, Operation: 'M'})
	}
	return shifted
}

func hasZeroLengthElement(cigar []reads.CigarOperation) bool {
	for _, el := range cigar {
		if el.Length == 0 {
			return true
		}
	}
	return false
}

// dropLeadingZeroElements removes zero-length and leading deletion
// elements left over from shifting an indel to the cigar start.
func dropLeadingZeroElements(cigar []reads.CigarOperation) []reads.CigarOperation {
	for i, el := range cigar {
		if el.Length != 0 && el.Operation != 'D' {
			cigar = append(cigar[:0], cigar[i:]...)
			break
		}
	}
	for i := 1; i < len(cigar); {
		if cigar[i].Length == 0 {
			cigar = append(cigar[:i], cigar[i+1:]...)
		} else {
			i++
		}
	}
	return cigar
}

// leftAlignIndel shifts a single indel in the CIGAR as far left as the
// surrounding sequence allows without changing the implied alternate.
func leftAlignIndel(cigar []reads.CigarOperation, refSeq, readSeq string, refAt, readAt int32, cleanupCigar bool) []reads.CigarOperation {
	indelIndex := -1
	var indelOp reads.CigarOperation
	for i, el := range cigar {
		if el.Operation == 'D' || el.Operation == 'I' {
			if indelIndex != -1 {
				// more than one indel, leave the cigar alone
				return cigar
			}
			indelIndex = i
			indelOp = el
		}
	}
	if indelIndex <= 0 {
		return cigar
	}

	altString := createIndelString(nil, cigar, indelIndex, indelOp, refSeq, readSeq, refAt, readAt)
	if len(altString) == 0 {
		return cigar
	}

	shifted := cigar
	var shiftedAltString []byte
	for i := int32(0); i < indelOp.Length; i++ {
		shifted = moveCigarLeft(shifted, indelIndex)
		shiftedAltString = createIndelString(shiftedAltString, shifted, indelIndex, indelOp, refSeq, readSeq, refAt, readAt)
		if !bytes.Equal(altString, shiftedAltString) {
			if hasZeroLengthElement(shifted) {
				return cigar
			}
			continue
		}
		cigar = shifted
		i = -1
		if hasZeroLengthElement(shifted) {
			if cleanupCigar {
				cigar = dropLeadingZeroElements(cigar)
			}
			return cigar
		}
	}
	return cigar
}

// leftAlignCigarSequentially left aligns every indel of a cigar in
// turn, treating the stretch up to and including each indel as its own
// alignment problem.
func leftAlignCigarSequentially(cigar []reads.CigarOperation, reference, alternate string) (aligned []reads.CigarOperation) {
	var pending []reads.CigarOperation
	var refAt, readAt int32
	for _, el := range cigar {
		pending = append(pending, el)
		if el.Operation == 'D' || el.Operation == 'I' {
			aligned = append(aligned, leftAlignIndel(pending, reference, alternate, refAt, readAt, false)...)
			refAt += reads.ReferenceLengthFromCigar(pending)
			readAt += reads.ReadLengthFromCigar(pending)
			pending = pending[:0]
		}
	}
	aligned = append(aligned, pending...)
	for len(aligned) > 0 && aligned[0].Length == 0 {
		aligned = aligned[1:]
	}
	for i := 1; i < len(aligned); {
		switch {
		case aligned[i].Length == 0:
			aligned = append(aligned[:i], aligned[i+1:]...)
		case aligned[i-1].Operation == aligned[i].Operation:
			aligned[i-1].Length += aligned[i].Length
			aligned = append(aligned[:i], aligned[i+1:]...)
		default:
			i++
		}
	}
	return aligned
}

// calculateCigar aligns a haplotype against the padded reference and
// returns its CIGAR, or nil when the alignment is unusable.
func calculateCigar(ref, alt, paddedRef string, strategy smithWatermanOverhangStrategy) []reads.CigarOperation {
	if len(ref) == len(alt) {
		mismatches := 0
		for i := range ref {
			if ref[i] != alt[i] {
				mismatches++
			}
		}
		if mismatches <= 2 {
			return []reads.CigarOperation{{Length: int32(len(ref)), Operation: 'M'}}
		}
	}
	paddedAlt := swPad + alt + swPad
	cigar, offset := runSmithWaterman(paddedRef, paddedAlt, 200, -150, -260, -11, strategy)
	if isSWFailure(cigar, offset) {
		return nil
	}
	winStart := int32(len(swPad))
	winEnd := int32(len(paddedAlt) - len(swPad) - 1)
	trimmed := trimCigarByBases(cigar, winStart, winEnd)
	if refLength := int(reads.ReferenceLengthFromCigar(trimmed)); refLength != len(ref) {
		trimmed = append(trimmed, reads.CigarOperation{Length: int32(len(ref) - refLength), Operation: 'D'})
	}
	return leftAlignCigarSequentially(trimmed, ref, alt)
}
