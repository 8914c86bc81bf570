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

const (
	highQualitySoftClipThreshold         = 28
	averageHighQualitySoftClipsThreshold = 6
)

func countHighQualitySoftClips(r *reads.Read) (result int32) {
	var seqPos int32
	for _, op := range r.CIGAR {
		switch op.Operation {
		case 'S':
			for _, q := range r.QUAL[seqPos : seqPos+op.Length] {
				if q > highQualitySoftClipThreshold {
					result++
				}
			}
			fallthrough
		case 'M', '=', 'X', 'I':
			seqPos += op.Length
		}
	}
	return
}

// A pileupElement is one base of one read at a particular reference
// position. Bases that exist only in the read (clips, paddings,
// inserts) never pile up.
type pileupElement struct {
	read     *reads.Read
	seqIndex int32
	// position within the cigar: element index plus offset into it
	opIndex  int32
	opOffset int32
	// total number of high-quality soft clipped bases in the read
	nofHighQualitySoftClips int32
}

func (e *pileupElement) base() byte {
	return e.read.SEQ[e.seqIndex]
}

func (e *pileupElement) qual() byte {
	return e.read.QUAL[e.seqIndex]
}

func (e *pileupElement) op() reads.CigarOperation {
	return e.read.CIGAR[e.opIndex]
}

func consumesReference(operation byte) bool {
	switch operation {
	case 'M', '=', 'X', 'D':
		return true
	}
	return false
}

// prevOp returns the cigar element just before this pileup element,
// which is the current one when the element is not at its start.
func (e *pileupElement) prevOp() (reads.CigarOperation, bool) {
	if e.opOffset > 0 {
		return e.read.CIGAR[e.opIndex], true
	}
	if e.opIndex > 0 {
		return e.read.CIGAR[e.opIndex-1], true
	}
	return reads.CigarOperation{}, false
}

// prevOnGenomeOp is like prevOp, but only returns operations that
// consume reference bases.
func (e *pileupElement) prevOnGenomeOp() (reads.CigarOperation, bool) {
	cigar := e.read.CIGAR
	if e.opOffset > 0 && consumesReference(cigar[e.opIndex].Operation) {
		return cigar[e.opIndex], true
	}
	for i := e.opIndex - 1; i >= 0; i-- {
		if consumesReference(cigar[i].Operation) {
			return cigar[i], true
		}
	}
	return reads.CigarOperation{}, false
}

func (e *pileupElement) nextOp() (reads.CigarOperation, bool) {
	cigar := e.read.CIGAR
	if e.opOffset+1 < cigar[e.opIndex].Length {
		return cigar[e.opIndex], true
	}
	if next := int(e.opIndex) + 1; next < len(cigar) {
		return cigar[next], true
	}
	return reads.CigarOperation{}, false
}

func (e *pileupElement) nextOnGenomeOp() (reads.CigarOperation, bool) {
	cigar := e.read.CIGAR
	if e.opOffset+1 < cigar[e.opIndex].Length && consumesReference(cigar[e.opIndex].Operation) {
		return cigar[e.opIndex], true
	}
	for i := int(e.opIndex) + 1; i < len(cigar); i++ {
		if consumesReference(cigar[i].Operation) {
			return cigar[i], true
		}
	}
	return reads.CigarOperation{}, false
}

// enterNextCigarElement moves to the first piling-up base of the next
// cigar element that touches the reference, skipping read-only
// elements. It reports false when the cigar is exhausted.
func (e *pileupElement) enterNextCigarElement() bool {
	cigar := e.read.CIGAR
	for e.opIndex++; int(e.opIndex) < len(cigar); e.opIndex++ {
		switch op := cigar[e.opIndex]; op.Operation {
		case 'H', 'P':
		case 'I', 'S':
			e.seqIndex += op.Length
		case 'D', 'N':
			e.opOffset = 0
			return true
		case 'M', '=', 'X':
			e.seqIndex++
			e.opOffset = 0
			return true
		default:
			log.Panicf("invalid cigar operation %c in read %v", op.Operation, e.read.QNAME)
		}
	}
	return false
}

func firstPileupElement(r *reads.Read) (*pileupElement, bool) {
	e := pileupElement{
		read:                    r,
		seqIndex:                -1,
		opIndex:                 -1,
		nofHighQualitySoftClips: countHighQualitySoftClips(r),
	}
	return &e, e.enterNextCigarElement()
}

func (e *pileupElement) nextPileupElement() bool {
	op := e.read.CIGAR[e.opIndex]
	if e.opOffset++; e.opOffset < op.Length {
		switch op.Operation {
		case 'M', '=', 'X':
			e.seqIndex++
		}
		return true
	}
	return e.enterNextCigarElement()
}

// firstPileupElementAtOrAbove positions a fresh pileup element at the
// first reference location of the read that is >= location, returning
// that location, or (nil, -1) when the read ends before it.
func firstPileupElementAtOrAbove(r *reads.Read, location int32) (*pileupElement, int32) {
	e := pileupElement{
		read:                    r,
		opIndex:                 -1,
		nofHighQualitySoftClips: countHighQualitySoftClips(r),
	}
	refLoc := r.POS
	for i, op := range r.CIGAR {
		switch op.Operation {
		case 'H', 'P':
		case 'I', 'S':
			e.seqIndex += op.Length
		case 'D', 'N':
			if refLoc+op.Length > location {
				e.seqIndex--
				e.opIndex = int32(i)
				e.opOffset = max(location-refLoc, 0)
				return &e, max(location, refLoc)
			}
			refLoc += op.Length
		case 'M', '=', 'X':
			if refLoc+op.Length > location {
				skip := max(location-refLoc, 0)
				e.seqIndex += skip
				e.opIndex = int32(i)
				e.opOffset = skip
				return &e, max(location, refLoc)
			}
			e.seqIndex += op.Length
			refLoc += op.Length
		default:
			log.Panicf("invalid cigar operation %c in read %v", op.Operation, r.QNAME)
		}
	}
	return nil, -1
}

// a pileup holds all pileup elements at one reference location
type pileup struct {
	location         int32
	allElements      []pileupElement
	filteredElements []pileupElement
}

// filterAdaptors drops elements that fall beyond the adaptor boundary
// of their read. The originals stay around for later pileups.
func (p *pileup) filterAdaptors() {
	p.filteredElements = p.filteredElements[:0]
	for i := range p.allElements {
		if el := p.allElements[i]; p.keepDespiteAdaptor(&el) {
			p.filteredElements = append(p.filteredElements, el)
		}
	}
}

func (p *pileup) keepDespiteAdaptor(el *pileupElement) bool {
	if el.read.TLEN > 100 {
		return true
	}
	boundary, wellDefined := computeAdaptorBoundary(el.read)
	if !wellDefined {
		return true
	}
	if el.read.IsReversed() {
		return p.location > boundary
	}
	return p.location < boundary
}

// seedElementsAt fills the pileup with the elements of all reads that
// cover location low. Reads starting above low are left for the main
// walk; the first of them is returned together with its location.
func (p *pileup) seedElementsAt(rs []*reads.Read, low, high int32) (skippedIndex int, skippedElement *pileupElement, skippedLoc int32) {
	for i, r := range rs {
		el, loc := firstPileupElementAtOrAbove(r, low)
		switch {
		case loc < 0:
		case loc == low:
			p.allElements = append(p.allElements, *el)
		default:
			return i, el, loc
		}
	}
	return len(rs), nil, high
}

// advanceElements steps every element to the next reference location,
// dropping the ones whose reads end here.
func (p *pileup) advanceElements() {
	live := p.allElements[:0]
	for i := range p.allElements {
		if p.allElements[i].nextPileupElement() {
			live = append(live, p.allElements[i])
		}
	}
	p.allElements = live
}

// emitUpTo visits the pileups from the current location up to (but
// excluding) stop, reporting false once location high is reached.
func (p *pileup) emitUpTo(stop, high int32, f func(p *pileup)) bool {
	for ; len(p.allElements) > 0 && p.location < stop; p.advanceElements() {
		p.filterAdaptors()
		if len(p.filteredElements) > 0 {
			f(p)
		}
		p.location++
		if p.location >= high {
			return false
		}
	}
	return true
}

// forEachPileup walks the pileups for the given coordinate-sorted
// reads over the half-open location interval [low, high).
func forEachPileup(rs []*reads.Read, low, high int32, f func(p *pileup)) {
	if high <= 1 || low >= high {
		return
	}
	pile := &pileup{location: low}
	skippedIndex, skippedElement, skippedLoc := pile.seedElementsAt(rs, low, high)
	if !pile.emitUpTo(skippedLoc, high, f) || skippedLoc >= high {
		return
	}
	pile.location = skippedLoc
	if skippedElement != nil {
		pile.allElements = append(pile.allElements, *skippedElement)
	}
	for _, r := range rs[skippedIndex+1:] {
		el, ok := firstPileupElement(r)
		if !ok {
			continue
		}
		if !pile.emitUpTo(r.POS, high, f) || r.POS >= high {
			return
		}
		pile.location = r.POS
		pile.allElements = append(pile.allElements, *el)
	}
	pile.emitUpTo(high, high, f)
}

func isNextToSoftClip(el pileupElement) bool {
	if op, ok := el.prevOp(); ok && op.Operation == 'S' {
		return true
	}
	if op, ok := el.nextOp(); ok && op.Operation == 'S' {
		return true
	}
	return false
}

// isAltElement reports whether a pileup element hints at variation:
// a mismatching base, a deletion, or adjacency to inserted, clipped,
// or deleted bases.
func isAltElement(el pileupElement, refBase byte) bool {
	if el.base() != refBase {
		return true
	}
	if el.op().Operation == 'D' {
		return true
	}
	if op, ok := el.prevOp(); ok && (op.Operation == 'I' || op.Operation == 'S') {
		return true
	}
	if op, ok := el.nextOp(); ok && (op.Operation == 'I' || op.Operation == 'S') {
		return true
	}
	if op, ok := el.prevOnGenomeOp(); ok && op.Operation == 'D' {
		return true
	}
	if op, ok := el.nextOnGenomeOp(); ok && op.Operation == 'D' {
		return true
	}
	return false
}
