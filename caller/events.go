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
	"math"
	"sort"
	"strings"

	"github.com/exascience/pargo/parallel"

	"github.com/strainsight/straincall/fasta"
	"github.com/strainsight/straincall/vcf"
)

func isStandardBase(b byte) bool {
	switch b {
	case 'A', 'C', 'G', 'T':
		return true
	}
	return false
}

func allStandardBases(bases []byte) bool {
	for _, b := range bases {
		if !isStandardBase(b) {
			return false
		}
	}
	return true
}

// anchorAllele returns the single-base allele for an indel anchor.
// Unlike event alleles, anchors tolerate N.
func anchorAllele(b byte) (string, bool) {
	switch b {
	case 'A', 'C', 'G', 'T', 'N':
		return string(b), true
	}
	return "", false
}

// mergeBlockSubstitution folds a second event at the same position
// into the first one, turning an indel pair or adjacent substitutions
// into a single block event.
func mergeBlockSubstitution(into, vc *vcf.Variant) {
	if len(into.Ref) == 1 && len(into.Alt[0]) == 1 {
		if into.Ref == vc.Ref {
			into.Alt[0] += vc.Alt[0][1:]
		} else {
			into.Ref = vc.Ref
		}
		return
	}
	insertion, deletion := into, vc
	alt := into.Alt[0]
	if len(into.Ref) != 1 || len(alt) <= 1 || into.Ref[0] != alt[0] {
		insertion, deletion = vc, into
	}
	into.Alt[0] = insertion.Alt[0]
	into.Ref = deletion.Ref
}

// insertEvent keeps a haplotype's event list sorted by position.
// Colliding positions merge into a block substitution.
func insertEvent(events []*vcf.Variant, vc *vcf.Variant) []*vcf.Variant {
	index := sort.Search(len(events), func(i int) bool {
		return events[i].Pos >= vc.Pos
	})
	if index < len(events) && events[index].Pos == vc.Pos {
		mergeBlockSubstitution(events[index], vc)
		return events
	}
	events = append(events, nil)
	copy(events[index+1:], events[index:])
	events[index] = vc
	return events
}

// makeEventMap walks the cigar of a haplotype against the reference
// and collects the variation events it implies, sorted by position.
// Insertions and deletions are anchored on the preceding reference
// base, so they need a position past the contig start and, for
// insertions, an interior cigar element.
func makeEventMap(source, contig string, h *haplotype, ref []byte, startPosKeySet map[int32]bool) (result []*vcf.Variant) {
	refCursor := h.location
	if refCursor < 1 {
		return result
	}
	var readCursor int32

	record := func(pos int32, refAllele, altAllele string) {
		result = insertEvent(result, &vcf.Variant{
			Source: source,
			Chrom:  contig,
			Pos:    pos,
			Ref:    refAllele,
			Alt:    []string{altAllele},
		})
		if startPosKeySet != nil {
			startPosKeySet[pos] = true
		}
	}

	for k, op := range h.cigar {
		switch op.Operation {
		case 'I':
			interior := k > 0 && k < len(h.cigar)-1
			if refCursor > 1 && interior {
				anchor, ok := anchorAllele(fasta.ToUpperAndN(ref[refCursor-2]))
				inserted := h.bases[readCursor : readCursor+op.Length]
				if ok && allStandardBases([]byte(inserted)) {
					record(refCursor-1, anchor, anchor+inserted)
				}
			}
			readCursor += op.Length
		case 'D':
			if refCursor > 1 {
				anchor, ok := anchorAllele(fasta.ToUpperAndN(ref[refCursor-2]))
				span := ref[refCursor-2 : refCursor-1+op.Length]
				if ok && allStandardBases(span) {
					deleted := make([]byte, len(span))
					for i, b := range span {
						deleted[i] = fasta.ToUpperAndN(b)
					}
					record(refCursor-1, string(deleted), anchor)
				}
			}
			refCursor += op.Length
		case 'M', '=', 'X':
			for offset := int32(0); offset < op.Length; offset++ {
				refBase := fasta.ToUpperAndN(ref[refCursor-1+offset])
				readBase := h.bases[readCursor+offset]
				if refBase != readBase && isStandardBase(refBase) && isStandardBase(readBase) {
					record(refCursor+offset, string(refBase), string(readBase))
				}
			}
			refCursor += op.Length
			readCursor += op.Length
		case 'S':
			readCursor += op.Length
		}
	}

	return result
}

// getOverlappingEvents collects, per haplotype, the events whose
// reference span covers loc.
func getOverlappingEvents(loc int32, haplotypes []*haplotype) map[*haplotype][]*vcf.Variant {
	out := make(map[*haplotype][]*vcf.Variant, len(haplotypes))
	for _, h := range haplotypes {
		var overlapping []*vcf.Variant
		for _, event := range h.events {
			if event.Pos <= loc && loc <= event.End() {
				overlapping = append(overlapping, event)
			}
		}
		out[h] = overlapping
	}
	return out
}

// An eventKey identifies an event by position and alleles, independent
// of which haplotype produced it.
type eventKey struct {
	pos       int32
	ref, alts string
}

func makeEventKey(v *vcf.Variant) eventKey {
	return eventKey{
		pos:  v.Pos,
		ref:  v.Ref,
		alts: strings.Join(v.Alt, ","),
	}
}

var spanningDeletionAlt = []string{"*"}

// computeActiveVariantContexts deduplicates the events overlapping loc
// across haplotypes. Events that overlap loc but start elsewhere are
// all represented by one spanning deletion allele at loc.
func computeActiveVariantContexts(loc int32, haplotypes []*haplotype, overlaps map[*haplotype][]*vcf.Variant, ref []byte) (result []*vcf.Variant) {
	seen := make(map[eventKey]bool)
	var spanning *vcf.Variant
	for _, h := range haplotypes {
		for _, event := range overlaps[h] {
			key := makeEventKey(event)
			if seen[key] {
				continue
			}
			seen[key] = true
			if event.Pos != loc {
				if spanning == nil {
					spanning = &vcf.Variant{
						Chrom: event.Chrom,
						Pos:   loc,
						Ref:   string(fasta.ToUpperAndN(ref[loc-1])),
						Alt:   spanningDeletionAlt,
					}
				}
				event = spanning
			}
			result = append(result, event)
		}
	}
	return result
}

// sortEventsBySourceOrder orders events by the first appearance of
// their source haplotype, keeping merges deterministic.
func sortEventsBySourceOrder(evs []*vcf.Variant) {
	rank := make(map[string]int, len(evs))
	for _, ev := range evs {
		if _, ok := rank[ev.Source]; !ok {
			rank[ev.Source] = len(rank)
		}
	}
	sort.SliceStable(evs, func(i, j int) bool {
		return rank[evs[i].Source] < rank[evs[j].Source]
	})
}

func eventSpan(vc *vcf.Variant) int32 {
	return vc.End() - vc.Pos + 1
}

func addAllele(list []string, allele string) []string {
	for _, a := range list {
		if a == allele {
			return list
		}
	}
	return append(list, allele)
}

func isSymbolicAllele(a string) bool {
	if len(a) <= 1 {
		return false
	}
	switch a[0] {
	case '<', '.':
		return true
	}
	switch a[len(a)-1] {
	case '>', '.':
		return true
	}
	return strings.ContainsAny(a, "[]")
}

var emptyID = []string{"."}

// An alleleMap maps the alleles at one location to the haplotypes
// supporting them. alleles[0] is the reference allele.
type alleleMap struct {
	alleles    []string
	haplotypes map[string][]*haplotype
}

func newAlleleMap(ref string) *alleleMap {
	m := &alleleMap{haplotypes: map[string][]*haplotype{ref: nil}}
	m.alleles = append(m.alleles, ref)
	return m
}

// addAllele registers an allele without support yet.
func (m *alleleMap) addAllele(a string) {
	m.alleles = append(m.alleles, a)
	m.haplotypes[a] = nil
}

func (m *alleleMap) remove(a string) {
	for i := range m.alleles {
		if m.alleles[i] != a {
			continue
		}
		m.alleles = append(m.alleles[:i], m.alleles[i+1:]...)
		break
	}
	delete(m.haplotypes, a)
}

// maybeAdd records support for an allele that is already registered.
func (m *alleleMap) maybeAdd(a string, h *haplotype) {
	if supporters, ok := m.haplotypes[a]; ok {
		m.haplotypes[a] = append(supporters, h)
	}
}

// add records support for an allele, registering it when new.
func (m *alleleMap) add(a string, h *haplotype) {
	if supporters, ok := m.haplotypes[a]; ok {
		m.haplotypes[a] = append(supporters, h)
		return
	}
	m.alleles = append(m.alleles, a)
	m.haplotypes[a] = []*haplotype{h}
}

const maxAcceptableAlleleCount = 44

// decomposeHaplotypesIntoVariants fills the event list of each
// haplotype and returns the sorted start positions of all events.
func decomposeHaplotypesIntoVariants(haplotypes []*haplotype, region *region) []int32 {
	posSet := parallel.RangeReduce(0, len(haplotypes), 0, func(lo, hi int) interface{} {
		seen := make(map[int32]bool)
		for i := lo; i < hi; i++ {
			haplotypes[i].events = makeEventMap(fmt.Sprintf("HAP%d", i), region.contig, haplotypes[i], region.reference, seen)
		}
		return seen
	}, func(left, right interface{}) interface{} {
		dst := left.(map[int32]bool)
		src := right.(map[int32]bool)
		if len(src) > len(dst) {
			dst, src = src, dst
		}
		for p := range src {
			dst[p] = true
		}
		return dst
	}).(map[int32]bool)

	positions := make([]int32, 0, len(posSet))
	for p := range posSet {
		positions = append(positions, p)
	}
	sort.Slice(positions, func(i, j int) bool {
		return positions[i] < positions[j]
	})
	return positions
}

// makeMergedVariant combines the unique events at one location into a
// single multi-allelic variant. The longest reference allele among the
// events wins; shorter events have its tail appended to their alts.
func makeMergedVariant(events []*vcf.Variant) *vcf.Variant {
	sortEventsBySourceOrder(events)

	refAllele := events[0].Ref
	longest := events[0]
	for _, ev := range events[1:] {
		if len(ev.Ref) > len(refAllele) {
			refAllele = ev.Ref
		}
		if eventSpan(ev) > eventSpan(longest) {
			longest = ev
		}
	}

	var alts []string
	for _, ev := range events {
		if ev.Ref == refAllele {
			for _, a := range ev.Alt {
				alts = addAllele(alts, a)
			}
			continue
		}
		tail := refAllele[len(ev.Ref):]
		for _, a := range ev.Alt {
			switch {
			case a == "*":
				alts = addAllele(alts, a)
			case !isSymbolicAllele(a):
				alts = addAllele(alts, a+tail)
			}
		}
	}

	return &vcf.Variant{
		Source: events[0].Source,
		Chrom:  longest.Chrom,
		Pos:    longest.Pos,
		ID:     emptyID,
		Ref:    refAllele,
		Alt:    alts,
	}
}

// createAlleleMapper assigns every haplotype to the allele it supports
// at loc: the merged variant's alleles in declaration order, then the
// spanning deletion for haplotypes whose events start elsewhere, and
// the reference allele for haplotypes without overlapping events.
func createAlleleMapper(merged *vcf.Variant, haplotypes []*haplotype, overlaps map[*haplotype][]*vcf.Variant, loc int32) *alleleMap {
	refAllele := merged.Ref
	mapper := newAlleleMap(refAllele)
	for _, a := range merged.Alt {
		if !isSymbolicAllele(a) {
			mapper.addAllele(a)
		}
	}

	for _, h := range haplotypes {
		events := overlaps[h]
		if len(events) == 0 {
			mapper.haplotypes[refAllele] = append(mapper.haplotypes[refAllele], h)
			continue
		}
		for _, event := range events {
			if event.Pos != loc {
				mapper.add("*", h)
				break
			}
			if alt := event.Alt[0]; alt == "*" {
				mapper.maybeAdd(alt, h)
			} else {
				mapper.maybeAdd(alt+refAllele[len(event.Ref):], h)
			}
		}
	}
	return mapper
}

type scoredAllele struct {
	allele        string
	isRef         bool
	top, runnerUp float64
}

// bestTwoScores returns the two highest haplotype support scores.
func bestTwoScores(haplotypes []*haplotype) (best, secondBest float64) {
	best = math.Inf(-1)
	secondBest = math.Inf(-1)
	for _, h := range haplotypes {
		switch {
		case h.score > best:
			best, secondBest = h.score, best
		case h.score > secondBest:
			secondBest = h.score
		}
	}
	return best, secondBest
}

// reduceAltAlleles drops the worst-supported alleles when a site
// accumulates more than maxAcceptableAlleleCount of them. The
// reference allele is never dropped.
func reduceAltAlleles(vc *vcf.Variant, mapper *alleleMap) {
	ranked := make([]scoredAllele, 0, len(mapper.alleles))
	for i, allele := range mapper.alleles {
		best, secondBest := bestTwoScores(mapper.haplotypes[allele])
		ranked = append(ranked, scoredAllele{
			allele:   allele,
			isRef:    i == 0,
			top:      best,
			runnerUp: secondBest,
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		left, right := ranked[i], ranked[j]
		if left.isRef != right.isRef {
			return left.isRef
		}
		if left.top != right.top {
			return left.top > right.top
		}
		if left.runnerUp != right.runnerUp {
			return left.runnerUp > right.runnerUp
		}
		return left.allele < right.allele
	})

	dropped := make(map[string]bool, len(ranked)-maxAcceptableAlleleCount)
	for _, worst := range ranked[maxAcceptableAlleleCount:] {
		mapper.remove(worst.allele)
		dropped[worst.allele] = true
	}
	for i := 0; i < len(vc.Alt); {
		if dropped[vc.Alt[i]] {
			vc.Alt = append(vc.Alt[:i], vc.Alt[i+1:]...)
		} else {
			i++
		}
	}
}
