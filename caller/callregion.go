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
	"time"

	"github.com/exascience/pargo/parallel"

	"github.com/strainsight/straincall/reads"
	"github.com/strainsight/straincall/vcf"
)

type trimPlan struct {
	needed             bool
	spanStart, spanEnd int32
	extendedSpanStart  int32
	extendedSpanEnd    int32
}

// SNV-only spans keep a narrow context window; anything with an indel
// gets a wide one so nearby repeat structure stays in view.
const (
	snvTrimPadding    = 20
	indelTrimPadding  = 150
	trimRegionLeeway  = 25
	minGenotypeSeqLen = 10
)

// trim computes the variant span of a region from the variation
// events of its haplotypes. Regions whose events all fall outside the
// core interval need no genotyping.
func (c *Caller) trim(region *region, variationEvents map[int32]*vcf.Variant) trimPlan {
	spanLo := int32(math.MaxInt32)
	spanHi := int32(math.MinInt32)
	overlapping := 0
	snvOnly := true
	for _, ev := range variationEvents {
		if ev.Pos > region.end {
			continue
		}
		evEnd := ev.End()
		if evEnd < region.start {
			continue
		}
		overlapping++
		if snvOnly {
			if len(ev.Ref) != 1 {
				snvOnly = false
			} else {
				for _, a := range ev.Alt {
					if len(a) != 1 {
						snvOnly = false
						break
					}
				}
			}
		}
		spanLo = min(spanLo, ev.Pos)
		spanHi = max(spanHi, evEnd)
	}
	if overlapping == 0 {
		return trimPlan{}
	}

	padding := int32(indelTrimPadding)
	if snvOnly {
		padding = snvTrimPadding
	}

	// the extended span is the padded variant span, clamped to a
	// little beyond the region core, but never tighter than the
	// variant span itself
	clampLo := max(region.start-trimRegionLeeway, 1)
	clampHi := min(region.end+trimRegionLeeway, region.contigLength)
	paddedLo := max(spanLo-padding, 1)
	paddedHi := min(spanHi+padding, region.contigLength)

	return trimPlan{
		needed:            true,
		spanStart:         spanLo,
		spanEnd:           spanHi,
		extendedSpanStart: min(max(clampLo, paddedLo), spanLo),
		extendedSpanEnd:   max(min(clampHi, paddedHi), spanHi),
	}
}

// trimRegionTo cuts a region down to [spanStart, spanEnd], with
// enough padding to still cover the extended span. The attached reads
// are cloned, hard clipped to the new padded span, and re-sorted.
func trimRegionTo(src *region, spanStart, spanEnd, extendedSpanStart, extendedSpanEnd int32) *region {
	coreStart := max(src.start, spanStart)
	coreEnd := min(src.end, spanEnd)
	padLeft := max(coreStart-extendedSpanStart, 0)
	padRight := max(extendedSpanEnd-coreEnd, 0)
	trimmed := &region{
		contig:       src.contig,
		reference:    src.reference,
		start:        coreStart,
		end:          coreEnd,
		padding:      min(max(padLeft, padRight), src.padding),
		contigLength: src.contigLength,
		isActive:     src.isActive,
	}
	clipStart := trimmed.paddedStart()
	clipEnd := trimmed.paddedEnd()
	kept := make([]*reads.Read, 0, len(src.rs))
	for _, original := range src.rs {
		r := original.Clone()
		hardClipToRegion(r, clipStart, clipEnd)
		if readOverlapsRegion(r, clipStart, clipEnd) {
			kept = append(kept, r)
		}
	}
	reads.By(reads.CoordinateLess).ParallelStableSort(kept)
	trimmed.rs = kept
	return trimmed
}

// trim cuts a haplotype down to the bases covering the reference
// interval [spanStart, spanEnd]. The result is nil when a span
// boundary falls inside a deletion or the trimmed cigar starts or
// ends with an indel.
func (h *haplotype) trim(lo, hi int32) *haplotype {
	trimLo := lo - h.location
	trimHi := hi - h.location

	// map the reference interval onto haplotype base offsets
	baseLo, baseHi := int32(-1), int32(-1)
	refOffset, baseOffset := int32(0), int32(0)
scanCigar:
	for _, op := range h.cigar {
		switch op.Operation {
		case 'I':
			baseOffset += op.Length
		case 'M', 'X', '=':
			if trimLo >= refOffset && trimLo < refOffset+op.Length {
				baseLo = baseOffset + trimLo - refOffset
			}
			if trimHi >= refOffset && trimHi < refOffset+op.Length {
				baseHi = baseOffset + trimHi - refOffset
				break scanCigar
			}
			refOffset += op.Length
			baseOffset += op.Length
		case 'D':
			if (trimLo >= refOffset && trimLo < refOffset+op.Length) ||
				(trimHi >= refOffset && trimHi < refOffset+op.Length) {
				return nil
			}
			refOffset += op.Length
		}
	}
	if baseLo < 0 || baseHi < 0 {
		return nil
	}

	cigar := make([]reads.CigarOperation, 0, len(h.cigar))
	pos := int32(0)
	for _, op := range h.cigar {
		if pos > trimHi {
			break
		}
		switch op.Operation {
		case 'M', '=', 'X', 'D':
			cigar, pos = addCigarElement(cigar, pos, trimLo, trimHi, op)
		case 'S', 'I':
			if pos >= trimLo {
				cigar = append(cigar, op)
			}
		}
	}
	if len(cigar) == 0 {
		return nil
	}
	if op := cigar[0].Operation; op == 'I' || op == 'D' {
		return nil
	}
	if op := cigar[len(cigar)-1].Operation; op == 'I' || op == 'D' {
		return nil
	}
	for i := 1; i < len(cigar); {
		if cigar[i-1].Operation == cigar[i].Operation {
			cigar[i-1].Length += cigar[i].Length
			cigar = append(cigar[:i], cigar[i+1:]...)
		} else {
			i++
		}
	}
	return &haplotype{
		isRef:    h.isRef,
		bases:    h.bases[baseLo : baseHi+1],
		location: lo,
		cigar:    cigar,
		score:    h.score,
	}
}

func pastDeadline(deadline time.Time) bool {
	return !deadline.IsZero() && time.Now().After(deadline)
}

// collectVariationEvents decomposes every haplotype into variation
// events against the region reference and merges them by position.
func collectVariationEvents(region *region, haplotypes []*haplotype) map[int32]*vcf.Variant {
	merged := parallel.RangeReduce(0, len(haplotypes), 0, func(lo, hi int) interface{} {
		events := make(map[int32]*vcf.Variant)
		for i := lo; i < hi; i++ {
			hapEvents := makeEventMap(fmt.Sprintf("HAP%d", i), region.contig, haplotypes[i], region.reference, nil)
			haplotypes[i].events = hapEvents
			for _, ev := range hapEvents {
				events[ev.Pos] = ev
			}
		}
		return events
	}, func(x, y interface{}) interface{} {
		a := x.(map[int32]*vcf.Variant)
		b := y.(map[int32]*vcf.Variant)
		// entries of the later chunk win, so the merge direction is fixed
		for key, value := range a {
			b[key] = value
		}
		return b
	})
	return merged.(map[int32]*vcf.Variant)
}

// dedupTrimmedHaplotypes trims every haplotype to the padded span of
// the genotyping region, drops the untrimmable ones, collapses
// haplotypes with identical bases (a reference haplotype wins its
// duplicate), and sorts by length then sequence.
func dedupTrimmedHaplotypes(haplotypes []*haplotype, spanStart, spanEnd int32) []*haplotype {
	result := make([]*haplotype, 0, len(haplotypes))
nextHaplotype:
	for _, h := range haplotypes {
		trimmed := h.trim(spanStart, spanEnd)
		if trimmed == nil {
			continue
		}
		for i, seen := range result {
			if trimmed.bases == seen.bases {
				if trimmed.isRef {
					result[i] = trimmed
				}
				continue nextHaplotype
			}
		}
		result = append(result, trimmed)
	}
	sort.SliceStable(result, func(i, j int) bool {
		bi, bj := result[i].bases, result[j].bases
		if len(bi) != len(bj) {
			return len(bi) < len(bj)
		}
		return bi < bj
	})
	return result
}

// finalizeMQAnnotation replaces the raw squared-mapping-quality
// accumulator with the RMS mapping quality INFO field.
func finalizeMQAnnotation(call *vcf.Variant) {
	value, ok := call.Info.Get(rawMQandDP)
	if !ok {
		return
	}
	raw := value.([]interface{})
	sum := raw[0].(int)
	depth := raw[1].(int)
	call.Info.Delete(rawMQandDP)
	if depth > 0 {
		call.Info.Set(vcf.MQ, math.Round(math.Sqrt(float64(sum)/float64(depth))*100)/100)
	}
}

// callRegion runs the full calling pipeline over one region: clip and
// clean the attached reads, reassemble them into haplotypes,
// decompose those into variation events, trim to the variant span,
// score reads against haplotypes, and genotype. Inactive regions and
// regions without assembled variation produce no calls. The deadline
// bounds the wall-clock time spent on the region; when it passes, the
// region degrades to no calls and the fallback is counted.
func (c *Caller) callRegion(region *region, deadline time.Time) []*vcf.Variant {
	if !region.isActive || len(region.rs) == 0 {
		return nil
	}

	c.finalizeRegion(region)

	haplotypes, withinBudget := c.assembleRegion(region)
	if !withinBudget {
		c.stats.add(func(s *RunStats) { s.AssemblyFallbacks++ })
		return nil
	}
	if pastDeadline(deadline) {
		c.stats.add(func(s *RunStats) { s.BudgetFallbacks++ })
		return nil
	}

	trimming := c.trim(region, collectVariationEvents(region, haplotypes))
	if !trimming.needed {
		return nil
	}

	genotypingRegion := trimRegionTo(region,
		trimming.extendedSpanStart, trimming.extendedSpanEnd,
		trimming.extendedSpanStart, trimming.extendedSpanEnd,
	)

	haplotypes = dedupTrimmedHaplotypes(haplotypes,
		genotypingRegion.paddedStart(), genotypingRegion.paddedEnd())

	refIndex := -1
	altPresent := false
	for i, h := range haplotypes {
		if h.isRef {
			refIndex = i
		} else {
			altPresent = true
		}
		if refIndex >= 0 && altPresent {
			break
		}
	}
	if refIndex < 0 || !altPresent {
		return nil
	}

	for i := 0; i < len(genotypingRegion.rs); {
		if len(genotypingRegion.rs[i].SEQ) < minGenotypeSeqLen {
			genotypingRegion.rs = append(genotypingRegion.rs[:i], genotypingRegion.rs[i+1:]...)
		} else {
			i++
		}
	}

	filteredReads := filterNonPassingReads(genotypingRegion)

	if len(genotypingRegion.rs) == 0 {
		return nil
	}

	c.stats.addRegionDepth(float64(len(genotypingRegion.rs)))

	likelihoods := c.computeReadLikelihoods(haplotypes, genotypingRegion.rs)
	if pastDeadline(deadline) {
		c.stats.add(func(s *RunStats) { s.BudgetFallbacks++ })
		return nil
	}

	calls := c.assignGenotypeLikelihoods(genotypingRegion, filteredReads, haplotypes, likelihoods)
	if len(calls) == 0 {
		return nil
	}

	parallel.Range(0, len(calls), 0, func(low, high int) {
		for i := low; i < high; i++ {
			finalizeMQAnnotation(calls[i])
			computeGenotypeFormat(calls[i])
		}
	})

	return calls
}
