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
	"math/rand"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/strainsight/straincall/reads"
	"github.com/strainsight/straincall/vcf"
)

// Expected strain-level variation rates. They seed the allele
// frequency priors of both the activity scanner and the genotyper.
const (
	heterozygosity       = 0.001
	indelHeterozygosity  = 1.25e-4
	heterozygosityStddev = 0.01
)

// Downsampling uses a fixed seed so runs over the same input produce
// the same calls.
const randomSeed = 47382911

// A Caller holds the configuration and derived model constants of one
// variant calling run. It is safe for use by a single Call invocation
// at a time.
type Caller struct {
	cfg     Config
	logger  *zap.Logger
	runID   uuid.UUID
	stats   *RunStats
	samples []string

	refPseudocount, snpPseudocount, indelPseudocount float64
	log10Priors                                      [3]float64
	log10ACgt0Prior                                  float64
	standardConfidenceForActivityByMin10             float64
	standardConfidenceForCallingByMin10              float64
	maxProbPropagationDistance                       int32
}

// NewCaller validates the configuration and derives the model
// constants. A nil logger disables logging.
func NewCaller(cfg Config, logger *zap.Logger) (*Caller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	standardConfidenceForActivity := math.Min(4, cfg.MinCallQual)

	var log10Priors [3]float64
	log10Heterozygosity := log10(heterozygosity)
	log10Priors[1] = log10Heterozygosity - log10(1)
	log10Priors[2] = log10Heterozygosity - log10(2)
	log10Sum := approximateLog10SumLog10(log10Priors[1], log10Priors[2])
	if log10Sum >= 0 {
		return nil, fmt.Errorf("heterozygosity %v is too large for total ploidy %d", heterozygosity, cfg.Ploidy)
	}
	log10Priors[0] = log10OneMinusPow10(log10Sum)

	refPseudocount := heterozygosity / math.Pow(heterozygosityStddev, 2)

	return &Caller{
		cfg:                                  cfg,
		logger:                               logger,
		runID:                                uuid.New(),
		stats:                                new(RunStats),
		samples:                              []string{reads.DefaultSample},
		refPseudocount:                       refPseudocount,
		snpPseudocount:                       heterozygosity * refPseudocount,
		indelPseudocount:                     indelHeterozygosity * refPseudocount,
		log10Priors:                          log10Priors,
		log10ACgt0Prior:                      approximateLog10SumLog10(log10Priors[1], log10Priors[2]),
		standardConfidenceForActivityByMin10: standardConfidenceForActivity / -10,
		standardConfidenceForCallingByMin10:  cfg.MinCallQual / -10,
		maxProbPropagationDistance:           cfg.MergeDistance + int32(len(gaussianKernel)>>1),
	}, nil
}

// RunID identifies this caller instance in logs and output headers.
func (c *Caller) RunID() string {
	return c.runID.String()
}

// Stats exposes the run counters.
func (c *Caller) Stats() *RunStats {
	return c.stats
}

// prepareContigReads filters and downsamples the reads of one contig.
// The input slice must only contain reads of that contig.
func (c *Caller) prepareContigReads(rs []*reads.Read, contigLength int32) []*reads.Read {
	usable := make([]*reads.Read, 0, len(rs))
	for _, r := range rs {
		if c.usableRead(r, contigLength) {
			usable = append(usable, r)
		}
	}
	filtered := len(rs) - len(usable)

	reads.By(reads.CoordinateLess).ParallelStableSort(usable)
	usable, removed := downsample(usable, rand.New(rand.NewSource(randomSeed)))

	c.stats.add(func(s *RunStats) {
		s.ReadsParsed += len(rs)
		s.ReadsFiltered += filtered
		s.ReadsDownsampled += removed
	})
	return usable
}

// contigRegions runs the scanner over one contig and attaches the
// overlapping reads to each region.
func (c *Caller) contigRegions(contig string, reference []byte, rs []*reads.Read, contigLength int32) []*region {
	states := c.computeActivityStates(contig, reference, rs, contigLength)
	regions := c.computeRegions(contig, reference, states, contigLength)

	maxRefLen := maxReferenceLength(rs)
	var active, inactive int
	for _, region := range regions {
		if region.isActive {
			active++
			region.rs = readsOverlapping(rs, region.paddedStart(), region.paddedEnd(), maxRefLen)
		} else {
			inactive++
		}
	}
	c.stats.add(func(s *RunStats) {
		s.RegionsActive += active
		s.RegionsInactive += inactive
	})
	return regions
}

// callKey identifies a call for deduplication across region borders.
type callKey struct {
	chrom string
	pos   int32
	ref   string
	alts  string
}

func makeCallKey(v *vcf.Variant) callKey {
	return callKey{
		chrom: v.Chrom,
		pos:   v.Pos,
		ref:   v.Ref,
		alts:  strings.Join(v.Alt, ","),
	}
}

func qualOf(v *vcf.Variant) float64 {
	if q, ok := v.Qual.(float64); ok {
		return q
	}
	return 0
}

// emit is the output barrier: all calls of a run are collected,
// sorted into reference order, and deduplicated. Padded region spans
// overlap, so the same site can be called from two neighboring
// regions; the higher quality call wins.
func (c *Caller) emit(hdr *reads.Header, calls []*vcf.Variant) []*vcf.Variant {
	contigOrder := make(map[string]int, len(hdr.Contigs))
	for i, sq := range hdr.Contigs {
		contigOrder[sq.Name] = i
	}
	sort.SliceStable(calls, func(i, j int) bool {
		vi, vj := calls[i], calls[j]
		if vi.Chrom != vj.Chrom {
			return contigOrder[vi.Chrom] < contigOrder[vj.Chrom]
		}
		if vi.Pos != vj.Pos {
			return vi.Pos < vj.Pos
		}
		if vi.Ref != vj.Ref {
			return vi.Ref < vj.Ref
		}
		if ai, aj := strings.Join(vi.Alt, ","), strings.Join(vj.Alt, ","); ai != aj {
			return ai < aj
		}
		return qualOf(vi) > qualOf(vj)
	})

	result := make([]*vcf.Variant, 0, len(calls))
	best := make(map[callKey]int, len(calls))
	var dropped int
	for _, call := range calls {
		key := makeCallKey(call)
		if index, seen := best[key]; seen {
			dropped++
			if qualOf(call) > qualOf(result[index]) {
				result[index] = call
			}
			continue
		}
		best[key] = len(result)
		result = append(result, call)
	}
	c.stats.add(func(s *RunStats) {
		s.CallsEmitted += len(result)
		s.DuplicateCallsDropped += dropped
	})
	return result
}

// sampleNames returns the output sample columns: the distinct samples
// declared by the read groups in header order, with the read group
// identifier standing in for a missing SM field.
func sampleNames(hdr *reads.Header) []string {
	var names []string
	for _, rg := range hdr.RG {
		sample := rg["SM"]
		if sample == "" {
			sample = rg["ID"]
		}
		if sample != "" && !sampleIn(sample, names) {
			names = append(names, sample)
		}
	}
	if len(names) == 0 {
		return []string{reads.DefaultSample}
	}
	return names
}

func sampleIn(sample string, names []string) bool {
	for _, name := range names {
		if name == sample {
			return true
		}
	}
	return false
}

// sampleOf maps a read to its output column. Untagged reads belong to
// the default column.
func sampleOf(r *reads.Read) string {
	if r.Sample == "" {
		return reads.DefaultSample
	}
	return r.Sample
}

// OutputHeader builds the VCF header for a run.
func (c *Caller) OutputHeader(hdr *reads.Header) *vcf.Header {
	out := vcf.NewHeader()
	out.Meta = append(out.Meta,
		fmt.Sprintf("source=straincall %s", c.runID),
		fmt.Sprintf("fileDate=%s", time.Now().Format("20060102")),
	)
	for _, sq := range hdr.Contigs {
		out.Meta = append(out.Meta, fmt.Sprintf("contig=<ID=%s,length=%d>", sq.Name, sq.Length))
	}
	out.Infos = []*vcf.FieldInformation{
		{ID: AC, Number: "A", Type: "Integer", Description: "Allele count in genotypes, for each ALT allele, in the same order as listed"},
		{ID: AF, Number: "A", Type: "Float", Description: "Allele Frequency, for each ALT allele, in the same order as listed"},
		{ID: AN, Number: "1", Type: "Integer", Description: "Total number of alleles in called genotypes"},
		{ID: vcf.DP, Number: "1", Type: "Integer", Description: "Approximate read depth"},
		{ID: MLEAC, Number: "A", Type: "Integer", Description: "Maximum likelihood expectation (MLE) for the allele counts"},
		{ID: MLEAF, Number: "A", Type: "Float", Description: "Maximum likelihood expectation (MLE) for the allele frequencies"},
		{ID: vcf.MQ, Number: "1", Type: "Float", Description: "RMS Mapping Quality"},
	}
	out.Formats = []*vcf.FieldInformation{
		{ID: vcf.GT, Number: "1", Type: "String", Description: "Genotype"},
		{ID: vcf.AD, Number: "R", Type: "Integer", Description: "Allelic depths for the ref and alt alleles in the order listed"},
		{ID: vcf.DP, Number: "1", Type: "Integer", Description: "Approximate read depth"},
		{ID: vcf.GQ, Number: "1", Type: "Integer", Description: "Genotype Quality"},
		{ID: vcf.PL, Number: "G", Type: "Integer", Description: "Normalized, Phred-scaled likelihoods for genotypes"},
	}
	out.Columns = append(append([]string(nil), vcf.DefaultHeaderColumns...), "FORMAT")
	out.Columns = append(out.Columns, sampleNames(hdr)...)
	return out
}

// Call runs the engine over all reads and returns the discovered
// variants in reference order. The reference map holds one sequence
// per contig named in the header. Reads must carry their contig in
// RNAME; they do not need to be sorted.
func (c *Caller) Call(hdr *reads.Header, rs []*reads.Read, reference map[string][]byte) (*vcf.Vcf, error) {
	c.samples = sampleNames(hdr)

	byContig := make(map[string][]*reads.Read)
	for _, r := range rs {
		byContig[r.RNAME] = append(byContig[r.RNAME], r)
	}

	workers := c.cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	var allCalls []*vcf.Variant
	for _, sq := range hdr.Contigs {
		contigReads := byContig[sq.Name]
		seq := reference[sq.Name]
		if seq == nil {
			return nil, fmt.Errorf("contig %s declared in the header but missing from the reference", sq.Name)
		}
		if int32(len(seq)) < sq.Length {
			return nil, fmt.Errorf("reference sequence for contig %s is shorter than its declared length %d", sq.Name, sq.Length)
		}

		start := time.Now()
		contigReads = c.prepareContigReads(contigReads, sq.Length)
		regions := c.contigRegions(sq.Name, seq, contigReads, sq.Length)

		calls := c.callRegions(regions, workers)
		allCalls = append(allCalls, calls...)

		c.logger.Info("contig done",
			zap.String("contig", sq.Name),
			zap.Int("reads", len(contigReads)),
			zap.Int("regions", len(regions)),
			zap.Int("calls", len(calls)),
			zap.Duration("elapsed", time.Since(start)))
	}

	return &vcf.Vcf{
		Header:   c.OutputHeader(hdr),
		Variants: c.emit(hdr, allCalls),
	}, nil
}

// callRegions fans the active regions of a contig out over the worker
// pool. Calls are collected unordered; the emission barrier restores
// reference order.
func (c *Caller) callRegions(regions []*region, workers int) []*vcf.Variant {
	work := make(chan *region)
	var mutex sync.Mutex
	var calls []*vcf.Variant
	var wait sync.WaitGroup

	wait.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wait.Done()
			for region := range work {
				var deadline time.Time
				if c.cfg.RegionBudget > 0 {
					deadline = time.Now().Add(c.cfg.RegionBudget)
				}
				regionCalls := c.callRegion(region, deadline)
				if len(regionCalls) > 0 {
					mutex.Lock()
					calls = append(calls, regionCalls...)
					mutex.Unlock()
				}
			}
		}()
	}
	for _, region := range regions {
		work <- region
	}
	close(work)
	wait.Wait()
	return calls
}
