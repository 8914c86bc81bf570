// straincall: local-reassembly variant calling for within-species
// strain-level sequencing data.
// Copyright (c) 2026 the straincall authors.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.

// Package caller implements the variant discovery engine: activity
// scanning, active-region detection, local reassembly, pair-HMM read
// scoring, genotyping, and ordered variant emission.
package caller

import (
	"fmt"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Config is the complete tuning surface of the engine. The zero value
// is not usable; start from DefaultConfig.
type Config struct {
	// Region detection.
	MinRegionSize       int32
	MaxRegionSize       int32
	Padding             int32
	ActiveProbThreshold float64
	// MergeDistance bounds how far activity probability propagates
	// beyond the position that produced it.
	MergeDistance int32

	// Assembly. Kmer size ladders per read technology, each tried in
	// order until a usable graph is found.
	ShortKmerSizes []int32
	LongKmerSizes  []int32
	MaxHaplotypes  int

	// Genotyping.
	Ploidy        int
	MaxAltAlleles int
	MinCallQual   float64
	MinCallDepth  int

	// Read and likelihood filters. ScoreFloor is the log10 floor on a
	// read likelihood relative to its best haplotype.
	ScoreFloor     float64
	MinBaseQual    byte
	MinMappingQual byte

	// Budgets. A region that exceeds RegionBudget or whose graph
	// search exceeds PathSearchBudget iterations falls back to the
	// reference-only haplotype set.
	RegionBudget     time.Duration
	PathSearchBudget int

	// Workers bounds the region worker pool; 0 means GOMAXPROCS.
	Workers int
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		MinRegionSize:       50,
		MaxRegionSize:       300,
		Padding:             100,
		ActiveProbThreshold: 0.002,
		MergeDistance:       50,
		ShortKmerSizes:      []int32{10, 25},
		LongKmerSizes:       []int32{15, 31},
		MaxHaplotypes:       128,
		Ploidy:              2,
		MaxAltAlleles:       6,
		MinCallQual:         30.0,
		MinCallDepth:        1,
		ScoreFloor:          -4.5,
		MinBaseQual:         10,
		MinMappingQual:      20,
		RegionBudget:        10 * time.Second,
		PathSearchBudget:    100000,
		Workers:             0,
	}
}

// Validate rejects contradictory or unusable settings before any
// processing starts.
func (cfg *Config) Validate() error {
	if cfg.MinRegionSize < 2 {
		return fmt.Errorf("minimum region size %d must be at least 2", cfg.MinRegionSize)
	}
	if cfg.MaxRegionSize < cfg.MinRegionSize {
		return fmt.Errorf("maximum region size %d smaller than minimum region size %d", cfg.MaxRegionSize, cfg.MinRegionSize)
	}
	if cfg.Padding < 0 {
		return fmt.Errorf("negative region padding %d", cfg.Padding)
	}
	if cfg.ActiveProbThreshold < 0 || cfg.ActiveProbThreshold >= 1 {
		return fmt.Errorf("active probability threshold %v outside [0,1)", cfg.ActiveProbThreshold)
	}
	if cfg.MergeDistance < 0 {
		return fmt.Errorf("negative merge distance %d", cfg.MergeDistance)
	}
	for _, sizes := range [][]int32{cfg.ShortKmerSizes, cfg.LongKmerSizes} {
		if len(sizes) == 0 {
			return fmt.Errorf("empty kmer size ladder")
		}
		for i, k := range sizes {
			if k < 3 {
				return fmt.Errorf("kmer size %d too small", k)
			}
			if i > 0 && k <= sizes[i-1] {
				return fmt.Errorf("kmer size ladder %v not strictly increasing", sizes)
			}
		}
	}
	if cfg.MaxHaplotypes < 2 {
		return fmt.Errorf("maximum haplotype count %d must be at least 2", cfg.MaxHaplotypes)
	}
	if cfg.Ploidy != 2 {
		return fmt.Errorf("unsupported ploidy %d, only diploid calling is implemented", cfg.Ploidy)
	}
	if cfg.MaxAltAlleles < 1 {
		return fmt.Errorf("maximum alt allele count %d must be at least 1", cfg.MaxAltAlleles)
	}
	if cfg.MinCallQual < 0 {
		return fmt.Errorf("negative minimum call quality %v", cfg.MinCallQual)
	}
	if cfg.MinCallDepth < 0 {
		return fmt.Errorf("negative minimum call depth %d", cfg.MinCallDepth)
	}
	if cfg.ScoreFloor >= 0 {
		return fmt.Errorf("score floor %v must be negative", cfg.ScoreFloor)
	}
	if cfg.RegionBudget < 0 {
		return fmt.Errorf("negative region budget %v", cfg.RegionBudget)
	}
	if cfg.PathSearchBudget < 1 {
		return fmt.Errorf("path search budget %d must be positive", cfg.PathSearchBudget)
	}
	if cfg.Workers < 0 {
		return fmt.Errorf("negative worker count %d", cfg.Workers)
	}
	return nil
}

// RunStats collects counters over a full run. Counters are updated
// from region workers, so access goes through the mutex.
type RunStats struct {
	mutex                 sync.Mutex
	ReadsParsed           int
	ReadsFiltered         int
	ReadsDownsampled      int
	RegionsActive         int
	RegionsInactive       int
	AssemblyFallbacks     int
	BudgetFallbacks       int
	CallsEmitted          int
	DuplicateCallsDropped int
	regionDepths          []float64
}

func (stats *RunStats) add(update func(*RunStats)) {
	stats.mutex.Lock()
	update(stats)
	stats.mutex.Unlock()
}

func (stats *RunStats) addRegionDepth(depth float64) {
	stats.mutex.Lock()
	stats.regionDepths = append(stats.regionDepths, depth)
	stats.mutex.Unlock()
}

// RegionDepthMeanStddev returns the mean and standard deviation of
// the per-region read depths seen during the run.
func (stats *RunStats) RegionDepthMeanStddev() (mean, stddev float64) {
	stats.mutex.Lock()
	defer stats.mutex.Unlock()
	if len(stats.regionDepths) == 0 {
		return 0, 0
	}
	return stat.MeanStdDev(stats.regionDepths, nil)
}
