// straincall: local-reassembly variant calling for within-species
// strain-level sequencing data.
// Copyright (c) 2026 the straincall authors.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.

package cmd

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/strainsight/straincall/caller"
	"github.com/strainsight/straincall/fasta"
	"github.com/strainsight/straincall/reads"
)

var callCmd = &cobra.Command{
	Use:   "call [flags] input.sam",
	Short: "call variants from aligned reads",
	Long: `Call variants from aligned reads against a reference.

The input is a SAM file, or standard input when no file is given. The
reference is a FASTA file, or a packed reference produced by the
pack-fasta command. The VCF output goes to standard output unless
--output names a file.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCall,
}

func init() {
	flags := callCmd.Flags()
	flags.String("reference", "", "reference FASTA or packed reference (required)")
	flags.String("output", "", "output VCF file (default standard output)")
	flags.String("stats", "", "write run statistics as YAML to this file")

	defaults := caller.DefaultConfig()
	flags.Float64("min-call-qual", defaults.MinCallQual, "minimum phred-scaled call confidence")
	flags.Int("min-call-depth", defaults.MinCallDepth, "minimum usable read depth at a call site")
	flags.Int("max-alt-alleles", defaults.MaxAltAlleles, "maximum number of alternate alleles per site")
	flags.Int("max-haplotypes", defaults.MaxHaplotypes, "maximum number of haplotypes per region")
	flags.Int32("min-region-size", defaults.MinRegionSize, "minimum active region size")
	flags.Int32("max-region-size", defaults.MaxRegionSize, "maximum active region size")
	flags.Int32("region-padding", defaults.Padding, "reference padding around active regions")
	flags.Float64("active-prob-threshold", defaults.ActiveProbThreshold, "minimum activity probability for an active position")
	flags.Uint8("min-base-qual", defaults.MinBaseQual, "minimum base quality for pileup evidence")
	flags.Uint8("min-mapping-qual", defaults.MinMappingQual, "minimum read mapping quality")
	flags.Duration("region-budget", defaults.RegionBudget, "wall-clock budget per region, 0 disables")
	flags.Int("path-search-budget", defaults.PathSearchBudget, "graph path search step budget per region")
	flags.Int("workers", defaults.Workers, "region worker count, 0 means all processors")

	_ = callCmd.MarkFlagRequired("reference")
	for _, name := range []string{
		"min-call-qual", "min-call-depth", "max-alt-alleles", "max-haplotypes",
		"min-region-size", "max-region-size", "region-padding", "active-prob-threshold",
		"min-base-qual", "min-mapping-qual", "region-budget", "path-search-budget", "workers",
	} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}

	rootCmd.AddCommand(callCmd)
}

// configFromViper resolves the engine configuration from flags, the
// configuration file, and environment variables, in that precedence.
func configFromViper() caller.Config {
	cfg := caller.DefaultConfig()
	cfg.MinCallQual = viper.GetFloat64("min-call-qual")
	cfg.MinCallDepth = viper.GetInt("min-call-depth")
	cfg.MaxAltAlleles = viper.GetInt("max-alt-alleles")
	cfg.MaxHaplotypes = viper.GetInt("max-haplotypes")
	cfg.MinRegionSize = viper.GetInt32("min-region-size")
	cfg.MaxRegionSize = viper.GetInt32("max-region-size")
	cfg.Padding = viper.GetInt32("region-padding")
	cfg.ActiveProbThreshold = viper.GetFloat64("active-prob-threshold")
	cfg.MinBaseQual = byte(viper.GetUint("min-base-qual"))
	cfg.MinMappingQual = byte(viper.GetUint("min-mapping-qual"))
	cfg.RegionBudget = viper.GetDuration("region-budget")
	cfg.PathSearchBudget = viper.GetInt("path-search-budget")
	cfg.Workers = viper.GetInt("workers")
	return cfg
}

// loadReference opens either a plain FASTA file or a packed reference,
// distinguished by the packed magic number. The returned close
// function is a no-op for plain FASTA.
func loadReference(path string) (reference map[string][]byte, cleanup func() error, err error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	magic := make([]byte, len(fasta.PackedMagic))
	_, err = file.Read(magic)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, nil, fmt.Errorf("reading reference %s: %w", path, err)
	}

	if bytes.Equal(magic, fasta.PackedMagic) {
		mapped := fasta.OpenPacked(path)
		if err := mapped.Err(); err != nil {
			return nil, nil, err
		}
		reference := make(map[string][]byte, len(mapped.Contigs()))
		for _, contig := range mapped.Contigs() {
			reference[contig] = mapped.Seq(contig)
		}
		return reference, mapped.Close, nil
	}

	var fai map[string]fasta.FaiReference
	if _, err := os.Stat(path + ".fai"); err == nil {
		if fai, err = fasta.ParseFai(path + ".fai"); err != nil {
			return nil, nil, err
		}
	}
	reference, err = fasta.ParseFasta(path, fai, true, true)
	if err != nil {
		return nil, nil, err
	}
	return reference, func() error { return nil }, nil
}

// runSummary is the YAML layout of the --stats output.
type runSummary struct {
	RunID                 string  `yaml:"run_id"`
	Elapsed               string  `yaml:"elapsed"`
	ReadsParsed           int     `yaml:"reads_parsed"`
	ReadsSkipped          int     `yaml:"reads_skipped"`
	ReadsFiltered         int     `yaml:"reads_filtered"`
	ReadsDownsampled      int     `yaml:"reads_downsampled"`
	RegionsActive         int     `yaml:"regions_active"`
	RegionsInactive       int     `yaml:"regions_inactive"`
	RegionDepthMean       float64 `yaml:"region_depth_mean"`
	RegionDepthStddev     float64 `yaml:"region_depth_stddev"`
	AssemblyFallbacks     int     `yaml:"assembly_fallbacks"`
	BudgetFallbacks       int     `yaml:"budget_fallbacks"`
	CallsEmitted          int     `yaml:"calls_emitted"`
	DuplicateCallsDropped int     `yaml:"duplicate_calls_dropped"`
}

func writeStats(path string, c *caller.Caller, skipped int, elapsed time.Duration) error {
	stats := c.Stats()
	mean, stddev := stats.RegionDepthMeanStddev()
	summary := runSummary{
		RunID:                 c.RunID(),
		Elapsed:               elapsed.Round(time.Millisecond).String(),
		ReadsParsed:           stats.ReadsParsed,
		ReadsSkipped:          skipped,
		ReadsFiltered:         stats.ReadsFiltered,
		ReadsDownsampled:      stats.ReadsDownsampled,
		RegionsActive:         stats.RegionsActive,
		RegionsInactive:       stats.RegionsInactive,
		RegionDepthMean:       mean,
		RegionDepthStddev:     stddev,
		AssemblyFallbacks:     stats.AssemblyFallbacks,
		BudgetFallbacks:       stats.BudgetFallbacks,
		CallsEmitted:          stats.CallsEmitted,
		DuplicateCallsDropped: stats.DuplicateCallsDropped,
	}
	out, err := yaml.Marshal(&summary)
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, 0644)
}

func runCall(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg := configFromViper()
	c, err := caller.NewCaller(cfg, logger)
	if err != nil {
		return err
	}

	start := time.Now()

	var set *reads.Set
	if len(args) == 1 {
		set, err = reads.ParseFile(args[0])
	} else {
		set, err = reads.Parse(bufio.NewReader(os.Stdin))
	}
	if err != nil {
		return err
	}
	logger.Info("input parsed",
		zap.Int("reads", len(set.Reads)),
		zap.Int("skipped", set.Skipped),
		zap.Int("contigs", len(set.Header.Contigs)))

	referencePath, _ := cmd.Flags().GetString("reference")
	reference, closeReference, err := loadReference(referencePath)
	if err != nil {
		return err
	}
	defer closeReference()

	result, err := c.Call(set.Header, set.Reads, reference)
	if err != nil {
		return err
	}

	output := os.Stdout
	if path, _ := cmd.Flags().GetString("output"); path != "" {
		if output, err = os.Create(path); err != nil {
			return err
		}
		defer output.Close()
	}
	writer := bufio.NewWriter(output)
	if err := result.Format(writer); err != nil {
		return err
	}
	if err := writer.Flush(); err != nil {
		return err
	}

	elapsed := time.Since(start)
	logger.Info("run done",
		zap.String("run", c.RunID()),
		zap.Int("calls", len(result.Variants)),
		zap.Duration("elapsed", elapsed))

	if statsPath, _ := cmd.Flags().GetString("stats"); statsPath != "" {
		return writeStats(statsPath, c, set.Skipped, elapsed)
	}
	return nil
}
