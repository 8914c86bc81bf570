// straincall: local-reassembly variant calling for within-species
// strain-level sequencing data.
// Copyright (c) 2026 the straincall authors.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.

package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/strainsight/straincall/fasta"
)

var packFastaCmd = &cobra.Command{
	Use:   "pack-fasta reference.fasta packed-output",
	Short: "convert a reference FASTA into a packed mmappable cache",
	Long: `Convert a reference FASTA file into a packed cache that the call
command memory maps instead of parsing. Packing normalizes the
sequence the same way the call command does: lower case and IUPAC
ambiguity codes become upper case A, C, G, T, or N.`,
	Args: cobra.ExactArgs(2),
	RunE: runPackFasta,
}

func init() {
	rootCmd.AddCommand(packFastaCmd)
}

func runPackFasta(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	reference, err := fasta.ParseFasta(args[0], nil, true, true)
	if err != nil {
		return err
	}
	if err := fasta.ToPacked(reference, args[1]); err != nil {
		return err
	}
	logger.Info("reference packed",
		zap.String("input", args[0]),
		zap.String("output", args[1]),
		zap.Int("contigs", len(reference)))
	return nil
}
