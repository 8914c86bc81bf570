// straincall: local-reassembly variant calling for within-species
// strain-level sequencing data.
// Copyright (c) 2026 the straincall authors.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.

package vcf

import (
	"bufio"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strainsight/straincall/utils"
)

func TestVariantEnd(t *testing.T) {
	snv := &Variant{Pos: 100, Ref: "A", Alt: []string{"T"}}
	assert.Equal(t, int32(100), snv.End())

	deletion := &Variant{Pos: 100, Ref: "ACGT", Alt: []string{"A"}}
	assert.Equal(t, int32(103), deletion.End())

	insertion := &Variant{Pos: 100, Ref: "A", Alt: []string{"ACGT"}}
	assert.Equal(t, int32(100), insertion.End())
}

func TestVariantFormat(t *testing.T) {
	var info utils.SmallMap
	info.Set(DP, 10)
	info.Set(MQ, 59.75)
	var data utils.SmallMap
	data.Set(GQ, 99)
	data.Set(PL, []interface{}{55, 0, 42})
	variant := &Variant{
		Chrom:          "chr1",
		Pos:            100,
		ID:             []string{"."},
		Ref:            "A",
		Alt:            []string{"T"},
		Qual:           55.5,
		Info:           info,
		GenotypeFormat: []utils.Symbol{GT, GQ, PL},
		GenotypeData: []Genotype{
			{GT: []int32{0, 1}, Data: data},
		},
	}
	line, err := variant.Format(nil)
	require.NoError(t, err)
	assert.Equal(t,
		"chr1\t100\t.\tA\tT\t55.50\t.\tDP=10;MQ=59.75\tGT:GQ:PL\t0/1:99:55,0,42\n",
		string(line))
}

func TestVariantFormatMissingValues(t *testing.T) {
	variant := &Variant{
		Chrom: "chr2",
		Pos:   7,
		Ref:   "G",
		Alt:   []string{"GA", "*"},
	}
	line, err := variant.Format(nil)
	require.NoError(t, err)
	assert.Equal(t, "chr2\t7\t.\tG\tGA,*\t.\t.\t.\n", string(line))
}

func TestVariantFormatPhasedAndNoCall(t *testing.T) {
	variant := &Variant{
		Chrom:          "chr1",
		Pos:            1,
		Ref:            "C",
		Alt:            []string{"T"},
		GenotypeFormat: []utils.Symbol{GT},
		GenotypeData: []Genotype{
			{Phased: true, GT: []int32{1, 0}},
		},
	}
	line, err := variant.Format(nil)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(line), "\tGT\t1|0\n"), "got %q", line)

	variant.GenotypeData[0] = Genotype{GT: []int32{-1, -1}}
	line, err = variant.Format(nil)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(line), "\tGT\t./.\n"), "got %q", line)
}

func TestHeaderFormat(t *testing.T) {
	header := NewHeader()
	header.Meta = append(header.Meta, "source=straincall test")
	header.Infos = []*FieldInformation{
		{ID: DP, Number: "1", Type: "Integer", Description: "Approximate read depth"},
	}
	header.Formats = []*FieldInformation{
		{ID: GT, Number: "1", Type: "String", Description: "Genotype"},
	}
	header.Columns = append(header.Columns, "FORMAT", "sample1")

	var buf strings.Builder
	out := bufio.NewWriter(&buf)
	require.NoError(t, header.Format(out))
	require.NoError(t, out.Flush())

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, FileFormatVersionLine, lines[0])
	assert.Equal(t, "##source=straincall test", lines[1])
	assert.Equal(t, `##INFO=<ID=DP,Number=1,Type=Integer,Description="Approximate read depth">`, lines[2])
	assert.Equal(t, `##FORMAT=<ID=GT,Number=1,Type=String,Description="Genotype">`, lines[3])
	assert.Equal(t, "#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO\tFORMAT\tsample1", lines[4])
}
