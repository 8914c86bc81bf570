// straincall: local-reassembly variant calling for within-species
// strain-level sequencing data.
// Copyright (c) 2026 the straincall authors.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.

// Package vcf holds the variant records produced by the caller and
// formats them as VCF text.
package vcf

import (
	"bufio"
	"fmt"
	"strconv"

	"github.com/strainsight/straincall/utils"
)

// The emitted VCF file format version.
const (
	FileFormatVersion     = "VCFv4.3"
	FileFormatVersionLine = "##fileformat=VCFv4.3"
)

// DefaultHeaderColumns for VCF files without genotype columns.
var DefaultHeaderColumns = []string{"CHROM", "POS", "ID", "REF", "ALT", "QUAL", "FILTER", "INFO"}

// Interned keys for common INFO and FORMAT fields.
var (
	GT   = utils.Intern("GT")
	AD   = utils.Intern("AD")
	DP   = utils.Intern("DP")
	GQ   = utils.Intern("GQ")
	PL   = utils.Intern("PL")
	MQ   = utils.Intern("MQ")
	PASS = utils.Intern("PASS")
	END  = utils.Intern("END")
)

// missing marks an absent value in VCF text.
const missing = '.'

type (
	// FieldInformation describes an INFO or FORMAT header line.
	FieldInformation struct {
		ID          utils.Symbol
		Number      string
		Type        string
		Description string
	}

	// Header section of a VCF file.
	Header struct {
		FileFormat string
		Infos      []*FieldInformation
		Formats    []*FieldInformation
		Meta       []string // raw ##key=value lines
		Columns    []string
	}

	// Genotype is a structured representation of one sample column.
	Genotype struct {
		Phased bool
		GT     []int32        // allele indexes, < 0 for unknown entries
		Data   utils.SmallMap // values are int, float64, string, or []interface{}
	}

	// Variant is a single output line. Source tags the variant with
	// its provenance while it travels through the caller; it is not
	// part of the formatted output.
	Variant struct {
		Source         string
		Chrom          string
		Pos            int32 // 1-based, < 0 if unknown
		ID             []string
		Ref            string
		Alt            []string
		Qual           interface{} // float64, or nil if missing
		Filter         []utils.Symbol
		Info           utils.SmallMap
		GenotypeFormat []utils.Symbol
		GenotypeData   []Genotype
	}

	// Vcf is a whole VCF file, header plus records.
	Vcf struct {
		Header   *Header
		Variants []*Variant
	}
)

// NewHeader creates a header with the default columns.
func NewHeader() *Header {
	return &Header{
		FileFormat: FileFormatVersionLine,
		Columns:    append([]string(nil), DefaultHeaderColumns...),
	}
}

// End returns the 1-based inclusive reference end of the variant.
func (v *Variant) End() int32 {
	return v.Pos + int32(len(v.Ref)) - 1
}

// Format outputs a VCF header.
func (h *Header) Format(w *bufio.Writer) error {
	_, _ = w.WriteString(h.FileFormat)
	_ = w.WriteByte('\n')
	for _, meta := range h.Meta {
		_, _ = w.WriteString("##")
		_, _ = w.WriteString(meta)
		_ = w.WriteByte('\n')
	}
	for _, info := range h.Infos {
		writeFieldMeta(w, "##INFO=", info)
	}
	for _, format := range h.Formats {
		writeFieldMeta(w, "##FORMAT=", format)
	}
	_ = w.WriteByte('#')
	for i, col := range h.Columns {
		if i > 0 {
			_ = w.WriteByte('\t')
		}
		_, _ = w.WriteString(col)
	}
	return w.WriteByte('\n')
}

func writeFieldMeta(w *bufio.Writer, prefix string, field *FieldInformation) {
	_, _ = w.WriteString(prefix)
	_, _ = fmt.Fprintf(w, "<ID=%s,Number=%s,Type=%s,Description=%q>\n",
		*field.ID, field.Number, field.Type, field.Description)
}

func appendStrings(out []byte, list []string, separator byte) []byte {
	if len(list) == 0 {
		return append(out, missing)
	}
	for i, s := range list {
		if i > 0 {
			out = append(out, separator)
		}
		out = append(out, s...)
	}
	return out
}

func appendSymbols(out []byte, list []utils.Symbol, separator byte) []byte {
	if len(list) == 0 {
		return append(out, missing)
	}
	for i, s := range list {
		if i > 0 {
			out = append(out, separator)
		}
		out = append(out, (*s)...)
	}
	return out
}

func appendValue(out []byte, value interface{}) ([]byte, error) {
	switch x := value.(type) {
	case int:
		return strconv.AppendInt(out, int64(x), 10), nil
	case int32:
		return strconv.AppendInt(out, int64(x), 10), nil
	case float64:
		return strconv.AppendFloat(out, x, 'f', 2, 64), nil
	case string:
		return append(out, x...), nil
	default:
		return nil, fmt.Errorf("cannot format value %v of type %T", value, value)
	}
}

func appendInfoEntry(out []byte, e utils.SmallMapEntry) ([]byte, error) {
	out = append(out, (*e.Key)...)
	switch value := e.Value.(type) {
	case bool:
		// flag fields are present or absent, never false
		if !value {
			return nil, fmt.Errorf("false flag value for INFO field %s", *e.Key)
		}
		return out, nil
	case []interface{}:
		out = append(out, '=')
		var err error
		for i, v := range value {
			if i > 0 {
				out = append(out, ',')
			}
			if out, err = appendValue(out, v); err != nil {
				return nil, err
			}
		}
		return out, nil
	default:
		return appendValue(append(out, '='), e.Value)
	}
}

func appendInfo(out []byte, info utils.SmallMap) ([]byte, error) {
	if len(info) == 0 {
		return append(out, missing), nil
	}
	var err error
	for i, e := range info {
		if i > 0 {
			out = append(out, ';')
		}
		if out, err = appendInfoEntry(out, e); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func appendGT(out []byte, genotype *Genotype) []byte {
	separator := byte('/')
	if genotype.Phased {
		separator = '|'
	}
	for i, allele := range genotype.GT {
		if i > 0 {
			out = append(out, separator)
		}
		if allele < 0 {
			out = append(out, missing)
		} else {
			out = strconv.AppendInt(out, int64(allele), 10)
		}
	}
	return out
}

func appendSampleField(out []byte, field utils.Symbol, genotype *Genotype) ([]byte, error) {
	if field == GT {
		return appendGT(out, genotype), nil
	}
	value, _ := genotype.Data.Get(field)
	switch values := value.(type) {
	case nil:
		return append(out, missing), nil
	case []interface{}:
		if len(values) == 0 {
			return append(out, missing), nil
		}
		var err error
		for i, v := range values {
			if i > 0 {
				out = append(out, ',')
			}
			if v == nil {
				out = append(out, missing)
				continue
			}
			if out, err = appendValue(out, v); err != nil {
				return nil, err
			}
		}
		return out, nil
	default:
		return appendValue(out, value)
	}
}

// Format outputs a VCF variant line.
func (v *Variant) Format(out []byte) ([]byte, error) {
	out = append(append(out, v.Chrom...), '\t')
	if v.Pos < 0 {
		out = append(out, missing)
	} else {
		out = strconv.AppendInt(out, int64(v.Pos), 10)
	}
	out = append(out, '\t')
	out = append(appendStrings(out, v.ID, ';'), '\t')
	out = append(append(out, v.Ref...), '\t')
	out = append(appendStrings(out, v.Alt, ','), '\t')
	if qual, ok := v.Qual.(float64); ok {
		out = strconv.AppendFloat(out, qual, 'f', 2, 64)
	} else {
		out = append(out, missing)
	}
	out = append(out, '\t')
	out = append(appendSymbols(out, v.Filter, ';'), '\t')
	out, err := appendInfo(out, v.Info)
	if err != nil {
		return nil, err
	}
	if len(v.GenotypeFormat) > 0 {
		out = append(out, '\t')
		out = appendSymbols(out, v.GenotypeFormat, ':')
		for g := range v.GenotypeData {
			out = append(out, '\t')
			genotype := &v.GenotypeData[g]
			for f, field := range v.GenotypeFormat {
				if f > 0 {
					out = append(out, ':')
				}
				if out, err = appendSampleField(out, field, genotype); err != nil {
					return nil, err
				}
			}
		}
	}
	out = append(out, '\n')
	return out, nil
}

// Format outputs a full VCF struct.
func (f *Vcf) Format(w *bufio.Writer) error {
	if err := f.Header.Format(w); err != nil {
		return err
	}
	var buf []byte
	var err error
	for _, rec := range f.Variants {
		if buf, err = rec.Format(buf); err != nil {
			return err
		}
		if _, err = w.Write(buf); err != nil {
			return err
		}
		buf = buf[:0]
	}
	return w.Flush()
}
