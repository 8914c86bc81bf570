// straincall: local-reassembly variant calling for within-species
// strain-level sequencing data.
// Copyright (c) 2026 the straincall authors.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.

package reads

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/strainsight/straincall/utils"
)

// A Set is the parsed contents of a SAM input: its header, the reads
// that survived parsing, and the number of records skipped as
// malformed.
type Set struct {
	Header  *Header
	Reads   []*Read
	Skipped int
}

// Platforms mapped to the long-read technology. Everything else is
// treated as short-read.
var longReadPlatforms = map[string]bool{
	"PACBIO":   true,
	"ONT":      true,
	"NANOPORE": true,
}

func parseHeaderRecord(fields []string) utils.StringMap {
	record := make(utils.StringMap, len(fields))
	for _, field := range fields {
		if colon := strings.IndexByte(field, ':'); colon > 0 {
			record[field[:colon]] = field[colon+1:]
		}
	}
	return record
}

func parseHeaderLine(hdr *Header, line string) error {
	fields := strings.Split(line, "\t")
	switch fields[0] {
	case "@HD":
		hdr.HD = parseHeaderRecord(fields[1:])
	case "@SQ":
		record := parseHeaderRecord(fields[1:])
		name, found := record["SN"]
		if !found {
			return fmt.Errorf("SQ header line without SN field: %v", line)
		}
		ln, err := strconv.ParseInt(record["LN"], 10, 32)
		if err != nil {
			return fmt.Errorf("SQ header line with bad LN field: %v", line)
		}
		hdr.Contigs = append(hdr.Contigs, Contig{Name: name, Length: int32(ln)})
	case "@RG":
		hdr.RG = append(hdr.RG, parseHeaderRecord(fields[1:]))
	case "@CO":
		hdr.CO = append(hdr.CO, strings.TrimPrefix(line, "@CO\t"))
	}
	return nil
}

// techForReadGroup resolves the technology of a read group from its
// PL header field.
func (hdr *Header) techForReadGroup(id string) Technology {
	for _, rg := range hdr.RG {
		if rg["ID"] == id {
			if longReadPlatforms[strings.ToUpper(rg["PL"])] {
				return Long
			}
			return Short
		}
	}
	return Short
}

func parseRead(hdr *Header, line string) (*Read, error) {
	fields := strings.Split(line, "\t")
	if len(fields) < 11 {
		return nil, fmt.Errorf("alignment line with %d fields", len(fields))
	}
	flag, err := strconv.ParseUint(fields[1], 10, 16)
	if err != nil {
		return nil, fmt.Errorf("bad FLAG %v: %w", fields[1], err)
	}
	pos, err := strconv.ParseInt(fields[3], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("bad POS %v: %w", fields[3], err)
	}
	mapq, err := strconv.ParseUint(fields[4], 10, 8)
	if err != nil {
		return nil, fmt.Errorf("bad MAPQ %v: %w", fields[4], err)
	}
	cigar, err := ScanCigarString(fields[5])
	if err != nil {
		return nil, err
	}
	pnext, err := strconv.ParseInt(fields[7], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("bad PNEXT %v: %w", fields[7], err)
	}
	tlen, err := strconv.ParseInt(fields[8], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("bad TLEN %v: %w", fields[8], err)
	}
	seq := strings.ToUpper(fields[9])
	if len(cigar) > 0 && fields[9] != "*" {
		if qlen := ReadLengthFromCigar(cigar); int(qlen) != len(seq) {
			return nil, fmt.Errorf("CIGAR %v implies query length %d, SEQ has %d", fields[5], qlen, len(seq))
		}
	}
	var qual []byte
	if fields[10] != "*" {
		if len(fields[10]) != len(seq) {
			return nil, fmt.Errorf("QUAL length %d does not match SEQ length %d", len(fields[10]), len(seq))
		}
		qual = make([]byte, len(fields[10]))
		for i := 0; i < len(fields[10]); i++ {
			q := fields[10][i]
			if q < '!' {
				return nil, fmt.Errorf("bad QUAL character %c", q)
			}
			qual[i] = q - '!'
		}
	}
	read := &Read{
		QNAME: fields[0],
		FLAG:  uint16(flag),
		RNAME: fields[2],
		POS:   int32(pos),
		MAPQ:  byte(mapq),
		CIGAR: cigar,
		RNEXT: fields[6],
		PNEXT: int32(pnext),
		TLEN:  int32(tlen),
		SEQ:   seq,
		QUAL:  qual,
	}
	read.Sample = DefaultSample
	for _, field := range fields[11:] {
		if strings.HasPrefix(field, "RG:Z:") {
			rg := field[5:]
			read.Sample = hdr.SampleForReadGroup(rg)
			read.Tech = hdr.techForReadGroup(rg)
		}
	}
	return read, nil
}

// Parse reads a SAM stream. Malformed alignment lines are skipped and
// counted rather than aborting the parse; a malformed header is fatal
// because nothing downstream can recover from missing contigs.
func Parse(reader io.Reader) (*Set, error) {
	set := &Set{Header: &Header{}}
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 1024*1024), 64*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if line[0] == '@' {
			if err := parseHeaderLine(set.Header, line); err != nil {
				return nil, err
			}
			continue
		}
		read, err := parseRead(set.Header, line)
		if err != nil {
			set.Skipped++
			continue
		}
		set.Reads = append(set.Reads, read)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return set, nil
}

// ParseFile parses the named SAM file.
func ParseFile(path string) (*Set, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return Parse(file)
}
