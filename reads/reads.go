// straincall: local-reassembly variant calling for within-species
// strain-level sequencing data.
// Copyright (c) 2026 the straincall authors.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.

// Package reads represents aligned sequencing reads and the subset of
// the SAM text format needed to feed the variant caller.
package reads

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"unicode"

	psort "github.com/exascience/pargo/sort"

	"github.com/strainsight/straincall/utils"
)

// Technology classifies a read by its sequencing platform, which
// selects assembly kmer sizes and pair-HMM error models downstream.
type Technology int

// The supported read technologies.
const (
	Short Technology = iota
	Long
)

func (t Technology) String() string {
	if t == Long {
		return "long"
	}
	return "short"
}

// A Contig is a reference sequence declared in the input header.
type Contig struct {
	Name   string
	Length int32
}

// Header is the parsed input header: contig declarations in file
// order, read groups, and the remaining records verbatim.
type Header struct {
	HD      utils.StringMap
	Contigs []Contig
	RG      []utils.StringMap
	CO      []string
}

// ContigIndex returns the index of the named contig, or -1.
func (hdr *Header) ContigIndex(name string) int {
	for i, sq := range hdr.Contigs {
		if sq.Name == name {
			return i
		}
	}
	return -1
}

// DefaultSample names the output sample when neither the header nor
// the read declares one.
const DefaultSample = "SAMPLE"

// SampleForReadGroup returns the SM field of the given read group, or
// the read group identifier itself when no SM field is declared.
func (hdr *Header) SampleForReadGroup(id string) string {
	for _, rg := range hdr.RG {
		if rg["ID"] == id {
			if sm, found := rg["SM"]; found {
				return sm
			}
			return id
		}
	}
	return id
}

// A Read is a single aligned read. POS is 1-based. SEQ holds upper
// case bases, QUAL raw phred scores (no +33 offset).
type Read struct {
	QNAME  string
	FLAG   uint16
	RNAME  string
	POS    int32
	MAPQ   byte
	CIGAR  []CigarOperation
	RNEXT  string
	PNEXT  int32
	TLEN   int32
	SEQ    string
	QUAL   []byte
	Sample string
	Tech   Technology
}

// Flag bits as defined by the SAM specification.
const (
	Multiple      = 0x1
	Proper        = 0x2
	Unmapped      = 0x4
	NextUnmapped  = 0x8
	Reversed      = 0x10
	NextReversed  = 0x20
	First         = 0x40
	Last          = 0x80
	Secondary     = 0x100
	QCFailed      = 0x200
	Duplicate     = 0x400
	Supplementary = 0x800
)

func (r *Read) IsMultiple() bool      { return (r.FLAG & Multiple) != 0 }
func (r *Read) IsProper() bool        { return (r.FLAG & Proper) != 0 }
func (r *Read) IsUnmapped() bool      { return (r.FLAG & Unmapped) != 0 }
func (r *Read) IsNextUnmapped() bool  { return (r.FLAG & NextUnmapped) != 0 }
func (r *Read) IsReversed() bool      { return (r.FLAG & Reversed) != 0 }
func (r *Read) IsSecondary() bool     { return (r.FLAG & Secondary) != 0 }
func (r *Read) IsQCFailed() bool      { return (r.FLAG & QCFailed) != 0 }
func (r *Read) IsDuplicate() bool     { return (r.FLAG & Duplicate) != 0 }
func (r *Read) IsSupplementary() bool { return (r.FLAG & Supplementary) != 0 }

// End returns the 1-based inclusive reference position of the last
// aligned base, derived from POS and the CIGAR.
func (r *Read) End() int32 {
	end := r.POS - 1
	for _, op := range r.CIGAR {
		switch op.Operation {
		case 'M', '=', 'X', 'D', 'N':
			end += op.Length
		}
	}
	return end
}

// SoftClippedStart returns POS adjusted for a leading soft clip, the
// position the first base of SEQ would occupy if it were aligned.
func (r *Read) SoftClippedStart() int32 {
	pos := r.POS
	for _, op := range r.CIGAR {
		switch op.Operation {
		case 'S':
			pos -= op.Length
		case 'H':
		default:
			return pos
		}
	}
	return pos
}

// SoftClippedEnd returns End adjusted for a trailing soft clip.
func (r *Read) SoftClippedEnd() int32 {
	end := r.End()
	for i := len(r.CIGAR) - 1; i >= 0; i-- {
		switch op := r.CIGAR[i]; op.Operation {
		case 'S':
			end += op.Length
		case 'H':
		default:
			return end
		}
	}
	return end
}

// Clone returns a copy of the read with its own CIGAR and QUAL
// backing storage, so region-local clipping never mutates the input.
func (r *Read) Clone() *Read {
	nr := *r
	nr.CIGAR = append([]CigarOperation(nil), r.CIGAR...)
	nr.QUAL = append([]byte(nil), r.QUAL...)
	return &nr
}

// CoordinateLess orders reads by contig name, position, then name for
// a stable tiebreak.
func CoordinateLess(r1, r2 *Read) bool {
	if r1.RNAME != r2.RNAME {
		return r1.RNAME < r2.RNAME
	}
	if r1.POS != r2.POS {
		return r1.POS < r2.POS
	}
	return r1.QNAME < r2.QNAME
}

type (
	// By is a comparison function over reads.
	By func(r1, r2 *Read) bool

	readSorter struct {
		reads []*Read
		by    By
	}
)

func (s readSorter) SequentialSort(i, j int) {
	reads, by := s.reads[i:j], s.by
	sort.Slice(reads, func(i, j int) bool {
		return by(reads[i], reads[j])
	})
}

func (s readSorter) NewTemp() psort.StableSorter {
	return readSorter{make([]*Read, len(s.reads)), s.by}
}

func (s readSorter) Len() int {
	return len(s.reads)
}

func (s readSorter) Less(i, j int) bool {
	return s.by(s.reads[i], s.reads[j])
}

func (s readSorter) Assign(p psort.StableSorter) func(i, j, len int) {
	dst, src := s.reads, p.(readSorter).reads
	return func(i, j, n int) {
		copy(dst[i:i+n], src[j:j+n])
	}
}

// ParallelStableSort sorts reads in parallel according to by.
func (by By) ParallelStableSort(reads []*Read) {
	psort.StableSort(readSorter{reads, by})
}

// CigarOperation is a single CIGAR element.
type CigarOperation struct {
	Length    int32
	Operation byte
}

// CigarOperations lists the valid CIGAR operation characters.
const CigarOperations = "MmIiDdNnSsHhPpXx="

// cigarOpTable maps operation characters, upper or lower case, to
// their canonical upper case form. Zero marks an invalid character.
var cigarOpTable [256]byte

func init() {
	for _, c := range CigarOperations {
		cigarOpTable[c] = byte(unicode.ToUpper(c))
	}
}

func isDigit(char byte) bool { return '0' <= char && char <= '9' }

func scanCigarOperation(cigar string, start int) (CigarOperation, int, error) {
	end := start
	for end < len(cigar) && isDigit(cigar[end]) {
		end++
	}
	if end == len(cigar) {
		return CigarOperation{}, 0, fmt.Errorf("truncated CIGAR string %v", cigar)
	}
	length, err := strconv.ParseInt(cigar[start:end], 10, 32)
	if err != nil {
		return CigarOperation{}, 0, err
	}
	operation := cigarOpTable[cigar[end]]
	if operation == 0 {
		return CigarOperation{}, 0, fmt.Errorf("invalid CIGAR operation %c", cigar[end])
	}
	return CigarOperation{int32(length), operation}, end + 1, nil
}

// Identical CIGAR strings are extremely common in real inputs, so
// parsed slices are interned in a shared cache.
var (
	cigarCache     = map[string][]CigarOperation{"*": {}}
	cigarCacheLock sync.RWMutex
)

func parseAndCacheCigar(cigar string) ([]CigarOperation, error) {
	var slice []CigarOperation
	for i := 0; i < len(cigar); {
		op, next, err := scanCigarOperation(cigar, i)
		if err != nil {
			return nil, fmt.Errorf("%v, while scanning CIGAR string %v", err, cigar)
		}
		slice = append(slice, op)
		i = next
	}
	cigarCacheLock.Lock()
	defer cigarCacheLock.Unlock()
	if cached, found := cigarCache[cigar]; found {
		return cached, nil
	}
	cigarCache[cigar] = slice
	return slice, nil
}

// ScanCigarString parses a CIGAR string. Parsed slices are cached and
// shared, so callers must not modify the result; Clone a read before
// rewriting its CIGAR.
func ScanCigarString(cigar string) ([]CigarOperation, error) {
	cigarCacheLock.RLock()
	cached, found := cigarCache[cigar]
	cigarCacheLock.RUnlock()
	if found {
		return cached, nil
	}
	return parseAndCacheCigar(cigar)
}

// CigarString renders a CIGAR slice back to its text form.
func CigarString(cigar []CigarOperation) string {
	if len(cigar) == 0 {
		return "*"
	}
	var buf []byte
	for _, op := range cigar {
		buf = strconv.AppendInt(buf, int64(op.Length), 10)
		buf = append(buf, op.Operation)
	}
	return string(buf)
}

// ReadLengthFromCigar computes the query length implied by a CIGAR.
func ReadLengthFromCigar(cigar []CigarOperation) int32 {
	var length int32
	for _, op := range cigar {
		switch op.Operation {
		case 'M', '=', 'X', 'I', 'S':
			length += op.Length
		}
	}
	return length
}

// ReferenceLengthFromCigar computes the reference span of a CIGAR.
func ReferenceLengthFromCigar(cigar []CigarOperation) int32 {
	var length int32
	for _, op := range cigar {
		switch op.Operation {
		case 'M', '=', 'X', 'D', 'N':
			length += op.Length
		}
	}
	return length
}
