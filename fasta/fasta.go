// straincall: local-reassembly variant calling for within-species
// strain-level sequencing data.
// Copyright (c) 2026 the straincall authors.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.

// Package fasta reads reference sequences, either from plain FASTA
// text or from a packed memory-mapped cache for repeated runs over
// the same reference.
package fasta

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/sys/unix"
)

// FaiReference represents an entry in an FAI index file.
type FaiReference struct {
	Length    int32
	Offset    int64
	LineBases int32
	LineWidth int32
}

func parseFaiLine(line string) (contig string, ref FaiReference, err error) {
	fields := strings.Split(line, "\t")
	if len(fields) != 5 {
		return "", ref, fmt.Errorf("expected 5 fields, got %d", len(fields))
	}
	contig = fields[0]
	length, err := strconv.ParseInt(fields[1], 10, 32)
	if err != nil {
		return "", ref, err
	}
	ref.Length = int32(length)
	if ref.Offset, err = strconv.ParseInt(fields[2], 10, 64); err != nil {
		return "", ref, err
	}
	lineBases, err := strconv.ParseInt(fields[3], 10, 32)
	if err != nil {
		return "", ref, err
	}
	ref.LineBases = int32(lineBases)
	lineWidth, err := strconv.ParseInt(fields[4], 10, 32)
	if err != nil {
		return "", ref, err
	}
	ref.LineWidth = int32(lineWidth)
	return contig, ref, nil
}

// ParseFai parses an FAI index file.
func ParseFai(filename string) (map[string]FaiReference, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fai := make(map[string]FaiReference)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		contig, ref, err := parseFaiLine(scanner.Text())
		if err != nil {
			return nil, fmt.Errorf("badly formatted fai file %v: %w", filename, err)
		}
		fai[contig] = ref
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return fai, nil
}

func isGraphic(c byte) bool {
	return c >= '!' && c <= '~'
}

// headerContig extracts the contig name from a FASTA header line: the
// first run of printable characters after the '>'.
func headerContig(header []byte) string {
	start := 1
	for start < len(header) && !isGraphic(header[start]) {
		start++
	}
	end := start + 1
	for end < len(header) && isGraphic(header[end]) {
		end++
	}
	return string(header[start:end])
}

func allocSeq(contig string, fai map[string]FaiReference) []byte {
	if ref, ok := fai[contig]; ok {
		return make([]byte, 0, ref.Length)
	}
	return nil
}

var iupacUpperTable = map[byte]byte{
	'A': 'A', 'a': 'A',
	'C': 'C', 'c': 'C',
	'G': 'G', 'g': 'G',
	'T': 'T', 't': 'T',
	'N': 'N', 'n': 'N',
	'R': 'N', 'r': 'N',
	'Y': 'N', 'y': 'N',
	'M': 'N', 'm': 'N',
	'K': 'N', 'k': 'N',
	'W': 'N', 'w': 'N',
	'S': 'N', 's': 'N',
	'B': 'N', 'b': 'N',
	'D': 'N', 'd': 'N',
	'H': 'N', 'h': 'N',
	'V': 'N', 'v': 'N',
}

// ToUpperAndN normalizes a base to upper case and maps IUPAC
// ambiguity codes to N.
func ToUpperAndN(base byte) byte {
	if normalized, ok := iupacUpperTable[base]; ok {
		return normalized
	}
	return base
}

func normalizeSeqLine(line []byte, toUpper, toN bool) {
	if toUpper {
		for i, c := range line {
			line[i] = byte(unicode.ToUpper(rune(c)))
		}
	}
	if toN {
		for i, c := range line {
			switch c {
			case 'A', 'C', 'G', 'T', 'a', 'c', 'g', 't':
			default:
				if _, ambiguity := iupacUpperTable[c]; ambiguity {
					line[i] = 'N'
				}
			}
		}
	}
}

// ParseFasta sequentially parses a FASTA file.
//
// If fai is given, the sequences are pre-allocated to reduce pressure
// on the garbage collector. If toUpper is true, the contents are
// converted to upper case. If toN is true, ambiguity codes are
// normalized to N.
func ParseFasta(filename string, fai map[string]FaiReference, toUpper, toN bool) (map[string][]byte, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(bufio.NewReader(f))

	var line []byte
	for len(line) == 0 {
		if !scanner.Scan() {
			return nil, fmt.Errorf("empty fasta file %v", filename)
		}
		line = scanner.Bytes()
	}
	if line[0] != '>' {
		return nil, fmt.Errorf("invalid fasta file %v, missing first header", filename)
	}

	contig := headerContig(line)
	seq := allocSeq(contig, fai)
	fasta := make(map[string][]byte)

	for scanner.Scan() {
		line := scanner.Bytes()
		switch {
		case len(line) == 0:
		case line[0] == '>':
			fasta[contig] = seq
			contig = headerContig(line)
			seq = allocSeq(contig, fai)
		default:
			normalizeSeqLine(line, toUpper, toN)
			seq = append(seq, line...)
		}
	}

	fasta[contig] = seq

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return fasta, nil
}

// PackedMagic is the magic byte sequence that every packed reference
// cache file starts with.
var PackedMagic = []byte{0x5C, 0xFA, 0x57, 0xA1}

// The packed layout is the magic, then per contig its name, a tab,
// and two varint slots (sequence offset and length), then a newline,
// then the raw concatenated sequences. The varint slots are patched
// in afterwards through a writable mmap, once the offsets are known.
const varintSlots = 2 * binary.MaxVarintLen64

// ToPacked stores fasta data into a packed mmappable cache file.
func ToPacked(fasta map[string][]byte, filename string) (err error) {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := file.Close(); err == nil {
			err = cerr
		}
	}()

	written, err := file.Write(PackedMagic)
	if err != nil {
		return err
	}
	slotOffsets := make(map[string]int, len(fasta))
	for contig := range fasta {
		n, err := file.WriteString(contig + "\t")
		if err != nil {
			return err
		}
		written += n
		slotOffsets[contig] = written
		written += varintSlots
		if _, err := file.Seek(int64(written), 0); err != nil {
			return err
		}
	}
	n, err := file.WriteString("\n")
	if err != nil {
		return err
	}
	written += n
	seqOffsets := make(map[string]int, len(fasta))
	for contig, seq := range fasta {
		seqOffsets[contig] = written
		n, err := file.Write(seq)
		if err != nil {
			return err
		}
		written += n
	}

	data, err := unix.Mmap(int(file.Fd()), 0, written, unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return err
	}
	defer func() {
		if merr := unix.Munmap(data); err == nil {
			err = merr
		}
	}()
	for contig, slot := range slotOffsets {
		binary.PutVarint(data[slot:slot+binary.MaxVarintLen64], int64(seqOffsets[contig]))
		binary.PutVarint(data[slot+binary.MaxVarintLen64:slot+varintSlots], int64(len(fasta[contig])))
	}
	return nil
}

// MappedFasta represents the contents of a packed reference cache.
// Opening is asynchronous; accessors block until the map is ready.
type MappedFasta struct {
	wait  sync.WaitGroup
	fasta map[string][]byte
	data  []byte
	file  *os.File
	err   error
}

func parsePackedIndex(data []byte, filename string) (map[string][]byte, error) {
	for i, b := range PackedMagic {
		if data[i] != b {
			return nil, fmt.Errorf("%v is not a packed reference cache, invalid magic byte sequence", filename)
		}
	}
	fasta := make(map[string][]byte)
	pos := len(PackedMagic)
	for data[pos] != '\n' {
		nameStart := pos
		for data[pos] != '\t' {
			pos++
		}
		contig := string(data[nameStart:pos])
		pos++
		offset, n := binary.Varint(data[pos : pos+binary.MaxVarintLen64])
		if n <= 0 {
			return nil, fmt.Errorf("bad offset entry in packed reference cache %v", filename)
		}
		size, n := binary.Varint(data[pos+binary.MaxVarintLen64 : pos+varintSlots])
		if n <= 0 {
			return nil, fmt.Errorf("bad size entry in packed reference cache %v", filename)
		}
		fasta[contig] = data[int(offset):int(offset+size)]
		pos += varintSlots
	}
	return fasta, nil
}

// OpenPacked opens a packed reference cache file.
func OpenPacked(filename string) (result *MappedFasta) {
	result = new(MappedFasta)
	result.wait.Add(1)
	go func() {
		defer result.wait.Done()
		file, err := os.Open(filename)
		if err != nil {
			result.err = err
			return
		}
		stat, err := file.Stat()
		if err != nil {
			_ = file.Close()
			result.err = err
			return
		}
		data, err := unix.Mmap(int(file.Fd()), 0, int(stat.Size()), unix.PROT_READ, unix.MAP_SHARED)
		if err != nil {
			_ = file.Close()
			result.err = err
			return
		}
		fasta, err := parsePackedIndex(data, filename)
		if err != nil {
			_ = unix.Munmap(data)
			_ = file.Close()
			result.err = err
			return
		}
		result.fasta = fasta
		result.data = data
		result.file = file
	}()
	return result
}

// Err reports whether opening the cache failed.
func (fasta *MappedFasta) Err() error {
	fasta.wait.Wait()
	return fasta.err
}

// Close unmaps and closes the cache file.
func (fasta *MappedFasta) Close() error {
	fasta.wait.Wait()
	if fasta.err != nil {
		return fasta.err
	}
	err := unix.Munmap(fasta.data)
	fasta.data = nil
	if cerr := fasta.file.Close(); err == nil {
		err = cerr
	}
	fasta.file = nil
	fasta.fasta = nil
	return err
}

// Seq fetches the sequence for the given contig.
func (fasta *MappedFasta) Seq(contig string) []byte {
	fasta.wait.Wait()
	return fasta.fasta[contig]
}

// Contigs lists the contigs stored in the cache, in no particular
// order.
func (fasta *MappedFasta) Contigs() []string {
	fasta.wait.Wait()
	contigs := make([]string, 0, len(fasta.fasta))
	for contig := range fasta.fasta {
		contigs = append(contigs, contig)
	}
	return contigs
}
