// straincall: local-reassembly variant calling for within-species
// strain-level sequencing data.
// Copyright (c) 2026 the straincall authors.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.

// Package utils provides small supporting data structures for the
// straincall packages: interned symbols and association lists.
package utils

import (
	"hash/fnv"

	"github.com/exascience/pargo/sync"
)

// A Symbol is a unique pointer to a string.
type Symbol *string

type symbolName string

func (s symbolName) Hash() uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

var symbolTable = sync.NewMap(0)

// Intern returns a Symbol for the given string.
//
// It always returns the same pointer for strings that are equal, and
// different pointers for strings that are not equal, so symbols can be
// compared with ==. It is safe for concurrent use.
func Intern(s string) Symbol {
	entry, _ := symbolTable.LoadOrStore(symbolName(s), Symbol(&s))
	return entry.(Symbol)
}
