// straincall: local-reassembly variant calling for within-species
// strain-level sequencing data.
// Copyright (c) 2026 the straincall authors.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.

package utils

// StringMap maps strings to strings, as in header records.
type StringMap map[string]string

// SmallMapEntry is an entry in a SmallMap.
type SmallMapEntry struct {
	Key   Symbol
	Value interface{}
}

// A SmallMap maps symbols to values. For the handful of INFO/FORMAT
// fields carried on a variant record it is cheaper than a native map,
// and it preserves insertion order when formatting output.
type SmallMap []SmallMapEntry

// Get returns the value for the first entry with the given key, and
// whether such an entry exists.
func (m SmallMap) Get(key Symbol) (interface{}, bool) {
	for _, entry := range m {
		if entry.Key == key {
			return entry.Value, true
		}
	}
	return nil, false
}

// Set associates the given value with the given key, either updating
// the first entry with that key or appending a new entry.
func (m *SmallMap) Set(key Symbol, value interface{}) {
	for index := range *m {
		if (*m)[index].Key == key {
			(*m)[index].Value = value
			return
		}
	}
	*m = append(*m, SmallMapEntry{key, value})
}

// Delete removes the first entry with the given key, if any, and
// reports whether an entry was removed.
func (m *SmallMap) Delete(key Symbol) bool {
	for index, entry := range *m {
		if entry.Key == key {
			*m = append((*m)[:index], (*m)[index+1:]...)
			return true
		}
	}
	return false
}
