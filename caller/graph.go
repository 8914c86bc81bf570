// straincall: local-reassembly variant calling for within-species
// strain-level sequencing data.
// Copyright (c) 2026 the straincall authors.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.

package caller

import (
	"sort"
	"strings"

	"github.com/willf/bitset"

	"github.com/strainsight/straincall/reads"
)

// A graphEdge is shared between the outgoing list of its source and
// the incoming list of its target, so multiplicity updates are seen
// from both sides.
type graphEdge struct {
	from, to     int32
	multiplicity int32
	isRef        bool
}

// An assemblyGraph stores its vertices in an arena indexed by vertex
// id. Removed vertices keep their slot; liveness is tracked in a bit
// set so sweeps over the graph stay cheap.
type assemblyGraph struct {
	kmerSize       int32
	bases          []string
	alive          *bitset.BitSet
	out, in        [][]*graphEdge
	uniqueKmers    map[string]int32
	nonUniqueKmers map[string]bool
}

func newAssemblyGraph(kmerSize int32) *assemblyGraph {
	return &assemblyGraph{
		kmerSize:       kmerSize,
		alive:          bitset.New(64),
		uniqueKmers:    make(map[string]int32),
		nonUniqueKmers: make(map[string]bool),
	}
}

func (g *assemblyGraph) addVertex(bases string) int32 {
	v := int32(len(g.bases))
	g.bases = append(g.bases, bases)
	g.out = append(g.out, nil)
	g.in = append(g.in, nil)
	g.alive.Set(uint(v))
	return v
}

func (g *assemblyGraph) vertexCount() int {
	return int(g.alive.Count())
}

// liveVertices returns the live vertex ids in increasing order.
func (g *assemblyGraph) liveVertices() (result []int32) {
	for v, ok := g.alive.NextSet(0); ok; v, ok = g.alive.NextSet(v + 1) {
		result = append(result, int32(v))
	}
	return
}

func (g *assemblyGraph) isLive(v int32) bool {
	return v >= 0 && g.alive.Test(uint(v))
}

func (g *assemblyGraph) outDegree(v int32) int { return len(g.out[v]) }
func (g *assemblyGraph) inDegree(v int32) int  { return len(g.in[v]) }

func (g *assemblyGraph) lastBase(v int32) byte {
	bases := g.bases[v]
	return bases[len(bases)-1]
}

func (g *assemblyGraph) getEdge(from, to int32) (*graphEdge, bool) {
	for _, edge := range g.out[from] {
		if edge.to == to {
			return edge, true
		}
	}
	return nil, false
}

// addEdge links two vertices. An already existing edge is left alone
// and nil is returned.
func (g *assemblyGraph) addEdge(from, to, multiplicity int32, isRef bool) *graphEdge {
	if _, ok := g.getEdge(from, to); ok {
		return nil
	}
	edge := &graphEdge{from: from, to: to, multiplicity: multiplicity, isRef: isRef}
	g.out[from] = append(g.out[from], edge)
	g.in[to] = append(g.in[to], edge)
	return edge
}

func (g *assemblyGraph) heaviestOutgoingEdge(v int32) *graphEdge {
	heaviest := g.out[v][0]
	for _, edge := range g.out[v][1:] {
		if edge.multiplicity > heaviest.multiplicity {
			heaviest = edge
		}
	}
	return heaviest
}

func (g *assemblyGraph) isIsolated(v int32) bool {
	return g.inDegree(v) == 0 && g.outDegree(v) == 0
}

// discardIsolated kills a vertex without edges. Its unique kmer entry
// goes with it, so the kmer can be claimed again later.
func (g *assemblyGraph) discardIsolated(v int32) {
	if !g.isLive(v) {
		return
	}
	if bases := g.bases[v]; g.uniqueKmers[bases] == v {
		delete(g.uniqueKmers, bases)
	}
	g.alive.Clear(uint(v))
}

func withoutEdge(edges []*graphEdge, edge *graphEdge) []*graphEdge {
	for i, e := range edges {
		if e == edge {
			return append(edges[:i], edges[i+1:]...)
		}
	}
	return edges
}

func (g *assemblyGraph) unlinkEdge(from, to int32) {
	if edge, ok := g.getEdge(from, to); ok {
		g.out[from] = withoutEdge(g.out[from], edge)
		g.in[to] = withoutEdge(g.in[to], edge)
	}
}

func (g *assemblyGraph) dropEdge(from, to int32) {
	if to < 0 {
		return
	}
	g.unlinkEdge(from, to)
	if g.isIsolated(to) {
		g.discardIsolated(to)
	}
	if g.isIsolated(from) && g.vertexCount() != 1 {
		g.discardIsolated(from)
	}
}

func (g *assemblyGraph) removeVertex(v int32) {
	for _, edge := range g.out[v] {
		g.in[edge.to] = withoutEdge(g.in[edge.to], edge)
		if g.isIsolated(edge.to) {
			g.discardIsolated(edge.to)
		}
	}
	g.out[v] = nil
	for _, edge := range g.in[v] {
		g.out[edge.from] = withoutEdge(g.out[edge.from], edge)
		if g.isIsolated(edge.from) {
			g.discardIsolated(edge.from)
		}
	}
	g.in[v] = nil
	g.discardIsolated(v)
}

func (g *assemblyGraph) selectVertices(predicate func(int32) bool) (result []int32) {
	for _, v := range g.liveVertices() {
		if predicate(v) {
			result = append(result, v)
		}
	}
	return
}

func (g *assemblyGraph) firstVertex(predicate func(int32) bool) int32 {
	for _, v := range g.liveVertices() {
		if predicate(v) {
			return v
		}
	}
	return -1
}

func (g *assemblyGraph) nonReferenceSinks() []int32 {
	return g.selectVertices(func(v int32) bool {
		return g.outDegree(v) == 0 && !g.vertexIsReferenceSink(v)
	})
}

func (g *assemblyGraph) nonReferenceSources() []int32 {
	return g.selectVertices(func(v int32) bool {
		return g.inDegree(v) == 0 && !g.vertexIsReferenceSource(v)
	})
}

func (g *assemblyGraph) getReferenceSourceVertex() int32 {
	return g.firstVertex(g.vertexIsReferenceSource)
}

func (g *assemblyGraph) getReferenceSinkVertex() int32 {
	return g.firstVertex(g.vertexIsReferenceSink)
}

// hasCycle runs a depth-first search over all components with the
// in-progress set tracked in a bit set. A back edge to an in-progress
// vertex means a cycle.
func (g *assemblyGraph) hasCycle() bool {
	visited := bitset.New(uint(len(g.bases)))
	onStack := bitset.New(uint(len(g.bases)))
	type frame struct {
		v    int32
		next int
	}
	var stack []frame
	for root, ok := g.alive.NextSet(0); ok; root, ok = g.alive.NextSet(root + 1) {
		if visited.Test(root) {
			continue
		}
		visited.Set(root)
		onStack.Set(root)
		stack = append(stack[:0], frame{v: int32(root)})
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			if edges := g.out[top.v]; top.next < len(edges) {
				to := uint(edges[top.next].to)
				top.next++
				if onStack.Test(to) {
					return true
				}
				if !visited.Test(to) {
					visited.Set(to)
					onStack.Set(to)
					stack = append(stack, frame{v: int32(to)})
				}
			} else {
				onStack.Clear(uint(top.v))
				stack = stack[:len(stack)-1]
			}
		}
	}
	return false
}

// a chain is a non-branching run of edges hanging off a head vertex
type chain struct {
	head  int32
	edges []*graphEdge
}

func (g *assemblyGraph) traceChain(head int32, first *graphEdge) []*graphEdge {
	edges := []*graphEdge{first}
	for tail := first.to; tail != head && g.inDegree(tail) == 1; {
		next := g.out[tail]
		if len(next) != 1 {
			break
		}
		edges = append(edges, next[0])
		tail = next[0].to
	}
	return edges
}

func (g *assemblyGraph) collectChains() (result []chain) {
	pending := g.selectVertices(g.isSource)
	seen := bitset.New(uint(len(g.bases)))
	for _, v := range pending {
		seen.Set(uint(v))
	}
	for len(pending) > 0 {
		head := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		for _, edge := range g.out[head] {
			edges := g.traceChain(head, edge)
			result = append(result, chain{head, edges})
			tail := edges[len(edges)-1].to
			if !seen.Test(uint(tail)) {
				seen.Set(uint(tail))
				pending = append(pending, tail)
			}
		}
	}
	return
}

const minChainWeight = 2

// isDroppable reports whether every edge of the chain is light and off
// the reference.
func (c chain) isDroppable() bool {
	for _, edge := range c.edges {
		if edge.isRef || edge.multiplicity >= minChainWeight {
			return false
		}
	}
	return true
}

func (g *assemblyGraph) discardChain(c chain) {
	for _, edge := range c.edges {
		g.unlinkEdge(edge.from, edge.to)
	}
	for _, v := range g.liveVertices() {
		if g.vertexCount() == 1 {
			break
		}
		if g.isIsolated(v) {
			g.discardIsolated(v)
		}
	}
}

func (g *assemblyGraph) pruneChainsWithLowWeight() {
	for _, c := range g.collectChains() {
		if c.isDroppable() {
			g.discardChain(c)
		}
	}
}

// fuse appends next's bases to v, rewires next's outgoing edges to
// start at v, and removes next. v's sole outgoing edge must point at
// next.
func (g *assemblyGraph) fuse(v, next int32) {
	g.bases[v] = g.bases[v] + g.bases[next]
	g.unlinkEdge(v, next)
	for _, edge := range g.out[next] {
		edge.from = v
	}
	g.out[v] = g.out[next]
	g.out[next] = nil
	g.in[next] = nil
	g.discardIsolated(next)
}

func (g *assemblyGraph) startsLinearChain(v int32) bool {
	if g.outDegree(v) != 1 {
		return false
	}
	if in := g.in[v]; len(in) == 1 {
		return g.outDegree(in[0].from) > 1
	}
	return true
}

func (g *assemblyGraph) mergeLinearChains() (modified bool) {
	for _, v := range g.liveVertices() {
		if !g.isLive(v) || !g.startsLinearChain(v) {
			continue
		}
		onRef := g.vertexIsReferenceNode(v)
		for {
			edges := g.out[v]
			if len(edges) != 1 {
				break
			}
			next := edges[0].to
			if next == v || g.inDegree(next) != 1 || onRef != g.vertexIsReferenceNode(next) {
				break
			}
			modified = true
			g.fuse(v, next)
		}
	}
	return
}

func nonUniqueKmersExist(bases string, kmerSize int32) bool {
	seen := make(map[string]bool)
	for i := int32(0); i+kmerSize <= int32(len(bases)); i++ {
		kmer := bases[i : i+kmerSize]
		if seen[kmer] {
			return true
		}
		seen[kmer] = true
	}
	return false
}

func (g *assemblyGraph) markDuplicateKmers(sequence kmerSequence, kmerSize int32) {
	seen := make(map[string]bool)
	for i := int32(0); i+kmerSize <= sequence.stop; i++ {
		kmer := sequence.bases[i : i+kmerSize]
		if seen[kmer] {
			g.nonUniqueKmers[kmer] = true
		} else {
			seen[kmer] = true
		}
	}
}

func (g *assemblyGraph) initializeNonUniqueKmers(seqs []kmerSequence, kmerSize int32) {
	for _, seq := range seqs {
		g.markDuplicateKmers(seq, kmerSize)
	}
}

func (g *assemblyGraph) findStartOfKmers(sequence kmerSequence) int32 {
	if sequence.isRef {
		return 0
	}
	for i := sequence.start; i+g.kmerSize < sequence.stop; i++ {
		if !g.nonUniqueKmers[sequence.bases[i:i+g.kmerSize]] {
			return i
		}
	}
	return -1
}

// increaseCountsMatchedKmers walks back from a rediscovered unique
// kmer, bumping the multiplicity of edges whose source suffix matches
// the corresponding kmer base.
func (g *assemblyGraph) increaseCountsMatchedKmers(sequence kmerSequence, original int32) {
	kmer := g.bases[original]
	v := original
	for offset := g.kmerSize - 2; offset >= 0 && g.inDegree(v) == 1; offset-- {
		edge := g.in[v][0]
		if g.lastBase(edge.from) != kmer[offset] {
			break
		}
		edge.multiplicity++
		v = edge.from
	}
}

func (g *assemblyGraph) addKmerVertex(kmer string) int32 {
	v := g.addVertex(kmer)
	if !g.nonUniqueKmers[kmer] {
		if _, taken := g.uniqueKmers[kmer]; !taken {
			g.uniqueKmers[kmer] = v
		}
	}
	return v
}

func (g *assemblyGraph) getKmerVertex(sequence kmerSequence, start int32) int32 {
	kmer := sequence.bases[start : start+g.kmerSize]
	if v, ok := g.uniqueKmers[kmer]; ok {
		return v
	}
	return g.addKmerVertex(kmer)
}

// vertexForNonSourceKmer is like getKmerVertex, except that the
// reference source kmer always gets a fresh vertex so that nothing
// loops back into the source.
func (g *assemblyGraph) vertexForNonSourceKmer(refSource string, sequence kmerSequence, start int32) int32 {
	kmer := sequence.bases[start : start+g.kmerSize]
	if kmer == refSource {
		return g.addKmerVertex(kmer)
	}
	if v, ok := g.uniqueKmers[kmer]; ok {
		return v
	}
	return g.addKmerVertex(kmer)
}

// extendChainByOne adds the next kmer of a sequence to the graph,
// either by bumping an existing edge whose target ends on the same
// base or by creating a fresh vertex.
func (g *assemblyGraph) extendChainByOne(refSource string, v int32, sequence kmerSequence, i int32) int32 {
	next := sequence.bases[i+g.kmerSize-1]
	for _, edge := range g.out[v] {
		if g.lastBase(edge.to) == next {
			edge.multiplicity++
			return edge.to
		}
	}
	to := g.vertexForNonSourceKmer(refSource, sequence, i)
	g.addEdge(v, to, 1, sequence.isRef)
	return to
}

func anyRefEdge(edges []*graphEdge) bool {
	for _, edge := range edges {
		if edge.isRef {
			return true
		}
	}
	return false
}

func (g *assemblyGraph) vertexIsReferenceSource(v int32) bool {
	if g.vertexCount() == 1 {
		return true
	}
	return !anyRefEdge(g.in[v]) && anyRefEdge(g.out[v])
}

func (g *assemblyGraph) vertexIsReferenceSink(v int32) bool {
	if g.vertexCount() == 1 {
		return true
	}
	return !anyRefEdge(g.out[v]) && anyRefEdge(g.in[v])
}

func (g *assemblyGraph) vertexIsReferenceNode(v int32) bool {
	if g.vertexCount() == 1 {
		return true
	}
	return anyRefEdge(g.in[v]) || anyRefEdge(g.out[v])
}

func (g *assemblyGraph) isSource(v int32) bool {
	return g.inDegree(v) == 0
}

func reverseInPlace(path []int32) []int32 {
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// ascendToBranchPoint follows the unique incoming edges of a dangling
// tail up to the first branching vertex. A light edge on the way
// resets the collected path, so only the well supported part remains.
func (g *assemblyGraph) ascendToBranchPoint(v int32) (path []int32) {
	for g.inDegree(v) == 1 && g.outDegree(v) < 2 {
		edge := g.in[v][0]
		if edge.multiplicity < minChainWeight {
			path = path[:0]
		} else {
			path = append(path, v)
		}
		v = edge.from
	}
	if g.outDegree(v) < 2 {
		return nil
	}
	return reverseInPlace(append(path, v))
}

// nextReferenceStep picks the vertex that continues the reference
// path: a reference edge when there is one, otherwise the single
// remaining branch once avoid is excluded.
func (g *assemblyGraph) nextReferenceStep(v int32, avoid *graphEdge) (int32, bool) {
	edges := g.out[v]
	for _, edge := range edges {
		if edge.isRef {
			return edge.to, true
		}
	}
	if avoid == nil {
		if len(edges) == 1 {
			return edges[0].to, true
		}
		return -1, false
	}
	next := int32(-1)
	for _, edge := range edges {
		if edge == avoid {
			continue
		}
		if next != -1 {
			return -1, false
		}
		next = edge.to
	}
	if next == -1 {
		return -1, false
	}
	return next, true
}

func (g *assemblyGraph) referencePathDown(altPath []int32) []int32 {
	vertex := altPath[0]
	var avoid *graphEdge
	in := g.in[altPath[1]]
	heaviest := in[0]
	for _, edge := range in[1:] {
		if edge.multiplicity > heaviest.multiplicity {
			heaviest = edge
		}
	}
	if heaviest.from == vertex {
		avoid, _ = g.getEdge(vertex, altPath[1])
	}
	var path []int32
	for {
		path = append(path, vertex)
		next, ok := g.nextReferenceStep(vertex, avoid)
		if !ok {
			return path
		}
		vertex = next
	}
}

func (g *assemblyGraph) pathSuffixBases(path []int32) string {
	var result strings.Builder
	for _, v := range path {
		result.WriteByte(g.lastBase(v))
	}
	return result.String()
}

// pathSuffixBasesExpanded spells out source vertices in full, in
// reverse, since they carry a whole kmer rather than a single base.
func (g *assemblyGraph) pathSuffixBasesExpanded(path []int32) string {
	var result strings.Builder
	for _, v := range path {
		if !g.isSource(v) {
			result.WriteByte(g.lastBase(v))
			continue
		}
		bases := g.bases[v]
		for i := len(bases) - 1; i >= 0; i-- {
			result.WriteByte(bases[i])
		}
	}
	return result.String()
}

func suffixAgreement(sequence, kmer string, start int32) int32 {
	kmerLength := int32(len(kmer))
	for length := int32(1); length <= kmerLength; length++ {
		i := start - length + 1
		if i < 0 || sequence[i] != kmer[kmerLength-length] {
			return length - 1
		}
	}
	return kmerLength
}

const maxAlignmentOps = 3

func alignDanglingPath(refBases, altBases string) []reads.CigarOperation {
	cigar, _ := runSmithWaterman(refBases, altBases, 25, -50, -110, -6, leadingIndel)
	if n := len(cigar); n > 0 && cigar[n-1].Operation == 'D' {
		cigar = cigar[:n-1]
	}
	return cigar
}

func (g *assemblyGraph) reconnectTail(altPath, refPath []int32, altBases, refBases string, cigar []reads.CigarOperation) bool {
	lastRef := reads.ReferenceLengthFromCigar(cigar) - 1
	agreed := min(suffixAgreement(refBases, altBases, lastRef), cigar[len(cigar)-1].Length)
	if agreed == 0 {
		return false
	}
	altJoin := max(reads.ReadLengthFromCigar(cigar)-agreed-1, 0)
	refJoin := lastRef - agreed + 1
	if cigar[0].Operation == 'D' && cigar[0].Length+agreed == lastRef+1 {
		refJoin++
	}
	if refJoin == 0 {
		return false
	}
	g.addEdge(altPath[altJoin], refPath[refJoin], 1, false)
	return true
}

func (g *assemblyGraph) recoverDanglingTail(v int32) bool {
	altPath := g.ascendToBranchPoint(v)
	if len(altPath) < 5 || g.vertexIsReferenceSource(altPath[0]) {
		return false
	}
	refPath := g.referencePathDown(altPath)
	altBases := g.pathSuffixBases(altPath)
	refBases := g.pathSuffixBases(refPath)
	cigar := alignDanglingPath(refBases, altBases)
	if n := len(cigar); n == 0 || n > maxAlignmentOps || cigar[n-1].Operation != 'M' {
		return false
	}
	return g.reconnectTail(altPath, refPath, altBases, refBases, cigar)
}

func (g *assemblyGraph) recoverDanglingTails() {
	for _, v := range g.nonReferenceSinks() {
		g.recoverDanglingTail(v)
	}
}

func (g *assemblyGraph) descendToReferenceNode(v int32) (path []int32) {
	for !g.vertexIsReferenceNode(v) && g.outDegree(v) == 1 {
		edge := g.out[v][0]
		if edge.multiplicity < minChainWeight {
			path = path[:0]
		} else {
			path = append(path, v)
		}
		v = edge.to
	}
	if !g.vertexIsReferenceNode(v) {
		return nil
	}
	return reverseInPlace(append(path, v))
}

func (g *assemblyGraph) referencePathUp(path []int32) (result []int32) {
	vertex := path[0]
loop:
	for {
		result = append(result, vertex)
		for _, edge := range g.in[vertex] {
			if vertex = edge.from; g.vertexIsReferenceNode(vertex) {
				continue loop
			}
		}
		return
	}
}

func prefixAgreement(ref, alt string, maxIndex, kmerSize int32) int32 {
	allowed := max(1, maxIndex/kmerSize)
	var mismatches int32
	lastGood := int32(-1)
	for i := int32(0); i < maxIndex; i++ {
		if ref[i] != alt[i] {
			if mismatches++; mismatches > allowed {
				return -1
			}
			lastGood = i
		}
	}
	return lastGood
}

// growAltPathFromReference manufactures the missing alt vertices from
// the reference source kmer so that a short dangling head becomes long
// enough to merge.
func (g *assemblyGraph) growAltPathFromReference(altPath, refPath []int32, steps, kmerSize int32) ([]int32, bool) {
	last := len(altPath) - 1
	refIndex := last + int(steps)
	if refIndex >= len(refPath) {
		return altPath, false
	}
	source := altPath[last]
	altPath = altPath[:last]
	template := g.bases[refPath[refIndex]][:steps] + g.bases[source]
	edge := g.heaviestOutgoingEdge(source)
	target, weight := edge.to, edge.multiplicity
	g.dropEdge(source, target)
	for i := steps; i >= 1; i-- {
		fresh := g.addVertex(template[i:min(i+kmerSize, int32(len(template)))])
		g.addEdge(fresh, target, weight, false)
		altPath = append(altPath, fresh)
		target = fresh
	}
	return altPath, true
}

func (g *assemblyGraph) reconnectHead(altPath, refPath []int32, altBases, refBases string, cigar []reads.CigarOperation, kmerSize int32) bool {
	join := prefixAgreement(refBases, altBases, cigar[0].Length, kmerSize)
	if join <= 0 || join >= int32(len(refPath)-1) {
		return false
	}
	if join >= int32(len(altPath)) {
		grown, ok := g.growAltPathFromReference(altPath, refPath, join-int32(len(altPath))+2, kmerSize)
		if !ok {
			return false
		}
		altPath = grown
	}
	g.addEdge(refPath[join+1], altPath[join], 1, false)
	return true
}

func (g *assemblyGraph) recoverDanglingHead(v, kmerSize int32) bool {
	altPath := g.descendToReferenceNode(v)
	if len(altPath) < 5 || g.vertexIsReferenceSink(altPath[0]) {
		return false
	}
	refPath := g.referencePathUp(altPath)
	altBases := g.pathSuffixBasesExpanded(altPath)
	refBases := g.pathSuffixBasesExpanded(refPath)
	cigar := alignDanglingPath(refBases, altBases)
	if len(cigar) == 0 || len(cigar) > maxAlignmentOps || cigar[0].Operation != 'M' {
		return false
	}
	return g.reconnectHead(altPath, refPath, altBases, refBases, cigar, kmerSize)
}

func (g *assemblyGraph) recoverDanglingHeads(kmerSize int32) {
	for _, v := range g.nonReferenceSources() {
		g.recoverDanglingHead(v, kmerSize)
	}
}

func (g *assemblyGraph) floodFill(start int32, edges func(int32) []*graphEdge, follow func(*graphEdge) int32) *bitset.BitSet {
	visited := bitset.New(uint(len(g.bases)))
	pending := []int32{start}
	for len(pending) > 0 {
		v := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		if visited.Test(uint(v)) {
			continue
		}
		visited.Set(uint(v))
		for _, edge := range edges(v) {
			pending = append(pending, follow(edge))
		}
	}
	return visited
}

// removePathsNotConnectedToReference keeps only vertices on some path
// from the reference source to the reference sink.
func (g *assemblyGraph) removePathsNotConnectedToReference() {
	fromSource := g.floodFill(g.getReferenceSourceVertex(),
		func(v int32) []*graphEdge { return g.out[v] },
		func(e *graphEdge) int32 { return e.to })
	fromSink := g.floodFill(g.getReferenceSinkVertex(),
		func(v int32) []*graphEdge { return g.in[v] },
		func(e *graphEdge) int32 { return e.from })
	keep := fromSource.Intersection(fromSink)
	for _, v := range g.liveVertices() {
		if !keep.Test(uint(v)) {
			g.removeVertex(v)
		}
	}
}

// discardUnreachableComponents removes every component that does not
// contain the reference source, ignoring edge directions.
func (g *assemblyGraph) discardUnreachableComponents() {
	visited := bitset.New(uint(len(g.bases)))
	pending := []int32{g.getReferenceSourceVertex()}
	for len(pending) > 0 {
		v := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		if visited.Test(uint(v)) {
			continue
		}
		visited.Set(uint(v))
		for _, edge := range g.in[v] {
			pending = append(pending, edge.from)
		}
		for _, edge := range g.out[v] {
			pending = append(pending, edge.to)
		}
	}
	for _, v := range g.liveVertices() {
		if !visited.Test(uint(v)) {
			g.removeVertex(v)
		}
	}
}

// convertToSequenceGraph shrinks every non-source kmer vertex to its
// final base, turning the kmer graph into a sequence graph.
func (g *assemblyGraph) convertToSequenceGraph() {
	for _, v := range g.liveVertices() {
		if !g.isSource(v) {
			g.bases[v] = string(g.lastBase(v))
		}
	}
}

func (g *assemblyGraph) sharedPrefixLen(vertices []int32, limit int) int {
	first := g.bases[vertices[0]]
	for i := 0; i < limit; i++ {
		for _, v := range vertices[1:] {
			if g.bases[v][i] != first[i] {
				return i
			}
		}
	}
	return limit
}

func (g *assemblyGraph) sharedSuffixLen(vertices []int32, limit int) int {
	first := g.bases[vertices[0]]
	for i := 1; i <= limit; i++ {
		c := first[len(first)-i]
		for _, v := range vertices[1:] {
			seq := g.bases[v]
			if seq[len(seq)-i] != c {
				return i - 1
			}
		}
	}
	return limit
}

func (g *assemblyGraph) sharedAffixes(vertices []int32) (prefix, suffix string) {
	shortest := len(g.bases[vertices[0]])
	for _, v := range vertices[1:] {
		shortest = min(shortest, len(g.bases[v]))
	}
	p := g.sharedPrefixLen(vertices, shortest)
	s := g.sharedSuffixLen(vertices, shortest-p)
	seq := g.bases[vertices[0]]
	return seq[:p], seq[len(seq)-s:]
}

func stripAffixes(seq string, prefixLen, suffixLen int) string {
	if len(seq) <= prefixLen+suffixLen {
		return ""
	}
	return seq[prefixLen : len(seq)-suffixLen]
}

// splicePrefix inserts a fresh vertex carrying the common prefix
// between top and its successors, returning the new vertex.
func (g *assemblyGraph) splicePrefix(top int32, prefix string) int32 {
	prefixVertex := g.addVertex(prefix)
	onRef := anyRefEdge(g.out[top])
	for _, edge := range g.out[top] {
		edge.from = prefixVertex
	}
	g.out[prefixVertex] = g.out[top]
	g.out[top] = nil
	g.addEdge(top, prefixVertex, 1, onRef)
	return prefixVertex
}

func (g *assemblyGraph) spliceSuffix(bottom int32, suffix string) int32 {
	suffixVertex := g.addVertex(suffix)
	onRef := anyRefEdge(g.in[bottom])
	for _, edge := range g.in[bottom] {
		edge.to = suffixVertex
	}
	g.in[suffixVertex] = g.in[bottom]
	g.in[bottom] = nil
	g.addEdge(suffixVertex, bottom, 1, onRef)
	return suffixVertex
}

func (g *assemblyGraph) collapseDiamondSequences(top, bottom int32, middles []int32) bool {
	prefix, suffix := g.sharedAffixes(middles)
	if prefix == "" && suffix == "" {
		return false
	}
	above := top
	if prefix != "" {
		above = g.splicePrefix(top, prefix)
	}
	below := bottom
	if suffix != "" {
		below = g.spliceSuffix(bottom, suffix)
	}
	var direct *graphEdge
	for _, edge := range append([]*graphEdge(nil), g.out[above]...) {
		middle := edge.to
		if middle == below {
			continue
		}
		if core := stripAffixes(g.bases[middle], len(prefix), len(suffix)); core != "" {
			g.bases[middle] = core
			continue
		}
		incoming := g.in[middle][0]
		outgoing := g.out[middle][0]
		combinedWeight := incoming.multiplicity + outgoing.multiplicity
		combinedRef := incoming.isRef || outgoing.isRef
		if direct == nil {
			direct = g.addEdge(above, below, combinedWeight, combinedRef)
		} else {
			direct.multiplicity += combinedWeight
			direct.isRef = direct.isRef || combinedRef
		}
		g.removeVertex(middle)
	}
	return true
}

// collapseDiamond looks for a top vertex whose successors all funnel
// into one bottom vertex, and pulls their shared prefix and suffix out
// of the middle vertices.
func (g *assemblyGraph) collapseDiamond(top int32) bool {
	if g.outDegree(top) <= 1 {
		return false
	}
	middles := make([]int32, 0, g.outDegree(top))
	bottom := int32(-1)
	for _, edge := range g.out[top] {
		middle := edge.to
		if g.outDegree(middle) < 1 || g.inDegree(middle) != 1 {
			return false
		}
		for _, down := range g.out[middle] {
			if bottom == -1 {
				bottom = down.to
			} else if bottom != down.to {
				return false
			}
		}
		middles = append(middles, middle)
	}
	if g.inDegree(bottom) != len(middles) {
		return false
	}
	return g.collapseDiamondSequences(top, bottom, middles)
}

func (g *assemblyGraph) collapseTailSequences(top int32, tails []int32) bool {
	prefix, suffix := g.sharedAffixes(tails)
	if len(suffix) < 10 {
		return false
	}
	above := top
	if prefix != "" {
		above = g.splicePrefix(top, prefix)
	}
	merged := g.addVertex(suffix)
	var weight int32
	var onRef bool
	for _, tail := range tails {
		if core := stripAffixes(g.bases[tail], len(prefix), len(suffix)); core != "" {
			g.bases[tail] = core
			continue
		}
		incoming := g.in[tail][0]
		onRef = onRef || incoming.isRef
		weight += incoming.multiplicity
		g.dropEdge(above, tail)
	}
	if weight > 0 {
		g.addEdge(above, merged, weight, onRef)
	} else if g.isIsolated(merged) {
		g.discardIsolated(merged)
	}
	return true
}

func (g *assemblyGraph) collapseTail(top int32) bool {
	if g.outDegree(top) <= 1 {
		return false
	}
	tails := make([]int32, 0, g.outDegree(top))
	for _, edge := range g.out[top] {
		tail := edge.to
		if g.outDegree(tail) != 0 || g.inDegree(tail) > 1 {
			return false
		}
		tails = append(tails, tail)
	}
	return g.collapseTailSequences(top, tails)
}

func (g *assemblyGraph) splitIsSafe(bottom int32, tops []int32) bool {
	down := g.out[bottom]
	for _, top := range tops {
		if top == bottom {
			return false
		}
		if out := g.out[top]; len(out) != 1 || out[0].to != bottom {
			return false
		}
		for _, edge := range down {
			if edge.to == top {
				return false
			}
		}
	}
	return true
}

func (g *assemblyGraph) sharedSuffixOfVertices(vertices []int32) string {
	shortest := len(g.bases[vertices[0]])
	for _, v := range vertices[1:] {
		shortest = min(shortest, len(g.bases[v]))
	}
	seq := g.bases[vertices[0]]
	return seq[len(seq)-g.sharedSuffixLen(vertices, shortest):]
}

func (g *assemblyGraph) splittableSuffix(bottom int32, tops []int32) (string, bool) {
	if len(tops) < 2 || !g.splitIsSafe(bottom, tops) {
		return "", false
	}
	suffix := g.sharedSuffixOfVertices(tops)
	if suffix == "" {
		return "", false
	}
	for _, top := range tops {
		if g.vertexIsReferenceSource(top) {
			if len(g.bases[top]) == len(suffix) {
				return "", false
			}
			break
		}
	}
	allWhole := true
	for _, top := range tops {
		if len(g.bases[top]) != len(suffix) {
			allWhole = false
			break
		}
	}
	if allWhole {
		return "", false
	}
	return suffix, true
}

func chopSuffix(seq string, suffixLen int) string {
	if len(seq) < suffixLen {
		return ""
	}
	return seq[:len(seq)-suffixLen]
}

func (g *assemblyGraph) splitSuffixesAt(bottom int32) bool {
	tops := make([]int32, 0, g.inDegree(bottom))
	for _, edge := range g.in[bottom] {
		tops = append(tops, edge.from)
	}
	suffix, ok := g.splittableSuffix(bottom, tops)
	if !ok {
		return false
	}
	for _, topEdge := range append([]*graphEdge(nil), g.in[bottom]...) {
		top := topEdge.from
		down := g.out[top][0]
		weight := topEdge.multiplicity
		suffixVertex := g.addVertex(suffix)
		target := suffixVertex
		if core := chopSuffix(g.bases[top], len(suffix)); core != "" {
			target = g.addVertex(core)
			g.addEdge(target, suffixVertex, 1, down.isRef)
		}
		g.addEdge(suffixVertex, bottom, weight, down.isRef)
		for _, edge := range g.in[top] {
			g.addEdge(edge.from, target, edge.multiplicity, edge.isRef)
		}
		g.removeVertex(top)
	}
	return true
}

func (g *assemblyGraph) splitSharedSuffixes() (changed bool) {
	done := bitset.New(uint(len(g.bases)))
	for rescan := true; rescan; {
		rescan = false
		for _, v := range g.liveVertices() {
			if !g.isLive(v) || done.Test(uint(v)) {
				continue
			}
			done.Set(uint(v))
			if g.splitSuffixesAt(v) {
				changed = true
				rescan = true
				break
			}
		}
	}
	return
}

// foldIdenticalPredecessors merges predecessors that all carry the
// same bases into the bottom vertex.
func (g *assemblyGraph) foldIdenticalPredecessors(bottom int32) bool {
	if g.inDegree(bottom) == 0 {
		return false
	}
	tops := make([]int32, 0, g.inDegree(bottom))
	for _, edge := range g.in[bottom] {
		tops = append(tops, edge.from)
	}
	seq := g.bases[tops[0]]
	for _, top := range tops {
		if g.bases[top] != seq ||
			g.outDegree(top) != 1 ||
			g.inDegree(top) == 0 ||
			g.out[top][0].to != bottom {
			return false
		}
	}
	g.bases[bottom] = seq + g.bases[bottom]
	for _, top := range tops {
		for _, edge := range g.in[top] {
			g.addEdge(edge.from, bottom, edge.multiplicity, edge.isRef)
		}
		g.removeVertex(top)
	}
	return true
}

// applyUntilStable rescans the live vertices from the start whenever
// step rewires the graph, until a full scan leaves it untouched.
func (g *assemblyGraph) applyUntilStable(step func(int32) bool) (changed bool) {
	for rescan := true; rescan; {
		rescan = false
		for _, v := range g.liveVertices() {
			if g.isLive(v) && step(v) {
				changed = true
				rescan = true
				break
			}
		}
	}
	return
}

// A graphShape captures the shape of the graph so the simplify loop
// can detect that it has stopped making progress.
type graphShape struct {
	liveCount int
	baseSet   map[string]bool
	links     [][2]int32
}

func (g *assemblyGraph) shape() (result graphShape) {
	result.liveCount = g.vertexCount()
	result.baseSet = make(map[string]bool)
	for _, v := range g.liveVertices() {
		result.baseSet[g.bases[v]] = true
		for _, edge := range g.out[v] {
			result.links = append(result.links, [2]int32{edge.from, edge.to})
		}
	}
	sort.Slice(result.links, func(i, j int) bool {
		a, b := result.links[i], result.links[j]
		if a[0] != b[0] {
			return a[0] < b[0]
		}
		return a[1] < b[1]
	})
	return
}

func (prev graphShape) matches(next graphShape) bool {
	if prev.liveCount != next.liveCount || len(prev.links) != len(next.links) {
		return false
	}
	for bases := range prev.baseSet {
		if !next.baseSet[bases] {
			return false
		}
	}
	for i, link := range prev.links {
		if link != next.links[i] {
			return false
		}
	}
	return true
}

func (g *assemblyGraph) simplifyStep() bool {
	diamonds := g.applyUntilStable(g.collapseDiamond)
	tails := g.applyUntilStable(g.collapseTail)
	suffixes := g.splitSharedSuffixes()
	folds := g.applyUntilStable(g.foldIdenticalPredecessors)
	chains := g.mergeLinearChains()
	return diamonds || tails || suffixes || folds || chains
}

// simplify runs simplification rounds until nothing changes. Later
// rounds may oscillate, so after a handful of them the graph shape is
// compared instead, with a hard cap as the final safety net.
func (g *assemblyGraph) simplify() {
	g.mergeLinearChains()
	for i := 0; i <= 6; i++ {
		if !g.simplifyStep() {
			return
		}
	}
	previous := g.shape()
	for i := 7; i <= 100; i++ {
		if !g.simplifyStep() {
			return
		}
		current := g.shape()
		if previous.matches(current) {
			return
		}
		previous = current
	}
}

func (g *assemblyGraph) cleanSequenceGraph() {
	g.mergeLinearChains()
	g.discardUnreachableComponents()
	g.simplify()
	g.discardUnreachableComponents()
	g.simplify()
	if g.vertexCount() == 1 {
		v := g.liveVertices()[0]
		dummy := g.addVertex("")
		g.addEdge(v, dummy, 0, true)
	}
}

func (g *assemblyGraph) isLowComplexity() bool {
	return len(g.nonUniqueKmers)*4 > len(g.uniqueKmers)
}

type (
	haplotypePath struct {
		vertices []int32
		score    float64
		isRef    bool
	}

	priorityQueue []*haplotypePath
)

func (pq priorityQueue) floatUp(k int, x *haplotypePath) {
	for k > 0 {
		parent := (k - 1) / 2
		if x.score <= pq[parent].score {
			break
		}
		pq[k] = pq[parent]
		k = parent
	}
	pq[k] = x
}

func (pq *priorityQueue) enqueue(path *haplotypePath) {
	*pq = append(*pq, nil)
	pq.floatUp(len(*pq)-1, path)
}

func (pq priorityQueue) sinkDown(k int, x *haplotypePath) {
	for {
		child := 2*k + 1
		if child >= len(pq) {
			break
		}
		if right := child + 1; right < len(pq) && pq[right].score > pq[child].score {
			child = right
		}
		if x.score >= pq[child].score {
			break
		}
		pq[k] = pq[child]
		k = child
	}
	pq[k] = x
}

func (pq *priorityQueue) dequeue() *haplotypePath {
	top := (*pq)[0]
	last := len(*pq) - 1
	x := (*pq)[last]
	*pq = (*pq)[:last]
	if last != 0 {
		pq.sinkDown(0, x)
	}
	return top
}

func (path *haplotypePath) tip() int32 {
	return path.vertices[len(path.vertices)-1]
}

func (path *haplotypePath) extend(to int32, edge *graphEdge, log10TotalWeight float64) *haplotypePath {
	vertices := path.vertices[:len(path.vertices):len(path.vertices)]
	return &haplotypePath{
		vertices: append(vertices, to),
		score:    path.score + log10(float64(edge.multiplicity)) - log10TotalWeight,
	}
}

func (g *assemblyGraph) pathBases(path *haplotypePath) string {
	var bases strings.Builder
	for _, v := range path.vertices {
		bases.WriteString(g.bases[v])
	}
	return bases.String()
}

// findBestHaplotypePaths searches source-to-sink paths best first,
// scoring each extension by its share of the outgoing multiplicity.
// The search stops after budget queue operations; the second result
// reports whether it ran to completion.
func (g *assemblyGraph) findBestHaplotypePaths(maxPaths, budget int) ([]*haplotypePath, bool) {
	source := g.getReferenceSourceVertex()
	sink := g.getReferenceSinkVertex()
	visits := make([]int32, len(g.bases))
	var queue priorityQueue
	queue.enqueue(&haplotypePath{vertices: []int32{source}})
	var paths []*haplotypePath
	for ops := 0; len(queue) > 0 && len(paths) < maxPaths; {
		if ops++; ops > budget {
			return paths, false
		}
		best := queue.dequeue()
		at := best.tip()
		if at == sink {
			paths = append(paths, best)
			continue
		}
		if visits[at]++; visits[at] > int32(maxPaths) {
			continue
		}
		var outWeight int32
		for _, edge := range g.out[at] {
			outWeight += edge.multiplicity
		}
		log10OutWeight := log10(float64(outWeight))
		for _, edge := range g.out[at] {
			queue.enqueue(best.extend(edge.to, edge, log10OutWeight))
		}
	}
	return paths, true
}
