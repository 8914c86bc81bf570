// straincall: local-reassembly variant calling for within-species
// strain-level sequencing data.
// Copyright (c) 2026 the straincall authors.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.

package caller

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssemblyGraphVertices(t *testing.T) {
	g := newAssemblyGraph(4)
	v1 := g.addVertex("ACGT")
	v2 := g.addVertex("CGTA")
	v3 := g.addVertex("GTAC")
	assert.Equal(t, 3, g.vertexCount())
	assert.Equal(t, []int32{v1, v2, v3}, g.liveVertices())

	require.NotNil(t, g.addEdge(v1, v2, 1, true))
	assert.Nil(t, g.addEdge(v1, v2, 1, true), "duplicate edges are not created")
	edge, ok := g.getEdge(v1, v2)
	require.True(t, ok)
	assert.True(t, edge.isRef)
	assert.Equal(t, 1, g.outDegree(v1))
	assert.Equal(t, 1, g.inDegree(v2))

	g.addEdge(v2, v3, 1, true)
	g.removeVertex(v2)
	assert.False(t, g.isLive(v2))
	assert.Equal(t, 0, g.outDegree(v1))
}

func TestHasCycle(t *testing.T) {
	g := newAssemblyGraph(4)
	v1 := g.addVertex("ACGT")
	v2 := g.addVertex("CGTA")
	v3 := g.addVertex("GTAC")
	g.addEdge(v1, v2, 1, true)
	g.addEdge(v2, v3, 1, true)
	assert.False(t, g.hasCycle())

	g.addEdge(v3, v1, 1, false)
	assert.True(t, g.hasCycle())
}

func TestMergeLinearChains(t *testing.T) {
	g := newAssemblyGraph(1)
	v1 := g.addVertex("A")
	v2 := g.addVertex("C")
	v3 := g.addVertex("G")
	g.addEdge(v1, v2, 3, true)
	g.addEdge(v2, v3, 3, true)

	assert.True(t, g.mergeLinearChains())
	assert.Equal(t, 1, g.vertexCount())
	assert.Equal(t, "ACG", g.bases[g.liveVertices()[0]])
}

func TestNonUniqueKmersExist(t *testing.T) {
	assert.True(t, nonUniqueKmersExist("ACGTACGT", 4))
	assert.False(t, nonUniqueKmersExist("ACGTACGT", 5))
	assert.True(t, nonUniqueKmersExist("AAAA", 2))
}

func TestPriorityQueue(t *testing.T) {
	var pq priorityQueue
	pq.enqueue(&haplotypePath{score: -2})
	pq.enqueue(&haplotypePath{score: 0})
	pq.enqueue(&haplotypePath{score: -1})
	pq.enqueue(&haplotypePath{score: -3})

	assert.Equal(t, 0.0, pq.dequeue().score, "highest score first")
	assert.Equal(t, -1.0, pq.dequeue().score)
	assert.Equal(t, -2.0, pq.dequeue().score)
	assert.Equal(t, -3.0, pq.dequeue().score)
	assert.Empty(t, pq)
}

// buildBubbleGraph makes a source to sink graph with a well supported
// reference branch and a weaker alt branch.
func buildBubbleGraph(t *testing.T) (g *assemblyGraph, source, refMiddle, altMiddle, sink int32) {
	t.Helper()
	g = newAssemblyGraph(1)
	source = g.addVertex("A")
	refMiddle = g.addVertex("C")
	altMiddle = g.addVertex("G")
	sink = g.addVertex("T")
	g.addEdge(source, refMiddle, 9, true)
	g.addEdge(refMiddle, sink, 9, true)
	g.addEdge(source, altMiddle, 3, false)
	g.addEdge(altMiddle, sink, 3, false)
	return
}

func TestReferenceSourceAndSink(t *testing.T) {
	g, source, _, altMiddle, sink := buildBubbleGraph(t)
	assert.Equal(t, source, g.getReferenceSourceVertex())
	assert.Equal(t, sink, g.getReferenceSinkVertex())
	assert.False(t, g.vertexIsReferenceSource(altMiddle))
	assert.False(t, g.vertexIsReferenceNode(altMiddle), "the alt branch carries no reference edges")
	assert.True(t, g.vertexIsReferenceNode(source))
}

func TestFindBestHaplotypePaths(t *testing.T) {
	g, source, refMiddle, altMiddle, sink := buildBubbleGraph(t)

	paths, complete := g.findBestHaplotypePaths(128, 1000)
	require.True(t, complete)
	require.Len(t, paths, 2)
	assert.Equal(t, []int32{source, refMiddle, sink}, paths[0].vertices, "the heavier branch scores best")
	assert.Equal(t, []int32{source, altMiddle, sink}, paths[1].vertices)
	assert.Greater(t, paths[0].score, paths[1].score)
	assert.Equal(t, "ACT", g.pathBases(paths[0]))
	assert.Equal(t, "AGT", g.pathBases(paths[1]))

	_, complete = g.findBestHaplotypePaths(128, 1)
	assert.False(t, complete, "the search reports when it blows its budget")
}

func TestPruneChainsWithLowWeight(t *testing.T) {
	g, _, _, altMiddle, _ := buildBubbleGraph(t)
	noise := g.addVertex("T")
	g.addEdge(altMiddle, noise, 1, false)

	g.pruneChainsWithLowWeight()
	assert.False(t, g.isLive(noise), "weakly supported non-reference chain is pruned")
	assert.True(t, g.isLive(altMiddle), "well supported alt branch survives")
}
