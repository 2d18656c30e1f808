// Package topology tracks how often capability tags co-occur on surviving
// capabilities. It is the only structure that outlives a reseed.
package topology

import (
	"sort"
	"sync"

	"mycelial/internal/model"
)

type pair struct {
	a, b string
}

func makePair(x, y string) pair {
	if y < x {
		x, y = y, x
	}
	return pair{a: x, b: y}
}

type Topology struct {
	mu     sync.RWMutex
	counts map[pair]int
	tags   map[string]map[string]struct{}
}

func New() *Topology {
	return &Topology{
		counts: make(map[pair]int),
		tags:   make(map[string]map[string]struct{}),
	}
}

// Delta computes the co-occurrence increments produced by the given tag
// sets without touching the topology. Each set contributes one count to every
// unordered pair of distinct tags it contains.
func Delta(tagSets [][]string) []model.TopologyEdge {
	counts := make(map[pair]int)
	for _, tags := range tagSets {
		unique := dedupe(tags)
		for i := 0; i < len(unique); i++ {
			for j := i + 1; j < len(unique); j++ {
				counts[makePair(unique[i], unique[j])]++
			}
		}
	}
	return edgesOf(counts)
}

// Apply merges edges into the topology.
func (t *Topology) Apply(edges []model.TopologyEdge) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, edge := range edges {
		if edge.Count <= 0 || edge.A == edge.B {
			continue
		}
		p := makePair(edge.A, edge.B)
		t.counts[p] += edge.Count
		t.link(p.a, p.b)
		t.link(p.b, p.a)
	}
}

func (t *Topology) link(from, to string) {
	neighbors, ok := t.tags[from]
	if !ok {
		neighbors = make(map[string]struct{})
		t.tags[from] = neighbors
	}
	neighbors[to] = struct{}{}
}

func (t *Topology) Count(a, b string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.counts[makePair(a, b)]
}

// Contains reports whether tag takes part in at least one recorded pair.
func (t *Topology) Contains(tag string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.tags[tag]
	return ok
}

// Neighbors returns the tags that co-occurred with tag, sorted.
func (t *Topology) Neighbors(tag string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]string, 0, len(t.tags[tag]))
	for neighbor := range t.tags[tag] {
		out = append(out, neighbor)
	}
	sort.Strings(out)
	return out
}

// Size is the number of distinct tag pairs.
func (t *Topology) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.counts)
}

func (t *Topology) Snapshot() []model.TopologyEdge {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return edgesOf(t.counts)
}

func edgesOf(counts map[pair]int) []model.TopologyEdge {
	edges := make([]model.TopologyEdge, 0, len(counts))
	for p, count := range counts {
		edges = append(edges, model.TopologyEdge{A: p.a, B: p.b, Count: count})
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].A != edges[j].A {
			return edges[i].A < edges[j].A
		}
		return edges[i].B < edges[j].B
	})
	return edges
}

func dedupe(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}
