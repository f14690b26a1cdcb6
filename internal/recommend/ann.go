package recommend

import (
	"container/heap"
	"math"
	"sort"
)

// annGraph searches a single-layer navigable small-world graph in cosine
// space. Vectors are unit-normalised at load so similarity is a dot product.
type annGraph struct {
	vectors   [][]float32
	neighbors [][]int32
	entry     int
	ef        int
}

func newANNGraph(a *ANNArtifact, defaultEf int) *annGraph {
	vecs := make([][]float32, len(a.Vectors))
	for i, v := range a.Vectors {
		vecs[i] = normalized(v)
	}
	ef := a.EfSearch
	if ef <= 0 {
		ef = defaultEf
	}
	return &annGraph{vectors: vecs, neighbors: a.Neighbors, entry: a.EntryPoint, ef: ef}
}

type scored struct {
	node int
	sim  float32
}

// bestFirst pops the most similar candidate.
type bestFirst []scored

func (h bestFirst) Len() int            { return len(h) }
func (h bestFirst) Less(i, j int) bool  { return h[i].sim > h[j].sim }
func (h bestFirst) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *bestFirst) Push(x interface{}) { *h = append(*h, x.(scored)) }
func (h *bestFirst) Pop() interface{} {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}

// worstFirst keeps the result set with the least similar on top.
type worstFirst []scored

func (h worstFirst) Len() int            { return len(h) }
func (h worstFirst) Less(i, j int) bool  { return h[i].sim < h[j].sim }
func (h worstFirst) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *worstFirst) Push(x interface{}) { *h = append(*h, x.(scored)) }
func (h *worstFirst) Pop() interface{} {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}

// search returns up to k nodes most similar to q, best first. Search is
// seeded from the graph entry point and any extra seeds.
func (g *annGraph) search(q []float32, k int, seeds ...int) []scored {
	ef := g.ef
	if ef < k {
		ef = k
	}

	visited := make(map[int]struct{}, ef*4)
	cand := &bestFirst{}
	res := &worstFirst{}

	visit := func(node int) {
		if _, ok := visited[node]; ok {
			return
		}
		visited[node] = struct{}{}
		s := dot(q, g.vectors[node])
		if res.Len() < ef || s > (*res)[0].sim {
			heap.Push(cand, scored{node, s})
			heap.Push(res, scored{node, s})
			if res.Len() > ef {
				heap.Pop(res)
			}
		}
	}

	visit(g.entry)
	for _, s := range seeds {
		if s >= 0 && s < len(g.vectors) {
			visit(s)
		}
	}

	for cand.Len() > 0 {
		c := heap.Pop(cand).(scored)
		if res.Len() >= ef && c.sim < (*res)[0].sim {
			break
		}
		for _, nb := range g.neighbors[c.node] {
			visit(int(nb))
		}
	}

	out := make([]scored, res.Len())
	copy(out, *res)
	sort.Slice(out, func(i, j int) bool {
		if out[i].sim == out[j].sim {
			return out[i].node < out[j].node
		}
		return out[i].sim > out[j].sim
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}

func dot(a, b []float32) float32 {
	var s float32
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func normalized(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if sum == 0 {
		return out
	}
	inv := float32(1 / math.Sqrt(sum))
	for i, x := range v {
		out[i] = x * inv
	}
	return out
}
