package recommend

import (
	"sort"

	"github.com/ChuLiYu/talent-match/pkg/types"
)

// Tier names, also used as metric labels.
const (
	TierANN      = "ann"
	TierSparse   = "sparse"
	TierDense    = "dense"
	TierCategory = "category"
	TierRecent   = "recent"
	TierNone     = "none"
)

// tier resolves neighbors for an indexed job. ok is false when the job is
// not part of the tier's artifact.
type tier interface {
	name() string
	size() int
	neighbors(id types.JobID, n int) (ids []types.JobID, ok bool)
}

type annTier struct {
	ids   []types.JobID
	index map[types.JobID]int
	graph *annGraph
}

func newANNTier(a *ANNArtifact, defaultEf int) *annTier {
	return &annTier{ids: a.JobIDs, index: a.indexOf(), graph: newANNGraph(a, defaultEf)}
}

func (t *annTier) name() string { return TierANN }
func (t *annTier) size() int    { return len(t.ids) }

func (t *annTier) neighbors(id types.JobID, n int) ([]types.JobID, bool) {
	row, ok := t.index[id]
	if !ok {
		return nil, false
	}
	// ask for one extra to absorb the self match
	hits := t.graph.search(t.graph.vectors[row], n+1, row)
	out := make([]types.JobID, 0, n)
	for _, h := range hits {
		if h.node == row {
			continue
		}
		out = append(out, t.ids[h.node])
		if len(out) == n {
			break
		}
	}
	return out, true
}

type sparseTier struct {
	ids     []types.JobID
	index   map[types.JobID]int
	indices [][]int32
}

func newSparseTier(a *SparseArtifact) *sparseTier {
	return &sparseTier{ids: a.JobIDs, index: a.indexOf(), indices: a.Indices}
}

func (t *sparseTier) name() string { return TierSparse }
func (t *sparseTier) size() int    { return len(t.ids) }

func (t *sparseTier) neighbors(id types.JobID, n int) ([]types.JobID, bool) {
	row, ok := t.index[id]
	if !ok {
		return nil, false
	}
	out := make([]types.JobID, 0, n)
	for _, nb := range t.indices[row] {
		j := int(nb)
		if j == row || j < 0 || j >= len(t.ids) {
			continue
		}
		out = append(out, t.ids[j])
		if len(out) == n {
			break
		}
	}
	return out, true
}

// denseTier keeps O(N²) memory; it exists for old artifacts only.
type denseTier struct {
	ids   []types.JobID
	index map[types.JobID]int
	sim   [][]float32
}

func newDenseTier(a *DenseArtifact) *denseTier {
	return &denseTier{ids: a.JobIDs, index: a.indexOf(), sim: a.Similarity}
}

func (t *denseTier) name() string { return TierDense }
func (t *denseTier) size() int    { return len(t.ids) }

func (t *denseTier) neighbors(id types.JobID, n int) ([]types.JobID, bool) {
	row, ok := t.index[id]
	if !ok {
		return nil, false
	}
	sims := t.sim[row]
	order := make([]int, 0, len(sims))
	for j := range sims {
		if j != row {
			order = append(order, j)
		}
	}
	sort.SliceStable(order, func(a, b int) bool { return sims[order[a]] > sims[order[b]] })
	if len(order) > n {
		order = order[:n]
	}
	out := make([]types.JobID, len(order))
	for i, j := range order {
		out[i] = t.ids[j]
	}
	return out, true
}
