package recommend

import (
	"fmt"
	"time"

	"github.com/ChuLiYu/talent-match/pkg/types"
)

// Header is shared by every artifact. JobIDs fixes the internal index
// order: row i of any tier payload describes JobIDs[i].
type Header struct {
	SchemaVer int           `json:"schema_version"`
	BuiltAt   time.Time     `json:"built_at"`
	JobIDs    []types.JobID `json:"job_ids"`
}

func (h *Header) header() *Header { return h }

type versioned interface {
	header() *Header
}

// checkIDs rejects a header whose id list would map two rows to one job.
func (h *Header) checkIDs(kind string) error {
	seen := make(map[types.JobID]struct{}, len(h.JobIDs))
	for i, id := range h.JobIDs {
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: %s: job %d repeated at row %d", ErrCorruptedArtifact, kind, id, i)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// indexOf maps job ids to internal rows.
func (h *Header) indexOf() map[types.JobID]int {
	m := make(map[types.JobID]int, len(h.JobIDs))
	for i, id := range h.JobIDs {
		m[id] = i
	}
	return m
}

// ANNArtifact is a navigable small-world graph over dense vectors.
type ANNArtifact struct {
	Header
	Dim        int         `json:"dim"`
	M          int         `json:"m"`
	EfSearch   int         `json:"ef_search"`
	EntryPoint int         `json:"entry_point"`
	Vectors    [][]float32 `json:"vectors"`
	Neighbors  [][]int32   `json:"neighbors"`
}

func (a *ANNArtifact) validate() error {
	n := len(a.JobIDs)
	if n == 0 {
		return fmt.Errorf("%w: ann: empty index", ErrCorruptedArtifact)
	}
	if err := a.checkIDs("ann"); err != nil {
		return err
	}
	if len(a.Vectors) != n || len(a.Neighbors) != n {
		return fmt.Errorf("%w: ann: %d ids, %d vectors, %d adjacency rows",
			ErrCorruptedArtifact, n, len(a.Vectors), len(a.Neighbors))
	}
	if a.EntryPoint < 0 || a.EntryPoint >= n {
		return fmt.Errorf("%w: ann: entry point %d out of range", ErrCorruptedArtifact, a.EntryPoint)
	}
	for i, v := range a.Vectors {
		if len(v) != a.Dim {
			return fmt.Errorf("%w: ann: vector %d has dim %d, want %d", ErrCorruptedArtifact, i, len(v), a.Dim)
		}
	}
	for i, row := range a.Neighbors {
		for _, nb := range row {
			if nb < 0 || int(nb) >= n {
				return fmt.Errorf("%w: ann: node %d links to %d", ErrCorruptedArtifact, i, nb)
			}
		}
	}
	return nil
}

// SparseArtifact holds precomputed neighbors over sparse lexical vectors.
// Row i lists K+1 neighbor rows (self usually first) and their cosine
// distances.
type SparseArtifact struct {
	Header
	K         int         `json:"k"`
	Indices   [][]int32   `json:"indices"`
	Distances [][]float32 `json:"distances"`
}

func (a *SparseArtifact) validate() error {
	n := len(a.JobIDs)
	if n == 0 {
		return fmt.Errorf("%w: sparse: empty index", ErrCorruptedArtifact)
	}
	if err := a.checkIDs("sparse"); err != nil {
		return err
	}
	if len(a.Indices) != n || len(a.Distances) != n {
		return fmt.Errorf("%w: sparse: %d ids, %d index rows, %d distance rows",
			ErrCorruptedArtifact, n, len(a.Indices), len(a.Distances))
	}
	for i := range a.Indices {
		if len(a.Indices[i]) != len(a.Distances[i]) {
			return fmt.Errorf("%w: sparse: row %d shape mismatch", ErrCorruptedArtifact, i)
		}
	}
	return nil
}

// DenseArtifact is the legacy N×N pairwise similarity matrix.
type DenseArtifact struct {
	Header
	Similarity [][]float32 `json:"similarity"`
}

func (a *DenseArtifact) validate() error {
	n := len(a.JobIDs)
	if n == 0 {
		return fmt.Errorf("%w: dense: empty matrix", ErrCorruptedArtifact)
	}
	if err := a.checkIDs("dense"); err != nil {
		return err
	}
	if len(a.Similarity) != n {
		return fmt.Errorf("%w: dense: %d ids, %d rows", ErrCorruptedArtifact, n, len(a.Similarity))
	}
	for i, row := range a.Similarity {
		if len(row) != n {
			return fmt.Errorf("%w: dense: row %d has %d columns", ErrCorruptedArtifact, i, len(row))
		}
	}
	return nil
}
