package recommend

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/talent-match/pkg/types"
)

func TestStore_PublishAndLoad(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "artifacts"))

	in := &SparseArtifact{
		Header:    Header{JobIDs: []types.JobID{1, 2}},
		K:         1,
		Indices:   [][]int32{{0, 1}, {1, 0}},
		Distances: [][]float32{{0, 0.5}, {0, 0.5}},
	}
	require.NoError(t, s.Publish(SparseFile, in))
	assert.True(t, s.Exists(SparseFile))

	var out SparseArtifact
	require.NoError(t, s.Load(SparseFile, &out))
	assert.Equal(t, SchemaVersion, out.SchemaVer)
	assert.False(t, out.BuiltAt.IsZero())
	assert.Equal(t, in.JobIDs, out.JobIDs)
	assert.Equal(t, in.Indices, out.Indices)

	// no temp files left behind
	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, SparseFile, entries[0].Name())
}

func TestStore_PublishReplaces(t *testing.T) {
	s := NewStore(t.TempDir())

	require.NoError(t, s.Publish(DenseFile, &DenseArtifact{
		Header:     Header{JobIDs: []types.JobID{1}},
		Similarity: [][]float32{{1}},
	}))
	require.NoError(t, s.Publish(DenseFile, &DenseArtifact{
		Header:     Header{JobIDs: []types.JobID{7, 8}},
		Similarity: [][]float32{{1, 0}, {0, 1}},
	}))

	var out DenseArtifact
	require.NoError(t, s.Load(DenseFile, &out))
	assert.Equal(t, []types.JobID{7, 8}, out.JobIDs)
}

func TestStore_LoadErrors(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	var a ANNArtifact
	assert.ErrorIs(t, s.Load(ANNFile, &a), ErrArtifactNotFound)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ANNFile), []byte("{not json"), 0o644))
	assert.ErrorIs(t, s.Load(ANNFile, &a), ErrCorruptedArtifact)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ANNFile), []byte(`{"schema_version": 99}`), 0o644))
	assert.ErrorIs(t, s.Load(ANNFile, &a), ErrIncompatibleVersion)
}

func TestStore_Remove(t *testing.T) {
	s := NewStore(t.TempDir())
	require.NoError(t, s.Remove(DenseFile))

	require.NoError(t, s.Publish(DenseFile, &DenseArtifact{
		Header:     Header{JobIDs: []types.JobID{1}},
		Similarity: [][]float32{{1}},
	}))
	require.NoError(t, s.Remove(DenseFile))
	assert.False(t, s.Exists(DenseFile))
}

func TestArtifactValidate(t *testing.T) {
	ann := &ANNArtifact{
		Header:    Header{JobIDs: []types.JobID{1, 2}},
		Dim:       2,
		Vectors:   [][]float32{{1, 0}, {0, 1}},
		Neighbors: [][]int32{{1}, {5}},
	}
	assert.ErrorIs(t, ann.validate(), ErrCorruptedArtifact)
	ann.Neighbors[1] = []int32{0}
	assert.NoError(t, ann.validate())
	ann.Vectors[1] = []float32{1}
	assert.ErrorIs(t, ann.validate(), ErrCorruptedArtifact)

	sparse := &SparseArtifact{Header: Header{JobIDs: []types.JobID{1}}, Indices: [][]int32{{0}}}
	assert.ErrorIs(t, sparse.validate(), ErrCorruptedArtifact)

	dense := &DenseArtifact{Header: Header{JobIDs: []types.JobID{1, 2}}, Similarity: [][]float32{{1, 0}, {0}}}
	assert.ErrorIs(t, dense.validate(), ErrCorruptedArtifact)
}

func TestArtifactValidate_RepeatedJobIDs(t *testing.T) {
	tests := []struct {
		name     string
		artifact interface{ validate() error }
	}{
		{"ann", &ANNArtifact{
			Header:    Header{JobIDs: []types.JobID{1, 2, 1}},
			Dim:       1,
			Vectors:   [][]float32{{1}, {0}, {1}},
			Neighbors: [][]int32{{1}, {0}, {1}},
		}},
		{"sparse", &SparseArtifact{
			Header:    Header{JobIDs: []types.JobID{1, 2, 3, 1}},
			Indices:   [][]int32{{0, 3, 1}, {1, 0}, {2, 1}, {3, 0}},
			Distances: [][]float32{{0, 0, 0.1}, {0, 0.1}, {0, 0.2}, {0, 0}},
		}},
		{"dense", &DenseArtifact{
			Header:     Header{JobIDs: []types.JobID{4, 4}},
			Similarity: [][]float32{{1, 1}, {1, 1}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.artifact.validate(), ErrCorruptedArtifact)
		})
	}
}
