package recommend

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/talent-match/internal/store/memory"
	"github.com/ChuLiYu/talent-match/pkg/types"
)

type tierRecorder struct {
	mu    sync.Mutex
	tiers []string
}

func (r *tierRecorder) RecordRecommendation(tier string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tiers = append(r.tiers, tier)
}

func category(id int64) *int64 { return &id }

func sampleJobs() []types.JobDocument {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	mk := func(id types.JobID, title, desc string, cat *int64) types.JobDocument {
		return types.JobDocument{
			ID:          id,
			Title:       title,
			Description: desc,
			CategoryID:  cat,
			Status:      types.JobApproved,
			CreatedAt:   base.Add(time.Duration(id) * time.Hour),
		}
	}
	return []types.JobDocument{
		mk(1, "Senior Python Developer", "Build REST APIs with Python, Django and PostgreSQL on AWS", category(1)),
		mk(2, "Backend Python Engineer", "Python, Flask, PostgreSQL and Docker for backend services", category(1)),
		mk(3, "Django Developer", "Maintain Django web applications, Python and REST APIs", category(1)),
		mk(4, "Frontend React Developer", "React, TypeScript, CSS and modern frontend tooling", category(2)),
		mk(5, "Data Scientist", "Machine learning with Python, pandas and TensorFlow", category(3)),
		mk(6, "Marketing Manager", "Lead digital campaigns, SEO and social media strategy", category(4)),
	}
}

func buildIndex(t *testing.T, jobs *memory.JobStore, opts BuildOptions) *Store {
	t.Helper()
	artifacts := NewStore(t.TempDir())
	_, err := NewBuilder(artifacts, jobs, opts, nil).Build(context.Background())
	require.NoError(t, err)
	return artifacts
}

func TestIndex_TopKExcludesQuery(t *testing.T) {
	jobs := memory.NewJobStore(sampleJobs()...)
	artifacts := buildIndex(t, jobs, BuildOptions{})
	rec := &tierRecorder{}
	ix := NewIndex(artifacts, jobs, Options{Recorder: rec})

	got := ix.TopK(context.Background(), 1, 5)
	assert.LessOrEqual(t, len(got), 5)
	assert.NotEmpty(t, got)
	assert.NotContains(t, got, types.JobID(1))

	seen := map[types.JobID]bool{}
	for _, id := range got {
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	assert.Equal(t, []string{TierANN}, rec.tiers)
}

func TestIndex_SimilarJobsRankFirst(t *testing.T) {
	jobs := memory.NewJobStore(sampleJobs()...)
	artifacts := buildIndex(t, jobs, BuildOptions{})
	// sparse tier is exact, so drop the ANN tier to check ordering
	require.NoError(t, artifacts.Remove(ANNFile))
	ix := NewIndex(artifacts, jobs, Options{})

	rec := ix.Recommend(context.Background(), 1, 2)
	assert.Equal(t, TierSparse, rec.Source)
	require.Len(t, rec.JobIDs, 2)
	assert.ElementsMatch(t, []types.JobID{2, 3}, rec.JobIDs)
}

func TestIndex_DenseTier(t *testing.T) {
	jobs := memory.NewJobStore(sampleJobs()...)
	artifacts := NewStore(t.TempDir())
	require.NoError(t, artifacts.Publish(DenseFile, &DenseArtifact{
		Header: Header{JobIDs: []types.JobID{1, 2, 3}},
		Similarity: [][]float32{
			{1, 0.2, 0.9},
			{0.2, 1, 0.1},
			{0.9, 0.1, 1},
		},
	}))
	ix := NewIndex(artifacts, jobs, Options{})

	rec := ix.Recommend(context.Background(), 1, 5)
	assert.Equal(t, TierDense, rec.Source)
	assert.Equal(t, []types.JobID{3, 2}, rec.JobIDs)
}

func TestIndex_SparseSkipsOutOfRange(t *testing.T) {
	jobs := memory.NewJobStore(sampleJobs()...)
	artifacts := NewStore(t.TempDir())
	require.NoError(t, artifacts.Publish(SparseFile, &SparseArtifact{
		Header:    Header{JobIDs: []types.JobID{1, 2, 3}},
		K:         2,
		Indices:   [][]int32{{0, 7, 2}, {1, 0, 2}, {2, 1, 0}},
		Distances: [][]float32{{0, 0.1, 0.2}, {0, 0.3, 0.4}, {0, 0.3, 0.2}},
	}))
	ix := NewIndex(artifacts, jobs, Options{})

	rec := ix.Recommend(context.Background(), 1, 5)
	assert.Equal(t, TierSparse, rec.Source)
	assert.Equal(t, []types.JobID{3}, rec.JobIDs)
}

func TestIndex_ANNTier(t *testing.T) {
	jobs := memory.NewJobStore(sampleJobs()...)
	artifacts := NewStore(t.TempDir())
	require.NoError(t, artifacts.Publish(ANNFile, &ANNArtifact{
		Header:   Header{JobIDs: []types.JobID{1, 2, 3, 4}},
		Dim:      2,
		M:        3,
		EfSearch: 10,
		Vectors:  [][]float32{{1, 0}, {0.9, 0.1}, {0, 1}, {0.1, 0.9}},
		Neighbors: [][]int32{
			{1, 2, 3},
			{0, 2, 3},
			{0, 1, 3},
			{0, 1, 2},
		},
	}))
	ix := NewIndex(artifacts, jobs, Options{})

	rec := ix.Recommend(context.Background(), 1, 3)
	assert.Equal(t, TierANN, rec.Source)
	assert.Equal(t, []types.JobID{2, 4, 3}, rec.JobIDs)
}

func TestIndex_FiltersUnapproved(t *testing.T) {
	jobs := memory.NewJobStore(sampleJobs()...)
	artifacts := buildIndex(t, jobs, BuildOptions{})
	ix := NewIndex(artifacts, jobs, Options{})

	j2, err := jobs.Get(context.Background(), 2)
	require.NoError(t, err)
	j2.Status = types.JobRejected
	jobs.Put(*j2)

	got := ix.TopK(context.Background(), 1, 5)
	assert.NotContains(t, got, types.JobID(2))
	assert.NotContains(t, got, types.JobID(1))
}

func TestIndex_Fallbacks(t *testing.T) {
	ctx := context.Background()
	jobs := memory.NewJobStore(sampleJobs()...)
	ix := NewIndex(NewStore(t.TempDir()), jobs, Options{})

	t.Run("same category newest first", func(t *testing.T) {
		rec := ix.Recommend(ctx, 1, 5)
		assert.Equal(t, TierCategory, rec.Source)
		assert.Equal(t, []types.JobID{3, 2}, rec.JobIDs)
	})

	t.Run("recent when category has no peers", func(t *testing.T) {
		rec := ix.Recommend(ctx, 6, 3)
		assert.Equal(t, TierRecent, rec.Source)
		assert.Equal(t, []types.JobID{5, 4, 3}, rec.JobIDs)
	})

	t.Run("recent when job has no category", func(t *testing.T) {
		jobs.Put(types.JobDocument{ID: 7, Title: "Office Assistant", Status: types.JobApproved,
			CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)})
		rec := ix.Recommend(ctx, 7, 2)
		assert.Equal(t, TierRecent, rec.Source)
		assert.Equal(t, []types.JobID{6, 5}, rec.JobIDs)
	})

	t.Run("unknown job", func(t *testing.T) {
		rec := ix.Recommend(ctx, 404, 5)
		assert.Equal(t, TierNone, rec.Source)
		assert.NotNil(t, rec.JobIDs)
		assert.Empty(t, rec.JobIDs)
	})

	t.Run("default k", func(t *testing.T) {
		got := ix.TopK(ctx, 6, 0)
		assert.Len(t, got, DefaultK)
	})
}

// A sparse artifact listing job 1 twice is refused; recommendations for job 1
// come from the fallback and never contain job 1.
func TestIndex_RepeatedJobIDNeverReturnsQuery(t *testing.T) {
	jobs := memory.NewJobStore(sampleJobs()...)
	artifacts := NewStore(t.TempDir())
	require.NoError(t, artifacts.Publish(SparseFile, &SparseArtifact{
		Header:    Header{JobIDs: []types.JobID{1, 2, 3, 1}},
		K:         2,
		Indices:   [][]int32{{0, 3, 1}, {1, 0, 2}, {2, 1, 0}, {3, 0, 1}},
		Distances: [][]float32{{0, 0, 0.1}, {0, 0.3, 0.4}, {0, 0.3, 0.2}, {0, 0, 0.1}},
	}))
	ix := NewIndex(artifacts, jobs, Options{})

	rec := ix.Recommend(context.Background(), 1, 5)
	assert.NotEqual(t, TierSparse, rec.Source)
	assert.NotEmpty(t, rec.JobIDs)
	assert.NotContains(t, rec.JobIDs, types.JobID(1))
}

func TestWithout(t *testing.T) {
	ids := []types.JobID{1, 2, 1, 3}
	assert.Equal(t, []types.JobID{2, 3}, without(ids, 1))
	assert.Equal(t, []types.JobID{1, 2, 1, 3}, ids)
	assert.Empty(t, without(nil, 1))
}

func TestIndex_CorruptTierSkipped(t *testing.T) {
	jobs := memory.NewJobStore(sampleJobs()...)
	artifacts := buildIndex(t, jobs, BuildOptions{})
	require.NoError(t, os.WriteFile(artifacts.Path(ANNFile), []byte("garbage"), 0o644))

	ix := NewIndex(artifacts, jobs, Options{})
	rec := ix.Recommend(context.Background(), 1, 5)
	assert.Equal(t, TierSparse, rec.Source)
	assert.NotContains(t, rec.JobIDs, types.JobID(1))

	status := ix.Status()
	require.Len(t, status, 3)
	assert.Equal(t, TierANN, status[0].Name)
	assert.False(t, status[0].Loaded)
	assert.NotEmpty(t, status[0].Error)
	assert.True(t, status[1].Loaded)
	assert.Equal(t, 6, status[1].Jobs)
	assert.Equal(t, "missing", status[2].Error)
}

func TestIndex_Reload(t *testing.T) {
	ctx := context.Background()
	jobs := memory.NewJobStore(sampleJobs()...)
	artifacts := NewStore(t.TempDir())
	ix := NewIndex(artifacts, jobs, Options{})

	assert.Equal(t, TierCategory, ix.Recommend(ctx, 1, 5).Source)

	// artifacts published after the first load stay invisible until Reload
	_, err := NewBuilder(artifacts, jobs, BuildOptions{}, nil).Build(ctx)
	require.NoError(t, err)
	assert.Equal(t, TierCategory, ix.Recommend(ctx, 1, 5).Source)

	status := ix.Reload()
	require.Len(t, status, 3)
	assert.True(t, status[0].Loaded)
	assert.Equal(t, TierANN, ix.Recommend(ctx, 1, 5).Source)
}

func TestIndex_ConcurrentFirstAccess(t *testing.T) {
	jobs := memory.NewJobStore(sampleJobs()...)
	artifacts := buildIndex(t, jobs, BuildOptions{})
	ix := NewIndex(artifacts, jobs, Options{})

	const n = 32
	results := make([][]types.JobID, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = ix.TopK(context.Background(), 2, 3)
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Equal(t, results[0], results[i])
	}
}

func TestBuilder_NoJobs(t *testing.T) {
	jobs := memory.NewJobStore(types.JobDocument{ID: 1, Title: "Draft", Status: types.JobDraft})
	_, err := NewBuilder(NewStore(t.TempDir()), jobs, BuildOptions{}, nil).Build(context.Background())
	assert.ErrorIs(t, err, ErrNoJobs)
}

func TestBuilder_Artifacts(t *testing.T) {
	ctx := context.Background()
	jobs := memory.NewJobStore(sampleJobs()...)
	artifacts := NewStore(t.TempDir())

	report, err := NewBuilder(artifacts, jobs, BuildOptions{Neighbors: 2, Dense: true, Dim: 64}, nil).Build(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, report.Jobs)
	assert.Positive(t, report.Vocabulary)
	assert.Equal(t, []string{TierSparse, TierANN, TierDense}, report.Tiers)

	var sparse SparseArtifact
	require.NoError(t, artifacts.Load(SparseFile, &sparse))
	require.NoError(t, sparse.validate())
	assert.Equal(t, []types.JobID{1, 2, 3, 4, 5, 6}, sparse.JobIDs)
	for i, row := range sparse.Indices {
		assert.Len(t, row, 3)
		assert.Equal(t, int32(i), row[0], "self is the nearest row")
	}

	var ann ANNArtifact
	require.NoError(t, artifacts.Load(ANNFile, &ann))
	require.NoError(t, ann.validate())
	assert.Equal(t, 64, ann.Dim)

	var dense DenseArtifact
	require.NoError(t, artifacts.Load(DenseFile, &dense))
	require.NoError(t, dense.validate())

	// a rebuild without the dense tier removes the stale matrix
	_, err = NewBuilder(artifacts, jobs, BuildOptions{}, nil).Build(ctx)
	require.NoError(t, err)
	assert.False(t, artifacts.Exists(DenseFile))
}
