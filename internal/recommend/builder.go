package recommend

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"runtime"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/talent-match/internal/skills"
	"github.com/ChuLiYu/talent-match/internal/store"
	"github.com/ChuLiYu/talent-match/pkg/types"
)

// ErrNoJobs is returned when there is nothing to index.
var ErrNoJobs = errors.New("no approved jobs to index")

// BuildOptions tunes the offline build.
type BuildOptions struct {
	Neighbors int  // sparse tier keeps Neighbors+1 rows per job, self included
	GraphM    int  // ANN out-degree before reverse links
	Dim       int  // hashed dense dimension
	EfSearch  int  // stored in the ANN artifact for serving
	Dense     bool // also write the legacy N×N matrix
	Workers   int
}

// DefaultBuildOptions mirrors the serving defaults.
func DefaultBuildOptions() BuildOptions {
	return BuildOptions{
		Neighbors: DefaultK,
		GraphM:    16,
		Dim:       256,
		EfSearch:  50,
		Workers:   runtime.NumCPU(),
	}
}

// BuildReport summarises a build.
type BuildReport struct {
	Jobs       int           `json:"jobs"`
	Vocabulary int           `json:"vocabulary"`
	Tiers      []string      `json:"tiers"`
	Duration   time.Duration `json:"duration"`
}

// Builder computes every tier from the approved jobs and publishes them
// through the artifact store. Pairwise work is O(N²) and meant for offline
// runs.
type Builder struct {
	store *Store
	jobs  store.JobRepository
	opts  BuildOptions
	log   *slog.Logger
}

// NewBuilder returns a builder; zero option fields take defaults.
func NewBuilder(artifacts *Store, jobs store.JobRepository, opts BuildOptions, logger *slog.Logger) *Builder {
	def := DefaultBuildOptions()
	if opts.Neighbors <= 0 {
		opts.Neighbors = def.Neighbors
	}
	if opts.GraphM <= 0 {
		opts.GraphM = def.GraphM
	}
	if opts.Dim <= 0 {
		opts.Dim = def.Dim
	}
	if opts.EfSearch <= 0 {
		opts.EfSearch = def.EfSearch
	}
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{store: artifacts, jobs: jobs, opts: opts, log: logger}
}

// Build indexes all approved jobs and publishes the tiers.
func (b *Builder) Build(ctx context.Context) (BuildReport, error) {
	start := time.Now()

	jobs, err := b.jobs.ListApproved(ctx)
	if err != nil {
		return BuildReport{}, fmt.Errorf("failed to list approved jobs: %w", err)
	}
	if len(jobs) == 0 {
		return BuildReport{}, ErrNoJobs
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })

	ids := make([]types.JobID, len(jobs))
	docs := make([]map[string]int, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
		docs[i] = termCounts(j.Title + " " + j.Description)
	}

	vocab, sparse := tfidf(docs)
	report := BuildReport{Jobs: len(jobs), Vocabulary: len(vocab)}

	sparseArt, err := b.buildSparse(ctx, ids, sparse)
	if err != nil {
		return report, err
	}
	if err := b.store.Publish(SparseFile, sparseArt); err != nil {
		return report, err
	}
	report.Tiers = append(report.Tiers, TierSparse)

	annArt, err := b.buildANN(ctx, ids, vocab, sparse)
	if err != nil {
		return report, err
	}
	if err := b.store.Publish(ANNFile, annArt); err != nil {
		return report, err
	}
	report.Tiers = append(report.Tiers, TierANN)

	if b.opts.Dense {
		denseArt, err := b.buildDense(ctx, ids, sparse)
		if err != nil {
			return report, err
		}
		if err := b.store.Publish(DenseFile, denseArt); err != nil {
			return report, err
		}
		report.Tiers = append(report.Tiers, TierDense)
	} else if err := b.store.Remove(DenseFile); err != nil {
		b.log.Warn("Failed to remove stale dense artifact", "error", err)
	}

	report.Duration = time.Since(start)
	b.log.Info("Recommendation artifacts built",
		"jobs", report.Jobs,
		"vocabulary", report.Vocabulary,
		"tiers", report.Tiers,
		"duration", report.Duration)
	return report, nil
}

func (b *Builder) buildSparse(ctx context.Context, ids []types.JobID, vecs []sparseVec) (*SparseArtifact, error) {
	n := len(vecs)
	width := b.opts.Neighbors + 1
	indices := make([][]int32, n)
	distances := make([][]float32, n)

	err := b.parallel(ctx, n, func(i int) {
		top := nearest(n, width, i, true, func(j int) float32 { return vecs[i].dot(vecs[j]) })
		indices[i] = make([]int32, len(top))
		distances[i] = make([]float32, len(top))
		for r, s := range top {
			indices[i][r] = int32(s.node)
			distances[i][r] = 1 - s.sim
		}
	})
	if err != nil {
		return nil, err
	}
	return &SparseArtifact{Header: Header{JobIDs: ids}, K: b.opts.Neighbors, Indices: indices, Distances: distances}, nil
}

func (b *Builder) buildANN(ctx context.Context, ids []types.JobID, vocab []string, vecs []sparseVec) (*ANNArtifact, error) {
	n := len(vecs)
	dim := b.opts.Dim
	dense := make([][]float32, n)
	for i, v := range vecs {
		dense[i] = v.project(vocab, dim)
	}

	forward := make([][]scored, n)
	err := b.parallel(ctx, n, func(i int) {
		forward[i] = nearest(n, b.opts.GraphM, i, false, func(j int) float32 { return dot(dense[i], dense[j]) })
	})
	if err != nil {
		return nil, err
	}

	// reverse links keep the graph navigable; degree is capped at 2M
	adj := make([][]scored, n)
	for i := range forward {
		adj[i] = append(adj[i], forward[i]...)
	}
	for i, row := range forward {
		for _, s := range row {
			adj[s.node] = appendUnique(adj[s.node], scored{node: i, sim: s.sim})
		}
	}

	maxDegree := 2 * b.opts.GraphM
	neighbors := make([][]int32, n)
	entry, best := 0, -1
	for i, row := range adj {
		sort.Slice(row, func(a, c int) bool { return row[a].sim > row[c].sim })
		if len(row) > maxDegree {
			row = row[:maxDegree]
		}
		neighbors[i] = make([]int32, len(row))
		for r, s := range row {
			neighbors[i][r] = int32(s.node)
		}
		if len(row) > best {
			entry, best = i, len(row)
		}
	}

	return &ANNArtifact{
		Header:     Header{JobIDs: ids},
		Dim:        dim,
		M:          b.opts.GraphM,
		EfSearch:   b.opts.EfSearch,
		EntryPoint: entry,
		Vectors:    dense,
		Neighbors:  neighbors,
	}, nil
}

func (b *Builder) buildDense(ctx context.Context, ids []types.JobID, vecs []sparseVec) (*DenseArtifact, error) {
	n := len(vecs)
	sim := make([][]float32, n)
	err := b.parallel(ctx, n, func(i int) {
		row := make([]float32, n)
		for j := range vecs {
			row[j] = vecs[i].dot(vecs[j])
		}
		sim[i] = row
	})
	if err != nil {
		return nil, err
	}
	return &DenseArtifact{Header: Header{JobIDs: ids}, Similarity: sim}, nil
}

// parallel runs fn for every row on a bounded errgroup.
func (b *Builder) parallel(ctx context.Context, n int, fn func(i int)) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.opts.Workers)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			fn(i)
			return nil
		})
	}
	return g.Wait()
}

// nearest ranks every row against i by sim, best first. With withSelf the
// query row is forced to the front, as the sparse tier expects.
func nearest(n, count, i int, withSelf bool, sim func(j int) float32) []scored {
	all := make([]scored, 0, n)
	for j := 0; j < n; j++ {
		if j == i {
			continue
		}
		all = append(all, scored{node: j, sim: sim(j)})
	}
	sort.SliceStable(all, func(a, b int) bool { return all[a].sim > all[b].sim })

	if withSelf {
		all = append([]scored{{node: i, sim: 1}}, all...)
	}
	if len(all) > count {
		all = all[:count]
	}
	return all
}

func appendUnique(row []scored, s scored) []scored {
	for _, x := range row {
		if x.node == s.node {
			return row
		}
	}
	return append(row, s)
}

// ============================================================================
// 詞彙處理
// ============================================================================

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "you": true, "our": true,
	"are": true, "will": true, "this": true, "that": true, "from": true, "have": true,
	"years": true, "year": true, "experience": true, "work": true, "team": true,
	"và": true, "các": true, "của": true, "có": true, "cho": true, "với": true,
	"là": true, "được": true, "trong": true, "một": true, "những": true,
}

// termCounts tokenizes text on letters, digits and the + # . characters
// that appear in tech names, dropping stop words and single runes.
func termCounts(text string) map[string]int {
	counts := make(map[string]int)
	var word strings.Builder
	flush := func() {
		w := strings.TrimRight(word.String(), ".")
		word.Reset()
		if utf8.RuneCountInString(w) >= 2 && !stopWords[w] {
			counts[w]++
		}
	}
	for _, r := range skills.Normalize(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '+' || r == '#' || r == '.' {
			word.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return counts
}

// sparseVec is an L2-normalised TF-IDF vector with sorted term ids.
type sparseVec struct {
	idx []int32
	val []float32
}

func (v sparseVec) dot(o sparseVec) float32 {
	var s float32
	i, j := 0, 0
	for i < len(v.idx) && j < len(o.idx) {
		switch {
		case v.idx[i] == o.idx[j]:
			s += v.val[i] * o.val[j]
			i++
			j++
		case v.idx[i] < o.idx[j]:
			i++
		default:
			j++
		}
	}
	return s
}

// project folds the sparse vector into dim buckets by feature hashing.
func (v sparseVec) project(vocab []string, dim int) []float32 {
	out := make([]float32, dim)
	for k, t := range v.idx {
		h := fnv.New32a()
		h.Write([]byte(vocab[t]))
		sum := h.Sum32()
		sign := float32(1)
		if sum&(1<<31) != 0 {
			sign = -1
		}
		out[int(sum%uint32(dim))] += sign * v.val[k]
	}
	return normalized(out)
}

// tfidf uses smoothed idf = ln((1+N)/(1+df)) + 1 and L2 normalisation.
func tfidf(docs []map[string]int) ([]string, []sparseVec) {
	df := make(map[string]int)
	for _, d := range docs {
		for t := range d {
			df[t]++
		}
	}
	vocab := make([]string, 0, len(df))
	for t := range df {
		vocab = append(vocab, t)
	}
	sort.Strings(vocab)
	termID := make(map[string]int32, len(vocab))
	for i, t := range vocab {
		termID[t] = int32(i)
	}

	n := float64(len(docs))
	vecs := make([]sparseVec, len(docs))
	for i, d := range docs {
		var v sparseVec
		for t := range d {
			v.idx = append(v.idx, termID[t])
		}
		sort.Slice(v.idx, func(a, b int) bool { return v.idx[a] < v.idx[b] })

		var norm float64
		weights := make([]float64, len(v.idx))
		for k, id := range v.idx {
			t := vocab[id]
			w := float64(d[t]) * (math.Log((1+n)/(1+float64(df[t]))) + 1)
			weights[k] = w
			norm += w * w
		}
		norm = math.Sqrt(norm)
		v.val = make([]float32, len(weights))
		for k, w := range weights {
			if norm > 0 {
				v.val[k] = float32(w / norm)
			}
		}
		vecs[i] = v
	}
	return vocab, vecs
}
