// ============================================================================
// Talent-Match 推薦索引 - 三層相似職缺查詢
// ============================================================================
//
// Package: internal/recommend
// 文件: index.go
// 功能: 回答「與某職缺相似的前 K 個職缺」查詢
//
// 分層策略（依序嘗試，第一個有結果的層勝出）:
//   1. ANN 圖搜尋（稠密向量，cosine）
//   2. 稀疏 k-NN 預計算鄰居表（只做陣列索引）
//   3. 稠密 N×N 相似矩陣（舊格式，O(N²) 記憶體）
//   4. 同類別職缺 → 最新發布的已審核職缺
//
// 載入語意:
//   - 每一代（generation）只載入一次，由 sync.Once 保護
//   - 單層產物缺失或損壞只記錄日誌並跳過，不影響其他層
//   - Reload() 建立新一代並以 atomic.Pointer 原子替換，
//     正在查詢的讀者繼續使用舊一代
//
// ============================================================================

package recommend

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/talent-match/internal/store"
	"github.com/ChuLiYu/talent-match/pkg/types"
)

// DefaultK 預設推薦數量
const DefaultK = 5

// TierRecorder 記錄每次查詢由哪一層回答
type TierRecorder interface {
	RecordRecommendation(tier string)
}

// Options 索引設定
type Options struct {
	EfSearch      int // ANN 搜尋候選集大小（產物未指定時使用）
	DenseWarnSize int // 稠密矩陣超過此職缺數時警告
	Logger        *slog.Logger
	Recorder      TierRecorder
}

// Recommendation 查詢結果與來源層
type Recommendation struct {
	JobIDs []types.JobID `json:"job_ids"`
	Source string        `json:"source"`
}

// TierStatus 單層載入狀態
type TierStatus struct {
	Name   string `json:"name"`
	Loaded bool   `json:"loaded"`
	Jobs   int    `json:"jobs"`
	Error  string `json:"error,omitempty"`
}

type generation struct {
	once     sync.Once
	tiers    []tier
	status   []TierStatus
	loadedAt time.Time
}

// Index 推薦索引服務；建立一次，供所有請求共用
type Index struct {
	store *Store
	jobs  store.JobRepository
	opts  Options
	log   *slog.Logger
	gen   atomic.Pointer[generation]
}

// NewIndex 建立索引；產物在第一次查詢時才載入
func NewIndex(artifacts *Store, jobs store.JobRepository, opts Options) *Index {
	if opts.EfSearch <= 0 {
		opts.EfSearch = 50
	}
	if opts.DenseWarnSize <= 0 {
		opts.DenseWarnSize = 5000
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ix := &Index{store: artifacts, jobs: jobs, opts: opts, log: logger}
	ix.gen.Store(&generation{})
	return ix
}

// current 回傳目前這一代，必要時觸發唯一一次載入
func (ix *Index) current() *generation {
	g := ix.gen.Load()
	g.once.Do(func() { ix.load(g) })
	return g
}

// Reload 載入新一代產物並原子替換
func (ix *Index) Reload() []TierStatus {
	g := &generation{}
	g.once.Do(func() { ix.load(g) })
	ix.gen.Store(g)
	ix.log.Info("Recommendation index reloaded", "tiers", len(g.tiers))
	return g.status
}

// Status 回傳目前各層狀態（會觸發延遲載入）
func (ix *Index) Status() []TierStatus {
	return ix.current().status
}

// load 平行讀取三層產物，失敗的層只記錄不回傳錯誤
func (ix *Index) load(g *generation) {
	loaded := make([]tier, 3)
	status := make([]TierStatus, 3)

	var eg errgroup.Group
	eg.Go(func() error {
		var a ANNArtifact
		err := ix.loadArtifact(ANNFile, &a, a.validate)
		status[0] = ix.tierStatus(TierANN, len(a.JobIDs), err)
		if err == nil {
			loaded[0] = newANNTier(&a, ix.opts.EfSearch)
		}
		return nil
	})
	eg.Go(func() error {
		var a SparseArtifact
		err := ix.loadArtifact(SparseFile, &a, a.validate)
		status[1] = ix.tierStatus(TierSparse, len(a.JobIDs), err)
		if err == nil {
			loaded[1] = newSparseTier(&a)
		}
		return nil
	})
	eg.Go(func() error {
		var a DenseArtifact
		err := ix.loadArtifact(DenseFile, &a, a.validate)
		status[2] = ix.tierStatus(TierDense, len(a.JobIDs), err)
		if err == nil {
			if n := len(a.JobIDs); n > ix.opts.DenseWarnSize {
				ix.log.Warn("Dense similarity tier is O(N^2) in memory, rebuild with the ANN or sparse tier",
					"jobs", n)
			}
			loaded[2] = newDenseTier(&a)
		}
		return nil
	})
	_ = eg.Wait()

	for _, t := range loaded {
		if t != nil {
			g.tiers = append(g.tiers, t)
		}
	}
	g.status = status
	g.loadedAt = time.Now()
}

func (ix *Index) loadArtifact(name string, a versioned, validate func() error) error {
	if err := ix.store.Load(name, a); err != nil {
		return err
	}
	return validate()
}

func (ix *Index) tierStatus(name string, jobs int, err error) TierStatus {
	st := TierStatus{Name: name, Loaded: err == nil, Jobs: jobs}
	switch {
	case err == nil:
	case errors.Is(err, ErrArtifactNotFound):
		st.Error = "missing"
		st.Jobs = 0
		ix.log.Debug("Recommendation tier not available", "tier", name)
	default:
		st.Error = err.Error()
		st.Jobs = 0
		ix.log.Error("Failed to load recommendation tier", "tier", name, "error", err)
	}
	return st
}

// TopK 回傳最多 k 個相似的已審核職缺，不包含查詢職缺本身
func (ix *Index) TopK(ctx context.Context, jobID types.JobID, k int) []types.JobID {
	return ix.Recommend(ctx, jobID, k).JobIDs
}

// Recommend 與 TopK 相同，另外回傳結果來源
func (ix *Index) Recommend(ctx context.Context, jobID types.JobID, k int) Recommendation {
	if k <= 0 {
		k = DefaultK
	}
	rec := ix.resolve(ctx, jobID, k)
	if rec.JobIDs == nil {
		rec.JobIDs = []types.JobID{}
	}
	if ix.opts.Recorder != nil {
		ix.opts.Recorder.RecordRecommendation(rec.Source)
	}
	return rec
}

func (ix *Index) resolve(ctx context.Context, jobID types.JobID, k int) Recommendation {
	query, err := ix.jobs.Get(ctx, jobID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			ix.log.Error("Failed to load query job", "job_id", jobID, "error", err)
		}
		return Recommendation{Source: TierNone}
	}

	for _, t := range ix.current().tiers {
		// 多取一些，過濾未審核職缺後仍盡量湊滿 k 個
		ids, ok := t.neighbors(jobID, 2*k)
		ids = without(ids, jobID)
		if !ok || len(ids) == 0 {
			continue
		}
		approved, err := ix.jobs.ApprovedAmong(ctx, ids)
		if err != nil {
			ix.log.Error("Failed to filter approved jobs", "tier", t.name(), "error", err)
			continue
		}
		if len(approved) == 0 {
			continue
		}
		if len(approved) > k {
			approved = approved[:k]
		}
		return Recommendation{JobIDs: approved, Source: t.name()}
	}

	return ix.fallback(ctx, query, k)
}

func without(ids []types.JobID, id types.JobID) []types.JobID {
	out := ids[:0:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// fallback 同類別職缺優先，否則取最新的已審核職缺
func (ix *Index) fallback(ctx context.Context, query *types.JobDocument, k int) Recommendation {
	all, err := ix.jobs.ListApproved(ctx)
	if err != nil {
		ix.log.Error("Failed to list approved jobs for fallback", "error", err)
		return Recommendation{Source: TierNone}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	if query.CategoryID != nil {
		var same []types.JobID
		for _, j := range all {
			if j.ID != query.ID && j.CategoryID != nil && *j.CategoryID == *query.CategoryID {
				same = append(same, j.ID)
				if len(same) == k {
					break
				}
			}
		}
		if len(same) > 0 {
			return Recommendation{JobIDs: same, Source: TierCategory}
		}
	}

	var recent []types.JobID
	for _, j := range all {
		if j.ID == query.ID {
			continue
		}
		recent = append(recent, j.ID)
		if len(recent) == k {
			break
		}
	}
	if len(recent) == 0 {
		return Recommendation{Source: TierNone}
	}
	return Recommendation{JobIDs: recent, Source: TierRecent}
}
