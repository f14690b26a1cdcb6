// ============================================================================
// Talent-Match Ops Server - 維運 HTTP 與 gRPC 健康檢查
// ============================================================================
//
// Package: internal/server
// 文件: server.go
// 功能: 暴露健康檢查、指標、索引重載與少量管線操作
//
// 路由:
//   GET  /healthz                       行程存活
//   GET  /readyz                        管線已啟動才回 200
//   GET  /metrics                       Prometheus（啟用時）
//   GET  /admin/status                  任務統計、評分統計、索引各層狀態
//   POST /admin/reload                  重新載入推薦產物，回傳各層狀態
//   GET  /jobs/{jobID}/similar?k=5      相似職缺
//   POST /applications/{appID}/score    投遞評分任務
//   POST /applications/{appID}/rescore  清除舊結果後重新評分
//   GET  /applications/{appID}/task     任務狀態
//
// 面向使用者的 CRUD 與認證不在此服務範圍內。
//
// ============================================================================

package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ChuLiYu/talent-match/internal/metrics"
	"github.com/ChuLiYu/talent-match/internal/pipeline"
	"github.com/ChuLiYu/talent-match/internal/recommend"
	"github.com/ChuLiYu/talent-match/internal/store"
	"github.com/ChuLiYu/talent-match/internal/taskmanager"
	"github.com/ChuLiYu/talent-match/pkg/types"
)

// Pipeline 評分管線在維運介面上需要的操作
type Pipeline interface {
	Started() bool
	Stats() taskmanager.Stats
	ScoreStats(ctx context.Context) (store.ScoreStats, error)
	Enqueue(ctx context.Context, id types.ApplicationID) error
	Rescore(ctx context.Context, id types.ApplicationID) error
	Task(id types.ApplicationID) (types.ScoringTask, bool)
}

// Recommender 推薦索引在維運介面上需要的操作
type Recommender interface {
	Recommend(ctx context.Context, jobID types.JobID, k int) recommend.Recommendation
	Reload() []recommend.TierStatus
	Status() []recommend.TierStatus
}

// Server 維運 HTTP 服務
type Server struct {
	pipeline Pipeline
	index    Recommender
	gatherer prometheus.Gatherer
	defaultK int
	log      *slog.Logger
}

// Options 建立 Server 的可選參數
type Options struct {
	// Gatherer 為 nil 時不註冊 /metrics
	Gatherer prometheus.Gatherer
	DefaultK int
	Logger   *slog.Logger
}

// New 建立維運服務
func New(p Pipeline, ix Recommender, opts Options) *Server {
	if opts.DefaultK <= 0 {
		opts.DefaultK = recommend.DefaultK
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		pipeline: p,
		index:    ix,
		gatherer: opts.Gatherer,
		defaultK: opts.DefaultK,
		log:      opts.Logger,
	}
}

// Routes 回傳掛好中介層的 chi router
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.log))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", s.ready)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(s.gatherer))
	}

	r.Route("/admin", func(r chi.Router) {
		r.Get("/status", s.status)
		r.Post("/reload", s.reload)
	})

	r.Get("/jobs/{jobID}/similar", s.similar)

	r.Route("/applications/{appID}", func(r chi.Router) {
		r.Post("/score", s.score)
		r.Post("/rescore", s.rescore)
		r.Get("/task", s.task)
	})

	return r
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	if !s.pipeline.Started() {
		writeErr(w, http.StatusServiceUnavailable, "pipeline not started")
		return
	}
	_, _ = w.Write([]byte("ready"))
}

type statusResponse struct {
	Tasks  taskmanager.Stats      `json:"tasks"`
	Scores *scoreStats            `json:"scores,omitempty"`
	Tiers  []recommend.TierStatus `json:"tiers"`
}

type scoreStats struct {
	store.ScoreStats
	ProcessingRate float64 `json:"processing_rate"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Tasks: s.pipeline.Stats(),
		Tiers: s.index.Status(),
	}
	st, err := s.pipeline.ScoreStats(r.Context())
	if err != nil {
		s.log.Warn("Failed to load score stats", "error", err)
	} else {
		resp.Scores = &scoreStats{ScoreStats: st, ProcessingRate: st.ProcessingRate()}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) reload(w http.ResponseWriter, r *http.Request) {
	tiers := s.index.Reload()
	s.log.Info("Index reload requested", "request_id", middleware.GetReqID(r.Context()))
	writeJSON(w, http.StatusOK, map[string]any{"tiers": tiers})
}

func (s *Server) similar(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "jobID"), 10, 64)
	if err != nil || id <= 0 {
		writeErr(w, http.StatusBadRequest, "invalid job id")
		return
	}
	k := s.defaultK
	if raw := r.URL.Query().Get("k"); raw != "" {
		k, err = strconv.Atoi(raw)
		if err != nil || k < 0 {
			writeErr(w, http.StatusBadRequest, "invalid k")
			return
		}
	}
	writeJSON(w, http.StatusOK, s.index.Recommend(r.Context(), types.JobID(id), k))
}

func (s *Server) score(w http.ResponseWriter, r *http.Request) {
	id, ok := applicationID(w, r)
	if !ok {
		return
	}
	if err := s.pipeline.Enqueue(r.Context(), id); err != nil {
		s.writePipelineErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"application_id": id})
}

func (s *Server) rescore(w http.ResponseWriter, r *http.Request) {
	id, ok := applicationID(w, r)
	if !ok {
		return
	}
	if err := s.pipeline.Rescore(r.Context(), id); err != nil {
		s.writePipelineErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"application_id": id})
}

func (s *Server) task(w http.ResponseWriter, r *http.Request) {
	id, ok := applicationID(w, r)
	if !ok {
		return
	}
	t, found := s.pipeline.Task(id)
	if !found {
		writeErr(w, http.StatusNotFound, "no scoring task")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) writePipelineErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeErr(w, http.StatusNotFound, "application not found")
	case errors.Is(err, taskmanager.ErrTaskActive):
		writeErr(w, http.StatusConflict, "scoring task already active")
	case errors.Is(err, pipeline.ErrStopped):
		writeErr(w, http.StatusServiceUnavailable, "pipeline stopped")
	default:
		s.log.Error("Pipeline request failed", "error", err)
		writeErr(w, http.StatusInternalServerError, "internal error")
	}
}

func applicationID(w http.ResponseWriter, r *http.Request) (types.ApplicationID, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "appID"), 10, 64)
	if err != nil || id <= 0 {
		writeErr(w, http.StatusBadRequest, "invalid application id")
		return 0, false
	}
	return types.ApplicationID(id), true
}
