// ============================================================================
// Talent-Match 評分管線 - 背景評分協調器
// ============================================================================
//
// Package: internal/pipeline
// 文件: pipeline.go
// 功能: 協調任務狀態、佇列、Worker Pool 與快照，實現冪等評分與重試
//
// 架構設計:
//   - TaskManager: 任務狀態管理（pending/in_progress/completed/failed/failed_terminal）
//   - TaskQueue: 投遞佇列（memory / redis / inline）
//   - WorkerPool: 執行評分嘗試
//   - Snapshot: 定期保存任務狀態，重啟後恢復
//
// 核心循環（async 模式）:
//   1. Consume Loop  - 從佇列取出應用 ID，標記執行中並交給 worker
//   2. Result Loop   - 解讀執行結果：完成、排定重試或永久失敗
//   3. Retry Loop    - 到期的失敗任務重新排隊
//   4. Snapshot Loop - 定期寫入快照並清理已結束任務
//   5. Sweep Loop    - 定期補排長時間未評分的應用
//
// inline 模式:
//   Enqueue 在呼叫端同步執行完整的嘗試/重試週期；呼叫端取消後，
//   等待中的重試由 Retry Loop 接手，另保留快照與補排循環
//
// 冪等性保證:
//   - 每個應用同時最多一個活躍任務，重複 Enqueue 為 no-op
//   - MarkInProgress 只接受 pending 任務，重複投遞不會並行執行
//   - Executor 在計算前檢查既有結果
//
// ============================================================================

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ChuLiYu/talent-match/internal/metrics"
	"github.com/ChuLiYu/talent-match/internal/notify"
	"github.com/ChuLiYu/talent-match/internal/queue"
	"github.com/ChuLiYu/talent-match/internal/scorer"
	"github.com/ChuLiYu/talent-match/internal/snapshot"
	"github.com/ChuLiYu/talent-match/internal/store"
	"github.com/ChuLiYu/talent-match/internal/taskmanager"
	"github.com/ChuLiYu/talent-match/internal/textextract"
	"github.com/ChuLiYu/talent-match/internal/worker"
	"github.com/ChuLiYu/talent-match/pkg/types"
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Mode 執行模式
type Mode string

const (
	ModeAsync  Mode = "async"
	ModeInline Mode = "inline"
)

// DefaultBatchSize EnqueueBatch 預設批次大小
const DefaultBatchSize = 10

// ErrStopped 管線已停止
var ErrStopped = errors.New("pipeline stopped")

// Config 管線配置
type Config struct {
	Mode             Mode          // async 或 inline
	Workers          int           // Worker 數量
	ResultBuffer     int           // 任務/結果通道緩衝
	TaskTimeout      time.Duration // 單次嘗試超時
	MaxRetries       int           // 最大重試次數（不含第一次嘗試）
	RetryBase        time.Duration // 退避基準：delay = base * attempt
	RetryInterval    time.Duration // 重試循環掃描間隔
	SnapshotPath     string        // 快照路徑，空字串表示停用
	SnapshotInterval time.Duration // 快照間隔
	SnapshotBackups  int           // 保留的快照備份數
	Retention        time.Duration // 已結束任務保留時間
	SweepInterval    time.Duration // 補排間隔，0 表示停用
	StaleAfter       time.Duration // 未評分超過此時間才補排
	SweepBatch       int           // 每輪補排上限
	SweepRate        float64       // 補排速率（每秒）
}

// DefaultConfig 預設配置
func DefaultConfig() Config {
	return Config{
		Mode:             ModeAsync,
		Workers:          4,
		ResultBuffer:     64,
		TaskTimeout:      30 * time.Second,
		MaxRetries:       3,
		RetryBase:        60 * time.Second,
		RetryInterval:    time.Second,
		SnapshotInterval: 30 * time.Second,
		Retention:        24 * time.Hour,
		SweepInterval:    10 * time.Minute,
		StaleAfter:       time.Hour,
		SweepBatch:       DefaultBatchSize,
		SweepRate:        5,
	}
}

// Deps 管線依賴；Extractor、Scorer、Sink、Queue、Metrics、Logger 可為 nil
type Deps struct {
	Jobs      store.JobRepository
	Apps      store.ApplicationRepository
	Extractor textextract.Extractor
	Scorer    *scorer.Scorer
	Sink      notify.Sink
	Queue     queue.TaskQueue // async 模式使用；nil 時建立 queue.Memory
	Metrics   *metrics.Collector
	Logger    *slog.Logger
}

// Pipeline 評分管線
type Pipeline struct {
	cfg      Config
	tasks    *taskmanager.Manager
	exec     *Executor
	apps     store.ApplicationRepository
	queue    queue.TaskQueue
	ownQueue bool
	pool     *worker.Pool
	snapshot *snapshot.Manager
	metrics  *metrics.Collector
	limiter  *rate.Limiter
	log      *slog.Logger
	now      func() time.Time

	// inline 模式下由某個呼叫端驅動中的應用
	drivingMu sync.Mutex
	driving   map[types.ApplicationID]struct{}

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	loopWg  sync.WaitGroup
}

// ============================================================================
// 建立與啟動
// ============================================================================

// New 建立管線
func New(cfg Config, deps Deps) (*Pipeline, error) {
	if deps.Jobs == nil || deps.Apps == nil {
		return nil, errors.New("pipeline: job and application repositories are required")
	}
	def := DefaultConfig()
	if cfg.Mode == "" {
		cfg.Mode = def.Mode
	}
	if cfg.Mode != ModeAsync && cfg.Mode != ModeInline {
		return nil, fmt.Errorf("pipeline: unknown mode %q", cfg.Mode)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.ResultBuffer <= 0 {
		cfg.ResultBuffer = def.ResultBuffer
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = def.SnapshotInterval
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = DefaultBatchSize
	}
	if cfg.SweepRate <= 0 {
		cfg.SweepRate = def.SweepRate
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pipeline{
		cfg:     cfg,
		tasks:   taskmanager.New(),
		exec:    NewExecutor(deps.Jobs, deps.Apps, deps.Extractor, deps.Scorer, deps.Sink, logger),
		apps:    deps.Apps,
		metrics: deps.Metrics,
		limiter: rate.NewLimiter(rate.Limit(cfg.SweepRate), 1),
		log:     logger,
		now:     time.Now,
		driving: make(map[types.ApplicationID]struct{}),
	}
	if cfg.SnapshotPath != "" {
		p.snapshot = snapshot.NewManager(cfg.SnapshotPath)
	}

	switch {
	case cfg.Mode == ModeInline:
		p.queue = queue.NewInline(p.runInline)
		p.ownQueue = true
	case deps.Queue != nil:
		p.queue = deps.Queue
	default:
		p.queue = queue.NewMemory()
		p.ownQueue = true
	}
	if cfg.Mode == ModeAsync {
		p.pool = worker.NewPool(cfg.ResultBuffer, p.exec)
	}
	return p, nil
}

// Start 啟動管線
//
// 流程：
//  1. 恢復階段：載入快照，執行中任務退回 pending
//  2. 啟動 Worker Pool 與各循環（async）
//  3. 將恢復的 pending 任務重新投遞
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	if p.started {
		return errors.New("pipeline already started")
	}

	recovered, err := p.recover()
	if err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel

	if p.cfg.Mode == ModeAsync {
		p.requeueStale(loopCtx)
		if err := p.pool.Start(p.cfg.Workers); err != nil {
			cancel()
			return fmt.Errorf("failed to start worker pool: %w", err)
		}
		p.loopWg.Add(2)
		go p.consumeLoop(loopCtx)
		go p.resultLoop(loopCtx)
	}
	p.loopWg.Add(1)
	go p.retryLoop(loopCtx)
	if p.snapshot != nil {
		p.loopWg.Add(1)
		go p.snapshotLoop(loopCtx)
	}
	if p.cfg.SweepInterval > 0 {
		p.loopWg.Add(1)
		go p.sweepLoop(loopCtx)
	}

	p.started = true

	if len(recovered) > 0 {
		p.loopWg.Add(1)
		go func() {
			defer p.loopWg.Done()
			for _, id := range recovered {
				if err := p.queue.Enqueue(loopCtx, id); err != nil {
					p.log.Error("Failed to requeue recovered task", "application_id", id, "error", err)
				}
			}
		}()
	}

	p.log.Info("Pipeline started",
		"mode", p.cfg.Mode,
		"workers", p.cfg.Workers,
		"recovered", len(recovered))
	return nil
}

// recover 從快照恢復任務狀態，返回需要重新投遞的任務
func (p *Pipeline) recover() ([]types.ApplicationID, error) {
	if p.snapshot == nil {
		return nil, nil
	}
	start := time.Now()

	data, err := p.snapshot.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	pending := p.tasks.Restore(data)

	recoveryTime := time.Since(start)
	p.metrics.SetRecoveryTime(recoveryTime.Seconds())
	if recoveryTime > 3*time.Second {
		p.log.Warn("Recovery time exceeds 3s", "duration", recoveryTime)
	}
	p.log.Info("Snapshot loaded",
		"duration", recoveryTime,
		"tasks", len(data.Tasks),
		"requeue", len(pending))
	return pending, nil
}

// staleRequeuer 可將未確認的投遞放回佇列（queue.Redis）
type staleRequeuer interface {
	RequeueStale(ctx context.Context, max int64) (int64, error)
}

func (p *Pipeline) requeueStale(ctx context.Context) {
	rq, ok := p.queue.(staleRequeuer)
	if !ok {
		return
	}
	moved, err := rq.RequeueStale(ctx, 0)
	if err != nil {
		p.log.Error("Failed to requeue unacknowledged deliveries", "error", err)
		return
	}
	if moved > 0 {
		p.log.Info("Requeued unacknowledged deliveries", "count", moved)
	}
}

// ============================================================================
// 公開方法
// ============================================================================

// Enqueue 註冊評分任務並投遞
//
// 同一應用已有活躍任務時為 no-op；inline 模式會同步執行到任務結束
func (p *Pipeline) Enqueue(ctx context.Context, id types.ApplicationID) error {
	if p.isStopped() {
		return ErrStopped
	}
	if _, err := p.tasks.Register(id); err != nil {
		if errors.Is(err, taskmanager.ErrTaskActive) {
			p.metrics.RecordDuplicate()
			p.log.Debug("Duplicate scoring request ignored", "application_id", id)
			return nil
		}
		return err
	}
	p.metrics.RecordEnqueue()

	if err := p.queue.Enqueue(ctx, id); err != nil {
		return fmt.Errorf("enqueue application %d: %w", id, err)
	}
	return nil
}

// EnqueueBatch 投遞最舊的未評分應用，limit <= 0 時使用 DefaultBatchSize
func (p *Pipeline) EnqueueBatch(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = DefaultBatchSize
	}
	ids, err := p.apps.ListUnscored(ctx, p.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("list unscored applications: %w", err)
	}
	queued := 0
	for _, id := range ids {
		if err := p.Enqueue(ctx, id); err != nil {
			return queued, err
		}
		queued++
	}
	return queued, nil
}

// Rescore 清除既有結果並重新評分
func (p *Pipeline) Rescore(ctx context.Context, id types.ApplicationID) error {
	if t, ok := p.tasks.Get(id); ok && t.State.Active() {
		return fmt.Errorf("application %d: %w", id, taskmanager.ErrTaskActive)
	}
	if err := p.apps.ClearResult(ctx, id); err != nil {
		return fmt.Errorf("clear result of application %d: %w", id, err)
	}
	return p.Enqueue(ctx, id)
}

// Task 返回應用目前的任務狀態
func (p *Pipeline) Task(id types.ApplicationID) (types.ScoringTask, bool) {
	return p.tasks.Get(id)
}

// Stats 任務狀態統計
func (p *Pipeline) Stats() taskmanager.Stats {
	return p.tasks.Stats()
}

// ScoreStats 已儲存評分的統計
func (p *Pipeline) ScoreStats(ctx context.Context) (store.ScoreStats, error) {
	return p.apps.ScoreStats(ctx)
}

// Started 管線是否已啟動且未停止
func (p *Pipeline) Started() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started && !p.stopped
}

func (p *Pipeline) isStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// Stop 優雅關閉
//
// 關閉順序：
//  1. cancel()      → 通知所有循環停止，Consume 返回
//  2. pool.Stop()   → 等待 workers 結束，resultLoop 隨後退出
//  3. loopWg.Wait() → 等待所有循環退出
//  4. 最後一次快照
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	started := p.started
	cancel := p.cancel
	p.mu.Unlock()

	p.log.Info("Stopping pipeline...")

	if cancel != nil {
		cancel()
	}
	if p.pool != nil && started {
		p.pool.Stop()
	}
	p.loopWg.Wait()

	if p.snapshot != nil && started {
		if err := p.takeSnapshot(); err != nil {
			p.log.Error("Failed to take final snapshot", "error", err)
		}
	}
	if p.ownQueue {
		if err := p.queue.Close(); err != nil {
			p.log.Error("Failed to close queue", "error", err)
		}
	}
	p.log.Info("Pipeline stopped")
}

// ============================================================================
// 結果處理
// ============================================================================

// handleResult 依結果分類更新任務狀態並確認投遞
func (p *Pipeline) handleResult(ctx context.Context, res worker.Result) {
	id := res.ApplicationID
	defer func() {
		if err := p.queue.Ack(ctx, id); err != nil {
			p.log.Warn("Failed to ack delivery", "application_id", id, "error", err)
		}
	}()

	switch res.Outcome {
	case worker.OutcomeCompleted:
		if err := p.tasks.MarkCompleted(id); err != nil {
			p.log.Error("Failed to mark completed", "application_id", id, "error", err)
			return
		}
		score := 0.0
		if res.Result != nil {
			score = res.Result.Score
		}
		p.metrics.RecordCompleted(res.Duration.Seconds(), score, res.Skipped)
		p.log.Debug("Scoring task completed",
			"application_id", id,
			"attempt", res.Attempt,
			"skipped", res.Skipped,
			"duration", res.Duration)

	case worker.OutcomeRetryable:
		task, ok := p.tasks.Get(id)
		if !ok {
			p.log.Warn("Unknown scoring task", "application_id", id)
			return
		}
		if task.AttemptCount > p.cfg.MaxRetries {
			p.fail(ctx, id, fmt.Errorf("retries exhausted after %d attempts: %w", task.AttemptCount, res.Err))
			return
		}
		next := p.now().Add(p.cfg.RetryBase * time.Duration(task.AttemptCount))
		if err := p.tasks.MarkFailed(id, res.Err, next); err != nil {
			p.log.Error("Failed to mark failed", "application_id", id, "error", err)
			return
		}
		p.metrics.RecordRetry(res.Duration.Seconds())
		p.log.Warn("Scoring attempt failed, retry scheduled",
			"application_id", id,
			"attempt", task.AttemptCount,
			"next_retry_at", next,
			"error", res.Err)

	case worker.OutcomeTerminal:
		p.fail(ctx, id, res.Err)
	}
}

// fail 標記永久失敗並通知人工審核
func (p *Pipeline) fail(ctx context.Context, id types.ApplicationID, cause error) {
	if err := p.tasks.MarkTerminal(id, cause); err != nil {
		p.log.Error("Failed to mark terminal", "application_id", id, "error", err)
		return
	}
	p.metrics.RecordTerminal()
	p.log.Error("Scoring task failed permanently", "application_id", id, "error", cause)
	p.exec.NotifyManualReview(ctx, id, cause)
}

// runInline 同步執行完整的嘗試/重試週期，直到任務完成或永久失敗
//
// ctx 在等待重試期間取消時，任務保持 failed 並返回 ctx.Err()；
// 釋放驅動權後由 retryLoop 到期接手
func (p *Pipeline) runInline(ctx context.Context, id types.ApplicationID) error {
	if !p.drive(id) {
		return nil
	}
	defer p.release(id)

	for {
		task, err := p.tasks.MarkInProgress(id)
		if err != nil {
			return err
		}
		p.metrics.RecordDispatch()

		res := worker.Execute(ctx, p.exec, worker.Task{
			ApplicationID: id,
			Attempt:       task.AttemptCount,
			Timeout:       p.cfg.TaskTimeout,
		})
		p.handleResult(context.WithoutCancel(ctx), res)

		task, _ = p.tasks.Get(id)
		if task.State != types.TaskFailed || task.NextRetryAt == nil {
			return nil
		}

		timer := time.NewTimer(time.Until(*task.NextRetryAt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if err := p.tasks.Requeue(id); err != nil {
			return err
		}
	}
}

// drive 取得應用的 inline 驅動權，已有呼叫端驅動時返回 false
func (p *Pipeline) drive(id types.ApplicationID) bool {
	p.drivingMu.Lock()
	defer p.drivingMu.Unlock()
	if _, ok := p.driving[id]; ok {
		return false
	}
	p.driving[id] = struct{}{}
	return true
}

func (p *Pipeline) release(id types.ApplicationID) {
	p.drivingMu.Lock()
	delete(p.driving, id)
	p.drivingMu.Unlock()
}

func (p *Pipeline) isDriven(id types.ApplicationID) bool {
	p.drivingMu.Lock()
	defer p.drivingMu.Unlock()
	_, ok := p.driving[id]
	return ok
}
