package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/talent-match/internal/queue"
	"github.com/ChuLiYu/talent-match/internal/taskmanager"
	"github.com/ChuLiYu/talent-match/internal/worker"
	"github.com/ChuLiYu/talent-match/pkg/types"
)

// ============================================================================
// 核心循環
// ============================================================================

// consumeLoop 從佇列取出應用並交給 Worker Pool
//
// 佇列為至少一次投遞：MarkInProgress 只接受 pending 任務，重複投遞直接確認略過
func (p *Pipeline) consumeLoop(ctx context.Context) {
	defer p.loopWg.Done()
	for {
		id, err := p.queue.Consume(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrQueueClosed) {
				p.log.Info("Consume loop stopped")
				return
			}
			p.log.Error("Failed to consume", "error", err)
			if !sleepCtx(ctx, 500*time.Millisecond) {
				return
			}
			continue
		}

		task, err := p.claim(id)
		if err != nil {
			if errors.Is(err, taskmanager.ErrNotPending) {
				p.log.Debug("Duplicate delivery skipped", "application_id", id)
			} else {
				p.log.Error("Failed to claim task", "application_id", id, "error", err)
			}
			if err := p.queue.Ack(ctx, id); err != nil {
				p.log.Warn("Failed to ack delivery", "application_id", id, "error", err)
			}
			continue
		}
		p.metrics.RecordDispatch()

		if err := p.pool.Submit(worker.Task{
			ApplicationID: id,
			Attempt:       task.AttemptCount,
			Timeout:       p.cfg.TaskTimeout,
		}); err != nil {
			// Pool 關閉中；任務留在 in_progress，由快照恢復
			if !errors.Is(err, worker.ErrPoolClosed) {
				p.log.Error("Failed to submit task", "application_id", id, "error", err)
			}
			return
		}
	}
}

// claim 將任務標記為執行中；持久佇列在重啟後投遞的未知應用會先註冊
func (p *Pipeline) claim(id types.ApplicationID) (types.ScoringTask, error) {
	task, err := p.tasks.MarkInProgress(id)
	if errors.Is(err, taskmanager.ErrTaskNotFound) {
		if _, err := p.tasks.Register(id); err != nil && !errors.Is(err, taskmanager.ErrTaskActive) {
			return types.ScoringTask{}, err
		}
		return p.tasks.MarkInProgress(id)
	}
	return task, err
}

// resultLoop 處理 Worker 執行結果，直到 Pool 關閉
func (p *Pipeline) resultLoop(ctx context.Context) {
	defer p.loopWg.Done()
	for {
		result, err := p.pool.ReceiveResult()
		if err != nil {
			if errors.Is(err, worker.ErrPoolClosed) {
				p.log.Info("Result loop stopped")
				return
			}
			p.log.Error("Failed to receive result", "error", err)
			if !sleepCtx(ctx, 100*time.Millisecond) {
				return
			}
			continue
		}
		// 使用獨立 context，關閉途中的結果仍能寫回
		p.handleResult(context.WithoutCancel(ctx), result)
	}
}

// retryLoop 將到期的失敗任務退回 pending 並重新投遞
//
// inline 模式下只接手沒有呼叫端驅動的任務，每個任務在獨立 goroutine 中跑完剩餘週期
func (p *Pipeline) retryLoop(ctx context.Context) {
	defer p.loopWg.Done()
	ticker := time.NewTicker(p.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Info("Retry loop stopped")
			return
		case <-ticker.C:
			p.requeueDue(ctx)
		}
	}
}

func (p *Pipeline) requeueDue(ctx context.Context) int {
	n := 0
	for _, id := range p.tasks.DueRetries(p.now()) {
		if p.cfg.Mode == ModeInline {
			if p.resumeInline(ctx, id) {
				n++
			}
			continue
		}
		if err := p.tasks.Requeue(id); err != nil {
			p.log.Error("Failed to requeue", "application_id", id, "error", err)
			continue
		}
		if err := p.queue.Enqueue(ctx, id); err != nil {
			// 留在 pending，由補排循環重新投遞
			p.log.Error("Failed to enqueue retry", "application_id", id, "error", err)
			continue
		}
		n++
	}
	return n
}

// resumeInline 接手呼叫端已放棄的 inline 重試週期
func (p *Pipeline) resumeInline(ctx context.Context, id types.ApplicationID) bool {
	if p.isDriven(id) {
		return false
	}
	if err := p.tasks.Requeue(id); err != nil {
		p.log.Error("Failed to requeue", "application_id", id, "error", err)
		return false
	}
	p.log.Info("Resuming abandoned scoring task", "application_id", id)

	p.loopWg.Add(1)
	go func() {
		defer p.loopWg.Done()
		if err := p.queue.Enqueue(ctx, id); err != nil && ctx.Err() == nil {
			p.log.Error("Resumed scoring task failed", "application_id", id, "error", err)
		}
	}()
	return true
}

// snapshotLoop 定期生成快照並清理已結束任務
func (p *Pipeline) snapshotLoop(ctx context.Context) {
	defer p.loopWg.Done()
	ticker := time.NewTicker(p.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Info("Snapshot loop stopped")
			return
		case <-ticker.C:
			if p.cfg.Retention > 0 {
				if n := p.tasks.Prune(p.now().Add(-p.cfg.Retention)); n > 0 {
					p.log.Debug("Pruned finished tasks", "count", n)
				}
			}
			if err := p.takeSnapshot(); err != nil {
				p.log.Error("Failed to take snapshot", "error", err)
			}
		}
	}
}

// takeSnapshot 執行快照操作並更新任務量指標
func (p *Pipeline) takeSnapshot() error {
	start := time.Now()
	data := p.tasks.Snapshot()

	var err error
	if p.cfg.SnapshotBackups > 0 {
		err = p.snapshot.WriteWithBackup(data, p.cfg.SnapshotBackups)
	} else {
		err = p.snapshot.Write(data)
	}
	if err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	stats := p.tasks.Stats()
	p.metrics.UpdateTaskStats(stats.Pending+stats.Failed, stats.InProgress)

	p.log.Debug("Snapshot taken",
		"duration", time.Since(start),
		"tasks", len(data.Tasks))
	return nil
}

// sweepLoop 定期補排長時間未評分的應用
func (p *Pipeline) sweepLoop(ctx context.Context) {
	defer p.loopWg.Done()
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Info("Sweep loop stopped")
			return
		case <-ticker.C:
			n, err := p.sweep(ctx)
			if err != nil && ctx.Err() == nil {
				p.log.Error("Sweep failed", "error", err)
			}
			if n > 0 {
				p.log.Info("Queued stale applications", "count", n)
			}
		}
	}
}

// sweep 投遞 StaleAfter 之前提交且仍未評分的應用
//
// 已有活躍任務者：pending 超過 StaleAfter 代表投遞遺失，重新推入佇列；
// 仍保留在記憶體中的永久失敗任務已通知人工審核，不再補排
func (p *Pipeline) sweep(ctx context.Context) (int, error) {
	cutoff := p.now().Add(-p.cfg.StaleAfter)
	ids, err := p.apps.ListUnscored(ctx, cutoff, p.cfg.SweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list unscored applications: %w", err)
	}

	n := 0
	for _, id := range ids {
		if err := p.limiter.Wait(ctx); err != nil {
			return n, err
		}
		if t, ok := p.tasks.Get(id); ok {
			if t.State == types.TaskFailedTerminal {
				continue
			}
			if t.State.Active() {
				if t.State == types.TaskPending && t.UpdatedAt.Before(cutoff) {
					if err := p.queue.Enqueue(ctx, id); err != nil {
						return n, err
					}
					n++
				}
				continue
			}
		}
		if err := p.Enqueue(ctx, id); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
