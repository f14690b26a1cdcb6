package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/talent-match/pkg/types"
)

// Task 代表一次評分嘗試
type Task struct {
	ApplicationID types.ApplicationID // 要評分的應用
	Attempt       int                 // 第幾次嘗試（從 1 開始）
	Timeout       time.Duration       // 執行超時時間，0 表示不限
}

// Outcome 單次嘗試的結果分類；重試與退避只由排程器決定
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeRetryable
	OutcomeTerminal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeRetryable:
		return "retryable_failure"
	case OutcomeTerminal:
		return "terminal_failure"
	default:
		return "unknown"
	}
}

// Result 代表任務執行結果
type Result struct {
	ApplicationID types.ApplicationID
	Attempt       int
	Outcome       Outcome
	Result        *types.MatchResult // Completed 時的評分結果
	Skipped       bool               // 已有評分結果，本次未重算
	Err           error
	Duration      time.Duration
}

// Completed 建立成功結果
func Completed(res types.MatchResult) Result {
	return Result{Outcome: OutcomeCompleted, Result: &res}
}

// Retryable 建立可重試的失敗結果
func Retryable(err error) Result {
	return Result{Outcome: OutcomeRetryable, Err: err}
}

// Terminal 建立不可重試的失敗結果
func Terminal(err error) Result {
	return Result{Outcome: OutcomeTerminal, Err: err}
}

// Executor 執行單次評分嘗試
type Executor interface {
	Execute(ctx context.Context, id types.ApplicationID, attempt int) Result
}

// ExecutorFunc 讓普通函式實作 Executor
type ExecutorFunc func(ctx context.Context, id types.ApplicationID, attempt int) Result

func (f ExecutorFunc) Execute(ctx context.Context, id types.ApplicationID, attempt int) Result {
	return f(ctx, id, attempt)
}
