// ============================================================================
// Talent-Match 任務管理器 - 評分任務狀態機實現
// ============================================================================
//
// Package: internal/taskmanager
// 文件: task_manager.go
// 功能: 管理每個應用（application）評分任務的完整生命週期
//
// 任務狀態轉換 (State Machine):
//   Pending (待處理)
//      ↓ MarkInProgress()，AttemptCount + 1
//   InProgress (執行中)
//      ├─ MarkCompleted() → Completed
//      ├─ MarkFailed()    → Failed（等待 NextRetryAt 後重試）
//      └─ MarkTerminal()  → FailedTerminal（需人工審核）
//   Failed
//      └─ Requeue()       → Pending
//
// 冪等性:
//   - 以 ApplicationID 為鍵，同一應用同時只能有一個活躍任務
//   - 已結束（Completed / FailedTerminal）的任務可被新的 Register 取代，
//     用於重新評分
//
// 併發安全:
//   - 使用 sync.RWMutex 保護 tasks map
//   - 所有對外回傳的任務皆為拷貝，呼叫者無法修改內部狀態
//
// 快照支持:
//   - Snapshot() / Restore() 用於崩潰恢復
//   - 恢復時 InProgress 任務退回 Pending（執行中的 worker 已隨進程消失）
//
// ============================================================================

package taskmanager

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/talent-match/pkg/types"
)

// SchemaVersion 快照格式版本
const SchemaVersion = 1

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 同一應用已有進行中的任務
	ErrTaskActive = errors.New("scoring task already active")
	// 任務不存在
	ErrTaskNotFound = errors.New("scoring task not found")
	// 任務不在待處理狀態
	ErrNotPending = errors.New("scoring task not pending")
	// 任務不在執行中狀態
	ErrNotInProgress = errors.New("scoring task not in progress")
	// 任務不在等待重試狀態
	ErrNotFailed = errors.New("scoring task not waiting for retry")
)

// Stats 各狀態任務數量
type Stats struct {
	Pending        int `json:"pending"`
	InProgress     int `json:"in_progress"`
	Completed      int `json:"completed"`
	Failed         int `json:"failed"`
	FailedTerminal int `json:"failed_terminal"`
}

// Total 任務總數
func (s Stats) Total() int {
	return s.Pending + s.InProgress + s.Completed + s.Failed + s.FailedTerminal
}

// Manager 評分任務管理器
type Manager struct {
	mu    sync.RWMutex
	tasks map[types.ApplicationID]*types.ScoringTask
	now   func() time.Time
}

// New 建立新的任務管理器
func New() *Manager {
	return &Manager{
		tasks: make(map[types.ApplicationID]*types.ScoringTask),
		now:   time.Now,
	}
}

// ============================================================================
// 狀態轉換
// ============================================================================

// Register 為應用建立新的待處理任務
//
// 錯誤處理：
//   - ErrTaskActive: 該應用已有 pending / in_progress / failed 任務
//
// 已結束的任務會被取代，AttemptCount 從零開始
func (m *Manager) Register(id types.ApplicationID) (types.ScoringTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.tasks[id]; ok && t.State.Active() {
		return *t, fmt.Errorf("application %d: %w", id, ErrTaskActive)
	}

	now := m.now()
	t := &types.ScoringTask{
		ApplicationID: id,
		State:         types.TaskPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	m.tasks[id] = t
	return *t, nil
}

// MarkInProgress 將待處理任務標記為執行中並增加嘗試次數
func (m *Manager) MarkInProgress(id types.ApplicationID) (types.ScoringTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return types.ScoringTask{}, ErrTaskNotFound
	}
	if t.State != types.TaskPending {
		return *t, fmt.Errorf("application %d is %s: %w", id, t.State, ErrNotPending)
	}

	t.State = types.TaskInProgress
	t.AttemptCount++
	t.NextRetryAt = nil
	t.UpdatedAt = m.now()
	return *t, nil
}

// MarkCompleted 將執行中任務標記為已完成
func (m *Manager) MarkCompleted(id types.ApplicationID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.inProgress(id)
	if err != nil {
		return err
	}
	t.State = types.TaskCompleted
	t.LastError = ""
	t.NextRetryAt = nil
	t.UpdatedAt = m.now()
	return nil
}

// MarkFailed 記錄失敗並排定下一次重試時間
func (m *Manager) MarkFailed(id types.ApplicationID, cause error, nextRetryAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.inProgress(id)
	if err != nil {
		return err
	}
	t.State = types.TaskFailed
	t.LastError = errString(cause)
	t.NextRetryAt = &nextRetryAt
	t.UpdatedAt = m.now()
	return nil
}

// MarkTerminal 將任務標記為永久失敗（重試耗盡或不可重試的錯誤）
func (m *Manager) MarkTerminal(id types.ApplicationID, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if t.State != types.TaskInProgress && t.State != types.TaskFailed {
		return fmt.Errorf("application %d is %s: %w", id, t.State, ErrNotInProgress)
	}
	t.State = types.TaskFailedTerminal
	t.LastError = errString(cause)
	t.NextRetryAt = nil
	t.UpdatedAt = m.now()
	return nil
}

// Requeue 將等待重試的任務退回待處理
func (m *Manager) Requeue(id types.ApplicationID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if t.State != types.TaskFailed {
		return fmt.Errorf("application %d is %s: %w", id, t.State, ErrNotFailed)
	}
	t.State = types.TaskPending
	t.NextRetryAt = nil
	t.UpdatedAt = m.now()
	return nil
}

func (m *Manager) inProgress(id types.ApplicationID) (*types.ScoringTask, error) {
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if t.State != types.TaskInProgress {
		return nil, fmt.Errorf("application %d is %s: %w", id, t.State, ErrNotInProgress)
	}
	return t, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// ============================================================================
// 查詢方法
// ============================================================================

// Get 取得任務拷貝
func (m *Manager) Get(id types.ApplicationID) (types.ScoringTask, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return types.ScoringTask{}, false
	}
	return *t, true
}

// DueRetries 回傳重試時間已到的任務，最早到期者在前
func (m *Manager) DueRetries(now time.Time) []types.ApplicationID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var due []*types.ScoringTask
	for _, t := range m.tasks {
		if t.State == types.TaskFailed && t.NextRetryAt != nil && !t.NextRetryAt.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextRetryAt.Equal(*due[j].NextRetryAt) {
			return due[i].ApplicationID < due[j].ApplicationID
		}
		return due[i].NextRetryAt.Before(*due[j].NextRetryAt)
	})

	ids := make([]types.ApplicationID, len(due))
	for i, t := range due {
		ids[i] = t.ApplicationID
	}
	return ids
}

// Stats 取得各狀態任務的統計資訊
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var s Stats
	for _, t := range m.tasks {
		switch t.State {
		case types.TaskPending:
			s.Pending++
		case types.TaskInProgress:
			s.InProgress++
		case types.TaskCompleted:
			s.Completed++
		case types.TaskFailed:
			s.Failed++
		case types.TaskFailedTerminal:
			s.FailedTerminal++
		}
	}
	return s
}

// Prune 移除在 olderThan 之前結束的任務，回傳移除數量
func (m *Manager) Prune(olderThan time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, t := range m.tasks {
		if t.State.Active() {
			continue
		}
		if t.UpdatedAt.Before(olderThan) {
			delete(m.tasks, id)
			n++
		}
	}
	return n
}

// ============================================================================
// 快照與恢復
// ============================================================================

// Snapshot 深拷貝所有任務
func (m *Manager) Snapshot() types.TaskSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tasks := make(map[types.ApplicationID]*types.ScoringTask, len(m.tasks))
	for id, t := range m.tasks {
		c := *t
		if t.NextRetryAt != nil {
			at := *t.NextRetryAt
			c.NextRetryAt = &at
		}
		tasks[id] = &c
	}
	return types.TaskSnapshot{Tasks: tasks, SchemaVer: SchemaVersion}
}

// Restore 以快照取代目前狀態
//
// 返回值：
//   - []ApplicationID: 需要重新放入佇列的任務（原 Pending 與 InProgress），依 ID 排序
//
// Failed 任務保留 NextRetryAt，由重試迴圈處理
func (m *Manager) Restore(snap types.TaskSnapshot) []types.ApplicationID {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tasks = make(map[types.ApplicationID]*types.ScoringTask, len(snap.Tasks))
	var pending []types.ApplicationID
	for id, t := range snap.Tasks {
		if t == nil {
			continue
		}
		c := *t
		c.ApplicationID = id
		if c.State == types.TaskInProgress {
			c.State = types.TaskPending
			c.UpdatedAt = m.now()
		}
		if c.State == types.TaskPending {
			pending = append(pending, id)
		}
		m.tasks[id] = &c
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i] < pending[j] })
	return pending
}
