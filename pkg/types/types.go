package types

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// 識別碼
// ============================================================================

// ApplicationID 應用（投遞）唯一識別碼，同時作為評分任務的冪等鍵
type ApplicationID int64

// JobID 職缺唯一識別碼
type JobID int64

// UserID 使用者識別碼（求職者或雇主）
type UserID int64

// ============================================================================
// 技能集合
// ============================================================================

// SkillSet 正規化後（小寫、去空白、去重）的技能集合，保持排序以確保輸出穩定
type SkillSet []string

// NewSkillSet 由任意字串建立 SkillSet，空字串會被忽略
func NewSkillSet(items ...string) SkillSet {
	seen := make(map[string]struct{}, len(items))
	out := make(SkillSet, 0, len(items))
	for _, it := range items {
		s := strings.ToLower(strings.TrimSpace(it))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Len 回傳技能數量
func (s SkillSet) Len() int { return len(s) }

// Contains 檢查技能是否存在（輸入需已正規化）
func (s SkillSet) Contains(skill string) bool {
	i := sort.SearchStrings(s, skill)
	return i < len(s) && s[i] == skill
}

// ============================================================================
// 職缺與應用
// ============================================================================

// JobStatus 職缺審核狀態
type JobStatus string

const (
	JobDraft    JobStatus = "draft"
	JobPending  JobStatus = "pending"
	JobApproved JobStatus = "approved"
	JobRejected JobStatus = "rejected"
)

// JobDocument 職缺內容，只有 approved 狀態參與評分與推薦
type JobDocument struct {
	ID          JobID     `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	CategoryID  *int64    `json:"category_id,omitempty"`
	Status      JobStatus `json:"status"`
	EmployerID  UserID    `json:"employer_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// Approved 是否為已審核職缺
func (j *JobDocument) Approved() bool {
	return j != nil && j.Status == JobApproved
}

// MatchResult 評分結果，ComputedAt 非零代表已完成計算
type MatchResult struct {
	Score           float64   `json:"score"`
	SkillsExtracted SkillSet  `json:"skills_extracted"`
	ComputedAt      time.Time `json:"computed_at"`
}

// Completed 是否為已完成的評分結果
func (r *MatchResult) Completed() bool {
	return r != nil && !r.ComputedAt.IsZero()
}

// CandidateProfile 求職者個人檔案
type CandidateProfile struct {
	FirstName string   `json:"first_name"`
	LastName  string   `json:"last_name"`
	Bio       string   `json:"bio"`
	Skills    []string `json:"skills"`
}

// Text 將個人檔案組合為可供技能萃取的文字
func (p *CandidateProfile) Text() string {
	if p == nil {
		return ""
	}
	parts := []string{strings.TrimSpace(p.FirstName + " " + p.LastName), p.Bio}
	if len(p.Skills) > 0 {
		parts = append(parts, strings.Join(p.Skills, ", "))
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

// MaxCVBytes 可接受評分的 CV 檔案或文字大小上限
const MaxCVBytes = 10 << 20

// CVFile 上傳的履歷原始檔案
//
// Size 為來源大小；超過 MaxCVBytes 時不讀取內容，Data 為空
type CVFile struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
	Data     []byte `json:"-"`
}

// Oversize 檔案是否超過 MaxCVBytes
func (f *CVFile) Oversize() bool {
	return f.Size > MaxCVBytes || len(f.Data) > MaxCVBytes
}

// Application 求職者對某職缺的投遞
type Application struct {
	ID          ApplicationID     `json:"id"`
	JobID       JobID             `json:"job_id"`
	CandidateID UserID            `json:"candidate_id"`
	CV          *CVFile           `json:"cv,omitempty"`
	CVText      string            `json:"cv_text,omitempty"`
	Profile     *CandidateProfile `json:"profile,omitempty"`
	Result      *MatchResult      `json:"result,omitempty"`
	AppliedAt   time.Time         `json:"applied_at"`
}

// ============================================================================
// 評分任務
// ============================================================================

// TaskState 評分任務狀態
type TaskState string

const (
	TaskPending        TaskState = "pending"
	TaskInProgress     TaskState = "in_progress"
	TaskCompleted      TaskState = "completed"
	TaskFailed         TaskState = "failed"
	TaskFailedTerminal TaskState = "failed_terminal"
)

// Active 任務是否仍在處理週期中（pending / in_progress / failed 等待重試）
func (s TaskState) Active() bool {
	return s == TaskPending || s == TaskInProgress || s == TaskFailed
}

// ScoringTask 單一應用的評分任務
type ScoringTask struct {
	ApplicationID ApplicationID `json:"application_id"`
	State         TaskState     `json:"state"`
	AttemptCount  int           `json:"attempt_count"`
	NextRetryAt   *time.Time    `json:"next_retry_at,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// TaskSnapshot 任務管理器快照
type TaskSnapshot struct {
	Tasks     map[ApplicationID]*ScoringTask `json:"tasks"`
	SchemaVer int                            `json:"schema_version"`
}

// ============================================================================
// 通知
// ============================================================================

// NotificationKind 通知類型
type NotificationKind string

const (
	NotifyScoringComplete NotificationKind = "scoring_complete"
	NotifyHighMatch       NotificationKind = "high_match"
	NotifyManualReview    NotificationKind = "manual_review"
)

// Notification 發送給使用者的通知事件
type Notification struct {
	ID          uuid.UUID        `json:"id"`
	RecipientID UserID           `json:"recipient_id"`
	Kind        NotificationKind `json:"kind"`
	Message     string           `json:"message"`
	Link        string           `json:"link"`
	CreatedAt   time.Time        `json:"created_at"`
}
