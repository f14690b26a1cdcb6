package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/talent-match/internal/notify"
	"github.com/ChuLiYu/talent-match/internal/scorer"
	"github.com/ChuLiYu/talent-match/internal/skills"
	"github.com/ChuLiYu/talent-match/internal/store"
	"github.com/ChuLiYu/talent-match/internal/textextract"
	"github.com/ChuLiYu/talent-match/internal/worker"
	"github.com/ChuLiYu/talent-match/pkg/types"
)

// MaxInputBytes bounds CV bytes and stored CV text accepted for scoring.
const MaxInputBytes = types.MaxCVBytes

var (
	// ErrInputTooLarge CV 超過大小上限，不重試
	ErrInputTooLarge = errors.New("cv input exceeds size limit")
	// ErrJobUnavailable 職缺不存在或未審核，不重試
	ErrJobUnavailable = errors.New("job unavailable for scoring")
)

// Executor 執行單一應用的評分嘗試
//
// 流程：載入應用 → 冪等檢查 → 載入職缺 → 取得 CV 文字 → 萃取技能 → 評分 → 儲存 → 通知
//
// 只回傳結果分類，重試與退避由排程器決定
type Executor struct {
	jobs      store.JobRepository
	apps      store.ApplicationRepository
	extractor textextract.Extractor
	scorer    *scorer.Scorer
	sink      notify.Sink
	log       *slog.Logger
	now       func() time.Time
}

// NewExecutor 建立 Executor；extractor、scorer、sink、logger 為 nil 時使用預設值
func NewExecutor(jobs store.JobRepository, apps store.ApplicationRepository, extractor textextract.Extractor, sc *scorer.Scorer, sink notify.Sink, logger *slog.Logger) *Executor {
	if extractor == nil {
		extractor = textextract.NewPlain()
	}
	if sc == nil {
		sc = scorer.Default()
	}
	if sink == nil {
		sink = notify.NewLogSink(logger)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		jobs:      jobs,
		apps:      apps,
		extractor: extractor,
		scorer:    sc,
		sink:      sink,
		log:       logger,
		now:       time.Now,
	}
}

var _ worker.Executor = (*Executor)(nil)

func (e *Executor) Execute(ctx context.Context, id types.ApplicationID, attempt int) worker.Result {
	app, err := e.apps.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return worker.Terminal(err)
		}
		return worker.Retryable(fmt.Errorf("load application: %w", err))
	}

	// 冪等檢查：已有結果則直接完成，不重複通知
	if app.Result.Completed() {
		res := worker.Completed(*app.Result)
		res.Skipped = true
		return res
	}

	job, err := e.jobs.Get(ctx, app.JobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return worker.Terminal(fmt.Errorf("job %d: %w", app.JobID, errors.Join(ErrJobUnavailable, err)))
		}
		return worker.Retryable(fmt.Errorf("load job: %w", err))
	}
	if !job.Approved() {
		return worker.Terminal(fmt.Errorf("job %d is %s: %w", job.ID, job.Status, ErrJobUnavailable))
	}

	text, err := e.sourceText(ctx, app)
	if err != nil {
		return worker.Terminal(err)
	}

	candidate := e.candidateSkills(text, app.Profile)
	result := types.MatchResult{
		Score:           e.scorer.Score(candidate, job.Title, job.Description),
		SkillsExtracted: candidate,
		ComputedAt:      e.now().UTC(),
	}

	if err := e.apps.SaveResult(ctx, id, result); err != nil {
		return worker.Retryable(fmt.Errorf("save result: %w", err))
	}

	e.log.InfoContext(ctx, "Application scored",
		"application_id", id,
		"job_id", job.ID,
		"attempt", attempt,
		"score", result.Score,
		"skills", len(candidate))

	e.notifyScored(ctx, app, job, result.Score)
	return worker.Completed(result)
}

// sourceText 取得 CV 文字：優先使用已存的 CVText，否則解析上傳檔案
//
// 檔案解析失敗時降級為空字串，由個人檔案補上
func (e *Executor) sourceText(ctx context.Context, app *types.Application) (string, error) {
	if app.CVText != "" {
		if len(app.CVText) > MaxInputBytes {
			return "", fmt.Errorf("cv text of application %d is %d bytes: %w", app.ID, len(app.CVText), ErrInputTooLarge)
		}
		return app.CVText, nil
	}
	if app.CV == nil {
		return "", nil
	}
	if app.CV.Oversize() {
		return "", fmt.Errorf("cv file of application %d is %d bytes: %w",
			app.ID, max(app.CV.Size, int64(len(app.CV.Data))), ErrInputTooLarge)
	}
	if len(app.CV.Data) == 0 {
		return "", nil
	}

	text, err := e.extractor.Extract(ctx, app.CV.Data, app.CV.MimeType)
	if err != nil {
		e.log.WarnContext(ctx, "CV text extraction failed",
			"application_id", app.ID,
			"file", app.CV.Name,
			"error", err)
		return "", nil
	}
	return text, nil
}

// candidateSkills 由 CV 萃取技能；文字過短時改用個人檔案
func (e *Executor) candidateSkills(text string, profile *types.CandidateProfile) types.SkillSet {
	ex := e.scorer.Extractor()
	found, err := ex.ExtractFromCV(text)
	if err == nil {
		return found
	}
	if !errors.Is(err, skills.ErrTextTooShort) {
		return types.SkillSet{}
	}
	if profile == nil {
		return types.SkillSet{}
	}
	return ex.Extract(profile.Text())
}

// ============================================================================
// 通知
// ============================================================================

func (e *Executor) notifyScored(ctx context.Context, app *types.Application, job *types.JobDocument, score float64) {
	e.send(ctx, notify.New(job.EmployerID, types.NotifyScoringComplete,
		fmt.Sprintf("Application #%d for %q was scored %.2f/5.0 (%.0f%% match)", app.ID, job.Title, score, scorer.MatchPercentage(score)),
		employerLink(job.ID)))

	if score >= scorer.HighMatchThreshold {
		e.send(ctx, notify.New(app.CandidateID, types.NotifyHighMatch,
			fmt.Sprintf("Your CV is a strong match for %q (%.2f/5.0)", job.Title, score),
			"/my-applications"))
	}
}

// NotifyManualReview 通知雇主該應用需要人工審核；找不到職缺時只記錄日誌
func (e *Executor) NotifyManualReview(ctx context.Context, id types.ApplicationID, cause error) {
	app, err := e.apps.Get(ctx, id)
	if err != nil {
		e.log.ErrorContext(ctx, "Manual review needed, application unavailable", "application_id", id, "cause", cause, "error", err)
		return
	}
	job, err := e.jobs.Get(ctx, app.JobID)
	if err != nil {
		e.log.ErrorContext(ctx, "Manual review needed, job unavailable", "application_id", id, "job_id", app.JobID, "cause", cause, "error", err)
		return
	}
	e.send(ctx, notify.New(job.EmployerID, types.NotifyManualReview,
		fmt.Sprintf("Automatic scoring failed for application #%d to %q and needs manual review", id, job.Title),
		employerLink(job.ID)))
}

func (e *Executor) send(ctx context.Context, n types.Notification) {
	if err := e.sink.Notify(ctx, n); err != nil {
		e.log.WarnContext(ctx, "Notification failed",
			"recipient_id", n.RecipientID,
			"kind", n.Kind,
			"error", err)
	}
}

func employerLink(id types.JobID) string {
	return fmt.Sprintf("/employer/jobs/%d/applicants", id)
}
