// Package postgres implements the store repositories on PostgreSQL through
// pgx. It reads the tables the web application writes (jobs, applications,
// profiles) and writes scoring results and notifications back.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ChuLiYu/talent-match/internal/scorer"
	"github.com/ChuLiYu/talent-match/internal/store"
	"github.com/ChuLiYu/talent-match/pkg/types"
)

//go:embed schema.sql
var schema string

// Connect opens a pool and verifies it with a ping.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates the tables the engine uses when they are missing.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// ============================================================================
// Jobs
// ============================================================================

type JobStore struct {
	pool *pgxpool.Pool
}

func NewJobStore(pool *pgxpool.Pool) *JobStore {
	return &JobStore{pool: pool}
}

func (r *JobStore) Get(ctx context.Context, id types.JobID) (*types.JobDocument, error) {
	const q = `
SELECT id, title, description, category_id, status, employer_id, created_at
FROM jobs
WHERE id = $1;
`
	job, err := scanJob(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("job %d: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get job %d: %w", id, err)
	}
	return job, nil
}

func (r *JobStore) ListApproved(ctx context.Context) ([]types.JobDocument, error) {
	const q = `
SELECT id, title, description, category_id, status, employer_id, created_at
FROM jobs
WHERE status = 'approved'
ORDER BY created_at DESC, id DESC;
`
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to list approved jobs: %w", err)
	}
	defer rows.Close()

	var out []types.JobDocument
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		out = append(out, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list approved jobs: %w", err)
	}
	return out, nil
}

func (r *JobStore) ApprovedAmong(ctx context.Context, ids []types.JobID) ([]types.JobID, error) {
	if len(ids) == 0 {
		return []types.JobID{}, nil
	}
	raw := make([]int64, len(ids))
	for i, id := range ids {
		raw[i] = int64(id)
	}

	// WITH ORDINALITY keeps the caller's ranking.
	const q = `
SELECT j.id
FROM unnest($1::bigint[]) WITH ORDINALITY AS req(id, pos)
JOIN jobs j ON j.id = req.id
WHERE j.status = 'approved'
ORDER BY req.pos;
`
	rows, err := r.pool.Query(ctx, q, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to filter approved jobs: %w", err)
	}
	defer rows.Close()

	out := make([]types.JobID, 0, len(ids))
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, types.JobID(id))
	}
	return out, rows.Err()
}

func scanJob(row pgx.Row) (*types.JobDocument, error) {
	var (
		job        types.JobDocument
		categoryID *int64
		statusText string
	)
	if err := row.Scan(
		&job.ID,
		&job.Title,
		&job.Description,
		&categoryID, // NULL => nil
		&statusText,
		&job.EmployerID,
		&job.CreatedAt,
	); err != nil {
		return nil, err
	}
	job.CategoryID = categoryID
	job.Status = types.JobStatus(statusText)
	return &job, nil
}

// ============================================================================
// Applications
// ============================================================================

// ApplicationStore reads applications with the candidate profile joined in.
// When CVRoot is set, the stored cv path is resolved under it and the file
// contents are attached to the application.
type ApplicationStore struct {
	pool   *pgxpool.Pool
	cvRoot string
	log    *slog.Logger
}

func NewApplicationStore(pool *pgxpool.Pool, cvRoot string, logger *slog.Logger) *ApplicationStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ApplicationStore{pool: pool, cvRoot: cvRoot, log: logger}
}

func (r *ApplicationStore) Get(ctx context.Context, id types.ApplicationID) (*types.Application, error) {
	const q = `
SELECT a.id, a.job_id, a.user_id,
       COALESCE(a.cv, ''), COALESCE(a.cv_text, ''),
       a.match_score, a.skills_extracted, a.score_computed_at, a.applied_at,
       p.user_id IS NOT NULL,
       COALESCE(p.first_name, ''), COALESCE(p.last_name, ''), COALESCE(p.bio, ''),
       COALESCE((
           SELECT array_agg(s.name ORDER BY s.name)
           FROM profiles_skills ps
           JOIN skills s ON s.id = ps.skill_id
           WHERE ps.profile_id = a.user_id
       ), '{}')
FROM applications a
LEFT JOIN profiles p ON p.user_id = a.user_id
WHERE a.id = $1;
`
	var (
		app        types.Application
		cvPath     string
		score      *float64
		skillsJSON []byte
		computedAt *time.Time
		hasProfile bool
		profile    types.CandidateProfile
	)
	if err := r.pool.QueryRow(ctx, q, id).Scan(
		&app.ID,
		&app.JobID,
		&app.CandidateID,
		&cvPath,
		&app.CVText,
		&score,
		&skillsJSON,
		&computedAt,
		&app.AppliedAt,
		&hasProfile,
		&profile.FirstName,
		&profile.LastName,
		&profile.Bio,
		&profile.Skills,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("application %d: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get application %d: %w", id, err)
	}

	if hasProfile {
		app.Profile = &profile
	}
	if computedAt != nil {
		res := types.MatchResult{ComputedAt: *computedAt}
		if score != nil {
			res.Score = *score
		}
		if len(skillsJSON) > 0 {
			if err := json.Unmarshal(skillsJSON, &res.SkillsExtracted); err != nil {
				return nil, fmt.Errorf("failed to decode skills of application %d: %w", id, err)
			}
		}
		app.Result = &res
	}
	if cvPath != "" && r.cvRoot != "" {
		cv, err := r.readCV(cvPath)
		if err != nil {
			// the profile fallback still applies
			r.log.WarnContext(ctx, "CV file unreadable", "application_id", id, "path", cvPath, "error", err)
		} else {
			app.CV = cv
		}
	}
	return &app, nil
}

// readCV loads a stored CV. Files over types.MaxCVBytes are returned with
// their size and no data, so the caller can reject them unread.
func (r *ApplicationStore) readCV(rel string) (*types.CVFile, error) {
	full := filepath.Join(r.cvRoot, filepath.Clean("/"+rel))
	f, err := os.Open(full)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	cv := &types.CVFile{
		Name:     filepath.Base(rel),
		MimeType: mime.TypeByExtension(filepath.Ext(rel)),
		Size:     info.Size(),
	}
	if cv.Oversize() {
		return cv, nil
	}

	// the file may grow between Stat and Read
	data, err := io.ReadAll(io.LimitReader(f, types.MaxCVBytes+1))
	if err != nil {
		return nil, err
	}
	cv.Size = int64(len(data))
	if cv.Oversize() {
		return cv, nil
	}
	cv.Data = data
	return cv, nil
}

func (r *ApplicationStore) SaveResult(ctx context.Context, id types.ApplicationID, result types.MatchResult) error {
	skills := result.SkillsExtracted
	if skills == nil {
		skills = types.SkillSet{}
	}
	skillsJSON, err := json.Marshal(skills)
	if err != nil {
		return fmt.Errorf("failed to marshal skills: %w", err)
	}

	const q = `
UPDATE applications
SET match_score = $2, skills_extracted = $3, score_computed_at = $4
WHERE id = $1;
`
	tag, err := r.pool.Exec(ctx, q, id, result.Score, skillsJSON, result.ComputedAt)
	if err != nil {
		return fmt.Errorf("failed to save result of application %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("application %d: %w", id, store.ErrNotFound)
	}
	return nil
}

func (r *ApplicationStore) ClearResult(ctx context.Context, id types.ApplicationID) error {
	const q = `
UPDATE applications
SET match_score = NULL, skills_extracted = NULL, score_computed_at = NULL
WHERE id = $1;
`
	tag, err := r.pool.Exec(ctx, q, id)
	if err != nil {
		return fmt.Errorf("failed to clear result of application %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("application %d: %w", id, store.ErrNotFound)
	}
	return nil
}

func (r *ApplicationStore) ListUnscored(ctx context.Context, appliedBefore time.Time, limit int) ([]types.ApplicationID, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	const q = `
SELECT id
FROM applications
WHERE score_computed_at IS NULL AND applied_at < $1
ORDER BY applied_at, id
LIMIT $2;
`
	rows, err := r.pool.Query(ctx, q, appliedBefore, lim)
	if err != nil {
		return nil, fmt.Errorf("failed to list unscored applications: %w", err)
	}
	defer rows.Close()

	var ids []types.ApplicationID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, types.ApplicationID(id))
	}
	return ids, rows.Err()
}

func (r *ApplicationStore) ScoreStats(ctx context.Context) (store.ScoreStats, error) {
	const q = `
SELECT count(*),
       count(*) FILTER (WHERE score_computed_at IS NOT NULL),
       COALESCE(avg(match_score) FILTER (WHERE score_computed_at IS NOT NULL), 0),
       COALESCE(max(match_score) FILTER (WHERE score_computed_at IS NOT NULL), 0),
       COALESCE(min(match_score) FILTER (WHERE score_computed_at IS NOT NULL), 0),
       count(*) FILTER (WHERE score_computed_at IS NOT NULL AND match_score >= $1),
       count(*) FILTER (WHERE score_computed_at IS NOT NULL AND match_score >= $2 AND match_score < $1),
       count(*) FILTER (WHERE score_computed_at IS NOT NULL AND match_score < $2)
FROM applications;
`
	var st store.ScoreStats
	if err := r.pool.QueryRow(ctx, q, scorer.HighThreshold, scorer.MediumThreshold).Scan(
		&st.Total,
		&st.Processed,
		&st.Average,
		&st.Max,
		&st.Min,
		&st.High,
		&st.Medium,
		&st.Low,
	); err != nil {
		return store.ScoreStats{}, fmt.Errorf("failed to aggregate scores: %w", err)
	}
	st.Pending = st.Total - st.Processed
	st.Average = scorer.Round2(st.Average)
	return st, nil
}

// ============================================================================
// Notifications
// ============================================================================

// NotificationSink inserts notifications for the web application to show.
type NotificationSink struct {
	pool *pgxpool.Pool
}

func NewNotificationSink(pool *pgxpool.Pool) *NotificationSink {
	return &NotificationSink{pool: pool}
}

func (s *NotificationSink) Notify(ctx context.Context, n types.Notification) error {
	const q = `
INSERT INTO notifications (uid, recipient_id, kind, message, link, created_at)
VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
ON CONFLICT (uid) DO NOTHING;
`
	if _, err := s.pool.Exec(ctx, q, n.ID, n.RecipientID, string(n.Kind), n.Message, n.Link, n.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}
