package pipeline

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/talent-match/internal/notify"
	"github.com/ChuLiYu/talent-match/internal/notify/notifytest"
	"github.com/ChuLiYu/talent-match/internal/scorer"
	"github.com/ChuLiYu/talent-match/internal/store"
	"github.com/ChuLiYu/talent-match/internal/store/memory"
	"github.com/ChuLiYu/talent-match/internal/worker"
	"github.com/ChuLiYu/talent-match/pkg/types"
)

const (
	employerID  types.UserID = 100
	candidateID types.UserID = 7
)

var appliedAt = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func testJobs() *memory.JobStore {
	return memory.NewJobStore(
		types.JobDocument{
			ID:          1,
			Title:       "Senior Python Developer",
			Description: "Needs Django and PostgreSQL, 3 years experience",
			Status:      types.JobApproved,
			EmployerID:  employerID,
			CreatedAt:   appliedAt.Add(-48 * time.Hour),
		},
		types.JobDocument{
			ID:          2,
			Title:       "Marketing Manager",
			Description: "Social media campaigns, SEO, content creation",
			Status:      types.JobApproved,
			EmployerID:  employerID,
			CreatedAt:   appliedAt.Add(-24 * time.Hour),
		},
		types.JobDocument{
			ID:          3,
			Title:       "Closed role",
			Description: "Python",
			Status:      types.JobRejected,
			EmployerID:  employerID,
		},
	)
}

func application(id types.ApplicationID, job types.JobID, cvText string) types.Application {
	return types.Application{
		ID:          id,
		JobID:       job,
		CandidateID: candidateID,
		CVText:      cvText,
		AppliedAt:   appliedAt,
	}
}

const strongCV = "Backend engineer: Python, Django and PostgreSQL on Linux for five years"

type failingSink struct{}

func (failingSink) Notify(context.Context, types.Notification) error {
	return errors.New("sink down")
}

type failingExtractor struct{}

func (failingExtractor) Extract(context.Context, []byte, string) (string, error) {
	return "", errors.New("corrupt file")
}

func newTestExecutor(apps store.ApplicationRepository, sink notify.Sink) *Executor {
	e := NewExecutor(testJobs(), apps, nil, nil, sink, nil)
	e.now = func() time.Time { return appliedAt.Add(time.Minute) }
	return e
}

func TestExecutor_ScoresAndNotifies(t *testing.T) {
	ctx := context.Background()
	apps := memory.NewApplicationStore(application(1, 1, strongCV))
	rec := &notifytest.Recorder{}
	e := newTestExecutor(apps, rec)

	res := e.Execute(ctx, 1, 1)
	require.Equal(t, worker.OutcomeCompleted, res.Outcome, "err: %v", res.Err)
	require.NotNil(t, res.Result)
	assert.False(t, res.Skipped)
	assert.GreaterOrEqual(t, res.Result.Score, scorer.HighMatchThreshold)
	assert.True(t, res.Result.SkillsExtracted.Contains("python"))
	assert.True(t, res.Result.SkillsExtracted.Contains("django"))

	stored, err := apps.Get(ctx, 1)
	require.NoError(t, err)
	require.True(t, stored.Result.Completed())
	assert.Equal(t, res.Result.Score, stored.Result.Score)

	complete := rec.OfKind(types.NotifyScoringComplete)
	require.Len(t, complete, 1)
	assert.Equal(t, employerID, complete[0].RecipientID)
	assert.Equal(t, "/employer/jobs/1/applicants", complete[0].Link)

	high := rec.OfKind(types.NotifyHighMatch)
	require.Len(t, high, 1)
	assert.Equal(t, candidateID, high[0].RecipientID)
	assert.Equal(t, "/my-applications", high[0].Link)
}

func TestExecutor_LowScoreSendsOnlyCompletion(t *testing.T) {
	apps := memory.NewApplicationStore(application(1, 2, "Python developer with Django experience"))
	rec := &notifytest.Recorder{}

	res := newTestExecutor(apps, rec).Execute(context.Background(), 1, 1)
	require.Equal(t, worker.OutcomeCompleted, res.Outcome)
	assert.Equal(t, 0.0, res.Result.Score)
	assert.Len(t, rec.OfKind(types.NotifyScoringComplete), 1)
	assert.Empty(t, rec.OfKind(types.NotifyHighMatch))
}

func TestExecutor_IdempotencyGuard(t *testing.T) {
	ctx := context.Background()
	app := application(1, 1, strongCV)
	prior := types.MatchResult{Score: 2.75, SkillsExtracted: types.NewSkillSet("python"), ComputedAt: appliedAt}
	app.Result = &prior
	apps := memory.NewApplicationStore(app)
	rec := &notifytest.Recorder{}

	res := newTestExecutor(apps, rec).Execute(ctx, 1, 1)
	require.Equal(t, worker.OutcomeCompleted, res.Outcome)
	assert.True(t, res.Skipped)
	assert.Equal(t, 2.75, res.Result.Score)
	assert.Empty(t, rec.Sent())

	stored, err := apps.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, prior, *stored.Result)
}

func TestExecutor_TerminalFailures(t *testing.T) {
	big := bytes.Repeat([]byte("a"), MaxInputBytes+1)

	tests := []struct {
		name    string
		app     types.Application
		wantErr error
	}{
		{
			name:    "missing job",
			app:     application(1, 99, strongCV),
			wantErr: ErrJobUnavailable,
		},
		{
			name:    "unapproved job",
			app:     application(1, 3, strongCV),
			wantErr: ErrJobUnavailable,
		},
		{
			name: "cv file too large",
			app: func() types.Application {
				a := application(1, 1, "")
				a.CV = &types.CVFile{Name: "cv.txt", MimeType: "text/plain", Data: big}
				return a
			}(),
			wantErr: ErrInputTooLarge,
		},
		{
			name: "cv file left unread for size",
			app: func() types.Application {
				a := application(1, 1, "")
				a.CV = &types.CVFile{Name: "cv.txt", MimeType: "text/plain", Size: MaxInputBytes + 1}
				return a
			}(),
			wantErr: ErrInputTooLarge,
		},
		{
			name:    "cv text too large",
			app:     application(1, 1, string(big)),
			wantErr: ErrInputTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			apps := memory.NewApplicationStore(tt.app)
			rec := &notifytest.Recorder{}
			res := newTestExecutor(apps, rec).Execute(context.Background(), 1, 1)

			assert.Equal(t, worker.OutcomeTerminal, res.Outcome)
			assert.ErrorIs(t, res.Err, tt.wantErr)
			assert.Empty(t, rec.Sent())

			stored, err := apps.Get(context.Background(), 1)
			require.NoError(t, err)
			assert.Nil(t, stored.Result)
		})
	}
}

func TestExecutor_MissingApplication(t *testing.T) {
	res := newTestExecutor(memory.NewApplicationStore(), &notifytest.Recorder{}).Execute(context.Background(), 5, 1)
	assert.Equal(t, worker.OutcomeTerminal, res.Outcome)
	assert.ErrorIs(t, res.Err, store.ErrNotFound)
}

func TestExecutor_SaveFailureIsRetryable(t *testing.T) {
	apps := &flakyApps{ApplicationStore: memory.NewApplicationStore(application(1, 1, strongCV)), failures: 1}
	rec := &notifytest.Recorder{}

	res := newTestExecutor(apps, rec).Execute(context.Background(), 1, 1)
	assert.Equal(t, worker.OutcomeRetryable, res.Outcome)
	assert.ErrorIs(t, res.Err, errTransient)
	assert.Empty(t, rec.Sent())
}

func TestExecutor_ProfileFallback(t *testing.T) {
	profile := &types.CandidateProfile{
		FirstName: "An",
		LastName:  "Tran",
		Bio:       "Backend developer",
		Skills:    []string{"Python", "Django", "PostgreSQL"},
	}

	tests := []struct {
		name string
		app  types.Application
	}{
		{
			name: "short cv text",
			app:  application(1, 1, "CV"),
		},
		{
			name: "no cv at all",
			app:  application(1, 1, ""),
		},
		{
			name: "unsupported file type",
			app: func() types.Application {
				a := application(1, 1, "")
				a.CV = &types.CVFile{Name: "cv.pdf", MimeType: "application/pdf", Data: []byte("%PDF-1.7")}
				return a
			}(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := tt.app
			app.Profile = profile
			res := newTestExecutor(memory.NewApplicationStore(app), &notifytest.Recorder{}).Execute(context.Background(), 1, 1)

			require.Equal(t, worker.OutcomeCompleted, res.Outcome)
			assert.True(t, res.Result.SkillsExtracted.Contains("python"))
			assert.True(t, res.Result.SkillsExtracted.Contains("postgresql"))
			assert.Greater(t, res.Result.Score, 0.0)
		})
	}

	t.Run("extractor error without profile", func(t *testing.T) {
		app := application(1, 1, "")
		app.CV = &types.CVFile{Name: "cv.txt", MimeType: "text/plain", Data: []byte("Python Django PostgreSQL")}
		e := NewExecutor(testJobs(), memory.NewApplicationStore(app), failingExtractor{}, nil, &notifytest.Recorder{}, nil)

		res := e.Execute(context.Background(), 1, 1)
		require.Equal(t, worker.OutcomeCompleted, res.Outcome)
		assert.Empty(t, res.Result.SkillsExtracted)
		assert.Equal(t, 0.0, res.Result.Score)
	})
}

func TestExecutor_NotificationErrorsIgnored(t *testing.T) {
	apps := memory.NewApplicationStore(application(1, 1, strongCV))
	res := newTestExecutor(apps, failingSink{}).Execute(context.Background(), 1, 1)
	assert.Equal(t, worker.OutcomeCompleted, res.Outcome)
}

func TestExecutor_NotifyManualReview(t *testing.T) {
	apps := memory.NewApplicationStore(application(1, 1, strongCV))
	rec := &notifytest.Recorder{}
	e := newTestExecutor(apps, rec)

	e.NotifyManualReview(context.Background(), 1, errors.New("boom"))
	sent := rec.OfKind(types.NotifyManualReview)
	require.Len(t, sent, 1)
	assert.Equal(t, employerID, sent[0].RecipientID)
	assert.Equal(t, "/employer/jobs/1/applicants", sent[0].Link)

	// unknown application is only logged
	e.NotifyManualReview(context.Background(), 42, errors.New("boom"))
	assert.Len(t, rec.Sent(), 1)
}
