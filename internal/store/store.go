// Package store declares the repository contracts the engine reads and
// writes through. Implementations live in the memory and postgres
// subpackages.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ChuLiYu/talent-match/pkg/types"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// JobRepository is read-only access to job postings.
type JobRepository interface {
	Get(ctx context.Context, id types.JobID) (*types.JobDocument, error)
	// ListApproved returns approved jobs, most recently created first.
	ListApproved(ctx context.Context) ([]types.JobDocument, error)
	// ApprovedAmong returns the subset of ids that are approved, keeping
	// the input order.
	ApprovedAmong(ctx context.Context, ids []types.JobID) ([]types.JobID, error)
}

// ApplicationRepository reads applications and persists scoring output.
type ApplicationRepository interface {
	Get(ctx context.Context, id types.ApplicationID) (*types.Application, error)
	SaveResult(ctx context.Context, id types.ApplicationID, result types.MatchResult) error
	ClearResult(ctx context.Context, id types.ApplicationID) error
	// ListUnscored returns applications without a result that were
	// submitted before appliedBefore, oldest first.
	ListUnscored(ctx context.Context, appliedBefore time.Time, limit int) ([]types.ApplicationID, error)
	// ScoreStats aggregates stored scores for reporting.
	ScoreStats(ctx context.Context) (ScoreStats, error)
}

// ScoreStats summarises application scoring. Buckets follow
// scorer.BucketOf: high >= 4.0, medium >= 2.5, low below.
type ScoreStats struct {
	Total     int     `json:"total_applications"`
	Processed int     `json:"processed_applications"`
	Pending   int     `json:"pending_applications"`
	Average   float64 `json:"average_score"`
	Max       float64 `json:"max_score"`
	Min       float64 `json:"min_score"`
	High      int     `json:"high_matches"`
	Medium    int     `json:"medium_matches"`
	Low       int     `json:"low_matches"`
}

// ProcessingRate is the share of processed applications as a percentage.
func (s ScoreStats) ProcessingRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Processed) / float64(s.Total) * 100
}
