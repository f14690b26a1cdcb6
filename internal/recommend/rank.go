package recommend

import (
	"context"
	"fmt"
	"sort"

	"github.com/ChuLiYu/talent-match/internal/scorer"
	"github.com/ChuLiYu/talent-match/internal/store"
	"github.com/ChuLiYu/talent-match/pkg/types"
)

// Ranking defaults for CV-driven job suggestions.
const (
	DefaultRankLimit = 10
	MinRankScore     = 1.0
)

// JobMatch is one job suggested for a CV.
type JobMatch struct {
	Job             types.JobDocument `json:"job"`
	Score           float64           `json:"score"`
	MatchPercentage float64           `json:"match_percentage"`
}

// Ranker scores a CV against every approved job.
type Ranker struct {
	jobs   store.JobRepository
	scorer *scorer.Scorer
}

// NewRanker returns a ranker; a nil scorer uses the default weights.
func NewRanker(jobs store.JobRepository, sc *scorer.Scorer) *Ranker {
	if sc == nil {
		sc = scorer.Default()
	}
	return &Ranker{jobs: jobs, scorer: sc}
}

// Rank returns jobs scoring above MinRankScore, best first, at most limit.
// The skills found in the CV are returned alongside.
func (r *Ranker) Rank(ctx context.Context, cvText string, limit int) ([]JobMatch, types.SkillSet, error) {
	if limit <= 0 {
		limit = DefaultRankLimit
	}
	cvSkills := r.scorer.Extractor().Extract(cvText)
	if cvSkills.Len() == 0 {
		return []JobMatch{}, cvSkills, nil
	}

	jobs, err := r.jobs.ListApproved(ctx)
	if err != nil {
		return nil, cvSkills, fmt.Errorf("failed to list approved jobs: %w", err)
	}

	matches := make([]JobMatch, 0, len(jobs))
	for _, j := range jobs {
		s := r.scorer.Score(cvSkills, j.Title, j.Description)
		if s <= MinRankScore {
			continue
		}
		matches = append(matches, JobMatch{Job: j, Score: s, MatchPercentage: scorer.MatchPercentage(s)})
	}
	sort.SliceStable(matches, func(a, b int) bool { return matches[a].Score > matches[b].Score })
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, cvSkills, nil
}
