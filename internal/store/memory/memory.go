// Package memory provides in-process repositories used by tests, the
// inline CLI commands and single-node development runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/talent-match/internal/scorer"
	"github.com/ChuLiYu/talent-match/internal/store"
	"github.com/ChuLiYu/talent-match/pkg/types"
)

// JobStore is a map-backed store.JobRepository.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[types.JobID]types.JobDocument
}

// NewJobStore returns a store seeded with jobs.
func NewJobStore(jobs ...types.JobDocument) *JobStore {
	s := &JobStore{jobs: make(map[types.JobID]types.JobDocument, len(jobs))}
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
	return s
}

// Put inserts or replaces a job.
func (s *JobStore) Put(job types.JobDocument) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
}

func (s *JobStore) Get(_ context.Context, id types.JobID) (*types.JobDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %d: %w", id, store.ErrNotFound)
	}
	return &j, nil
}

func (s *JobStore) ListApproved(_ context.Context) ([]types.JobDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.JobDocument, 0, len(s.jobs))
	for _, j := range s.jobs {
		if j.Approved() {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID > out[b].ID
		}
		return out[a].CreatedAt.After(out[b].CreatedAt)
	})
	return out, nil
}

func (s *JobStore) ApprovedAmong(_ context.Context, ids []types.JobID) ([]types.JobID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.JobID, 0, len(ids))
	for _, id := range ids {
		if j, ok := s.jobs[id]; ok && j.Approved() {
			out = append(out, id)
		}
	}
	return out, nil
}

// ApplicationStore is a map-backed store.ApplicationRepository.
type ApplicationStore struct {
	mu   sync.RWMutex
	apps map[types.ApplicationID]types.Application
}

// NewApplicationStore returns a store seeded with apps.
func NewApplicationStore(apps ...types.Application) *ApplicationStore {
	s := &ApplicationStore{apps: make(map[types.ApplicationID]types.Application, len(apps))}
	for _, a := range apps {
		s.apps[a.ID] = a
	}
	return s
}

// Put inserts or replaces an application.
func (s *ApplicationStore) Put(app types.Application) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apps[app.ID] = app
}

func (s *ApplicationStore) Get(_ context.Context, id types.ApplicationID) (*types.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.apps[id]
	if !ok {
		return nil, fmt.Errorf("application %d: %w", id, store.ErrNotFound)
	}
	if a.Result != nil {
		r := *a.Result
		a.Result = &r
	}
	return &a, nil
}

func (s *ApplicationStore) SaveResult(_ context.Context, id types.ApplicationID, result types.MatchResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.apps[id]
	if !ok {
		return fmt.Errorf("application %d: %w", id, store.ErrNotFound)
	}
	a.Result = &result
	s.apps[id] = a
	return nil
}

func (s *ApplicationStore) ClearResult(_ context.Context, id types.ApplicationID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.apps[id]
	if !ok {
		return fmt.Errorf("application %d: %w", id, store.ErrNotFound)
	}
	a.Result = nil
	s.apps[id] = a
	return nil
}

func (s *ApplicationStore) ListUnscored(_ context.Context, appliedBefore time.Time, limit int) ([]types.ApplicationID, error) {
	s.mu.RLock()
	var pending []types.Application
	for _, a := range s.apps {
		if !a.Result.Completed() && a.AppliedAt.Before(appliedBefore) {
			pending = append(pending, a)
		}
	}
	s.mu.RUnlock()

	sort.Slice(pending, func(i, j int) bool {
		if pending[i].AppliedAt.Equal(pending[j].AppliedAt) {
			return pending[i].ID < pending[j].ID
		}
		return pending[i].AppliedAt.Before(pending[j].AppliedAt)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	ids := make([]types.ApplicationID, len(pending))
	for i, a := range pending {
		ids[i] = a.ID
	}
	return ids, nil
}

func (s *ApplicationStore) ScoreStats(_ context.Context) (store.ScoreStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st store.ScoreStats
	var sum float64
	st.Total = len(s.apps)
	for _, a := range s.apps {
		if !a.Result.Completed() {
			continue
		}
		score := a.Result.Score
		if st.Processed == 0 || score > st.Max {
			st.Max = score
		}
		if st.Processed == 0 || score < st.Min {
			st.Min = score
		}
		st.Processed++
		sum += score
		switch scorer.BucketOf(score) {
		case scorer.BucketHigh:
			st.High++
		case scorer.BucketMedium:
			st.Medium++
		default:
			st.Low++
		}
	}
	st.Pending = st.Total - st.Processed
	if st.Processed > 0 {
		st.Average = scorer.Round2(sum / float64(st.Processed))
	}
	return st, nil
}

var (
	_ store.JobRepository         = (*JobStore)(nil)
	_ store.ApplicationRepository = (*ApplicationStore)(nil)
)
