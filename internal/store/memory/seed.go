package memory

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ChuLiYu/talent-match/pkg/types"
)

// Seed is the JSON fixture format accepted by LoadSeed.
//
//	{
//	  "jobs": [{"id": 1, "title": "...", "description": "...", "status": "approved", ...}],
//	  "applications": [{"id": 10, "job_id": 1, "candidate_id": 7, "cv_text": "...", ...}]
//	}
type Seed struct {
	Jobs         []types.JobDocument `json:"jobs"`
	Applications []types.Application `json:"applications"`
}

// LoadSeed reads a fixture file and builds both repositories from it.
// An empty path yields empty stores.
func LoadSeed(path string) (*JobStore, *ApplicationStore, error) {
	if path == "" {
		return NewJobStore(), NewApplicationStore(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	var seed Seed
	if err := json.Unmarshal(data, &seed); err != nil {
		return nil, nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	for _, a := range seed.Applications {
		if a.ID <= 0 || a.JobID <= 0 {
			return nil, nil, fmt.Errorf("seed application %d: id and job_id are required", a.ID)
		}
	}
	return NewJobStore(seed.Jobs...), NewApplicationStore(seed.Applications...), nil
}
