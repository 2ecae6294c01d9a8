package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/scanforge/scanforge/pkg/errdefs"
	"github.com/scanforge/scanforge/pkg/types"
)

func findingsKey(jobID string) string   { return "findings:" + jobID }
func findingIDsKey(jobID string) string { return "findings:ids:" + jobID }

// AddFinding persists a finding under its job. The stable finding id makes
// replays idempotent: a finding already recorded is silently skipped.
func (r *Registry) AddFinding(ctx context.Context, f *types.Finding) (bool, error) {
	if f.ID == "" {
		f.ID = f.ComputeID()
	}

	added, err := r.rdb.SAdd(ctx, findingIDsKey(f.JobID), f.ID).Result()
	if err != nil {
		return false, errdefs.Wrapf(errdefs.ErrKVUnavailable, "record finding id for %s: %v", f.JobID, err)
	}
	if added == 0 {
		return false, nil // replay
	}

	data, err := json.Marshal(f)
	if err != nil {
		return false, fmt.Errorf("failed to marshal finding: %w", err)
	}
	if err := r.rdb.RPush(ctx, findingsKey(f.JobID), data).Err(); err != nil {
		return false, errdefs.Wrapf(errdefs.ErrKVUnavailable, "store finding for %s: %v", f.JobID, err)
	}
	return true, nil
}

// ListFindings returns the job's findings in arrival order.
func (r *Registry) ListFindings(ctx context.Context, jobID string) ([]*types.Finding, error) {
	raws, err := r.rdb.LRange(ctx, findingsKey(jobID), 0, -1).Result()
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrKVUnavailable, "findings of %s: %v", jobID, err)
	}

	findings := make([]*types.Finding, 0, len(raws))
	for _, raw := range raws {
		var f types.Finding
		if err := json.Unmarshal([]byte(raw), &f); err != nil {
			return nil, fmt.Errorf("failed to unmarshal finding of %s: %w", jobID, err)
		}
		findings = append(findings, &f)
	}
	return findings, nil
}

// dropFindings removes a reaped job's findings; jobs own their findings.
func (r *Registry) dropFindings(ctx context.Context, jobID string) error {
	if err := r.rdb.Del(ctx, findingsKey(jobID), findingIDsKey(jobID)).Err(); err != nil {
		return errdefs.Wrapf(errdefs.ErrKVUnavailable, "drop findings of %s: %v", jobID, err)
	}
	return nil
}
