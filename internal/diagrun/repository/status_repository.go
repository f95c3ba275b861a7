// Package repository stores run lifecycle status and publishes final run results.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	cachex "diagrun/internal/common/cache"
	"diagrun/internal/diagrun/result"
	appErr "diagrun/pkg/errors"
	"diagrun/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	statusKeyPrefix  = "diagrun:run:status:"
	historyKeyPrefix = "diagrun:run:history:"

	defaultStatusTTL    = 24 * time.Hour
	defaultHistoryLimit = 32
)

// StatusRepository keeps the latest status of each run and its transition history.
type StatusRepository struct {
	cache        cachex.Cache
	ttl          time.Duration
	historyLimit int64
}

// NewStatusRepository creates a new repository.
func NewStatusRepository(cacheClient cachex.Cache, ttl time.Duration, historyLimit int) *StatusRepository {
	if ttl <= 0 {
		ttl = defaultStatusTTL
	}
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	return &StatusRepository{
		cache:        cacheClient,
		ttl:          ttl,
		historyLimit: int64(historyLimit),
	}
}

// ReportStatus stores a lifecycle transition.
func (r *StatusRepository) ReportStatus(ctx context.Context, update result.StatusUpdate) error {
	return r.Save(ctx, update)
}

// Save overwrites the latest status and appends it to the bounded history list.
func (r *StatusRepository) Save(ctx context.Context, update result.StatusUpdate) error {
	if update.RunID == "" {
		return appErr.ValidationError("run_id", "required")
	}
	if r.cache == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("status cache is not configured")
	}
	data, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("marshal status failed: %w", err)
	}
	payload := string(data)
	ttl := cachex.JitterTTL(r.ttl)
	historyKey := historyKeyPrefix + update.RunID
	err = r.cache.Pipeline(ctx, func(pipe cachex.Pipeliner) error {
		if err := pipe.Set(statusKeyPrefix+update.RunID, payload, ttl); err != nil {
			return err
		}
		if err := pipe.RPush(historyKey, payload); err != nil {
			return err
		}
		if err := pipe.LTrim(historyKey, -r.historyLimit, -1); err != nil {
			return err
		}
		return pipe.Expire(historyKey, ttl)
	})
	if err != nil {
		logger.Warn(ctx, "store run status failed", zap.String("state", string(update.State)), zap.Error(err))
		return appErr.Wrapf(err, appErr.CacheError, "store status failed")
	}
	return nil
}

// Get returns the latest status of a run.
func (r *StatusRepository) Get(ctx context.Context, runID string) (result.StatusUpdate, error) {
	if runID == "" {
		return result.StatusUpdate{}, appErr.ValidationError("run_id", "required")
	}
	if r.cache == nil {
		return result.StatusUpdate{}, appErr.New(appErr.ServiceUnavailable).WithMessage("status cache is not configured")
	}
	raw, err := r.cache.Get(ctx, statusKeyPrefix+runID)
	if err != nil {
		return result.StatusUpdate{}, appErr.Wrapf(err, appErr.CacheError, "get status failed")
	}
	if raw == "" {
		return result.StatusUpdate{}, appErr.New(appErr.NotFound).WithMessage("run status not found")
	}
	return unmarshalStatus(raw)
}

// History returns the recorded transitions of a run, oldest first.
func (r *StatusRepository) History(ctx context.Context, runID string) ([]result.StatusUpdate, error) {
	if runID == "" {
		return nil, appErr.ValidationError("run_id", "required")
	}
	if r.cache == nil {
		return nil, appErr.New(appErr.ServiceUnavailable).WithMessage("status cache is not configured")
	}
	values, err := r.cache.LRange(ctx, historyKeyPrefix+runID, 0, -1)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.CacheError, "get status history failed")
	}
	out := make([]result.StatusUpdate, 0, len(values))
	for _, raw := range values {
		st, err := unmarshalStatus(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func unmarshalStatus(raw string) (result.StatusUpdate, error) {
	var st result.StatusUpdate
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return result.StatusUpdate{}, appErr.Wrapf(err, appErr.CacheError, "decode status failed")
	}
	return st, nil
}
