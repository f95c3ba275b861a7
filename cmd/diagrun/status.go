package main

import (
	"context"
	"fmt"

	"diagrun/internal/common/cache"
	"diagrun/internal/diagrun/repository"
	"diagrun/internal/diagrun/result"
	appErr "diagrun/pkg/errors"
	"diagrun/pkg/utils/logger"

	"github.com/spf13/cobra"
)

// statusView is printed by `diagrun status`.
type statusView struct {
	Latest  result.StatusUpdate   `json:"latest"`
	History []result.StatusUpdate `json:"history,omitempty"`
}

func newStatusCmd(a *app) *cobra.Command {
	var withHistory bool
	cmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Print the recorded status of a run",
		Long: `status reads the lifecycle state a run reported to the Redis status store.
The run id is the name of the run's artifacts directory.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.setup(cmd)
			if err != nil {
				return err
			}
			defer func() {
				_ = logger.Sync()
			}()
			if cfg.Redis.Addr == "" {
				a.exitCode = appErr.ServiceUnavailable.ExitCode()
				return appErr.New(appErr.ServiceUnavailable).WithMessage("status store is not configured (redis.addr)")
			}
			redisCache, err := cache.NewRedisCacheWithConfig(&cfg.Redis)
			if err != nil {
				a.exitCode = appErr.CacheError.ExitCode()
				return fmt.Errorf("connect status store failed: %w", err)
			}
			defer func() {
				_ = redisCache.Close()
			}()

			repo := repository.NewStatusRepository(redisCache, cfg.Status.TTL, cfg.Status.HistoryLimit)
			view, err := readStatus(cmd.Context(), repo, args[0], withHistory, cfg)
			if err != nil {
				a.exitCode = appErr.GetCode(err).ExitCode()
				return err
			}
			return a.printJSON(view)
		},
	}
	cmd.Flags().BoolVar(&withHistory, "history", false, "Include every recorded transition, oldest first")
	return cmd
}

func readStatus(ctx context.Context, repo *repository.StatusRepository, runID string, withHistory bool, cfg *AppConfig) (statusView, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.Status.Timeout)
	defer cancel()
	latest, err := repo.Get(ctx, runID)
	if err != nil {
		return statusView{}, err
	}
	view := statusView{Latest: latest}
	if withHistory {
		if view.History, err = repo.History(ctx, runID); err != nil {
			return statusView{}, err
		}
	}
	return view, nil
}
