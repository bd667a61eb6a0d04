package engine

import (
	"context"
	"fmt"

	"slotwatch/internal/storage"
	logx "slotwatch/pkg/logx"
)

// MaintenanceResult aggregates one housekeeping run. Step failures are
// collected; one failing step never blocks the others.
type MaintenanceResult struct {
	ExpiredSubscriptions int64
	ResetFailedEntries   int64
	PurgedQueueEntries   int64
	PurgedRetries        int64
	Errors               []string
}

// RunMaintenance performs the periodic housekeeping pass:
//
//   - deactivate subscriptions whose end date is strictly before "today"
//     in the reference timezone
//   - give recent failed primary entries one coarse, backoff-free reset
//     back to pending (push-channel failures owned by the retry queue are
//     skipped by the store)
//   - purge terminal primary entries and retries past the retention age
func (e *Engine) RunMaintenance(ctx context.Context) (MaintenanceResult, error) {
	cfg, loc := e.config()
	now := e.now()
	today := now.In(loc).Format(storage.DateLayout)

	var res MaintenanceResult

	n, err := e.store.DeactivateSubscriptionsBefore(ctx, today, now)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("expire subscriptions: %v", err))
	} else {
		res.ExpiredSubscriptions = n
	}

	n, err = e.store.ResetFailedQueueEntries(ctx, now.Add(-cfg.FailedResetWindow))
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("reset failed entries: %v", err))
	} else {
		res.ResetFailedEntries = n
	}

	n, err = e.store.PurgeQueueEntries(ctx, now.Add(-cfg.RetentionAge))
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("purge queue: %v", err))
	} else {
		res.PurgedQueueEntries = n
	}

	n, err = e.store.PurgeRetries(ctx, now.Add(-cfg.RetentionAge))
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("purge retries: %v", err))
	} else {
		res.PurgedRetries = n
	}

	if res.ExpiredSubscriptions+res.ResetFailedEntries+res.PurgedQueueEntries+res.PurgedRetries > 0 || len(res.Errors) > 0 {
		e.log.Info("maintenance finished",
			logx.Int64("expired_subs", res.ExpiredSubscriptions),
			logx.Int64("reset_failed", res.ResetFailedEntries),
			logx.Int64("purged_queue", res.PurgedQueueEntries),
			logx.Int64("purged_retries", res.PurgedRetries),
			logx.Int("errors", len(res.Errors)))
	}
	e.publish("maintenance.finished", res)
	return res, nil
}
