package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"slotwatch/internal/channel"
	"slotwatch/internal/storage"
	logx "slotwatch/pkg/logx"
)

// SweepResult aggregates one retry sweep.
type SweepResult struct {
	Attempted        int
	Succeeded        int
	Rescheduled      int
	TerminallyFailed int
}

// isPermanentStatus reports provider codes that mean the endpoint will
// never accept this delivery: gone, not found, unauthorized. Anything
// else (including an unknown code) is treated as retryable.
func isPermanentStatus(code int) bool {
	switch code {
	case http.StatusGone, http.StatusNotFound, http.StatusUnauthorized, http.StatusForbidden:
		return true
	default:
		return false
	}
}

// backoffDelay indexes the configured delay table; the last entry repeats
// when more attempts are configured than table entries.
func backoffDelay(table []time.Duration, n int) time.Duration {
	if len(table) == 0 {
		return time.Minute
	}
	if n < 0 {
		n = 0
	}
	if n >= len(table) {
		n = len(table) - 1
	}
	return table[n]
}

// EnqueueRetry inserts a fresh retry entry for a failed push delivery.
// The first replay is scheduled at backoff(0).
func (e *Engine) EnqueueRetry(ctx context.Context, targetID, userID int64, payload, reason string, originalQueueID int64) error {
	cfg, _ := e.config()
	now := e.now()

	entry := &storage.RetryEntry{
		TargetID:        targetID,
		UserID:          userID,
		OriginalQueueID: originalQueueID,
		Payload:         payload,
		RetryCount:      0,
		MaxRetries:      cfg.MaxRetries,
		NextRetryAt:     now.Add(backoffDelay(cfg.Backoff, 0)),
		LastError:       reason,
		Status:          storage.RetryPending,
	}
	if err := e.store.PutRetry(ctx, entry); err != nil {
		return fmt.Errorf("insert retry: %w", err)
	}
	e.log.Debug("push retry enqueued",
		logx.Int64("retry", entry.ID),
		logx.Int64("target", targetID),
		logx.Time("next", entry.NextRetryAt))
	return nil
}

// RecordRetryOutcome finalizes one replay attempt and returns the updated
// entry. On success the target's failure counter resets; on the terminal
// failure it increments (possibly deactivating the target).
//
// MaxRetries caps total delivery attempts: the failed send that created
// the entry counts as the first.
func (e *Engine) RecordRetryOutcome(ctx context.Context, retryID int64, success bool, reason string) (storage.RetryEntry, error) {
	entry, ok, err := e.store.GetRetry(ctx, retryID)
	if err != nil {
		return storage.RetryEntry{}, fmt.Errorf("load retry: %w", err)
	}
	if !ok {
		return storage.RetryEntry{}, storage.ErrNotFound
	}

	cfg, _ := e.config()
	now := e.now()

	if success {
		entry.Status = storage.RetrySuccess
		entry.LastError = ""
		if err := e.store.UpdateRetry(ctx, entry); err != nil {
			return entry, err
		}
		if t, ok, err := e.store.GetTarget(ctx, entry.TargetID); err == nil && ok {
			e.resetTargetFailures(ctx, t, 0)
		}
		return entry, nil
	}

	entry.RetryCount++
	entry.LastError = reason
	if entry.RetryCount+1 >= entry.MaxRetries {
		entry.Status = storage.RetryFailed
		if err := e.store.UpdateRetry(ctx, entry); err != nil {
			return entry, err
		}
		e.log.Warn("push retry exhausted",
			logx.Int64("retry", entry.ID),
			logx.Int64("target", entry.TargetID),
			logx.Int("attempts", entry.RetryCount+1),
			logx.String("last_error", reason))
		e.incrementTargetFailures(ctx, entry.TargetID, 0, reason)
		return entry, nil
	}

	entry.Status = storage.RetryPending
	entry.NextRetryAt = now.Add(backoffDelay(cfg.Backoff, entry.RetryCount))
	if err := e.store.UpdateRetry(ctx, entry); err != nil {
		return entry, err
	}
	e.log.Debug("push retry rescheduled",
		logx.Int64("retry", entry.ID),
		logx.Int("count", entry.RetryCount),
		logx.Time("next", entry.NextRetryAt))
	return entry, nil
}

// SweepRetries replays due pending retries whose targets are still active.
// Claims are optimistic; a retry claimed by a concurrent sweep is silently
// left to that sweep.
func (e *Engine) SweepRetries(ctx context.Context, limit int) (SweepResult, error) {
	cfg, _ := e.config()
	now := e.now()

	due, err := e.store.DueRetries(ctx, limit, now)
	if err != nil {
		return SweepResult{}, fmt.Errorf("list due retries: %w", err)
	}

	var res SweepResult
	for _, rt := range due {
		claimed, err := e.store.ClaimRetry(ctx, rt.Retry.ID)
		if err != nil {
			e.log.Error("claiming retry failed", logx.Int64("retry", rt.Retry.ID), logx.Err(err))
			continue
		}
		if !claimed {
			continue
		}
		res.Attempted++

		var n channel.PushNotification
		if err := json.Unmarshal([]byte(rt.Retry.Payload), &n); err != nil {
			// Malformed payload snapshot: terminal, never replayed.
			rt.Retry.Status = storage.RetryFailed
			rt.Retry.LastError = "malformed payload: " + err.Error()
			_ = e.store.UpdateRetry(ctx, rt.Retry)
			res.TerminallyFailed++
			continue
		}

		pres := e.sendPushTimed(ctx, cfg.SendTimeout, rt.Target.Endpoint, n)
		if pres.Delivered {
			if _, err := e.RecordRetryOutcome(ctx, rt.Retry.ID, true, ""); err != nil {
				e.log.Error("recording retry success failed", logx.Int64("retry", rt.Retry.ID), logx.Err(err))
			}
			res.Succeeded++
			continue
		}

		reason := pushFailureReason(pres)
		if isPermanentStatus(pres.StatusCode) {
			// Dead endpoint: no further replays for this or any sibling retry.
			e.deactivateTarget(ctx, rt.Target, pres.StatusCode, reason)
			rt.Retry.Status = storage.RetryFailed
			rt.Retry.LastError = reason
			_ = e.store.UpdateRetry(ctx, rt.Retry)
			res.TerminallyFailed++
			continue
		}

		updated, err := e.RecordRetryOutcome(ctx, rt.Retry.ID, false, reason)
		if err != nil {
			e.log.Error("recording retry failure failed", logx.Int64("retry", rt.Retry.ID), logx.Err(err))
			continue
		}
		if updated.Status == storage.RetryFailed {
			res.TerminallyFailed++
		} else {
			res.Rescheduled++
		}
	}

	if res.Attempted > 0 {
		e.log.Info("retry sweep finished",
			logx.Int("attempted", res.Attempted),
			logx.Int("succeeded", res.Succeeded),
			logx.Int("rescheduled", res.Rescheduled),
			logx.Int("terminal", res.TerminallyFailed))
	}
	e.publish("retry.sweep_finished", res)
	return res, nil
}

// CancelRetriesForTarget bulk-cancels pending retries, used when a target
// is removed so no future sweep attempts a dead endpoint.
func (e *Engine) CancelRetriesForTarget(ctx context.Context, targetID int64) (int64, error) {
	n, err := e.store.CancelPendingRetries(ctx, targetID)
	if err != nil {
		return 0, fmt.Errorf("cancel retries: %w", err)
	}
	if n > 0 {
		e.log.Info("pending retries cancelled", logx.Int64("target", targetID), logx.Int64("count", n))
	}
	return n, nil
}
