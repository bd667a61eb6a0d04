package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"slotwatch/internal/channel"
	"slotwatch/internal/storage"
	logx "slotwatch/pkg/logx"
)

// BatchResult aggregates one processing pass. Per-item failures land in
// Errors and never abort the batch.
type BatchResult struct {
	Processed int
	Skipped   int
	Failed    int
	Errors    []ItemError
}

type ItemError struct {
	EntryID int64
	Reason  string
}

// outcome of one queue entry.
type itemOutcome int

const (
	itemSent itemOutcome = iota
	itemSkipped
	itemFailed
)

// ProcessQueueBatch drains up to maxItems oldest pending queue entries.
// maxItems <= 0 uses the configured batch size.
func (e *Engine) ProcessQueueBatch(ctx context.Context, maxItems int) (BatchResult, error) {
	cfg, loc := e.config()
	if maxItems <= 0 {
		maxItems = cfg.BatchSize
	}

	entries, err := e.store.PendingQueueEntries(ctx, maxItems)
	if err != nil {
		return BatchResult{}, fmt.Errorf("list pending queue entries: %w", err)
	}

	var res BatchResult
	for _, entry := range entries {
		out, reason := e.processEntry(ctx, cfg, loc, entry)
		switch out {
		case itemSent:
			res.Processed++
		case itemSkipped:
			res.Skipped++
		case itemFailed:
			res.Failed++
			res.Errors = append(res.Errors, ItemError{EntryID: entry.ID, Reason: reason})
		}
	}

	if len(entries) > 0 {
		e.log.Info("queue batch finished",
			logx.Int("processed", res.Processed),
			logx.Int("skipped", res.Skipped),
			logx.Int("failed", res.Failed))
	}
	e.publish("queue.batch_finished", res)
	return res, nil
}

// processEntry runs one entry end to end. A panic in one item is converted
// into a failed outcome so the rest of the batch proceeds.
func (e *Engine) processEntry(ctx context.Context, cfg Config, loc *time.Location, entry storage.QueueEntry) (out itemOutcome, reason string) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("panic processing queue entry",
				logx.Int64("entry", entry.ID), logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
			out, reason = itemFailed, fmt.Sprintf("panic: %v", r)
			_ = e.store.SetQueueStatus(ctx, entry.ID, storage.QueueFailed, reason)
		}
	}()

	now := e.now()

	// Malformed entries are skipped, never retried.
	if _, err := time.ParseInLocation(storage.DateLayout, entry.Date, loc); err != nil || len(entry.Times) == 0 {
		e.log.Warn("malformed queue entry", logx.Int64("entry", entry.ID), logx.String("date", entry.Date))
		_ = e.store.SetQueueStatus(ctx, entry.ID, storage.QueueSkipped, "malformed entry")
		return itemSkipped, ""
	}

	// Re-validate the parent subscription.
	sub, ok, err := e.store.GetSubscription(ctx, entry.SubscriptionID)
	if err != nil {
		_ = e.store.SetQueueStatus(ctx, entry.ID, storage.QueueFailed, err.Error())
		return itemFailed, fmt.Sprintf("load subscription: %v", err)
	}
	if !ok || !sub.Active {
		_ = e.store.SetQueueStatus(ctx, entry.ID, storage.QueueSkipped, "subscription no longer active")
		return itemSkipped, ""
	}

	// Dedupe: identical subscription+date+time-set within the window.
	timesKey := storage.TimesKey(entry.Times)
	dup, err := e.store.WasNotified(ctx, sub.ID, entry.Date, timesKey, now.Add(-cfg.DedupeWindow))
	if err != nil {
		_ = e.store.SetQueueStatus(ctx, entry.ID, storage.QueueFailed, err.Error())
		return itemFailed, fmt.Sprintf("dedupe check: %v", err)
	}
	if dup {
		_ = e.store.SetQueueStatus(ctx, entry.ID, storage.QueueSkipped, "duplicate")
		return itemSkipped, ""
	}

	if !e.IsEligible(ctx, entry.UserID, storage.TypeSlotAlert) {
		_ = e.store.SetQueueStatus(ctx, entry.ID, storage.QueueSkipped, "user not eligible")
		return itemSkipped, ""
	}

	// Claim. Zero rows affected means another worker won.
	claimed, err := e.store.ClaimQueueEntry(ctx, entry.ID)
	if err != nil {
		return itemFailed, fmt.Sprintf("claim: %v", err)
	}
	if !claimed {
		return itemSkipped, ""
	}

	label := dayLabel(entry.Date, now, loc)

	var sendErrs []string
	delivered := false

	if sub.Method == storage.MethodPrimary || sub.Method == storage.MethodBoth {
		text := renderDirectText(label, entry.Date, entry.Times)
		if err := e.sendDirectTimed(ctx, cfg.SendTimeout, sub.ChatID, text); err != nil {
			sendErrs = append(sendErrs, fmt.Sprintf("direct: %v", err))
		} else {
			delivered = true
		}
	}

	if sub.Method == storage.MethodPush || sub.Method == storage.MethodBoth {
		targets, err := e.store.ActiveTargets(ctx, entry.UserID)
		if err != nil {
			sendErrs = append(sendErrs, fmt.Sprintf("list targets: %v", err))
		} else if len(targets) == 0 && sub.Method == storage.MethodPush {
			_ = e.store.SetQueueStatus(ctx, entry.ID, storage.QueueSkipped, "no active delivery targets")
			return itemSkipped, ""
		} else {
			payload := pushPayload(label, entry.Date, entry.Times)
			for _, t := range targets {
				if errMsg, ok := e.pushToTarget(ctx, cfg, t, payload, entry.ID); ok {
					delivered = true
				} else {
					sendErrs = append(sendErrs, errMsg)
				}
			}
		}
	}

	// Two-phase: the attempt happened, now always record the outcome.
	// Anything that reached the user gets its notified record even when the
	// entry as a whole fails, so a later failed-entry reset dedupes the
	// rerun instead of re-sending the delivered leg.
	if delivered {
		if err := e.store.AddNotified(ctx, storage.NotifiedRecord{
			SubscriptionID: sub.ID,
			Date:           entry.Date,
			TimesKey:       timesKey,
			SentAt:         now,
		}); err != nil {
			e.log.Error("recording notified failed", logx.Int64("entry", entry.ID), logx.Err(err))
		}
		if err := e.store.TouchLastNotified(ctx, entry.UserID, now); err != nil {
			e.log.Error("stamping last notification failed", logx.Int64("user", entry.UserID), logx.Err(err))
		}
	}

	if len(sendErrs) > 0 {
		reason = strings.Join(sendErrs, "; ")
		_ = e.store.SetQueueStatus(ctx, entry.ID, storage.QueueFailed, reason)
		return itemFailed, reason
	}
	if !delivered {
		_ = e.store.SetQueueStatus(ctx, entry.ID, storage.QueueSkipped, "nothing to deliver")
		return itemSkipped, ""
	}
	_ = e.store.SetQueueStatus(ctx, entry.ID, storage.QueueSent, "")
	return itemSent, ""
}

// pushToTarget attempts one push delivery and routes the failure: permanent
// provider codes deactivate the target with no retry; everything else goes
// to the retry queue.
func (e *Engine) pushToTarget(ctx context.Context, cfg Config, t storage.DeliveryTarget, n channel.PushNotification, queueID int64) (errMsg string, ok bool) {
	res := e.sendPushTimed(ctx, cfg.SendTimeout, t.Endpoint, n)
	if res.Delivered {
		e.resetTargetFailures(ctx, t, res.StatusCode)
		return "", true
	}

	reason := pushFailureReason(res)
	if isPermanentStatus(res.StatusCode) {
		e.deactivateTarget(ctx, t, res.StatusCode, reason)
		return fmt.Sprintf("push target %d: %s (permanent)", t.ID, reason), false
	}

	payload, _ := json.Marshal(n)
	if err := e.EnqueueRetry(ctx, t.ID, t.UserID, string(payload), reason, queueID); err != nil {
		e.log.Error("enqueueing push retry failed", logx.Int64("target", t.ID), logx.Err(err))
	}
	return fmt.Sprintf("push target %d: %s", t.ID, reason), false
}

// sendDirectTimed races the direct send against the per-item timeout.
// A timeout is indistinguishable from a provider failure.
func (e *Engine) sendDirectTimed(ctx context.Context, timeout time.Duration, chatID int64, text string) error {
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- e.direct.SendDirect(sctx, chatID, text) }()
	select {
	case err := <-done:
		return err
	case <-sctx.Done():
		return sctx.Err()
	}
}

func (e *Engine) sendPushTimed(ctx context.Context, timeout time.Duration, endpoint string, n channel.PushNotification) channel.PushResult {
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan channel.PushResult, 1)
	go func() { done <- e.push.SendPush(sctx, endpoint, n) }()
	select {
	case res := <-done:
		return res
	case <-sctx.Done():
		return channel.PushResult{Err: sctx.Err()}
	}
}

func pushFailureReason(res channel.PushResult) string {
	if res.Err != nil {
		return res.Err.Error()
	}
	return fmt.Sprintf("status %d", res.StatusCode)
}
