package engine

import (
	"context"

	"slotwatch/internal/storage"
	logx "slotwatch/pkg/logx"
)

// incrementTargetFailures bumps the consecutive-failure counter of a
// target and deactivates it exactly when the counter reaches the
// configured threshold, never earlier.
func (e *Engine) incrementTargetFailures(ctx context.Context, targetID int64, statusCode int, reason string) {
	cfg, _ := e.config()

	// Re-read so concurrent sweeps don't lose increments against a stale
	// snapshot.
	cur, ok, err := e.store.GetTarget(ctx, targetID)
	if err != nil || !ok {
		e.log.Error("loading target for failure increment failed", logx.Int64("target", targetID), logx.Err(err))
		return
	}

	h := storage.TargetHealth{
		Active:              cur.Active,
		ConsecutiveFailures: cur.ConsecutiveFailures + 1,
		LastDeliveryStatus:  statusCode,
		LastFailureReason:   reason,
		LastUsedAt:          cur.LastUsedAt,
	}
	if h.ConsecutiveFailures >= cfg.FailureThreshold {
		h.Active = false
	}

	if err := e.store.UpdateTargetHealth(ctx, targetID, h); err != nil {
		e.log.Error("updating target health failed", logx.Int64("target", targetID), logx.Err(err))
		return
	}
	if !h.Active && cur.Active {
		e.log.Warn("delivery target deactivated after repeated failures",
			logx.Int64("target", targetID),
			logx.Int("failures", h.ConsecutiveFailures),
			logx.String("reason", reason))
		e.publish("target.deactivated", targetID)
	}
}

// resetTargetFailures zeroes the counter after any successful delivery and
// stamps the last-used time.
func (e *Engine) resetTargetFailures(ctx context.Context, t storage.DeliveryTarget, statusCode int) {
	h := storage.TargetHealth{
		Active:              t.Active,
		ConsecutiveFailures: 0,
		LastDeliveryStatus:  statusCode,
		LastFailureReason:   "",
		LastUsedAt:          e.now(),
	}
	if err := e.store.UpdateTargetHealth(ctx, t.ID, h); err != nil {
		e.log.Error("resetting target health failed", logx.Int64("target", t.ID), logx.Err(err))
	}
}

// deactivateTarget takes a target out of rotation immediately, used for
// permanent provider errors (gone / not found / unauthorized).
func (e *Engine) deactivateTarget(ctx context.Context, t storage.DeliveryTarget, statusCode int, reason string) {
	h := storage.TargetHealth{
		Active:              false,
		ConsecutiveFailures: t.ConsecutiveFailures + 1,
		LastDeliveryStatus:  statusCode,
		LastFailureReason:   reason,
		LastUsedAt:          t.LastUsedAt,
	}
	if err := e.store.UpdateTargetHealth(ctx, t.ID, h); err != nil {
		e.log.Error("deactivating target failed", logx.Int64("target", t.ID), logx.Err(err))
		return
	}
	e.log.Warn("delivery target deactivated",
		logx.Int64("target", t.ID),
		logx.Int("status", statusCode),
		logx.String("reason", reason))
	e.publish("target.deactivated", t.ID)
}
