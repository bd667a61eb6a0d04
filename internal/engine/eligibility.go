package engine

import (
	"context"

	"slotwatch/internal/storage"
	logx "slotwatch/pkg/logx"
)

// IsEligible reports whether a proactive notification of the given type may
// be sent to the user right now.
//
// Decision order (short-circuits on the first false):
//  1. the per-type toggle is enabled
//  2. the cooldown since the last proactive notification has elapsed
//  3. the current time is outside the user's quiet window
//
// The gate is a pure read. On any store failure it fails closed so a
// degraded dependency can't cause a notification storm.
func (e *Engine) IsEligible(ctx context.Context, userID int64, typ storage.NotificationType) bool {
	_, loc := e.config()

	p, ok, err := e.store.GetPreferences(ctx, userID)
	if err != nil {
		e.log.Warn("eligibility check failed, failing closed", logx.Int64("user", userID), logx.Err(err))
		return false
	}
	if !ok {
		// No preferences row: nothing is enabled.
		return false
	}

	if !p.Enabled(typ) {
		return false
	}

	now := e.now()
	if p.Cooldown > 0 && !p.LastNotifiedAt.IsZero() {
		if now.Sub(p.LastNotifiedAt) < p.Cooldown {
			return false
		}
	}

	if p.QuietStart != nil && p.QuietEnd != nil {
		cur := now.In(loc)
		mins := cur.Hour()*60 + cur.Minute()
		if inQuietWindow(mins, *p.QuietStart, *p.QuietEnd) {
			return false
		}
	}

	return true
}

// inQuietWindow tests minutes-since-midnight against a quiet window.
// A window with start > end spans midnight (e.g. 22:00-07:00).
func inQuietWindow(now, start, end int) bool {
	if start == end {
		return false
	}
	if start < end {
		return now >= start && now < end
	}
	// Overnight wraparound.
	return now >= start || now < end
}
