package calls

import (
	"strings"
	"time"
)

var failedEndReasons = []string{"no-answer", "did-not-answer", "busy", "failed"}

// endedInFailure reports whether a provider end reason means the call never
// properly happened (no answer, busy, failed to connect).
func endedInFailure(reason string) bool {
	r := strings.ToLower(reason)
	for _, marker := range failedEndReasons {
		if strings.Contains(r, marker) {
			return true
		}
	}
	return false
}

// apply returns c after ev. settled is true only for the single transition
// into a terminal state; changed is false when ev leaves c untouched.
func apply(c CallRecord, ev Event, now time.Time) (next CallRecord, changed, settled bool) {
	next = c
	if next.ExternalCallID == "" && ev.ExternalCallID != "" {
		next.ExternalCallID = ev.ExternalCallID
		changed = true
	}

	switch ev.Kind {
	case EventCallStart:
		if !c.Terminal() && c.Status == StatusInitiated {
			next.Status = StatusCalling
			changed = true
		}

	case EventStatusUpdate:
		if c.Terminal() {
			break
		}
		if c.Status == StatusInitiated {
			next.Status = StatusCalling
			changed = true
		}
		if ev.Status == "ended" {
			if ev.EndedReason != "" && ev.EndedReason != c.EndedReason {
				next.EndedReason = ev.EndedReason
				changed = true
			}
			// Not terminal: the end-of-call report decides.
			if endedInFailure(ev.EndedReason) && next.Status != StatusFailed {
				next.Status = StatusFailed
				changed = true
			}
		}

	case EventEndOfCall:
		if c.Terminal() {
			return backfill(next, ev, changed)
		}
		next.Status = StatusCompleted
		if endedInFailure(ev.EndedReason) {
			next.Status = StatusFailed
		}
		next.EndedReason = ev.EndedReason
		next.Evaluation = EvaluationFrom(ev.Success)
		next.DurationSeconds = max(0, ev.DurationSeconds)
		next.ProviderCost = ev.Cost
		if ev.Transcript != "" {
			next.Transcript = ev.Transcript
		}
		if ev.Summary != "" {
			next.Summary = ev.Summary
		}
		if ev.RecordingURL != "" {
			next.RecordingURL = ev.RecordingURL
		}
		at := now
		next.SettledAt = &at
		return next, true, true

	case EventAnalysis:
		return backfill(next, ev, changed)
	}
	return next, changed, false
}

// backfill fills empty enrichment fields only.
func backfill(c CallRecord, ev Event, changed bool) (CallRecord, bool, bool) {
	if c.Transcript == "" && ev.Transcript != "" {
		c.Transcript = ev.Transcript
		changed = true
	}
	if c.Summary == "" && ev.Summary != "" {
		c.Summary = ev.Summary
		changed = true
	}
	if c.RecordingURL == "" && ev.RecordingURL != "" {
		c.RecordingURL = ev.RecordingURL
		changed = true
	}
	return c, changed, false
}
