package calls

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEndedInFailure(t *testing.T) {
	cases := map[string]bool{
		"customer-did-not-answer":       true,
		"customer-busy":                 true,
		"twilio-failed-to-connect-call": true,
		"no-answer":                     true,
		"customer-ended-call":           false,
		"assistant-ended-call":          false,
		"":                              false,
	}
	for reason, want := range cases {
		assert.Equal(t, want, endedInFailure(reason), reason)
	}
}

func TestEvaluationFrom(t *testing.T) {
	yes, no := true, false
	assert.Equal(t, EvaluationPositive, EvaluationFrom(&yes))
	assert.Equal(t, EvaluationNegative, EvaluationFrom(&no))
	assert.Equal(t, EvaluationNeutral, EvaluationFrom(nil))
}

func TestApply_Transitions(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	settledAt := now.Add(-time.Minute)
	base := CallRecord{ID: "c1", Status: StatusInitiated}
	terminal := CallRecord{ID: "c1", Status: StatusCompleted, SettledAt: &settledAt, Summary: "done"}

	cases := []struct {
		name        string
		in          CallRecord
		ev          Event
		wantStatus  Status
		wantChanged bool
		wantSettled bool
	}{
		{"start from initiated", base, Event{Kind: EventCallStart}, StatusCalling, true, false},
		{"start when calling", CallRecord{Status: StatusCalling}, Event{Kind: EventCallStart}, StatusCalling, false, false},
		{"start after transient failure", CallRecord{Status: StatusFailed}, Event{Kind: EventCallStart}, StatusFailed, false, false},
		{"in-progress update", base, Event{Kind: EventStatusUpdate, Status: "in-progress"}, StatusCalling, true, false},
		{"ended normally stays calling", CallRecord{Status: StatusCalling}, Event{Kind: EventStatusUpdate, Status: "ended", EndedReason: "assistant-ended-call"}, StatusCalling, true, false},
		{"ended busy is transient failure", CallRecord{Status: StatusCalling}, Event{Kind: EventStatusUpdate, Status: "ended", EndedReason: "customer-busy"}, StatusFailed, true, false},
		{"report completes", CallRecord{Status: StatusCalling}, Event{Kind: EventEndOfCall, EndedReason: "customer-ended-call", DurationSeconds: 42}, StatusCompleted, true, true},
		{"report after transient failure can complete", CallRecord{Status: StatusFailed}, Event{Kind: EventEndOfCall, EndedReason: "customer-ended-call"}, StatusCompleted, true, true},
		{"report no-answer fails", CallRecord{Status: StatusCalling}, Event{Kind: EventEndOfCall, EndedReason: "customer-did-not-answer"}, StatusFailed, true, true},
		{"stale update on terminal", terminal, Event{Kind: EventStatusUpdate, Status: "ended", EndedReason: "customer-busy"}, StatusCompleted, false, false},
		{"replayed report on terminal", terminal, Event{Kind: EventEndOfCall, EndedReason: "customer-busy", DurationSeconds: 99}, StatusCompleted, false, false},
		{"late transcript on terminal", terminal, Event{Kind: EventEndOfCall, Transcript: "hello"}, StatusCompleted, true, false},
		{"analysis backfills only", CallRecord{Status: StatusCalling}, Event{Kind: EventAnalysis, Summary: "s"}, StatusCalling, true, false},
		{"analysis does not overwrite", terminal, Event{Kind: EventAnalysis, Summary: "other"}, StatusCompleted, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, changed, settled := apply(tc.in, tc.ev, now)
			assert.Equal(t, tc.wantStatus, got.Status)
			assert.Equal(t, tc.wantChanged, changed)
			assert.Equal(t, tc.wantSettled, settled)
			if settled {
				assert.NotNil(t, got.SettledAt)
			}
			if tc.in.Terminal() {
				assert.Equal(t, tc.in.SettledAt, got.SettledAt)
				assert.Equal(t, tc.in.DurationSeconds, got.DurationSeconds)
			}
		})
	}
}

func TestApply_AdoptsExternalID(t *testing.T) {
	got, changed, _ := apply(CallRecord{Status: StatusCalling}, Event{Kind: EventCallStart, ExternalCallID: "Z"}, time.Now())
	assert.True(t, changed)
	assert.Equal(t, "Z", got.ExternalCallID)
}
