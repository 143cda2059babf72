package telephony

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"billing-core/internal/calls"
	"billing-core/internal/fault"
)

func TestParseVapiWebhook_EndOfCallReport(t *testing.T) {
	raw := []byte(`{"message":{
		"type":"end-of-call-report",
		"timestamp":1767225600000,
		"call":{"id":"vapi-1","metadata":{"callRecordId":"rec-1"}},
		"endedReason":"customer-ended-call",
		"durationSeconds":41.6,
		"cost":0.0731,
		"analysis":{"summary":"Booked a demo","successEvaluation":"true"},
		"artifact":{"transcript":"AI: hi","recordingUrl":"https://rec/1.wav"}
	}}`)

	ev, err := ParseVapiWebhook(raw)
	require.NoError(t, err)
	assert.Equal(t, calls.EventEndOfCall, ev.Kind)
	assert.Equal(t, "rec-1", ev.CorrelationID)
	assert.Equal(t, "vapi-1", ev.ExternalCallID)
	assert.Equal(t, "customer-ended-call", ev.EndedReason)
	assert.Equal(t, 42, ev.DurationSeconds)
	assert.True(t, ev.Cost.Equal(decimal.RequireFromString("0.0731")))
	require.NotNil(t, ev.Success)
	assert.True(t, *ev.Success)
	assert.Equal(t, "Booked a demo", ev.Summary)
	assert.Equal(t, "AI: hi", ev.Transcript)
	assert.Equal(t, "https://rec/1.wav", ev.RecordingURL)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), ev.OccurredAt)
}

func TestParseVapiWebhook_DurationFromTimestamps(t *testing.T) {
	raw := []byte(`{"message":{"type":"end-of-call-report","call":{"id":"vapi-1"},
		"startedAt":"2026-01-01T10:00:00Z","endedAt":"2026-01-01T10:01:30Z"}}`)
	ev, err := ParseVapiWebhook(raw)
	require.NoError(t, err)
	assert.Equal(t, 90, ev.DurationSeconds)
	assert.Nil(t, ev.Success)
}

func TestParseVapiWebhook_StatusUpdate(t *testing.T) {
	raw := []byte(`{"message":{"type":"status-update","status":"ended","endedReason":"customer-did-not-answer","call":{"id":"vapi-2"}}}`)
	ev, err := ParseVapiWebhook(raw)
	require.NoError(t, err)
	assert.Equal(t, calls.EventStatusUpdate, ev.Kind)
	assert.Equal(t, "ended", ev.Status)
	assert.Equal(t, "customer-did-not-answer", ev.EndedReason)
	assert.Empty(t, ev.CorrelationID)
}

func TestParseVapiWebhook_Rejects(t *testing.T) {
	for _, raw := range []string{`not json`, `{}`, `{"message":{}}`, `{"message":{"type":""}}`} {
		_, err := ParseVapiWebhook([]byte(raw))
		assert.ErrorIs(t, err, fault.ErrValidation, raw)
	}
}

func TestParseSuccess(t *testing.T) {
	yes, no := true, false
	cases := map[string]*bool{
		`true`:    &yes,
		`false`:   &no,
		`"true"`:  &yes,
		`"Fail"`:  &no,
		`"7"`:     nil,
		`8`:       nil,
		`"maybe"`: nil,
		``:        nil,
	}
	for in, want := range cases {
		assert.Equal(t, want, parseSuccess([]byte(in)), in)
	}
}
