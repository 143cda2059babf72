package telephony

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"billing-core/internal/calls"
	"billing-core/internal/fault"
	"billing-core/pkg/utils"
)

// vapiEnvelope is the body of a Vapi server message delivery.
type vapiEnvelope struct {
	Message *vapiMessageBody `json:"message" validate:"required"`
}

type vapiMessageBody struct {
	Type      string          `json:"type" validate:"required"`
	Timestamp json.RawMessage `json:"timestamp"`
	Call      vapiCallRef     `json:"call"`

	Status          string          `json:"status"`
	EndedReason     string          `json:"endedReason"`
	DurationSeconds *float64        `json:"durationSeconds"`
	StartedAt       *time.Time      `json:"startedAt"`
	EndedAt         *time.Time      `json:"endedAt"`
	Cost            decimal.Decimal `json:"cost"`

	Transcript   string        `json:"transcript"`
	Summary      string        `json:"summary"`
	RecordingURL string        `json:"recordingUrl"`
	Analysis     *vapiAnalysis `json:"analysis"`
	Artifact     *vapiArtifact `json:"artifact"`
}

type vapiCallRef struct {
	ID       string         `json:"id"`
	Metadata map[string]any `json:"metadata"`
}

type vapiAnalysis struct {
	Summary           string          `json:"summary"`
	SuccessEvaluation json.RawMessage `json:"successEvaluation"`
}

type vapiArtifact struct {
	Transcript   string `json:"transcript"`
	RecordingURL string `json:"recordingUrl"`
}

// ParseWebhook normalizes a Vapi server message. Unknown message types are
// returned with their raw kind so the caller can acknowledge and ignore them.
func (c *VapiClient) ParseWebhook(raw []byte) (calls.Event, error) {
	return ParseVapiWebhook(raw)
}

func ParseVapiWebhook(raw []byte) (calls.Event, error) {
	const op = "vapi.parse_webhook"
	var env vapiEnvelope
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&env); err != nil {
		return calls.Event{}, fault.Validation(op, "malformed body: "+err.Error())
	}
	if err := utils.ValidateStruct(env); err != nil {
		return calls.Event{}, fault.Validation(op, err.Error())
	}
	m := env.Message

	ev := calls.Event{
		Kind:           calls.EventKind(strings.TrimSpace(m.Type)),
		CorrelationID:  metadataString(m.Call.Metadata, calls.MetadataCallRecordID),
		ExternalCallID: strings.TrimSpace(m.Call.ID),
		Status:         m.Status,
		EndedReason:    m.EndedReason,
		Cost:           m.Cost,
		Transcript:     m.Transcript,
		Summary:        m.Summary,
		RecordingURL:   m.RecordingURL,
		OccurredAt:     parseTimestamp(m.Timestamp),
	}
	ev.DurationSeconds = durationSeconds(m)
	if a := m.Analysis; a != nil {
		if a.Summary != "" {
			ev.Summary = a.Summary
		}
		ev.Success = parseSuccess(a.SuccessEvaluation)
	}
	if a := m.Artifact; a != nil {
		if ev.Transcript == "" {
			ev.Transcript = a.Transcript
		}
		if ev.RecordingURL == "" {
			ev.RecordingURL = a.RecordingURL
		}
	}
	return ev, nil
}

func metadataString(md map[string]any, key string) string {
	switch v := md[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

func durationSeconds(m *vapiMessageBody) int {
	if m.DurationSeconds != nil && *m.DurationSeconds > 0 {
		return int(math.Round(*m.DurationSeconds))
	}
	if m.StartedAt != nil && m.EndedAt != nil && m.EndedAt.After(*m.StartedAt) {
		return int(math.Round(m.EndedAt.Sub(*m.StartedAt).Seconds()))
	}
	return 0
}

// parseSuccess reads the success evaluation. Vapi sends a boolean or a string
// depending on the rubric; anything else (numeric scales, prose) is unknown.
func parseSuccess(raw json.RawMessage) *bool {
	if len(raw) == 0 {
		return nil
	}
	var b bool
	if json.Unmarshal(raw, &b) == nil {
		return &b
	}
	var s string
	if json.Unmarshal(raw, &s) != nil {
		return nil
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "pass", "success", "successful":
		b = true
		return &b
	case "false", "fail", "failed", "unsuccessful":
		b = false
		return &b
	}
	return nil
}

// parseTimestamp accepts epoch milliseconds or RFC 3339.
func parseTimestamp(raw json.RawMessage) time.Time {
	if len(raw) == 0 {
		return time.Time{}
	}
	var ms float64
	if json.Unmarshal(raw, &ms) == nil && ms > 0 {
		return time.UnixMilli(int64(ms)).UTC()
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
