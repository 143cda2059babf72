package telephony

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"billing-core/internal/calls"
	"billing-core/internal/fault"
)

type stubEvents struct {
	got []calls.Event
	res calls.HandleResult
	err error
}

func (s *stubEvents) HandleEvent(_ context.Context, ev calls.Event) (calls.HandleResult, error) {
	s.got = append(s.got, ev)
	return s.res, s.err
}

const endOfCallBody = `{"message":{"type":"end-of-call-report","call":{"id":"vapi-1","metadata":{"callRecordId":"rec-1"}},"durationSeconds":42}}`

func serveWebhook(h WebhookHandler, secret, body string) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/webhooks/call", h.Handle)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/call", strings.NewReader(body))
	if secret != "" {
		req.Header.Set(headerVapiSecret, secret)
	}
	r.ServeHTTP(w, req)
	return w
}

func testProvider(t *testing.T) *VapiClient {
	t.Helper()
	c, err := NewVapiClient(VapiConfig{BaseURL: "http://vapi.invalid", APIKey: "k", PhoneNumberID: "p"})
	require.NoError(t, err)
	return c
}

func TestWebhookHandler_Secret(t *testing.T) {
	ev := &stubEvents{}
	h := WebhookHandler{Provider: testProvider(t), Events: ev, Secret: "s3cret"}

	w := serveWebhook(h, "wrong", endOfCallBody)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = serveWebhook(h, "", endOfCallBody)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, ev.got)

	w = serveWebhook(h, "s3cret", endOfCallBody)
	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, ev.got, 1)
	assert.Equal(t, "rec-1", ev.got[0].CorrelationID)
}

func TestWebhookHandler_Outcomes(t *testing.T) {
	settledAt := time.Now()
	cases := []struct {
		name   string
		body   string
		res    calls.HandleResult
		err    error
		status int
		check  func(t *testing.T, body map[string]any)
	}{
		{
			name:   "settled",
			body:   endOfCallBody,
			res:    calls.HandleResult{Changed: true, Settled: true, Call: &calls.CallRecord{SettledAt: &settledAt}},
			status: http.StatusOK,
			check: func(t *testing.T, body map[string]any) {
				assert.Equal(t, true, body["success"])
				assert.Equal(t, true, body["settled"])
			},
		},
		{
			name:   "unknown call acknowledged",
			body:   endOfCallBody,
			err:    fault.Wrap("calls.handle_event", "vapi-1", fault.ErrNotFound, calls.ErrCallNotFound),
			status: http.StatusOK,
			check: func(t *testing.T, body map[string]any) {
				assert.Equal(t, false, body["success"])
			},
		},
		{
			name:   "missing reference",
			body:   endOfCallBody,
			err:    fault.Validation("calls.handle_event", "event carries no call reference"),
			status: http.StatusBadRequest,
		},
		{
			name:   "store failure",
			body:   endOfCallBody,
			err:    assert.AnError,
			status: http.StatusInternalServerError,
		},
		{
			name:   "malformed body",
			body:   `{"message":`,
			status: http.StatusBadRequest,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := WebhookHandler{Provider: testProvider(t), Events: &stubEvents{res: tc.res, err: tc.err}}
			w := serveWebhook(h, "", tc.body)
			assert.Equal(t, tc.status, w.Code)
			if tc.check != nil {
				var body map[string]any
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
				tc.check(t, body)
			}
		})
	}
}

func TestWebhookHandler_NotConfigured(t *testing.T) {
	w := serveWebhook(WebhookHandler{}, "", endOfCallBody)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestDeliveryKey(t *testing.T) {
	assert.Equal(t, "call:vapi-1:end-of-call-report", DeliveryKey(calls.Event{Kind: calls.EventEndOfCall, ExternalCallID: "vapi-1"}))
	assert.Empty(t, DeliveryKey(calls.Event{Kind: calls.EventStatusUpdate, ExternalCallID: "vapi-1"}))
	assert.Empty(t, DeliveryKey(calls.Event{Kind: calls.EventEndOfCall}))
}
