package telephony

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"billing-core/internal/calls"
	"billing-core/internal/fault"
)

func newTestVapi(t *testing.T, h http.HandlerFunc) *VapiClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewVapiClient(VapiConfig{BaseURL: srv.URL + "/", APIKey: "key", PhoneNumberID: "pn-1"})
	require.NoError(t, err)
	return c
}

func TestNewVapiClient_RequiresSettings(t *testing.T) {
	_, err := NewVapiClient(VapiConfig{APIKey: "k", PhoneNumberID: "p"})
	assert.Error(t, err)
	_, err = NewVapiClient(VapiConfig{BaseURL: "https://api.vapi.ai", PhoneNumberID: "p"})
	assert.Error(t, err)
	_, err = NewVapiClient(VapiConfig{BaseURL: "https://api.vapi.ai", APIKey: "k"})
	assert.Error(t, err)
}

func TestVapiDial_CreatesCall(t *testing.T) {
	var got vapiCreateCall
	c := newTestVapi(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/call", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"vapi-call-1","status":"queued"}`))
	})

	id, err := c.Dial(context.Background(), calls.DialRequest{
		PhoneNumber:  "+15550100",
		AssistantRef: "asst-1",
		Metadata:     map[string]string{calls.MetadataCallRecordID: "rec-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "vapi-call-1", id)
	assert.Equal(t, "pn-1", got.PhoneNumberID)
	assert.Equal(t, "asst-1", got.AssistantID)
	assert.Equal(t, "+15550100", got.Customer.Number)
	assert.Equal(t, "rec-1", got.Metadata[calls.MetadataCallRecordID])
}

func TestVapiDial_ErrorClassification(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		body      string
		permanent bool
	}{
		{"bad request", http.StatusBadRequest, `{"message":["customer.number must be a valid phone number"]}`, true},
		{"unauthorized", http.StatusUnauthorized, `{"message":"Invalid Key"}`, true},
		{"rate limited", http.StatusTooManyRequests, `{"message":"slow down"}`, false},
		{"server error", http.StatusBadGateway, `oops`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestVapi(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			_, err := c.Dial(context.Background(), calls.DialRequest{PhoneNumber: "+15550100", AssistantRef: "a"})
			require.Error(t, err)
			if tc.permanent {
				assert.ErrorIs(t, err, fault.ErrValidation)
			} else {
				assert.ErrorIs(t, err, fault.ErrProvider)
			}
		})
	}
}

func TestVapiDial_MissingID(t *testing.T) {
	c := newTestVapi(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"queued"}`))
	})
	_, err := c.Dial(context.Background(), calls.DialRequest{PhoneNumber: "+15550100", AssistantRef: "a"})
	assert.ErrorIs(t, err, fault.ErrProvider)
}

func TestVapiMessage(t *testing.T) {
	assert.Equal(t, "a; b", vapiMessage([]byte(`{"message":["a","b"]}`)))
	assert.Equal(t, "nope", vapiMessage([]byte(`{"message":"nope"}`)))
	assert.Equal(t, "Bad Request", vapiMessage([]byte(`{"error":"Bad Request"}`)))
	assert.Equal(t, "plain", vapiMessage([]byte(`plain`)))
}
