package telephony

import "billing-core/internal/calls"

// Provider is a voice provider adapter. Adapters translate the provider's wire
// formats into calls types and make no billing decisions.
type Provider interface {
	calls.Dialer
	Name() string
	// ParseWebhook turns one provider delivery into a normalized event.
	ParseWebhook(raw []byte) (calls.Event, error)
}

var _ Provider = (*VapiClient)(nil)
