package events

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Routing keys published on the billing exchange.
const (
	KeyLedgerCredited = "ledger.credited"
	KeyLedgerDebited  = "ledger.debited"
	KeyPlanChanged    = "ledger.plan_changed"
	KeyCallSettled    = "call.settled"
)

// BalanceChanged is published after a committed ledger mutation.
type BalanceChanged struct {
	UserID              string          `json:"userId"`
	Kind                string          `json:"kind"`
	Amount              decimal.Decimal `json:"amount"`
	CreditBalance       decimal.Decimal `json:"creditBalance"`
	ExternalOperationID string          `json:"externalOperationId"`
	OccurredAt          time.Time       `json:"occurredAt"`
}

// CallSettled is published when a call reaches a terminal status.
type CallSettled struct {
	CallID          string          `json:"callId"`
	ExternalCallID  string          `json:"externalCallId"`
	UserID          string          `json:"userId"`
	Status          string          `json:"status"`
	Evaluation      string          `json:"evaluation"`
	DurationSeconds int             `json:"durationSeconds"`
	Charged         decimal.Decimal `json:"charged"`
	OccurredAt      time.Time       `json:"occurredAt"`
}

// Publisher sends domain events. Publishing happens after the state change has
// committed; a failure never rolls the change back.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, string, any) error { return nil }

// Emit publishes and logs a failure instead of returning it.
func Emit(ctx context.Context, p Publisher, log *zap.Logger, routingKey string, payload any) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, routingKey, payload); err != nil && log != nil {
		log.Warn("event publish failed", zap.String("routing_key", routingKey), zap.Error(err))
	}
}

// Message is one event captured by Memory.
type Message struct {
	RoutingKey string
	Payload    any
}

// Memory records events in order. Useful for tests and local runs.
type Memory struct {
	mu   sync.Mutex
	msgs []Message
}

func (m *Memory) Publish(_ context.Context, routingKey string, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, Message{RoutingKey: routingKey, Payload: payload})
	return nil
}

// Messages returns a copy of everything published so far.
func (m *Memory) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.msgs))
	copy(out, m.msgs)
	return out
}

// Keys returns the routing keys published so far, in order.
func (m *Memory) Keys() []string {
	msgs := m.Messages()
	out := make([]string, len(msgs))
	for i, msg := range msgs {
		out[i] = msg.RoutingKey
	}
	return out
}
