package calls

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"billing-core/internal/events"
	"billing-core/internal/fault"
	"billing-core/pkg/logger"
)

const maxUpdateAttempts = 8

// Slots caps concurrent calls per user. A nil Slots means no cap.
type Slots interface {
	Acquire(ctx context.Context, subject string) (bool, error)
	Release(ctx context.Context, subject string) error
}

// Reconciler drives CallRecords from provider webhooks and bills them at settlement.
type Reconciler struct {
	repo   Repository
	biller *Biller
	slots  Slots
	events events.Publisher
	log    *zap.Logger
	clock  func() time.Time
}

func NewReconciler(repo Repository, biller *Biller, slots Slots, pub events.Publisher, log *zap.Logger) *Reconciler {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Reconciler{repo: repo, biller: biller, slots: slots, events: pub, log: logger.OrNop(log).Named("calls"), clock: time.Now}
}

// HandleResult describes what one event did.
type HandleResult struct {
	Call    *CallRecord `json:"call,omitempty"`
	Changed bool        `json:"changed"`
	Settled bool        `json:"settled"`
	Ignored bool        `json:"ignored,omitempty"`
	Charge  *Charge     `json:"charge,omitempty"`
}

// HandleEvent applies one webhook event. Replays and stale events leave the
// record unchanged; the terminal transition happens at most once per call and
// is the only path that bills minutes.
func (r *Reconciler) HandleEvent(ctx context.Context, ev Event) (HandleResult, error) {
	log := r.log.With(
		zap.String("event", string(ev.Kind)),
		zap.String("correlation_id", ev.CorrelationID),
		zap.String("external_call_id", ev.ExternalCallID))

	if !ev.Kind.Known() {
		log.Debug("call event ignored")
		return HandleResult{Ignored: true}, nil
	}
	if ev.Kind == EventMessage {
		return HandleResult{Ignored: true}, nil
	}
	if ev.CorrelationID == "" && ev.ExternalCallID == "" {
		return HandleResult{}, fault.Validation("calls.handle_event", "event carries no call reference")
	}

	rec, err := r.lookup(ctx, ev)
	if errors.Is(err, ErrCallNotFound) {
		log.Warn("call event for unknown call")
		return HandleResult{}, err
	}
	if err != nil {
		return HandleResult{}, err
	}

	var settled, changed bool
	for attempt := 0; ; attempt++ {
		var next CallRecord
		next, changed, settled = apply(rec, ev, r.clock().UTC())
		if !changed {
			break
		}
		stored, err := r.repo.Update(ctx, next)
		if err == nil {
			rec = stored
			break
		}
		if !errors.Is(err, errVersionConflict) {
			return HandleResult{}, err
		}
		if attempt+1 >= maxUpdateAttempts {
			return HandleResult{}, ErrConcurrentUpdate
		}
		if rec, err = r.repo.Get(ctx, rec.ID); err != nil {
			return HandleResult{}, err
		}
	}

	out := HandleResult{Call: &rec, Changed: changed, Settled: settled}
	if !changed {
		log.Debug("call event had no effect", zap.String("call_id", rec.ID), zap.String("status", string(rec.Status)))
		return out, nil
	}
	if !settled {
		return out, nil
	}

	log.Info("call settled",
		zap.String("call_id", rec.ID),
		zap.String("status", string(rec.Status)),
		zap.Int("duration_seconds", rec.DurationSeconds),
		zap.String("ended_reason", rec.EndedReason))
	r.releaseSlot(ctx, rec.UserID)

	billed, charge, err := r.Bill(ctx, rec)
	if err != nil {
		// The record stays unbilled; the retry job picks it up.
		log.Error("call debit failed", zap.String("call_id", rec.ID), zap.Error(err))
		return out, nil
	}
	out.Call = &billed
	out.Charge = &charge
	return out, nil
}

func (r *Reconciler) lookup(ctx context.Context, ev Event) (CallRecord, error) {
	if ev.CorrelationID != "" {
		rec, err := r.repo.Get(ctx, ev.CorrelationID)
		if err == nil || !errors.Is(err, ErrCallNotFound) {
			return rec, err
		}
	}
	if ev.ExternalCallID != "" {
		return r.repo.GetByExternalID(ctx, ev.ExternalCallID)
	}
	return CallRecord{}, ErrCallNotFound
}

func (r *Reconciler) releaseSlot(ctx context.Context, userID string) {
	if r.slots == nil {
		return
	}
	if err := r.slots.Release(ctx, userID); err != nil {
		r.log.Warn("call slot release failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// Bill debits a settled call and stamps it billed. Calling it again for a
// billed call is a no-op.
func (r *Reconciler) Bill(ctx context.Context, rec CallRecord) (CallRecord, Charge, error) {
	if !rec.NeedsBilling() {
		return rec, Charge{Charged: rec.Charged, Unbilled: rec.UnbilledAmount, AlreadyProcessed: true}, nil
	}
	charge, err := r.biller.Debit(ctx, rec)
	if err != nil {
		return rec, Charge{}, err
	}

	for attempt := 0; ; attempt++ {
		if !rec.NeedsBilling() {
			return rec, charge, nil
		}
		next := rec
		now := r.clock().UTC()
		next.BilledAt = &now
		next.Charged = charge.Charged
		next.UnbilledAmount = charge.Unbilled
		stored, err := r.repo.Update(ctx, next)
		if err == nil {
			rec = stored
			break
		}
		if !errors.Is(err, errVersionConflict) {
			return rec, Charge{}, err
		}
		if attempt+1 >= maxUpdateAttempts {
			return rec, Charge{}, ErrConcurrentUpdate
		}
		if rec, err = r.repo.Get(ctx, rec.ID); err != nil {
			return rec, Charge{}, err
		}
	}

	if !charge.AlreadyProcessed {
		events.Emit(ctx, r.events, r.log, events.KeyCallSettled, events.CallSettled{
			CallID:          rec.ID,
			ExternalCallID:  rec.ExternalCallID,
			UserID:          rec.UserID,
			Status:          string(rec.Status),
			Evaluation:      string(rec.Evaluation),
			DurationSeconds: rec.DurationSeconds,
			Charged:         charge.Charged,
			OccurredAt:      *rec.SettledAt,
		})
	}
	return rec, charge, nil
}

// RetryUnbilled bills settled calls whose debit did not complete.
func (r *Reconciler) RetryUnbilled(ctx context.Context, limit int) (int, error) {
	recs, err := r.repo.ListUnbilled(ctx, limit)
	if err != nil {
		return 0, err
	}
	billed := 0
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return billed, err
		}
		if _, _, err := r.Bill(ctx, rec); err != nil {
			r.log.Error("unbilled call retry failed", zap.String("call_id", rec.ID), zap.Error(err))
			continue
		}
		billed++
	}
	if billed > 0 {
		r.log.Info("unbilled calls recovered", zap.Int("count", billed))
	}
	return billed, nil
}

// ReportStale logs calls that have not settled within olderThan. They are
// never failed automatically.
func (r *Reconciler) ReportStale(ctx context.Context, olderThan time.Duration, limit int) ([]CallRecord, error) {
	recs, err := r.repo.ListUnsettledBefore(ctx, r.clock().UTC().Add(-olderThan), limit)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		r.log.Warn("reconciliation gap: call never settled",
			zap.String("call_id", rec.ID),
			zap.String("external_call_id", rec.ExternalCallID),
			zap.String("user_id", rec.UserID),
			zap.String("status", string(rec.Status)),
			zap.Time("last_update", rec.UpdatedAt))
	}
	return recs, nil
}

// Get returns a call owned by userID.
func (r *Reconciler) Get(ctx context.Context, userID, id string) (CallRecord, error) {
	rec, err := r.repo.Get(ctx, id)
	if err != nil {
		return CallRecord{}, err
	}
	if rec.UserID != userID {
		return CallRecord{}, ErrCallNotFound
	}
	return rec, nil
}
