package calls

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"billing-core/internal/fault"
	"billing-core/pkg/logger"
	"billing-core/pkg/utils"
)

// EndedReasonInitiationFailed marks a call the provider never accepted.
const EndedReasonInitiationFailed = "initiation-failed"

// MetadataCallRecordID is the metadata key carrying the correlation id.
const MetadataCallRecordID = "callRecordId"

// DialRequest asks the voice provider to place a call.
type DialRequest struct {
	PhoneNumber  string
	AssistantRef string
	Metadata     map[string]string
}

// Dialer is the voice collaborator. It returns the provider's call id.
// Errors wrapping fault.ErrValidation are not retried.
type Dialer interface {
	Dial(ctx context.Context, req DialRequest) (string, error)
}

// StartRequest is a user's request to call a lead.
type StartRequest struct {
	UserID       string `json:"-" validate:"required"`
	PhoneNumber  string `json:"phoneNumber" validate:"required,e164"`
	AssistantRef string `json:"assistantRef" validate:"required"`
	LeadRef      string `json:"leadRef"`
}

// InitiatorConfig bounds initiation retries.
type InitiatorConfig struct {
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Initiator creates CallRecords and dials them.
type Initiator struct {
	repo     Repository
	dialer   Dialer
	slots    Slots
	estimate func() decimal.Decimal
	cfg      InitiatorConfig
	log      *zap.Logger
	clock    func() time.Time
}

func NewInitiator(repo Repository, dialer Dialer, slots Slots, estimate func() decimal.Decimal, cfg InitiatorConfig, log *zap.Logger) *Initiator {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}
	if estimate == nil {
		estimate = func() decimal.Decimal { return decimal.Zero }
	}
	return &Initiator{repo: repo, dialer: dialer, slots: slots, estimate: estimate, cfg: cfg, log: logger.OrNop(log).Named("calls"), clock: time.Now}
}

// StartCall records the call and dials it with bounded exponential backoff.
// On success the record is calling; when every attempt fails it is settled as
// failed (nothing to bill) and a provider error is returned with the record.
func (i *Initiator) StartCall(ctx context.Context, req StartRequest) (CallRecord, error) {
	req.PhoneNumber = strings.TrimSpace(req.PhoneNumber)
	if err := utils.ValidateStruct(req); err != nil {
		return CallRecord{}, fault.Wrap("calls.start", req.UserID, fault.ErrValidation, err)
	}

	if i.slots != nil {
		ok, err := i.slots.Acquire(ctx, req.UserID)
		if err != nil {
			return CallRecord{}, err
		}
		if !ok {
			return CallRecord{}, ErrTooManyCalls
		}
	}

	now := i.clock().UTC()
	rec := CallRecord{
		ID:             uuid.NewString(),
		UserID:         req.UserID,
		LeadRef:        req.LeadRef,
		PhoneNumber:    req.PhoneNumber,
		AssistantRef:   req.AssistantRef,
		Status:         StatusInitiated,
		CostEstimate:   i.estimate(),
		ProviderCost:   decimal.Zero,
		Charged:        decimal.Zero,
		UnbilledAmount: decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := i.repo.Create(ctx, rec); err != nil {
		i.release(ctx, req.UserID)
		return CallRecord{}, err
	}
	rec.Version = 1
	log := i.log.With(zap.String("call_id", rec.ID), zap.String("user_id", rec.UserID))

	externalID, dialErr := i.dial(ctx, log, DialRequest{
		PhoneNumber:  rec.PhoneNumber,
		AssistantRef: rec.AssistantRef,
		Metadata:     map[string]string{MetadataCallRecordID: rec.ID, "userId": rec.UserID, "leadRef": rec.LeadRef},
	})

	stored, err := i.finish(ctx, rec, externalID, dialErr)
	if err != nil {
		if dialErr != nil {
			// The provider never took the call, so its slot is free whatever the record says.
			i.release(ctx, req.UserID)
		}
		log.Error("call record update failed", zap.NamedError("dial_error", dialErr), zap.Error(err))
		return rec, err
	}
	if dialErr != nil {
		i.release(ctx, req.UserID)
		log.Warn("call initiation failed", zap.Int("attempts", i.cfg.Attempts), zap.Error(dialErr))
		if errors.Is(dialErr, fault.ErrValidation) {
			return stored, dialErr
		}
		return stored, fault.Provider("calls.start", rec.ID, dialErr)
	}
	log.Info("call initiated", zap.String("external_call_id", externalID))
	return stored, nil
}

func (i *Initiator) dial(ctx context.Context, log *zap.Logger, req DialRequest) (string, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = i.cfg.InitialBackoff
	b.MaxInterval = i.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(i.cfg.Attempts-1)), ctx)

	var externalID string
	err := backoff.RetryNotify(func() error {
		id, err := i.dialer.Dial(ctx, req)
		if err != nil {
			if errors.Is(err, fault.ErrValidation) {
				return backoff.Permanent(err)
			}
			return err
		}
		if id == "" {
			return errors.New("provider returned no call id")
		}
		externalID = id
		return nil
	}, policy, func(err error, wait time.Duration) {
		log.Warn("call initiation attempt failed; retrying", zap.Duration("wait", wait), zap.Error(err))
	})
	return externalID, err
}

// finish moves the record to calling or to settled-failed. A webhook may have
// touched the record meanwhile, so the update retries against fresh reads.
func (i *Initiator) finish(ctx context.Context, rec CallRecord, externalID string, dialErr error) (CallRecord, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		next := rec
		if dialErr == nil {
			if next.ExternalCallID == externalID && next.Status != StatusInitiated {
				return next, nil
			}
			next.ExternalCallID = externalID
			if next.Status == StatusInitiated {
				next.Status = StatusCalling
			}
		} else {
			if next.Terminal() {
				return next, nil
			}
			now := i.clock().UTC()
			next.Status = StatusFailed
			next.EndedReason = EndedReasonInitiationFailed
			next.Evaluation = EvaluationNeutral
			next.SettledAt = &now
			next.BilledAt = &now
		}
		stored, err := i.repo.Update(ctx, next)
		if err == nil {
			return stored, nil
		}
		if !errors.Is(err, errVersionConflict) {
			return rec, err
		}
		if rec, err = i.repo.Get(ctx, rec.ID); err != nil {
			return rec, err
		}
	}
	return rec, ErrConcurrentUpdate
}

func (i *Initiator) release(ctx context.Context, userID string) {
	if i.slots == nil {
		return
	}
	if err := i.slots.Release(ctx, userID); err != nil {
		i.log.Warn("call slot release failed", zap.String("user_id", userID), zap.Error(err))
	}
}
