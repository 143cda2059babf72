package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"billing-core/pkg/logger"
)

// Repository is the persistence contract for audit events. It is append-only.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service logs internal audit information.
//
// Audit is internal-only; records are never exposed to account owners.
// The Log* helpers are best-effort: failures are logged and swallowed.
type Service struct {
	repo  Repository
	log   *zap.Logger
	clock func() time.Time
}

func NewService(repo Repository, log *zap.Logger) *Service {
	return &Service{repo: repo, log: logger.OrNop(log).Named("audit"), clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Type == "" || e.Message == "" {
		return ErrInvalidEvent
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// Actor identifies who performed an admin action.
type Actor struct {
	UserID string
	Role   string
	IP     string
}

// LogAdminAction records an admin change to subjectUserID's account.
func (s *Service) LogAdminAction(ctx context.Context, actor Actor, subjectUserID, message, metadata string) {
	s.record(ctx, Event{
		Type:          EventTypeAdminAction,
		ActorUserID:   actor.UserID,
		ActorRole:     actor.Role,
		IPAddress:     actor.IP,
		SubjectUserID: subjectUserID,
		Message:       message,
		Metadata:      metadata,
	})
}

// LogIncident records a refused invariant violation for investigation.
func (s *Service) LogIncident(ctx context.Context, subjectUserID, reference string, cause error) {
	if s == nil {
		return
	}
	msg := "invariant violation"
	if cause != nil {
		msg = cause.Error()
	}
	s.log.Error("integrity incident",
		zap.String("subject_user_id", subjectUserID),
		zap.String("reference", reference),
		zap.Error(cause))
	s.record(ctx, Event{
		Type:          EventTypeIntegrity,
		SubjectUserID: subjectUserID,
		Reference:     reference,
		Message:       msg,
	})
}

func (s *Service) record(ctx context.Context, e Event) {
	if s == nil {
		return
	}
	if err := s.Append(ctx, e); err != nil {
		s.log.Warn("audit append failed", zap.String("type", string(e.Type)), zap.Error(err))
	}
}
