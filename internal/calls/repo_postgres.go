package calls

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"billing-core/pkg/utils"

	"github.com/google/uuid"
)

const columns = `id, user_id, external_call_id, lead_ref, phone_number, assistant_ref,
	status, duration_seconds, ended_reason, evaluation, transcript, summary, recording_url,
	cost_estimate, provider_cost, charged, unbilled_amount,
	settled_at, billed_at, version, created_at, updated_at`

// PostgresRepo stores calls in the calls table (unique on external_call_id).
type PostgresRepo struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db, now: time.Now}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (CallRecord, error) {
	var (
		c                 CallRecord
		extID             sql.NullString
		status, eval      string
		settled, billedAt sql.NullTime
	)
	err := row.Scan(&c.ID, &c.UserID, &extID, &c.LeadRef, &c.PhoneNumber, &c.AssistantRef,
		&status, &c.DurationSeconds, &c.EndedReason, &eval, &c.Transcript, &c.Summary, &c.RecordingURL,
		&c.CostEstimate, &c.ProviderCost, &c.Charged, &c.UnbilledAmount,
		&settled, &billedAt, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return CallRecord{}, err
	}
	c.ExternalCallID = extID.String
	c.Status = Status(status)
	c.Evaluation = Evaluation(eval)
	if settled.Valid {
		t := settled.Time
		c.SettledAt = &t
	}
	if billedAt.Valid {
		t := billedAt.Time
		c.BilledAt = &t
	}
	return c, nil
}

func nullString(s string) sql.NullString { return sql.NullString{String: s, Valid: s != ""} }

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func (r *PostgresRepo) Create(ctx context.Context, c CallRecord) error {
	c.Version = 1
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO calls (`+columns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`,
		c.ID, c.UserID, nullString(c.ExternalCallID), c.LeadRef, c.PhoneNumber, c.AssistantRef,
		string(c.Status), c.DurationSeconds, c.EndedReason, string(c.Evaluation), c.Transcript, c.Summary, c.RecordingURL,
		c.CostEstimate, c.ProviderCost, c.Charged, c.UnbilledAmount,
		nullTimePtr(c.SettledAt), nullTimePtr(c.BilledAt), c.Version, c.CreatedAt, c.UpdatedAt)
	if utils.IsUniqueViolation(err, "") {
		return ErrCallExists
	}
	return err
}

func (r *PostgresRepo) getBy(ctx context.Context, where string, arg any) (CallRecord, error) {
	c, err := scanCall(r.db.QueryRowContext(ctx, `SELECT `+columns+` FROM calls WHERE `+where+` = $1`, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return CallRecord{}, ErrCallNotFound
	}
	return c, err
}

// Get loads a record by id. The id column is a UUID, so anything that does not
// parse as one cannot match and is reported as not found without a round trip.
func (r *PostgresRepo) Get(ctx context.Context, id string) (CallRecord, error) {
	if _, err := uuid.Parse(id); err != nil {
		return CallRecord{}, ErrCallNotFound
	}
	return r.getBy(ctx, "id", id)
}

func (r *PostgresRepo) GetByExternalID(ctx context.Context, externalCallID string) (CallRecord, error) {
	return r.getBy(ctx, "external_call_id", externalCallID)
}

func (r *PostgresRepo) Update(ctx context.Context, c CallRecord) (CallRecord, error) {
	next := c
	next.Version = c.Version + 1
	next.UpdatedAt = r.now().UTC()

	res, err := r.db.ExecContext(ctx, `
		UPDATE calls SET
			external_call_id = $3, status = $4, duration_seconds = $5, ended_reason = $6, evaluation = $7,
			transcript = $8, summary = $9, recording_url = $10,
			provider_cost = $11, charged = $12, unbilled_amount = $13,
			settled_at = $14, billed_at = $15, version = $16, updated_at = $17
		WHERE id = $1 AND version = $2`,
		c.ID, c.Version,
		nullString(next.ExternalCallID), string(next.Status), next.DurationSeconds, next.EndedReason, string(next.Evaluation),
		next.Transcript, next.Summary, next.RecordingURL,
		next.ProviderCost, next.Charged, next.UnbilledAmount,
		nullTimePtr(next.SettledAt), nullTimePtr(next.BilledAt), next.Version, next.UpdatedAt)
	if utils.IsUniqueViolation(err, "") {
		return CallRecord{}, ErrCallExists
	}
	if err != nil {
		return CallRecord{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return CallRecord{}, err
	}
	if n == 0 {
		if _, err := r.Get(ctx, c.ID); err != nil {
			return CallRecord{}, err
		}
		return CallRecord{}, errVersionConflict
	}
	return next, nil
}

func (r *PostgresRepo) ListUnbilled(ctx context.Context, limit int) ([]CallRecord, error) {
	return r.query(ctx, `
		SELECT `+columns+` FROM calls
		WHERE settled_at IS NOT NULL AND billed_at IS NULL
		ORDER BY settled_at ASC
		LIMIT $1`, limitOrDefault(limit))
}

func (r *PostgresRepo) ListUnsettledBefore(ctx context.Context, cutoff time.Time, limit int) ([]CallRecord, error) {
	return r.query(ctx, `
		SELECT `+columns+` FROM calls
		WHERE settled_at IS NULL AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2`, cutoff, limitOrDefault(limit))
}

func (r *PostgresRepo) ListByUser(ctx context.Context, userID string, from, to time.Time) ([]CallRecord, error) {
	if to.IsZero() {
		to = r.now().UTC().AddDate(100, 0, 0)
	}
	return r.query(ctx, `
		SELECT `+columns+` FROM calls
		WHERE user_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at ASC`, userID, from, to)
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 500
	}
	return limit
}

func (r *PostgresRepo) query(ctx context.Context, q string, args ...any) ([]CallRecord, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]CallRecord, 0)
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
