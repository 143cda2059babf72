package pending

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"billing-core/pkg/utils"
)

const columns = `external_operation_id, user_id, kind, amount, quantity, description, status, created_at, completed_at`

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func scanOperation(row interface{ Scan(...any) error }) (Operation, error) {
	var (
		op           Operation
		kind, status string
		completedAt  sql.NullTime
	)
	if err := row.Scan(&op.ExternalOperationID, &op.UserID, &kind, &op.Amount, &op.Quantity, &op.Description, &status, &op.CreatedAt, &completedAt); err != nil {
		return Operation{}, err
	}
	op.Kind = Kind(kind)
	op.Status = Status(status)
	if completedAt.Valid {
		t := completedAt.Time
		op.CompletedAt = &t
	}
	return op, nil
}

func (r *PostgresRepo) Create(ctx context.Context, op Operation) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO pending_operations (`+columns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NULL)`,
		op.ExternalOperationID, op.UserID, string(op.Kind), op.Amount, op.Quantity, op.Description, string(op.Status), op.CreatedAt)
	if utils.IsUniqueViolation(err, "") {
		return ErrExists
	}
	return err
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (Operation, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+columns+` FROM pending_operations WHERE external_operation_id = $1`, id)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Operation{}, ErrNotFound
	}
	return op, err
}

func (r *PostgresRepo) MarkCompleted(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE pending_operations SET status = 'completed', completed_at = $2
		WHERE external_operation_id = $1 AND status = 'pending'`, id, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, err := r.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (r *PostgresRepo) ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]Operation, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+columns+` FROM pending_operations
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Operation, 0)
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) DeletePending(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM pending_operations WHERE external_operation_id = $1 AND status = 'pending'`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
