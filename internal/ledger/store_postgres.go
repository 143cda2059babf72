package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"billing-core/pkg/utils"
)

const accountColumns = `id, user_id, plan_kind, plan_ref,
	quota_minutes_total, quota_minutes_used, quota_assistants_total, quota_assistants_used,
	extra_minutes, extra_assistants, credit_balance,
	billing_period_start, billing_period_end, is_active, version, created_at, updated_at`

const transactionColumns = `id, user_id, kind, amount, external_operation_id, balance_before, description, created_at`

// PostgresStore is the durable Store. Accounts carry a version column; writes are
// conditional on it and on the unique index over transactions.external_operation_id.
type PostgresStore struct {
	db          *sql.DB
	now         func() time.Time
	maxAttempts int
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now, maxAttempts: DefaultMaxAttempts}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (Account, error) {
	var (
		a           Account
		kind        string
		start, stop sql.NullTime
	)
	err := row.Scan(&a.ID, &a.UserID, &kind, &a.PlanRef,
		&a.QuotaMinutesTotal, &a.QuotaMinutesUsed, &a.QuotaAssistantsTotal, &a.QuotaAssistantsUsed,
		&a.ExtraMinutes, &a.ExtraAssistants, &a.CreditBalance,
		&start, &stop, &a.IsActive, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return Account{}, err
	}
	a.PlanKind = PlanKind(kind)
	if start.Valid {
		a.BillingPeriodStart = start.Time
	}
	if stop.Valid {
		a.BillingPeriodEnd = stop.Time
	}
	return a, nil
}

func scanTransaction(row rowScanner) (Transaction, error) {
	var (
		t    Transaction
		kind string
	)
	if err := row.Scan(&t.ID, &t.UserID, &kind, &t.Amount, &t.ExternalOperationID, &t.BalanceBefore, &t.Description, &t.CreatedAt); err != nil {
		return Transaction{}, err
	}
	t.Kind = TxKind(kind)
	return t, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func (s *PostgresStore) GetActiveAccount(ctx context.Context, userID string) (Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM ledger_accounts WHERE user_id = $1 AND is_active`, userID)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrAccountNotFound
	}
	return a, err
}

func (s *PostgresStore) CreateAccount(ctx context.Context, acct Account) (Account, error) {
	if err := validateNewAccount(acct); err != nil {
		return Account{}, err
	}
	ts := s.now().UTC()
	acct.ID = uuid.NewString()
	acct.IsActive = true
	acct.Version = 1
	acct.CreatedAt = ts
	acct.UpdatedAt = ts

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_accounts (`+accountColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		acct.ID, acct.UserID, string(acct.PlanKind), acct.PlanRef,
		acct.QuotaMinutesTotal, acct.QuotaMinutesUsed, acct.QuotaAssistantsTotal, acct.QuotaAssistantsUsed,
		acct.ExtraMinutes, acct.ExtraAssistants, acct.CreditBalance,
		nullTime(acct.BillingPeriodStart), nullTime(acct.BillingPeriodEnd), acct.IsActive, acct.Version, acct.CreatedAt, acct.UpdatedAt)
	if utils.IsUniqueViolation(err, "") {
		return Account{}, ErrAccountExists
	}
	if err != nil {
		return Account{}, err
	}
	return acct, nil
}

func (s *PostgresStore) Mutate(ctx context.Context, userID string, fn MutateFunc) (Result, error) {
	return mutate(ctx, postgresBackend{s}, s.now, s.maxAttempts, userID, fn)
}

func (s *PostgresStore) FindTransaction(ctx context.Context, externalOperationID string) (Transaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE external_operation_id = $1`, externalOperationID)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Transaction{}, ErrTransactionNotFound
	}
	return t, err
}

func (s *PostgresStore) ListTransactions(ctx context.Context, userID string, from, to time.Time) ([]Transaction, error) {
	if to.IsZero() {
		to = s.now().UTC().AddDate(100, 0, 0)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE user_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at ASC`, userID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Transaction, 0)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type postgresBackend struct{ s *PostgresStore }

func (b postgresBackend) load(ctx context.Context, userID string) (Account, error) {
	return b.s.GetActiveAccount(ctx, userID)
}

func (b postgresBackend) hasTransaction(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := b.s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM transactions WHERE external_operation_id = $1)`, key).Scan(&exists)
	return exists, err
}

func (b postgresBackend) commit(ctx context.Context, before, after Account, rec *Transaction) error {
	return utils.WithTx(ctx, b.s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE ledger_accounts SET
				plan_kind = $3, plan_ref = $4,
				quota_minutes_total = $5, quota_minutes_used = $6,
				quota_assistants_total = $7, quota_assistants_used = $8,
				extra_minutes = $9, extra_assistants = $10, credit_balance = $11,
				billing_period_start = $12, billing_period_end = $13,
				version = $14, updated_at = $15
			WHERE id = $1 AND version = $2 AND is_active`,
			before.ID, before.Version,
			string(after.PlanKind), after.PlanRef,
			after.QuotaMinutesTotal, after.QuotaMinutesUsed,
			after.QuotaAssistantsTotal, after.QuotaAssistantsUsed,
			after.ExtraMinutes, after.ExtraAssistants, after.CreditBalance,
			nullTime(after.BillingPeriodStart), nullTime(after.BillingPeriodEnd),
			after.Version, after.UpdatedAt)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return errVersionConflict
		}

		if rec == nil {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO transactions (`+transactionColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			rec.ID, rec.UserID, string(rec.Kind), rec.Amount, rec.ExternalOperationID, rec.BalanceBefore, rec.Description, rec.CreatedAt)
		if utils.IsUniqueViolation(err, "") {
			return errDuplicateOperation
		}
		return err
	})
}
