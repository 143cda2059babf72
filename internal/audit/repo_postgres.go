package audit

import (
	"context"
	"database/sql"
)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, type, actor_user_id, actor_role, ip_address, subject_user_id, reference, message, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NULLIF($9,'')::jsonb,$10)`,
		e.ID, string(e.Type), e.ActorUserID, e.ActorRole, e.IPAddress, e.SubjectUserID, e.Reference, e.Message, e.Metadata, e.CreatedAt)
	return err
}
