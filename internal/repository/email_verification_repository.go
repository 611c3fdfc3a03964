package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/vehicle-insurance-auth/internal/models"
)

// EmailVerificationRepository persists email verification tokens.
type EmailVerificationRepository struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewEmailVerificationRepository creates a new instance of EmailVerificationRepository.
func NewEmailVerificationRepository(db *sqlx.DB) *EmailVerificationRepository {
	return &EmailVerificationRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Save inserts a token and stores the generated id on it.
func (r *EmailVerificationRepository) Save(ctx context.Context, token *models.EmailVerificationToken) error {
	if token.CreatedAt.IsZero() {
		token.CreatedAt = r.now()
	}
	const query = `INSERT INTO email_verification_tokens (user_id, token, expires_at, created_at) VALUES ($1, $2, $3, $4) RETURNING id`
	row := r.db.QueryRowxContext(ctx, query, token.UserID, token.Token, token.ExpiresAt, token.CreatedAt)
	if err := row.Scan(&token.ID); err != nil {
		return fmt.Errorf("create email verification token: %w", err)
	}
	return nil
}

// FindByToken looks a token up regardless of its state.
func (r *EmailVerificationRepository) FindByToken(ctx context.Context, token string) (*models.EmailVerificationToken, error) {
	const query = `SELECT id, user_id, token, expires_at, used_at, created_at FROM email_verification_tokens WHERE token = $1 LIMIT 1`
	var record models.EmailVerificationToken
	if err := r.db.GetContext(ctx, &record, query, token); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("find email verification token: %w", err)
	}
	return &record, nil
}

// MarkUsed stamps used_at when it is still empty. Marking an already used token is a no-op.
func (r *EmailVerificationRepository) MarkUsed(ctx context.Context, id int64) error {
	const query = `UPDATE email_verification_tokens SET used_at = $2 WHERE id = $1 AND used_at IS NULL`
	if _, err := r.db.ExecContext(ctx, query, id, r.now()); err != nil {
		return fmt.Errorf("mark email verification token used: %w", err)
	}
	return nil
}

// ConfirmEmail consumes the token and flips the user's email_confirmed flag in
// one transaction. It returns sql.ErrNoRows and rolls back when the token was
// consumed concurrently or the user is already confirmed.
func (r *EmailVerificationRepository) ConfirmEmail(ctx context.Context, userID, tokenID int64) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin confirm email tx: %w", err)
	}
	now := r.now()

	const consume = `UPDATE email_verification_tokens SET used_at = $2 WHERE id = $1 AND used_at IS NULL`
	if err := execOne(ctx, tx, "consume email verification token", consume, tokenID, now); err != nil {
		_ = tx.Rollback()
		return err
	}

	const confirm = `UPDATE users SET email_confirmed = TRUE, updated_at = $2 WHERE id = $1 AND email_confirmed = FALSE`
	if err := execOne(ctx, tx, "confirm user email", confirm, userID, now); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit confirm email tx: %w", err)
	}
	return nil
}

func execOne(ctx context.Context, e sqlx.ExecerContext, op, query string, args ...interface{}) error {
	res, err := e.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows: %w", op, err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
