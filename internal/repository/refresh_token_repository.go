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

const refreshTokenColumns = `id, user_id, token_hash, token_family, issued_at, expires_at, revoked, revoked_at, replaced_by_token_hash, ip_address, user_agent, created_at, updated_at`

// RefreshTokenRepository persists refresh token rows. Rows are never deleted.
type RefreshTokenRepository struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewRefreshTokenRepository creates a new instance of RefreshTokenRepository.
func NewRefreshTokenRepository(db *sqlx.DB) *RefreshTokenRepository {
	return &RefreshTokenRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Add persists a refresh token entry and stores the generated id on it.
func (r *RefreshTokenRepository) Add(ctx context.Context, token *models.RefreshToken) error {
	return insertRefreshToken(ctx, r.db, token, r.now())
}

// FindValid returns the unrevoked, unexpired token matching user and hash.
func (r *RefreshTokenRepository) FindValid(ctx context.Context, userID int64, tokenHash string) (*models.RefreshToken, error) {
	const query = `SELECT ` + refreshTokenColumns + ` FROM refresh_tokens WHERE user_id = $1 AND token_hash = $2 AND revoked = FALSE AND expires_at > $3 LIMIT 1`
	var token models.RefreshToken
	if err := r.db.GetContext(ctx, &token, query, userID, tokenHash, r.now()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("find valid refresh token: %w", err)
	}
	return &token, nil
}

// Revoke marks a still-valid token as revoked. It returns sql.ErrNoRows when the
// row was already revoked or expired, so only one concurrent caller can win.
func (r *RefreshTokenRepository) Revoke(ctx context.Context, token *models.RefreshToken, replacedByHash *string) error {
	return revokeRefreshToken(ctx, r.db, token, replacedByHash, r.now())
}

// Rotate revokes old and inserts next in one transaction, in that order.
func (r *RefreshTokenRepository) Rotate(ctx context.Context, old, next *models.RefreshToken) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rotate refresh token tx: %w", err)
	}
	now := r.now()
	if err := revokeRefreshToken(ctx, tx, old, &next.TokenHash, now); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := insertRefreshToken(ctx, tx, next, now); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rotate refresh token tx: %w", err)
	}
	return nil
}

// RevokeFamily revokes every valid token of the family and returns the count.
func (r *RefreshTokenRepository) RevokeFamily(ctx context.Context, userID int64, family string) (int64, error) {
	const query = `UPDATE refresh_tokens SET revoked = TRUE, revoked_at = $3, updated_at = $3
WHERE user_id = $1 AND token_family = $2 AND revoked = FALSE AND expires_at > $3`
	res, err := r.db.ExecContext(ctx, query, userID, family, r.now())
	if err != nil {
		return 0, fmt.Errorf("revoke refresh token family: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoke refresh token family rows: %w", err)
	}
	return affected, nil
}

// ListActive returns the user's valid tokens, newest first.
func (r *RefreshTokenRepository) ListActive(ctx context.Context, userID int64) ([]models.RefreshToken, error) {
	const query = `SELECT ` + refreshTokenColumns + ` FROM refresh_tokens WHERE user_id = $1 AND revoked = FALSE AND expires_at > $2 ORDER BY issued_at DESC`
	var tokens []models.RefreshToken
	if err := r.db.SelectContext(ctx, &tokens, query, userID, r.now()); err != nil {
		return nil, fmt.Errorf("list active refresh tokens: %w", err)
	}
	return tokens, nil
}

func insertRefreshToken(ctx context.Context, q sqlx.QueryerContext, token *models.RefreshToken, now time.Time) error {
	if token.IssuedAt.IsZero() {
		token.IssuedAt = now
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = now
	}
	token.UpdatedAt = now

	const query = `INSERT INTO refresh_tokens (user_id, token_hash, token_family, issued_at, expires_at, revoked, ip_address, user_agent, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`
	row := q.QueryRowxContext(ctx, query,
		token.UserID, token.TokenHash, token.TokenFamily, token.IssuedAt, token.ExpiresAt, token.Revoked,
		token.IPAddress, token.UserAgent, token.CreatedAt, token.UpdatedAt)
	if err := row.Scan(&token.ID); err != nil {
		return fmt.Errorf("create refresh token: %w", err)
	}
	return nil
}

func revokeRefreshToken(ctx context.Context, e sqlx.ExecerContext, token *models.RefreshToken, replacedByHash *string, now time.Time) error {
	const query = `UPDATE refresh_tokens SET revoked = TRUE, revoked_at = $2, replaced_by_token_hash = $3, updated_at = $2
WHERE id = $1 AND revoked = FALSE AND expires_at > $2`
	res, err := e.ExecContext(ctx, query, token.ID, now, replacedByHash)
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke refresh token rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	token.Revoked = true
	token.RevokedAt = &now
	token.ReplacedByTokenHash = replacedByHash
	token.UpdatedAt = now
	return nil
}
