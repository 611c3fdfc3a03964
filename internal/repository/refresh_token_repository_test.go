package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/vehicle-insurance-auth/internal/models"
)

var refreshRowColumns = []string{"id", "user_id", "token_hash", "token_family", "issued_at", "expires_at", "revoked", "revoked_at", "replaced_by_token_hash", "ip_address", "user_agent", "created_at", "updated_at"}

func TestRefreshTokenAdd(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewRefreshTokenRepository(db)

	expires := time.Now().Add(30 * 24 * time.Hour)
	mock.ExpectQuery("INSERT INTO refresh_tokens").
		WithArgs(int64(1), "abc", "fam", sqlmock.AnyArg(), expires, false, "127.0.0.1", "ua", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(10))

	token := &models.RefreshToken{UserID: 1, TokenHash: "abc", TokenFamily: "fam", ExpiresAt: expires, IPAddress: "127.0.0.1", UserAgent: "ua"}
	require.NoError(t, repo.Add(context.Background(), token))
	assert.Equal(t, int64(10), token.ID)
	assert.False(t, token.IssuedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshTokenFindValid(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewRefreshTokenRepository(db)

	now := time.Now()
	rows := sqlmock.NewRows(refreshRowColumns).
		AddRow(10, 1, "abc", "fam", now, now.Add(time.Hour), false, nil, nil, "ip", "ua", now, now)
	mock.ExpectQuery("FROM refresh_tokens WHERE user_id = \\$1 AND token_hash = \\$2 AND revoked = FALSE AND expires_at > \\$3").
		WithArgs(int64(1), "abc", sqlmock.AnyArg()).
		WillReturnRows(rows)

	token, err := repo.FindValid(context.Background(), 1, "abc")
	require.NoError(t, err)
	assert.Equal(t, "fam", token.TokenFamily)
	assert.Nil(t, token.RevokedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshTokenRevokeLostRace(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewRefreshTokenRepository(db)

	mock.ExpectExec("UPDATE refresh_tokens SET revoked = TRUE").
		WithArgs(int64(10), sqlmock.AnyArg(), nil).
		WillReturnResult(sqlmock.NewResult(0, 0))

	token := &models.RefreshToken{ID: 10}
	err := repo.Revoke(context.Background(), token, nil)
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.False(t, token.Revoked)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshTokenRotateRevokesBeforeInsert(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewRefreshTokenRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE refresh_tokens SET revoked = TRUE").
		WithArgs(int64(10), sqlmock.AnyArg(), "next-hash").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO refresh_tokens").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(11))
	mock.ExpectCommit()

	old := &models.RefreshToken{ID: 10, UserID: 1, TokenFamily: "fam"}
	next := &models.RefreshToken{UserID: 1, TokenHash: "next-hash", TokenFamily: "fam", ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, repo.Rotate(context.Background(), old, next))
	assert.True(t, old.Revoked)
	require.NotNil(t, old.ReplacedByTokenHash)
	assert.Equal(t, "next-hash", *old.ReplacedByTokenHash)
	assert.Equal(t, int64(11), next.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshTokenRotateRollsBackWhenAlreadyRevoked(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewRefreshTokenRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE refresh_tokens SET revoked = TRUE").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.Rotate(context.Background(), &models.RefreshToken{ID: 10}, &models.RefreshToken{TokenHash: "n"})
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshTokenRotateRollsBackOnInsertFailure(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewRefreshTokenRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE refresh_tokens SET revoked = TRUE").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO refresh_tokens").
		WillReturnError(errors.New("duplicate key value violates unique constraint"))
	mock.ExpectRollback()

	err := repo.Rotate(context.Background(), &models.RefreshToken{ID: 10}, &models.RefreshToken{TokenHash: "n"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshTokenRevokeFamily(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewRefreshTokenRepository(db)

	mock.ExpectExec("UPDATE refresh_tokens SET revoked = TRUE, revoked_at = \\$3").
		WithArgs(int64(1), "fam", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("UPDATE refresh_tokens SET revoked = TRUE, revoked_at = \\$3").
		WithArgs(int64(1), "fam", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	count, err := repo.RevokeFamily(context.Background(), 1, "fam")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	count, err = repo.RevokeFamily(context.Background(), 1, "fam")
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshTokenListActive(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewRefreshTokenRepository(db)

	now := time.Now()
	rows := sqlmock.NewRows(refreshRowColumns).
		AddRow(11, 1, "h2", "fam-b", now, now.Add(time.Hour), false, nil, nil, "ip", "ua", now, now).
		AddRow(10, 1, "h1", "fam-a", now.Add(-time.Hour), now.Add(time.Hour), false, nil, nil, "ip", "ua", now, now)
	mock.ExpectQuery("ORDER BY issued_at DESC").
		WithArgs(int64(1), sqlmock.AnyArg()).
		WillReturnRows(rows)

	tokens, err := repo.ListActive(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, tokens, 2)
	assert.Equal(t, "fam-b", tokens[0].TokenFamily)
	assert.NoError(t, mock.ExpectationsWereMet())
}
