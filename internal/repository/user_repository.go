package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/vehicle-insurance-auth/internal/models"
)

const userColumns = `id, username, email, password_hash, role, active, email_confirmed, created_at, updated_at`

// Unique violations reported by Create.
var (
	ErrEmailTaken    = errors.New("email already taken")
	ErrUsernameTaken = errors.New("username already taken")
)

// UserRepository provides database access for user accounts and their roles.
type UserRepository struct {
	db *sqlx.DB
}

// NewUserRepository creates a new instance of UserRepository.
func NewUserRepository(db *sqlx.DB) *UserRepository {
	return &UserRepository{db: db}
}

// FindByEmail returns a user by email address.
func (r *UserRepository) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	const query = `SELECT ` + userColumns + ` FROM users WHERE LOWER(email) = LOWER($1) LIMIT 1`
	return r.getOne(ctx, "find user by email", query, email)
}

// FindByUsername returns a user by exact username.
func (r *UserRepository) FindByUsername(ctx context.Context, username string) (*models.User, error) {
	const query = `SELECT ` + userColumns + ` FROM users WHERE username = $1 LIMIT 1`
	return r.getOne(ctx, "find user by username", query, username)
}

// FindByID returns a user by identifier.
func (r *UserRepository) FindByID(ctx context.Context, id int64) (*models.User, error) {
	const query = `SELECT ` + userColumns + ` FROM users WHERE id = $1 LIMIT 1`
	return r.getOne(ctx, "find user by id", query, id)
}

func (r *UserRepository) getOne(ctx context.Context, op, query string, arg interface{}) (*models.User, error) {
	var user models.User
	if err := r.db.GetContext(ctx, &user, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &user, nil
}

// Create inserts a new user and stores the generated id on it.
func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	const query = `INSERT INTO users (username, email, password_hash, role, active, email_confirmed, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`
	row := r.db.QueryRowxContext(ctx, query,
		user.Username, user.Email, user.PasswordHash, user.Role, user.Active, user.EmailConfirmed, user.CreatedAt, user.UpdatedAt)
	if err := row.Scan(&user.ID); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			if strings.Contains(pqErr.Constraint, "username") {
				return ErrUsernameTaken
			}
			return ErrEmailTaken
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// GetRoles returns the role names assigned through user_roles.
func (r *UserRepository) GetRoles(ctx context.Context, userID int64) ([]string, error) {
	const query = `SELECT r.name FROM roles r JOIN user_roles ur ON ur.role_id = r.role_id WHERE ur.user_id = $1 ORDER BY r.name`
	var roles []string
	if err := r.db.SelectContext(ctx, &roles, query, userID); err != nil {
		return nil, fmt.Errorf("get user roles: %w", err)
	}
	return roles, nil
}

// GetPermissions returns the distinct permissions granted by the user's roles.
func (r *UserRepository) GetPermissions(ctx context.Context, userID int64) ([]string, error) {
	const query = `SELECT DISTINCT rp.permission FROM role_permissions rp JOIN user_roles ur ON ur.role_id = rp.role_id WHERE ur.user_id = $1 ORDER BY rp.permission`
	var permissions []string
	if err := r.db.SelectContext(ctx, &permissions, query, userID); err != nil {
		return nil, fmt.Errorf("get user permissions: %w", err)
	}
	return permissions, nil
}
