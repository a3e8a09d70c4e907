package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/observer/duochat/internal/domain"
)

// UserRepository handles user data access
type UserRepository struct {
	db *DB
}

func NewUserRepository(db *DB) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `id, full_name, email, created_at, updated_at`

func scanUser(row pgx.Row) (*domain.User, error) {
	user := &domain.User{}
	err := row.Scan(&user.ID, &user.FullName, &user.Email, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

// CreateUser creates a new user with credentials
func (r *UserRepository) CreateUser(ctx context.Context, user *domain.User, passwordHash string) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	err = tx.QueryRow(ctx, `
		INSERT INTO users (id, full_name, email)
		VALUES ($1, $2, $3)
		RETURNING created_at, updated_at
	`, user.ID, user.FullName, user.Email).Scan(&user.CreatedAt, &user.UpdatedAt)
	if isUniqueViolation(err, "users_email_lower_idx") {
		return domain.ErrEmailTaken
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO credentials (user_id, password_hash)
		VALUES ($1, $2)
	`, user.ID, passwordHash)
	if err != nil {
		return fmt.Errorf("insert credentials: %w", err)
	}

	return tx.Commit(ctx)
}

// FindUserByID finds a user by ID
func (r *UserRepository) FindUserByID(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	return scanUser(r.db.Pool.QueryRow(ctx, `
		SELECT `+userColumns+` FROM users WHERE id = $1
	`, id))
}

// FindUserByEmail finds a user by email, ignoring case
func (r *UserRepository) FindUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	return scanUser(r.db.Pool.QueryRow(ctx, `
		SELECT `+userColumns+` FROM users WHERE LOWER(email) = LOWER($1)
	`, email))
}

// GetPasswordHash retrieves the password hash for a user
func (r *UserRepository) GetPasswordHash(ctx context.Context, userID uuid.UUID) (string, error) {
	var hash string
	err := r.db.Pool.QueryRow(ctx, `
		SELECT password_hash FROM credentials WHERE user_id = $1
	`, userID).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", domain.ErrUserNotFound
	}
	return hash, err
}

// ListUsers returns every user except one, ordered by name
func (r *UserRepository) ListUsers(ctx context.Context, except uuid.UUID) ([]domain.User, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE id <> $1
		ORDER BY full_name
	`, except)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}
