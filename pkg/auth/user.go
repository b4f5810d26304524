package auth

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/jmoiron/sqlx"

	"github.com/storeplane/storeplane/pkg/apierror"
)

// Role partitions users into tenants and operators.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleTenant Role = "tenant"
)

// User is a control plane account.
type User struct {
	ID           string    `db:"id" json:"id"`
	Email        string    `db:"email" json:"email"`
	Username     string    `db:"username" json:"username"`
	PasswordHash string    `db:"password_hash" json:"-"`
	Role         Role      `db:"role" json:"role"`
	IsActive     bool      `db:"is_active" json:"isActive"`
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time `db:"updated_at" json:"updatedAt"`
}

// UserRepository persists users.
type UserRepository interface {
	Create(ctx context.Context, user *User) error
	FindByEmail(ctx context.Context, email string) (*User, error)
	FindByID(ctx context.Context, id string) (*User, error)
	Count(ctx context.Context) (int, error)
}

const userColumns = `id, email, username, password_hash, role, is_active, created_at, updated_at`

// SQLUserRepository implements UserRepository over PostgreSQL.
type SQLUserRepository struct {
	db  *sqlx.DB
	log logr.Logger
}

func NewSQLUserRepository(db *sqlx.DB, log logr.Logger) *SQLUserRepository {
	return &SQLUserRepository{db: db, log: log.WithName("users")}
}

func (r *SQLUserRepository) Create(ctx context.Context, user *User) error {
	row := r.db.QueryRowxContext(ctx,
		`INSERT INTO users (id, email, username, password_hash, role, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+userColumns,
		user.ID, user.Email, user.Username, user.PasswordHash, user.Role, user.IsActive)
	if err := row.StructScan(user); err != nil {
		if isUniqueViolation(err) {
			return apierror.New(apierror.CodeUserExists, "email or username already registered")
		}
		return apierror.Wrap(apierror.CodeInternal, "creating user", err)
	}
	return nil
}

// FindByEmail returns (nil, nil) when no user matches. Lookup is case-folded.
func (r *SQLUserRepository) FindByEmail(ctx context.Context, email string) (*User, error) {
	var user User
	err := r.db.GetContext(ctx, &user,
		`SELECT `+userColumns+` FROM users WHERE email = $1`, NormalizeEmail(email))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apierror.Wrap(apierror.CodeInternal, "querying user by email", err)
	}
	return &user, nil
}

func (r *SQLUserRepository) FindByID(ctx context.Context, id string) (*User, error) {
	var user User
	err := r.db.GetContext(ctx, &user,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apierror.Wrap(apierror.CodeInternal, "querying user by id", err)
	}
	return &user, nil
}

func (r *SQLUserRepository) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM users`); err != nil {
		return 0, apierror.Wrap(apierror.CodeInternal, "counting users", err)
	}
	return count, nil
}

// NormalizeEmail case-folds and trims an email for lookup and storage.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// isUniqueViolation matches the pgx error text for code 23505.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "23505")
}
