package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"authd/backend/internal/model"
)

type CreateUserInput struct {
	Username     string
	Email        string
	PasswordHash string
	Role         model.UserRole
}

var (
	ErrEmailTaken   = errors.New("email already registered")
	ErrUserNotFound = errors.New("user not found")
)

type UserRepository interface {
	Create(ctx context.Context, input CreateUserInput) (model.User, error)
	FindByEmail(ctx context.Context, email string) (model.User, error)
	CountAdmins(ctx context.Context) (int, error)
}

type SQLUserRepository struct {
	db *sql.DB
}

func NewSQLUserRepository(db *sql.DB) *SQLUserRepository {
	return &SQLUserRepository{db: db}
}

// The unique key on email is the authority on duplicates: two concurrent
// creates for the same address both reach the insert, only one commits.
const createUsersTableSQL = `
CREATE TABLE IF NOT EXISTS users (
	id CHAR(36) NOT NULL,
	username VARCHAR(255) NOT NULL,
	email VARCHAR(255) NOT NULL,
	password_hash VARCHAR(255) NOT NULL,
	role VARCHAR(16) NOT NULL DEFAULT 'user',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (id),
	UNIQUE KEY uq_users_email (email)
)
`

const insertUserSQL = `
INSERT INTO users (id, username, email, password_hash, role)
VALUES (?, ?, ?, ?, ?)
`

const findUserByEmailSQL = `
SELECT id, username, email, password_hash, role, created_at
FROM users
WHERE email = ?
LIMIT 1
`

const countAdminsSQL = `
SELECT COUNT(1) FROM users WHERE role = 'admin'
`

func (r *SQLUserRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, createUsersTableSQL)
	return err
}

func (r *SQLUserRepository) Create(ctx context.Context, input CreateUserInput) (model.User, error) {
	user := model.User{
		ID:           uuid.NewString(),
		Username:     input.Username,
		Email:        input.Email,
		PasswordHash: input.PasswordHash,
		Role:         input.Role,
		CreatedAt:    time.Now(),
	}

	_, err := r.db.ExecContext(ctx, insertUserSQL, user.ID, user.Username, user.Email, user.PasswordHash, string(user.Role))
	if err != nil {
		if isDuplicateKeyErr(err) {
			return model.User{}, ErrEmailTaken
		}
		return model.User{}, err
	}

	return user, nil
}

func (r *SQLUserRepository) FindByEmail(ctx context.Context, email string) (model.User, error) {
	user := model.User{}
	err := r.db.QueryRowContext(ctx, findUserByEmailSQL, email).Scan(
		&user.ID,
		&user.Username,
		&user.Email,
		&user.PasswordHash,
		&user.Role,
		&user.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, ErrUserNotFound
	}
	return user, err
}

func (r *SQLUserRepository) CountAdmins(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, countAdminsSQL).Scan(&n)
	return n, err
}

// MySQL error 1062: duplicate entry for a unique key.
func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}
