package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

type AdminUserRepository interface {
	GetByUsername(ctx context.Context, username string) (*AdminUser, error)
	GetByID(ctx context.Context, id string) (*AdminUser, error)
	Create(ctx context.Context, user *AdminUser) error
	Update(ctx context.Context, user *AdminUser) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*AdminUser, error)
}

// EnsureAdmin creates the bootstrap admin account unless a user with that
// name already exists. An existing account keeps its password.
func EnsureAdmin(ctx context.Context, repo AdminUserRepository, username, password string) error {
	_, err := repo.GetByUsername(ctx, username)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return fmt.Errorf("look up %s: %w", username, err)
	}

	hash, err := HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}
	now := time.Now().UTC()
	err = repo.Create(ctx, &AdminUser{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: hash,
		Role:         RoleAdmin,
		Enabled:      true,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if errors.Is(err, ErrUserExists) {
		// Another instance bootstrapped it first.
		return nil
	}
	return err
}

const userSchema = `
CREATE TABLE IF NOT EXISTS admin_users (
	id            TEXT PRIMARY KEY,
	username      TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	role          TEXT NOT NULL,
	enabled       BOOLEAN NOT NULL DEFAULT true,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);
`

const uniqueViolation = "23505"

const selectUsers = `SELECT id, username, password_hash, role, enabled, created_at, updated_at FROM admin_users`

type PostgresAdminUserRepository struct {
	db *sqlx.DB
}

func NewPostgresAdminUserRepository(db *sql.DB) *PostgresAdminUserRepository {
	return &PostgresAdminUserRepository{db: sqlx.NewDb(db, "postgres")}
}

func (r *PostgresAdminUserRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, userSchema); err != nil {
		return fmt.Errorf("migrate admin_users: %w", err)
	}
	return nil
}

func (r *PostgresAdminUserRepository) getOne(ctx context.Context, where string, arg any) (*AdminUser, error) {
	var user AdminUser
	err := r.db.GetContext(ctx, &user, selectUsers+" WHERE "+where+" = $1", arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select admin user: %w", err)
	}
	return &user, nil
}

func (r *PostgresAdminUserRepository) GetByUsername(ctx context.Context, username string) (*AdminUser, error) {
	return r.getOne(ctx, "username", username)
}

func (r *PostgresAdminUserRepository) GetByID(ctx context.Context, id string) (*AdminUser, error) {
	return r.getOne(ctx, "id", id)
}

func (r *PostgresAdminUserRepository) Create(ctx context.Context, user *AdminUser) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO admin_users (id, username, password_hash, role, enabled, created_at, updated_at)
		VALUES (:id, :username, :password_hash, :role, :enabled, :created_at, :updated_at)`, user)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return ErrUserExists
	}
	if err != nil {
		return fmt.Errorf("insert admin user %s: %w", user.Username, err)
	}
	return nil
}

func (r *PostgresAdminUserRepository) Update(ctx context.Context, user *AdminUser) error {
	user.UpdatedAt = time.Now().UTC()
	res, err := r.db.NamedExecContext(ctx, `
		UPDATE admin_users
		SET username = :username, password_hash = :password_hash, role = :role,
		    enabled = :enabled, updated_at = :updated_at
		WHERE id = :id`, user)
	if err != nil {
		return fmt.Errorf("update admin user %s: %w", user.ID, err)
	}
	return requireRow(res)
}

func (r *PostgresAdminUserRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM admin_users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete admin user %s: %w", id, err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (r *PostgresAdminUserRepository) List(ctx context.Context) ([]*AdminUser, error) {
	users := []*AdminUser{}
	if err := r.db.SelectContext(ctx, &users, selectUsers+" ORDER BY created_at DESC"); err != nil {
		return nil, fmt.Errorf("list admin users: %w", err)
	}
	return users, nil
}

// InMemoryAdminUserRepository hands out copies, so callers must Update to
// persist a change.
type InMemoryAdminUserRepository struct {
	mu     sync.RWMutex
	byID   map[string]AdminUser
	byName map[string]string
}

func NewInMemoryAdminUserRepository() *InMemoryAdminUserRepository {
	return &InMemoryAdminUserRepository{
		byID:   make(map[string]AdminUser),
		byName: make(map[string]string),
	}
}

func (r *InMemoryAdminUserRepository) GetByUsername(ctx context.Context, username string) (*AdminUser, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	u := r.byID[id]
	return &u, nil
}

func (r *InMemoryAdminUserRepository) GetByID(ctx context.Context, id string) (*AdminUser, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.byID[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

func (r *InMemoryAdminUserRepository) Create(ctx context.Context, user *AdminUser) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.byName[user.Username]; taken {
		return ErrUserExists
	}
	r.byID[user.ID] = *user
	r.byName[user.Username] = user.ID
	return nil
}

func (r *InMemoryAdminUserRepository) Update(ctx context.Context, user *AdminUser) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.byID[user.ID]
	if !ok {
		return ErrUserNotFound
	}
	if id, taken := r.byName[user.Username]; taken && id != user.ID {
		return ErrUserExists
	}
	delete(r.byName, old.Username)
	user.UpdatedAt = time.Now().UTC()
	r.byID[user.ID] = *user
	r.byName[user.Username] = user.ID
	return nil
}

func (r *InMemoryAdminUserRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byID[id]
	if !ok {
		return ErrUserNotFound
	}
	delete(r.byID, id)
	delete(r.byName, u.Username)
	return nil
}

// List orders users newest first, like the Postgres repository.
func (r *InMemoryAdminUserRepository) List(ctx context.Context) ([]*AdminUser, error) {
	r.mu.RLock()
	users := make([]*AdminUser, 0, len(r.byID))
	for _, u := range r.byID {
		u := u
		users = append(users, &u)
	}
	r.mu.RUnlock()

	sort.Slice(users, func(i, j int) bool { return users[i].CreatedAt.After(users[j].CreatedAt) })
	return users, nil
}
