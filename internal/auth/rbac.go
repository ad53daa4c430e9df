// Package auth guards the admin API. Admin users authenticate with HTTP
// Basic credentials checked against bcrypt hashes and act under a role that
// maps to caller and usage permissions. Caller-facing requests use bearer
// API keys instead and are authenticated in the api package.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrUserNotFound    = errors.New("user not found")
	ErrInvalidPassword = errors.New("invalid password")
)

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

type AdminUser struct {
	ID           string
	Username     string
	PasswordHash string
	Role         Role
	Enabled      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Permission string

const (
	PermissionCallerRead   Permission = "caller:read"
	PermissionCallerWrite  Permission = "caller:write"
	PermissionCallerDelete Permission = "caller:delete"
	PermissionUsageRead    Permission = "usage:read"
	PermissionAdminManage  Permission = "admin:manage"
)

var rolePermissions = map[Role][]Permission{
	RoleAdmin: {
		PermissionCallerRead,
		PermissionCallerWrite,
		PermissionCallerDelete,
		PermissionUsageRead,
		PermissionAdminManage,
	},
	RoleEditor: {
		PermissionCallerRead,
		PermissionCallerWrite,
		PermissionUsageRead,
	},
	RoleViewer: {
		PermissionCallerRead,
		PermissionUsageRead,
	},
}

func HasPermission(role Role, permission Permission) bool {
	for _, p := range rolePermissions[role] {
		if p == permission {
			return true
		}
	}
	return false
}

type AdminUserRepository interface {
	GetByUsername(ctx context.Context, username string) (*AdminUser, error)
	GetByID(ctx context.Context, id string) (*AdminUser, error)
	Create(ctx context.Context, user *AdminUser) error
	Update(ctx context.Context, user *AdminUser) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*AdminUser, error)
}

type Authenticator struct {
	repo AdminUserRepository
}

func NewAuthenticator(repo AdminUserRepository) *Authenticator {
	return &Authenticator{repo: repo}
}

func (a *Authenticator) Authenticate(ctx context.Context, username, password string) (*AdminUser, error) {
	user, err := a.repo.GetByUsername(ctx, username)
	if err != nil {
		return nil, ErrUserNotFound
	}
	if !user.Enabled {
		return nil, ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidPassword
	}
	return user, nil
}

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

type contextKey string

const userContextKey contextKey = "admin_user"

func WithUser(ctx context.Context, user *AdminUser) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

func UserFromContext(ctx context.Context) (*AdminUser, bool) {
	user, ok := ctx.Value(userContextKey).(*AdminUser)
	return user, ok
}

type RBACMiddleware struct {
	auth *Authenticator
}

func NewRBACMiddleware(auth *Authenticator) *RBACMiddleware {
	return &RBACMiddleware{auth: auth}
}

func (m *RBACMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="cellsage admin"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		user, err := m.auth.Authenticate(r.Context(), username, password)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

func (m *RBACMiddleware) RequirePermission(permission Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := UserFromContext(r.Context())
			if !ok {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			if !HasPermission(user.Role, permission) {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ExtractBearerToken pulls the API key from an Authorization header. Used by
// the caller-facing endpoints, which authenticate keys against the caller
// repository rather than admin credentials.
func ExtractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

const adminUserColumns = "id, username, password_hash, role, enabled, created_at, updated_at"

type PostgresAdminUserRepository struct {
	db *sql.DB
}

func NewPostgresAdminUserRepository(db *sql.DB) *PostgresAdminUserRepository {
	return &PostgresAdminUserRepository{db: db}
}

func scanAdminUser(row interface{ Scan(dest ...any) error }) (*AdminUser, error) {
	var user AdminUser
	var role string
	err := row.Scan(
		&user.ID,
		&user.Username,
		&user.PasswordHash,
		&role,
		&user.Enabled,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	user.Role = Role(role)
	return &user, nil
}

func (r *PostgresAdminUserRepository) GetByUsername(ctx context.Context, username string) (*AdminUser, error) {
	query := `SELECT ` + adminUserColumns + ` FROM admin_users WHERE username = $1`

	user, err := scanAdminUser(r.db.QueryRowContext(ctx, query, username))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query admin user: %w", err)
	}
	return user, nil
}

func (r *PostgresAdminUserRepository) GetByID(ctx context.Context, id string) (*AdminUser, error) {
	query := `SELECT ` + adminUserColumns + ` FROM admin_users WHERE id = $1`

	user, err := scanAdminUser(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query admin user: %w", err)
	}
	return user, nil
}

func (r *PostgresAdminUserRepository) Create(ctx context.Context, user *AdminUser) error {
	query := `
		INSERT INTO admin_users (id, username, password_hash, role, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.db.ExecContext(ctx, query,
		user.ID,
		user.Username,
		user.PasswordHash,
		string(user.Role),
		user.Enabled,
		user.CreatedAt,
		user.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert admin user: %w", err)
	}
	return nil
}

func (r *PostgresAdminUserRepository) Update(ctx context.Context, user *AdminUser) error {
	query := `
		UPDATE admin_users
		SET username = $2, password_hash = $3, role = $4, enabled = $5, updated_at = $6
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query,
		user.ID,
		user.Username,
		user.PasswordHash,
		string(user.Role),
		user.Enabled,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("update admin user: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (r *PostgresAdminUserRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM admin_users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete admin user: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (r *PostgresAdminUserRepository) List(ctx context.Context) ([]*AdminUser, error) {
	query := `SELECT ` + adminUserColumns + ` FROM admin_users ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query admin users: %w", err)
	}
	defer rows.Close()

	var users []*AdminUser
	for rows.Next() {
		user, err := scanAdminUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan admin user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// InMemoryAdminUserRepository seeds an admin/admin account for local
// development. Deployments set ADMIN_PASSWORD or use Postgres.
type InMemoryAdminUserRepository struct {
	mu    sync.RWMutex
	users map[string]*AdminUser
}

func NewInMemoryAdminUserRepository() *InMemoryAdminUserRepository {
	repo := &InMemoryAdminUserRepository{users: make(map[string]*AdminUser)}

	adminHash, _ := HashPassword("admin")
	now := time.Now()
	repo.users["admin"] = &AdminUser{
		ID:           "admin",
		Username:     "admin",
		PasswordHash: adminHash,
		Role:         RoleAdmin,
		Enabled:      true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	return repo
}

func (r *InMemoryAdminUserRepository) GetByUsername(ctx context.Context, username string) (*AdminUser, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, u := range r.users {
		if u.Username == username {
			return u, nil
		}
	}
	return nil, ErrUserNotFound
}

func (r *InMemoryAdminUserRepository) GetByID(ctx context.Context, id string) (*AdminUser, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, ok := r.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return user, nil
}

func (r *InMemoryAdminUserRepository) Create(ctx context.Context, user *AdminUser) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[user.ID] = user
	return nil
}

func (r *InMemoryAdminUserRepository) Update(ctx context.Context, user *AdminUser) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.users[user.ID]; !ok {
		return ErrUserNotFound
	}
	user.UpdatedAt = time.Now()
	r.users[user.ID] = user
	return nil
}

func (r *InMemoryAdminUserRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.users[id]; !ok {
		return ErrUserNotFound
	}
	delete(r.users, id)
	return nil
}

func (r *InMemoryAdminUserRepository) List(ctx context.Context) ([]*AdminUser, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]*AdminUser, 0, len(r.users))
	for _, u := range r.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].CreatedAt.After(users[j].CreatedAt)
	})
	return users, nil
}
