package db

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"premiumgate/internal/types"
)

// UserRepo is a read-only view over the host platform's user tables. The
// platform owns registration and login; this service only resolves the
// access tokens the platform has issued and looks up users for customer
// identity fallback.
type UserRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewUserRepo creates a UserRepo backed by the given database connection.
func NewUserRepo(db DBTX, logger *slog.Logger) *UserRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &UserRepo{db: db, logger: logger}
}

// GetByEmail finds a platform user by email, case-insensitively. A missing
// user is not an error; identity resolution treats it as "no fallback".
func (r *UserRepo) GetByEmail(ctx context.Context, email string) (*types.PlatformUser, error) {
	var user types.PlatformUser
	err := r.db.QueryRow(ctx,
		`SELECT id, username, email FROM users WHERE LOWER(email) = $1`,
		strings.ToLower(email),
	).Scan(&user.ID, &user.Username, &user.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to look up user by email", err)
	}
	return &user, nil
}

// ResolveAccessToken maps a bearer token issued by the host platform to the
// platform user it belongs to.
func (r *UserRepo) ResolveAccessToken(ctx context.Context, token string) (*types.PlatformUser, error) {
	var user types.PlatformUser
	var expiresAt time.Time

	err := r.db.QueryRow(ctx,
		`SELECT u.id, u.username, u.email, t.expires_at
		 FROM user_access_tokens t
		 JOIN users u ON u.id = t.user_id
		 WHERE t.token = $1`,
		token,
	).Scan(&user.ID, &user.Username, &user.Email, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "unknown access token", nil)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to resolve access token", err)
	}

	if time.Now().After(expiresAt) {
		return nil, types.NewAppError(types.ErrCodeAuthTokenExpired, "access token expired", nil)
	}
	return &user, nil
}
