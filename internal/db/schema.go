package db

import (
	"context"

	"premiumgate/internal/types"
)

// schemaStatements creates the tables this service owns. Statements are
// idempotent so startup can run them unconditionally.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS premium_users (
		user_id            BIGINT PRIMARY KEY,
		customer_id        TEXT,
		subscription_id    TEXT,
		paid_until         TIMESTAMPTZ,
		has_payment_failed BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS premium_users_customer_id_idx
		ON premium_users (customer_id)`,
	`CREATE TABLE IF NOT EXISTS premium_videos (
		video_uuid UUID PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// EnsureSchema creates the service-owned tables if they do not exist yet.
// Called once at startup; the host platform's own tables are never touched.
func EnsureSchema(ctx context.Context, db DBTX) error {
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return types.NewAppError(types.ErrCodeInternalDB, "failed to ensure schema", err)
		}
	}
	return nil
}
