package db

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"premiumgate/internal/types"
)

// EntitlementRepo stores the per-user billing state mirrored from Stripe.
//
// Key invariants:
//   - Get returns (nil, nil) for a user with no record: absence means
//     "never subscribed", not an error.
//   - Put is a full upsert keyed by user_id. Callers overwrite fields with
//     values taken from their own webhook payload and never compare against
//     what is stored, which keeps reconciliation commutative under
//     out-of-order delivery.
type EntitlementRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewEntitlementRepo creates an EntitlementRepo backed by the given database
// connection (pool or transaction).
func NewEntitlementRepo(db DBTX, logger *slog.Logger) *EntitlementRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &EntitlementRepo{db: db, logger: logger}
}

// Get loads the entitlement row for a user. A missing row is not an error.
func (r *EntitlementRepo) Get(ctx context.Context, userID int64) (*types.UserEntitlement, error) {
	var ent types.UserEntitlement
	var customerID, subscriptionID *string

	err := r.db.QueryRow(ctx,
		`SELECT user_id, customer_id, subscription_id, paid_until, has_payment_failed, updated_at
		 FROM premium_users
		 WHERE user_id = $1`,
		userID,
	).Scan(&ent.UserID, &customerID, &subscriptionID, &ent.PaidUntil, &ent.HasPaymentFailed, &ent.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load entitlement", err)
	}

	if customerID != nil {
		ent.CustomerID = *customerID
	}
	if subscriptionID != nil {
		ent.SubscriptionID = *subscriptionID
	}
	return &ent, nil
}

// GetByCustomerID loads the entitlement row linked to a Stripe customer.
// A missing row is not an error.
func (r *EntitlementRepo) GetByCustomerID(ctx context.Context, customerID string) (*types.UserEntitlement, error) {
	var ent types.UserEntitlement
	var storedCustomer, subscriptionID *string

	err := r.db.QueryRow(ctx,
		`SELECT user_id, customer_id, subscription_id, paid_until, has_payment_failed, updated_at
		 FROM premium_users
		 WHERE customer_id = $1`,
		customerID,
	).Scan(&ent.UserID, &storedCustomer, &subscriptionID, &ent.PaidUntil, &ent.HasPaymentFailed, &ent.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load entitlement by customer", err)
	}

	if storedCustomer != nil {
		ent.CustomerID = *storedCustomer
	}
	if subscriptionID != nil {
		ent.SubscriptionID = *subscriptionID
	}
	return &ent, nil
}

// Put upserts the full entitlement row for ent.UserID.
func (r *EntitlementRepo) Put(ctx context.Context, ent *types.UserEntitlement) error {
	var customerID, subscriptionID *string
	if ent.CustomerID != "" {
		customerID = &ent.CustomerID
	}
	if ent.SubscriptionID != "" {
		subscriptionID = &ent.SubscriptionID
	}

	_, err := r.db.Exec(ctx,
		`INSERT INTO premium_users (user_id, customer_id, subscription_id, paid_until, has_payment_failed, updated_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())
		 ON CONFLICT (user_id) DO UPDATE
		 SET customer_id        = EXCLUDED.customer_id,
		     subscription_id    = EXCLUDED.subscription_id,
		     paid_until         = EXCLUDED.paid_until,
		     has_payment_failed = EXCLUDED.has_payment_failed,
		     updated_at         = NOW()`,
		ent.UserID,
		customerID,
		subscriptionID,
		ent.PaidUntil,
		ent.HasPaymentFailed,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to store entitlement", err)
	}
	return nil
}

// Delete removes a user's entitlement row. Only the user-deleted hook calls
// this; reconciliation never deletes rows. Deleting a missing row is a no-op.
func (r *EntitlementRepo) Delete(ctx context.Context, userID int64) error {
	_, err := r.db.Exec(ctx, `DELETE FROM premium_users WHERE user_id = $1`, userID)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to delete entitlement", err)
	}
	return nil
}
