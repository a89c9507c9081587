// Package billing keeps the local entitlement state in sync with Stripe and
// serves the account-facing subscription operations. The durable state lives
// in the premium_users table; Stripe remains the source of truth for the
// live subscription.
package billing

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"premiumgate/internal/external"
	"premiumgate/internal/types"
)

// metadataFieldPrefix is the stem of the customer metadata key linking a
// Stripe customer to a platform user id.
const metadataFieldPrefix = "userId"

// CustomerGateway is the Stripe customer surface identity resolution needs.
type CustomerGateway interface {
	GetCustomer(ctx context.Context, customerID string) (*external.StripeCustomer, error)
	SearchCustomersByEmail(ctx context.Context, email string) ([]external.StripeCustomer, error)
	CreateCustomer(ctx context.Context, email, name string, metadata map[string]string) (*external.StripeCustomer, error)
	UpdateCustomerMetadata(ctx context.Context, customerID string, metadata map[string]string) error
}

// UserDirectory looks up host platform users for the email fallback.
type UserDirectory interface {
	GetByEmail(ctx context.Context, email string) (*types.PlatformUser, error)
}

// IdentityResolver maps Stripe customers to platform users.
//
// The forward link is a customer metadata field namespaced per deployment
// ("userId-<instance key>"), so several instances can share one Stripe
// account. Customers created before the namespaced field existed, or created
// by hand in the Stripe dashboard, are resolved by email against the local
// user table; a successful fallback backfills the metadata field so the next
// event takes the fast path.
type IdentityResolver struct {
	stripe CustomerGateway
	users  UserDirectory
	field  string
	logger *slog.Logger
}

// NewIdentityResolver creates a resolver for the given instance key.
func NewIdentityResolver(stripe CustomerGateway, users UserDirectory, instanceKey string, logger *slog.Logger) *IdentityResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &IdentityResolver{
		stripe: stripe,
		users:  users,
		field:  fmt.Sprintf("%s-%s", metadataFieldPrefix, instanceKey),
		logger: logger,
	}
}

// MetadataField returns the namespaced metadata key this deployment uses.
func (r *IdentityResolver) MetadataField() string {
	return r.field
}

// Resolve maps a Stripe customer ID to a platform user ID.
//
// Transient Stripe failures propagate so the caller can retry. A customer
// that exists but cannot be linked to any user yields
// ErrCodeUnresolvableCustomer, which is terminal: retrying cannot fix it.
// At most one metadata write happens per resolution.
func (r *IdentityResolver) Resolve(ctx context.Context, customerID string) (int64, error) {
	customer, err := r.stripe.GetCustomer(ctx, customerID)
	if err != nil {
		if appErr, ok := types.AsAppError(err); ok && appErr.Code == types.ErrCodeNotFoundCustomer {
			return 0, types.NewAppError(types.ErrCodeUnresolvableCustomer,
				fmt.Sprintf("customer %s does not exist", customerID), err)
		}
		return 0, err
	}
	if customer.Deleted {
		return 0, types.NewAppError(types.ErrCodeUnresolvableCustomer,
			fmt.Sprintf("customer %s is deleted", customerID), nil)
	}

	if raw, ok := customer.Metadata[r.field]; ok && raw != "" {
		userID, parseErr := strconv.ParseInt(raw, 10, 64)
		if parseErr == nil {
			return userID, nil
		}
		r.logger.WarnContext(ctx, "customer carries a malformed user id, falling back to email",
			"customer_id", customerID, "value", raw)
	}

	if customer.Email == "" {
		return 0, types.NewAppError(types.ErrCodeUnresolvableCustomer,
			fmt.Sprintf("customer %s has no linking metadata and no email", customerID), nil)
	}

	user, err := r.users.GetByEmail(ctx, customer.Email)
	if err != nil {
		return 0, err
	}
	if user == nil {
		return 0, types.NewAppError(types.ErrCodeUnresolvableCustomer,
			fmt.Sprintf("customer %s matches no local user by email", customerID), nil)
	}

	// Self-heal: write the namespaced field so the next event resolves
	// without the email lookup. Stripe merges metadata per key, making the
	// write idempotent.
	if err := r.stripe.UpdateCustomerMetadata(ctx, customerID, map[string]string{
		r.field: strconv.FormatInt(user.ID, 10),
	}); err != nil {
		return 0, err
	}

	r.logger.InfoContext(ctx, "backfilled customer metadata from email fallback",
		"customer_id", customerID, "user_id", user.ID)
	return user.ID, nil
}

// EnsureCustomer returns the Stripe customer for the given user, creating
// one when none exists. An existing customer found by email that lacks the
// metadata link gets it backfilled.
func (r *IdentityResolver) EnsureCustomer(ctx context.Context, actor types.Actor) (string, error) {
	userID := strconv.FormatInt(actor.UserID, 10)

	matches, err := r.stripe.SearchCustomersByEmail(ctx, actor.Email)
	if err != nil {
		return "", err
	}

	for i := range matches {
		customer := &matches[i]
		if customer.Deleted {
			continue
		}
		if customer.Metadata[r.field] != userID {
			if err := r.stripe.UpdateCustomerMetadata(ctx, customer.ID, map[string]string{
				r.field: userID,
			}); err != nil {
				return "", err
			}
		}
		return customer.ID, nil
	}

	customer, err := r.stripe.CreateCustomer(ctx, actor.Email, actor.Username, map[string]string{
		r.field: userID,
	})
	if err != nil {
		return "", err
	}

	r.logger.InfoContext(ctx, "created stripe customer",
		"customer_id", customer.ID, "user_id", actor.UserID)
	return customer.ID, nil
}
