package billing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"premiumgate/internal/external"
	"premiumgate/internal/types"
)

// --- Mocks ---

type mockCustomerGateway struct {
	mock.Mock
}

func (m *mockCustomerGateway) GetCustomer(ctx context.Context, customerID string) (*external.StripeCustomer, error) {
	args := m.Called(ctx, customerID)
	if c := args.Get(0); c != nil {
		return c.(*external.StripeCustomer), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockCustomerGateway) SearchCustomersByEmail(ctx context.Context, email string) ([]external.StripeCustomer, error) {
	args := m.Called(ctx, email)
	if c := args.Get(0); c != nil {
		return c.([]external.StripeCustomer), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockCustomerGateway) CreateCustomer(ctx context.Context, email, name string, metadata map[string]string) (*external.StripeCustomer, error) {
	args := m.Called(ctx, email, name, metadata)
	if c := args.Get(0); c != nil {
		return c.(*external.StripeCustomer), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockCustomerGateway) UpdateCustomerMetadata(ctx context.Context, customerID string, metadata map[string]string) error {
	args := m.Called(ctx, customerID, metadata)
	return args.Error(0)
}

type mockUserDirectory struct {
	mock.Mock
}

func (m *mockUserDirectory) GetByEmail(ctx context.Context, email string) (*types.PlatformUser, error) {
	args := m.Called(ctx, email)
	if u := args.Get(0); u != nil {
		return u.(*types.PlatformUser), args.Error(1)
	}
	return nil, args.Error(1)
}

// --- Resolve ---

func TestIdentityResolver_Resolve_MetadataFastPath(t *testing.T) {
	stripe := new(mockCustomerGateway)
	users := new(mockUserDirectory)
	resolver := NewIdentityResolver(stripe, users, "inst1", nil)

	stripe.On("GetCustomer", mock.Anything, "cus_1").Return(&external.StripeCustomer{
		ID:       "cus_1",
		Email:    "alice@example.org",
		Metadata: map[string]string{"userId-inst1": "42"},
	}, nil)

	userID, err := resolver.Resolve(context.Background(), "cus_1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), userID)
	users.AssertNotCalled(t, "GetByEmail", mock.Anything, mock.Anything)
	stripe.AssertNotCalled(t, "UpdateCustomerMetadata", mock.Anything, mock.Anything, mock.Anything)
}

func TestIdentityResolver_Resolve_NamespaceIsolation(t *testing.T) {
	// A metadata field written by another deployment must not resolve here.
	stripe := new(mockCustomerGateway)
	users := new(mockUserDirectory)
	resolver := NewIdentityResolver(stripe, users, "inst2", nil)

	stripe.On("GetCustomer", mock.Anything, "cus_1").Return(&external.StripeCustomer{
		ID:       "cus_1",
		Email:    "alice@example.org",
		Metadata: map[string]string{"userId-inst1": "42"},
	}, nil)
	users.On("GetByEmail", mock.Anything, "alice@example.org").Return(&types.PlatformUser{ID: 77}, nil)
	stripe.On("UpdateCustomerMetadata", mock.Anything, "cus_1", map[string]string{"userId-inst2": "77"}).Return(nil)

	userID, err := resolver.Resolve(context.Background(), "cus_1")
	require.NoError(t, err)
	assert.Equal(t, int64(77), userID)
	stripe.AssertExpectations(t)
}

func TestIdentityResolver_Resolve_EmailFallbackBackfills(t *testing.T) {
	stripe := new(mockCustomerGateway)
	users := new(mockUserDirectory)
	resolver := NewIdentityResolver(stripe, users, "inst1", nil)

	stripe.On("GetCustomer", mock.Anything, "cus_legacy").Return(&external.StripeCustomer{
		ID:    "cus_legacy",
		Email: "bob@example.org",
	}, nil)
	users.On("GetByEmail", mock.Anything, "bob@example.org").Return(&types.PlatformUser{ID: 9}, nil)
	stripe.On("UpdateCustomerMetadata", mock.Anything, "cus_legacy", map[string]string{"userId-inst1": "9"}).Return(nil)

	userID, err := resolver.Resolve(context.Background(), "cus_legacy")
	require.NoError(t, err)
	assert.Equal(t, int64(9), userID)
	stripe.AssertNumberOfCalls(t, "UpdateCustomerMetadata", 1)
}

func TestIdentityResolver_Resolve_Unresolvable(t *testing.T) {
	tests := []struct {
		name     string
		customer *external.StripeCustomer
		user     *types.PlatformUser
	}{
		{
			name:     "deleted customer",
			customer: &external.StripeCustomer{ID: "cus_gone", Deleted: true},
		},
		{
			name:     "no metadata and no email",
			customer: &external.StripeCustomer{ID: "cus_blank"},
		},
		{
			name:     "email matches no local user",
			customer: &external.StripeCustomer{ID: "cus_stranger", Email: "stranger@example.org"},
			user:     nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stripe := new(mockCustomerGateway)
			users := new(mockUserDirectory)
			resolver := NewIdentityResolver(stripe, users, "inst1", nil)

			stripe.On("GetCustomer", mock.Anything, tt.customer.ID).Return(tt.customer, nil)
			if tt.customer.Email != "" {
				users.On("GetByEmail", mock.Anything, tt.customer.Email).Return(nil, nil)
			}

			_, err := resolver.Resolve(context.Background(), tt.customer.ID)
			require.Error(t, err)

			var appErr *types.AppError
			require.True(t, errors.As(err, &appErr))
			assert.Equal(t, types.ErrCodeUnresolvableCustomer, appErr.Code)
		})
	}
}

func TestIdentityResolver_Resolve_TransientFailurePropagates(t *testing.T) {
	stripe := new(mockCustomerGateway)
	users := new(mockUserDirectory)
	resolver := NewIdentityResolver(stripe, users, "inst1", nil)

	upstream := types.NewAppError(types.ErrCodeUpstreamUnavailable, "stripe down", nil)
	stripe.On("GetCustomer", mock.Anything, "cus_1").Return(nil, upstream)

	_, err := resolver.Resolve(context.Background(), "cus_1")
	require.Error(t, err)
	assert.True(t, types.IsTransient(err))
}

// --- EnsureCustomer ---

func TestIdentityResolver_EnsureCustomer_FindsAndBackfills(t *testing.T) {
	stripe := new(mockCustomerGateway)
	users := new(mockUserDirectory)
	resolver := NewIdentityResolver(stripe, users, "inst1", nil)

	stripe.On("SearchCustomersByEmail", mock.Anything, "alice@example.org").Return([]external.StripeCustomer{
		{ID: "cus_existing", Email: "alice@example.org"},
	}, nil)
	stripe.On("UpdateCustomerMetadata", mock.Anything, "cus_existing", map[string]string{"userId-inst1": "42"}).Return(nil)

	actor := types.Actor{UserID: 42, Username: "alice", Email: "alice@example.org"}
	customerID, err := resolver.EnsureCustomer(context.Background(), actor)
	require.NoError(t, err)
	assert.Equal(t, "cus_existing", customerID)
	stripe.AssertNotCalled(t, "CreateCustomer", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestIdentityResolver_EnsureCustomer_AlreadyLinkedSkipsWrite(t *testing.T) {
	stripe := new(mockCustomerGateway)
	users := new(mockUserDirectory)
	resolver := NewIdentityResolver(stripe, users, "inst1", nil)

	stripe.On("SearchCustomersByEmail", mock.Anything, "alice@example.org").Return([]external.StripeCustomer{
		{ID: "cus_existing", Email: "alice@example.org", Metadata: map[string]string{"userId-inst1": "42"}},
	}, nil)

	actor := types.Actor{UserID: 42, Username: "alice", Email: "alice@example.org"}
	customerID, err := resolver.EnsureCustomer(context.Background(), actor)
	require.NoError(t, err)
	assert.Equal(t, "cus_existing", customerID)
	stripe.AssertNotCalled(t, "UpdateCustomerMetadata", mock.Anything, mock.Anything, mock.Anything)
}

func TestIdentityResolver_EnsureCustomer_CreatesWhenAbsent(t *testing.T) {
	stripe := new(mockCustomerGateway)
	users := new(mockUserDirectory)
	resolver := NewIdentityResolver(stripe, users, "inst1", nil)

	stripe.On("SearchCustomersByEmail", mock.Anything, "new@example.org").Return([]external.StripeCustomer{}, nil)
	stripe.On("CreateCustomer", mock.Anything, "new@example.org", "newbie",
		map[string]string{"userId-inst1": "7"}).Return(&external.StripeCustomer{ID: "cus_new"}, nil)

	actor := types.Actor{UserID: 7, Username: "newbie", Email: "new@example.org"}
	customerID, err := resolver.EnsureCustomer(context.Background(), actor)
	require.NoError(t, err)
	assert.Equal(t, "cus_new", customerID)
}
