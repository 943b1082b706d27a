package service

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/smallbiznis/canvasbanana/internal/catalog"
	checkoutdomain "github.com/smallbiznis/canvasbanana/internal/checkout/domain"
	"github.com/smallbiznis/canvasbanana/internal/config"
	ledgerdomain "github.com/smallbiznis/canvasbanana/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/canvasbanana/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/canvasbanana/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
)

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) Name() string { return "stripe" }

func (m *mockProvider) FindOrCreateCustomer(ctx context.Context, email, accountID string) (*paymentdomain.Customer, error) {
	args := m.Called(ctx, email, accountID)
	customer, _ := args.Get(0).(*paymentdomain.Customer)
	return customer, args.Error(1)
}

func (m *mockProvider) CreateCheckoutSession(ctx context.Context, params paymentdomain.CreateSessionParams) (*paymentdomain.CheckoutSession, error) {
	args := m.Called(ctx, params)
	session, _ := args.Get(0).(*paymentdomain.CheckoutSession)
	return session, args.Error(1)
}

func (m *mockProvider) RetrieveCheckoutSession(ctx context.Context, sessionID string) (*paymentdomain.CheckoutSession, error) {
	args := m.Called(ctx, sessionID)
	session, _ := args.Get(0).(*paymentdomain.CheckoutSession)
	return session, args.Error(1)
}

func TestCreateSessionForPackage(t *testing.T) {
	provider := &mockProvider{}
	svc := newTestService(t, provider, "https://app.test")

	provider.On("FindOrCreateCustomer", mock.Anything, "ada@example.com", "user-1").
		Return(&paymentdomain.Customer{ID: "cus_1", Email: "ada@example.com"}, nil)
	provider.On("CreateCheckoutSession", mock.Anything, mock.MatchedBy(func(p paymentdomain.CreateSessionParams) bool {
		return p.CustomerID == "cus_1" &&
			p.AccountID == "user-1" &&
			p.Credits == 5 &&
			p.UnitAmount == 450 &&
			p.Currency == "usd" &&
			p.ProductName == "5 Canvas Banana Credits" &&
			p.SuccessURL == "https://app.test/payment-success?session_id={CHECKOUT_SESSION_ID}" &&
			p.CancelURL == "https://app.test/" &&
			strings.HasPrefix(p.IdempotencyKey, "checkout:user-1:")
	})).Return(&paymentdomain.CheckoutSession{ID: "cs_1", URL: "https://checkout.test/cs_1"}, nil)

	resp, err := svc.CreateSession(context.Background(), checkoutdomain.CreateSessionRequest{
		AccountID: "user-1",
		Email:     "ada@example.com",
		Credits:   5,
		Origin:    "https://evil.test",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.test/cs_1", resp.CheckoutURL)
	assert.Equal(t, "cs_1", resp.SessionID)
	provider.AssertExpectations(t)
}

func TestCreateSessionUsesOriginWithoutPublicURL(t *testing.T) {
	provider := &mockProvider{}
	svc := newTestService(t, provider, "")

	provider.On("FindOrCreateCustomer", mock.Anything, mock.Anything, mock.Anything).
		Return(&paymentdomain.Customer{ID: "cus_1"}, nil)
	provider.On("CreateCheckoutSession", mock.Anything, mock.MatchedBy(func(p paymentdomain.CreateSessionParams) bool {
		return p.CancelURL == "http://localhost:5173/"
	})).Return(&paymentdomain.CheckoutSession{ID: "cs_1", URL: "https://checkout.test/cs_1"}, nil)

	_, err := svc.CreateSession(context.Background(), checkoutdomain.CreateSessionRequest{
		AccountID: "user-1",
		Email:     "ada@example.com",
		Credits:   1,
		Origin:    "http://localhost:5173/",
	})
	require.NoError(t, err)
}

func TestCreateSessionRejections(t *testing.T) {
	tests := []struct {
		name string
		req  checkoutdomain.CreateSessionRequest
		want error
	}{
		{
			name: "unauthenticated",
			req:  checkoutdomain.CreateSessionRequest{Email: "ada@example.com", Credits: 5, Origin: "https://app.test"},
			want: ledgerdomain.ErrUnauthenticated,
		},
		{
			name: "unknown package",
			req:  checkoutdomain.CreateSessionRequest{AccountID: "user-1", Email: "ada@example.com", Credits: 3, Origin: "https://app.test"},
			want: catalog.ErrInvalidPackage,
		},
		{
			name: "missing email",
			req:  checkoutdomain.CreateSessionRequest{AccountID: "user-1", Credits: 5, Origin: "https://app.test"},
			want: checkoutdomain.ErrMissingContact,
		},
		{
			name: "missing origin",
			req:  checkoutdomain.CreateSessionRequest{AccountID: "user-1", Email: "ada@example.com", Credits: 5},
			want: checkoutdomain.ErrInvalidReturnURL,
		},
		{
			name: "origin with path",
			req:  checkoutdomain.CreateSessionRequest{AccountID: "user-1", Email: "ada@example.com", Credits: 5, Origin: "https://app.test/phish"},
			want: checkoutdomain.ErrInvalidReturnURL,
		},
		{
			name: "non http origin",
			req:  checkoutdomain.CreateSessionRequest{AccountID: "user-1", Email: "ada@example.com", Credits: 5, Origin: "javascript://x"},
			want: checkoutdomain.ErrInvalidReturnURL,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := &mockProvider{}
			svc := newTestService(t, provider, "")

			_, err := svc.CreateSession(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.want)
			provider.AssertNotCalled(t, "FindOrCreateCustomer", mock.Anything, mock.Anything, mock.Anything)
			provider.AssertNotCalled(t, "CreateCheckoutSession", mock.Anything, mock.Anything)
		})
	}
}

func TestCreateSessionProviderFailure(t *testing.T) {
	provider := &mockProvider{}
	svc := newTestService(t, provider, "https://app.test")

	provider.On("FindOrCreateCustomer", mock.Anything, mock.Anything, mock.Anything).
		Return(&paymentdomain.Customer{ID: "cus_1"}, nil)
	provider.On("CreateCheckoutSession", mock.Anything, mock.Anything).
		Return(nil, fmt.Errorf("%w: timeout", paymentdomain.ErrProviderUnavailable))

	_, err := svc.CreateSession(context.Background(), checkoutdomain.CreateSessionRequest{
		AccountID: "user-1",
		Email:     "ada@example.com",
		Credits:   10,
	})
	assert.ErrorIs(t, err, paymentdomain.ErrProviderUnavailable)
}

func newTestService(t *testing.T, provider paymentdomain.Provider, publicURL string) checkoutdomain.Service {
	t.Helper()

	holder, err := catalog.NewStaticHolder(catalog.DefaultCatalog())
	require.NoError(t, err)
	metrics, err := obsmetrics.New(obsmetrics.Config{ServiceName: "test"}, noop.NewMeterProvider())
	require.NoError(t, err)

	return NewService(Params{
		Log:        zap.NewNop(),
		Cfg:        config.Config{PublicURL: publicURL},
		Provider:   provider,
		Catalog:    holder,
		ObsMetrics: metrics,
	})
}
