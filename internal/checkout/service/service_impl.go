package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/canvasbanana/internal/catalog"
	checkoutdomain "github.com/smallbiznis/canvasbanana/internal/checkout/domain"
	"github.com/smallbiznis/canvasbanana/internal/config"
	ledgerdomain "github.com/smallbiznis/canvasbanana/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/canvasbanana/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/canvasbanana/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	successPath = "/payment-success?session_id={CHECKOUT_SESSION_ID}"
	cancelPath  = "/"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	Cfg        config.Config
	Provider   paymentdomain.Provider
	Catalog    *catalog.Holder
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log        *zap.Logger
	publicURL  string
	provider   paymentdomain.Provider
	catalog    *catalog.Holder
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) checkoutdomain.Service {
	return &Service{
		log:        p.Log.Named("checkout.service"),
		publicURL:  strings.TrimRight(strings.TrimSpace(p.Cfg.PublicURL), "/"),
		provider:   p.Provider,
		catalog:    p.Catalog,
		obsMetrics: p.ObsMetrics,
	}
}

// CreateSession opens a hosted checkout for a catalog package. It has no
// ledger side effects; credits are added only by reconciliation.
func (s *Service) CreateSession(ctx context.Context, req checkoutdomain.CreateSessionRequest) (*checkoutdomain.CreateSessionResponse, error) {
	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" {
		return nil, ledgerdomain.ErrUnauthenticated
	}
	pkg, err := s.catalog.Lookup(req.Credits)
	if err != nil {
		return nil, err
	}
	email := strings.TrimSpace(req.Email)
	if email == "" {
		return nil, checkoutdomain.ErrMissingContact
	}
	baseURL, err := s.returnBaseURL(req.Origin)
	if err != nil {
		return nil, err
	}

	customer, err := s.provider.FindOrCreateCustomer(ctx, email, accountID)
	if err != nil {
		s.providerFailed(ctx, "find_customer", accountID, err)
		return nil, err
	}

	session, err := s.provider.CreateCheckoutSession(ctx, paymentdomain.CreateSessionParams{
		CustomerID:      customer.ID,
		AccountID:       accountID,
		Credits:         pkg.Credits,
		UnitAmount:      pkg.PriceCents,
		Currency:        pkg.Currency,
		ProductName:     productName(pkg.Credits),
		ProviderPriceID: pkg.ProviderPriceID,
		SuccessURL:      baseURL + successPath,
		CancelURL:       baseURL + cancelPath,
		IdempotencyKey:  "checkout:" + accountID + ":" + ulid.Make().String(),
	})
	if err != nil {
		s.providerFailed(ctx, "create_session", accountID, err)
		return nil, err
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordCheckoutSession(ctx, s.provider.Name(), pkg.Credits)
	}
	s.log.Info("checkout session created",
		zap.String("account_id", accountID),
		zap.String("session_id", session.ID),
		zap.Int64("credits", pkg.Credits),
	)

	return &checkoutdomain.CreateSessionResponse{
		CheckoutURL: session.URL,
		SessionID:   session.ID,
	}, nil
}

// returnBaseURL prefers the configured public URL. The request origin is only
// accepted as an absolute http(s) URL without path.
func (s *Service) returnBaseURL(origin string) (string, error) {
	if s.publicURL != "" {
		return s.publicURL, nil
	}
	origin = strings.TrimRight(strings.TrimSpace(origin), "/")
	if origin == "" {
		return "", checkoutdomain.ErrInvalidReturnURL
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return "", checkoutdomain.ErrInvalidReturnURL
	}
	if parsed.Path != "" || parsed.RawQuery != "" || parsed.Fragment != "" {
		return "", checkoutdomain.ErrInvalidReturnURL
	}
	return parsed.Scheme + "://" + parsed.Host, nil
}

func (s *Service) providerFailed(ctx context.Context, operation, accountID string, err error) {
	if !errors.Is(err, paymentdomain.ErrProviderUnavailable) {
		return
	}
	s.log.Warn("payment provider call failed",
		zap.String("operation", operation),
		zap.String("account_id", accountID),
		zap.Error(err),
	)
	if s.obsMetrics != nil {
		s.obsMetrics.RecordProviderError(ctx, s.provider.Name(), operation, "unavailable")
	}
}

func productName(credits int64) string {
	if credits == 1 {
		return "1 Canvas Banana Credit"
	}
	return fmt.Sprintf("%d Canvas Banana Credits", credits)
}
