package service

import (
	"context"
	"errors"
	"strconv"
	"strings"

	ledgerdomain "github.com/smallbiznis/canvasbanana/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/canvasbanana/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/canvasbanana/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	SourceVerify  = "verify"
	SourceWebhook = "webhook"
)

type Params struct {
	fx.In

	Log           *zap.Logger
	Provider      paymentdomain.Provider
	LedgerSvc     ledgerdomain.Service
	ObsMetrics    *obsmetrics.Metrics       `optional:"true"`
	LedgerMetrics *obsmetrics.LedgerMetrics `optional:"true"`
}

type Service struct {
	log           *zap.Logger
	provider      paymentdomain.Provider
	ledgerSvc     ledgerdomain.Service
	obsMetrics    *obsmetrics.Metrics
	ledgerMetrics *obsmetrics.LedgerMetrics
}

func NewService(p Params) paymentdomain.Service {
	return &Service{
		log:           p.Log.Named("payment.service"),
		provider:      p.Provider,
		ledgerSvc:     p.LedgerSvc,
		obsMetrics:    p.ObsMetrics,
		ledgerMetrics: p.LedgerMetrics,
	}
}

func (s *Service) VerifyPayment(ctx context.Context, accountID, sessionID string) (*ledgerdomain.PurchaseResult, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, ledgerdomain.ErrUnauthenticated
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, paymentdomain.ErrInvalidSession
	}

	session, err := s.provider.RetrieveCheckoutSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrProviderUnavailable) {
			s.recordProviderError(ctx, "retrieve_session", err)
			s.log.Warn("retrieve checkout session failed",
				zap.String("account_id", accountID),
				zap.String("session_id", sessionID),
				zap.Error(err),
			)
		}
		return nil, err
	}

	return s.ReconcileSession(ctx, accountID, session, SourceVerify)
}

// ReconcileSession credits a paid session to accountID. Nothing is written
// unless the session is paid, carries a positive credit amount, and names
// accountID as its owner.
func (s *Service) ReconcileSession(ctx context.Context, accountID string, session *paymentdomain.CheckoutSession, source string) (*ledgerdomain.PurchaseResult, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, ledgerdomain.ErrUnauthenticated
	}
	if session == nil || strings.TrimSpace(session.ID) == "" {
		return nil, paymentdomain.ErrInvalidSession
	}
	if !session.Paid() {
		return nil, paymentdomain.ErrPaymentNotCompleted
	}

	credits, err := creditsFromMetadata(session.Metadata)
	if err != nil {
		s.log.Warn("checkout session metadata rejected",
			zap.String("session_id", session.ID),
			zap.String("account_id", accountID),
		)
		return nil, err
	}
	if !ownedBy(session, accountID) {
		s.log.Warn("checkout session not owned by caller",
			zap.String("session_id", session.ID),
			zap.String("account_id", accountID),
		)
		return nil, paymentdomain.ErrInvalidSessionMetadata
	}

	result, err := s.ledgerSvc.ApplyPurchase(ctx, ledgerdomain.PurchaseRequest{
		AccountID:       accountID,
		SessionID:       session.ID,
		Credits:         credits,
		PaymentIntentID: session.PaymentIntentID,
		AmountTotal:     session.AmountTotal,
		Currency:        session.Currency,
	})
	if err != nil {
		s.recordReconcile(source, obsmetrics.ReconcileOutcomeError, 0)
		return nil, err
	}

	if result.AlreadyReconciled {
		s.recordReconcile(source, obsmetrics.ReconcileOutcomeReplayed, 0)
		return result, nil
	}
	s.recordReconcile(source, obsmetrics.ReconcileOutcomeCredited, result.CreditsAdded)
	s.log.Info("payment reconciled",
		zap.String("account_id", accountID),
		zap.String("session_id", session.ID),
		zap.String("source", source),
		zap.Int64("credits_added", result.CreditsAdded),
		zap.Int64("new_balance", result.NewBalance),
	)
	return result, nil
}

// ownedBy requires at least one account reference on the session, and every
// reference present must name accountID.
func ownedBy(session *paymentdomain.CheckoutSession, accountID string) bool {
	owners := []string{
		strings.TrimSpace(session.Metadata[paymentdomain.MetadataAccountID]),
		strings.TrimSpace(session.ClientReferenceID),
	}
	found := false
	for _, owner := range owners {
		if owner == "" {
			continue
		}
		if owner != accountID {
			return false
		}
		found = true
	}
	return found
}

func creditsFromMetadata(metadata map[string]string) (int64, error) {
	raw := strings.TrimSpace(metadata[paymentdomain.MetadataCredits])
	if raw == "" {
		return 0, paymentdomain.ErrInvalidSessionMetadata
	}
	credits, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || credits <= 0 {
		return 0, paymentdomain.ErrInvalidSessionMetadata
	}
	return credits, nil
}

func (s *Service) recordReconcile(source, outcome string, credits int64) {
	if s.ledgerMetrics == nil {
		return
	}
	s.ledgerMetrics.RecordReconcile(source, outcome, credits)
}

func (s *Service) recordProviderError(ctx context.Context, operation string, err error) {
	if s.obsMetrics == nil {
		return
	}
	reason := "unavailable"
	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "Client.Timeout") {
		reason = "timeout"
	}
	s.obsMetrics.RecordProviderError(ctx, s.provider.Name(), operation, reason)
}
