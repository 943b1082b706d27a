package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/canvasbanana/internal/clock"
	ledgerdomain "github.com/smallbiznis/canvasbanana/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/canvasbanana/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/canvasbanana/internal/payment/domain"
	paymentservice "github.com/smallbiznis/canvasbanana/internal/payment/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       paymentdomain.Repository
	Adapter    paymentdomain.WebhookAdapter
	PaymentSvc paymentdomain.Service
	Clock      clock.Clock         `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       paymentdomain.Repository
	adapter    paymentdomain.WebhookAdapter
	paymentSvc paymentdomain.Service
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) paymentdomain.WebhookService {
	clk := p.Clock
	if clk == nil {
		clk = clock.System()
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payment.webhook"),
		genID:      p.GenID,
		repo:       p.Repo,
		adapter:    p.Adapter,
		paymentSvc: p.PaymentSvc,
		clock:      clk,
		obsMetrics: p.ObsMetrics,
	}
}

// IngestWebhook verifies, stores and reconciles a provider event. A nil
// return acknowledges the delivery; an error asks the provider to retry.
func (s *Service) IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if s.adapter == nil || provider == "" || provider != s.adapter.Name() {
		return paymentdomain.ErrProviderNotFound
	}
	if !json.Valid(payload) {
		return paymentdomain.ErrInvalidPayload
	}
	if err := s.adapter.Verify(ctx, payload, headers); err != nil {
		return err
	}

	event, err := s.adapter.Parse(ctx, payload)
	ignored := errors.Is(err, paymentdomain.ErrEventIgnored)
	if err != nil && !ignored {
		return err
	}
	if event == nil {
		return paymentdomain.ErrInvalidEvent
	}

	// Once verified, the event is processed to completion regardless of the caller.
	ctx = context.WithoutCancel(ctx)
	now := s.clock.Now()

	received := paymentdomain.EventRecord{
		ID:              s.genID.Generate(),
		Provider:        provider,
		ProviderEventID: event.ProviderEventID,
		EventType:       event.Type,
		Payload:         datatypes.JSON(payload),
		ReceivedAt:      now,
	}
	if event.Session != nil {
		sessionID := event.Session.ID
		received.SessionID = &sessionID
	}

	inserted, err := s.repo.InsertEvent(ctx, s.db, &received)
	if err != nil {
		return err
	}
	stored := &received
	if !inserted {
		stored, err = s.repo.FindEvent(ctx, s.db, provider, event.ProviderEventID)
		if err != nil {
			return err
		}
		if stored == nil {
			return paymentdomain.ErrInvalidEvent
		}
		if stored.ProcessedAt != nil {
			s.log.Debug("payment event already processed",
				zap.String("provider", provider),
				zap.String("provider_event_id", event.ProviderEventID),
			)
			return nil
		}
	}
	if inserted && s.obsMetrics != nil {
		s.obsMetrics.RecordPaymentEvent(ctx, provider, event.Type)
	}

	if !ignored {
		if err := s.reconcile(ctx, event); err != nil {
			return err
		}
	}

	return s.repo.MarkProcessed(ctx, s.db, stored.ID, now)
}

// reconcile returns an error only for failures worth a provider retry.
// Events that can never succeed are logged and acknowledged.
func (s *Service) reconcile(ctx context.Context, event *paymentdomain.WebhookEvent) error {
	session := event.Session
	accountID := strings.TrimSpace(session.Metadata[paymentdomain.MetadataAccountID])
	if accountID == "" {
		accountID = strings.TrimSpace(session.ClientReferenceID)
	}
	logger := s.log.With(
		zap.String("provider_event_id", event.ProviderEventID),
		zap.String("event_type", event.Type),
		zap.String("session_id", session.ID),
		zap.String("account_id", accountID),
	)
	if accountID == "" {
		logger.Warn("checkout session without account reference")
		return nil
	}

	_, err := s.paymentSvc.ReconcileSession(ctx, accountID, session, paymentservice.SourceWebhook)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, paymentdomain.ErrPaymentNotCompleted):
		logger.Info("checkout session not paid yet")
		return nil
	case errors.Is(err, paymentdomain.ErrInvalidSessionMetadata),
		errors.Is(err, ledgerdomain.ErrReconciliationAccount):
		logger.Warn("checkout session cannot be reconciled", zap.Error(err))
		return nil
	default:
		logger.Error("webhook reconciliation failed", zap.Error(err))
		return err
	}
}
