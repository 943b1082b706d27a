package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/canvasbanana/internal/clock"
	"github.com/smallbiznis/canvasbanana/internal/config"
	paymentdomain "github.com/smallbiznis/canvasbanana/internal/payment/domain"
	"go.uber.org/fx"
)

const (
	EventCheckoutSessionCompleted            = "checkout.session.completed"
	EventCheckoutSessionAsyncPaymentSucceeds = "checkout.session.async_payment_succeeded"

	defaultSignatureTolerance = 5 * time.Minute
)

type WebhookParams struct {
	fx.In

	Cfg   config.Config
	Clock clock.Clock `optional:"true"`
}

// Adapter verifies and decodes Stripe webhook deliveries.
type Adapter struct {
	webhookSecret string
	tolerance     time.Duration
	clock         clock.Clock
}

func NewWebhookAdapter(p WebhookParams) *Adapter {
	clk := p.Clock
	if clk == nil {
		clk = clock.System()
	}
	return &Adapter{
		webhookSecret: strings.TrimSpace(p.Cfg.Stripe.WebhookSecret),
		tolerance:     defaultSignatureTolerance,
		clock:         clk,
	}
}

func (a *Adapter) Name() string { return ProviderName }

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	if a.webhookSecret == "" {
		return paymentdomain.ErrInvalidConfig
	}
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return paymentdomain.ErrInvalidSignature
	}

	timestamp, signatures, err := parseStripeSignature(sigHeader)
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}
	signedAt, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}
	if a.tolerance > 0 {
		age := a.clock.Now().Sub(time.Unix(signedAt, 0))
		if age > a.tolerance || age < -a.tolerance {
			return paymentdomain.ErrInvalidSignature
		}
	}

	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}

	return paymentdomain.ErrInvalidSignature
}

// Parse decodes checkout session events. Other event types come back as a
// bare envelope together with ErrEventIgnored.
func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.WebhookEvent, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	eventType := strings.TrimSpace(event.Type)
	switch eventType {
	case EventCheckoutSessionCompleted, EventCheckoutSessionAsyncPaymentSucceeds:
	default:
		return &paymentdomain.WebhookEvent{
			Provider:        ProviderName,
			ProviderEventID: event.ID,
			Type:            eventType,
			OccurredAt:      timestamp(event.Created),
			RawPayload:      payload,
		}, paymentdomain.ErrEventIgnored
	}

	var session stripeCheckoutSession
	if err := json.Unmarshal(event.Data.Object, &session); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(session.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	return &paymentdomain.WebhookEvent{
		Provider:        ProviderName,
		ProviderEventID: event.ID,
		Type:            eventType,
		Session:         session.toDomain(),
		OccurredAt:      timestamp(event.Created),
		RawPayload:      payload,
	}, nil
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

func parseStripeSignature(header string) (string, []string, error) {
	parts := strings.Split(header, ",")
	var timestamp string
	signatures := []string{}
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			timestamp = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature")
	}
	return timestamp, signatures, nil
}

func timestamp(value int64) time.Time {
	if value == 0 {
		return time.Now().UTC()
	}
	return time.Unix(value, 0).UTC()
}
