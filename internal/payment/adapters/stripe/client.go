package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/canvasbanana/internal/config"
	paymentdomain "github.com/smallbiznis/canvasbanana/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	ProviderName = "stripe"

	defaultAPIBase = "https://api.stripe.com"
	defaultTimeout = 12 * time.Second
)

type Params struct {
	fx.In

	Cfg        config.Config
	Log        *zap.Logger
	HTTPClient *http.Client `optional:"true"`
}

// Client talks to the Stripe REST API with form-encoded requests.
type Client struct {
	apiBase   string
	secretKey string
	client    *http.Client
	log       *zap.Logger
}

func NewClient(p Params) *Client {
	apiBase := strings.TrimRight(strings.TrimSpace(p.Cfg.Stripe.APIBase), "/")
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	httpClient := p.HTTPClient
	if httpClient == nil {
		timeout := p.Cfg.Stripe.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		apiBase:   apiBase,
		secretKey: strings.TrimSpace(p.Cfg.Stripe.SecretKey),
		client:    httpClient,
		log:       log.Named("payment.stripe"),
	}
}

func (c *Client) Name() string { return ProviderName }

func (c *Client) FindOrCreateCustomer(ctx context.Context, email, accountID string) (*paymentdomain.Customer, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, paymentdomain.ErrCustomerNotFound
	}

	query := url.Values{}
	query.Set("email", email)
	query.Set("limit", "1")
	var list stripeCustomerList
	if err := c.do(ctx, http.MethodGet, "/v1/customers", query, nil, "", &list); err != nil {
		return nil, err
	}
	if len(list.Data) > 0 && strings.TrimSpace(list.Data[0].ID) != "" {
		return &paymentdomain.Customer{ID: list.Data[0].ID, Email: list.Data[0].Email}, nil
	}

	form := url.Values{}
	form.Set("email", email)
	if accountID = strings.TrimSpace(accountID); accountID != "" {
		form.Set("metadata["+paymentdomain.MetadataAccountID+"]", accountID)
	}
	var created stripeCustomer
	if err := c.do(ctx, http.MethodPost, "/v1/customers", nil, form, "customer:"+accountID, &created); err != nil {
		return nil, err
	}
	if strings.TrimSpace(created.ID) == "" {
		return nil, fmt.Errorf("%w: empty customer id", paymentdomain.ErrProviderUnavailable)
	}
	return &paymentdomain.Customer{ID: created.ID, Email: created.Email}, nil
}

func (c *Client) CreateCheckoutSession(ctx context.Context, params paymentdomain.CreateSessionParams) (*paymentdomain.CheckoutSession, error) {
	if params.Credits <= 0 || strings.TrimSpace(params.AccountID) == "" {
		return nil, paymentdomain.ErrInvalidSession
	}

	credits := strconv.FormatInt(params.Credits, 10)
	form := url.Values{}
	form.Set("mode", "payment")
	if params.CustomerID != "" {
		form.Set("customer", params.CustomerID)
	}
	form.Set("client_reference_id", params.AccountID)
	form.Set("line_items[0][quantity]", "1")
	if priceID := strings.TrimSpace(params.ProviderPriceID); priceID != "" {
		form.Set("line_items[0][price]", priceID)
	} else {
		form.Set("line_items[0][price_data][currency]", strings.ToLower(params.Currency))
		form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(params.UnitAmount, 10))
		form.Set("line_items[0][price_data][product_data][name]", params.ProductName)
	}
	form.Set("metadata["+paymentdomain.MetadataAccountID+"]", params.AccountID)
	form.Set("metadata["+paymentdomain.MetadataCredits+"]", credits)
	form.Set("payment_intent_data[metadata]["+paymentdomain.MetadataAccountID+"]", params.AccountID)
	form.Set("payment_intent_data[metadata]["+paymentdomain.MetadataCredits+"]", credits)
	form.Set("success_url", params.SuccessURL)
	form.Set("cancel_url", params.CancelURL)

	var session stripeCheckoutSession
	if err := c.do(ctx, http.MethodPost, "/v1/checkout/sessions", nil, form, params.IdempotencyKey, &session); err != nil {
		return nil, err
	}
	if strings.TrimSpace(session.ID) == "" || strings.TrimSpace(session.URL) == "" {
		return nil, fmt.Errorf("%w: incomplete checkout session", paymentdomain.ErrProviderUnavailable)
	}
	return session.toDomain(), nil
}

func (c *Client) RetrieveCheckoutSession(ctx context.Context, sessionID string) (*paymentdomain.CheckoutSession, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" || strings.ContainsAny(sessionID, "/?#") {
		return nil, paymentdomain.ErrInvalidSession
	}

	var session stripeCheckoutSession
	err := c.do(ctx, http.MethodGet, "/v1/checkout/sessions/"+url.PathEscape(sessionID), nil, nil, "", &session)
	if err != nil {
		var reqErr *requestError
		if errors.As(err, &reqErr) && reqErr.status == http.StatusNotFound {
			return nil, paymentdomain.ErrSessionNotFound
		}
		return nil, err
	}
	if strings.TrimSpace(session.ID) == "" {
		return nil, paymentdomain.ErrSessionNotFound
	}
	return session.toDomain(), nil
}

func (c *Client) do(
	ctx context.Context,
	method string,
	path string,
	query url.Values,
	form url.Values,
	idempotencyKey string,
	out any,
) error {
	if c.secretKey == "" {
		return paymentdomain.ErrInvalidConfig
	}

	endpoint := c.apiBase + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.log.Warn("stripe request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %v", paymentdomain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		reqErr := &requestError{status: resp.StatusCode, message: "stripe_request_failed"}
		var stripeErr stripeErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&stripeErr); err == nil {
			if message := strings.TrimSpace(stripeErr.Error.Message); message != "" {
				reqErr.message = message
			}
			reqErr.code = strings.TrimSpace(stripeErr.Error.Code)
		}
		if resp.StatusCode != http.StatusNotFound {
			c.log.Warn("stripe request rejected",
				zap.String("method", method),
				zap.String("path", path),
				zap.Int("status_code", resp.StatusCode),
				zap.String("code", reqErr.code),
			)
		}
		return reqErr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", paymentdomain.ErrProviderUnavailable, err)
	}
	return nil
}

// requestError is a non-2xx answer from Stripe. All of them surface as
// provider errors; callers inspect the status for not-found handling.
type requestError struct {
	status  int
	code    string
	message string
}

func (e *requestError) Error() string {
	return fmt.Sprintf("stripe: status %d: %s", e.status, e.message)
}

func (e *requestError) Unwrap() error { return paymentdomain.ErrProviderUnavailable }

type stripeErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type stripeCustomer struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type stripeCustomerList struct {
	Data []stripeCustomer `json:"data"`
}

type stripeCheckoutSession struct {
	ID                string          `json:"id"`
	URL               string          `json:"url"`
	Status            string          `json:"status"`
	PaymentStatus     string          `json:"payment_status"`
	PaymentIntent     json.RawMessage `json:"payment_intent"`
	AmountTotal       int64           `json:"amount_total"`
	Currency          string          `json:"currency"`
	Customer          json.RawMessage `json:"customer"`
	ClientReferenceID string          `json:"client_reference_id"`
	Metadata          map[string]any  `json:"metadata"`
}

func (s stripeCheckoutSession) toDomain() *paymentdomain.CheckoutSession {
	metadata := make(map[string]string, len(s.Metadata))
	for key := range s.Metadata {
		if value := readMetadataValue(s.Metadata, key); value != "" {
			metadata[key] = value
		}
	}
	return &paymentdomain.CheckoutSession{
		ID:                s.ID,
		URL:               s.URL,
		Status:            s.Status,
		PaymentStatus:     s.PaymentStatus,
		PaymentIntentID:   expandableID(s.PaymentIntent),
		AmountTotal:       s.AmountTotal,
		Currency:          strings.ToLower(strings.TrimSpace(s.Currency)),
		CustomerID:        expandableID(s.Customer),
		ClientReferenceID: s.ClientReferenceID,
		Metadata:          metadata,
	}
}

// expandableID reads a Stripe field that is either an id string or an
// expanded object carrying an id.
func expandableID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return strings.TrimSpace(id)
	}
	var object struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &object); err == nil {
		return strings.TrimSpace(object.ID)
	}
	return ""
}

func readMetadataValue(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	value, ok := metadata[key]
	if !ok {
		return ""
	}
	switch cast := value.(type) {
	case string:
		return strings.TrimSpace(cast)
	case float64:
		return strconv.FormatInt(int64(cast), 10)
	case json.Number:
		return cast.String()
	case int64:
		return strconv.FormatInt(cast, 10)
	case int:
		return strconv.Itoa(cast)
	}
	return ""
}
