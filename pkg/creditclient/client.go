// Package creditclient is the caller side of the credits API: a typed HTTP
// client plus a facade that keeps a display balance fresh.
package creditclient

import (
	"bytes"
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

	"go.uber.org/zap"
)

const defaultTimeout = 15 * time.Second

// ErrorKind is the closed set of failure categories a caller can act on.
type ErrorKind string

const (
	KindUnauthenticated        ErrorKind = "unauthenticated"
	KindInsufficientCredits    ErrorKind = "insufficient_credits"
	KindNotFound               ErrorKind = "not_found"
	KindValidation             ErrorKind = "validation_error"
	KindInvalidSessionMetadata ErrorKind = "invalid_session_metadata"
	KindPaymentNotCompleted    ErrorKind = "payment_not_completed"
	KindPaymentProvider        ErrorKind = "payment_provider_error"
	KindRateLimited            ErrorKind = "rate_limited"
	KindNetwork                ErrorKind = "network"
	KindInternal               ErrorKind = "internal_error"
)

// APIError is returned by every Client method.
type APIError struct {
	Kind       ErrorKind
	Status     int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *APIError) Unwrap() error { return e.Err }

// KindOf reports the kind of err, or KindInternal for foreign errors.
func KindOf(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindInternal
}

// TokenSource yields the caller's bearer token. An empty token means the
// caller is anonymous.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed TokenSource.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) { return string(s), nil }

type Credits struct {
	Balance         int64 `json:"balance"`
	TotalPurchased  int64 `json:"total_purchased"`
	TotalDownloaded int64 `json:"total_downloaded"`
}

type ConsumeResult struct {
	Success           bool  `json:"success"`
	AlreadyDownloaded bool  `json:"already_downloaded"`
	NewBalance        int64 `json:"new_balance"`
}

type CheckoutSession struct {
	CheckoutURL string `json:"checkout_url"`
	SessionID   string `json:"session_id"`
}

type PurchaseResult struct {
	CreditsAdded      int64 `json:"credits_added"`
	NewBalance        int64 `json:"new_balance"`
	AlreadyReconciled bool  `json:"already_reconciled"`
}

type Package struct {
	Credits        int64  `json:"credits"`
	Price          string `json:"price"`
	PriceCents     int64  `json:"price_cents"`
	Currency       string `json:"currency"`
	PricePerCredit string `json:"price_per_credit"`
	SavingsPercent int64  `json:"savings_percent"`
	Popular        bool   `json:"popular"`
}

type Transaction struct {
	ID                 string    `json:"id"`
	Type               string    `json:"type"`
	CreditsDelta       int64     `json:"credits_delta"`
	BalanceAfter       int64     `json:"balance_after"`
	ArtifactID         string    `json:"artifact_id,omitempty"`
	ExternalPaymentRef string    `json:"external_payment_ref,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

type TransactionPage struct {
	Transactions  []Transaction `json:"transactions"`
	NextPageToken string        `json:"next_page_token"`
	HasMore       bool          `json:"has_more"`
}

type Config struct {
	BaseURL    string
	Tokens     TokenSource
	HTTPClient *http.Client
	Log        *zap.Logger
}

// Client calls the credits HTTP API.
type Client struct {
	baseURL string
	tokens  TokenSource
	http    *http.Client
	log     *zap.Logger
}

func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("creditclient: base url is required")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("creditclient: invalid base url: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	tokens := cfg.Tokens
	if tokens == nil {
		tokens = StaticToken("")
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}

	return &Client{
		baseURL: base,
		tokens:  tokens,
		http:    httpClient,
		log:     log.Named("creditclient"),
	}, nil
}

// SignedIn reports whether the token source currently yields a token.
func (c *Client) SignedIn(ctx context.Context) bool {
	token, err := c.tokens.Token(ctx)
	return err == nil && strings.TrimSpace(token) != ""
}

func (c *Client) Credits(ctx context.Context) (*Credits, error) {
	var out Credits
	if err := c.do(ctx, http.MethodGet, "/api/credits", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Packages(ctx context.Context) ([]Package, error) {
	var out struct {
		Packages []Package `json:"packages"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/credits/packages", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Packages, nil
}

func (c *Client) Transactions(ctx context.Context, pageToken string, pageSize int) (*TransactionPage, error) {
	query := url.Values{}
	if pageToken != "" {
		query.Set("page_token", pageToken)
	}
	if pageSize > 0 {
		query.Set("page_size", strconv.Itoa(pageSize))
	}
	var out TransactionPage
	if err := c.do(ctx, http.MethodGet, "/api/credits/transactions", query, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Consume(ctx context.Context, artifactID string) (*ConsumeResult, error) {
	var out ConsumeResult
	body := map[string]string{"artifact_id": artifactID}
	if err := c.do(ctx, http.MethodPost, "/api/credits/consume", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Purchase(ctx context.Context, credits int64) (*CheckoutSession, error) {
	var out CheckoutSession
	body := map[string]int64{"credit_amount": credits}
	if err := c.do(ctx, http.MethodPost, "/api/credits/purchase", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) VerifyPayment(ctx context.Context, sessionID string) (*PurchaseResult, error) {
	var out PurchaseResult
	body := map[string]string{"session_id": sessionID}
	if err := c.do(ctx, http.MethodPost, "/api/credits/verify", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RegisterArtifact(ctx context.Context, artifactID string) error {
	path := "/api/artifacts/" + url.PathEscape(artifactID)
	return c.do(ctx, http.MethodPut, path, nil, nil, nil)
}

type errorEnvelope struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return &APIError{Kind: KindInternal, Err: err}
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return &APIError{Kind: KindInternal, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return &APIError{Kind: KindUnauthenticated, Err: err}
	}
	if token = strings.TrimSpace(token); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug("credits request failed", zap.String("path", path), zap.Error(err))
		return &APIError{Kind: KindNetwork, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &APIError{Kind: KindNetwork, Status: resp.StatusCode, Err: err}
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeAPIError(resp, raw)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &APIError{Kind: KindInternal, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func decodeAPIError(resp *http.Response, raw []byte) *APIError {
	apiErr := &APIError{Status: resp.StatusCode, Kind: kindForStatus(resp.StatusCode)}

	var envelope errorEnvelope
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error.Type != "" {
		if kind, ok := knownKinds[ErrorKind(envelope.Error.Type)]; ok {
			apiErr.Kind = kind
		}
		apiErr.Message = envelope.Error.Message
	}

	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		apiErr.RetryAfter = time.Duration(secs) * time.Second
	}
	return apiErr
}

var knownKinds = map[ErrorKind]ErrorKind{
	KindUnauthenticated:        KindUnauthenticated,
	KindInsufficientCredits:    KindInsufficientCredits,
	KindNotFound:               KindNotFound,
	KindValidation:             KindValidation,
	KindInvalidSessionMetadata: KindInvalidSessionMetadata,
	KindPaymentNotCompleted:    KindPaymentNotCompleted,
	KindPaymentProvider:        KindPaymentProvider,
	KindRateLimited:            KindRateLimited,
	KindInternal:               KindInternal,
}

func kindForStatus(status int) ErrorKind {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindUnauthenticated
	case http.StatusPaymentRequired:
		return KindInsufficientCredits
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusBadRequest:
		return KindValidation
	case http.StatusConflict:
		return KindPaymentNotCompleted
	case http.StatusUnprocessableEntity:
		return KindInvalidSessionMetadata
	case http.StatusTooManyRequests:
		return KindRateLimited
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return KindPaymentProvider
	default:
		return KindInternal
	}
}
