package creditclient

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFacade(t *testing.T, token string, opener URLOpener, handler http.HandlerFunc) *Facade {
	t.Helper()
	facade, err := NewFacade(FacadeConfig{
		Client: newTestClient(t, token, handler),
		Opener: opener,
	})
	require.NoError(t, err)
	return facade
}

func TestFacadeRefreshAuthoritative(t *testing.T) {
	facade := newTestFacade(t, "tok", nil, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"balance":9,"total_purchased":5,"total_downloaded":1}`)
	})

	assert.Equal(t, FallbackBalance(), facade.Balance())

	got := facade.Refresh(context.Background())
	assert.Equal(t, Balance{Balance: 9, TotalPurchased: 5, TotalDownloaded: 1, Authoritative: true}, got)
	assert.Equal(t, got, facade.Balance())
}

func TestFacadeRefreshFallsBack(t *testing.T) {
	var calls atomic.Int32
	anonymous := newTestFacade(t, "", nil, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusOK, `{"balance":100}`)
	})
	got := anonymous.Refresh(context.Background())
	assert.Equal(t, Balance{Balance: 5}, got)
	assert.False(t, got.Authoritative)
	assert.Equal(t, int32(0), calls.Load())

	failing := newTestFacade(t, "tok", nil, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, `{}`)
	})
	got = failing.Refresh(context.Background())
	assert.Equal(t, FallbackBalance(), got)
}

func TestFacadePurchaseOpensURL(t *testing.T) {
	var opened string
	opener := URLOpenerFunc(func(_ context.Context, url string) error {
		opened = url
		return nil
	})
	facade := newTestFacade(t, "tok", opener, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"checkout_url":"https://pay.test/cs_9","session_id":"cs_9"}`)
	})

	session, err := facade.Purchase(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, "cs_9", session.SessionID)
	assert.Equal(t, "https://pay.test/cs_9", opened)
}

func TestFacadePurchaseProviderError(t *testing.T) {
	opener := URLOpenerFunc(func(context.Context, string) error {
		t.Fatal("opener must not be called")
		return nil
	})
	facade := newTestFacade(t, "tok", opener, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadGateway, `{"error":{"type":"payment_provider_error","message":"try again"}}`)
	})

	_, err := facade.Purchase(context.Background(), 5)
	assert.Equal(t, KindPaymentProvider, KindOf(err))
}

func TestFacadeConsumeOutcomes(t *testing.T) {
	cases := []struct {
		name   string
		token  string
		status int
		body   string
		want   ConsumeOutcome
	}{
		{name: "downloaded", token: "tok", status: http.StatusOK, body: `{"success":true,"new_balance":4}`, want: OutcomeDownloaded},
		{name: "already downloaded", token: "tok", status: http.StatusOK, body: `{"success":true,"already_downloaded":true}`, want: OutcomeAlreadyDownloaded},
		{name: "insufficient", token: "tok", status: http.StatusPaymentRequired, body: `{"error":{"type":"insufficient_credits"}}`, want: OutcomeNeedsPurchase},
		{name: "expired token", token: "tok", status: http.StatusUnauthorized, body: `{"error":{"type":"unauthenticated"}}`, want: OutcomeNeedsSignIn},
		{name: "server error", token: "tok", status: http.StatusInternalServerError, body: `{}`, want: OutcomeFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			facade := newTestFacade(t, tc.token, nil, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/api/credits" {
					writeJSON(w, http.StatusOK, `{"balance":4}`)
					return
				}
				writeJSON(w, tc.status, tc.body)
			})

			resp := facade.Consume(context.Background(), "art-1")
			assert.Equal(t, tc.want, resp.Outcome)
			assert.Equal(t, tc.want.Proceed(), resp.Err == nil)
		})
	}
}

func TestFacadeConsumeAnonymousMakesNoRequest(t *testing.T) {
	var calls atomic.Int32
	facade := newTestFacade(t, "", nil, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	})

	resp := facade.Consume(context.Background(), "art-1")
	assert.Equal(t, OutcomeNeedsSignIn, resp.Outcome)
	assert.Equal(t, int32(0), calls.Load())
}

func TestFacadeConsumeRefreshesBalance(t *testing.T) {
	facade := newTestFacade(t, "tok", nil, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/credits/consume":
			writeJSON(w, http.StatusOK, `{"success":true,"new_balance":2}`)
		case "/api/credits":
			writeJSON(w, http.StatusOK, `{"balance":2,"total_downloaded":3}`)
		}
	})

	resp := facade.Consume(context.Background(), "art-1")
	require.Equal(t, OutcomeDownloaded, resp.Outcome)
	assert.Equal(t, int64(2), resp.NewBalance)
	assert.Equal(t, Balance{Balance: 2, TotalDownloaded: 3, Authoritative: true}, facade.Balance())
}

func TestFacadeVerifyPaymentRefreshes(t *testing.T) {
	facade := newTestFacade(t, "tok", nil, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/credits/verify":
			writeJSON(w, http.StatusOK, `{"credits_added":5,"new_balance":10}`)
		case "/api/credits":
			writeJSON(w, http.StatusOK, `{"balance":10,"total_purchased":5}`)
		}
	})

	result, err := facade.VerifyPayment(context.Background(), "cs_1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), result.CreditsAdded)
	assert.Equal(t, int64(10), facade.Balance().Balance)
}

func TestFacadeStartRefreshesOnIdentityChange(t *testing.T) {
	var calls atomic.Int32
	changes := make(chan struct{})
	facade, err := NewFacade(FacadeConfig{
		Client: newTestClient(t, "tok", func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			writeJSON(w, http.StatusOK, `{"balance":3}`)
		}),
		IdentityChanges: changes,
		Interval:        time.Hour,
	})
	require.NoError(t, err)

	facade.Start(context.Background())
	defer facade.Close()

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	changes <- struct{}{}
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(3), facade.Balance().Balance)
}

func TestFacadeStartTicks(t *testing.T) {
	var calls atomic.Int32
	facade, err := NewFacade(FacadeConfig{
		Client: newTestClient(t, "tok", func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			writeJSON(w, http.StatusOK, `{"balance":1}`)
		}),
		Interval: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	facade.Start(context.Background())
	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	facade.Close()

	stopped := calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, stopped, calls.Load())

	facade.Close()
}

func TestNewFacadeRequiresClient(t *testing.T) {
	_, err := NewFacade(FacadeConfig{})
	assert.Error(t, err)
}

func TestConsumeOutcomeString(t *testing.T) {
	assert.Equal(t, "needs_purchase", OutcomeNeedsPurchase.String())
	assert.Equal(t, "failed", ConsumeOutcome(99).String())
	assert.False(t, OutcomeFailed.Proceed())
	assert.True(t, errors.Is(&APIError{Kind: KindNetwork, Err: context.Canceled}, context.Canceled))
}
