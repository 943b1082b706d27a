package creditclient

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultRefreshInterval = 60 * time.Second
	displayGrant           = 5
)

// Balance is the display balance. Authoritative is false when the value is
// the offline fallback; such a balance must not gate spending.
type Balance struct {
	Balance         int64
	TotalPurchased  int64
	TotalDownloaded int64
	Authoritative   bool
}

// FallbackBalance is shown when the balance cannot be fetched.
func FallbackBalance() Balance {
	return Balance{Balance: displayGrant}
}

// URLOpener hands a checkout URL to the user, for example a browser.
type URLOpener interface {
	Open(ctx context.Context, url string) error
}

// URLOpenerFunc adapts a function to URLOpener.
type URLOpenerFunc func(ctx context.Context, url string) error

func (f URLOpenerFunc) Open(ctx context.Context, url string) error { return f(ctx, url) }

// ConsumeOutcome is the closed result of a download attempt.
type ConsumeOutcome int

const (
	OutcomeFailed ConsumeOutcome = iota
	OutcomeDownloaded
	OutcomeAlreadyDownloaded
	OutcomeNeedsPurchase
	OutcomeNeedsSignIn
)

func (o ConsumeOutcome) String() string {
	switch o {
	case OutcomeDownloaded:
		return "downloaded"
	case OutcomeAlreadyDownloaded:
		return "already_downloaded"
	case OutcomeNeedsPurchase:
		return "needs_purchase"
	case OutcomeNeedsSignIn:
		return "needs_sign_in"
	default:
		return "failed"
	}
}

// Proceed reports whether the download may go ahead.
func (o ConsumeOutcome) Proceed() bool {
	return o == OutcomeDownloaded || o == OutcomeAlreadyDownloaded
}

type ConsumeResponse struct {
	Outcome    ConsumeOutcome
	NewBalance int64
	Err        error
}

type FacadeConfig struct {
	Client *Client
	Opener URLOpener
	// IdentityChanges fires whenever the caller signs in or out.
	IdentityChanges <-chan struct{}
	Interval        time.Duration
	Log             *zap.Logger
}

// Facade keeps a display balance fresh and turns API failures into outcomes
// a UI can act on. Each instance owns its subscriptions.
type Facade struct {
	client   *Client
	opener   URLOpener
	changes  <-chan struct{}
	interval time.Duration
	log      *zap.Logger

	mu      sync.RWMutex
	balance Balance

	lifecycle sync.Mutex
	stopCh    chan struct{}
	doneCh    chan struct{}
}

func NewFacade(cfg FacadeConfig) (*Facade, error) {
	if cfg.Client == nil {
		return nil, errors.New("creditclient: client is required")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Facade{
		client:   cfg.Client,
		opener:   cfg.Opener,
		changes:  cfg.IdentityChanges,
		interval: interval,
		log:      log.Named("creditclient.facade"),
		balance:  FallbackBalance(),
	}, nil
}

// Balance returns the last known balance without a network call.
func (f *Facade) Balance() Balance {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.balance
}

// Refresh fetches the balance. Any failure, including an anonymous caller,
// yields the fallback.
func (f *Facade) Refresh(ctx context.Context) Balance {
	next := FallbackBalance()
	if f.client.SignedIn(ctx) {
		credits, err := f.client.Credits(ctx)
		if err != nil {
			f.log.Debug("balance refresh failed", zap.String("kind", string(KindOf(err))), zap.Error(err))
		} else {
			next = Balance{
				Balance:         credits.Balance,
				TotalPurchased:  credits.TotalPurchased,
				TotalDownloaded: credits.TotalDownloaded,
				Authoritative:   true,
			}
		}
	}

	f.mu.Lock()
	f.balance = next
	f.mu.Unlock()
	return next
}

// Purchase starts a checkout and hands its URL to the opener. It does not wait
// for the payment to complete.
func (f *Facade) Purchase(ctx context.Context, credits int64) (*CheckoutSession, error) {
	session, err := f.client.Purchase(ctx, credits)
	if err != nil {
		return nil, err
	}
	if f.opener != nil {
		if err := f.opener.Open(ctx, session.CheckoutURL); err != nil {
			return session, err
		}
	}
	return session, nil
}

// Consume spends a credit for artifactID. Anonymous callers get
// OutcomeNeedsSignIn without a request being made.
func (f *Facade) Consume(ctx context.Context, artifactID string) ConsumeResponse {
	if !f.client.SignedIn(ctx) {
		return ConsumeResponse{Outcome: OutcomeNeedsSignIn}
	}

	result, err := f.client.Consume(ctx, artifactID)
	if err != nil {
		switch KindOf(err) {
		case KindUnauthenticated:
			return ConsumeResponse{Outcome: OutcomeNeedsSignIn, Err: err}
		case KindInsufficientCredits:
			return ConsumeResponse{Outcome: OutcomeNeedsPurchase, Err: err}
		default:
			return ConsumeResponse{Outcome: OutcomeFailed, Err: err}
		}
	}

	if result.AlreadyDownloaded {
		return ConsumeResponse{Outcome: OutcomeAlreadyDownloaded, NewBalance: f.Balance().Balance}
	}

	f.Refresh(ctx)
	return ConsumeResponse{Outcome: OutcomeDownloaded, NewBalance: result.NewBalance}
}

// VerifyPayment reconciles a returned checkout session and refreshes.
func (f *Facade) VerifyPayment(ctx context.Context, sessionID string) (*PurchaseResult, error) {
	result, err := f.client.VerifyPayment(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	f.Refresh(ctx)
	return result, nil
}

// Start refreshes once and then on every tick and identity change until ctx
// ends or Close is called.
func (f *Facade) Start(ctx context.Context) {
	f.lifecycle.Lock()
	defer f.lifecycle.Unlock()
	if f.stopCh != nil {
		return
	}
	f.stopCh = make(chan struct{})
	f.doneCh = make(chan struct{})

	stopCh, doneCh, changes := f.stopCh, f.doneCh, f.changes
	go func() {
		defer close(doneCh)
		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()

		f.Refresh(ctx)
		for {
			select {
			case <-ticker.C:
				f.Refresh(ctx)
			case _, ok := <-changes:
				if !ok {
					changes = nil
					continue
				}
				f.Refresh(ctx)
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Close stops the subscriptions and waits for the refresh loop to exit.
func (f *Facade) Close() {
	f.lifecycle.Lock()
	defer f.lifecycle.Unlock()
	if f.stopCh == nil {
		return
	}
	close(f.stopCh)
	<-f.doneCh
	f.stopCh = nil
	f.doneCh = nil
}
