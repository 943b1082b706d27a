package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/smallbiznis/canvasbanana/internal/clock"
	"github.com/smallbiznis/canvasbanana/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	ErrMissingToken = errors.New("missing_token")
	ErrInvalidToken = errors.New("invalid_token")
	ErrNotVerifying = errors.New("identity_verification_disabled")
)

const leeway = 30 * time.Second

// Identity is the authenticated caller.
type Identity struct {
	AccountID string
	Email     string
}

type claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Verifier validates bearer tokens signed with a shared HMAC secret or a key
// from a JWKS endpoint.
type Verifier struct {
	secret   []byte
	jwks     keyfunc.Keyfunc
	issuer   string
	audience string
	clock    clock.Clock
	methods  []string
}

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Cfg       config.Config
	Log       *zap.Logger
	Clock     clock.Clock `optional:"true"`
}

// NewVerifier builds the verifier from auth config. With a JWKS URL the key
// set is refreshed in the background until the app stops.
func NewVerifier(p Params) (*Verifier, error) {
	log := p.Log.Named("identity")

	var jwks keyfunc.Keyfunc
	if url := strings.TrimSpace(p.Cfg.Auth.JWKSURL); url != "" {
		ctx, cancel := context.WithCancel(context.Background())
		kf, err := keyfunc.NewDefaultCtx(ctx, []string{url})
		if err != nil {
			cancel()
			return nil, err
		}
		jwks = kf
		p.Lifecycle.Append(fx.Hook{
			OnStop: func(context.Context) error {
				cancel()
				return nil
			},
		})
	}

	v := newVerifier(p.Cfg.Auth, jwks, p.Clock)
	if !v.Enabled() {
		log.Warn("no bearer token verification configured; all callers are anonymous")
	}
	return v, nil
}

func newVerifier(cfg config.AuthConfig, jwks keyfunc.Keyfunc, clk clock.Clock) *Verifier {
	if clk == nil {
		clk = clock.System()
	}
	v := &Verifier{
		jwks:     jwks,
		issuer:   strings.TrimSpace(cfg.Issuer),
		audience: strings.TrimSpace(cfg.Audience),
		clock:    clk,
	}
	if secret := strings.TrimSpace(cfg.JWTSecret); secret != "" {
		v.secret = []byte(secret)
		v.methods = append(v.methods, jwt.SigningMethodHS256.Alg())
	}
	if jwks != nil {
		v.methods = append(v.methods,
			jwt.SigningMethodRS256.Alg(),
			jwt.SigningMethodES256.Alg(),
		)
	}
	return v
}

// Enabled reports whether any verification key is configured.
func (v *Verifier) Enabled() bool {
	return v != nil && (len(v.secret) > 0 || v.jwks != nil)
}

// Verify parses raw and returns the identity in its subject and email claims.
func (v *Verifier) Verify(ctx context.Context, raw string) (*Identity, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrMissingToken
	}
	if !v.Enabled() {
		return nil, ErrNotVerifying
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(v.methods),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(leeway),
		jwt.WithTimeFunc(v.clock.Now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	parsed := &claims{}
	token, err := jwt.ParseWithClaims(raw, parsed, v.keyFunc(ctx), opts...)
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	subject := strings.TrimSpace(parsed.Subject)
	if subject == "" {
		return nil, ErrInvalidToken
	}
	return &Identity{
		AccountID: subject,
		Email:     strings.TrimSpace(parsed.Email),
	}, nil
}

func (v *Verifier) keyFunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); ok {
			if len(v.secret) == 0 {
				return nil, ErrInvalidToken
			}
			return v.secret, nil
		}
		if v.jwks == nil {
			return nil, ErrInvalidToken
		}
		return v.jwks.KeyfuncCtx(ctx)(token)
	}
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < len("Bearer ") || !strings.EqualFold(header[:len("Bearer ")], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(header[len("Bearer "):])
}

type contextKey struct{}

func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the caller identity, or nil when anonymous.
func FromContext(ctx context.Context) *Identity {
	if ctx == nil {
		return nil
	}
	id, _ := ctx.Value(contextKey{}).(*Identity)
	return id
}
