package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/canvasbanana/internal/catalog"
	"github.com/smallbiznis/canvasbanana/internal/checkout"
	checkoutdomain "github.com/smallbiznis/canvasbanana/internal/checkout/domain"
	"github.com/smallbiznis/canvasbanana/internal/config"
	"github.com/smallbiznis/canvasbanana/internal/identity"
	"github.com/smallbiznis/canvasbanana/internal/ledger"
	ledgerdomain "github.com/smallbiznis/canvasbanana/internal/ledger/domain"
	"github.com/smallbiznis/canvasbanana/internal/observability"
	obsmiddleware "github.com/smallbiznis/canvasbanana/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/canvasbanana/internal/observability/metrics"
	obstracing "github.com/smallbiznis/canvasbanana/internal/observability/tracing"
	"github.com/smallbiznis/canvasbanana/internal/payment"
	paymentdomain "github.com/smallbiznis/canvasbanana/internal/payment/domain"
	"github.com/smallbiznis/canvasbanana/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	catalog.Module,
	identity.Module,
	ratelimit.Module,
	ledger.Module,
	payment.Module,
	checkout.Module,
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics, cfg config.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	if httpMetrics != nil {
		r.Use(httpMetrics.GinMiddleware())
	}
	r.Use(cors.New(corsConfig(cfg.CORSOrigins)))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func corsConfig(origins []string) cors.Config {
	corsCfg := cors.DefaultConfig()
	corsCfg.AllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	corsCfg.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Client-Info", "Apikey"}
	corsCfg.ExposeHeaders = []string{"Retry-After", "X-Rate-Limited-Reason", "X-Request-Id"}
	corsCfg.MaxAge = 12 * time.Hour

	allowAll := len(origins) == 0
	for _, origin := range origins {
		if origin == "*" {
			allowAll = true
		}
	}
	if allowAll {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = origins
	}
	return corsCfg
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics, cfg config.Config) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	return NewEngine(obsCfg, httpMetrics, cfg)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config, log *zap.Logger) {
	addr := cfg.HTTPAddr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http server listening", zap.String("addr", addr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine      *gin.Engine
	cfg         config.Config
	log         *zap.Logger
	ledgerSvc   ledgerdomain.Service
	checkoutSvc checkoutdomain.Service
	paymentSvc  paymentdomain.Service
	webhookSvc  paymentdomain.WebhookService
	catalog     *catalog.Holder
	verifier    *identity.Verifier
	limiter     *ratelimit.Limiter
	obsMetrics  *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin         *gin.Engine
	Cfg         config.Config
	Log         *zap.Logger
	LedgerSvc   ledgerdomain.Service
	CheckoutSvc checkoutdomain.Service
	PaymentSvc  paymentdomain.Service
	WebhookSvc  paymentdomain.WebhookService
	Catalog     *catalog.Holder
	Verifier    *identity.Verifier
	Limiter     *ratelimit.Limiter  `optional:"true"`
	ObsMetrics  *obsmetrics.Metrics `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:      p.Gin,
		cfg:         p.Cfg,
		log:         p.Log.Named("http.server"),
		ledgerSvc:   p.LedgerSvc,
		checkoutSvc: p.CheckoutSvc,
		paymentSvc:  p.PaymentSvc,
		webhookSvc:  p.WebhookSvc,
		catalog:     p.Catalog,
		verifier:    p.Verifier,
		limiter:     p.Limiter,
		obsMetrics:  p.ObsMetrics,
	}

	svc.RegisterRoutes()
	return svc
}

func (s *Server) RegisterRoutes() {
	api := s.engine.Group("/api")

	api.GET("/credits/packages", s.ListPackages)
	api.POST("/payments/webhooks/:provider", s.HandlePaymentWebhook)

	credits := api.Group("/credits", s.Authenticate(), s.RequireIdentity())
	{
		credits.GET("", s.GetCredits)
		credits.GET("/transactions", s.ListTransactions)
		credits.POST("/consume", s.ConsumeCredit)
		credits.POST("/purchase", s.AccountRateLimit(ratelimit.ScopePurchase), s.PurchaseLock(), s.PurchaseCredits)
		credits.POST("/verify", s.AccountRateLimit(ratelimit.ScopeVerify), s.VerifyPayment)
	}

	artifacts := api.Group("/artifacts", s.Authenticate(), s.RequireIdentity())
	{
		artifacts.PUT("/:id", s.RegisterArtifact)
	}
}
