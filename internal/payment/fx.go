package payment

import (
	"github.com/smallbiznis/canvasbanana/internal/payment/adapters/stripe"
	paymentdomain "github.com/smallbiznis/canvasbanana/internal/payment/domain"
	"github.com/smallbiznis/canvasbanana/internal/payment/repository"
	paymentservice "github.com/smallbiznis/canvasbanana/internal/payment/service"
	"github.com/smallbiznis/canvasbanana/internal/payment/webhook"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(
		fx.Annotate(stripe.NewClient, fx.As(new(paymentdomain.Provider))),
		fx.Annotate(stripe.NewWebhookAdapter, fx.As(new(paymentdomain.WebhookAdapter))),
	),
	fx.Provide(paymentservice.NewService),
	fx.Provide(webhook.NewService),
)
