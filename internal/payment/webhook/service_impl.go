package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/smallbiznis/bookline/internal/config"
	"github.com/smallbiznis/bookline/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/bookline/internal/payment/domain"
	paymentservice "github.com/smallbiznis/bookline/internal/payment/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	Cfg        config.Config
	Rules      *config.RulesHolder
	Adapters   *adapters.Registry
	PaymentSvc *paymentservice.Service
}

// Service is the provider-facing entry point: it authenticates raw callbacks
// with the provider's adapter before handing them to reconciliation.
type Service struct {
	*paymentservice.Service

	log              *zap.Logger
	rules            *config.RulesHolder
	adapters         *adapters.Registry
	requireSignature bool
}

func NewService(p Params) paymentdomain.Service {
	return &Service{
		Service:          p.PaymentSvc,
		log:              p.Log.Named("payment.webhook"),
		rules:            p.Rules,
		adapters:         p.Adapters,
		requireSignature: p.Cfg.Payment.RequireSignature,
	}
}

func (s *Service) HandleCallback(ctx context.Context, provider string, payload []byte, headers http.Header) (paymentdomain.CallbackResult, error) {
	provider, err := paymentdomain.NormalizeProvider(provider)
	if err != nil {
		return paymentdomain.CallbackResult{}, err
	}
	if s.adapters == nil || !s.adapters.Supports(provider) {
		return paymentdomain.CallbackResult{}, paymentdomain.ErrProviderNotFound
	}
	if !json.Valid(payload) {
		return paymentdomain.CallbackResult{}, paymentdomain.ErrInvalidPayload
	}

	secret := s.rules.Get().Providers[provider]
	adapter, err := s.adapters.ForCallback(provider, paymentdomain.AdapterConfig{
		Provider:        provider,
		Secret:          strings.TrimSpace(secret.Secret),
		SignatureHeader: strings.TrimSpace(secret.SignatureHeader),
	})
	if err != nil {
		return paymentdomain.CallbackResult{}, err
	}

	if strings.TrimSpace(secret.Secret) == "" {
		if s.requireSignature {
			s.log.Error("payment.callback.secret_missing", zap.String("provider", provider))
			return paymentdomain.CallbackResult{}, paymentdomain.ErrProviderNotConfigured
		}
		s.log.Warn("payment.callback.unsigned", zap.String("provider", provider))
	} else if err := adapter.Verify(ctx, payload, headers); err != nil {
		s.log.Warn("payment.callback.rejected",
			zap.String("provider", provider),
			zap.Error(err),
		)
		return paymentdomain.CallbackResult{}, err
	}

	callback, err := adapter.Parse(ctx, payload)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrEventIgnored) {
			s.log.Debug("payment.callback.ignored", zap.String("provider", provider))
			return paymentdomain.CallbackResult{Outcome: paymentdomain.OutcomeNoop}, nil
		}
		return paymentdomain.CallbackResult{}, err
	}
	if callback.RawPayload == nil {
		callback.RawPayload = payload
	}
	return s.ProcessCallback(ctx, *callback)
}
