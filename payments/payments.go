// Package payments creates payment intents for crop transfers.
package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

const DefaultCurrency = "usd"

var ErrMissingFields = errors.New("missing required fields")

// IntentRequest is the body of POST /payments/create-payment-intent
type IntentRequest struct {
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	CropID     string          `json:"cropId"`
	FromUserID string          `json:"fromUserId"`
	ToUserID   string          `json:"toUserId"`
}

// Validate checks required fields and fills in the default currency
func (r *IntentRequest) Validate() error {
	if r.Amount.IsZero() || r.CropID == "" || r.FromUserID == "" || r.ToUserID == "" {
		return ErrMissingFields
	}
	if r.Amount.IsNegative() {
		return fmt.Errorf("amount must be positive")
	}
	if r.Currency == "" {
		r.Currency = DefaultCurrency
	}
	r.Currency = strings.ToLower(r.Currency)
	return nil
}

// Intent is what the client needs to confirm a payment
type Intent struct {
	ClientSecret    string `json:"clientSecret"`
	PaymentIntentID string `json:"paymentIntentId"`
}

// Provider creates payment intents
type Provider interface {
	CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error)
}

// ToMinorUnits converts an amount to cents, rounding half away from zero
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

// StripeProvider creates intents through the Stripe API
type StripeProvider struct {
	api    *client.API
	logger cmtlog.Logger
}

func NewStripeProvider(secretKey string, logger cmtlog.Logger) *StripeProvider {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeProvider{
		api:    api,
		logger: logger.With("module", "payments"),
	}
}

func (p *StripeProvider) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(ToMinorUnits(req.Amount)),
		Currency: stripe.String(req.Currency),
	}
	params.Context = ctx
	params.AddMetadata("cropId", req.CropID)
	params.AddMetadata("fromUserId", req.FromUserID)
	params.AddMetadata("toUserId", req.ToUserID)

	pi, err := p.api.PaymentIntents.New(params)
	if err != nil {
		p.logger.Error("Failed to create payment intent", "cropId", req.CropID, "err", err)
		return nil, err
	}

	p.logger.Info("Payment intent created", "cropId", req.CropID, "paymentIntentId", pi.ID)
	return &Intent{ClientSecret: pi.ClientSecret, PaymentIntentID: pi.ID}, nil
}

// MockProvider fabricates intents when no Stripe key is configured
type MockProvider struct{}

func (MockProvider) CreateIntent(_ context.Context, req IntentRequest) (*Intent, error) {
	id := "pi_mock_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
	return &Intent{
		ClientSecret:    fmt.Sprintf("%s_secret_%d", id, ToMinorUnits(req.Amount)),
		PaymentIntentID: id,
	}, nil
}
