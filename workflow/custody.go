package workflow

import (
	"context"
	"fmt"

	"github.com/croptrace/croptrace/events"
	"github.com/croptrace/croptrace/repository"
	"github.com/croptrace/croptrace/repository/models"
	"github.com/shopspring/decimal"
)

// TransferRequest moves a crop to a new holder
type TransferRequest struct {
	ToUserID     string          `json:"toUserId"`
	ToUserName   string          `json:"toUserName"`
	ToUserType   string          `json:"toUserType"`
	Status       string          `json:"status"`
	Location     string          `json:"location"`
	Notes        string          `json:"notes"`
	Amount       decimal.Decimal `json:"amount"`
	PricePerUnit decimal.Decimal `json:"pricePerUnit"`

	// PaymentIntentID links the transaction to the intent that paid for it
	PaymentIntentID string `json:"paymentIntentId"`
}

// TransferCustody sets the crop's status and holder, appends the journey
// step and, when both amount and price per unit are given, a completed
// transaction. The store commits all of it at once. The change is then
// announced for ledger mirroring.
func (s *Service) TransferCustody(ctx context.Context, cropID string, req TransferRequest) error {
	if cropID == "" {
		return validationError("Crop ID is required")
	}
	if req.ToUserID == "" || req.Status == "" {
		return validationError("toUserId and status are required")
	}
	if models.StatusRank(req.Status) < 0 {
		return validationError(fmt.Sprintf("Invalid status %q", req.Status))
	}

	name := req.ToUserName
	if name == "" {
		name = req.ToUserID
	}
	notes := req.Notes
	if notes == "" {
		notes = fmt.Sprintf("Transferred to %s", name)
	}

	now := s.now()
	change := &repository.CustodyChange{
		CropID:   cropID,
		Status:   req.Status,
		HolderID: req.ToUserID,
		Step: models.JourneyStep{
			Step:        req.Status,
			HandlerID:   req.ToUserID,
			HandlerName: req.ToUserName,
			HandlerType: req.ToUserType,
			Location:    req.Location,
			Notes:       notes,
			Verified:    true,
			Timestamp:   now,
		},
	}

	if !req.Amount.IsZero() && !req.PricePerUnit.IsZero() {
		price := req.PricePerUnit
		change.Transaction = &models.Transaction{
			ToUserID:     req.ToUserID,
			Amount:       req.Amount,
			Currency:     "USD",
			Status:       models.TxCompleted,
			PricePerUnit: &price,
			CompletedAt:  &now,

			StripePaymentIntentID: req.PaymentIntentID,
		}
	}

	change.Guard = func(current *models.Crop) error {
		if s.opts.StrictPipeline {
			from, to := models.StatusRank(current.Status), models.StatusRank(req.Status)
			if to != from+1 {
				return validationError(fmt.Sprintf("Invalid status transition from %s to %s", current.Status, req.Status))
			}
		}
		if change.Transaction != nil {
			change.Transaction.Notes = fmt.Sprintf("Transfer from %s to %s", current.FarmerID, req.ToUserID)
		}
		return nil
	}

	prior, err := s.store.TransferCustody(ctx, change)
	if err != nil {
		return storeError(err, "Crop not found")
	}

	s.logger.Info("Crop transferred",
		"cropId", cropID,
		"from", prior.HolderID(),
		"to", req.ToUserID,
		"status", req.Status,
		"payment", change.Transaction != nil,
	)
	s.publish(ctx, events.TopicCustodyChanged, events.CustodyChanged{
		CropID:       cropID,
		FromHolderID: prior.HolderID(),
		ToHolderID:   req.ToUserID,
		Status:       req.Status,
		Location:     req.Location,
		Notes:        req.Notes,
		At:           change.Step.Timestamp,
	})
	return nil
}
