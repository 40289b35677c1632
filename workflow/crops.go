package workflow

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/croptrace/croptrace/events"
	"github.com/croptrace/croptrace/repository"
	"github.com/croptrace/croptrace/repository/models"
	"github.com/shopspring/decimal"
)

const availableCropsLimit = 50

// AddCropRequest is a farmer's harvest submission
type AddCropRequest struct {
	Name           string          `json:"name"`
	Variety        string          `json:"variety"`
	Quantity       float64         `json:"quantity"`
	Unit           string          `json:"unit"`
	HarvestDate    string          `json:"harvestDate"`
	ExpiryDate     string          `json:"expiryDate"`
	PricePerUnit   decimal.Decimal `json:"pricePerUnit"`
	Currency       string          `json:"currency"`
	FarmerID       string          `json:"farmerId"`
	FarmerName     string          `json:"farmerName"`
	FarmAddress    string          `json:"farmAddress"`
	FarmLatitude   *float64        `json:"farmLatitude"`
	FarmLongitude  *float64        `json:"farmLongitude"`
	Photos         []string        `json:"photos"`
	Certifications []string        `json:"certifications"`
	Notes          string          `json:"notes"`
}

// CropDetail is a crop together with its journey
type CropDetail struct {
	models.Crop
	Journey []models.JourneyStep `json:"journey"`
}

// AddCrop stores a new crop in the harvested state with its harvest journey
// step and announces it for mirroring
func (s *Service) AddCrop(ctx context.Context, req AddCropRequest) (*models.Crop, error) {
	if strings.TrimSpace(req.Name) == "" || req.Unit == "" || req.FarmerID == "" {
		return nil, validationError("Name, quantity, unit and farmerId are required")
	}
	if req.Quantity <= 0 {
		return nil, validationError("Quantity must be greater than zero")
	}

	now := s.now()
	harvestDate := now
	if req.HarvestDate != "" {
		d, err := parseDate(req.HarvestDate)
		if err != nil {
			return nil, validationError("Invalid harvest date")
		}
		harvestDate = d
	}
	var expiry *time.Time
	if req.ExpiryDate != "" {
		d, err := parseDate(req.ExpiryDate)
		if err != nil {
			return nil, validationError("Invalid expiry date")
		}
		expiry = &d
	}

	cropID, err := newCropID(now)
	if err != nil {
		return nil, internalError("Failed to generate crop id", err)
	}

	qrData, err := json.Marshal(map[string]interface{}{
		"cropId":      cropID,
		"name":        req.Name,
		"farmerId":    req.FarmerID,
		"harvestDate": harvestDate.Format(time.RFC3339),
	})
	if err != nil {
		return nil, internalError("Failed to encode QR data", err)
	}

	currency := strings.ToUpper(req.Currency)
	if currency == "" {
		currency = "USD"
	}

	crop := &models.Crop{
		CropID:         cropID,
		Name:           req.Name,
		Variety:        req.Variety,
		Quantity:       req.Quantity,
		Unit:           req.Unit,
		HarvestDate:    harvestDate,
		ExpiryDate:     expiry,
		PricePerUnit:   req.PricePerUnit,
		Currency:       currency,
		Status:         models.StatusHarvested,
		FarmerID:       req.FarmerID,
		FarmLatitude:   req.FarmLatitude,
		FarmLongitude:  req.FarmLongitude,
		FarmAddress:    req.FarmAddress,
		QRCodeData:     string(qrData),
		Photos:         jsonList(req.Photos),
		Certifications: jsonList(req.Certifications),
		Notes:          req.Notes,
	}

	location := req.FarmAddress
	if location == "" {
		location = "Farm Location"
	}
	first := &models.JourneyStep{
		Step:        "Harvested",
		HandlerID:   req.FarmerID,
		HandlerName: s.farmerName(ctx, req),
		HandlerType: models.RoleFarmer,
		Location:    location,
		Notes:       "Crop harvested and added to system",
		Verified:    true,
		Timestamp:   now,
	}

	if err := s.store.CreateCrop(ctx, crop, first); err != nil {
		return nil, storeError(err, "Crop not found")
	}

	s.logger.Info("Crop added", "cropId", cropID, "farmerId", req.FarmerID)
	s.publish(ctx, events.TopicCropCreated, events.CropCreated{
		CropID:   cropID,
		Name:     crop.Name,
		Quantity: crop.Quantity,
		FarmerID: crop.FarmerID,
	})
	return crop, nil
}

// farmerName picks the handler name of the harvest step
func (s *Service) farmerName(ctx context.Context, req AddCropRequest) string {
	if req.FarmerName != "" {
		return req.FarmerName
	}
	if user, err := s.store.GetUserByID(ctx, req.FarmerID); err == nil && user.Name != "" {
		return user.Name
	}
	return "Farmer"
}

// GetCrop returns a crop with its journey in timestamp order
func (s *Service) GetCrop(ctx context.Context, cropID string) (*CropDetail, error) {
	if cropID == "" {
		return nil, validationError("Crop ID is required")
	}
	crop, err := s.store.GetCropByCropID(ctx, cropID)
	if err != nil {
		return nil, storeError(err, "Crop not found")
	}
	journey, err := s.store.GetCropJourney(ctx, cropID)
	if err != nil {
		return nil, storeError(err, "Crop not found")
	}
	return &CropDetail{Crop: *crop, Journey: journey}, nil
}

// ListFarmerCrops returns the crops a farmer harvested, newest first
func (s *Service) ListFarmerCrops(ctx context.Context, farmerID string) ([]models.Crop, error) {
	if farmerID == "" {
		return nil, validationError("Missing required parameters")
	}
	crops, err := s.store.ListCrops(ctx, repository.CropFilter{FarmerID: farmerID})
	if err != nil {
		return nil, storeError(err, "")
	}
	return crops, nil
}

// AvailableCrops returns the crops a role can take custody of next
func (s *Service) AvailableCrops(ctx context.Context, userType string) ([]models.Crop, error) {
	if userType == "" {
		return nil, validationError("User type is required")
	}

	var status string
	switch userType {
	case models.RoleDistributor:
		status = models.StatusHarvested
	case models.RoleRetailer:
		status = models.StatusWithDistributor
	default:
		return nil, validationError("Invalid user type")
	}

	crops, err := s.store.ListCrops(ctx, repository.CropFilter{Status: status, Limit: availableCropsLimit})
	if err != nil {
		return nil, storeError(err, "")
	}
	return crops, nil
}

// MyCrops returns the crops a user works with: a farmer's own harvest, or
// the crops a distributor or retailer currently holds
func (s *Service) MyCrops(ctx context.Context, userID, userType string) ([]models.Crop, error) {
	if userID == "" || userType == "" {
		return nil, validationError("User ID and user type are required")
	}

	var filter repository.CropFilter
	switch userType {
	case models.RoleFarmer:
		filter = repository.CropFilter{FarmerID: userID}
	case models.RoleDistributor:
		filter = repository.CropFilter{CurrentHolderID: userID, Status: models.StatusWithDistributor}
	case models.RoleRetailer:
		filter = repository.CropFilter{CurrentHolderID: userID, Status: models.StatusWithRetailer}
	default:
		return nil, validationError("Invalid user type")
	}

	crops, err := s.store.ListCrops(ctx, filter)
	if err != nil {
		return nil, storeError(err, "")
	}
	return crops, nil
}

// CropTransactions returns the payments recorded for a crop, newest first
func (s *Service) CropTransactions(ctx context.Context, cropID string) ([]models.Transaction, error) {
	if cropID == "" {
		return nil, validationError("Crop ID is required")
	}
	if _, err := s.store.GetCropByCropID(ctx, cropID); err != nil {
		return nil, storeError(err, "Crop not found")
	}
	txs, err := s.store.GetTransactionsByCrop(ctx, cropID)
	if err != nil {
		return nil, storeError(err, "")
	}
	return txs, nil
}

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// newCropID returns CROP_<unix millis>_<9 base36 chars>
func newCropID(now time.Time) (string, error) {
	suffix := make([]byte, 9)
	alphabet := big.NewInt(int64(len(base36)))
	for i := range suffix {
		n, err := rand.Int(rand.Reader, alphabet)
		if err != nil {
			return "", err
		}
		suffix[i] = base36[n.Int64()]
	}
	return fmt.Sprintf("CROP_%d_%s", now.UnixMilli(), suffix), nil
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func jsonList(items []string) string {
	if len(items) == 0 {
		return ""
	}
	b, err := json.Marshal(items)
	if err != nil {
		return ""
	}
	return string(b)
}
