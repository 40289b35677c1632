package srvreg

import (
	"errors"
	"net/http"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/croptrace/croptrace/events"
	"github.com/croptrace/croptrace/ledger"
	"github.com/croptrace/croptrace/payments"
	"github.com/croptrace/croptrace/qr"
	"github.com/croptrace/croptrace/workflow"
	"github.com/google/uuid"
)

// Handlers serves the CropTrace API on top of the workflow service
type Handlers struct {
	workflow *workflow.Service
	payments payments.Provider
	qr       *qr.Generator
	ledger   ledger.Ledger     // nil when the ledger is off
	dlq      events.DLQManager // nil when the mirror is off
	logger   cmtlog.Logger
}

func NewHandlers(svc *workflow.Service, pay payments.Provider, qrGen *qr.Generator, l ledger.Ledger, dlq events.DLQManager, logger cmtlog.Logger) *Handlers {
	return &Handlers{
		workflow: svc,
		payments: pay,
		qr:       qrGen,
		ledger:   l,
		dlq:      dlq,
		logger:   logger.With("module", "handlers"),
	}
}

// Register sets up all CropTrace endpoints
func (h *Handlers) Register(sr *ServiceRegistry) {
	sr.RegisterHandler("GET", "/health", true, h.HealthHandler)

	// Auth endpoints
	sr.RegisterHandler("POST", "/auth/register", true, h.RegisterHandler)
	sr.RegisterHandler("POST", "/auth/login", true, h.LoginHandler)
	sr.RegisterHandler("POST", "/auth/logout", true, h.LogoutHandler)
	sr.RegisterHandler("GET", "/auth/session", true, h.SessionHandler)

	// User endpoints
	sr.RegisterHandler("GET", "/users/:userId", false, h.GetUserHandler)
	sr.RegisterHandler("PUT", "/users/:userId", false, h.UpdateUserHandler)

	// Crop endpoints
	sr.RegisterHandler("GET", "/crops", true, h.GetCropsHandler)
	sr.RegisterHandler("POST", "/crops", true, h.AddCropHandler)
	sr.RegisterHandler("GET", "/crops/available", true, h.AvailableCropsHandler)
	sr.RegisterHandler("GET", "/crops/my-crops", true, h.MyCropsHandler)
	sr.RegisterHandler("POST", "/crops/:cropId/transfer", false, h.TransferHandler)
	sr.RegisterHandler("GET", "/crops/:cropId/transactions", false, h.CropTransactionsHandler)

	sr.RegisterHandler("POST", "/qr/generate", true, h.GenerateQRHandler)
	sr.RegisterHandler("POST", "/payments/create-payment-intent", true, h.CreatePaymentIntentHandler)

	// Ledger endpoints
	sr.RegisterHandler("GET", "/blockchain/status", true, h.BlockchainStatusHandler)
	sr.RegisterHandler("POST", "/blockchain/deploy", true, h.DeployHandler)
	sr.RegisterHandler("GET", "/blockchain/mirror/failed", true, h.FailedMirrorEventsHandler)
	sr.RegisterHandler("POST", "/blockchain/mirror/failed/:eventId/requeue", false, h.RequeueMirrorEventHandler)
}

func (h *Handlers) HealthHandler(req *Request) (*Response, error) {
	return Success(http.StatusOK, "", map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC(),
	}), nil
}

func (h *Handlers) RegisterHandler(req *Request) (*Response, error) {
	var body workflow.RegisterRequest
	if resp := decodeBody(req, &body); resp != nil {
		return resp, nil
	}
	user, err := h.workflow.Register(req.Context(), body)
	if err != nil {
		return h.fail(req, err, "Registration failed")
	}
	return Success(http.StatusCreated, "User registered successfully", user), nil
}

func (h *Handlers) LoginHandler(req *Request) (*Response, error) {
	var body workflow.LoginRequest
	if resp := decodeBody(req, &body); resp != nil {
		return resp, nil
	}
	result, err := h.workflow.Login(req.Context(), body)
	if err != nil {
		return h.fail(req, err, "Login failed")
	}
	message := "Login successful"
	if result.Demo {
		message = "Login successful (demo mode)"
	}
	return Success(http.StatusOK, message, result), nil
}

func (h *Handlers) LogoutHandler(req *Request) (*Response, error) {
	if err := h.workflow.Logout(req.Context(), req.Session); err != nil {
		return h.fail(req, err, "Logout failed")
	}
	return Success(http.StatusOK, "Logged out", nil), nil
}

func (h *Handlers) SessionHandler(req *Request) (*Response, error) {
	user, err := h.workflow.SessionUser(req.Context(), req.Session)
	if err != nil {
		return h.fail(req, err, "Failed to get session")
	}
	return Success(http.StatusOK, "", map[string]interface{}{
		"user":      user,
		"sessionId": req.Session.ID,
		"expiresAt": req.Session.ExpiresAt,
	}), nil
}

func (h *Handlers) GetUserHandler(req *Request) (*Response, error) {
	user, err := h.workflow.GetUser(req.Context(), req.Param("userId"))
	if err != nil {
		return h.fail(req, err, "Failed to get user")
	}
	return Success(http.StatusOK, "", user), nil
}

func (h *Handlers) UpdateUserHandler(req *Request) (*Response, error) {
	var body workflow.ProfileUpdate
	if resp := decodeBody(req, &body); resp != nil {
		return resp, nil
	}
	user, err := h.workflow.UpdateProfile(req.Context(), req.Session, req.Param("userId"), body)
	if err != nil {
		return h.fail(req, err, "Failed to update profile")
	}
	return Success(http.StatusOK, "Profile updated successfully", user), nil
}

// GetCropsHandler answers ?cropId= with the crop and its journey, or
// ?farmerId= with the farmer's crops
func (h *Handlers) GetCropsHandler(req *Request) (*Response, error) {
	ctx := req.Context()
	if cropID := req.Query.Get("cropId"); cropID != "" {
		crop, err := h.workflow.GetCrop(ctx, cropID)
		if err != nil {
			return h.fail(req, err, "Failed to get crops")
		}
		return Success(http.StatusOK, "", crop), nil
	}

	crops, err := h.workflow.ListFarmerCrops(ctx, req.Query.Get("farmerId"))
	if err != nil {
		return h.fail(req, err, "Failed to get crops")
	}
	return Success(http.StatusOK, "", crops), nil
}

func (h *Handlers) AddCropHandler(req *Request) (*Response, error) {
	var body workflow.AddCropRequest
	if resp := decodeBody(req, &body); resp != nil {
		return resp, nil
	}
	crop, err := h.workflow.AddCrop(req.Context(), body)
	if err != nil {
		return h.fail(req, err, "Failed to add crop")
	}
	return Success(http.StatusOK, "Crop added successfully", crop), nil
}

func (h *Handlers) AvailableCropsHandler(req *Request) (*Response, error) {
	crops, err := h.workflow.AvailableCrops(req.Context(), req.Query.Get("userType"))
	if err != nil {
		return h.fail(req, err, "Failed to get available crops")
	}
	return Success(http.StatusOK, "", crops), nil
}

func (h *Handlers) MyCropsHandler(req *Request) (*Response, error) {
	crops, err := h.workflow.MyCrops(req.Context(), req.Query.Get("userId"), req.Query.Get("userType"))
	if err != nil {
		return h.fail(req, err, "Failed to get crops")
	}
	return Success(http.StatusOK, "", crops), nil
}

func (h *Handlers) TransferHandler(req *Request) (*Response, error) {
	var body workflow.TransferRequest
	if resp := decodeBody(req, &body); resp != nil {
		return resp, nil
	}
	if err := h.workflow.TransferCustody(req.Context(), req.Param("cropId"), body); err != nil {
		return h.fail(req, err, "Failed to transfer crop")
	}
	return Success(http.StatusOK, "Crop transferred successfully", nil), nil
}

func (h *Handlers) CropTransactionsHandler(req *Request) (*Response, error) {
	txs, err := h.workflow.CropTransactions(req.Context(), req.Param("cropId"))
	if err != nil {
		return h.fail(req, err, "Failed to get transactions")
	}
	return Success(http.StatusOK, "", txs), nil
}

type qrRequest struct {
	CropID string                 `json:"cropId"`
	Data   map[string]interface{} `json:"data"`
}

func (h *Handlers) GenerateQRHandler(req *Request) (*Response, error) {
	var body qrRequest
	if resp := decodeBody(req, &body); resp != nil {
		return resp, nil
	}
	if body.CropID == "" {
		return Failure(http.StatusBadRequest, "Crop ID is required", ""), nil
	}

	payload := h.qr.Payload(body.CropID, body.Data)
	dataURL, err := h.qr.DataURL(payload)
	if err != nil {
		h.logger.Error("Failed to generate QR code", "cropId", body.CropID, "err", err)
		return Failure(http.StatusInternalServerError, "Failed to generate QR code", err.Error()), err
	}
	return Success(http.StatusOK, "", map[string]interface{}{
		"qrCode": dataURL,
		"qrData": payload,
	}), nil
}

func (h *Handlers) CreatePaymentIntentHandler(req *Request) (*Response, error) {
	var body payments.IntentRequest
	if resp := decodeBody(req, &body); resp != nil {
		return resp, nil
	}
	if err := body.Validate(); err != nil {
		if errors.Is(err, payments.ErrMissingFields) {
			return Failure(http.StatusBadRequest, "Missing required fields", ""), nil
		}
		return Failure(http.StatusBadRequest, "Invalid amount", err.Error()), nil
	}

	intent, err := h.payments.CreateIntent(req.Context(), body)
	if err != nil {
		h.logger.Error("Failed to create payment intent", "cropId", body.CropID, "err", err)
		return Failure(http.StatusInternalServerError, err.Error(), err.Error()), err
	}
	return Success(http.StatusOK, "", intent), nil
}

func (h *Handlers) BlockchainStatusHandler(req *Request) (*Response, error) {
	cropID := req.Query.Get("cropId")
	if cropID == "" {
		return Failure(http.StatusBadRequest, "Crop ID is required", ""), nil
	}

	ctx := req.Context()
	if h.ledger == nil || !h.ledger.Available(ctx) {
		data := map[string]interface{}{"available": false}
		if h.ledger != nil {
			data["contractAddress"] = h.ledger.ContractAddress()
			data["network"] = h.ledger.Network()
		}
		return Success(http.StatusOK, "Blockchain service not available (demo mode)", data), nil
	}

	crop, err := h.ledger.GetCrop(ctx, cropID)
	if err != nil {
		return h.ledgerFailure(cropID, err)
	}
	journey, err := h.ledger.GetCropJourney(ctx, cropID)
	if err != nil {
		return h.ledgerFailure(cropID, err)
	}

	return Success(http.StatusOK, "", map[string]interface{}{
		"available":       true,
		"crop":            crop,
		"journey":         journey,
		"contractAddress": h.ledger.ContractAddress(),
		"network":         h.ledger.Network(),
	}), nil
}

func (h *Handlers) ledgerFailure(cropID string, err error) (*Response, error) {
	if errors.Is(err, ledger.ErrCropNotFound) {
		return Failure(http.StatusNotFound, "Crop not found on ledger", ""), nil
	}
	h.logger.Error("Ledger lookup failed", "cropId", cropID, "err", err)
	return Failure(http.StatusInternalServerError, "Failed to get blockchain status", err.Error()), err
}

func (h *Handlers) DeployHandler(req *Request) (*Response, error) {
	return Success(http.StatusOK, "Contract deployed successfully (demo)", ledger.MockDeployment()), nil
}

func (h *Handlers) FailedMirrorEventsHandler(req *Request) (*Response, error) {
	if h.dlq == nil {
		return Failure(http.StatusNotFound, "Ledger mirror is disabled", ""), nil
	}
	entries := h.dlq.GetDLQEvents()
	return Success(http.StatusOK, "", map[string]interface{}{
		"events": entries,
		"count":  len(entries),
	}), nil
}

func (h *Handlers) RequeueMirrorEventHandler(req *Request) (*Response, error) {
	if h.dlq == nil {
		return Failure(http.StatusNotFound, "Ledger mirror is disabled", ""), nil
	}
	eventID, err := uuid.Parse(req.Param("eventId"))
	if err != nil {
		return Failure(http.StatusBadRequest, "Invalid event ID", err.Error()), nil
	}
	if err := h.dlq.RequeueFromDLQ(eventID); err != nil {
		if errors.Is(err, events.ErrNotInDLQ) {
			return Failure(http.StatusNotFound, "Event not found in dead-letter queue", ""), nil
		}
		return Failure(http.StatusInternalServerError, "Failed to requeue event", err.Error()), err
	}
	h.logger.Info("Mirror event requeued", "event", eventID)
	return Success(http.StatusAccepted, "Event requeued", map[string]string{"eventId": eventID.String()}), nil
}

// fail renders a workflow error. Server-side failures carry the underlying
// error text and are returned so the web server logs them.
func (h *Handlers) fail(req *Request, err error, fallback string) (*Response, error) {
	var werr *workflow.Error
	if errors.As(err, &werr) {
		status := werr.Kind.HTTPStatus()
		if status < http.StatusInternalServerError {
			return Failure(status, werr.Message, ""), nil
		}
		h.logger.Error(fallback, "path", req.Path, "err", err)
		return Failure(status, werr.Message, werr.Detail()), err
	}
	h.logger.Error(fallback, "path", req.Path, "err", err)
	return Failure(http.StatusInternalServerError, fallback, err.Error()), err
}

// decodeBody parses a JSON body into v. An empty body leaves v zero so
// required-field checks report what is missing.
func decodeBody(req *Request, v interface{}) *Response {
	err := req.Decode(v)
	if err == nil || errors.Is(err, ErrEmptyBody) {
		return nil
	}
	return Failure(http.StatusBadRequest, "Invalid request body", err.Error())
}
