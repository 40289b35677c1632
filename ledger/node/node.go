// Package node exposes a CometBFT ledger node over the HTTP API spoken by
// ledger.Client.
package node

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	cmtbytes "github.com/cometbft/cometbft/libs/bytes"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	cmtrpctypes "github.com/cometbft/cometbft/rpc/core/types"
	cmttypes "github.com/cometbft/cometbft/types"
	"github.com/croptrace/croptrace/ledger"
	"github.com/croptrace/croptrace/ledger/app"
	"github.com/croptrace/croptrace/srvreg"
	"github.com/google/uuid"
)

const defaultCommitTimeout = 30 * time.Second

// Broadcaster is the part of the CometBFT RPC client the node needs.
// *local.Local satisfies it.
type Broadcaster interface {
	BroadcastTxCommit(ctx context.Context, tx cmttypes.Tx) (*cmtrpctypes.ResultBroadcastTxCommit, error)
	ABCIQuery(ctx context.Context, path string, data cmtbytes.HexBytes) (*cmtrpctypes.ResultABCIQuery, error)
	Status(ctx context.Context) (*cmtrpctypes.ResultStatus, error)
}

// Handlers serves ledger writes through consensus and reads from app state
type Handlers struct {
	rpc           Broadcaster
	nodeID        string
	commitTimeout time.Duration
	now           func() time.Time
	logger        cmtlog.Logger
}

func NewHandlers(rpc Broadcaster, nodeID string, logger cmtlog.Logger) *Handlers {
	return &Handlers{
		rpc:           rpc,
		nodeID:        nodeID,
		commitTimeout: defaultCommitTimeout,
		now:           time.Now,
		logger:        logger.With("module", "ledger-node"),
	}
}

func (h *Handlers) Register(sr *srvreg.ServiceRegistry) {
	sr.RegisterHandler("GET", "/ledger/status", true, h.StatusHandler)
	sr.RegisterHandler("POST", "/ledger/crops", true, h.AddCropHandler)
	sr.RegisterHandler("POST", "/ledger/crops/:cropId/status", false, h.UpdateStatusHandler)
	sr.RegisterHandler("GET", "/ledger/crops/:cropId", false, h.GetCropHandler)
	sr.RegisterHandler("GET", "/ledger/crops/:cropId/journey", false, h.GetJourneyHandler)
	sr.RegisterHandler("GET", "/ledger/tx/:hash", false, h.GetTxHandler)
}

func (h *Handlers) StatusHandler(req *srvreg.Request) (*srvreg.Response, error) {
	status, err := h.rpc.Status(req.Context())
	if err != nil {
		h.logger.Error("Failed to read node status", "err", err)
		return srvreg.Failure(http.StatusServiceUnavailable, "Ledger node not ready", err.Error()), nil
	}
	return srvreg.Success(http.StatusOK, "", map[string]interface{}{
		"nodeId":            h.nodeID,
		"network":           ledger.ClientNetwork,
		"latestBlockHeight": status.SyncInfo.LatestBlockHeight,
		"latestBlockTime":   status.SyncInfo.LatestBlockTime,
		"catchingUp":        status.SyncInfo.CatchingUp,
	}), nil
}

func (h *Handlers) AddCropHandler(req *srvreg.Request) (*srvreg.Response, error) {
	var body ledger.AddCropRequest
	if err := req.Decode(&body); err != nil {
		return srvreg.Failure(http.StatusBadRequest, "Invalid request body", err.Error()), nil
	}
	if body.CropID == "" || body.Farmer == "" {
		return srvreg.Failure(http.StatusBadRequest, "cropId and farmer are required", ""), nil
	}

	return h.commit(req.Context(), &app.Record{
		Kind:         app.KindAddCrop,
		CropID:       body.CropID,
		Farmer:       body.Farmer,
		MetadataHash: body.MetadataHash,
	})
}

func (h *Handlers) UpdateStatusHandler(req *srvreg.Request) (*srvreg.Response, error) {
	var body ledger.StatusUpdate
	if err := req.Decode(&body); err != nil {
		return srvreg.Failure(http.StatusBadRequest, "Invalid request body", err.Error()), nil
	}
	if body.Status == "" {
		return srvreg.Failure(http.StatusBadRequest, "status is required", ""), nil
	}

	return h.commit(req.Context(), &app.Record{
		Kind:     app.KindUpdateStatus,
		CropID:   req.Param("cropId"),
		Handler:  body.Handler,
		Status:   body.Status,
		Location: body.Location,
		Notes:    body.Notes,
	})
}

func (h *Handlers) GetCropHandler(req *srvreg.Request) (*srvreg.Response, error) {
	var view ledger.CropView
	if resp, err := h.query(req.Context(), "crop/"+req.Param("cropId"), &view); resp != nil {
		return resp, err
	}
	return srvreg.Success(http.StatusOK, "", view), nil
}

func (h *Handlers) GetJourneyHandler(req *srvreg.Request) (*srvreg.Response, error) {
	journey := []ledger.JourneyEntry{}
	if resp, err := h.query(req.Context(), "journey/"+req.Param("cropId"), &journey); resp != nil {
		return resp, err
	}
	return srvreg.Success(http.StatusOK, "", journey), nil
}

func (h *Handlers) GetTxHandler(req *srvreg.Request) (*srvreg.Response, error) {
	var record app.Record
	if resp, err := h.query(req.Context(), "tx/"+req.Param("hash"), &record); resp != nil {
		return resp, err
	}
	return srvreg.Success(http.StatusOK, "", record), nil
}

// commit runs record through consensus and waits for it to land in a block
func (h *Handlers) commit(ctx context.Context, record *app.Record) (*srvreg.Response, error) {
	record.Timestamp = h.now().Unix()
	record.Nonce = uuid.NewString()

	raw, err := json.Marshal(record)
	if err != nil {
		return srvreg.Failure(http.StatusInternalServerError, "Failed to encode ledger record", err.Error()), err
	}

	ctx, cancel := context.WithTimeout(ctx, h.commitTimeout)
	defer cancel()

	done := make(chan struct {
		result *cmtrpctypes.ResultBroadcastTxCommit
		err    error
	}, 1)
	go func() {
		result, err := h.rpc.BroadcastTxCommit(ctx, cmttypes.Tx(raw))
		done <- struct {
			result *cmtrpctypes.ResultBroadcastTxCommit
			err    error
		}{result, err}
	}()

	timedOut := func() (*srvreg.Response, error) {
		h.logger.Error("Consensus timed out", "cropId", record.CropID, "kind", record.Kind)
		return srvreg.Failure(http.StatusGatewayTimeout, "Consensus operation timed out", ctx.Err().Error()), ctx.Err()
	}

	var result *cmtrpctypes.ResultBroadcastTxCommit
	select {
	case <-ctx.Done():
		return timedOut()
	case res := <-done:
		if res.err != nil && ctx.Err() != nil {
			return timedOut()
		}
		if res.err != nil {
			h.logger.Error("Failed to commit to ledger", "cropId", record.CropID, "err", res.err)
			return srvreg.Failure(http.StatusInternalServerError, "Failed to commit to ledger", res.err.Error()), res.err
		}
		result = res.result
	}

	if result.CheckTx.Code != app.CodeOK {
		return srvreg.Failure(http.StatusBadRequest, "Ledger rejected transaction",
			fmt.Sprintf("CheckTx code %d: %s", result.CheckTx.Code, result.CheckTx.Log)), nil
	}

	switch result.TxResult.Code {
	case app.CodeOK:
	case app.CodeCropExists:
		return srvreg.Failure(http.StatusConflict, "Crop already recorded on ledger", result.TxResult.Log), nil
	case app.CodeCropNotFound:
		return srvreg.Failure(http.StatusNotFound, "Crop not found on ledger", result.TxResult.Log), nil
	default:
		err := fmt.Errorf("ledger tx failed with code %d: %s", result.TxResult.Code, result.TxResult.Log)
		h.logger.Error("Ledger transaction failed", "cropId", record.CropID, "err", err)
		return srvreg.Failure(http.StatusInternalServerError, "Ledger transaction failed", err.Error()), err
	}

	receipt := ledger.Receipt{
		TxHash:      hex.EncodeToString(result.Hash),
		BlockNumber: result.Height,
		GasUsed:     strconv.FormatInt(result.TxResult.GasUsed, 10),
	}
	h.logger.Info("Ledger record committed",
		"cropId", record.CropID,
		"kind", record.Kind,
		"tx", receipt.TxHash,
		"height", receipt.BlockNumber,
	)
	return srvreg.Success(http.StatusOK, "", receipt), nil
}

// query reads app state at path into out. A non-nil response means the
// lookup did not produce a value.
func (h *Handlers) query(ctx context.Context, path string, out interface{}) (*srvreg.Response, error) {
	result, err := h.rpc.ABCIQuery(ctx, path, nil)
	if err != nil {
		h.logger.Error("ABCI query failed", "path", path, "err", err)
		return srvreg.Failure(http.StatusInternalServerError, "Ledger query failed", err.Error()), err
	}

	switch result.Response.Code {
	case app.CodeOK:
	case app.CodeCropNotFound:
		return srvreg.Failure(http.StatusNotFound, "Crop not found on ledger", ""), nil
	case app.CodeInvalidTx:
		return srvreg.Failure(http.StatusBadRequest, "Invalid ledger query", result.Response.Log), nil
	default:
		err := errors.New(result.Response.Log)
		return srvreg.Failure(http.StatusInternalServerError, "Ledger query failed", err.Error()), err
	}

	if err := json.Unmarshal(result.Response.Value, out); err != nil {
		return srvreg.Failure(http.StatusInternalServerError, "Failed to decode ledger state", err.Error()), err
	}
	return nil, nil
}
