package app

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	abcitypes "github.com/cometbft/cometbft/abci/types"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/croptrace/croptrace/ledger"
	"github.com/dgraph-io/badger/v4"
)

// Record kinds
const (
	KindAddCrop      = "add_crop"
	KindUpdateStatus = "update_status"
)

// Result codes
const (
	CodeOK uint32 = iota
	CodeInvalidTx
	CodeCropExists
	CodeCropNotFound
	CodeDatabaseError
)

const initialStatus = "harvested"

// Record is a ledger transaction
type Record struct {
	Kind         string `json:"kind"`
	CropID       string `json:"cropId"`
	Farmer       string `json:"farmer,omitempty"`
	Handler      string `json:"handler,omitempty"`
	Status       string `json:"status,omitempty"`
	Location     string `json:"location,omitempty"`
	Notes        string `json:"notes,omitempty"`
	MetadataHash string `json:"metadataHash,omitempty"`
	Timestamp    int64  `json:"timestamp"`
	Nonce        string `json:"nonce"`
}

// Validate checks the record shape without looking at state
func (r *Record) Validate() error {
	if r.CropID == "" {
		return errors.New("cropId is required")
	}
	switch r.Kind {
	case KindAddCrop:
		if r.Farmer == "" {
			return errors.New("farmer is required")
		}
	case KindUpdateStatus:
		if r.Status == "" {
			return errors.New("status is required")
		}
	default:
		return fmt.Errorf("unknown record kind %q", r.Kind)
	}
	return nil
}

// Application implements the ABCI interface for the crop ledger
type Application struct {
	badgerDB     *badger.DB
	onGoingBlock *badger.Txn
	mu           sync.Mutex
	logger       cmtlog.Logger
}

// NewApplication creates a new ledger ABCI application
func NewApplication(badgerDB *badger.DB, logger cmtlog.Logger) *Application {
	return &Application{
		badgerDB: badgerDB,
		logger:   logger.With("module", "ledger-app"),
	}
}

// Info implements the ABCI Info method
func (app *Application) Info(_ context.Context, _ *abcitypes.InfoRequest) (*abcitypes.InfoResponse, error) {
	var (
		lastBlockHeight  int64
		lastBlockAppHash []byte
	)

	err := app.badgerDB.View(func(txn *badger.Txn) error {
		height, err := getValue(txn, []byte("last_block_height"))
		if err != nil || height == nil {
			return err
		}
		lastBlockHeight = bytesToInt64(height)

		lastBlockAppHash, err = getValue(txn, []byte("last_block_app_hash"))
		return err
	})
	if err != nil {
		app.logger.Error("Error getting last block info", "err", err)
	}

	return &abcitypes.InfoResponse{
		LastBlockHeight:  lastBlockHeight,
		LastBlockAppHash: lastBlockAppHash,
	}, nil
}

// Query implements the ABCI Query method. Paths are crop/<id>, journey/<id>
// and tx/<hash>; the path may also be passed as the query data.
func (app *Application) Query(_ context.Context, req *abcitypes.QueryRequest) (*abcitypes.QueryResponse, error) {
	path := req.Path
	if path == "" {
		path = string(req.Data)
	}
	kind, id, ok := strings.Cut(strings.TrimPrefix(path, "/"), "/")
	if !ok || id == "" {
		return &abcitypes.QueryResponse{Code: CodeInvalidTx, Log: "query path must be <kind>/<id>"}, nil
	}

	var key []byte
	switch kind {
	case "crop":
		key = cropKey(id)
	case "journey":
		key = journeyKey(id)
	case "tx":
		key = txKey(id)
	default:
		return &abcitypes.QueryResponse{Code: CodeInvalidTx, Log: fmt.Sprintf("unknown query kind %q", kind)}, nil
	}

	resp := abcitypes.QueryResponse{Key: key}
	dbErr := app.badgerDB.View(func(txn *badger.Txn) error {
		val, err := getValue(txn, key)
		if err != nil {
			return err
		}
		if val == nil {
			resp.Code = CodeCropNotFound
			resp.Log = "not found"
			return nil
		}
		resp.Log = "exists"
		resp.Value = val
		return nil
	})
	if dbErr != nil {
		app.logger.Error("Error reading database", "err", dbErr)
		return &abcitypes.QueryResponse{
			Code: CodeDatabaseError,
			Log:  fmt.Sprintf("Database error: %v", dbErr),
		}, nil
	}

	return &resp, nil
}

// CheckTx implements the ABCI CheckTx method
func (app *Application) CheckTx(_ context.Context, check *abcitypes.CheckTxRequest) (*abcitypes.CheckTxResponse, error) {
	if _, err := decodeRecord(check.Tx); err != nil {
		return &abcitypes.CheckTxResponse{Code: CodeInvalidTx, Log: err.Error()}, nil
	}
	return &abcitypes.CheckTxResponse{Code: CodeOK}, nil
}

// InitChain implements the ABCI InitChain method
func (app *Application) InitChain(_ context.Context, _ *abcitypes.InitChainRequest) (*abcitypes.InitChainResponse, error) {
	return &abcitypes.InitChainResponse{}, nil
}

// PrepareProposal implements the ABCI PrepareProposal method
func (app *Application) PrepareProposal(_ context.Context, proposal *abcitypes.PrepareProposalRequest) (*abcitypes.PrepareProposalResponse, error) {
	return &abcitypes.PrepareProposalResponse{Txs: proposal.Txs}, nil
}

// ProcessProposal implements the ABCI ProcessProposal method
func (app *Application) ProcessProposal(_ context.Context, proposal *abcitypes.ProcessProposalRequest) (*abcitypes.ProcessProposalResponse, error) {
	for i, txBytes := range proposal.Txs {
		if _, err := decodeRecord(txBytes); err != nil {
			app.logger.Error("Rejecting proposal with invalid transaction", "index", i, "err", err)
			return &abcitypes.ProcessProposalResponse{
				Status: abcitypes.PROCESS_PROPOSAL_STATUS_REJECT,
			}, nil
		}
	}
	return &abcitypes.ProcessProposalResponse{
		Status: abcitypes.PROCESS_PROPOSAL_STATUS_ACCEPT,
	}, nil
}

// FinalizeBlock implements the ABCI FinalizeBlock method
func (app *Application) FinalizeBlock(_ context.Context, req *abcitypes.FinalizeBlockRequest) (*abcitypes.FinalizeBlockResponse, error) {
	txResults := make([]*abcitypes.ExecTxResult, len(req.Txs))

	app.mu.Lock()
	defer app.mu.Unlock()

	if app.onGoingBlock != nil {
		app.onGoingBlock.Discard()
	}
	app.onGoingBlock = app.badgerDB.NewTransaction(true)

	for i, txBytes := range req.Txs {
		record, err := decodeRecord(txBytes)
		if err != nil {
			txResults[i] = &abcitypes.ExecTxResult{Code: CodeInvalidTx, Log: err.Error()}
			continue
		}
		if record.Timestamp == 0 {
			record.Timestamp = req.Time.Unix()
		}
		txResults[i] = app.apply(record, txBytes)
	}

	var prevHash []byte
	if err := app.badgerDB.View(func(txn *badger.Txn) error {
		var err error
		prevHash, err = getValue(txn, []byte("last_block_app_hash"))
		return err
	}); err != nil {
		app.logger.Error("Error reading previous app hash", "err", err)
	}
	appHash := calculateAppHash(prevHash, txResults)

	if err := app.onGoingBlock.Set([]byte("last_block_height"), int64ToBytes(req.Height)); err != nil {
		app.logger.Error("Error storing block height", "err", err)
	}
	if err := app.onGoingBlock.Set([]byte("last_block_app_hash"), appHash); err != nil {
		app.logger.Error("Error storing app hash", "err", err)
	}

	return &abcitypes.FinalizeBlockResponse{
		TxResults: txResults,
		AppHash:   appHash,
	}, nil
}

// apply writes one record into the ongoing block
func (app *Application) apply(record *Record, rawTx []byte) *abcitypes.ExecTxResult {
	txn := app.onGoingBlock
	sum := sha256.Sum256(rawTx)
	txHash := hex.EncodeToString(sum[:])

	existing, err := getValue(txn, cropKey(record.CropID))
	if err != nil {
		return dbErrorResult(err)
	}

	var view ledger.CropView
	switch record.Kind {
	case KindAddCrop:
		if existing != nil {
			return &abcitypes.ExecTxResult{Code: CodeCropExists, Log: fmt.Sprintf("crop %s already exists", record.CropID)}
		}
		view = ledger.CropView{
			CropID:         record.CropID,
			Farmer:         record.Farmer,
			CurrentHandler: record.Farmer,
			Status:         initialStatus,
			Timestamp:      record.Timestamp,
			MetadataHash:   record.MetadataHash,
		}
	case KindUpdateStatus:
		if existing == nil {
			return &abcitypes.ExecTxResult{Code: CodeCropNotFound, Log: fmt.Sprintf("crop %s not found", record.CropID)}
		}
		if err := json.Unmarshal(existing, &view); err != nil {
			return dbErrorResult(err)
		}
		view.Status = record.Status
		if record.Handler != "" {
			view.CurrentHandler = record.Handler
		}
		view.Timestamp = record.Timestamp
	}

	var journey []ledger.JourneyEntry
	raw, err := getValue(txn, journeyKey(record.CropID))
	if err != nil {
		return dbErrorResult(err)
	}
	if raw != nil {
		if err := json.Unmarshal(raw, &journey); err != nil {
			return dbErrorResult(err)
		}
	}
	journey = append(journey, ledger.JourneyEntry{
		Handler:   view.CurrentHandler,
		Status:    view.Status,
		Location:  record.Location,
		Timestamp: record.Timestamp,
		Notes:     record.Notes,
		TxHash:    txHash,
	})

	viewBytes, err := json.Marshal(view)
	if err != nil {
		return dbErrorResult(err)
	}
	journeyBytes, err := json.Marshal(journey)
	if err != nil {
		return dbErrorResult(err)
	}

	for _, kv := range []struct{ key, val []byte }{
		{cropKey(record.CropID), viewBytes},
		{journeyKey(record.CropID), journeyBytes},
		{txKey(txHash), rawTx},
	} {
		if err := txn.Set(kv.key, kv.val); err != nil {
			return dbErrorResult(err)
		}
	}

	return &abcitypes.ExecTxResult{
		Code: CodeOK,
		Data: []byte(txHash),
		Log:  record.Kind,
		Events: []abcitypes.Event{
			{
				Type: "crop_record",
				Attributes: []abcitypes.EventAttribute{
					{Key: "crop_id", Value: record.CropID, Index: true},
					{Key: "kind", Value: record.Kind, Index: true},
					{Key: "status", Value: view.Status, Index: true},
					{Key: "tx_id", Value: txHash, Index: true},
				},
			},
		},
	}
}

// Commit implements the ABCI Commit method
func (app *Application) Commit(_ context.Context, _ *abcitypes.CommitRequest) (*abcitypes.CommitResponse, error) {
	app.mu.Lock()
	defer app.mu.Unlock()

	if app.onGoingBlock == nil {
		return &abcitypes.CommitResponse{}, nil
	}
	if err := app.onGoingBlock.Commit(); err != nil {
		app.logger.Error("Error committing block", "err", err)
	}
	app.onGoingBlock = nil
	return &abcitypes.CommitResponse{}, nil
}

func (app *Application) ListSnapshots(_ context.Context, _ *abcitypes.ListSnapshotsRequest) (*abcitypes.ListSnapshotsResponse, error) {
	return &abcitypes.ListSnapshotsResponse{}, nil
}

func (app *Application) OfferSnapshot(_ context.Context, _ *abcitypes.OfferSnapshotRequest) (*abcitypes.OfferSnapshotResponse, error) {
	return &abcitypes.OfferSnapshotResponse{}, nil
}

func (app *Application) LoadSnapshotChunk(_ context.Context, _ *abcitypes.LoadSnapshotChunkRequest) (*abcitypes.LoadSnapshotChunkResponse, error) {
	return &abcitypes.LoadSnapshotChunkResponse{}, nil
}

func (app *Application) ApplySnapshotChunk(_ context.Context, _ *abcitypes.ApplySnapshotChunkRequest) (*abcitypes.ApplySnapshotChunkResponse, error) {
	return &abcitypes.ApplySnapshotChunkResponse{
		Result: abcitypes.APPLY_SNAPSHOT_CHUNK_RESULT_ACCEPT,
	}, nil
}

func (app *Application) ExtendVote(_ context.Context, _ *abcitypes.ExtendVoteRequest) (*abcitypes.ExtendVoteResponse, error) {
	return &abcitypes.ExtendVoteResponse{}, nil
}

func (app *Application) VerifyVoteExtension(_ context.Context, _ *abcitypes.VerifyVoteExtensionRequest) (*abcitypes.VerifyVoteExtensionResponse, error) {
	return &abcitypes.VerifyVoteExtensionResponse{}, nil
}

// Helper functions

func decodeRecord(txBytes []byte) (*Record, error) {
	var record Record
	if err := json.Unmarshal(txBytes, &record); err != nil {
		return nil, fmt.Errorf("malformed ledger record: %w", err)
	}
	if err := record.Validate(); err != nil {
		return nil, err
	}
	return &record, nil
}

func getValue(txn *badger.Txn, key []byte) ([]byte, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func dbErrorResult(err error) *abcitypes.ExecTxResult {
	return &abcitypes.ExecTxResult{Code: CodeDatabaseError, Log: fmt.Sprintf("Database error: %v", err)}
}

func cropKey(id string) []byte    { return []byte("crop:" + id) }
func journeyKey(id string) []byte { return []byte("journey:" + id) }
func txKey(hash string) []byte    { return []byte("tx:" + strings.ToLower(hash)) }

// calculateAppHash chains the previous app hash with this block's results
func calculateAppHash(prev []byte, txResults []*abcitypes.ExecTxResult) []byte {
	hasher := sha256.New()
	hasher.Write(prev)
	for _, result := range txResults {
		hasher.Write(int64ToBytes(int64(result.Code)))
		hasher.Write(result.Data)
	}
	return hasher.Sum(nil)
}

func int64ToBytes(i int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(i))
	return buf
}

func bytesToInt64(buf []byte) int64 {
	if len(buf) < 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(buf))
}
