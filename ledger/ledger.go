// Package ledger mirrors crop custody events to an append-only ledger.
package ledger

import (
	"context"
	"errors"
)

var (
	ErrCropNotFound = errors.New("crop not found on ledger")
	ErrCropExists   = errors.New("crop already recorded on ledger")
	ErrUnavailable  = errors.New("ledger not available")
)

// Receipt describes the ledger transaction that recorded a write
type Receipt struct {
	TxHash      string `json:"txHash"`
	BlockNumber int64  `json:"blockNumber"`
	GasUsed     string `json:"gasUsed"`
}

// CropView is the ledger's view of a crop
type CropView struct {
	CropID         string `json:"cropId"`
	Farmer         string `json:"farmer"`
	CurrentHandler string `json:"currentHandler"`
	Status         string `json:"status"`
	Timestamp      int64  `json:"timestamp"`
	MetadataHash   string `json:"metadataHash"`
}

// JourneyEntry is one status change recorded on the ledger
type JourneyEntry struct {
	Handler   string `json:"handler"`
	Status    string `json:"status"`
	Location  string `json:"location"`
	Timestamp int64  `json:"timestamp"`
	Notes     string `json:"notes"`
	TxHash    string `json:"txHash,omitempty"`
}

// StatusUpdate is a custody change to record
type StatusUpdate struct {
	CropID   string `json:"cropId"`
	Status   string `json:"status"`
	Handler  string `json:"handler"`
	Location string `json:"location"`
	Notes    string `json:"notes"`
}

// Deployment is the receipt of a (fabricated) contract deployment
type Deployment struct {
	ContractAddress string `json:"contractAddress"`
	TransactionHash string `json:"transactionHash"`
	BlockNumber     int64  `json:"blockNumber"`
	GasUsed         string `json:"gasUsed"`
	Network         string `json:"network"`
}

type Ledger interface {
	AddCrop(ctx context.Context, cropID, farmer, metadataHash string) (*Receipt, error)
	UpdateCropStatus(ctx context.Context, update StatusUpdate) (*Receipt, error)
	GetCrop(ctx context.Context, cropID string) (*CropView, error)
	GetCropJourney(ctx context.Context, cropID string) ([]JourneyEntry, error)
	Available(ctx context.Context) bool
	ContractAddress() string
	Network() string
}
