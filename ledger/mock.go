package ledger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"math/big"
	"sync"
	"time"
)

const (
	MockNetwork = "Shardeum Testnet"
	mockGasUsed = "2500000"
)

// MockLedger fabricates receipts and keeps an in-memory view of the crops
// it was told about. It stands in for a real ledger in demo deployments.
type MockLedger struct {
	mu       sync.RWMutex
	address  string
	crops    map[string]*CropView
	journeys map[string][]JourneyEntry
	now      func() time.Time
}

func NewMockLedger() *MockLedger {
	return &MockLedger{
		address:  randomHex(20),
		crops:    make(map[string]*CropView),
		journeys: make(map[string][]JourneyEntry),
		now:      time.Now,
	}
}

func (m *MockLedger) AddCrop(_ context.Context, cropID, farmer, metadataHash string) (*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.crops[cropID]; ok {
		return nil, ErrCropExists
	}
	receipt := fabricateReceipt()
	ts := m.now().Unix()
	m.crops[cropID] = &CropView{
		CropID:         cropID,
		Farmer:         farmer,
		CurrentHandler: farmer,
		Status:         "harvested",
		Timestamp:      ts,
		MetadataHash:   metadataHash,
	}
	m.journeys[cropID] = append(m.journeys[cropID], JourneyEntry{
		Handler:   farmer,
		Status:    "harvested",
		Timestamp: ts,
		TxHash:    receipt.TxHash,
	})
	return receipt, nil
}

func (m *MockLedger) UpdateCropStatus(_ context.Context, update StatusUpdate) (*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	crop, ok := m.crops[update.CropID]
	if !ok {
		return nil, ErrCropNotFound
	}
	receipt := fabricateReceipt()
	ts := m.now().Unix()
	crop.Status = update.Status
	if update.Handler != "" {
		crop.CurrentHandler = update.Handler
	}
	crop.Timestamp = ts
	m.journeys[update.CropID] = append(m.journeys[update.CropID], JourneyEntry{
		Handler:   crop.CurrentHandler,
		Status:    update.Status,
		Location:  update.Location,
		Timestamp: ts,
		Notes:     update.Notes,
		TxHash:    receipt.TxHash,
	})
	return receipt, nil
}

func (m *MockLedger) GetCrop(_ context.Context, cropID string) (*CropView, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	crop, ok := m.crops[cropID]
	if !ok {
		return nil, ErrCropNotFound
	}
	view := *crop
	return &view, nil
}

func (m *MockLedger) GetCropJourney(_ context.Context, cropID string) ([]JourneyEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.crops[cropID]; !ok {
		return nil, ErrCropNotFound
	}
	return append([]JourneyEntry(nil), m.journeys[cropID]...), nil
}

func (m *MockLedger) Available(context.Context) bool { return true }

func (m *MockLedger) ContractAddress() string { return m.address }

func (m *MockLedger) Network() string { return MockNetwork }

// MockDeployment returns a fabricated contract deployment receipt
func MockDeployment() Deployment {
	return Deployment{
		ContractAddress: randomHex(20),
		TransactionHash: randomHex(32),
		BlockNumber:     randomBlockNumber(),
		GasUsed:         mockGasUsed,
		Network:         MockNetwork,
	}
}

func fabricateReceipt() *Receipt {
	return &Receipt{
		TxHash:      randomHex(32),
		BlockNumber: randomBlockNumber(),
		GasUsed:     "21000",
	}
}

func randomHex(n int) string {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	return "0x" + hex.EncodeToString(buf)
}

func randomBlockNumber() int64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return 0
	}
	return n.Int64()
}
