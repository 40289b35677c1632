package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/croptrace/croptrace/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockLedger(t *testing.T) {
	ctx := context.Background()
	m := NewMockLedger()

	receipt, err := m.AddCrop(ctx, "CROP_1", "farmer-1", `{"name":"Rice"}`)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(receipt.TxHash, "0x"))
	assert.Len(t, receipt.TxHash, 66)

	_, err = m.AddCrop(ctx, "CROP_1", "farmer-1", "")
	assert.ErrorIs(t, err, ErrCropExists)

	_, err = m.UpdateCropStatus(ctx, StatusUpdate{CropID: "CROP_1", Status: "with_distributor", Handler: "dist-1", Location: "Depot"})
	require.NoError(t, err)

	view, err := m.GetCrop(ctx, "CROP_1")
	require.NoError(t, err)
	assert.Equal(t, "with_distributor", view.Status)
	assert.Equal(t, "dist-1", view.CurrentHandler)
	assert.Equal(t, "farmer-1", view.Farmer)

	journey, err := m.GetCropJourney(ctx, "CROP_1")
	require.NoError(t, err)
	require.Len(t, journey, 2)
	assert.Equal(t, "Depot", journey[1].Location)

	_, err = m.GetCrop(ctx, "CROP_none")
	assert.ErrorIs(t, err, ErrCropNotFound)
	_, err = m.UpdateCropStatus(ctx, StatusUpdate{CropID: "CROP_none"})
	assert.ErrorIs(t, err, ErrCropNotFound)

	assert.True(t, m.Available(ctx))
	assert.Len(t, m.ContractAddress(), 42)
	assert.Equal(t, MockNetwork, m.Network())
}

func TestMockDeployment(t *testing.T) {
	d := MockDeployment()
	assert.Len(t, d.ContractAddress, 42)
	assert.Len(t, d.TransactionHash, 66)
	assert.Equal(t, "2500000", d.GasUsed)
	assert.Equal(t, MockNetwork, d.Network)
	assert.GreaterOrEqual(t, d.BlockNumber, int64(0))
	assert.Less(t, d.BlockNumber, int64(1000000))
}

func writeEnvelope(w http.ResponseWriter, status int, env map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func TestClient(t *testing.T) {
	var gotUpdate StatusUpdate
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/ledger/crops":
			var body AddCropRequest
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body.CropID == "CROP_dup" {
				writeEnvelope(w, http.StatusConflict, map[string]interface{}{"success": false, "message": "exists"})
				return
			}
			writeEnvelope(w, http.StatusOK, map[string]interface{}{
				"success": true,
				"data":    Receipt{TxHash: "ABCD", BlockNumber: 7},
			})
		case r.Method == http.MethodPost && r.URL.Path == "/ledger/crops/CROP_1/status":
			_ = json.NewDecoder(r.Body).Decode(&gotUpdate)
			writeEnvelope(w, http.StatusOK, map[string]interface{}{"success": true, "data": Receipt{TxHash: "EF01", BlockNumber: 8}})
		case r.URL.Path == "/ledger/crops/CROP_1":
			writeEnvelope(w, http.StatusOK, map[string]interface{}{"success": true, "data": CropView{CropID: "CROP_1", Status: "sold"}})
		case r.URL.Path == "/ledger/crops/CROP_1/journey":
			writeEnvelope(w, http.StatusOK, map[string]interface{}{"success": true, "data": []JourneyEntry{{Status: "harvested"}, {Status: "sold"}}})
		case r.URL.Path == "/ledger/status":
			writeEnvelope(w, http.StatusOK, map[string]interface{}{"success": true})
		default:
			writeEnvelope(w, http.StatusNotFound, map[string]interface{}{"success": false, "message": "Crop not found"})
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	c := NewClient(srv.URL)

	receipt, err := c.AddCrop(ctx, "CROP_1", "farmer-1", "{}")
	require.NoError(t, err)
	assert.Equal(t, "ABCD", receipt.TxHash)
	assert.Equal(t, int64(7), receipt.BlockNumber)

	_, err = c.AddCrop(ctx, "CROP_dup", "farmer-1", "{}")
	assert.ErrorIs(t, err, ErrCropExists)

	_, err = c.UpdateCropStatus(ctx, StatusUpdate{CropID: "CROP_1", Status: "sold", Handler: "shop-1"})
	require.NoError(t, err)
	assert.Equal(t, "shop-1", gotUpdate.Handler)

	view, err := c.GetCrop(ctx, "CROP_1")
	require.NoError(t, err)
	assert.Equal(t, "sold", view.Status)

	journey, err := c.GetCropJourney(ctx, "CROP_1")
	require.NoError(t, err)
	assert.Len(t, journey, 2)

	_, err = c.GetCrop(ctx, "CROP_missing")
	assert.ErrorIs(t, err, ErrCropNotFound)

	assert.True(t, c.Available(ctx))
	assert.Equal(t, srv.URL, c.ContractAddress())
}

func TestClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL
	srv.Close()

	c := NewClient(endpoint)
	assert.False(t, c.Available(context.Background()))
	_, err := c.AddCrop(context.Background(), "CROP_1", "f", "")
	assert.ErrorIs(t, err, ErrUnavailable)
}

type recordedInfo struct {
	mu    sync.Mutex
	infos map[string]string
}

func (r *recordedInfo) SetCropLedgerInfo(_ context.Context, cropID, txHash, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.infos == nil {
		r.infos = map[string]string{}
	}
	r.infos[cropID] = txHash
	return nil
}

func (r *recordedInfo) get(cropID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.infos[cropID]
}

// failingLedger rejects every write
type failingLedger struct{ *MockLedger }

func (failingLedger) AddCrop(context.Context, string, string, string) (*Receipt, error) {
	return nil, errors.New("ledger down")
}

func (failingLedger) UpdateCropStatus(context.Context, StatusUpdate) (*Receipt, error) {
	return nil, errors.New("ledger down")
}

func fastBroker(t *testing.T, maxRetries int) *events.Broker {
	t.Helper()
	b := events.NewBroker(cmtlog.NewNopLogger(), events.RetryConfig{
		MaxRetries:     maxRetries,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		BackoffFactor:  2,
		PollInterval:   5 * time.Millisecond,
	})
	t.Cleanup(b.Shutdown)
	return b
}

func TestMirror(t *testing.T) {
	broker := fastBroker(t, 3)
	ledger := NewMockLedger()
	recorder := &recordedInfo{}

	mirror := NewMirror(ledger, broker, recorder, cmtlog.NewNopLogger())
	mirror.Start(context.Background())
	defer mirror.Stop()

	ctx := context.Background()
	created := events.NewEvent(events.TopicCropCreated, events.CropCreated{CropID: "CROP_1", Name: "Rice", Quantity: 50, FarmerID: "asha"})
	require.NoError(t, broker.Publish(ctx, created))

	require.Eventually(t, func() bool { return recorder.get("CROP_1") != "" }, time.Second, 5*time.Millisecond)

	view, err := ledger.GetCrop(ctx, "CROP_1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Rice","quantity":50,"farmerId":"asha"}`, view.MetadataHash)

	custody := events.NewEvent(events.TopicCustodyChanged, events.CustodyChanged{
		CropID: "CROP_1", ToHolderID: "raj", Status: "with_distributor", Location: "Depot",
	})
	require.NoError(t, broker.Publish(ctx, custody))

	require.Eventually(t, func() bool {
		s, err := broker.GetEventStatus(custody.ID)
		return err == nil && s.Status == events.Complete
	}, time.Second, 5*time.Millisecond)

	view, err = ledger.GetCrop(ctx, "CROP_1")
	require.NoError(t, err)
	assert.Equal(t, "with_distributor", view.Status)
	assert.Equal(t, "raj", view.CurrentHandler)
}

func TestMirror_FailuresEndInDLQ(t *testing.T) {
	broker := fastBroker(t, 1)
	mirror := NewMirror(failingLedger{NewMockLedger()}, broker, &recordedInfo{}, cmtlog.NewNopLogger())
	mirror.Start(context.Background())
	defer mirror.Stop()

	ev := events.NewEvent(events.TopicCustodyChanged, events.CustodyChanged{CropID: "CROP_1", Status: "sold"})
	require.NoError(t, broker.Publish(context.Background(), ev))

	require.Eventually(t, func() bool { return len(broker.GetDLQEvents()) == 1 }, 2*time.Second, 5*time.Millisecond)
	entry := broker.GetDLQEvents()[0]
	assert.Equal(t, ev.ID, entry.Event.ID)
	assert.Contains(t, entry.LastError, "ledger down")
}

func TestMirror_HandleUnknownPayload(t *testing.T) {
	mirror := NewMirror(NewMockLedger(), fastBroker(t, 0), &recordedInfo{}, cmtlog.NewNopLogger())
	err := mirror.Handle(context.Background(), events.NewEvent(events.TopicCropCreated, "garbage"))
	assert.Error(t, err)
}

// slowLedger delays every write and fails the first status update of each
// crop once
type slowLedger struct {
	*MockLedger
	delay time.Duration

	mu     sync.Mutex
	failed map[string]bool
}

func (s *slowLedger) AddCrop(ctx context.Context, cropID, farmer, metadataHash string) (*Receipt, error) {
	time.Sleep(s.delay)
	return s.MockLedger.AddCrop(ctx, cropID, farmer, metadataHash)
}

func (s *slowLedger) UpdateCropStatus(ctx context.Context, update StatusUpdate) (*Receipt, error) {
	time.Sleep(s.delay)
	s.mu.Lock()
	first := !s.failed[update.CropID]
	s.failed[update.CropID] = true
	s.mu.Unlock()
	if first {
		return nil, errors.New("ledger busy")
	}
	return s.MockLedger.UpdateCropStatus(ctx, update)
}

func TestMirror_PreservesCustodyOrder(t *testing.T) {
	broker := fastBroker(t, 5)
	ledger := &slowLedger{MockLedger: NewMockLedger(), delay: 2 * time.Millisecond, failed: map[string]bool{}}

	mirror := NewMirror(ledger, broker, &recordedInfo{}, cmtlog.NewNopLogger())
	mirror.Start(context.Background())
	defer mirror.Stop()

	ctx := context.Background()
	pipeline := []string{"with_distributor", "with_retailer", "sold"}
	var cropIDs []string
	for i := 0; i < 10; i++ {
		cropID := fmt.Sprintf("CROP_%d", i)
		cropIDs = append(cropIDs, cropID)
		require.NoError(t, broker.Publish(ctx, events.NewEvent(events.TopicCropCreated, events.CropCreated{CropID: cropID, FarmerID: "asha"})))
		for _, status := range pipeline {
			require.NoError(t, broker.Publish(ctx, events.NewEvent(events.TopicCustodyChanged, events.CustodyChanged{
				CropID: cropID, ToHolderID: "holder-" + status, Status: status,
			})))
		}
	}

	require.Eventually(t, func() bool {
		for _, cropID := range cropIDs {
			journey, err := ledger.GetCropJourney(ctx, cropID)
			if err != nil || len(journey) != len(pipeline)+1 {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	for _, cropID := range cropIDs {
		journey, err := ledger.GetCropJourney(ctx, cropID)
		require.NoError(t, err)
		var statuses []string
		for _, step := range journey {
			statuses = append(statuses, step.Status)
		}
		assert.Equal(t, []string{"harvested", "with_distributor", "with_retailer", "sold"}, statuses, cropID)

		view, err := ledger.GetCrop(ctx, cropID)
		require.NoError(t, err)
		assert.Equal(t, "sold", view.Status)
		assert.Equal(t, "holder-sold", view.CurrentHandler)
	}
	assert.Empty(t, broker.GetDLQEvents())
}
