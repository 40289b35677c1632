package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/croptrace/croptrace/events"
)

const mirrorConsumer = "ledger-mirror"

// InfoRecorder stores where a crop landed on the ledger
type InfoRecorder interface {
	SetCropLedgerInfo(ctx context.Context, cropID, txHash, blockchainID string) error
}

// EventSource is the part of the broker the mirror consumes from
type EventSource interface {
	Subscribe(topic string) events.Subscriber
	Unsubscribe(topic string, ch events.Subscriber)
	Ack(ack events.Ack)
}

// Mirror consumes crop events and writes them to a Ledger. Failures are
// acknowledged as Failed so the broker can retry them; they never reach the
// request that produced the event. The broker hands over a crop's events one
// at a time in publish order, so a crop's status updates reach the ledger in
// the order they were made.
type Mirror struct {
	ledger   Ledger
	source   EventSource
	recorder InfoRecorder
	logger   cmtlog.Logger
	timeout  time.Duration

	created events.Subscriber
	custody events.Subscriber
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewMirror(l Ledger, source EventSource, recorder InfoRecorder, logger cmtlog.Logger) *Mirror {
	return &Mirror{
		ledger:   l,
		source:   source,
		recorder: recorder,
		logger:   logger.With("module", "ledger-mirror"),
		timeout:  30 * time.Second,
	}
}

// Start subscribes to crop events and processes them until Stop is called
func (m *Mirror) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.created = m.source.Subscribe(events.TopicCropCreated)
	m.custody = m.source.Subscribe(events.TopicCustodyChanged)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-m.created:
				m.process(ctx, ev)
			case ev := <-m.custody:
				m.process(ctx, ev)
			}
		}
	}()
	m.logger.Info("Ledger mirror started", "network", m.ledger.Network())
}

func (m *Mirror) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	m.wg.Wait()
	m.source.Unsubscribe(events.TopicCropCreated, m.created)
	m.source.Unsubscribe(events.TopicCustodyChanged, m.custody)
	m.logger.Info("Ledger mirror stopped")
}

func (m *Mirror) process(ctx context.Context, ev events.Event) {
	m.source.Ack(events.NewAck(ev.ID, events.Running, mirrorConsumer))

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	if err := m.Handle(ctx, ev); err != nil {
		m.logger.Error("Ledger mirror failed", "event", ev.ID, "topic", ev.Topic, "err", err)
		m.source.Ack(events.NewErrAck(ev.ID, mirrorConsumer, err.Error()))
		return
	}
	m.source.Ack(events.NewAck(ev.ID, events.Complete, mirrorConsumer))
}

// Handle writes a single event to the ledger
func (m *Mirror) Handle(ctx context.Context, ev events.Event) error {
	switch payload := ev.Payload.(type) {
	case events.CropCreated:
		return m.addCrop(ctx, payload)
	case events.CustodyChanged:
		receipt, err := m.ledger.UpdateCropStatus(ctx, StatusUpdate{
			CropID:   payload.CropID,
			Status:   payload.Status,
			Handler:  payload.ToHolderID,
			Location: payload.Location,
			Notes:    payload.Notes,
		})
		if err != nil {
			return fmt.Errorf("update crop status: %w", err)
		}
		m.logger.Info("Custody change mirrored", "cropId", payload.CropID, "status", payload.Status, "tx", receipt.TxHash)
		return nil
	default:
		return fmt.Errorf("unsupported payload %T on topic %s", ev.Payload, ev.Topic)
	}
}

func (m *Mirror) addCrop(ctx context.Context, payload events.CropCreated) error {
	metadata, err := json.Marshal(map[string]interface{}{
		"name":     payload.Name,
		"quantity": payload.Quantity,
		"farmerId": payload.FarmerID,
	})
	if err != nil {
		return err
	}

	receipt, err := m.ledger.AddCrop(ctx, payload.CropID, payload.FarmerID, string(metadata))
	if errors.Is(err, ErrCropExists) {
		m.logger.Info("Crop already on ledger", "cropId", payload.CropID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("add crop: %w", err)
	}

	// The ledger write succeeded; a failure to record it locally is not retried
	if err := m.recorder.SetCropLedgerInfo(ctx, payload.CropID, receipt.TxHash, payload.CropID); err != nil {
		m.logger.Error("Failed to record ledger info", "cropId", payload.CropID, "err", err)
	}
	m.logger.Info("Crop mirrored", "cropId", payload.CropID, "tx", receipt.TxHash)
	return nil
}
