package events

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
	"sync"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/google/uuid"
)

var (
	ErrEventNotFound = errors.New("event not found")
	ErrNotInDLQ      = errors.New("event not found in DLQ")
)

type Subscriber chan Event

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type DLQManager interface {
	GetDLQEvents() []DLQEntry
	RequeueFromDLQ(eventID uuid.UUID) error
	RemoveFromDLQ(eventID uuid.UUID) error
	ClearDLQ()
}

// Broker is an in-process topic broker. Consumers acknowledge events; failed
// events are redelivered with exponential backoff until they run out of
// retries and land in the dead-letter queue. Keyed events are held until
// every earlier event with the same key is complete or dead-lettered.
type Broker struct {
	subscribers map[string][]Subscriber // keys are topics
	ackChan     chan Ack
	states      map[uuid.UUID]*EventState
	retryQueue  map[uuid.UUID]*retryState
	pending     map[string][]uuid.UUID // unsettled event ids per key, oldest first
	retryConfig RetryConfig
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	dlq         []DLQEntry
	dlqMu       sync.RWMutex
	logger      cmtlog.Logger
}

func NewBroker(logger cmtlog.Logger, cfg RetryConfig) *Broker {
	if cfg.BackoffFactor <= 0 {
		cfg.BackoffFactor = DefaultRetryConfig().BackoffFactor
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultRetryConfig().PollInterval
	}
	if cfg.StateRetention <= 0 {
		cfg.StateRetention = DefaultRetryConfig().StateRetention
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		subscribers: make(map[string][]Subscriber),
		ackChan:     make(chan Ack, 100),
		states:      make(map[uuid.UUID]*EventState),
		retryQueue:  make(map[uuid.UUID]*retryState),
		pending:     make(map[string][]uuid.UUID),
		retryConfig: cfg,
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger.With("module", "events"),
	}

	b.wg.Add(2)
	go b.listenForACKs()
	go b.retryLoop()

	return b
}

func (b *Broker) Subscribe(topic string) Subscriber {
	ch := make(Subscriber, 64)
	b.mu.Lock()
	b.subscribers[topic] = append(b.subscribers[topic], ch)
	b.mu.Unlock()
	return ch
}

func (b *Broker) Unsubscribe(topic string, ch Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[topic]
	for i, sub := range subs {
		if sub == ch {
			b.subscribers[topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	b.logger.Debug("Unsubscribed", "topic", topic)
}

// Publish delivers event to every subscriber of its topic without blocking.
// A delivery that cannot be made is scheduled for retry and reported as an
// error. A keyed event queued behind an unsettled event with the same key is
// delivered once that event settles.
func (b *Broker) Publish(ctx context.Context, event Event) error {
	b.mu.Lock()
	subs := append([]Subscriber(nil), b.subscribers[event.Topic]...)
	if len(subs) == 0 {
		b.mu.Unlock()
		b.logger.Info("No subscribers for topic, event not delivered", "topic", event.Topic, "event", event.ID)
		return nil
	}

	if state, ok := b.states[event.ID]; ok {
		state.Status = Queued
		state.settledAt = time.Time{}
	} else {
		b.states[event.ID] = &EventState{
			Event:       event,
			PublishedAt: time.Now(),
			Status:      Queued,
		}
	}

	if event.Key != "" {
		queue := b.pending[event.Key]
		if !slices.Contains(queue, event.ID) {
			queue = append(queue, event.ID)
			b.pending[event.Key] = queue
		}
		if queue[0] != event.ID {
			b.mu.Unlock()
			b.logger.Debug("Event held behind earlier event", "event", event.ID, "key", event.Key, "ahead", queue[0])
			return nil
		}
	}
	b.mu.Unlock()

	return b.deliver(ctx, event, subs)
}

func (b *Broker) deliver(ctx context.Context, event Event, subs []Subscriber) error {
	var (
		successCount     int
		timeoutCount     int
		channelFullCount int
	)

	for i, sub := range subs {
		select {
		case sub <- event:
			successCount++
			b.logger.Debug("Event delivered", "event", event.ID, "subscriber", i, "topic", event.Topic)
		case <-ctx.Done():
			timeoutCount++
			b.logger.Error("Event delivery cancelled", "event", event.ID, "subscriber", i, "topic", event.Topic)
		default:
			channelFullCount++
			b.logger.Error("Event delivery failed, channel full", "event", event.ID, "subscriber", i, "topic", event.Topic)
		}
	}

	if timeoutCount > 0 || channelFullCount > 0 {
		err := fmt.Errorf(
			"partial delivery failure on topic '%s': %d/%d delivered (%d timeout, %d channel full)",
			event.Topic, successCount, len(subs), timeoutCount, channelFullCount,
		)
		b.processACK(NewErrAck(event.ID, "broker", err.Error()))
		return err
	}

	return nil
}

// Ack records consumer progress. It never blocks past Shutdown.
func (b *Broker) Ack(ack Ack) {
	select {
	case b.ackChan <- ack:
	case <-b.ctx.Done():
	}
}

func (b *Broker) listenForACKs() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case ack := <-b.ackChan:
			b.processACK(ack)
		}
	}
}

func (b *Broker) processACK(ack Ack) {
	if ack.Status == Failed {
		b.logger.Error("Event failed", "event", ack.EventID, "consumer", ack.Consumer, "err", ack.Error)
	} else {
		b.logger.Debug("Event ack", "event", ack.EventID, "status", ack.Status, "consumer", ack.Consumer)
	}

	if next, ok := b.applyACK(ack); ok {
		b.logger.Debug("Releasing held event", "event", next.ID, "key", next.Key)
		_ = b.Publish(b.ctx, next)
	}
}

// applyACK updates the event's state. When the event settles and a later
// event with the same key was held behind it, that event is returned.
func (b *Broker) applyACK(ack Ack) (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, exists := b.states[ack.EventID]
	if !exists {
		b.logger.Error("Ack for unknown event", "event", ack.EventID)
		return Event{}, false
	}
	state.Status = ack.Status
	state.Consumer = ack.Consumer

	switch ack.Status {
	case Running:
		if state.StartedAt == nil {
			now := ack.Timestamp
			state.StartedAt = &now
		}
	case Complete:
		if state.CompletedAt == nil {
			now := ack.Timestamp
			state.CompletedAt = &now
		}
		delete(b.retryQueue, ack.EventID)
		state.settledAt = time.Now()
		return b.settle(state.Event)
	case Failed:
		r, ok := b.retryQueue[ack.EventID]
		if !ok {
			r = &retryState{Event: state.Event}
			b.retryQueue[ack.EventID] = r
		}
		r.Attempts++
		r.inFlight = false
		r.LastAttempt = time.Now()
		r.LastError = ack.Error
		state.Attempts = r.Attempts

		if r.Attempts > b.retryConfig.MaxRetries {
			b.logger.Error("Event exceeded max retries, moving to DLQ",
				"event", ack.EventID, "maxRetries", b.retryConfig.MaxRetries)
			delete(b.retryQueue, ack.EventID)
			b.dlqMu.Lock()
			b.dlq = append(b.dlq, DLQEntry{
				Event:         r.Event,
				FailureReason: "attempts exceeded",
				Attempts:      r.Attempts,
				LastError:     r.LastError,
				AddedAt:       time.Now(),
			})
			b.dlqMu.Unlock()
			state.settledAt = time.Now()
			return b.settle(state.Event)
		}

		r.NextRetry = time.Now().Add(calculateBackoff(r.Attempts, b.retryConfig))
		b.logger.Info("Scheduling event retry", "event", ack.EventID, "attempt", r.Attempts+1, "at", r.NextRetry)
	}
	return Event{}, false
}

// settle removes ev from its key's queue and returns the event now at the
// head, if any. Callers hold b.mu.
func (b *Broker) settle(ev Event) (Event, bool) {
	if ev.Key == "" {
		return Event{}, false
	}
	queue := b.pending[ev.Key]
	idx := slices.Index(queue, ev.ID)
	if idx < 0 {
		return Event{}, false
	}
	queue = slices.Delete(queue, idx, idx+1)
	if len(queue) == 0 {
		delete(b.pending, ev.Key)
		return Event{}, false
	}
	b.pending[ev.Key] = queue
	if idx != 0 {
		return Event{}, false
	}

	head, ok := b.states[queue[0]]
	if !ok {
		return Event{}, false
	}
	if r, ok := b.retryQueue[queue[0]]; ok {
		r.inFlight = true
	}
	return head.Event, true
}

func (b *Broker) GetEventStatus(eventID uuid.UUID) (*EventState, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	state, exists := b.states[eventID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
	}
	stateCopy := *state
	return &stateCopy, nil
}

func (b *Broker) Shutdown() {
	b.cancel()
	b.wg.Wait()
}

func calculateBackoff(attempts int, config RetryConfig) time.Duration {
	if attempts == 0 {
		return 0
	}
	backoff := math.Pow(config.BackoffFactor, float64(attempts))
	backoff = backoff * float64(config.InitialBackoff)
	backoff = math.Min(backoff, float64(config.MaxBackoff))

	return time.Duration(backoff)
}

func (b *Broker) retryLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.retryConfig.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			for _, event := range b.dueRetries(time.Now()) {
				b.logger.Info("Republishing event", "event", event.ID, "topic", event.Topic)
				_ = b.Publish(b.ctx, event)
			}
		}
	}
}

// dueRetries marks the retries that may run at now as in flight and returns
// them oldest first
func (b *Broker) dueRetries(now time.Time) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	var due []Event
	for id, r := range b.retryQueue {
		if r.inFlight || r.NextRetry.After(now) {
			continue
		}
		// a keyed event waits for the events ahead of it
		if queue := b.pending[r.Event.Key]; r.Event.Key != "" && len(queue) > 0 && queue[0] != id {
			continue
		}
		r.inFlight = true
		due = append(due, r.Event)
	}
	b.pruneStates(now)

	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	return due
}

// pruneStates forgets settled events older than the retention window.
// Callers hold b.mu.
func (b *Broker) pruneStates(now time.Time) {
	for id, state := range b.states {
		if state.settledAt.IsZero() || now.Sub(state.settledAt) < b.retryConfig.StateRetention {
			continue
		}
		if _, retrying := b.retryQueue[id]; retrying {
			continue
		}
		delete(b.states, id)
	}
}

func (b *Broker) GetDLQEvents() []DLQEntry {
	b.dlqMu.RLock()
	defer b.dlqMu.RUnlock()
	cpy := make([]DLQEntry, len(b.dlq))
	copy(cpy, b.dlq)
	return cpy
}

func (b *Broker) RequeueFromDLQ(eventID uuid.UUID) error {
	b.dlqMu.Lock()
	var (
		found bool
		entry DLQEntry
	)
	for i, value := range b.dlq {
		if value.Event.ID == eventID {
			entry = value
			b.dlq = append(b.dlq[:i], b.dlq[i+1:]...)
			found = true
			break
		}
	}
	b.dlqMu.Unlock()

	if !found {
		return ErrNotInDLQ
	}

	b.mu.Lock()
	if _, ok := b.states[eventID]; !ok {
		b.states[eventID] = &EventState{Event: entry.Event, PublishedAt: time.Now(), Status: Failed}
	}
	b.retryQueue[eventID] = &retryState{
		Event:       entry.Event,
		Attempts:    0,
		LastAttempt: time.Now(),
		NextRetry:   time.Now(),
		LastError:   entry.LastError,
	}
	b.mu.Unlock()

	return nil
}

func (b *Broker) RemoveFromDLQ(eventID uuid.UUID) error {
	b.dlqMu.Lock()
	defer b.dlqMu.Unlock()
	for i, value := range b.dlq {
		if value.Event.ID == eventID {
			b.dlq = append(b.dlq[:i], b.dlq[i+1:]...)
			return nil
		}
	}
	return ErrNotInDLQ
}

func (b *Broker) ClearDLQ() {
	b.dlqMu.Lock()
	defer b.dlqMu.Unlock()
	b.dlq = nil
}
