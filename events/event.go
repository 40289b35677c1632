package events

import (
	"time"

	"github.com/google/uuid"
)

// Topics
const (
	TopicCropCreated    = "crop.created"
	TopicCustodyChanged = "crop.custody_changed"
)

type Status string

const (
	Queued   Status = "Queued"
	Running  Status = "Running"
	Complete Status = "Complete"
	Failed   Status = "Failed"
)

// Event is one message published on a topic. Events sharing a Key are
// delivered one at a time, in publish order.
type Event struct {
	ID        uuid.UUID   `json:"id"`
	Topic     string      `json:"topic"`
	Key       string      `json:"key,omitempty"`
	Payload   interface{} `json:"payload"`
	CreatedAt time.Time   `json:"createdAt"`
}

// Keyed is implemented by payloads that must be processed in order
type Keyed interface {
	EventKey() string
}

// NewEvent builds an event with a fresh id, keyed by its payload if the
// payload is Keyed
func NewEvent(topic string, payload interface{}) Event {
	ev := Event{
		ID:        uuid.New(),
		Topic:     topic,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	if k, ok := payload.(Keyed); ok {
		ev.Key = k.EventKey()
	}
	return ev
}

// CropCreated is the payload of TopicCropCreated
type CropCreated struct {
	CropID   string  `json:"cropId"`
	Name     string  `json:"name"`
	Quantity float64 `json:"quantity"`
	FarmerID string  `json:"farmerId"`
}

func (c CropCreated) EventKey() string { return c.CropID }

// CustodyChanged is the payload of TopicCustodyChanged
type CustodyChanged struct {
	CropID       string    `json:"cropId"`
	FromHolderID string    `json:"fromHolderId"`
	ToHolderID   string    `json:"toHolderId"`
	Status       string    `json:"status"`
	Location     string    `json:"location"`
	Notes        string    `json:"notes"`
	At           time.Time `json:"at"`
}

func (c CustodyChanged) EventKey() string { return c.CropID }

type EventState struct {
	Event       Event      `json:"event"`
	PublishedAt time.Time  `json:"publishedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Status      Status     `json:"status"`
	Consumer    string     `json:"consumer,omitempty"`
	Attempts    int        `json:"attempts"`

	settledAt time.Time
}

// Ack reports the progress of a consumer on an event
type Ack struct {
	EventID   uuid.UUID
	Status    Status
	Consumer  string
	Timestamp time.Time
	Error     string
}

func NewAck(eventID uuid.UUID, s Status, consumer string) Ack {
	return Ack{
		EventID:   eventID,
		Status:    s,
		Consumer:  consumer,
		Timestamp: time.Now(),
	}
}

func NewErrAck(eventID uuid.UUID, consumer string, errorMsg string) Ack {
	return Ack{
		EventID:   eventID,
		Status:    Failed,
		Consumer:  consumer,
		Timestamp: time.Now(),
		Error:     errorMsg,
	}
}

type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	PollInterval   time.Duration
	// StateRetention is how long a completed or dead-lettered event stays
	// visible to GetEventStatus
	StateRetention time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     5,
		InitialBackoff: time.Second,
		MaxBackoff:     time.Minute,
		BackoffFactor:  2,
		PollInterval:   time.Second,
		StateRetention: 10 * time.Minute,
	}
}

type retryState struct {
	Event       Event
	Attempts    int
	LastAttempt time.Time
	NextRetry   time.Time
	LastError   string
	inFlight    bool
}

// DLQEntry is an event that exhausted its retries
type DLQEntry struct {
	Event         Event     `json:"event"`
	FailureReason string    `json:"failureReason"`
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"lastError"`
	AddedAt       time.Time `json:"addedAt"`
}
