// Package events defines the ledger's outbound domain events. Events are
// published after the owning transaction commits; a failed publish never
// undoes a ledger write.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Type string

const (
	PaymentApplied Type = "payment.applied"
	PaymentDeleted Type = "payment.deleted"
	ChargeRebilled Type = "charge.rebilled"
	ChargeDeleted  Type = "charge.deleted"
	StudentDeleted Type = "student.deleted"
)

// Envelope is the wire shape shared by every publisher. Key is the student
// number so that one student's events stay ordered on partitioned transports.
type Envelope struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	Key        string    `json:"key"`
	OccurredAt time.Time `json:"occurredAt"`
	Data       any       `json:"data"`
}

func New(t Type, key string, data any) Envelope {
	return Envelope{
		ID:         uuid.NewString(),
		Type:       t,
		Key:        key,
		OccurredAt: time.Now().UTC(),
		Data:       data,
	}
}

type PaymentAppliedData struct {
	PaymentID        uuid.UUID       `json:"paymentId"`
	StudentNo        string          `json:"studentNo"`
	Term             string          `json:"term"`
	Amount           decimal.Decimal `json:"amount"`
	RemainingBalance decimal.Decimal `json:"remainingBalance"`
	PaidAt           time.Time       `json:"paidAt"`
}

type PaymentDeletedData struct {
	PaymentID uuid.UUID `json:"paymentId"`
}

type ChargeRebilledData struct {
	StudentNo string          `json:"studentNo"`
	Term      string          `json:"term"`
	Total     decimal.Decimal `json:"total"`
}

type ChargeDeletedData struct {
	StudentNo           string `json:"studentNo"`
	Term                string `json:"term"`
	DeletedPaymentCount int    `json:"deletedPaymentCount"`
}

type StudentDeletedData struct {
	StudentNo           string `json:"studentNo"`
	DeletedChargeCount  int    `json:"deletedChargeCount"`
	DeletedPaymentCount int    `json:"deletedPaymentCount"`
}

// Publisher is implemented by the NATS and Kafka producers.
type Publisher interface {
	Publish(ctx context.Context, event Envelope) error
	Close() error
}

// Nop discards events. It is used when events.driver is "none".
type Nop struct{}

func (Nop) Publish(context.Context, Envelope) error { return nil }
func (Nop) Close() error                            { return nil }

// Recorder keeps published events in memory for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Envelope
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(_ context.Context, event Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Envelope, len(r.events))
	copy(out, r.events)
	return out
}

// OfType filters Events by type.
func (r *Recorder) OfType(t Type) []Envelope {
	var out []Envelope
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
