package models

import "time"

// DeliveryStatus is the state of one (event, sink) delivery.
type DeliveryStatus string

const (
	Pending   DeliveryStatus = "pending"
	Delivered DeliveryStatus = "delivered"
	Failed    DeliveryStatus = "failed"
)

// DeliveryRecord tracks the outcome of delivering one event to one sink.
type DeliveryRecord struct {
	EventID     string         `json:"event_id"`
	Sink        string         `json:"sink"`
	Key         string         `json:"key"`
	Sequence    uint64         `json:"sequence"`
	Status      DeliveryStatus `json:"status"`
	Attempts    int            `json:"attempts"`
	NextRetryAt time.Time      `json:"next_retry_at,omitempty"`
	LastError   string         `json:"last_error,omitempty"`
	Fatal       bool           `json:"fatal"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Terminal reports whether the record will not be attempted again.
func (r DeliveryRecord) Terminal() bool {
	return r.Status == Delivered || (r.Status == Failed && r.NextRetryAt.IsZero())
}
