// Package events publishes settlement domain events.
//
// Events are notifications for downstream consumers (payments, email).
// The ledger and invoice stores stay the source of truth: a failed publish
// is logged and never rolls back a close.
package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	Exchange = "settlement_events"

	RoutingPeriodClosed  = "settlement.period_closed"
	RoutingInvoiceCreate = "settlement.invoice_created"
)

// PeriodClosed is emitted once per billing period.
type PeriodClosed struct {
	PeriodNumber      int       `json:"period_number"`
	PeriodStart       time.Time `json:"period_start"`
	PeriodEnd         time.Time `json:"period_end"`
	ClosedAt          time.Time `json:"closed_at"`
	CoveredInspection int       `json:"covered_inspections"`
	Payouts           int       `json:"payouts"`
}

// InvoiceCreated is emitted for each newly stored invoice.
type InvoiceCreated struct {
	InvoiceID    string    `json:"invoice_id"`
	PeriodNumber int       `json:"period_number"`
	Role         string    `json:"role"`
	BillerID     string    `json:"biller_id"`
	Total        string    `json:"total"`
	Currency     string    `json:"currency"`
	LineItems    int       `json:"line_items"`
	CreatedAt    time.Time `json:"created_at"`
}

// Publisher is implemented by every event sink.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body any) error
	Close()
}

// =============================================================================
// FALLBACK - Used when no broker is configured or reachable at startup
// =============================================================================

// LogPublisher logs events instead of publishing them.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger.Named("events")}
}

func (p *LogPublisher) Publish(_ context.Context, routingKey string, body any) error {
	p.logger.Info("publish skipped, no broker", zap.String("routing_key", routingKey), zap.Any("event", body))
	return nil
}

func (p *LogPublisher) Close() {}

// =============================================================================
// RECORDER - In-memory sink for tests and the dev server
// =============================================================================

// Message is one recorded publish.
type Message struct {
	RoutingKey string
	Body       any
}

// Recorder keeps every published message.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Publish(_ context.Context, routingKey string, body any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, Message{RoutingKey: routingKey, Body: body})
	return nil
}

func (r *Recorder) Close() {}

// Messages returns a copy of the recorded messages, optionally filtered by
// routing key.
func (r *Recorder) Messages(routingKey string) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Message
	for _, m := range r.messages {
		if routingKey == "" || m.RoutingKey == routingKey {
			out = append(out, m)
		}
	}
	return out
}
