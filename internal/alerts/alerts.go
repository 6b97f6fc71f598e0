// Package alerts notifies external parties when a transaction is blocked.
//
// Delivery is best effort: a failed alert is logged and counted but never
// changes the disposition that triggered it.
package alerts

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// EventType names the alert kind carried in payloads and headers.
type EventType string

const EventTransactionBlocked EventType = "transaction.blocked"

// Alert describes a blocked transaction.
type Alert struct {
	ID            string    `json:"id"`
	Type          EventType `json:"type"`
	UserID        string    `json:"userId"`
	TransactionID string    `json:"transactionId"`
	Amount        string    `json:"amount"`
	PaymentMethod string    `json:"paymentMethod"`
	RiskScore     int       `json:"riskScore"`
	Rules         []string  `json:"rulesTriggered"`
	OccurredAt    time.Time `json:"occurredAt"`
}

// Notifier delivers an alert.
type Notifier interface {
	Notify(ctx context.Context, a *Alert) error
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, a *Alert) error {
	n.logger.Warn("transaction blocked",
		"alert_id", a.ID,
		"user_id", a.UserID,
		"transaction_id", a.TransactionID,
		"amount", a.Amount,
		"score", a.RiskScore,
		"rules", a.Rules,
	)
	return nil
}

// Fanout delivers to every notifier and joins their errors.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, a *Alert) error {
	var errs []error
	for _, n := range f {
		if err := n.Notify(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
