// Package events defines the side-effect messages published after order
// state transitions commit, and the Kafka publisher that carries them.
package events

import "context"

// Topic names. One topic per event type; consumers subscribe to all.
const (
	TopicOrderFulfilled = "commerce.order.fulfilled"
	TopicUnenroll       = "commerce.enrollment.unenroll"
)

// PurchasedRun identifies one courseware object bought through an order.
type PurchasedRun struct {
	Kind       string `json:"kind"`
	ID         string `json:"id"`
	ReadableID string `json:"readable_id"`
	Title      string `json:"title"`
}

// OrderFulfilled is published after an order commits its transition to
// fulfilled. Consumers enroll the purchaser, send the receipt email, and
// sync the CRM deal. Delivery is at-least-once; handlers are idempotent.
type OrderFulfilled struct {
	OrderID         string         `json:"order_id"`
	ReferenceNumber string         `json:"reference_number"`
	PurchaserID     string         `json:"purchaser_id"`
	TotalPricePaid  string         `json:"total_price_paid"`
	Runs            []PurchasedRun `json:"runs"`
}

// UnenrollRequested is published after a gateway-confirmed refund commits
// with the unenroll flag set. It is never published for a refund the
// gateway denied.
type UnenrollRequested struct {
	OrderID     string   `json:"order_id"`
	PurchaserID string   `json:"purchaser_id"`
	RunIDs      []string `json:"run_ids"`
	KeepFailed  bool     `json:"keep_failed"`
}

// Publisher dispatches side-effect events. Implementations must only be
// invoked after the database transaction producing the event has committed;
// the core order logic never blocks on consumer completion.
type Publisher interface {
	PublishOrderFulfilled(ctx context.Context, ev OrderFulfilled) error
	PublishUnenrollRequested(ctx context.Context, ev UnenrollRequested) error
}
