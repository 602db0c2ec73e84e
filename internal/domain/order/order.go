// Package order implements the order state machine: pending-order creation
// from baskets, fulfillment, and refund orchestration, with an append-only
// transaction ledger for every gateway interaction.
package order

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/openlearn/commerce/internal/domain/catalog"
)

// Status enumerates order states.
type Status string

const (
	StatusPending           Status = "pending"
	StatusFulfilled         Status = "fulfilled"
	StatusCanceled          Status = "canceled"
	StatusDeclined          Status = "declined"
	StatusErrored           Status = "errored"
	StatusReview            Status = "review"
	StatusRefunded          Status = "refunded"
	StatusPartiallyRefunded Status = "partially_refunded"
)

// TransactionType distinguishes ledger entries.
type TransactionType string

const (
	TransactionTypePayment TransactionType = "payment"
	TransactionTypeRefund  TransactionType = "refund"
)

var (
	// ErrNotFound is returned when a requested order does not exist.
	ErrNotFound = errors.New("order not found")
	// ErrMissingTransactionID is returned when payment or refund data lacks
	// the gateway transaction identifier. No ledger entry is written.
	ErrMissingTransactionID = errors.New("missing transaction id in gateway data")
	// ErrNotRefundable is returned when refunding an order that is not in
	// the fulfilled state.
	ErrNotRefundable = errors.New("order is not in a refundable state")
	// ErrNoPaymentTransaction is returned when a refund finds no payment
	// transaction to base the refund amount on.
	ErrNoPaymentTransaction = errors.New("order has no payment transaction")
)

// InvalidTransitionError indicates a state transition the machine forbids.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid order transition %s -> %s", e.From, e.To)
}

// ProductNotFoundError indicates a basket references a product that does not
// exist or is inactive.
type ProductNotFoundError struct {
	ProductID string
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("product %s not found", e.ProductID)
}

// Order is the durable transaction record of a purchase.
type Order struct {
	ID              string
	ReferenceNumber string
	PurchaserID     string
	State           Status
	TotalPricePaid  decimal.Decimal
	Lines           []Line
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Line is one purchased product within an order, pinned to an immutable
// product version snapshot.
type Line struct {
	ID               string
	OrderID          string
	ProductVersionID string
	ProductID        string
	Purchasable      catalog.Purchasable
	Quantity         int
	UnitPrice        decimal.Decimal
	// DiscountedPrice is the per-unit price after discounts, floored at zero.
	DiscountedPrice decimal.Decimal
}

// Total returns the line's contribution to the order total.
func (l Line) Total() decimal.Decimal {
	return l.DiscountedPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Transaction is an append-only ledger entry for a gateway interaction.
// It is never mutated after creation, except that a refund operation may
// attach the late-arriving gateway response payload to the refund entry it
// itself produced.
type Transaction struct {
	ID        string
	OrderID   string
	Amount    decimal.Decimal
	Type      TransactionType
	Reason    string
	Data      []byte
	CreatedAt time.Time
}

// Redemption links a discount to the order that consumed it. At most one
// redemption exists per order.
type Redemption struct {
	ID           string
	OrderID      string
	DiscountID   string
	RedeemedBy   string
	RedeemedDate time.Time
}

// Store defines order persistence. Transact runs fn against a
// transaction-scoped Store; GetOrderForUpdate acquires a row lock valid for
// the remainder of that transaction.
type Store interface {
	Transact(ctx context.Context, fn func(ctx context.Context, tx Store) error) error

	GetOrder(ctx context.Context, id string) (*Order, error)
	GetOrderForUpdate(ctx context.Context, id string) (*Order, error)
	// PendingForPurchaser returns the purchaser's pending orders with lines.
	PendingForPurchaser(ctx context.Context, purchaserID string) ([]Order, error)
	// ListForPurchaser returns orders in any of the given states, newest first.
	ListForPurchaser(ctx context.Context, purchaserID string, states []Status) ([]Order, error)
	CreateOrder(ctx context.Context, o *Order) error
	// ReplaceLines replaces the order's lines wholesale.
	ReplaceLines(ctx context.Context, orderID string, lines []Line) error
	SetTotalPrice(ctx context.Context, orderID string, total decimal.Decimal) error
	SetState(ctx context.Context, orderID string, state Status) error
	SetReferenceNumber(ctx context.Context, orderID, reference string) error

	Redemptions(ctx context.Context, orderID string) ([]Redemption, error)
	ClearRedemptions(ctx context.Context, orderID string) error
	// CreateRedemption records a redemption for the order. When the order
	// already has one for the same discount, the existing row is returned
	// unchanged, making discount carry-over idempotent.
	CreateRedemption(ctx context.Context, r *Redemption) (*Redemption, error)

	Transactions(ctx context.Context, orderID string) ([]Transaction, error)
	AppendTransaction(ctx context.Context, t *Transaction) error
	SetTransactionData(ctx context.Context, transactionID string, data []byte) error
}
