// Package gateway abstracts the external payment processor. The order domain
// talks to the Gateway interface only; the HTTP implementation lives in
// client.go.
package gateway

import (
	"context"
	"encoding/json"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrDuplicateRefund is returned when the processor reports the refund
	// was already issued for the transaction. Callers treat it as success.
	ErrDuplicateRefund = errors.New("gateway: refund already processed")
	// ErrMissingTransactionID is returned when payment data carries no
	// gateway transaction identifier to refund against.
	ErrMissingTransactionID = errors.New("gateway: payment data has no transaction id")
	// ErrRefundDenied is returned when the processor rejects the refund.
	ErrRefundDenied = errors.New("gateway: refund denied")
)

// LineItem is one priced entry in a checkout request.
type LineItem struct {
	SKU       string          `json:"sku"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// CheckoutOrder describes the order being paid for.
type CheckoutOrder struct {
	ReferenceNumber string          `json:"reference_number"`
	Username        string          `json:"username"`
	IPAddress       string          `json:"ip_address"`
	Total           decimal.Decimal `json:"total"`
	Items           []LineItem      `json:"items"`
}

// CallbackURLs are where the processor redirects the purchaser afterwards.
type CallbackURLs struct {
	Success string `json:"success"`
	Cancel  string `json:"cancel"`
}

// CheckoutSession is the signed payload the frontend posts to the processor.
type CheckoutSession struct {
	URL    string            `json:"url"`
	Fields map[string]string `json:"fields"`
}

// RefundRequest targets a previously captured payment.
type RefundRequest struct {
	TransactionID string          `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
	ReferenceID   string          `json:"reference_id"`
}

// RefundResponse is the processor's answer to a refund request. Body holds
// the raw response for attachment to the refund ledger entry.
type RefundResponse struct {
	State         string `json:"state"`
	TransactionID string `json:"transaction_id"`
	Body          []byte `json:"-"`
}

// States the processor reports for an accepted refund. Anything else short
// of a duplicate is a denial.
var refundSuccessStates = map[string]struct{}{
	"ACCEPTED": {},
	"PENDING":  {},
}

// Accepted reports whether the processor accepted the refund.
func (r *RefundResponse) Accepted() bool {
	_, ok := refundSuccessStates[r.State]
	return ok
}

// Gateway is the payment processor surface the order domain depends on.
type Gateway interface {
	// StartCheckout prepares a signed checkout session for the order.
	StartCheckout(ctx context.Context, order CheckoutOrder, callbacks CallbackURLs) (*CheckoutSession, error)
	// StartRefund issues the refund with the processor. It returns
	// ErrDuplicateRefund when the refund was already processed and
	// ErrRefundDenied when the processor rejects it.
	StartRefund(ctx context.Context, req *RefundRequest) (*RefundResponse, error)
}

// paymentData is the subset of the captured payment payload refunds need.
type paymentData struct {
	TransactionID string `json:"transaction_id"`
	ReferenceID   string `json:"reference_id"`
}

// CreateRefundRequest builds a refund request from the raw payment payload
// stored on the order's payment transaction. Returns ErrMissingTransactionID
// when the payload has no transaction id; no request should be sent then.
func CreateRefundRequest(payment []byte, amount decimal.Decimal) (*RefundRequest, error) {
	var data paymentData
	if err := json.Unmarshal(payment, &data); err != nil {
		return nil, errors.Wrap(err, "decode payment data")
	}
	if data.TransactionID == "" {
		return nil, ErrMissingTransactionID
	}
	return &RefundRequest{
		TransactionID: data.TransactionID,
		Amount:        amount,
		ReferenceID:   data.ReferenceID,
	}, nil
}
