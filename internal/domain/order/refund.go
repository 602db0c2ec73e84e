package order

import (
	"context"
	"encoding/json"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/openlearn/commerce/internal/domain/catalog"
	"github.com/openlearn/commerce/internal/events"
	"github.com/openlearn/commerce/internal/gateway"
)

// errDuplicateRefund aborts the refund transaction without treating the
// outcome as a failure. Never escapes RefundOrder.
var errDuplicateRefund = errors.New("refund already processed by gateway")

// Refund records a gateway-confirmed refund on the order: used when the
// processor notifies us of a refund it already executed. The response payload
// must carry the gateway transaction id; otherwise nothing is written. The
// order moves to refunded once cumulative refunds reach the total, to
// partially refunded before that.
func (s *Service) Refund(ctx context.Context, orderID string, response []byte, amount decimal.Decimal, reason string, unenroll bool) error {
	var data paymentPayload
	if err := json.Unmarshal(response, &data); err != nil {
		return errors.Wrap(err, "decode refund response")
	}
	if data.TransactionID == "" {
		return ErrMissingTransactionID
	}

	var refunded *Order
	err := s.store.Transact(ctx, func(ctx context.Context, tx Store) error {
		o, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if err := s.applyRefund(ctx, tx, o, uuid.NewString(), response, amount, reason); err != nil {
			return err
		}
		refunded = o
		return nil
	})
	if err != nil {
		return err
	}

	if unenroll {
		s.publishUnenroll(ctx, refunded)
	}
	return nil
}

// RefundOrder orchestrates a staff-initiated refund: it locks the order,
// issues the refund with the payment processor, and records it locally, all
// inside one database transaction. A processor denial rolls everything back.
// A processor duplicate-refund signal is success with no local change. The
// unenrollment event, when requested, is published only after commit.
//
// The returned bool reports whether the order ends refunded (including the
// duplicate case).
func (s *Service) RefundOrder(ctx context.Context, orderID string, amount *decimal.Decimal, reason string, unenroll bool) (bool, error) {
	var refunded *Order
	err := s.store.Transact(ctx, func(ctx context.Context, tx Store) error {
		o, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if o.State != StatusFulfilled && o.State != StatusPartiallyRefunded {
			return errors.Wrapf(ErrNotRefundable, "state %s", o.State)
		}

		payment, err := latestPayment(ctx, tx, o.ID)
		if err != nil {
			return err
		}

		refundAmount := payment.Amount
		if amount != nil {
			refundAmount = *amount
		}

		req, err := gateway.CreateRefundRequest(payment.Data, refundAmount)
		if err != nil {
			return err
		}
		req.ReferenceID = o.ReferenceNumber

		refundTxID := uuid.NewString()
		if err := s.applyRefund(ctx, tx, o, refundTxID, nil, refundAmount, reason); err != nil {
			return err
		}

		resp, err := s.gateway.StartRefund(ctx, req)
		switch {
		case errors.Is(err, gateway.ErrDuplicateRefund):
			// Roll the local refund back; the processor already holds one.
			return errDuplicateRefund
		case err != nil:
			return errors.Wrap(err, "start refund")
		}

		if err := tx.SetTransactionData(ctx, refundTxID, resp.Body); err != nil {
			return errors.Wrap(err, "attach gateway response")
		}
		refunded = o
		return nil
	})

	switch {
	case errors.Is(err, errDuplicateRefund):
		zctx.From(ctx).Info("Refund already processed by gateway",
			zap.String("order_id", orderID))
		return true, nil
	case err != nil:
		return false, err
	}

	if unenroll {
		s.publishUnenroll(ctx, refunded)
	}
	return true, nil
}

// applyRefund appends the refund ledger entry and advances the order state.
// Must run inside a transaction holding the order's row lock.
func (s *Service) applyRefund(ctx context.Context, tx Store, o *Order, txID string, data []byte, amount decimal.Decimal, reason string) error {
	if o.State != StatusFulfilled && o.State != StatusPartiallyRefunded {
		return errors.Wrapf(ErrNotRefundable, "state %s", o.State)
	}

	txns, err := tx.Transactions(ctx, o.ID)
	if err != nil {
		return errors.Wrap(err, "load transactions")
	}
	refundedSoFar := decimal.Zero
	for _, t := range txns {
		if t.Type == TransactionTypeRefund {
			refundedSoFar = refundedSoFar.Add(t.Amount)
		}
	}

	if err := tx.AppendTransaction(ctx, &Transaction{
		ID:        txID,
		OrderID:   o.ID,
		Amount:    amount,
		Type:      TransactionTypeRefund,
		Reason:    reason,
		Data:      data,
		CreatedAt: s.now(),
	}); err != nil {
		return errors.Wrap(err, "append refund transaction")
	}

	state := StatusPartiallyRefunded
	if refundedSoFar.Add(amount).GreaterThanOrEqual(o.TotalPricePaid) {
		state = StatusRefunded
	}
	if err := tx.SetState(ctx, o.ID, state); err != nil {
		return errors.Wrap(err, "set state")
	}
	o.State = state
	return nil
}

// latestPayment returns the most recent payment transaction on the order.
func latestPayment(ctx context.Context, tx Store, orderID string) (*Transaction, error) {
	txns, err := tx.Transactions(ctx, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "load transactions")
	}
	var payment *Transaction
	for i := range txns {
		if txns[i].Type != TransactionTypePayment {
			continue
		}
		if payment == nil || txns[i].CreatedAt.After(payment.CreatedAt) {
			payment = &txns[i]
		}
	}
	if payment == nil {
		return nil, ErrNoPaymentTransaction
	}
	return payment, nil
}

func (s *Service) publishUnenroll(ctx context.Context, o *Order) {
	runIDs := make([]string, 0, len(o.Lines))
	for _, l := range o.Lines {
		if l.Purchasable.Kind == catalog.KindCourseRun {
			runIDs = append(runIDs, l.Purchasable.ID)
		}
	}
	err := s.events.PublishUnenrollRequested(ctx, events.UnenrollRequested{
		OrderID:     o.ID,
		PurchaserID: o.PurchaserID,
		RunIDs:      runIDs,
		KeepFailed:  s.keepFailed,
	})
	if err != nil {
		zctx.From(ctx).Error("Publish unenroll request",
			zap.String("order_id", o.ID), zap.Error(err))
	}
}
