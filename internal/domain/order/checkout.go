package order

import (
	"context"
	"encoding/json"

	"github.com/go-faster/errors"

	"github.com/openlearn/commerce/internal/gateway"
)

// CheckoutResult is the outcome of starting checkout: either a hosted
// payment session the purchaser must complete, or an order fulfilled
// immediately because nothing was owed.
type CheckoutResult struct {
	Order             *Order
	Session           *gateway.CheckoutSession
	NoPaymentRequired bool
}

// Checkout creates (or reuses) the pending order for the purchaser's basket
// and prepares the payment session. A zero-total order skips the processor
// and fulfills on the spot.
func (s *Service) Checkout(ctx context.Context, purchaserID, ipAddress string, callbacks gateway.CallbackURLs) (*CheckoutResult, error) {
	o, err := s.CreateFromBasket(ctx, purchaserID)
	if err != nil {
		return nil, err
	}

	if o.TotalPricePaid.IsZero() {
		payment, err := json.Marshal(map[string]string{
			"transaction_id": "zero-value-" + o.ID,
			"reason":         "No payment required",
		})
		if err != nil {
			return nil, errors.Wrap(err, "encode zero-value payment")
		}
		if err := s.Fulfill(ctx, o.ID, payment); err != nil {
			return nil, errors.Wrap(err, "fulfill zero-value order")
		}
		o.State = StatusFulfilled
		return &CheckoutResult{Order: o, NoPaymentRequired: true}, nil
	}

	items := make([]gateway.LineItem, 0, len(o.Lines))
	for _, l := range o.Lines {
		items = append(items, gateway.LineItem{
			SKU:       l.ProductID,
			Name:      l.Purchasable.Title,
			Quantity:  l.Quantity,
			UnitPrice: l.DiscountedPrice,
		})
	}
	session, err := s.gateway.StartCheckout(ctx, gateway.CheckoutOrder{
		ReferenceNumber: o.ReferenceNumber,
		Username:        o.PurchaserID,
		IPAddress:       ipAddress,
		Total:           o.TotalPricePaid,
		Items:           items,
	}, callbacks)
	if err != nil {
		return nil, errors.Wrap(err, "start checkout")
	}

	return &CheckoutResult{Order: o, Session: session}, nil
}
