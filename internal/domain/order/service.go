package order

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/openlearn/commerce/internal/domain/basket"
	"github.com/openlearn/commerce/internal/domain/catalog"
	"github.com/openlearn/commerce/internal/domain/discount"
	"github.com/openlearn/commerce/internal/events"
	"github.com/openlearn/commerce/internal/gateway"
)

// ErrDiscountNotUsable is returned when a discount exists but cannot be
// applied: outside its window, redemption limit reached, or wrong product.
var ErrDiscountNotUsable = errors.New("discount cannot be applied")

// Config wires the order service's collaborators.
type Config struct {
	Store     Store
	Catalog   catalog.Repository
	Baskets   basket.Repository
	Discounts discount.Repository
	Counter   discount.RedemptionCounter
	Gateway   gateway.Gateway
	Events    events.Publisher

	// ReferencePrefix and Environment form reference numbers:
	// {prefix}-{environment}-{orderID}.
	ReferencePrefix string
	Environment     string

	// KeepFailedEnrollments is carried on unenroll events: when set, the
	// worker deactivates the local enrollment even if the learning platform
	// call fails transiently.
	KeepFailedEnrollments bool

	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

// Service implements the order state machine operations.
type Service struct {
	store     Store
	catalog   catalog.Repository
	baskets   basket.Repository
	discounts discount.Repository
	counter   discount.RedemptionCounter
	gateway   gateway.Gateway
	events    events.Publisher

	refPrefix   string
	environment string
	keepFailed  bool
	now         func() time.Time
}

// NewService creates the order service.
func NewService(cfg Config) *Service {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:       cfg.Store,
		catalog:     cfg.Catalog,
		baskets:     cfg.Baskets,
		discounts:   cfg.Discounts,
		counter:     cfg.Counter,
		gateway:     cfg.Gateway,
		events:      cfg.Events,
		refPrefix:   cfg.ReferencePrefix,
		environment: cfg.Environment,
		keepFailed:  cfg.KeepFailedEnrollments,
		now:         now,
	}
}

func (s *Service) referenceNumber(orderID string) string {
	return fmt.Sprintf("%s-%s-%s", s.refPrefix, s.environment, orderID)
}

// OrderFromReference maps a processor reference number back to the order ID
// it was minted from.
func (s *Service) OrderFromReference(reference string) (string, error) {
	prefix := fmt.Sprintf("%s-%s-", s.refPrefix, s.environment)
	id := strings.TrimPrefix(reference, prefix)
	if id == reference || id == "" {
		return "", errors.Errorf("unrecognized reference number %q", reference)
	}
	return id, nil
}

// CreateFromBasket turns the purchaser's basket into a pending order. When a
// pending order whose product set exactly matches the basket already exists,
// it is reused: lines, total and redemptions are recomputed from the basket
// instead of stacking a second pending order.
func (s *Service) CreateFromBasket(ctx context.Context, purchaserID string) (*Order, error) {
	b, err := s.baskets.GetByUser(ctx, purchaserID)
	if err != nil {
		return nil, err
	}
	items, err := s.baskets.Items(ctx, b.ID)
	if err != nil {
		return nil, errors.Wrap(err, "load basket items")
	}
	items = basket.DedupeItems(items)
	if len(items) == 0 {
		return nil, basket.ErrEmptyBasket
	}

	applied, err := s.baskets.Discount(ctx, b.ID)
	if err != nil {
		return nil, errors.Wrap(err, "load basket discount")
	}
	var d *discount.Discount
	if applied != nil {
		if d, err = s.discounts.GetByID(ctx, applied.DiscountID); err != nil {
			return nil, errors.Wrap(err, "load applied discount")
		}
	}

	lines, total, err := s.priceLines(ctx, items, d)
	if err != nil {
		return nil, err
	}

	var out *Order
	err = s.store.Transact(ctx, func(ctx context.Context, tx Store) error {
		pending, err := tx.PendingForPurchaser(ctx, purchaserID)
		if err != nil {
			return errors.Wrap(err, "load pending orders")
		}

		var reuse *Order
		for i := range pending {
			if sameProductSet(pending[i].Lines, items) {
				reuse = &pending[i]
				break
			}
		}

		if reuse == nil {
			reuse = &Order{
				ID:             uuid.NewString(),
				PurchaserID:    purchaserID,
				State:          StatusPending,
				TotalPricePaid: total,
				CreatedAt:      s.now(),
			}
			reuse.ReferenceNumber = s.referenceNumber(reuse.ID)
			if err := tx.CreateOrder(ctx, reuse); err != nil {
				return errors.Wrap(err, "create order")
			}
		} else {
			// Orders minted before reference numbers existed get one here.
			if reuse.ReferenceNumber == "" {
				reuse.ReferenceNumber = s.referenceNumber(reuse.ID)
				if err := tx.SetReferenceNumber(ctx, reuse.ID, reuse.ReferenceNumber); err != nil {
					return errors.Wrap(err, "backfill reference number")
				}
			}
			// Stale redemptions must not survive a basket change.
			if err := tx.ClearRedemptions(ctx, reuse.ID); err != nil {
				return errors.Wrap(err, "clear redemptions")
			}
			if err := tx.SetTotalPrice(ctx, reuse.ID, total); err != nil {
				return errors.Wrap(err, "update total")
			}
			reuse.TotalPricePaid = total
		}

		for i := range lines {
			lines[i].OrderID = reuse.ID
		}
		if err := tx.ReplaceLines(ctx, reuse.ID, lines); err != nil {
			return errors.Wrap(err, "replace lines")
		}
		reuse.Lines = lines

		if applied != nil {
			if _, err := tx.CreateRedemption(ctx, &Redemption{
				ID:           uuid.NewString(),
				OrderID:      reuse.ID,
				DiscountID:   applied.DiscountID,
				RedeemedBy:   purchaserID,
				RedeemedDate: s.now(),
			}); err != nil {
				return errors.Wrap(err, "record redemption")
			}
		}

		out = reuse
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CreateFromProduct creates a pending single-product order without touching
// the purchaser's basket. No discount applies.
func (s *Service) CreateFromProduct(ctx context.Context, purchaserID, productID string) (*Order, error) {
	items := []basket.Item{{ProductID: productID, Quantity: 1}}
	lines, total, err := s.priceLines(ctx, items, nil)
	if err != nil {
		return nil, err
	}

	o := &Order{
		ID:             uuid.NewString(),
		PurchaserID:    purchaserID,
		State:          StatusPending,
		TotalPricePaid: total,
		CreatedAt:      s.now(),
	}
	o.ReferenceNumber = s.referenceNumber(o.ID)

	err = s.store.Transact(ctx, func(ctx context.Context, tx Store) error {
		if err := tx.CreateOrder(ctx, o); err != nil {
			return errors.Wrap(err, "create order")
		}
		for i := range lines {
			lines[i].OrderID = o.ID
		}
		if err := tx.ReplaceLines(ctx, o.ID, lines); err != nil {
			return errors.Wrap(err, "replace lines")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.Lines = lines
	return o, nil
}

// priceLines resolves products into version-pinned lines with per-line
// discounted prices and the resulting order total.
func (s *Service) priceLines(ctx context.Context, items []basket.Item, d *discount.Discount) ([]Line, decimal.Decimal, error) {
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ProductID
	}
	products, err := s.catalog.GetByIDs(ctx, ids)
	if err != nil {
		return nil, decimal.Zero, errors.Wrap(err, "load products")
	}
	byID := make(map[string]*catalog.Product, len(products))
	for i := range products {
		byID[products[i].ID] = &products[i]
	}

	now := s.now()
	total := decimal.Zero
	lines := make([]Line, 0, len(items))
	for _, item := range items {
		p, ok := byID[item.ProductID]
		if !ok {
			return nil, decimal.Zero, &ProductNotFoundError{ProductID: item.ProductID}
		}

		version, err := s.catalog.CurrentVersion(ctx, p.ID)
		if err != nil {
			return nil, decimal.Zero, errors.Wrapf(err, "snapshot product %s", p.ID)
		}

		price := version.Price
		if d != nil && d.AppliesTo(p.ID) && d.WithinWindow(now) {
			price = d.DiscountedPrice(version.Price)
		}

		line := Line{
			ID:               uuid.NewString(),
			ProductVersionID: version.ID,
			ProductID:        p.ID,
			Purchasable:      version.Purchasable,
			Quantity:         item.Quantity,
			UnitPrice:        version.Price,
			DiscountedPrice:  price,
		}
		lines = append(lines, line)
		total = total.Add(line.Total())
	}
	return lines, total, nil
}

// sameProductSet reports whether the order lines and basket items reference
// exactly the same distinct products. Quantities are intentionally ignored;
// a quantity change still reuses the pending order.
func sameProductSet(lines []Line, items []basket.Item) bool {
	if len(lines) != len(items) {
		return false
	}
	set := make(map[string]struct{}, len(lines))
	for _, l := range lines {
		set[l.ProductID] = struct{}{}
	}
	for _, item := range items {
		if _, ok := set[item.ProductID]; !ok {
			return false
		}
	}
	return true
}

// paymentPayload is the subset of the gateway payload fulfillment inspects.
type paymentPayload struct {
	TransactionID string `json:"transaction_id"`
}

// Fulfill transitions a pending or in-review order to fulfilled, recording
// the gateway payment in the ledger. Payment data without a transaction id is
// rejected before anything is written. Side effects (enrollment, receipt
// email, CRM sync) are published after the transaction commits; the matching
// basket is deleted only when it still mirrors the order.
func (s *Service) Fulfill(ctx context.Context, orderID string, payment []byte) error {
	var data paymentPayload
	if err := json.Unmarshal(payment, &data); err != nil {
		return errors.Wrap(err, "decode payment data")
	}
	if data.TransactionID == "" {
		return ErrMissingTransactionID
	}

	var fulfilled *Order
	err := s.store.Transact(ctx, func(ctx context.Context, tx Store) error {
		o, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if o.State != StatusPending && o.State != StatusReview {
			return &InvalidTransitionError{From: o.State, To: StatusFulfilled}
		}

		if err := tx.AppendTransaction(ctx, &Transaction{
			ID:        uuid.NewString(),
			OrderID:   o.ID,
			Amount:    o.TotalPricePaid,
			Type:      TransactionTypePayment,
			Data:      payment,
			CreatedAt: s.now(),
		}); err != nil {
			return errors.Wrap(err, "append payment transaction")
		}
		if err := tx.SetState(ctx, o.ID, StatusFulfilled); err != nil {
			return errors.Wrap(err, "set state")
		}
		o.State = StatusFulfilled
		fulfilled = o
		return nil
	})
	if err != nil {
		return err
	}

	s.publishFulfilled(ctx, fulfilled)
	s.cleanupBasket(ctx, fulfilled)
	return nil
}

func (s *Service) publishFulfilled(ctx context.Context, o *Order) {
	runs := make([]events.PurchasedRun, 0, len(o.Lines))
	for _, l := range o.Lines {
		runs = append(runs, events.PurchasedRun{
			Kind:       string(l.Purchasable.Kind),
			ID:         l.Purchasable.ID,
			ReadableID: l.Purchasable.ReadableID,
			Title:      l.Purchasable.Title,
		})
	}
	err := s.events.PublishOrderFulfilled(ctx, events.OrderFulfilled{
		OrderID:         o.ID,
		ReferenceNumber: o.ReferenceNumber,
		PurchaserID:     o.PurchaserID,
		TotalPricePaid:  o.TotalPricePaid.StringFixed(2),
		Runs:            runs,
	})
	if err != nil {
		// The order is already fulfilled; the event can be replayed.
		zctx.From(ctx).Error("Publish order fulfilled",
			zap.String("order_id", o.ID), zap.Error(err))
	}
}

// cleanupBasket deletes the purchaser's basket after fulfillment, but only
// when the basket still mirrors the order. A basket the user edited between
// checkout and payment survives.
func (s *Service) cleanupBasket(ctx context.Context, o *Order) {
	lg := zctx.From(ctx).With(zap.String("order_id", o.ID))

	b, err := s.baskets.GetByUser(ctx, o.PurchaserID)
	if err != nil {
		if !errors.Is(err, basket.ErrNotFound) {
			lg.Warn("Load basket for cleanup", zap.Error(err))
		}
		return
	}
	items, err := s.baskets.Items(ctx, b.ID)
	if err != nil {
		lg.Warn("Load basket items for cleanup", zap.Error(err))
		return
	}
	applied, err := s.baskets.Discount(ctx, b.ID)
	if err != nil {
		lg.Warn("Load basket discount for cleanup", zap.Error(err))
		return
	}
	redemptions, err := s.store.Redemptions(ctx, o.ID)
	if err != nil {
		lg.Warn("Load redemptions for cleanup", zap.Error(err))
		return
	}
	orderDiscountID := ""
	if len(redemptions) > 0 {
		orderDiscountID = redemptions[0].DiscountID
	}

	summaries := make([]basket.LineSummary, 0, len(o.Lines))
	for _, l := range o.Lines {
		summaries = append(summaries, basket.LineSummary{ProductID: l.ProductID, Quantity: l.Quantity})
	}
	if !basket.Matches(items, applied, summaries, orderDiscountID) {
		return
	}
	if err := s.baskets.Delete(ctx, b.ID); err != nil {
		lg.Warn("Delete basket after fulfillment", zap.Error(err))
	}
}

// Cancel marks a pending order canceled (purchaser abandoned checkout).
func (s *Service) Cancel(ctx context.Context, orderID string) error {
	return s.transitionFromPending(ctx, orderID, StatusCanceled)
}

// Decline marks a pending order declined by the processor.
func (s *Service) Decline(ctx context.Context, orderID string) error {
	return s.transitionFromPending(ctx, orderID, StatusDeclined)
}

// MarkErrored marks a pending order errored after a processor failure.
func (s *Service) MarkErrored(ctx context.Context, orderID string) error {
	return s.transitionFromPending(ctx, orderID, StatusErrored)
}

// FlagForReview holds a pending order for manual review, attaching the
// gateway decision payload to the ledger.
func (s *Service) FlagForReview(ctx context.Context, orderID string, payment []byte) error {
	return s.store.Transact(ctx, func(ctx context.Context, tx Store) error {
		o, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if o.State != StatusPending {
			return &InvalidTransitionError{From: o.State, To: StatusReview}
		}
		if err := tx.AppendTransaction(ctx, &Transaction{
			ID:        uuid.NewString(),
			OrderID:   o.ID,
			Amount:    decimal.Zero,
			Type:      TransactionTypePayment,
			Reason:    "held for review",
			Data:      payment,
			CreatedAt: s.now(),
		}); err != nil {
			return errors.Wrap(err, "append review transaction")
		}
		return tx.SetState(ctx, o.ID, StatusReview)
	})
}

func (s *Service) transitionFromPending(ctx context.Context, orderID string, to Status) error {
	return s.store.Transact(ctx, func(ctx context.Context, tx Store) error {
		o, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if o.State != StatusPending {
			return &InvalidTransitionError{From: o.State, To: to}
		}
		return tx.SetState(ctx, o.ID, to)
	})
}

// GetOrder returns the order with its lines.
func (s *Service) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	return s.store.GetOrder(ctx, orderID)
}

// History returns the purchaser's fulfilled and refunded orders, newest
// first.
func (s *Service) History(ctx context.Context, purchaserID string) ([]Order, error) {
	return s.store.ListForPurchaser(ctx, purchaserID, []Status{
		StatusFulfilled, StatusRefunded, StatusPartiallyRefunded,
	})
}

// ApplyDiscountCode attaches the coded discount to the user's basket,
// replacing any discount already there. The code must exist, be inside its
// window, apply to at least one basket product, and have redemptions left.
func (s *Service) ApplyDiscountCode(ctx context.Context, userID, code string) (*basket.AppliedDiscount, error) {
	d, err := s.discounts.GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	b, err := s.baskets.Establish(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := s.checkUsable(ctx, d, b.ID, userID); err != nil {
		return nil, err
	}

	if err := s.baskets.RemoveDiscount(ctx, b.ID); err != nil {
		return nil, errors.Wrap(err, "remove previous discount")
	}
	applied := &basket.AppliedDiscount{
		ID:           uuid.NewString(),
		BasketID:     b.ID,
		DiscountID:   d.ID,
		RedeemedBy:   userID,
		RedeemedDate: s.now(),
	}
	if err := s.baskets.ApplyDiscount(ctx, applied); err != nil {
		return nil, errors.Wrap(err, "apply discount")
	}
	return applied, nil
}

// ApplyUserDiscounts attaches the user's first ad-hoc discount grant to
// their basket, if the basket has no discount yet. A no-op otherwise.
func (s *Service) ApplyUserDiscounts(ctx context.Context, userID string) error {
	b, err := s.baskets.Establish(ctx, userID)
	if err != nil {
		return err
	}
	existing, err := s.baskets.Discount(ctx, b.ID)
	if err != nil {
		return errors.Wrap(err, "load basket discount")
	}
	if existing != nil {
		return nil
	}

	grant, err := s.discounts.FirstUserDiscount(ctx, userID)
	if err != nil {
		return errors.Wrap(err, "load user discounts")
	}
	if grant == nil {
		return nil
	}
	d, err := s.discounts.GetByID(ctx, grant.DiscountID)
	if err != nil {
		return errors.Wrap(err, "load granted discount")
	}
	if err := s.checkUsable(ctx, d, b.ID, userID); err != nil {
		if errors.Is(err, ErrDiscountNotUsable) {
			return nil
		}
		return err
	}

	return s.baskets.ApplyDiscount(ctx, &basket.AppliedDiscount{
		ID:           uuid.NewString(),
		BasketID:     b.ID,
		DiscountID:   d.ID,
		RedeemedBy:   userID,
		RedeemedDate: s.now(),
	})
}

// checkUsable verifies window, product restriction against the basket's
// contents, and redemption limits.
func (s *Service) checkUsable(ctx context.Context, d *discount.Discount, basketID, userID string) error {
	if !d.WithinWindow(s.now()) {
		return errors.Wrap(ErrDiscountNotUsable, "outside validity window")
	}

	if len(d.ProductIDs) > 0 {
		items, err := s.baskets.Items(ctx, basketID)
		if err != nil {
			return errors.Wrap(err, "load basket items")
		}
		applies := false
		for _, item := range items {
			if d.AppliesTo(item.ProductID) {
				applies = true
				break
			}
		}
		if !applies {
			return errors.Wrap(ErrDiscountNotUsable, "no eligible product in basket")
		}
	}

	ok, err := discount.CheckValidity(ctx, d, s.counter, userID)
	if err != nil {
		return errors.Wrap(err, "check redemption limit")
	}
	if !ok {
		return errors.Wrap(ErrDiscountNotUsable, "redemption limit reached")
	}
	return nil
}
