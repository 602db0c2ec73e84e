package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/openlearn/commerce/internal/domain/catalog"
	"github.com/openlearn/commerce/internal/domain/order"
)

const (
	orderColumns = `id, COALESCE(reference_number, ''), purchaser_id, state, total_price_paid,
		created_at, updated_at`

	getOrderSQL = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	getOrderForUpdateSQL = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1 FOR UPDATE`

	listOrdersByStateSQL = `SELECT ` + orderColumns + ` FROM orders
		WHERE purchaser_id = $1 AND state = ANY($2) ORDER BY created_at DESC`

	createOrderSQL = `INSERT INTO orders (id, reference_number, purchaser_id, state, total_price_paid)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5)`

	deleteOrderLinesSQL = `DELETE FROM order_lines WHERE order_id = $1`

	createOrderLineSQL = `INSERT INTO order_lines
		(id, order_id, product_version_id, product_id, purchasable_kind, purchasable_id,
		 quantity, unit_price, discounted_price)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	listOrderLinesSQL = `SELECT l.id, l.order_id, l.product_version_id, l.product_id,
		l.purchasable_kind, l.purchasable_id, v.readable_id, v.title,
		l.quantity, l.unit_price, l.discounted_price
		FROM order_lines l
		JOIN product_versions v ON v.id = l.product_version_id
		WHERE l.order_id = $1`

	setTotalPriceSQL = `UPDATE orders SET total_price_paid = $2, updated_at = now() WHERE id = $1`

	setStateSQL = `UPDATE orders SET state = $2, updated_at = now() WHERE id = $1`

	setReferenceNumberSQL = `UPDATE orders SET reference_number = $2, updated_at = now() WHERE id = $1`

	listRedemptionsSQL = `SELECT id, order_id, discount_id, redeemed_by, redemption_date
		FROM discount_redemptions WHERE order_id = $1`

	clearRedemptionsSQL = `DELETE FROM discount_redemptions WHERE order_id = $1`

	createRedemptionSQL = `INSERT INTO discount_redemptions
		(id, order_id, discount_id, redeemed_by, redemption_date)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (order_id) DO NOTHING`

	listTransactionsSQL = `SELECT id, order_id, amount, transaction_type, reason, data, created_at
		FROM order_transactions WHERE order_id = $1 ORDER BY created_at`

	appendTransactionSQL = `INSERT INTO order_transactions
		(id, order_id, amount, transaction_type, reason, data)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6::jsonb, '{}'::jsonb))`

	setTransactionDataSQL = `UPDATE order_transactions SET data = $2 WHERE id = $1`
)

var _ order.Store = (*OrderStore)(nil)

// OrderStore implements order.Store backed by PostgreSQL. A store obtained
// through Transact shares one database transaction; row locks taken with
// GetOrderForUpdate hold until that transaction ends.
type OrderStore struct {
	pool *pgxpool.Pool
	tx   pgx.Tx
}

// NewOrderStore returns an OrderStore that uses the given pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

func (s *OrderStore) db() querier {
	if s.tx != nil {
		return s.tx
	}
	return s.pool
}

// Transact runs fn inside a database transaction. Any error from fn rolls
// everything back. Nested calls reuse the ambient transaction.
func (s *OrderStore) Transact(ctx context.Context, fn func(ctx context.Context, tx order.Store) error) error {
	if s.tx != nil {
		return fn(ctx, s)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, &OrderStore{pool: s.pool, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// GetOrder returns the order with its lines.
func (s *OrderStore) GetOrder(ctx context.Context, id string) (*order.Order, error) {
	return s.getOrder(ctx, getOrderSQL, id)
}

// GetOrderForUpdate returns the order with its lines, locking the order row
// for the remainder of the ambient transaction.
func (s *OrderStore) GetOrderForUpdate(ctx context.Context, id string) (*order.Order, error) {
	return s.getOrder(ctx, getOrderForUpdateSQL, id)
}

func (s *OrderStore) getOrder(ctx context.Context, sql, id string) (*order.Order, error) {
	rows, err := s.db().Query(ctx, sql, id)
	if err != nil {
		return nil, fmt.Errorf("getting order %q: %w", id, err)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("getting order %q: %w", id, err)
	}
	if o.Lines, err = s.lines(ctx, o.ID); err != nil {
		return nil, err
	}
	return &o, nil
}

// PendingForPurchaser returns the purchaser's pending orders with lines.
func (s *OrderStore) PendingForPurchaser(ctx context.Context, purchaserID string) ([]order.Order, error) {
	return s.ListForPurchaser(ctx, purchaserID, []order.Status{order.StatusPending})
}

// ListForPurchaser returns the purchaser's orders in any of the given
// states, newest first, with lines.
func (s *OrderStore) ListForPurchaser(ctx context.Context, purchaserID string, states []order.Status) ([]order.Order, error) {
	stateArgs := make([]string, len(states))
	for i, st := range states {
		stateArgs[i] = string(st)
	}

	rows, err := s.db().Query(ctx, listOrdersByStateSQL, purchaserID, stateArgs)
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	orders, err := pgx.CollectRows(rows, scanOrder)
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	for i := range orders {
		if orders[i].Lines, err = s.lines(ctx, orders[i].ID); err != nil {
			return nil, err
		}
	}
	return orders, nil
}

// CreateOrder persists the order row; lines go through ReplaceLines.
func (s *OrderStore) CreateOrder(ctx context.Context, o *order.Order) error {
	_, err := s.db().Exec(ctx, createOrderSQL,
		o.ID, o.ReferenceNumber, o.PurchaserID, string(o.State), o.TotalPricePaid,
	)
	if err != nil {
		return fmt.Errorf("creating order: %w", err)
	}
	return nil
}

// ReplaceLines replaces the order's lines wholesale.
func (s *OrderStore) ReplaceLines(ctx context.Context, orderID string, lines []order.Line) error {
	if _, err := s.db().Exec(ctx, deleteOrderLinesSQL, orderID); err != nil {
		return fmt.Errorf("deleting order lines: %w", err)
	}
	for _, l := range lines {
		_, err := s.db().Exec(ctx, createOrderLineSQL,
			l.ID, orderID, l.ProductVersionID, l.ProductID,
			string(l.Purchasable.Kind), l.Purchasable.ID,
			l.Quantity, l.UnitPrice, l.DiscountedPrice,
		)
		if err != nil {
			return fmt.Errorf("creating order line: %w", err)
		}
	}
	return nil
}

func (s *OrderStore) lines(ctx context.Context, orderID string) ([]order.Line, error) {
	rows, err := s.db().Query(ctx, listOrderLinesSQL, orderID)
	if err != nil {
		return nil, fmt.Errorf("listing order lines: %w", err)
	}
	return pgx.CollectRows(rows, scanLine)
}

// SetTotalPrice updates the order total.
func (s *OrderStore) SetTotalPrice(ctx context.Context, orderID string, total decimal.Decimal) error {
	_, err := s.db().Exec(ctx, setTotalPriceSQL, orderID, total)
	if err != nil {
		return fmt.Errorf("setting order total: %w", err)
	}
	return nil
}

// SetState updates the order state.
func (s *OrderStore) SetState(ctx context.Context, orderID string, state order.Status) error {
	_, err := s.db().Exec(ctx, setStateSQL, orderID, string(state))
	if err != nil {
		return fmt.Errorf("setting order state: %w", err)
	}
	return nil
}

// SetReferenceNumber backfills the order's reference number.
func (s *OrderStore) SetReferenceNumber(ctx context.Context, orderID, reference string) error {
	_, err := s.db().Exec(ctx, setReferenceNumberSQL, orderID, reference)
	if err != nil {
		return fmt.Errorf("setting reference number: %w", err)
	}
	return nil
}

// Redemptions returns the order's redemptions (at most one).
func (s *OrderStore) Redemptions(ctx context.Context, orderID string) ([]order.Redemption, error) {
	rows, err := s.db().Query(ctx, listRedemptionsSQL, orderID)
	if err != nil {
		return nil, fmt.Errorf("listing redemptions: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (order.Redemption, error) {
		var red order.Redemption
		err := row.Scan(&red.ID, &red.OrderID, &red.DiscountID, &red.RedeemedBy, &red.RedeemedDate)
		return red, err
	})
}

// ClearRedemptions removes the order's redemptions.
func (s *OrderStore) ClearRedemptions(ctx context.Context, orderID string) error {
	_, err := s.db().Exec(ctx, clearRedemptionsSQL, orderID)
	if err != nil {
		return fmt.Errorf("clearing redemptions: %w", err)
	}
	return nil
}

// CreateRedemption records the redemption. The unique constraint on the
// order makes repeated carry-over idempotent; the surviving row is returned.
func (s *OrderStore) CreateRedemption(ctx context.Context, red *order.Redemption) (*order.Redemption, error) {
	_, err := s.db().Exec(ctx, createRedemptionSQL,
		red.ID, red.OrderID, red.DiscountID, red.RedeemedBy, red.RedeemedDate,
	)
	if err != nil {
		return nil, fmt.Errorf("creating redemption: %w", err)
	}

	existing, err := s.Redemptions(ctx, red.OrderID)
	if err != nil {
		return nil, err
	}
	if len(existing) == 0 {
		return nil, errors.New("redemption vanished after insert")
	}
	return &existing[0], nil
}

// Transactions returns the order's ledger entries, oldest first.
func (s *OrderStore) Transactions(ctx context.Context, orderID string) ([]order.Transaction, error) {
	rows, err := s.db().Query(ctx, listTransactionsSQL, orderID)
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}
	return pgx.CollectRows(rows, scanTransaction)
}

// AppendTransaction writes one ledger entry.
func (s *OrderStore) AppendTransaction(ctx context.Context, t *order.Transaction) error {
	_, err := s.db().Exec(ctx, appendTransactionSQL,
		t.ID, t.OrderID, t.Amount, string(t.Type), t.Reason, t.Data,
	)
	if err != nil {
		return fmt.Errorf("appending transaction: %w", err)
	}
	return nil
}

// SetTransactionData attaches the late-arriving gateway payload to a ledger
// entry this transaction produced.
func (s *OrderStore) SetTransactionData(ctx context.Context, transactionID string, data []byte) error {
	_, err := s.db().Exec(ctx, setTransactionDataSQL, transactionID, data)
	if err != nil {
		return fmt.Errorf("setting transaction data: %w", err)
	}
	return nil
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o     order.Order
		state string
		total decimal.Decimal
	)
	err := row.Scan(
		&o.ID, &o.ReferenceNumber, &o.PurchaserID, &state, &total,
		&o.CreatedAt, &o.UpdatedAt,
	)
	o.State = order.Status(state)
	o.TotalPricePaid = total
	return o, err
}

func scanLine(row pgx.CollectableRow) (order.Line, error) {
	var (
		l                order.Line
		kind             string
		unit, discounted decimal.Decimal
	)
	err := row.Scan(
		&l.ID, &l.OrderID, &l.ProductVersionID, &l.ProductID,
		&kind, &l.Purchasable.ID, &l.Purchasable.ReadableID, &l.Purchasable.Title,
		&l.Quantity, &unit, &discounted,
	)
	l.Purchasable.Kind = catalog.PurchasableKind(kind)
	l.UnitPrice = unit
	l.DiscountedPrice = discounted
	return l, err
}

func scanTransaction(row pgx.CollectableRow) (order.Transaction, error) {
	var (
		t      order.Transaction
		txType string
		amount decimal.Decimal
	)
	err := row.Scan(&t.ID, &t.OrderID, &amount, &txType, &t.Reason, &t.Data, &t.CreatedAt)
	t.Type = order.TransactionType(txType)
	t.Amount = amount
	return t, err
}
