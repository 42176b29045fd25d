package db

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/gitshopapp/ordercore/internal/models"
)

const orderColumns = `
	id, order_number, user_id, status, payment_status, subtotal_cents,
	shipping_cents, total_cents, currency, shipping_method, shipping_info,
	customer_email, stripe_session_id, payment_reference, refund_id,
	admin_comment, recovered, cancel_reason, created_at, updated_at`

type orderRow struct {
	ID               int64
	OrderNumber      string
	UserID           pgtype.Int8
	Status           string
	PaymentStatus    string
	SubtotalCents    int64
	ShippingCents    int64
	TotalCents       int64
	Currency         string
	ShippingMethod   string
	ShippingInfo     []byte
	CustomerEmail    string
	StripeSessionID  pgtype.Text
	PaymentReference pgtype.Text
	RefundID         pgtype.Text
	AdminComment     string
	Recovered        bool
	CancelReason     string
	CreatedAt        pgtype.Timestamptz
	UpdatedAt        pgtype.Timestamptz
}

func scanOrder(row pgx.Row) (*models.Order, error) {
	var r orderRow
	err := row.Scan(
		&r.ID,
		&r.OrderNumber,
		&r.UserID,
		&r.Status,
		&r.PaymentStatus,
		&r.SubtotalCents,
		&r.ShippingCents,
		&r.TotalCents,
		&r.Currency,
		&r.ShippingMethod,
		&r.ShippingInfo,
		&r.CustomerEmail,
		&r.StripeSessionID,
		&r.PaymentReference,
		&r.RefundID,
		&r.AdminComment,
		&r.Recovered,
		&r.CancelReason,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return rowToOrder(r)
}

func rowToOrder(row orderRow) (*models.Order, error) {
	order := &models.Order{
		ID:             row.ID,
		OrderNumber:    row.OrderNumber,
		Status:         models.OrderStatus(row.Status),
		PaymentStatus:  models.PaymentStatus(row.PaymentStatus),
		SubtotalCents:  row.SubtotalCents,
		ShippingCents:  row.ShippingCents,
		TotalCents:     row.TotalCents,
		Currency:       row.Currency,
		ShippingMethod: models.ShippingMethod(row.ShippingMethod),
		CustomerEmail:  row.CustomerEmail,
		AdminComment:   row.AdminComment,
		Recovered:      row.Recovered,
		CancelReason:   models.CancelReason(row.CancelReason),
		CreatedAt:      row.CreatedAt.Time,
		UpdatedAt:      row.UpdatedAt.Time,
	}

	if row.UserID.Valid {
		userID := row.UserID.Int64
		order.UserID = &userID
	}
	if row.StripeSessionID.Valid {
		order.StripeSessionID = row.StripeSessionID.String
	}
	if row.PaymentReference.Valid {
		order.PaymentReference = row.PaymentReference.String
	}
	if row.RefundID.Valid {
		order.RefundID = row.RefundID.String
	}

	if row.ShippingInfo != nil {
		if err := json.Unmarshal(row.ShippingInfo, &order.ShippingInfo); err != nil {
			return nil, fmt.Errorf("failed to decode shipping info for order %d: %w", row.ID, err)
		}
	}

	return order, nil
}

func (t *pgTx) InsertOrder(ctx context.Context, order *models.Order) error {
	shippingInfoJSON, err := marshalNullableJSON(order.ShippingInfo)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO orders (
			order_number, user_id, status, payment_status, subtotal_cents,
			shipping_cents, total_cents, currency, shipping_method, shipping_info,
			customer_email, stripe_session_id, payment_reference, refund_id,
			admin_comment, recovered, cancel_reason
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING id, created_at, updated_at
	`
	return t.tx.QueryRow(ctx, query,
		order.OrderNumber,
		nullableInt8(order.UserID),
		string(order.Status),
		string(order.PaymentStatus),
		order.SubtotalCents,
		order.ShippingCents,
		order.TotalCents,
		order.Currency,
		string(order.ShippingMethod),
		shippingInfoJSON,
		order.CustomerEmail,
		nullableText(order.StripeSessionID),
		nullableText(order.PaymentReference),
		nullableText(order.RefundID),
		order.AdminComment,
		order.Recovered,
		string(order.CancelReason),
	).Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt)
}

func (t *pgTx) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	order, err := scanOrder(t.tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("order %d", id))
	}
	return order, nil
}

func (t *pgTx) GetOrderForUpdate(ctx context.Context, id int64) (*models.Order, error) {
	order, err := scanOrder(t.tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("order %d", id))
	}
	return order, nil
}

func (t *pgTx) FindOrderByNumberForUpdate(ctx context.Context, orderNumber string) (*models.Order, error) {
	order, err := scanOrder(t.tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_number = $1 FOR UPDATE`, orderNumber))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("order %q", orderNumber))
	}
	return order, nil
}

const findByReferenceQuery = `
	SELECT ` + orderColumns + `
	FROM orders
	WHERE stripe_session_id = $1 OR payment_reference = $1
	ORDER BY id
	LIMIT 1`

func (t *pgTx) FindOrderByReference(ctx context.Context, reference string) (*models.Order, error) {
	order, err := scanOrder(t.tx.QueryRow(ctx, findByReferenceQuery, reference))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("order reference %q", reference))
	}
	return order, nil
}

func (t *pgTx) FindOrderByReferenceForUpdate(ctx context.Context, reference string) (*models.Order, error) {
	order, err := scanOrder(t.tx.QueryRow(ctx, findByReferenceQuery+` FOR UPDATE`, reference))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("order reference %q", reference))
	}
	return order, nil
}

func (t *pgTx) ListPendingOrders(ctx context.Context, limit int) ([]*models.Order, error) {
	limitInt32, err := intToInt32(limit, "limit")
	if err != nil {
		return nil, err
	}

	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE status = 'pending'
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`
	rows, err := t.tx.Query(ctx, query, limitInt32)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

func (t *pgTx) UpdateOrder(ctx context.Context, order *models.Order) error {
	shippingInfoJSON, err := marshalNullableJSON(order.ShippingInfo)
	if err != nil {
		return err
	}

	query := `
		UPDATE orders
		SET user_id = $2, status = $3, payment_status = $4, subtotal_cents = $5,
		    shipping_cents = $6, total_cents = $7, currency = $8, shipping_method = $9,
		    shipping_info = $10, customer_email = $11, stripe_session_id = $12,
		    payment_reference = $13, refund_id = $14, admin_comment = $15,
		    recovered = $16, cancel_reason = $17, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`
	err = t.tx.QueryRow(ctx, query,
		order.ID,
		nullableInt8(order.UserID),
		string(order.Status),
		string(order.PaymentStatus),
		order.SubtotalCents,
		order.ShippingCents,
		order.TotalCents,
		order.Currency,
		string(order.ShippingMethod),
		shippingInfoJSON,
		order.CustomerEmail,
		nullableText(order.StripeSessionID),
		nullableText(order.PaymentReference),
		nullableText(order.RefundID),
		order.AdminComment,
		order.Recovered,
		string(order.CancelReason),
	).Scan(&order.UpdatedAt)
	if err != nil {
		return notFound(err, fmt.Sprintf("order %d", order.ID))
	}
	return nil
}

func marshalNullableJSON(value map[string]any) ([]byte, error) {
	if value == nil {
		return nil, nil
	}
	return json.Marshal(value)
}

func nullableText(value string) pgtype.Text {
	return pgtype.Text{String: value, Valid: value != ""}
}

func nullableInt8(value *int64) pgtype.Int8 {
	if value == nil {
		return pgtype.Int8{}
	}
	return pgtype.Int8{Int64: *value, Valid: true}
}

func intToInt32(value int, name string) (int32, error) {
	if value < math.MinInt32 || value > math.MaxInt32 {
		return 0, fmt.Errorf("%s out of int32 range: %d", name, value)
	}
	return int32(value), nil
}
