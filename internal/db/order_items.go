package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gitshopapp/ordercore/internal/models"
	"github.com/gitshopapp/ordercore/internal/store"
)

func (t *pgTx) InsertOrderItem(ctx context.Context, item *models.OrderItem) error {
	quantity, err := intToInt32(item.Quantity, "quantity")
	if err != nil {
		return err
	}
	var variantJSON []byte
	if item.Variant != nil {
		variantJSON, err = json.Marshal(item.Variant)
		if err != nil {
			return err
		}
	}
	if item.ReturnStatus == "" {
		item.ReturnStatus = models.ReturnNone
	}

	query := `
		INSERT INTO order_items (order_id, product_id, quantity, price_cents, variant_info, return_status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	return t.tx.QueryRow(ctx, query,
		item.OrderID,
		item.ProductID,
		quantity,
		item.PriceCents,
		variantJSON,
		string(item.ReturnStatus),
	).Scan(&item.ID)
}

func (t *pgTx) GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	query := `
		SELECT id, order_id, product_id, quantity, price_cents, variant_info,
		       return_status, return_quantity, returned_quantity, return_reason, admin_comment
		FROM order_items
		WHERE order_id = $1
		ORDER BY id
	`
	rows, err := t.tx.Query(ctx, query, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []models.OrderItem
	for rows.Next() {
		var (
			item         models.OrderItem
			quantity     int32
			returnQty    int32
			returnedQty  int32
			returnStatus string
			variantJSON  []byte
		)
		if err := rows.Scan(
			&item.ID,
			&item.OrderID,
			&item.ProductID,
			&quantity,
			&item.PriceCents,
			&variantJSON,
			&returnStatus,
			&returnQty,
			&returnedQty,
			&item.ReturnReason,
			&item.AdminComment,
		); err != nil {
			return nil, err
		}
		item.Quantity = int(quantity)
		item.ReturnQuantity = int(returnQty)
		item.ReturnedQuantity = int(returnedQty)
		item.ReturnStatus = models.ReturnStatus(returnStatus)

		// Legacy rows hold the selector as a JSON string; those that cannot
		// be decoded are kept without variant info and skipped on release.
		if len(variantJSON) > 0 && string(variantJSON) != "null" {
			if sel, err := models.ParseVariantSelector(variantJSON); err == nil {
				item.Variant = &sel
			}
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (t *pgTx) UpdateOrderItem(ctx context.Context, item *models.OrderItem) error {
	returnQty, err := intToInt32(item.ReturnQuantity, "return quantity")
	if err != nil {
		return err
	}
	returnedQty, err := intToInt32(item.ReturnedQuantity, "returned quantity")
	if err != nil {
		return err
	}

	query := `
		UPDATE order_items
		SET return_status = $3, return_quantity = $4, returned_quantity = $5,
		    return_reason = $6, admin_comment = $7
		WHERE id = $1 AND order_id = $2
	`
	cmdTag, err := t.tx.Exec(ctx, query,
		item.ID,
		item.OrderID,
		string(item.ReturnStatus),
		returnQty,
		returnedQty,
		item.ReturnReason,
		item.AdminComment,
	)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("order item %d: %w", item.ID, store.ErrNotFound)
	}
	return nil
}
