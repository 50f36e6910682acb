package schema

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Backend table names touched by replayed changes.
const (
	TableProducts         = "products"
	TableInventoryHistory = "inventory_history"
	TableRequests         = "requests"
)

// idempotencyNamespace scopes the deterministic ids derived from record ids.
var idempotencyNamespace = uuid.MustParse("6f1c2a4e-93b5-4c1d-8a57-2b0e7d4f9c10")

// IdempotencyKey derives a stable row id from a queue record id. Replaying the
// same record always yields the same key, so a duplicate insert can be
// recognised by the server's primary key.
func IdempotencyKey(recordID, salt string) string {
	return uuid.NewSHA1(idempotencyNamespace, []byte(recordID+"/"+salt)).String()
}

// HistoryEntry is an inventory_history row recorded alongside a quantity
// change.
type HistoryEntry struct {
	ID           string  `json:"id,omitempty"`
	ProductID    string  `json:"product_id"`
	UserID       *string `json:"user_id"`
	OldQuantity  *int    `json:"old_quantity"`
	NewQuantity  *int    `json:"new_quantity"`
	ChangeAmount *int    `json:"change_amount"`
	Note         *string `json:"note"`
	CreatedAt    string  `json:"created_at,omitempty"`
}

// QuantityAdjust sets a product's quantity to an absolute value. Absolute
// values keep replays idempotent: applying the same record twice leaves the
// same final quantity.
type QuantityAdjust struct {
	ProductID    string       `json:"productId"`
	NewQuantity  int          `json:"newQuantity"`
	HistoryEntry HistoryEntry `json:"historyEntry"`
}

// Validate checks the payload.
func (q *QuantityAdjust) Validate() error {
	if q.ProductID == "" {
		return fmt.Errorf("productId is required")
	}
	if q.NewQuantity < 0 {
		return fmt.Errorf("newQuantity must not be negative (got %d)", q.NewQuantity)
	}
	if q.HistoryEntry.ProductID != "" && q.HistoryEntry.ProductID != q.ProductID {
		return fmt.Errorf("historyEntry.product_id %q does not match productId %q",
			q.HistoryEntry.ProductID, q.ProductID)
	}
	return nil
}

// ProductUpdate applies a field map to a product row.
type ProductUpdate struct {
	ProductID string         `json:"productId"`
	Updates   map[string]any `json:"updates"`
}

// Validate checks the payload.
func (p *ProductUpdate) Validate() error {
	if p.ProductID == "" {
		return fmt.Errorf("productId is required")
	}
	if len(p.Updates) == 0 {
		return fmt.Errorf("updates must not be empty")
	}
	if _, ok := p.Updates["id"]; ok {
		return fmt.Errorf("updates must not change id")
	}
	return nil
}

// RequestCreate is a requests row created by the shop.
type RequestCreate struct {
	ID                string  `json:"id,omitempty"`
	ProductID         string  `json:"product_id"`
	QuantityRequested int     `json:"quantity_requested"`
	Status            string  `json:"status,omitempty"`
	RequestedBy       *string `json:"requested_by,omitempty"`
	GroupName         *string `json:"group_name,omitempty"`
}

// Validate checks the payload.
func (r *RequestCreate) Validate() error {
	if r.ProductID == "" {
		return fmt.Errorf("product_id is required")
	}
	if r.QuantityRequested <= 0 {
		return fmt.Errorf("quantity_requested must be positive (got %d)", r.QuantityRequested)
	}
	switch r.Status {
	case "", "pending", "ready", "delivered":
	default:
		return fmt.Errorf("invalid status %q", r.Status)
	}
	return nil
}

// NewQuantityAdjust builds a quantity_adjust input moving a product from
// oldQty to newQty. The history entry gets its id now so that a replay after
// a partial failure does not record the adjustment twice.
func NewQuantityAdjust(productID string, oldQty, newQty int, note, userID string, now time.Time) Input {
	change := newQty - oldQty
	entry := HistoryEntry{
		ID:           uuid.NewString(),
		ProductID:    productID,
		OldQuantity:  &oldQty,
		NewQuantity:  &newQty,
		ChangeAmount: &change,
		CreatedAt:    now.UTC().Format(time.RFC3339),
	}
	if note != "" {
		entry.Note = &note
	}
	if userID != "" {
		entry.UserID = &userID
	}

	return Input{
		Kind: KindQuantityAdjust,
		Data: &QuantityAdjust{
			ProductID:    productID,
			NewQuantity:  newQty,
			HistoryEntry: entry,
		},
	}
}

// NewProductUpdate builds a product_update input.
func NewProductUpdate(productID string, updates map[string]any) Input {
	return Input{
		Kind: KindProductUpdate,
		Data: &ProductUpdate{ProductID: productID, Updates: updates},
	}
}

// NewRequestCreate builds a request_create input with a client-generated id.
func NewRequestCreate(productID string, qty int, requestedBy, groupName string) Input {
	req := &RequestCreate{
		ID:                uuid.NewString(),
		ProductID:         productID,
		QuantityRequested: qty,
		Status:            "pending",
	}
	if requestedBy != "" {
		req.RequestedBy = &requestedBy
	}
	if groupName != "" {
		req.GroupName = &groupName
	}
	return Input{Kind: KindRequestCreate, Data: req}
}

// DecodeQuantityAdjust parses a quantity_adjust record. A history entry
// written without an id (legacy records) gets one derived from the record id.
func DecodeQuantityAdjust(c PendingChange) (*QuantityAdjust, error) {
	if c.Kind != KindQuantityAdjust {
		return nil, fmt.Errorf("record %s is %s, not %s", c.ID, c.Kind, KindQuantityAdjust)
	}

	var q QuantityAdjust
	if err := json.Unmarshal(c.Data, &q); err != nil {
		return nil, fmt.Errorf("failed to parse %s payload: %w", c.Kind, err)
	}
	if err := q.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", c.Kind, err)
	}

	if q.HistoryEntry.ID == "" {
		q.HistoryEntry.ID = IdempotencyKey(c.ID, TableInventoryHistory)
	}
	if q.HistoryEntry.ProductID == "" {
		q.HistoryEntry.ProductID = q.ProductID
	}
	return &q, nil
}

// DecodeProductUpdate parses a product_update record.
func DecodeProductUpdate(c PendingChange) (*ProductUpdate, error) {
	if c.Kind != KindProductUpdate {
		return nil, fmt.Errorf("record %s is %s, not %s", c.ID, c.Kind, KindProductUpdate)
	}

	var p ProductUpdate
	if err := json.Unmarshal(c.Data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse %s payload: %w", c.Kind, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", c.Kind, err)
	}
	return &p, nil
}

// DecodeRequestCreate parses a request_create record. Records without a
// client id get one derived from the record id.
func DecodeRequestCreate(c PendingChange) (*RequestCreate, error) {
	if c.Kind != KindRequestCreate {
		return nil, fmt.Errorf("record %s is %s, not %s", c.ID, c.Kind, KindRequestCreate)
	}

	var r RequestCreate
	if err := json.Unmarshal(c.Data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse %s payload: %w", c.Kind, err)
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", c.Kind, err)
	}

	if r.ID == "" {
		r.ID = IdempotencyKey(c.ID, TableRequests)
	}
	return &r, nil
}

// Row converts a history entry to the field map sent to the backend.
func (h *HistoryEntry) Row() map[string]any {
	return toRow(h)
}

// Row converts a request to the field map sent to the backend.
func (r *RequestCreate) Row() map[string]any {
	return toRow(r)
}

func toRow(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	row := make(map[string]any)
	if err := json.Unmarshal(data, &row); err != nil {
		return nil
	}
	return row
}
