package schema

// ProjectQuantity returns the quantity the device should display for a
// product: the last confirmed remote value, overridden by any still-queued
// change that sets the quantity. Changes are folded oldest first, so the most
// recent queued value wins. Records that fail to decode are skipped.
func ProjectQuantity(productID string, confirmed int, pending []PendingChange) int {
	qty := confirmed
	for _, c := range pending {
		switch c.Kind {
		case KindQuantityAdjust:
			q, err := DecodeQuantityAdjust(c)
			if err != nil || q.ProductID != productID {
				continue
			}
			qty = q.NewQuantity

		case KindProductUpdate:
			p, err := DecodeProductUpdate(c)
			if err != nil || p.ProductID != productID {
				continue
			}
			if v, ok := asInt(p.Updates["quantity"]); ok {
				qty = v
			}
		}
	}
	return qty
}

// ConfirmedProduct returns the products fields the backend holds once c has
// been applied, keyed by "id". It returns false when c does not write a
// product row or does not decode.
func ConfirmedProduct(c PendingChange) (map[string]any, bool) {
	switch c.Kind {
	case KindQuantityAdjust:
		q, err := DecodeQuantityAdjust(c)
		if err != nil {
			return nil, false
		}
		return map[string]any{"id": q.ProductID, "quantity": q.NewQuantity}, true

	case KindProductUpdate:
		p, err := DecodeProductUpdate(c)
		if err != nil {
			return nil, false
		}
		row := make(map[string]any, len(p.Updates)+1)
		for k, v := range p.Updates {
			row[k] = v
		}
		row["id"] = p.ProductID
		return row, true
	}
	return nil, false
}

// PendingFor returns the queued changes that touch the given product, in
// queue order.
func PendingFor(productID string, pending []PendingChange) []PendingChange {
	var out []PendingChange
	for _, c := range pending {
		if touchesProduct(c, productID) {
			out = append(out, c)
		}
	}
	return out
}

func touchesProduct(c PendingChange, productID string) bool {
	switch c.Kind {
	case KindQuantityAdjust:
		q, err := DecodeQuantityAdjust(c)
		return err == nil && q.ProductID == productID
	case KindProductUpdate:
		p, err := DecodeProductUpdate(c)
		return err == nil && p.ProductID == productID
	case KindRequestCreate:
		r, err := DecodeRequestCreate(c)
		return err == nil && r.ProductID == productID
	}
	return false
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
