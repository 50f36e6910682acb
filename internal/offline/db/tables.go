package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ncruces/go-sqlite3"
)

// columns lists the writable columns of each backend table. Anything else in
// a row or field map is rejected rather than interpolated into SQL.
var columns = map[string]map[string]bool{
	"products": set("id", "sku", "barcode", "name", "brand", "supplier", "photo_url",
		"quantity", "qty_per_package", "location", "is_low_stock",
		"created_at", "updated_at", "deleted_at"),
	"inventory_history": set("id", "product_id", "user_id", "old_quantity",
		"new_quantity", "change_amount", "note", "created_at"),
	"requests": set("id", "product_id", "quantity_requested", "status",
		"requested_by", "handled_by", "group_name", "created_at", "updated_at"),
}

// touchesUpdatedAt lists tables whose updated_at is maintained on update.
var touchesUpdatedAt = set("products", "requests")

func set(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

// checkColumns validates table and field names, returning the field names
// in a stable order.
func checkColumns(table string, fields map[string]any) ([]string, error) {
	allowed, ok := columns[table]
	if !ok {
		return nil, fmt.Errorf("unknown table %q", table)
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		if !allowed[name] {
			return nil, fmt.Errorf("unknown column %s.%s", table, name)
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// InsertRow inserts a row keyed by its "id" field. If a row with that id
// already exists nothing is written and inserted is false.
func (db *DB) InsertRow(ctx context.Context, table string, row map[string]any) (inserted bool, err error) {
	if id, _ := row["id"].(string); id == "" {
		return false, fmt.Errorf("row for %s requires an id", table)
	}
	names, err := checkColumns(table, row)
	if err != nil {
		return false, err
	}

	args := make([]any, len(names))
	marks := make([]string, len(names))
	for i, name := range names {
		args[i] = row[name]
		marks[i] = "?"
	}

	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(id) DO NOTHING`,
		table, strings.Join(names, ", "), strings.Join(marks, ", "))

	res, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to insert into %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	return n == 1, nil
}

// UpsertRow inserts row, or overwrites the given columns of an existing row
// with the same id. Columns missing from row keep their stored values.
func (db *DB) UpsertRow(ctx context.Context, table string, row map[string]any) error {
	if id, _ := row["id"].(string); id == "" {
		return fmt.Errorf("row for %s requires an id", table)
	}
	names, err := checkColumns(table, row)
	if err != nil {
		return err
	}

	args := make([]any, len(names))
	marks := make([]string, len(names))
	sets := make([]string, 0, len(names))
	for i, name := range names {
		args[i] = row[name]
		marks[i] = "?"
		if name != "id" {
			sets = append(sets, name+" = excluded."+name)
		}
	}

	conflict := "DO NOTHING"
	if len(sets) > 0 {
		conflict = "DO UPDATE SET " + strings.Join(sets, ", ")
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(id) %s`,
		table, strings.Join(names, ", "), strings.Join(marks, ", "), conflict)

	if _, err := db.conn.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to upsert into %s: %w", table, err)
	}
	return nil
}

// KnownColumns returns the subset of row whose keys are columns of table.
// Rows fetched from the hosted backend may carry fields the local copy does
// not store.
func KnownColumns(table string, row map[string]any) map[string]any {
	allowed := columns[table]
	out := make(map[string]any, len(row))
	for name, v := range row {
		if allowed[name] {
			out[name] = v
		}
	}
	return out
}

// UpdateRow applies fields to the row with the given id. Returns false if no
// such row exists.
func (db *DB) UpdateRow(ctx context.Context, table, id string, fields map[string]any) (found bool, err error) {
	if len(fields) == 0 {
		return false, fmt.Errorf("no fields to update in %s", table)
	}
	names, err := checkColumns(table, fields)
	if err != nil {
		return false, err
	}

	sets := make([]string, 0, len(names)+1)
	args := make([]any, 0, len(names)+2)
	for _, name := range names {
		sets = append(sets, name+" = ?")
		args = append(args, fields[name])
	}
	if _, explicit := fields["updated_at"]; touchesUpdatedAt[table] && !explicit {
		sets = append(sets, "updated_at = ?")
		args = append(args, time.Now().UTC().Format(time.RFC3339))
	}
	args = append(args, id)

	query := fmt.Sprintf(`UPDATE %s SET %s WHERE id = ?`, table, strings.Join(sets, ", "))
	res, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update %s %s: %w", table, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read update result: %w", err)
	}
	return n > 0, nil
}

// DeleteRow removes a row. Returns nil if the row doesn't exist (idempotent).
func (db *DB) DeleteRow(ctx context.Context, table, id string) error {
	if _, ok := columns[table]; !ok {
		return fmt.Errorf("unknown table %q", table)
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, table)
	if _, err := db.conn.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", table, id, err)
	}
	return nil
}

// GetRow returns a row as a column → value map. Returns ErrNotFound if the
// row doesn't exist.
func (db *DB) GetRow(ctx context.Context, table, id string) (map[string]any, error) {
	if _, ok := columns[table]; !ok {
		return nil, fmt.Errorf("unknown table %q", table)
	}

	rows, err := db.conn.QueryContext(ctx, fmt.Sprintf(`SELECT * FROM %s WHERE id = ?`, table), id)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s %s: %w", table, id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to query %s %s: %w", table, id, err)
		}
		return nil, fmt.Errorf("%s %s: %w", table, id, ErrNotFound)
	}

	return scanRow(rows)
}

// CountRows returns the number of rows in table, optionally restricted to
// rows where column equals value (pass an empty column for all rows).
func (db *DB) CountRows(ctx context.Context, table, column string, value any) (int, error) {
	allowed, ok := columns[table]
	if !ok {
		return 0, fmt.Errorf("unknown table %q", table)
	}

	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)
	var args []any
	if column != "" {
		if !allowed[column] {
			return 0, fmt.Errorf("unknown column %s.%s", table, column)
		}
		query += fmt.Sprintf(` WHERE %s = ?`, column)
		args = append(args, value)
	}

	var count int
	if err := db.conn.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return count, nil
}

func scanRow(rows *sql.Rows) (map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("failed to scan row: %w", err)
	}

	row := make(map[string]any, len(cols))
	for i, col := range cols {
		if b, ok := values[i].([]byte); ok {
			row[col] = string(b)
			continue
		}
		row[col] = values[i]
	}
	return row, nil
}

// IsNotFound reports whether err is ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsBusy reports whether err means another connection held the database
// lock past the busy timeout.
func IsBusy(err error) bool {
	return errors.Is(err, sqlite3.BUSY) || errors.Is(err, sqlite3.LOCKED)
}
