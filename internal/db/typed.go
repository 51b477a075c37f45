package db

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

// toRow converts a model to a Row through its JSON tags, which match the
// column names.
func toRow(v any) (Row, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var row Row
	if err := dec.Decode(&row); err != nil {
		return nil, fmt.Errorf("decode %T: %w", v, err)
	}
	return row, nil
}

// fromRow fills a model from a Row.
func fromRow(row Row, v any) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encode row: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}

// Decode converts a Row into the model type T.
func Decode[T any](row Row) (T, error) {
	var v T
	err := fromRow(row, &v)
	return v, err
}

func getTyped[T any](ctx context.Context, db *DB, table, id string) (*T, error) {
	row, err := db.Get(ctx, table, id)
	if err != nil {
		return nil, err
	}
	v, err := Decode[T](row)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func queryTyped[T any](ctx context.Context, q func(context.Context, string, Filter) ([]Row, error), table string, f Filter) ([]T, error) {
	rows, err := q(ctx, table, f)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(rows))
	for _, r := range rows {
		v, err := Decode[T](r)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// create validates v, writes it through tx's gateway and returns the stored id.
func (t *Tx) create(ctx context.Context, table string, v any) (string, error) {
	if err := t.db.Validate(v); err != nil {
		return "", err
	}
	row, err := toRow(v)
	if err != nil {
		return "", err
	}
	return t.Put(ctx, table, row)
}

func (db *DB) create(ctx context.Context, table string, v any) (string, error) {
	var id string
	err := db.WithTx(ctx, func(tx *Tx) error {
		var err error
		id, err = tx.create(ctx, table, v)
		return err
	})
	return id, err
}
