package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/shopspring/decimal"
)

// GetPrice reads the authoritative price memo for (block, token).
func (s *Store) GetPrice(ctx context.Context, token string, block uint64) (decimal.Decimal, bool, error) {
	var raw string
	q := s.rebind(`SELECT price FROM prices WHERE chain = ? AND block = ? AND token = ?`)
	err := s.queryRow(ctx, s.pools.Read, q, []any{int64(s.chainID), int64(block), token}, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false, err
	}
	return d, true, nil
}

// PutPrice writes the price memo opportunistically. Concurrent duplicates
// collide on the PK and are ignored.
func (s *Store) PutPrice(ctx context.Context, token string, block uint64, price decimal.Decimal) error {
	return s.bulkInsertOn(ctx, s.pools.Write, "prices",
		[]string{"chain", "block", "token", "price"},
		[][]any{{int64(s.chainID), int64(block), token, price}})
}
