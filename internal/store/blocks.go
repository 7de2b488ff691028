package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SetBlock records hash/timestamp for a block. Writes are idempotent; an
// existing row keeps its values.
func (s *Store) SetBlock(ctx context.Context, number uint64, hash string, ts time.Time) error {
	q := s.rebind(`INSERT INTO blocks (chain, number, hash, timestamp) VALUES (?, ?, ?, ?) ` + s.conflictClause("chain, number"))
	return s.execWrite(ctx, s.pools.Write, q, int64(s.chainID), int64(number), normHex(hash), ts.UTC())
}

// BlockTimestamp returns the memoized timestamp for a block, if recorded.
func (s *Store) BlockTimestamp(ctx context.Context, number uint64) (time.Time, bool, error) {
	var ts sql.NullTime
	q := s.rebind(`SELECT timestamp FROM blocks WHERE chain = ? AND number = ?`)
	err := s.queryRow(ctx, s.pools.Timestamp, q, []any{int64(s.chainID), int64(number)}, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	if !ts.Valid {
		return time.Time{}, false, nil
	}
	return ts.Time, true, nil
}

// BlockAtTimestamp reads the timestamp -> closest block memo.
func (s *Store) BlockAtTimestamp(ctx context.Context, ts time.Time) (uint64, bool, error) {
	var block int64
	q := s.rebind(`SELECT block FROM block_at_timestamp WHERE chainid = ? AND timestamp = ?`)
	err := s.queryRow(ctx, s.pools.Timestamp, q, []any{int64(s.chainID), ts.UTC()}, &block)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return uint64(block), true, nil
}

// SetBlockAtTimestamp memoizes a timestamp -> block resolution.
func (s *Store) SetBlockAtTimestamp(ctx context.Context, ts time.Time, block uint64) error {
	q := s.rebind(`INSERT INTO block_at_timestamp (chainid, timestamp, block) VALUES (?, ?, ?) ` + s.conflictClause("chainid, timestamp"))
	return s.execWrite(ctx, s.pools.Timestamp, q, int64(s.chainID), ts.UTC(), int64(block))
}
