package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// maxSaneDecimals rejects bogus decimals() answers that would overflow the
// column; real tokens stay under 255.
const maxSaneDecimals = 2_147_483_647

// Token is the polymorphic address row with token columns populated.
type Token struct {
	Address     string
	Symbol      sql.NullString
	Name        sql.NullString
	Decimals    sql.NullInt32
	Bucket      sql.NullString
	DeployBlock sql.NullInt64
}

func normHex(h string) string {
	return strings.ToLower(strings.TrimPrefix(h, "0x"))
}

// EnsureAddress inserts the address row if absent.
func (s *Store) EnsureAddress(ctx context.Context, addr string) error {
	q := s.rebind(`INSERT INTO addresses (chain, address) VALUES (?, ?) ` + s.conflictClause("chain, address"))
	return s.execWrite(ctx, s.pools.Write, q, int64(s.chainID), addr)
}

// GetToken loads the token view of an address.
func (s *Store) GetToken(ctx context.Context, addr string) (Token, bool, error) {
	t := Token{Address: addr}
	q := s.rebind(`SELECT symbol, name, decimals, bucket, deploy_block FROM addresses WHERE chain = ? AND address = ?`)
	err := s.queryRow(ctx, s.pools.Token, q, []any{int64(s.chainID), addr},
		&t.Symbol, &t.Name, &t.Decimals, &t.Bucket, &t.DeployBlock)
	if errors.Is(err, sql.ErrNoRows) {
		return t, false, nil
	}
	if err != nil {
		return t, false, err
	}
	return t, true, nil
}

// SetTokenMeta stores ERC-20 metadata, marking the row as a token.
func (s *Store) SetTokenMeta(ctx context.Context, addr, symbol, name string, decimals int64) error {
	if decimals < 0 || decimals >= maxSaneDecimals {
		return fmt.Errorf("token %s: bogus decimals %d", addr, decimals)
	}
	if err := s.EnsureAddress(ctx, addr); err != nil {
		return err
	}
	q := s.rebind(`UPDATE addresses SET is_token = 1, is_contract = 1, symbol = ?, name = ?, decimals = ? WHERE chain = ? AND address = ?`)
	return s.execWrite(ctx, s.pools.Token, q, symbol, name, decimals, int64(s.chainID), addr)
}

// SetBucket persists a token's pricing bucket; persisted buckets are never
// re-probed.
func (s *Store) SetBucket(ctx context.Context, addr, bucket string) error {
	if err := s.EnsureAddress(ctx, addr); err != nil {
		return err
	}
	q := s.rebind(`UPDATE addresses SET bucket = ? WHERE chain = ? AND address = ?`)
	return s.execWrite(ctx, s.pools.Token, q, bucket, int64(s.chainID), addr)
}

// SetDeployBlock records the contract creation block once; it never moves
// afterwards.
func (s *Store) SetDeployBlock(ctx context.Context, addr string, block uint64) error {
	if err := s.EnsureAddress(ctx, addr); err != nil {
		return err
	}
	q := s.rebind(`UPDATE addresses SET is_contract = 1, deploy_block = ? WHERE chain = ? AND address = ? AND deploy_block IS NULL`)
	return s.execWrite(ctx, s.pools.Token, q, int64(block), int64(s.chainID), addr)
}
