package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"github.com/chainprice/chainprice/internal/eth"
)

// InsertTraces bulk-writes one fetched trace chunk; per-block order is the
// insertion order.
func (s *Store) InsertTraces(ctx context.Context, traces []eth.Trace) error {
	if len(traces) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(traces))
	for _, t := range traces {
		raw := []byte(t.Raw)
		if raw == nil {
			var err error
			raw, err = json.Marshal(t)
			if err != nil {
				return err
			}
		}
		rows = append(rows, []any{
			int64(s.chainID), int64(t.BlockNumber), normHex(t.TxHash.Hex()),
			t.From.Hex(), t.To.Hex(), raw,
		})
	}
	return s.bulkInsertOn(ctx, s.pools.Trace, "traces",
		[]string{"chain", "block", "hash", "from_address", "to_address", "raw"}, rows)
}

// SelectTraces returns stored traces matching the address sets in [from, to],
// in block-then-insertion order.
func (s *Store) SelectTraces(ctx context.Context, toSet, fromSet []common.Address, from, to uint64) ([]eth.Trace, error) {
	q := `SELECT block, hash, from_address, to_address, raw FROM traces WHERE chain = ? AND block >= ? AND block <= ?`
	args := []any{int64(s.chainID), int64(from), int64(to)}
	q, args = appendAddrSet(q, args, "to_address", toSet)
	q, args = appendAddrSet(q, args, "from_address", fromSet)
	q = s.rebind(q + ` ORDER BY block, dbid`)
	var out []eth.Trace
	err := s.pools.Trace.Do(ctx, func() error {
		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var (
				block          int64
				hash, fa, ta   string
				raw            []byte
			)
			if err := rows.Scan(&block, &hash, &fa, &ta, &raw); err != nil {
				return err
			}
			out = append(out, eth.Trace{
				BlockNumber: uint64(block),
				TxHash:      common.HexToHash(hash),
				From:        common.HexToAddress(fa),
				To:          common.HexToAddress(ta),
				Raw:         raw,
			})
		}
		return rows.Err()
	})
	return out, err
}

func appendAddrSet(q string, args []any, column string, set []common.Address) (string, []any) {
	if len(set) == 0 {
		return q, args
	}
	q += ` AND ` + column + ` IN (`
	for i, a := range set {
		if i > 0 {
			q += ","
		}
		q += "?"
		args = append(args, a.Hex())
	}
	q += `)`
	return q, args
}

// GetTraceCacheInfo reads the cached range for one (toSet, fromSet) key.
func (s *Store) GetTraceCacheInfo(ctx context.Context, toKey, fromKey []byte) (uint64, uint64, bool, error) {
	var cf, ct int64
	q := s.rebind(`SELECT cached_from, cached_thru FROM trace_cache_info WHERE chain = ? AND to_addresses = ? AND from_addresses = ?`)
	err := s.queryRow(ctx, s.pools.MetadataRead, q, []any{int64(s.chainID), toKey, fromKey}, &cf, &ct)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, err
	}
	return uint64(cf), uint64(ct), true, nil
}

// MergeTraceCacheInfo applies the same union-merge as the log variant.
func (s *Store) MergeTraceCacheInfo(ctx context.Context, toKey, fromKey []byte, from, thru uint64) error {
	return s.pools.MetadataWrite.Do(ctx, func() error {
		return withRetry(ctx, func() error {
			var cf, ct int64
			sel := s.rebind(`SELECT cached_from, cached_thru FROM trace_cache_info WHERE chain = ? AND to_addresses = ? AND from_addresses = ?`)
			err := s.db.QueryRowContext(ctx, sel, int64(s.chainID), toKey, fromKey).Scan(&cf, &ct)
			if errors.Is(err, sql.ErrNoRows) {
				ins := s.rebind(`INSERT INTO trace_cache_info (chain, to_addresses, from_addresses, cached_from, cached_thru) VALUES (?, ?, ?, ?, ?) ` +
					s.conflictClause("chain, to_addresses, from_addresses"))
				_, err := s.db.ExecContext(ctx, ins, int64(s.chainID), toKey, fromKey, int64(from), int64(thru))
				return err
			}
			if err != nil {
				return err
			}
			nf, nt := uint64(cf), uint64(ct)
			if from < nf {
				nf = from
			}
			if thru > nt {
				nt = thru
			}
			if nf == uint64(cf) && nt == uint64(ct) {
				return nil
			}
			upd := s.rebind(`UPDATE trace_cache_info SET cached_from = ?, cached_thru = ? WHERE chain = ? AND to_addresses = ? AND from_addresses = ?`)
			_, err = s.db.ExecContext(ctx, upd, int64(nf), int64(nt), int64(s.chainID), toKey, fromKey)
			return err
		})
	})
}
