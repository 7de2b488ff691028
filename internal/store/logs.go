package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/chainprice/chainprice/internal/eth"
)

// NoAddressSentinel is the log_cache_info address key used when a filter has
// no address constraint.
const NoAddressSentinel = "None"

// internID resolves an interning-table id, inserting on first sight. Values
// are stored lowercase without the 0x prefix.
func (s *Store) internID(ctx context.Context, table, column, value string) (int64, error) {
	value = normHex(value)
	var id int64
	sel := s.rebind(fmt.Sprintf(`SELECT dbid FROM %s WHERE %s = ?`, table, column))
	err := s.queryRow(ctx, s.pools.TopicHash, sel, []any{value}, &id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	ins := s.rebind(fmt.Sprintf(`INSERT INTO %s (%s) VALUES (?) `, table, column) + s.conflictClause(column))
	if err := s.execWrite(ctx, s.pools.TopicHash, ins, value); err != nil {
		return 0, err
	}
	err = s.queryRow(ctx, s.pools.TopicHash, sel, []any{value}, &id)
	return id, err
}

// TopicID interns a 32-byte topic.
func (s *Store) TopicID(ctx context.Context, topic common.Hash) (int64, error) {
	return s.internID(ctx, "log_topics", "topic", topic.Hex())
}

// HashID interns a tx hash or address used by the logs table.
func (s *Store) HashID(ctx context.Context, hexValue string) (int64, error) {
	return s.internID(ctx, "hashes", "hash", hexValue)
}

// rawLog is the array-encoded serialization persisted in logs.raw.
func encodeRawLog(l eth.Log) ([]byte, error) {
	topics := make([]string, len(l.Topics))
	for i, t := range l.Topics {
		topics[i] = t.Hex()
	}
	return json.Marshal([]any{
		l.Address.Hex(), topics, hexutil.Encode(l.Data), l.BlockNumber, l.TxHash.Hex(), l.Index,
	})
}

func decodeRawLog(raw []byte) (eth.Log, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil {
		return eth.Log{}, err
	}
	if len(arr) != 6 {
		return eth.Log{}, fmt.Errorf("raw log has %d fields", len(arr))
	}
	var (
		addr, dataHex, txHash string
		topics                []string
		block                 uint64
		index                 uint32
	)
	for i, dst := range []any{&addr, &topics, &dataHex, &block, &txHash, &index} {
		if err := json.Unmarshal(arr[i], dst); err != nil {
			return eth.Log{}, err
		}
	}
	data, err := hexutil.Decode(dataHex)
	if err != nil {
		return eth.Log{}, err
	}
	l := eth.Log{
		Address:     common.HexToAddress(addr),
		Data:        data,
		BlockNumber: block,
		TxHash:      common.HexToHash(txHash),
		Index:       index,
	}
	for _, t := range topics {
		l.Topics = append(l.Topics, common.HexToHash(t))
	}
	return l, nil
}

// InsertLogs bulk-writes one fetched chunk. Interning runs first so the
// composed insert only carries integer FKs and the raw payload.
func (s *Store) InsertLogs(ctx context.Context, logs []eth.Log) error {
	if len(logs) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(logs))
	for _, l := range logs {
		if len(l.Topics) == 0 {
			return fmt.Errorf("log %s/%d has no topic0", l.TxHash.Hex(), l.Index)
		}
		addrID, err := s.HashID(ctx, l.Address.Hex())
		if err != nil {
			return err
		}
		txID, err := s.HashID(ctx, l.TxHash.Hex())
		if err != nil {
			return err
		}
		topicIDs := make([]any, 4)
		for i := 0; i < 4; i++ {
			if i < len(l.Topics) {
				id, err := s.TopicID(ctx, l.Topics[i])
				if err != nil {
					return err
				}
				topicIDs[i] = id
			} else {
				topicIDs[i] = nil
			}
		}
		raw, err := encodeRawLog(l)
		if err != nil {
			return err
		}
		rows = append(rows, []any{
			int64(s.chainID), int64(l.BlockNumber), txID, l.Index, addrID,
			topicIDs[0], topicIDs[1], topicIDs[2], topicIDs[3], raw,
		})
	}
	return s.BulkInsert(ctx, "logs",
		[]string{"chain", "block", "tx", "log_index", "address", "topic0", "topic1", "topic2", "topic3", "raw"},
		rows)
}

// SelectLogs returns stored logs matching the address/topic constraints in
// [from, to], ordered by (block, txHash, logIndex).
func (s *Store) SelectLogs(ctx context.Context, addrs []common.Address, topics [][]common.Hash, from, to uint64) ([]eth.Log, error) {
	var (
		conds []string
		args  []any
	)
	conds = append(conds, "l.chain = ?", "l.block >= ?", "l.block <= ?")
	args = append(args, int64(s.chainID), int64(from), int64(to))
	if len(addrs) > 0 {
		ph := make([]string, len(addrs))
		for i, a := range addrs {
			ph[i] = "?"
			args = append(args, normHex(a.Hex()))
		}
		conds = append(conds, fmt.Sprintf("ha.hash IN (%s)", strings.Join(ph, ",")))
	}
	for tier, hs := range topics {
		if len(hs) == 0 || tier > 3 {
			continue
		}
		ph := make([]string, len(hs))
		for i, h := range hs {
			ph[i] = "(SELECT dbid FROM log_topics WHERE topic = ?)"
			args = append(args, normHex(h.Hex()))
		}
		conds = append(conds, fmt.Sprintf("l.topic%d IN (%s)", tier, strings.Join(ph, ",")))
	}
	q := s.rebind(fmt.Sprintf(`
		SELECT l.raw FROM logs l
		JOIN hashes ha ON ha.dbid = l.address
		JOIN hashes ht ON ht.dbid = l.tx
		WHERE %s
		ORDER BY l.block, ht.hash, l.log_index`, strings.Join(conds, " AND ")))
	var out []eth.Log
	err := s.pools.Read.Do(ctx, func() error {
		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var raw []byte
			if err := rows.Scan(&raw); err != nil {
				return err
			}
			l, err := decodeRawLog(raw)
			if err != nil {
				return err
			}
			out = append(out, l)
		}
		return rows.Err()
	})
	return out, err
}

// GetLogCacheInfo reads the cached range for one (address, topics) key.
func (s *Store) GetLogCacheInfo(ctx context.Context, address string, topicsJSON []byte) (uint64, uint64, bool, error) {
	var cf, ct int64
	q := s.rebind(`SELECT cached_from, cached_thru FROM log_cache_info WHERE chain = ? AND address = ? AND topics = ?`)
	err := s.queryRow(ctx, s.pools.MetadataRead, q, []any{int64(s.chainID), address, topicsJSON}, &cf, &ct)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, err
	}
	return uint64(cf), uint64(ct), true, nil
}

// MergeLogCacheInfo union-merges a fetched range into the key's metadata:
// cached_from only shrinks, cached_thru only grows. Commits only on change.
func (s *Store) MergeLogCacheInfo(ctx context.Context, address string, topicsJSON []byte, from, thru uint64) error {
	return s.pools.MetadataWrite.Do(ctx, func() error {
		return withRetry(ctx, func() error {
			cf, ct, ok, err := s.getCacheInfoDirect(ctx, address, topicsJSON)
			if err != nil {
				return err
			}
			if !ok {
				q := s.rebind(`INSERT INTO log_cache_info (chain, address, topics, cached_from, cached_thru) VALUES (?, ?, ?, ?, ?) ` +
					s.conflictClause("chain, address, topics"))
				_, err := s.db.ExecContext(ctx, q, int64(s.chainID), address, topicsJSON, int64(from), int64(thru))
				return err
			}
			nf, nt := cf, ct
			if from < nf {
				nf = from
			}
			if thru > nt {
				nt = thru
			}
			if nf == cf && nt == ct {
				return nil
			}
			q := s.rebind(`UPDATE log_cache_info SET cached_from = ?, cached_thru = ? WHERE chain = ? AND address = ? AND topics = ?`)
			_, err = s.db.ExecContext(ctx, q, int64(nf), int64(nt), int64(s.chainID), address, topicsJSON)
			return err
		})
	})
}

func (s *Store) getCacheInfoDirect(ctx context.Context, address string, topicsJSON []byte) (uint64, uint64, bool, error) {
	var cf, ct int64
	q := s.rebind(`SELECT cached_from, cached_thru FROM log_cache_info WHERE chain = ? AND address = ? AND topics = ?`)
	err := s.db.QueryRowContext(ctx, q, int64(s.chainID), address, topicsJSON).Scan(&cf, &ct)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, err
	}
	return uint64(cf), uint64(ct), true, nil
}
