package store

import (
	"context"
	"fmt"

	"github.com/chainprice/chainprice/internal/config"
)

// TableCount pairs a table name with its row count for `db info`.
type TableCount struct {
	Table string
	Rows  int64
}

// Info reports per-table row counts.
func (s *Store) Info(ctx context.Context) ([]TableCount, error) {
	out := make([]TableCount, 0, len(tables))
	for _, t := range tables {
		var n int64
		if err := s.queryRow(ctx, s.pools.Read, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, t.name), nil, &n); err != nil {
			return nil, err
		}
		out = append(out, TableCount{Table: t.name, Rows: n})
	}
	return out, nil
}

// Vacuum reclaims space after clears.
func (s *Store) Vacuum(ctx context.Context) error {
	return s.pools.Write.Do(ctx, func() error {
		_, err := s.db.ExecContext(ctx, "VACUUM")
		return err
	})
}

// ClearToken drops every price memo for one token.
func (s *Store) ClearToken(ctx context.Context, token string) (int64, error) {
	var n int64
	err := s.pools.Write.Do(ctx, func() error {
		res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM prices WHERE chain = ? AND token = ?`), int64(s.chainID), token)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

// ClearBlock drops every price memo at one block.
func (s *Store) ClearBlock(ctx context.Context, block uint64) (int64, error) {
	var n int64
	err := s.pools.Write.Do(ctx, func() error {
		res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM prices WHERE chain = ? AND block = ?`), int64(s.chainID), int64(block))
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

// Nuke empties every table. The schema stays bound.
func (s *Store) Nuke(ctx context.Context) error {
	return s.pools.Write.Do(ctx, func() error {
		for i := len(tables) - 1; i >= 0; i-- {
			if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, tables[i].name)); err != nil {
				return err
			}
		}
		if s.backend == config.ProviderEmbedded {
			_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO chains (id) VALUES (?)`), int64(s.chainID))
			return err
		}
		_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO chains (id) VALUES (?) ON CONFLICT (id) DO NOTHING`), int64(s.chainID))
		return err
	})
}
