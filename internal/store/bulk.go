package store

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chainprice/chainprice/internal/config"
	"github.com/chainprice/chainprice/internal/executor"
)

// BulkInsert appends rows to a hot table with insert-and-ignore-conflicts
// semantics, as one composed statement committed once per call.
//
//	embedded:  INSERT OR IGNORE INTO t (cols) VALUES (...),(...)
//	networked: INSERT INTO t (cols) VALUES (...),(...) ON CONFLICT DO NOTHING
func (s *Store) BulkInsert(ctx context.Context, table string, cols []string, rows [][]any) error {
	return s.bulkInsertOn(ctx, s.pools.Write, table, cols, rows)
}

func (s *Store) bulkInsertOn(ctx context.Context, pool *executor.Pool, table string, cols []string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	stmt, err := s.composeBulk(table, cols, rows)
	if err != nil {
		return err
	}
	return pool.Do(ctx, func() error {
		return withRetry(ctx, func() error {
			_, err := s.db.ExecContext(ctx, stmt)
			return err
		})
	})
}

func (s *Store) composeBulk(table string, cols []string, rows [][]any) (string, error) {
	var b strings.Builder
	if s.backend == config.ProviderNetworked {
		fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", table, strings.Join(cols, ", "))
	} else {
		fmt.Fprintf(&b, "INSERT OR IGNORE INTO %s (%s) VALUES ", table, strings.Join(cols, ", "))
	}
	for i, row := range rows {
		if len(row) != len(cols) {
			return "", fmt.Errorf("bulk insert %s: row %d has %d values for %d columns", table, i, len(row), len(cols))
		}
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('(')
		for j, v := range row {
			if j > 0 {
				b.WriteByte(',')
			}
			lit, err := s.literal(v)
			if err != nil {
				return "", fmt.Errorf("bulk insert %s column %s: %w", table, cols[j], err)
			}
			b.WriteString(lit)
		}
		b.WriteByte(')')
	}
	if s.backend == config.ProviderNetworked {
		b.WriteString(" ON CONFLICT DO NOTHING")
	}
	return b.String(), nil
}

// literal stringifies one column value per the fixed rule set. Unknown types
// fail loudly rather than guessing.
func (s *Store) literal(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "null", nil
	case []byte:
		if s.backend == config.ProviderNetworked {
			return fmt.Sprintf(`'\x%s'::bytea`, hex.EncodeToString(x)), nil
		}
		return fmt.Sprintf("X'%s'", hex.EncodeToString(x)), nil
	case string:
		return "'" + strings.ReplaceAll(x, "'", "''") + "'", nil
	case int:
		return fmt.Sprintf("%d", x), nil
	case int64:
		return fmt.Sprintf("%d", x), nil
	case uint32:
		return fmt.Sprintf("%d", x), nil
	case uint64:
		return fmt.Sprintf("%d", x), nil
	case decimal.Decimal:
		return x.String(), nil
	case time.Time:
		return "'" + x.UTC().Format(time.RFC3339) + "'", nil
	default:
		return "", fmt.Errorf("%w: bulk literal for %T", ErrNotImplemented, v)
	}
}
