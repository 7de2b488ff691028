// Package store owns all persistence: schema binding, the lock-retry policy,
// bulk inserts and the typed accessors every other component goes through.
// Direct DB access outside this package is forbidden.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/chainprice/chainprice/internal/config"
	"github.com/chainprice/chainprice/internal/executor"
	"github.com/chainprice/chainprice/internal/logging"
)

// ErrSchemaMismatch is fatal and user-visible: the on-disk schema does not
// match this build. There is no online migration path.
var ErrSchemaMismatch = errors.New("schema mismatch")

// ErrNotImplemented marks a value type BulkInsert cannot stringify.
var ErrNotImplemented = errors.New("not implemented")

const (
	retryBase       = 50 * time.Millisecond
	retryMultiplier = 1.5
	retryAttempts   = 10
)

// Store is the single mutable process-wide resource. All reads and writes run
// on its executors.
type Store struct {
	db      *sql.DB
	backend config.Provider
	chainID uint64
	pools   *executor.Pools
}

// Open connects, binds the schema and verifies it. A mismatch aborts before
// any write is attempted.
func Open(ctx context.Context, cfg config.Config) (*Store, error) {
	var (
		db  *sql.DB
		err error
	)
	switch cfg.DBProvider {
	case config.ProviderNetworked:
		db, err = sql.Open("postgres", cfg.PostgresDSN())
	default:
		if dir := filepath.Dir(cfg.SQLitePath); dir != "" {
			if mkerr := os.MkdirAll(dir, 0o755); mkerr != nil {
				return nil, mkerr
			}
		}
		db, err = sql.Open("sqlite", cfg.SQLitePath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	}
	if err != nil {
		return nil, err
	}
	sizes := executor.EmbeddedSizes()
	if cfg.DBProvider == config.ProviderNetworked {
		sizes = executor.NetworkedSizes()
	} else {
		// modernc sqlite serializes writers; keep the pool honest.
		db.SetMaxOpenConns(1 + sizes.Read)
	}
	s := &Store{db: db, backend: cfg.DBProvider, chainID: cfg.ChainID, pools: executor.NewPools(sizes)}
	if err := s.bind(ctx); err != nil {
		_ = db.Close()
		s.pools.Close()
		return nil, err
	}
	return s, nil
}

// OpenMemory opens a throwaway in-memory embedded store (tests).
func OpenMemory(ctx context.Context, chainID uint64) (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, backend: config.ProviderEmbedded, chainID: chainID, pools: executor.NewPools(executor.EmbeddedSizes())}
	if err := s.bind(ctx); err != nil {
		_ = db.Close()
		s.pools.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ChainID() uint64          { return s.chainID }
func (s *Store) Backend() config.Provider { return s.backend }
func (s *Store) Pools() *executor.Pools   { return s.pools }

// Close flushes executors and closes the DB. Unflushed bulk inserts are
// recomputable, so drain has a bounded grace.
func (s *Store) Close() error {
	s.pools.Close()
	return s.db.Close()
}

func (s *Store) autoidDDL() string {
	if s.backend == config.ProviderNetworked {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

func (s *Store) bytesDDL() string {
	if s.backend == config.ProviderNetworked {
		return "BYTEA"
	}
	return "BLOB"
}

func (s *Store) bind(ctx context.Context) error {
	for _, t := range tables {
		ddl := strings.ReplaceAll(t.ddl, "%AUTOID%", s.autoidDDL())
		ddl = strings.ReplaceAll(ddl, "%BYTES%", s.bytesDDL())
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("bind %s: %w", t.name, err)
		}
	}
	for _, ddl := range indexDDL {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("bind index: %w", err)
		}
	}
	if err := s.verifySchema(ctx); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO chains (id) VALUES (?) `+s.conflictClause("id")), int64(s.chainID))
	return err
}

// verifySchema compares live columns against the build's expectations. Extra
// columns are tolerated (superset schemas); missing ones are fatal.
func (s *Store) verifySchema(ctx context.Context) error {
	for _, t := range tables {
		live, err := s.liveColumns(ctx, t.name)
		if err != nil {
			return err
		}
		for _, col := range t.columns {
			if _, ok := live[col]; !ok {
				remedy := "delete the DB file and let it rebuild"
				if s.backend == config.ProviderNetworked {
					remedy = "migrate or drop the database"
				}
				return fmt.Errorf("%w: table %s is missing column %s; %s", ErrSchemaMismatch, t.name, col, remedy)
			}
		}
	}
	return nil
}

func (s *Store) liveColumns(ctx context.Context, table string) (map[string]struct{}, error) {
	cols := make(map[string]struct{})
	if s.backend == config.ProviderNetworked {
		rows, err := s.db.QueryContext(ctx,
			`SELECT column_name FROM information_schema.columns WHERE table_name = $1`, table)
		if err != nil {
			return nil, err
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var c string
			if err := rows.Scan(&c); err != nil {
				return nil, err
			}
			cols[c] = struct{}{}
		}
		return cols, rows.Err()
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[name] = struct{}{}
	}
	return cols, rows.Err()
}

// rebind converts ?-placeholders to $n for the networked backend.
func (s *Store) rebind(q string) string {
	if s.backend != config.ProviderNetworked {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) conflictClause(keyCols string) string {
	if s.backend == config.ProviderNetworked {
		return fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", keyCols)
	}
	return "ON CONFLICT DO NOTHING"
}

var retriableWriteMarkers = []string{
	"database is locked",
	"database table is locked",
	"An attempt to mix objects belonging to different transactions",
}

func isLockErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, m := range retriableWriteMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// withRetry applies the one lock-contention policy every write path shares:
// 50 ms base, x1.5 backoff, lock errors only. Everything else propagates.
func withRetry(ctx context.Context, fn func() error) error {
	delay := retryBase
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if err = fn(); err == nil || !isLockErr(err) {
			return err
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay = time.Duration(float64(delay) * retryMultiplier)
	}
	logging.Logger().Warn("write retries exhausted", "err", err.Error())
	return err
}

// execWrite runs a write statement on the write pool under the retry policy.
func (s *Store) execWrite(ctx context.Context, pool *executor.Pool, query string, args ...any) error {
	return pool.Do(ctx, func() error {
		return withRetry(ctx, func() error {
			_, err := s.db.ExecContext(ctx, query, args...)
			return err
		})
	})
}

// queryRow runs a single-row read on the given pool.
func (s *Store) queryRow(ctx context.Context, pool *executor.Pool, query string, args []any, dest ...any) error {
	return pool.Do(ctx, func() error {
		return s.db.QueryRowContext(ctx, query, args...).Scan(dest...)
	})
}
