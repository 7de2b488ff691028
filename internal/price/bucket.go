package price

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/chainprice/chainprice/internal/flight"
	"github.com/chainprice/chainprice/internal/store"
)

// Bucketer pre-classifies tokens by deterministic on-chain probes. Results
// persist forever in the token row; a 1-hour in-memory TTL fronts the store
// after startup so a persisted bucket is never re-probed.
type Bucketer struct {
	st         *store.Store
	strategies []Strategy // fixed precedence; first match wins
	memo       *flight.Memo
}

func NewBucketer(st *store.Store, ordered []Strategy) *Bucketer {
	return &Bucketer{st: st, strategies: ordered, memo: flight.NewMemo(16_384, time.Hour)}
}

// Bucket classifies token, probing at most once per process-hour and at most
// once per lifetime of the DB row.
func (b *Bucketer) Bucket(ctx context.Context, token common.Address) (Bucket, error) {
	v, err := b.memo.Do(ctx, token.Hex(), func(ctx context.Context) (any, error) {
		if tok, ok, err := b.st.GetToken(ctx, token.Hex()); err != nil {
			return nil, err
		} else if ok && tok.Bucket.Valid && tok.Bucket.String != "" {
			return Bucket(tok.Bucket.String), nil
		}
		tag, err := b.probe(ctx, token)
		if err != nil {
			return nil, err
		}
		if err := b.st.SetBucket(ctx, token.Hex(), string(tag)); err != nil {
			return nil, err
		}
		return tag, nil
	})
	if err != nil {
		return "", err
	}
	return v.(Bucket), nil
}

func (b *Bucketer) probe(ctx context.Context, token common.Address) (Bucket, error) {
	if _, ok := oneToOne[token]; ok {
		return BucketOneToOne, nil
	}
	if token == WrappedGasCoin {
		return BucketWrappedNative, nil
	}
	if IsStable(token) {
		return BucketStable, nil
	}
	for _, s := range b.strategies {
		ok, err := s.Matches(ctx, token)
		if err != nil {
			return "", err
		}
		if ok {
			return s.Bucket(), nil
		}
	}
	return BucketGeneric, nil
}
