// Package blocks resolves block<->timestamp queries and contract creation
// blocks, memoized through the store.
package blocks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/chainprice/chainprice/internal/eth"
	"github.com/chainprice/chainprice/internal/flight"
	"github.com/chainprice/chainprice/internal/logging"
	"github.com/chainprice/chainprice/internal/store"
)

// ErrNoHistory marks a creation-block search that fell below the node's
// archive retention with whenNoHistoryReturn0 disabled.
var ErrNoHistory = errors.New("creation block below node history retention")

const headPoll = time.Second

// Service answers block/timestamp questions against one client and store.
type Service struct {
	st       *store.Store
	client   eth.Client
	memo     *flight.Memo
	explorer *eth.Explorer
}

func NewService(st *store.Store, client eth.Client, ttl time.Duration) *Service {
	return &Service{st: st, client: client, memo: flight.NewMemo(4096, ttl)}
}

// AttachExplorer adds an optional block explorer; creation-block lookups try
// it before falling back to eth_getCode bisection.
func (s *Service) AttachExplorer(e *eth.Explorer) {
	s.explorer = e
}

// Timestamp returns the memoized timestamp of block n.
func (s *Service) Timestamp(ctx context.Context, n uint64) (time.Time, error) {
	if ts, ok, err := s.st.BlockTimestamp(ctx, n); err != nil {
		return time.Time{}, err
	} else if ok {
		return ts, nil
	}
	v, err := s.memo.Do(ctx, fmt.Sprintf("ts:%d", n), func(ctx context.Context) (any, error) {
		h, err := s.client.HeaderByNumber(ctx, n)
		if err != nil {
			return nil, err
		}
		ts := time.Unix(int64(h.Timestamp), 0).UTC()
		if err := s.st.SetBlock(ctx, n, h.Hash.Hex(), ts); err != nil {
			return nil, err
		}
		return ts, nil
	})
	if err != nil {
		return time.Time{}, err
	}
	return v.(time.Time), nil
}

// ClosestBlockAfterTimestamp binary-searches [0, head] for the first block at
// or after t. An unsynced node ("head < expected") is treated as transient:
// the search polls until the head catches up to a block covering t.
func (s *Service) ClosestBlockAfterTimestamp(ctx context.Context, t time.Time) (uint64, error) {
	if b, ok, err := s.st.BlockAtTimestamp(ctx, t); err != nil {
		return 0, err
	} else if ok {
		return b, nil
	}
	var head uint64
	for {
		var err error
		head, err = s.client.BlockNumber(ctx)
		if err != nil {
			return 0, err
		}
		ts, err := s.Timestamp(ctx, head)
		if err != nil {
			return 0, err
		}
		if !ts.Before(t) {
			break
		}
		logging.WarnOnce("blocks-node-behind", "node head behind requested timestamp, polling", "head", head)
		timer := time.NewTimer(headPoll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return 0, ctx.Err()
		case <-timer.C:
		}
	}
	lo, hi := uint64(0), head
	for lo < hi {
		mid := lo + (hi-lo)/2
		ts, err := s.Timestamp(ctx, mid)
		if err != nil {
			return 0, err
		}
		if ts.Before(t) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if err := s.st.SetBlockAtTimestamp(ctx, t, lo); err != nil {
		return 0, err
	}
	return lo, nil
}

// ContractCreationBlock bisects eth_getCode over [0, head]. Archive holes
// raise the barrier: when the true creation block sits below the node's
// retention, the search returns 0 (whenNoHistoryReturn0) or ErrNoHistory.
func (s *Service) ContractCreationBlock(ctx context.Context, addr common.Address, whenNoHistoryReturn0 bool) (uint64, error) {
	if tok, ok, err := s.st.GetToken(ctx, addr.Hex()); err != nil {
		return 0, err
	} else if ok && tok.DeployBlock.Valid {
		return uint64(tok.DeployBlock.Int64), nil
	}
	if n, ok, err := s.explorer.ContractCreationBlock(ctx, addr); err != nil {
		logging.Logger().Debug("explorer creation-block lookup failed, bisecting",
			"addr", addr.Hex(), "err", err.Error())
	} else if ok {
		if err := s.st.SetDeployBlock(ctx, addr.Hex(), n); err != nil {
			return 0, err
		}
		return n, nil
	}
	head, err := s.client.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	code, err := s.client.CodeAt(ctx, addr, head)
	if err != nil {
		return 0, err
	}
	if len(code) == 0 {
		return 0, fmt.Errorf("no code at %s as of block %d", addr.Hex(), head)
	}
	barrier := uint64(0)
	lo, hi := uint64(0), head
	for lo < hi {
		mid := lo + (hi-lo)/2
		code, err := s.client.CodeAt(ctx, addr, mid)
		switch {
		case err == nil:
			if len(code) > 0 {
				hi = mid
			} else {
				lo = mid + 1
			}
		case eth.IsMissingState(err):
			// No state this deep; everything at or below mid is unknowable.
			barrier = mid + 1
			lo = mid + 1
		default:
			return 0, err
		}
	}
	if barrier > 0 && lo <= barrier {
		if whenNoHistoryReturn0 {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %s (barrier %d)", ErrNoHistory, addr.Hex(), barrier)
	}
	if err := s.st.SetDeployBlock(ctx, addr.Hex(), lo); err != nil {
		return 0, err
	}
	return lo, nil
}
