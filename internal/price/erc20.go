package price

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/chainprice/chainprice/internal/eth"
	"github.com/chainprice/chainprice/internal/flight"
	"github.com/chainprice/chainprice/internal/store"
)

// ERC20 probes token metadata. decimals are cached forever once known;
// symbol/name are persisted alongside.
type ERC20 struct {
	client eth.Client
	st     *store.Store
	memo   *flight.Memo
}

func NewERC20(client eth.Client, st *store.Store) *ERC20 {
	return &ERC20{client: client, st: st, memo: flight.NewMemo(8192, 0)}
}

// Decimals returns the token's decimals, probing decimals() on first sight.
func (e *ERC20) Decimals(ctx context.Context, token common.Address, block uint64) (int64, bool, error) {
	v, err := e.memo.Do(ctx, "dec:"+token.Hex(), func(ctx context.Context) (any, error) {
		if tok, ok, err := e.st.GetToken(ctx, token.Hex()); err != nil {
			return nil, err
		} else if ok && tok.Decimals.Valid {
			return int64(tok.Decimals.Int32), nil
		}
		ret, ok, err := probeCall(ctx, e.client, token, eth.Call("decimals()"), block)
		if err != nil {
			return nil, err
		}
		if !ok {
			return int64(-1), nil
		}
		d, err := eth.DecodeUint256(ret, 0)
		if err != nil {
			return nil, err
		}
		dec := int64(d.Uint64())
		if !d.IsUint64() || dec > 2_147_483_647 {
			return nil, fmt.Errorf("token %s: bogus decimals %s", token.Hex(), d.Dec())
		}
		symbol, _ := e.textProbe(ctx, token, "symbol()", block)
		name, _ := e.textProbe(ctx, token, "name()", block)
		if err := e.st.SetTokenMeta(ctx, token.Hex(), symbol, name, dec); err != nil {
			return nil, err
		}
		return dec, nil
	})
	if err != nil {
		return 0, false, err
	}
	dec := v.(int64)
	if dec < 0 {
		return 0, false, nil
	}
	return dec, true, nil
}

// Symbol returns the token's symbol, tolerating bytes32-encoded answers.
func (e *ERC20) Symbol(ctx context.Context, token common.Address, block uint64) (string, error) {
	if tok, ok, err := e.st.GetToken(ctx, token.Hex()); err != nil {
		return "", err
	} else if ok && tok.Symbol.Valid && tok.Symbol.String != "" {
		return tok.Symbol.String, nil
	}
	s, err := e.textProbe(ctx, token, "symbol()", block)
	return s, err
}

func (e *ERC20) textProbe(ctx context.Context, token common.Address, sig string, block uint64) (string, error) {
	ret, ok, err := probeCall(ctx, e.client, token, eth.Call(sig), block)
	if err != nil || !ok {
		return "", err
	}
	return eth.DecodeString(ret)
}

// TotalSupply reads totalSupply() at a block.
func (e *ERC20) TotalSupply(ctx context.Context, token common.Address, block uint64) (*uint256.Int, bool, error) {
	ret, ok, err := probeCall(ctx, e.client, token, eth.Call("totalSupply()"), block)
	if err != nil || !ok {
		return nil, false, err
	}
	v, err := eth.DecodeUint256(ret, 0)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// BalanceOf reads balanceOf(holder) at a block.
func (e *ERC20) BalanceOf(ctx context.Context, token, holder common.Address, block uint64) (*uint256.Int, bool, error) {
	ret, ok, err := probeCall(ctx, e.client, token, eth.Call("balanceOf(address)", holder), block)
	if err != nil || !ok {
		return nil, false, err
	}
	v, err := eth.DecodeUint256(ret, 0)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}
