package eth

import (
	"errors"
	"strings"
)

// ErrUnsupported is returned by providers that do not serve trace methods.
var ErrUnsupported = errors.New("method not supported by provider")

// ErrNodeBehind marks a request for a block beyond the provider's head.
var ErrNodeBehind = errors.New("node is behind requested block")

var revertMarkers = []string{
	"execution reverted",
	"call reverted",
	"out of gas",
	"invalid opcode",
	"INSUFFICIENT_INPUT_AMOUNT",
	"INSUFFICIENT_OUTPUT_AMOUNT",
	"INSUFFICIENT_LIQUIDITY",
}

var missingStateMarkers = []string{
	"missing trie node",
	"no state available for block",
	"required historical state unavailable",
	"header not found",
	"Block with such an ID cannot be found",
}

var blockNotFoundMarkers = []string{
	"One of the blocks specified in filter",
	"cannot be found",
	"block not found",
}

func matchesAny(err error, markers []string) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, m := range markers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// IsRevert reports whether err is a contract-level failure that a pricing
// strategy converts into "no price" rather than propagating.
func IsRevert(err error) bool { return matchesAny(err, revertMarkers) }

// IsMissingState reports archive-state holes and sync gaps; callers retry or
// fall back to barrier semantics.
func IsMissingState(err error) bool { return matchesAny(err, missingStateMarkers) }

// IsBlockNotFound reports the provider-specific "filter block cannot be found"
// family, retried by the filter engine.
func IsBlockNotFound(err error) bool { return matchesAny(err, blockNotFoundMarkers) }
