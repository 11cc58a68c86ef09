package core

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Sink is the durable write path for accepted readings.
type Sink interface {
	// Record persists a single reading. Failures are returned as *SinkError.
	Record(ctx context.Context, r Reading) error
	// Close releases connections held by the sink.
	Close() error
}

// Receipt is the finalized outcome of a ledger transaction.
type Receipt struct {
	Finalized bool
	Success   bool
	To        common.Address
}

// LedgerOracle resolves a transaction identifier to its finalized outcome.
type LedgerOracle interface {
	// Receipt returns the outcome of tx. A transaction the ledger does not know yet
	// is reported as a non-finalized receipt, not as an error.
	Receipt(ctx context.Context, tx common.Hash) (Receipt, error)
}
