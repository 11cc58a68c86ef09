// Package ledger answers transaction receipt queries against an Ethereum
// JSON-RPC node (Ganache in development).
package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/INLOpen/relayhub/core"
	"github.com/cenkalti/backoff/v5"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// chainReader is the part of ethclient.Client the oracle depends on.
type chainReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Options configures an EthOracle.
type Options struct {
	// Confirmations is the number of blocks that must follow the receipt's
	// block before it counts as finalized. Ganache mines instantly, so 0 is typical.
	Confirmations uint64
	// RetryAttempts bounds how many times a transient RPC failure is retried.
	RetryAttempts uint
	// RetryInterval is the initial backoff interval.
	RetryInterval time.Duration
	Logger        *slog.Logger
	Tracer        trace.Tracer
}

// EthOracle implements core.LedgerOracle on top of go-ethereum's ethclient.
type EthOracle struct {
	client        chainReader
	closeFn       func()
	confirmations uint64
	attempts      uint
	interval      time.Duration
	logger        *slog.Logger
	tracer        trace.Tracer
}

var _ core.LedgerOracle = (*EthOracle)(nil)

// Dial connects to the JSON-RPC endpoint at rpcURL.
func Dial(ctx context.Context, rpcURL string, opts Options) (*EthOracle, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial ledger rpc %s: %w", rpcURL, err)
	}
	o := newOracle(client, opts)
	o.closeFn = client.Close
	o.logger.Info("Ledger oracle connected", "rpc_url", rpcURL, "confirmations", opts.Confirmations)
	return o, nil
}

func newOracle(client chainReader, opts Options) *EthOracle {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/INLOpen/relayhub/ledger")
	}
	attempts := opts.RetryAttempts
	if attempts == 0 {
		attempts = 1
	}
	interval := opts.RetryInterval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	return &EthOracle{
		client:        client,
		confirmations: opts.Confirmations,
		attempts:      attempts,
		interval:      interval,
		logger:        logger.With("component", "EthOracle"),
		tracer:        tracer,
	}
}

// Receipt reports the state of txHash. A transaction the node does not know
// about yields a non-finalized receipt and no error; an error means the node
// could not be asked.
func (o *EthOracle) Receipt(ctx context.Context, txHash common.Hash) (result core.Receipt, err error) {
	ctx, span := o.tracer.Start(ctx, "EthOracle.Receipt", trace.WithAttributes(attribute.String("tx_hash", txHash.Hex())))
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	receipt, err := retry(ctx, o, func() (*types.Receipt, error) {
		r, err := o.client.TransactionReceipt(ctx, txHash)
		if errors.Is(err, ethereum.NotFound) {
			return nil, nil
		}
		return r, err
	})
	if err != nil {
		return core.Receipt{}, fmt.Errorf("fetch receipt %s: %w", txHash.Hex(), err)
	}
	if receipt == nil {
		o.logger.Debug("Transaction not found", "tx_hash", txHash.Hex())
		return core.Receipt{}, nil
	}

	if o.confirmations > 0 {
		head, err := retry(ctx, o, func() (uint64, error) { return o.client.BlockNumber(ctx) })
		if err != nil {
			return core.Receipt{}, fmt.Errorf("fetch block number: %w", err)
		}
		if receipt.BlockNumber == nil || head < receipt.BlockNumber.Uint64()+o.confirmations {
			return core.Receipt{}, nil
		}
	}

	// Receipts do not carry the recipient, so look the transaction up as well.
	tx, err := retry(ctx, o, func() (*types.Transaction, error) {
		tx, _, err := o.client.TransactionByHash(ctx, txHash)
		if errors.Is(err, ethereum.NotFound) {
			return nil, backoff.Permanent(err)
		}
		return tx, err
	})
	if err != nil {
		return core.Receipt{}, fmt.Errorf("fetch transaction %s: %w", txHash.Hex(), err)
	}

	result = core.Receipt{
		Finalized: true,
		Success:   receipt.Status == types.ReceiptStatusSuccessful,
	}
	if to := tx.To(); to != nil {
		result.To = *to
	}
	span.SetAttributes(attribute.Bool("success", result.Success), attribute.String("to", result.To.Hex()))
	return result, nil
}

// Close releases the underlying RPC connection.
func (o *EthOracle) Close() {
	if o.closeFn != nil {
		o.closeFn()
	}
}

func retry[T any](ctx context.Context, o *EthOracle, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.interval
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(o.attempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			o.logger.Warn("Ledger rpc call failed, retrying", "error", err, "retry_in", next)
		}),
	)
}
