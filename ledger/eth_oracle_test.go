package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	contract = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	txHash   = common.HexToHash("0x88df016429689c079f3b2f6ad39fa052532c56795b733da78a91ebe6a713944b")
)

// fakeChain serves canned answers and can fail the first N receipt lookups.
type fakeChain struct {
	mu           sync.Mutex
	receipt      *types.Receipt
	tx           *types.Transaction
	head         uint64
	failReceipts int
	receiptCalls int
}

func (f *fakeChain) TransactionReceipt(_ context.Context, _ common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receiptCalls++
	if f.failReceipts > 0 {
		f.failReceipts--
		return nil, errors.New("connection refused")
	}
	if f.receipt == nil {
		return nil, ethereum.NotFound
	}
	return f.receipt, nil
}

func (f *fakeChain) TransactionByHash(_ context.Context, _ common.Hash) (*types.Transaction, bool, error) {
	if f.tx == nil {
		return nil, false, ethereum.NotFound
	}
	return f.tx, false, nil
}

func (f *fakeChain) BlockNumber(_ context.Context) (uint64, error) {
	return f.head, nil
}

func txTo(to common.Address) *types.Transaction {
	return types.NewTx(&types.LegacyTx{
		Nonce:    1,
		To:       &to,
		Value:    big.NewInt(1_000_000_000_000_000),
		Gas:      21000,
		GasPrice: big.NewInt(20_000_000_000),
	})
}

func testOracle(chain chainReader, confirmations uint64) *EthOracle {
	return newOracle(chain, Options{
		Confirmations: confirmations,
		RetryAttempts: 3,
		RetryInterval: time.Millisecond,
		Logger:        slog.New(slog.NewJSONHandler(io.Discard, nil)),
	})
}

func TestEthOracle_SuccessfulPayment(t *testing.T) {
	chain := &fakeChain{
		receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(7)},
		tx:      txTo(contract),
		head:    7,
	}
	r, err := testOracle(chain, 0).Receipt(context.Background(), txHash)
	require.NoError(t, err)
	assert.True(t, r.Finalized)
	assert.True(t, r.Success)
	assert.Equal(t, contract, r.To)
}

func TestEthOracle_FailedStatus(t *testing.T) {
	chain := &fakeChain{
		receipt: &types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(7)},
		tx:      txTo(contract),
	}
	r, err := testOracle(chain, 0).Receipt(context.Background(), txHash)
	require.NoError(t, err)
	assert.True(t, r.Finalized)
	assert.False(t, r.Success)
}

func TestEthOracle_UnknownTransactionIsNotFinalized(t *testing.T) {
	r, err := testOracle(&fakeChain{}, 0).Receipt(context.Background(), txHash)
	require.NoError(t, err)
	assert.False(t, r.Finalized)
}

func TestEthOracle_Confirmations(t *testing.T) {
	chain := &fakeChain{
		receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(10)},
		tx:      txTo(contract),
		head:    11,
	}
	r, err := testOracle(chain, 2).Receipt(context.Background(), txHash)
	require.NoError(t, err)
	assert.False(t, r.Finalized, "one block on top is not enough for two confirmations")

	chain.head = 12
	r, err = testOracle(chain, 2).Receipt(context.Background(), txHash)
	require.NoError(t, err)
	assert.True(t, r.Finalized)
}

func TestEthOracle_RetriesTransientFailures(t *testing.T) {
	chain := &fakeChain{
		receipt:      &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(1)},
		tx:           txTo(contract),
		failReceipts: 2,
	}
	r, err := testOracle(chain, 0).Receipt(context.Background(), txHash)
	require.NoError(t, err)
	assert.True(t, r.Success)
	assert.Equal(t, 3, chain.receiptCalls)
}

func TestEthOracle_GivesUpAfterMaxTries(t *testing.T) {
	chain := &fakeChain{failReceipts: 10}
	_, err := testOracle(chain, 0).Receipt(context.Background(), txHash)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, 3, chain.receiptCalls)
}

func TestEthOracle_ContractCreationHasNoDestination(t *testing.T) {
	create := types.NewTx(&types.LegacyTx{Nonce: 0, Gas: 100000, GasPrice: big.NewInt(1), Data: []byte{0x60, 0x80}})
	chain := &fakeChain{
		receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(1)},
		tx:      create,
	}
	r, err := testOracle(chain, 0).Receipt(context.Background(), txHash)
	require.NoError(t, err)
	assert.Equal(t, common.Address{}, r.To)
}
