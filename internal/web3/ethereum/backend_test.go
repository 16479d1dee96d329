package ethereum

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	coretypes "github.com/ethereum/go-ethereum/core/types"
)

var testContract = common.HexToAddress("0x00000000000000000000000000000000000c0de0")

// fakeBackend implements the subset of Backend used by the escrow ledger.
type fakeBackend struct {
	Backend

	mu          sync.Mutex
	callResult  []byte
	callErr     error
	calls       []gethcore.CallMsg
	logs        []coretypes.Log
	lastQuery   gethcore.FilterQuery
	block       uint64
	sent        []*coretypes.Transaction
	receiptLogs []*coretypes.Log
	status      uint64
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{status: coretypes.ReceiptStatusSuccessful, block: 42}
}

func (f *fakeBackend) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return []byte{0x60}, nil
}

func (f *fakeBackend) PendingCodeAt(context.Context, common.Address) ([]byte, error) {
	return []byte{0x60}, nil
}

func (f *fakeBackend) CallContract(_ context.Context, call gethcore.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.callResult, f.callErr
}

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*coretypes.Header, error) {
	return &coretypes.Header{Number: big.NewInt(int64(f.block)), BaseFee: big.NewInt(1)}, nil
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 0, nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(2), nil
}

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (f *fakeBackend) EstimateGas(context.Context, gethcore.CallMsg) (uint64, error) {
	return 100_000, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *coretypes.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &coretypes.Receipt{Status: f.status, TxHash: hash, Logs: f.receiptLogs}, nil
}

func (f *fakeBackend) FilterLogs(_ context.Context, q gethcore.FilterQuery) ([]coretypes.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastQuery = q
	return f.logs, nil
}

func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) {
	return f.block, nil
}

// revertError mimics the JSON-RPC error returned for a reverted eth_call.
type revertError struct {
	data string
}

func (e revertError) Error() string          { return "execution reverted" }
func (e revertError) ErrorCode() int         { return 3 }
func (e revertError) ErrorData() interface{} { return e.data }

func pendingRevert(t *testing.T, until int64) revertError {
	t.Helper()
	errDef := escrowABI.Errors[errorResolutionPending]
	packed, err := errDef.Inputs.Pack(big.NewInt(until))
	require.NoError(t, err)
	selector := errDef.ID.Bytes()[:4]
	return revertError{data: hexutil.Encode(append(append([]byte{}, selector...), packed...))}
}

func buildLog(t *testing.T, name string, indexed []any, nonIndexed ...any) coretypes.Log {
	t.Helper()
	event := escrowABI.Events[name]
	rules := make([][]any, 0, len(indexed))
	for _, v := range indexed {
		rules = append(rules, []any{v})
	}
	topics, err := abi.MakeTopics(rules...)
	require.NoError(t, err)

	all := []common.Hash{event.ID}
	for _, topic := range topics {
		all = append(all, topic[0])
	}
	data, err := event.Inputs.NonIndexed().Pack(nonIndexed...)
	require.NoError(t, err)
	return coretypes.Log{
		Address:     testContract,
		Topics:      all,
		Data:        data,
		BlockNumber: 7,
		TxHash:      common.HexToHash("0xabc"),
		Index:       2,
	}
}
