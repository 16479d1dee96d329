package ethereum

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	xerrors "GigaCrew-Agent/internal/errors"
	"GigaCrew-Agent/internal/negotiation"
	"GigaCrew-Agent/internal/web3"
	"GigaCrew-Agent/pkg/logger"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

//go:embed escrow.abi.json
var escrowABIJSON string

var escrowABI = mustParseABI(escrowABIJSON)

const (
	methodCreateEscrow  = "createEscrow"
	methodSubmitPoW     = "submitPoW"
	methodSubmitDispute = "submitDispute"
	methodWithdrawFunds = "withdrawFunds"
	methodDisputeResult = "disputeResult"

	eventEscrowCreated    = "EscrowCreated"
	eventPoWSubmitted     = "PoWSubmitted"
	eventDisputeSubmitted = "DisputeSubmitted"

	errorResolutionPending = "DisputeResolutionPeriodNotPassed"

	defaultConfirmTimeout = 2 * time.Minute
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("解析托管合约 ABI 失败: %v", err))
	}
	return parsed
}

// Backend is the chain access required by the escrow ledger.
// *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// EscrowLedger binds the escrow contract to a single signing key.
type EscrowLedger struct {
	backend        Backend
	address        common.Address
	contract       *bind.BoundContract
	key            *ecdsa.PrivateKey
	from           common.Address
	chainID        *big.Int
	confirmTimeout time.Duration
	logger         *slog.Logger
}

var _ web3.Ledger = (*EscrowLedger)(nil)

// NewEscrowLedger 创建绑定到指定私钥的托管合约客户端。
func NewEscrowLedger(backend Backend, contract common.Address, chainID *big.Int, key *ecdsa.PrivateKey, confirmTimeout time.Duration) (*EscrowLedger, error) {
	if backend == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "托管合约缺少链访问后端")
	}
	if key == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "托管合约缺少签名私钥")
	}
	if contract == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置托管合约地址")
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置链 ID")
	}
	if confirmTimeout <= 0 {
		confirmTimeout = defaultConfirmTimeout
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	return &EscrowLedger{
		backend:        backend,
		address:        contract,
		contract:       bind.NewBoundContract(contract, escrowABI, backend, backend, backend),
		key:            key,
		from:           from,
		chainID:        new(big.Int).Set(chainID),
		confirmTimeout: confirmTimeout,
		logger:         logger.Named("escrow_ledger").With(slog.String("account", from.Hex())),
	}, nil
}

// Address returns the account the ledger signs with.
func (l *EscrowLedger) Address() common.Address { return l.from }

// CreateEscrow 提交已接受的报价并返回链上订单。
func (l *EscrowLedger) CreateEscrow(ctx context.Context, req web3.EscrowRequest) (*web3.Escrow, error) {
	orderID, err := negotiation.OrderIDBytes(req.OrderID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "订单号无效")
	}
	serviceID, ok := new(big.Int).SetString(strings.TrimSpace(req.ServiceID), 10)
	if !ok {
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "服务 ID 无效: %s", req.ServiceID)
	}
	if req.Price == nil || req.Price.Sign() < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "托管金额无效")
	}
	signature, err := hexutil.Decode(req.ProposalSignature)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "报价签名格式错误")
	}

	receipt, err := l.transact(ctx, methodCreateEscrow, req.Price,
		orderID,
		serviceID,
		big.NewInt(req.ProposalExpiry),
		big.NewInt(req.DeadlineSeconds),
		signature,
	)
	if err != nil {
		return nil, err
	}
	event, err := l.findEvent(receipt, web3.EventEscrowCreated)
	if err != nil {
		return nil, err
	}
	return event.Escrow, nil
}

// SubmitWork 提交交付物，返回包含锁定期的事件。
func (l *EscrowLedger) SubmitWork(ctx context.Context, orderID, work string) (*web3.WorkSubmission, error) {
	id, err := negotiation.OrderIDBytes(orderID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "订单号无效")
	}
	receipt, err := l.transact(ctx, methodSubmitPoW, nil, id, work)
	if err != nil {
		return nil, err
	}
	event, err := l.findEvent(receipt, web3.EventWorkSubmitted)
	if err != nil {
		return nil, err
	}
	return event.Work, nil
}

// SubmitDispute 发起争议，返回争议裁决期。
func (l *EscrowLedger) SubmitDispute(ctx context.Context, orderID string) (*web3.Dispute, error) {
	id, err := negotiation.OrderIDBytes(orderID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "订单号无效")
	}
	receipt, err := l.transact(ctx, methodSubmitDispute, nil, id)
	if err != nil {
		return nil, err
	}
	event, err := l.findEvent(receipt, web3.EventDisputeSubmitted)
	if err != nil {
		return nil, err
	}
	return event.Dispute, nil
}

// WithdrawFunds 提取托管资金。裁决期未过时返回 *web3.ResolutionPendingError。
func (l *EscrowLedger) WithdrawFunds(ctx context.Context, orderID string) error {
	id, err := negotiation.OrderIDBytes(orderID)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "订单号无效")
	}
	_, err = l.transact(ctx, methodWithdrawFunds, nil, id, []byte{})
	return err
}

// DisputeResult 查询争议结果中买方获得的份额。
func (l *EscrowLedger) DisputeResult(ctx context.Context, orderID string) (uint8, error) {
	id, err := negotiation.OrderIDBytes(orderID)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "订单号无效")
	}
	data, err := escrowABI.Pack(methodDisputeResult, id)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码合约调用失败")
	}
	output, err := l.backend.CallContract(ctx, gethcore.CallMsg{From: l.from, To: &l.address, Data: data}, nil)
	if err != nil {
		if pending, ok := decodeResolutionPending(err); ok {
			return 0, xerrors.Wrap(xerrors.CodeLedgerTransient, pending, "争议尚在裁决期")
		}
		if isRevert(err) {
			return 0, web3.ErrNoDispute
		}
		return 0, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "查询争议结果失败")
	}
	values, err := escrowABI.Unpack(methodDisputeResult, output)
	if err != nil || len(values) != 1 {
		return 0, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "解析争议结果失败")
	}
	share, ok := values[0].(uint8)
	if !ok {
		return 0, xerrors.Newf(xerrors.CodeLedgerFailure, "争议结果类型异常: %T", values[0])
	}
	return share, nil
}

// LatestBlock 返回最新区块高度。
func (l *EscrowLedger) LatestBlock(ctx context.Context) (uint64, error) {
	block, err := l.backend.BlockNumber(ctx)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "获取最新区块高度失败")
	}
	return block, nil
}

// FilterEvents 查询区块区间内的托管合约事件，无法解析的日志会被跳过。
func (l *EscrowLedger) FilterEvents(ctx context.Context, filter web3.EventFilter) ([]web3.Event, error) {
	query, err := buildFilterQuery(l.address, filter)
	if err != nil {
		return nil, err
	}
	logs, err := l.backend.FilterLogs(ctx, query)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "查询合约事件失败")
	}
	events := make([]web3.Event, 0, len(logs))
	for _, entry := range logs {
		if entry.Removed {
			continue
		}
		event, ok, err := decodeLog(entry)
		if err != nil {
			l.logger.Warn("解析合约事件失败", slog.String("tx", entry.TxHash.Hex()), slog.Any("error", err))
			continue
		}
		if ok {
			events = append(events, event)
		}
	}
	return events, nil
}

// transact 先以 eth_call 预演交易以取得可解析的 revert 数据，再签名广播并等待上链。
func (l *EscrowLedger) transact(ctx context.Context, method string, value *big.Int, args ...any) (*coretypes.Receipt, error) {
	data, err := escrowABI.Pack(method, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码合约调用失败")
	}
	msg := gethcore.CallMsg{From: l.from, To: &l.address, Value: value, Data: data}
	if _, err := l.backend.CallContract(ctx, msg, nil); err != nil {
		return nil, ledgerError(method, err)
	}

	opts, err := bind.NewKeyedTransactorWithChainID(l.key, l.chainID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建交易签名器失败")
	}
	opts.Context = ctx
	opts.Value = value

	tx, err := l.contract.RawTransact(opts, data)
	if err != nil {
		return nil, ledgerError(method, err)
	}
	l.logger.Info("已发送合约交易", slog.String("method", method), slog.String("tx", tx.Hash().Hex()))

	waitCtx, cancel := context.WithTimeout(ctx, l.confirmTimeout)
	defer cancel()
	receipt, err := bind.WaitMined(waitCtx, l.backend, tx)
	if err != nil {
		return nil, xerrors.Wrapf(xerrors.CodeLedgerFailure, err, "等待交易 %s 上链失败", tx.Hash().Hex())
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return nil, xerrors.Newf(xerrors.CodeLedgerFailure, "交易 %s 执行失败", tx.Hash().Hex())
	}
	return receipt, nil
}

func (l *EscrowLedger) findEvent(receipt *coretypes.Receipt, kind web3.EventKind) (web3.Event, error) {
	for _, entry := range receipt.Logs {
		if entry == nil || entry.Address != l.address {
			continue
		}
		event, ok, err := decodeLog(*entry)
		if err != nil {
			return web3.Event{}, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "解析交易事件失败")
		}
		if ok && event.Kind == kind {
			return event, nil
		}
	}
	return web3.Event{}, xerrors.Newf(xerrors.CodeLedgerFailure, "交易 %s 未包含 %s 事件", receipt.TxHash.Hex(), kind)
}

func ledgerError(method string, err error) error {
	if pending, ok := decodeResolutionPending(err); ok {
		return xerrors.Wrap(xerrors.CodeLedgerTransient, pending, "争议尚在裁决期")
	}
	return xerrors.Wrapf(xerrors.CodeLedgerFailure, err, "调用合约 %s 失败", method)
}

// decodeResolutionPending 从 revert 数据中解析 DisputeResolutionPeriodNotPassed(uint256)。
func decodeResolutionPending(err error) (*web3.ResolutionPendingError, bool) {
	data, ok := revertData(err)
	if !ok || len(data) < 4 {
		return nil, false
	}
	errDef := escrowABI.Errors[errorResolutionPending]
	if !bytes.Equal(data[:4], errDef.ID[:4]) {
		return nil, false
	}
	values, err := errDef.Inputs.Unpack(data[4:])
	if err != nil || len(values) != 1 {
		return nil, false
	}
	until, ok := values[0].(*big.Int)
	if !ok || !until.IsInt64() {
		return nil, false
	}
	return &web3.ResolutionPendingError{Until: time.Unix(until.Int64(), 0)}, true
}

func revertData(err error) ([]byte, bool) {
	var dataErr gethrpc.DataError
	if !errors.As(err, &dataErr) {
		return nil, false
	}
	raw, ok := dataErr.ErrorData().(string)
	if !ok {
		return nil, false
	}
	data, decodeErr := hexutil.Decode(raw)
	if decodeErr != nil {
		return nil, false
	}
	return data, true
}

func isRevert(err error) bool {
	if _, ok := revertData(err); ok {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}

func eventName(kind web3.EventKind) (string, error) {
	switch kind {
	case web3.EventEscrowCreated:
		return eventEscrowCreated, nil
	case web3.EventWorkSubmitted:
		return eventPoWSubmitted, nil
	case web3.EventDisputeSubmitted:
		return eventDisputeSubmitted, nil
	default:
		return "", xerrors.Newf(xerrors.CodeInvalidArgument, "未知的事件类型: %s", kind)
	}
}

func buildFilterQuery(contract common.Address, filter web3.EventFilter) (gethcore.FilterQuery, error) {
	name, err := eventName(filter.Kind)
	if err != nil {
		return gethcore.FilterQuery{}, err
	}

	var rules [][]any
	switch filter.Kind {
	case web3.EventEscrowCreated:
		var service []any
		if filter.ServiceID != "" {
			id, ok := new(big.Int).SetString(filter.ServiceID, 10)
			if !ok {
				return gethcore.FilterQuery{}, xerrors.Newf(xerrors.CodeInvalidArgument, "服务 ID 无效: %s", filter.ServiceID)
			}
			service = []any{id}
		}
		rules = [][]any{nil, service, addressRule(filter.Seller)}
	case web3.EventWorkSubmitted:
		rules = [][]any{nil, addressRule(filter.Buyer), addressRule(filter.Seller)}
	}

	topics, err := abi.MakeTopics(rules...)
	if err != nil {
		return gethcore.FilterQuery{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构造事件过滤条件失败")
	}

	query := gethcore.FilterQuery{
		FromBlock: new(big.Int).SetUint64(filter.FromBlock),
		Addresses: []common.Address{contract},
		Topics:    append([][]common.Hash{{escrowABI.Events[name].ID}}, topics...),
	}
	if filter.ToBlock > 0 {
		query.ToBlock = new(big.Int).SetUint64(filter.ToBlock)
	}
	return query, nil
}

func addressRule(addr common.Address) []any {
	if addr == (common.Address{}) {
		return nil
	}
	return []any{addr}
}

// decodeLog 将托管合约日志解析为事件；非托管事件返回 ok=false。
func decodeLog(entry coretypes.Log) (web3.Event, bool, error) {
	if len(entry.Topics) == 0 {
		return web3.Event{}, false, nil
	}
	event := web3.Event{
		BlockNumber: entry.BlockNumber,
		TxHash:      entry.TxHash.Hex(),
		LogIndex:    entry.Index,
	}
	switch entry.Topics[0] {
	case escrowABI.Events[eventEscrowCreated].ID:
		values, err := unpackEvent(eventEscrowCreated, entry)
		if err != nil {
			return web3.Event{}, false, err
		}
		escrow := &web3.Escrow{
			OrderID:   orderIDString(values["orderId"]),
			ServiceID: bigString(values["serviceId"]),
			Buyer:     addressOf(values["buyer"]),
			Seller:    addressOf(values["seller"]),
			Price:     bigOf(values["price"]),
			Deadline:  unixOf(values["deadline"]),
		}
		event.Kind = web3.EventEscrowCreated
		event.Escrow = escrow
	case escrowABI.Events[eventPoWSubmitted].ID:
		values, err := unpackEvent(eventPoWSubmitted, entry)
		if err != nil {
			return web3.Event{}, false, err
		}
		work, _ := values["work"].(string)
		event.Kind = web3.EventWorkSubmitted
		event.Work = &web3.WorkSubmission{
			OrderID:    orderIDString(values["orderId"]),
			Buyer:      addressOf(values["buyer"]),
			Seller:     addressOf(values["seller"]),
			Work:       work,
			LockPeriod: unixOf(values["lockPeriod"]),
		}
	case escrowABI.Events[eventDisputeSubmitted].ID:
		values, err := unpackEvent(eventDisputeSubmitted, entry)
		if err != nil {
			return web3.Event{}, false, err
		}
		event.Kind = web3.EventDisputeSubmitted
		event.Dispute = &web3.Dispute{
			OrderID:          orderIDString(values["orderId"]),
			ResolutionPeriod: unixOf(values["resolutionPeriod"]),
		}
	default:
		return web3.Event{}, false, nil
	}
	return event, true, nil
}

func unpackEvent(name string, entry coretypes.Log) (map[string]any, error) {
	values := map[string]any{}
	if len(entry.Data) > 0 {
		if err := escrowABI.UnpackIntoMap(values, name, entry.Data); err != nil {
			return nil, fmt.Errorf("解析 %s 数据失败: %w", name, err)
		}
	}
	var indexed abi.Arguments
	for _, arg := range escrowABI.Events[name].Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if err := abi.ParseTopicsIntoMap(values, indexed, entry.Topics[1:]); err != nil {
		return nil, fmt.Errorf("解析 %s 主题失败: %w", name, err)
	}
	return values, nil
}

func orderIDString(v any) string {
	id, _ := v.([32]byte)
	return hex.EncodeToString(id[:])
}

func addressOf(v any) common.Address {
	addr, _ := v.(common.Address)
	return addr
}

func bigOf(v any) *big.Int {
	if n, ok := v.(*big.Int); ok && n != nil {
		return n
	}
	return new(big.Int)
}

func bigString(v any) string {
	return bigOf(v).String()
}

func unixOf(v any) time.Time {
	n := bigOf(v)
	if !n.IsInt64() {
		return time.Time{}
	}
	return time.Unix(n.Int64(), 0)
}
