package onchain

// ledger.go: ejecutor on-chain del pipeline de apertura.
//
// Cada operación se firma con la clave local tras la autorización del
// Approver humano y se envía como tx EIP-155:
//   - price update: PriceAdapter.submitPriceById(feedId, price18)
//   - approve:      USDC.approve(vault, amount6)
//   - open:         OutcomeMarket.openPosition(direction, collateral18, leverage)
//   - close:        OutcomeMarket.closePosition(positionId)
// Tras un open confirmado se lee el positionId en PositionManager.
// La confirmación se obtiene por polling del receipt.

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/perpx/internal/domain"
	"github.com/alejandrodnm/perpx/internal/ports"
)

const (
	// Gas limits fijos, como los enviaba el dashboard (Stylus necesita margen).
	defaultPriceUpdateGas   = uint64(300_000)
	defaultApproveGas       = uint64(100_000)
	defaultOpenPositionGas  = uint64(3_000_000)
	defaultClosePositionGas = uint64(1_000_000)

	defaultReceiptPoll     = 3 * time.Second
	gasPriceUpdateInterval = time.Minute
	fallbackGasPriceWei    = 100_000_000 // 0.1 gwei, Arbitrum
)

// Backend is the subset of ethclient.Client the ledger uses.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// GasLimits per operation kind.
type GasLimits struct {
	PriceUpdate   uint64
	Approve       uint64
	OpenPosition  uint64
	ClosePosition uint64
}

// Config describes the chain and the contracts the ledger talks to.
type Config struct {
	ChainID         int64
	Vault           common.Address
	PriceAdapter    common.Address
	CollateralToken common.Address
	PositionManager common.Address // zero: positions are journaled without ledger id
	TokenDecimals   int32
	Markets         []domain.Market
	Gas             GasLimits
	ReceiptPoll     time.Duration
}

func (c Config) tokenDecimals() int32 {
	if c.TokenDecimals <= 0 {
		return defaultTokenDecimals
	}
	return c.TokenDecimals
}

type pendingTx struct {
	op     domain.OperationDescriptor
	call   call
	hash   common.Hash
	sentAt time.Time
}

// Ledger implements ports.Ledger, ports.AccountReader and ports.MarketInfo
// against the deployed contracts.
type Ledger struct {
	backend  Backend
	key      *ecdsa.PrivateKey
	address  common.Address
	cfg      Config
	approver ports.Approver
	journal  ports.PositionStorage
	now      func() time.Time

	mu           sync.Mutex
	pending      map[domain.OperationHandle]pendingTx
	cachedGasWei *big.Int
	gasUpdatedAt time.Time
}

// Dial connects to rpcURL and returns a Ledger signing with privateKeyHex.
func Dial(rpcURL, privateKeyHex string, cfg Config, approver ports.Approver, journal ports.PositionStorage) (*Ledger, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("onchain.Dial: invalid private key: %w", err)
	}
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("onchain.Dial: dial rpc %s: %w", rpcURL, err)
	}
	return New(client, key, cfg, approver, journal), nil
}

// New creates a Ledger on an existing backend. journal may be nil.
func New(backend Backend, key *ecdsa.PrivateKey, cfg Config, approver ports.Approver, journal ports.PositionStorage) *Ledger {
	if cfg.Gas.PriceUpdate == 0 {
		cfg.Gas.PriceUpdate = defaultPriceUpdateGas
	}
	if cfg.Gas.Approve == 0 {
		cfg.Gas.Approve = defaultApproveGas
	}
	if cfg.Gas.OpenPosition == 0 {
		cfg.Gas.OpenPosition = defaultOpenPositionGas
	}
	if cfg.Gas.ClosePosition == 0 {
		cfg.Gas.ClosePosition = defaultClosePositionGas
	}
	if cfg.ReceiptPoll <= 0 {
		cfg.ReceiptPoll = defaultReceiptPoll
	}
	return &Ledger{
		backend:  backend,
		key:      key,
		address:  crypto.PubkeyToAddress(key.PublicKey),
		cfg:      cfg,
		approver: approver,
		journal:  journal,
		now:      time.Now,
		pending:  make(map[domain.OperationHandle]pendingTx),
	}
}

// Address is the signing account.
func (l *Ledger) Address() common.Address { return l.address }

// Submit asks the approver, simulates, signs and sends op.
func (l *Ledger) Submit(ctx context.Context, op domain.OperationDescriptor) (domain.OperationHandle, error) {
	c, err := buildCall(l.cfg, op)
	if err != nil {
		return "", fmt.Errorf("onchain.Submit: %s: %w", op.Kind, err)
	}

	// Simulación: un revert aquí no llega a pedir firma.
	msg := ethereum.CallMsg{From: l.address, To: &c.to, Data: c.data, Gas: c.gasLimit}
	if _, err := l.backend.EstimateGas(ctx, msg); err != nil {
		if isRevert(err) {
			return "", fmt.Errorf("onchain.Submit: %s: simulate: %w", op.Kind, err)
		}
		slog.Warn("onchain: gas estimate failed, using fixed limit", "kind", op.Kind, "err", err, "limit", c.gasLimit)
	}

	if l.approver != nil {
		ok, err := l.approver.Authorize(ctx, op)
		if err != nil {
			return "", fmt.Errorf("onchain.Submit: %s: authorize: %w", op.Kind, err)
		}
		if !ok {
			return "", fmt.Errorf("onchain.Submit: %s: %w", op.Kind, domain.ErrSignerRejected)
		}
	}

	nonce, err := l.backend.PendingNonceAt(ctx, l.address)
	if err != nil {
		return "", fmt.Errorf("onchain.Submit: %s: nonce: %w", op.Kind, err)
	}
	gasPrice := l.gasPrice(ctx)

	tx := types.NewTransaction(nonce, c.to, big.NewInt(0), c.gasLimit, gasPrice, c.data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(big.NewInt(l.cfg.ChainID)), l.key)
	if err != nil {
		return "", fmt.Errorf("onchain.Submit: %s: sign tx: %w", op.Kind, err)
	}
	if err := l.backend.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("onchain.Submit: %s: send tx: %w", op.Kind, err)
	}

	handle := domain.OperationHandle(signed.Hash().Hex())
	l.mu.Lock()
	l.pending[handle] = pendingTx{op: op, call: c, hash: signed.Hash(), sentAt: l.now()}
	l.mu.Unlock()

	slog.Info("onchain: transaction sent", "kind", op.Kind, "tx", handle, "nonce", nonce, "gas", c.gasLimit)
	return handle, nil
}

// AwaitConfirmation polls the receipt of handle until it is mined or ctx ends.
func (l *Ledger) AwaitConfirmation(ctx context.Context, handle domain.OperationHandle) (domain.Resolution, error) {
	l.mu.Lock()
	ptx, ok := l.pending[handle]
	l.mu.Unlock()
	if !ok {
		return domain.Resolution{}, fmt.Errorf("onchain.AwaitConfirmation: unknown handle %s", handle)
	}

	receipt, err := l.waitForReceipt(ctx, ptx.hash)
	if err != nil {
		return domain.Resolution{}, fmt.Errorf("onchain.AwaitConfirmation: %s: %w", handle, err)
	}

	l.mu.Lock()
	delete(l.pending, handle)
	l.mu.Unlock()

	if receipt.Status != types.ReceiptStatusSuccessful {
		reason := l.revertReason(ctx, ptx, receipt.BlockNumber)
		slog.Warn("onchain: transaction reverted", "kind", ptx.op.Kind, "tx", handle, "reason", reason)
		return domain.Resolution{Outcome: domain.OutcomeReverted, Reason: reason}, nil
	}

	slog.Info("onchain: confirmed",
		"kind", ptx.op.Kind,
		"tx", handle,
		"block", receipt.BlockNumber,
		"gas_used", receipt.GasUsed,
		"elapsed", l.now().Sub(ptx.sentAt).Round(time.Millisecond),
	)
	if ptx.op.Kind == domain.OpOpenPosition {
		l.journalPosition(ctx, ptx.op, handle)
	}
	return domain.Resolution{Outcome: domain.OutcomeConfirmed}, nil
}

// AvailableBalance is the free vault collateral:
// getCollateralBalance(user, token) (token decimals) − lockedCollateral(user) (18 decimals).
func (l *Ledger) AvailableBalance(ctx context.Context) (decimal.Decimal, error) {
	total, err := l.callUint(ctx, l.cfg.Vault, vaultABI, "getCollateralBalance", l.address, l.cfg.CollateralToken)
	if err != nil {
		return decimal.Zero, fmt.Errorf("onchain.AvailableBalance: collateral: %w", err)
	}
	locked, err := l.callUint(ctx, l.cfg.Vault, vaultABI, "lockedCollateral", l.address)
	if err != nil {
		return decimal.Zero, fmt.Errorf("onchain.AvailableBalance: locked: %w", err)
	}
	free := fromUnits(total, l.cfg.tokenDecimals()).Sub(fromUnits(locked, vaultDecimals))
	if free.IsNegative() {
		return decimal.Zero, nil
	}
	return free, nil
}

// CurrentAllowance is what the vault may pull from the wallet.
func (l *Ledger) CurrentAllowance(ctx context.Context) (decimal.Decimal, error) {
	v, err := l.callUint(ctx, l.cfg.CollateralToken, erc20ABI, "allowance", l.address, l.cfg.Vault)
	if err != nil {
		return decimal.Zero, fmt.Errorf("onchain.CurrentAllowance: %w", err)
	}
	return fromUnits(v, l.cfg.tokenDecimals()), nil
}

// Market returns the configured market by address or name.
func (l *Ledger) Market(addrOrName string) (domain.Market, error) {
	for _, m := range l.cfg.Markets {
		if strings.EqualFold(m.Address, addrOrName) || strings.EqualFold(m.Name, addrOrName) {
			return m, nil
		}
	}
	return domain.Market{}, fmt.Errorf("onchain.Market: %s: %w", addrOrName, domain.ErrUnknownMarket)
}

// IsMarketExpired reads expiryTimestamp() from the market contract.
func (l *Ledger) IsMarketExpired(ctx context.Context, market string) (bool, error) {
	m, err := l.Market(market)
	if err != nil {
		return false, err
	}
	v, err := l.callUint(ctx, common.HexToAddress(m.Address), marketABI, "expiryTimestamp")
	if err != nil {
		return false, fmt.Errorf("onchain.IsMarketExpired: %s: %w", m.Name, err)
	}
	m.Expiry = time.Unix(v.Int64(), 0)
	return m.IsExpired(l.now()), nil
}

// --- helpers internos ---

// abiCodec is satisfied by abi.ABI.
type abiCodec interface {
	Pack(name string, args ...interface{}) ([]byte, error)
	Unpack(name string, data []byte) ([]interface{}, error)
}

// callUint runs a read-only call returning a single uint256.
func (l *Ledger) callUint(ctx context.Context, to common.Address, parsed abiCodec, method string, args ...interface{}) (*big.Int, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := l.backend.CallContract(ctx, ethereum.CallMsg{From: l.address, To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	vals, err := parsed.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("unpack %s: empty result", method)
	}
	v, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unpack %s: unexpected type %T", method, vals[0])
	}
	return v, nil
}

// revertReason replays a reverted tx at its block to recover the reason string.
func (l *Ledger) revertReason(ctx context.Context, ptx pendingTx, block *big.Int) string {
	_, err := l.backend.CallContract(ctx, ethereum.CallMsg{
		From: l.address,
		To:   &ptx.call.to,
		Data: ptx.call.data,
		Gas:  ptx.call.gasLimit,
	}, block)
	if err == nil {
		return ""
	}
	return domain.RevertReason(err)
}

func (l *Ledger) journalPosition(ctx context.Context, op domain.OperationDescriptor, handle domain.OperationHandle) {
	if l.journal == nil {
		return
	}
	name := domain.MarketNameFor(op.Market)
	if m, err := l.Market(op.Market); err == nil {
		name = m.Name
	}
	req := domain.PositionRequest{
		Market:         op.Market,
		Side:           op.Side,
		Collateral:     op.Amount,
		Leverage:       op.Leverage,
		ReferencePrice: op.Price,
	}
	pos := domain.NewPosition(uuid.NewString(), l.address.Hex(), name, req, string(handle), l.now())
	id, err := l.latestPositionID(ctx, op.Market)
	if err != nil {
		slog.Warn("onchain: position id unavailable, it cannot be closed from here", "tx", handle, "err", err)
	}
	pos.LedgerID = id
	if err := l.journal.SavePosition(ctx, pos); err != nil {
		slog.Warn("onchain: journal position", "tx", handle, "err", err)
	}
}

// latestPositionID returns the highest position id the account holds on market,
// which is the one just opened.
func (l *Ledger) latestPositionID(ctx context.Context, market string) (string, error) {
	if l.cfg.PositionManager == (common.Address{}) {
		return "", errors.New("no position manager configured")
	}
	data, err := positionsABI.Pack("getUserPositionsInMarket", l.address, common.HexToAddress(market))
	if err != nil {
		return "", fmt.Errorf("pack getUserPositionsInMarket: %w", err)
	}
	out, err := l.backend.CallContract(ctx, ethereum.CallMsg{From: l.address, To: &l.cfg.PositionManager, Data: data}, nil)
	if err != nil {
		return "", fmt.Errorf("call getUserPositionsInMarket: %w", err)
	}
	vals, err := positionsABI.Unpack("getUserPositionsInMarket", out)
	if err != nil {
		return "", fmt.Errorf("unpack getUserPositionsInMarket: %w", err)
	}
	if len(vals) == 0 {
		return "", errors.New("getUserPositionsInMarket: empty result")
	}
	ids, ok := vals[0].([]*big.Int)
	if !ok || len(ids) == 0 {
		return "", errors.New("getUserPositionsInMarket: no positions")
	}
	latest := ids[0]
	for _, id := range ids[1:] {
		if id.Cmp(latest) > 0 {
			latest = id
		}
	}
	return latest.String(), nil
}

// gasPrice returns the suggested gas price +10%, cached to avoid excessive RPC calls.
func (l *Ledger) gasPrice(ctx context.Context) *big.Int {
	l.mu.Lock()
	cached := l.cachedGasWei
	updatedAt := l.gasUpdatedAt
	l.mu.Unlock()

	if cached != nil && l.now().Sub(updatedAt) < gasPriceUpdateInterval {
		return cached
	}

	price, err := l.backend.SuggestGasPrice(ctx)
	if err != nil {
		if cached != nil {
			return cached
		}
		slog.Warn("onchain: suggest gas price failed, using fallback", "err", err)
		return big.NewInt(fallbackGasPriceWei)
	}

	buffered := new(big.Int).Mul(price, big.NewInt(11))
	buffered.Div(buffered, big.NewInt(10))

	l.mu.Lock()
	l.cachedGasWei = buffered
	l.gasUpdatedAt = l.now()
	l.mu.Unlock()
	return buffered
}

// waitForReceipt polls for a transaction receipt until mined or ctx is done.
func (l *Ledger) waitForReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(l.cfg.ReceiptPoll)
	defer ticker.Stop()

	for {
		receipt, err := l.backend.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			slog.Debug("onchain: receipt not available yet", "tx", txHash.Hex(), "err", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func isRevert(err error) bool {
	return domain.Classify(err) == domain.KindReverted && !strings.Contains(strings.ToLower(err.Error()), "gas required exceeds")
}
