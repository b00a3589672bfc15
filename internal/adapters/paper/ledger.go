// Package paper simula el ledger en memoria: mismas operaciones que el
// adaptador on-chain, sin firmar ni enviar nada.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/perpx/internal/domain"
	"github.com/alejandrodnm/perpx/internal/ports"
)

// Failure is a scripted outcome for the next operation of a kind.
type Failure int

const (
	FailNone Failure = iota
	// FailReject: the signer refuses at Submit.
	FailReject
	// FailRevert: the operation is sent and reverts on confirmation.
	FailRevert
	// FailInsufficientFunds: Submit fails before sending.
	FailInsufficientFunds
	// FailHang: the operation is sent and never resolves.
	FailHang
)

// Config is the initial simulated account.
type Config struct {
	User      string
	Balance   decimal.Decimal // free collateral in the vault
	Allowance decimal.Decimal
	Latency   time.Duration // per confirmation
	Markets   []domain.Market
}

type pendingOp struct {
	op       domain.OperationDescriptor
	failure  Failure
	reason   string
	done     chan struct{} // closed once the operation settled
	res      domain.Resolution
	ledgerID string // OpOpenPosition: id assigned on confirmation
}

// openPosition is what the simulated market keeps per position.
type openPosition struct {
	market     string
	side       domain.Side
	collateral decimal.Decimal
	size       decimal.Decimal
	entry      decimal.Decimal
}

// Ledger implements ports.Ledger, ports.AccountReader and ports.MarketInfo.
type Ledger struct {
	cfg      Config
	approver ports.Approver
	journal  ports.PositionStorage
	now      func() time.Time

	mu        sync.Mutex
	balance   decimal.Decimal
	locked    decimal.Decimal
	allowance decimal.Decimal
	prices    map[string]decimal.Decimal // feed id → last published price
	scripted  map[domain.OperationKind][]pendingOp
	pending   map[domain.OperationHandle]*pendingOp
	open      map[string]openPosition // ledger id → position
	nextID    int64
}

// New creates a paper ledger. approver and journal may be nil.
func New(cfg Config, approver ports.Approver, journal ports.PositionStorage) *Ledger {
	if cfg.User == "" {
		cfg.User = "0x000000000000000000000000000000000000dEaD"
	}
	return &Ledger{
		cfg:       cfg,
		approver:  approver,
		journal:   journal,
		now:       time.Now,
		balance:   cfg.Balance,
		allowance: cfg.Allowance,
		prices:    make(map[string]decimal.Decimal),
		scripted:  make(map[domain.OperationKind][]pendingOp),
		pending:   make(map[domain.OperationHandle]*pendingOp),
		open:      make(map[string]openPosition),
	}
}

// Restore reloads the journaled open positions of the simulated account, so a
// later run can close them. Their collateral is locked again.
func (l *Ledger) Restore(ctx context.Context) error {
	if l.journal == nil {
		return nil
	}
	journaled, err := l.journal.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("paper.Restore: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range journaled {
		if p.Status != domain.PositionOpen || p.LedgerID == "" || !strings.EqualFold(p.User, l.cfg.User) {
			continue
		}
		if _, ok := l.open[p.LedgerID]; ok {
			continue
		}
		l.open[p.LedgerID] = openPosition{
			market:     p.Market,
			side:       p.Side,
			collateral: p.Collateral,
			size:       p.Size,
			entry:      p.EntryPrice,
		}
		l.locked = l.locked.Add(p.Collateral)
		if n, err := strconv.ParseInt(p.LedgerID, 10, 64); err == nil && n > l.nextID {
			l.nextID = n
		}
	}
	slog.Debug("paper: positions restored", "count", len(l.open), "locked", l.locked.String())
	return nil
}

// User is the simulated account address.
func (l *Ledger) User() string { return l.cfg.User }

// Script queues a failure for the next operation of kind.
func (l *Ledger) Script(kind domain.OperationKind, f Failure, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.scripted[kind] = append(l.scripted[kind], pendingOp{failure: f, reason: reason})
}

func (l *Ledger) nextFailure(kind domain.OperationKind) pendingOp {
	q := l.scripted[kind]
	if len(q) == 0 {
		return pendingOp{}
	}
	l.scripted[kind] = q[1:]
	return q[0]
}

// Submit authorizes and "sends" op. From here on the operation settles after
// the configured latency whether or not anyone awaits it.
func (l *Ledger) Submit(ctx context.Context, op domain.OperationDescriptor) (domain.OperationHandle, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("paper.Submit: %w", err)
	}

	l.mu.Lock()
	script := l.nextFailure(op.Kind)
	l.mu.Unlock()

	switch script.failure {
	case FailReject:
		return "", fmt.Errorf("paper.Submit: %s: %w", op.Kind, domain.ErrSignerRejected)
	case FailInsufficientFunds:
		return "", fmt.Errorf("paper.Submit: %s: %w", op.Kind, domain.ErrInsufficientFunds)
	}

	if l.approver != nil {
		ok, err := l.approver.Authorize(ctx, op)
		if err != nil {
			return "", fmt.Errorf("paper.Submit: %s: authorize: %w", op.Kind, err)
		}
		if !ok {
			return "", fmt.Errorf("paper.Submit: %s: %w", op.Kind, domain.ErrSignerRejected)
		}
	}

	handle := domain.OperationHandle("paper-" + uuid.NewString())
	p := &pendingOp{op: op, failure: script.failure, reason: script.reason, done: make(chan struct{})}
	l.mu.Lock()
	l.pending[handle] = p
	l.mu.Unlock()

	slog.Info("paper: operation sent", "kind", op.Kind, "handle", handle, "summary", op.Summary())
	if p.failure != FailHang {
		go l.settle(handle, p)
	}
	return handle, nil
}

// settle "mines" p after the latency. A client that stopped waiting does not
// retract it.
func (l *Ledger) settle(handle domain.OperationHandle, p *pendingOp) {
	if l.cfg.Latency > 0 {
		time.Sleep(l.cfg.Latency)
	}

	l.mu.Lock()
	if p.failure == FailRevert {
		p.res = domain.Resolution{Outcome: domain.OutcomeReverted, Reason: p.reason}
	} else {
		p.res = l.applyLocked(p)
	}
	l.mu.Unlock()

	if p.res.Outcome != domain.OutcomeConfirmed {
		slog.Warn("paper: operation reverted", "kind", p.op.Kind, "handle", handle, "reason", p.res.Reason)
	} else {
		slog.Info("paper: confirmed", "kind", p.op.Kind, "handle", handle)
		if p.op.Kind == domain.OpOpenPosition {
			l.journalPosition(context.Background(), p.op, handle, p.ledgerID)
		}
	}
	close(p.done)
}

// AwaitConfirmation waits until the operation settles or ctx ends.
func (l *Ledger) AwaitConfirmation(ctx context.Context, handle domain.OperationHandle) (domain.Resolution, error) {
	l.mu.Lock()
	p, ok := l.pending[handle]
	l.mu.Unlock()
	if !ok {
		return domain.Resolution{}, fmt.Errorf("paper.AwaitConfirmation: unknown handle %s", handle)
	}

	select {
	case <-ctx.Done():
		return domain.Resolution{}, fmt.Errorf("paper.AwaitConfirmation: %s: %w", handle, ctx.Err())
	case <-p.done:
	}

	l.mu.Lock()
	delete(l.pending, handle)
	l.mu.Unlock()
	return p.res, nil
}

// applyLocked aplica el efecto de la operación, con los mismos reverts que los contratos.
func (l *Ledger) applyLocked(p *pendingOp) domain.Resolution {
	op := p.op
	switch op.Kind {
	case domain.OpPriceUpdate:
		if op.Price.Sign() <= 0 {
			return domain.Resolution{Outcome: domain.OutcomeReverted, Reason: "invalid price"}
		}
		l.prices[op.PriceFeedID] = op.Price

	case domain.OpApprove:
		// ERC-20 approve reemplaza la allowance, no la suma.
		l.allowance = op.Amount

	case domain.OpOpenPosition:
		if l.allowance.LessThan(op.Amount) {
			return domain.Resolution{Outcome: domain.OutcomeReverted, Reason: "ERC20: insufficient allowance"}
		}
		if l.balance.Sub(l.locked).LessThan(op.Amount) {
			return domain.Resolution{Outcome: domain.OutcomeReverted, Reason: "insufficient collateral"}
		}
		l.allowance = l.allowance.Sub(op.Amount)
		l.locked = l.locked.Add(op.Amount)
		l.nextID++
		p.ledgerID = strconv.FormatInt(l.nextID, 10)
		l.open[p.ledgerID] = openPosition{
			market:     op.Market,
			side:       op.Side,
			collateral: op.Amount,
			size:       op.Amount.Mul(decimal.NewFromInt(op.Leverage)),
			entry:      op.Price,
		}

	case domain.OpClosePosition:
		pos, ok := l.open[op.PositionID]
		if !ok || !strings.EqualFold(pos.market, op.Market) {
			return domain.Resolution{Outcome: domain.OutcomeReverted, Reason: "position not found"}
		}
		pnl := l.pnlLocked(pos)
		l.locked = l.locked.Sub(pos.collateral)
		l.balance = l.balance.Add(pnl)
		delete(l.open, op.PositionID)
	}
	return domain.Resolution{Outcome: domain.OutcomeConfirmed}
}

// pnlLocked marks pos at the last price published for its market. The loss
// is capped at the collateral.
func (l *Ledger) pnlLocked(pos openPosition) decimal.Decimal {
	m, err := l.Market(pos.market)
	if err != nil || pos.entry.Sign() <= 0 {
		return decimal.Zero
	}
	price, ok := l.prices[m.PriceFeedID]
	if !ok {
		return decimal.Zero
	}
	change := price.Sub(pos.entry)
	if pos.side == domain.SideShort {
		change = change.Neg()
	}
	pnl := change.Div(pos.entry).Mul(pos.size)
	if pnl.LessThan(pos.collateral.Neg()) {
		return pos.collateral.Neg()
	}
	return pnl
}

func (l *Ledger) journalPosition(ctx context.Context, op domain.OperationDescriptor, handle domain.OperationHandle, ledgerID string) {
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
	pos := domain.NewPosition(uuid.NewString(), l.cfg.User, name, req, string(handle), l.now())
	pos.LedgerID = ledgerID
	if err := l.journal.SavePosition(ctx, pos); err != nil {
		slog.Warn("paper: journal position", "handle", handle, "err", err)
	}
}

// AvailableBalance is balance minus locked collateral.
func (l *Ledger) AvailableBalance(ctx context.Context) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance.Sub(l.locked), nil
}

// CurrentAllowance returns the simulated allowance.
func (l *Ledger) CurrentAllowance(ctx context.Context) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allowance, nil
}

// PublishedPrice returns the last price accepted for feedID.
func (l *Ledger) PublishedPrice(feedID string) (decimal.Decimal, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.prices[feedID]
	return p, ok
}

// Market returns the configured market by address or name.
func (l *Ledger) Market(addrOrName string) (domain.Market, error) {
	for _, m := range l.cfg.Markets {
		if strings.EqualFold(m.Address, addrOrName) || strings.EqualFold(m.Name, addrOrName) {
			return m, nil
		}
	}
	return domain.Market{}, fmt.Errorf("paper.Market: %s: %w", addrOrName, domain.ErrUnknownMarket)
}

// IsMarketExpired uses the configured expiry.
func (l *Ledger) IsMarketExpired(_ context.Context, market string) (bool, error) {
	m, err := l.Market(market)
	if err != nil {
		return false, err
	}
	return m.IsExpired(l.now()), nil
}
