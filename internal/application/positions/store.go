// Package positions keeps the observable view of the caller's open positions.
package positions

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/perpx/internal/domain"
	"github.com/alejandrodnm/perpx/internal/ports"
)

// Store is a single-writer, many-reader cache over the position journal.
// Every change is pushed to subscribers as a fresh copy.
type Store struct {
	storage ports.PositionStorage
	prices  ports.PriceProvider

	mu        sync.RWMutex
	positions []domain.Position

	subMu   sync.Mutex
	subs    map[int]func([]domain.Position)
	nextSub int
}

// New creates a Store. prices may be nil when live re-pricing is not needed.
func New(storage ports.PositionStorage, prices ports.PriceProvider) *Store {
	return &Store{
		storage: storage,
		prices:  prices,
		subs:    make(map[int]func([]domain.Position)),
	}
}

// NotifyPositionsChanged reloads the journal. It implements ports.PositionsNotifier.
func (s *Store) NotifyPositionsChanged(ctx context.Context) {
	if err := s.Refresh(ctx); err != nil {
		slog.Warn("positions: refresh after pipeline success", "err", err)
	}
}

// Refresh reloads every position from storage and notifies subscribers.
func (s *Store) Refresh(ctx context.Context) error {
	loaded, err := s.storage.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("positions.Refresh: %w", err)
	}
	sort.SliceStable(loaded, func(i, j int) bool {
		return loaded[i].OpenedAt.Before(loaded[j].OpenedAt)
	})

	s.mu.Lock()
	s.positions = loaded
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	slog.Debug("positions: refreshed", "count", len(snapshot))
	s.publish(snapshot)
	return nil
}

// UpdatePrice re-prices every open position on market and persists the result.
func (s *Store) UpdatePrice(ctx context.Context, market string, price decimal.Decimal) error {
	if !price.IsPositive() {
		return fmt.Errorf("positions.UpdatePrice: %s: %w", market, domain.ErrPriceUnavailable)
	}

	s.mu.Lock()
	var changed []domain.Position
	for i, p := range s.positions {
		if !strings.EqualFold(p.Market, market) || p.Status != domain.PositionOpen {
			continue
		}
		s.positions[i] = p.MarkToMarket(price)
		changed = append(changed, s.positions[i])
	}
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	if len(changed) == 0 {
		return nil
	}
	for _, p := range changed {
		if err := s.storage.SavePosition(ctx, p); err != nil {
			return fmt.Errorf("positions.UpdatePrice: %w", err)
		}
	}
	s.publish(snapshot)
	return nil
}

// RefreshPrices asks the price provider once per distinct market and
// re-prices the positions on it. Markets without a price keep their last one.
func (s *Store) RefreshPrices(ctx context.Context) error {
	if s.prices == nil {
		return nil
	}
	s.mu.RLock()
	seen := make(map[string]bool)
	var markets []string
	for _, p := range s.positions {
		if p.Status == domain.PositionOpen && !seen[p.Market] {
			seen[p.Market] = true
			markets = append(markets, p.Market)
		}
	}
	s.mu.RUnlock()

	for _, m := range markets {
		price, err := s.prices.ReferencePrice(ctx, m)
		if err != nil {
			slog.Warn("positions: price unavailable", "market", m, "err", err)
			continue
		}
		if err := s.UpdatePrice(ctx, m, price); err != nil {
			return err
		}
	}
	return nil
}

// ClosePosition closes the journaled position id (or a unique prefix of it)
// on the ledger and, once the close confirms, drops it from the journal.
func (s *Store) ClosePosition(ctx context.Context, ledger ports.Ledger, id string) (domain.Position, error) {
	p, err := s.find(id)
	if err != nil {
		return domain.Position{}, fmt.Errorf("positions.ClosePosition: %w", err)
	}
	if p.Status != domain.PositionOpen {
		return p, fmt.Errorf("positions.ClosePosition: %s is not open", p.ID)
	}
	if p.LedgerID == "" {
		return p, fmt.Errorf("positions.ClosePosition: %s: ledger position id unknown", p.ID)
	}

	op := domain.OperationDescriptor{
		Kind:       domain.OpClosePosition,
		Market:     p.Market,
		PositionID: p.LedgerID,
		Amount:     p.Collateral,
		Side:       p.Side,
		Leverage:   p.Leverage,
		Price:      p.CurrentPrice,
	}
	handle, err := ledger.Submit(ctx, op)
	if err != nil {
		return p, fmt.Errorf("positions.ClosePosition: %s: %w", p.ID, err)
	}
	res, err := ledger.AwaitConfirmation(ctx, handle)
	if err == nil {
		err = res.Err()
	}
	if err != nil {
		return p, fmt.Errorf("positions.ClosePosition: %s: %w", p.ID, err)
	}

	slog.Info("positions: closed", "id", p.ID, "ledger_id", p.LedgerID, "market", p.MarketName, "handle", handle)
	if err := s.remove(ctx, p.ID); err != nil {
		return p, err
	}
	return p, nil
}

// find resolves an exact id or a prefix matching exactly one position.
func (s *Store) find(id string) (domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matches []domain.Position
	for _, p := range s.positions {
		if p.ID == id {
			return p, nil
		}
		if id != "" && strings.HasPrefix(p.ID, id) {
			matches = append(matches, p)
		}
	}
	switch len(matches) {
	case 0:
		return domain.Position{}, fmt.Errorf("position %q not found", id)
	case 1:
		return matches[0], nil
	}
	return domain.Position{}, fmt.Errorf("position %q is ambiguous (%d matches)", id, len(matches))
}

// remove drops a position from the journal.
func (s *Store) remove(ctx context.Context, id string) error {
	if err := s.storage.DeletePosition(ctx, id); err != nil {
		return fmt.Errorf("positions.remove: %w", err)
	}

	s.mu.Lock()
	kept := s.positions[:0]
	for _, p := range s.positions {
		if p.ID != id {
			kept = append(kept, p)
		}
	}
	s.positions = kept
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.publish(snapshot)
	return nil
}

// List returns the positions owned by user. An empty user returns all of them.
func (s *Store) List(user string) []domain.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Position
	for _, p := range s.positions {
		if user == "" || strings.EqualFold(p.User, user) {
			out = append(out, p)
		}
	}
	return out
}

// Subscribe registers fn for every change and returns its cancel func.
func (s *Store) Subscribe(fn func([]domain.Position)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Store) snapshotLocked() []domain.Position {
	out := make([]domain.Position, len(s.positions))
	copy(out, s.positions)
	return out
}

func (s *Store) publish(snapshot []domain.Position) {
	s.subMu.Lock()
	fns := make([]func([]domain.Position), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(snapshot)
	}
}
