package opener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alejandrodnm/perpx/internal/domain"
	"github.com/alejandrodnm/perpx/internal/ports"
)

const (
	DefaultMaxLeverage         = 40
	defaultSuccessDisplayDelay = 3 * time.Second
	defaultTickInterval        = time.Second
	recordTimeout              = 5 * time.Second
)

// Config holds the pipeline timing and limits.
type Config struct {
	WatchdogBound       time.Duration
	ManualResetAfter    time.Duration
	SuccessDisplayDelay time.Duration
	TickInterval        time.Duration
	MaxLeverage         int64
}

// DefaultConfig returns the production timings: 120s watchdog, manual reset
// after 60s, terminal states visible for 3s.
func DefaultConfig() Config {
	return Config{
		WatchdogBound:       defaultWatchdogBound,
		ManualResetAfter:    defaultManualResetAfter,
		SuccessDisplayDelay: defaultSuccessDisplayDelay,
		TickInterval:        defaultTickInterval,
		MaxLeverage:         DefaultMaxLeverage,
	}
}

// PipelineStarted is returned by a successful RequestOpen.
type PipelineStarted struct {
	ID        string
	Request   domain.PositionRequest
	StartedAt time.Time
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithClock replaces time.Now. Tests drive the watchdog with it.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithRecorder stores every terminal pipeline.
func WithRecorder(r ports.PipelineRecorder) Option {
	return func(c *Coordinator) { c.recorder = r }
}

// WithPositionsNotifier is told once per successful pipeline.
func WithPositionsNotifier(n ports.PositionsNotifier) Option {
	return func(c *Coordinator) { c.notifier = n }
}

// WithIDGenerator replaces the UUID pipeline IDs.
func WithIDGenerator(gen func() string) Option {
	return func(c *Coordinator) { c.newID = gen }
}

// Coordinator owns the single live open-position pipeline of one session.
//
// All pipeline state is guarded by mu. Steps run sequentially in one
// goroutine per pipeline and only touch state through the locked helpers,
// which ignore a run that is no longer the live one.
type Coordinator struct {
	cfg      Config
	ledger   ports.Ledger
	account  ports.AccountReader
	prices   ports.PriceProvider
	markets  ports.MarketInfo
	recorder ports.PipelineRecorder
	notifier ports.PositionsNotifier
	watchdog *Watchdog
	steps    []stepDef
	now      func() time.Time
	newID    func() string

	mu         sync.Mutex
	validating bool
	current    *domain.Pipeline
	cancelRun  context.CancelFunc
	abandoned  []domain.StepRecord
	lastReset  *domain.Pipeline // recorded snapshot of the last reset run
	announced  string // pipeline whose manual-reset offer was already published
	subs       map[int]func(domain.PipelineView)
	nextSub    int
}

// New creates a Coordinator. Zero Config fields take their defaults.
func New(
	cfg Config,
	ledger ports.Ledger,
	account ports.AccountReader,
	prices ports.PriceProvider,
	markets ports.MarketInfo,
	opts ...Option,
) *Coordinator {
	def := DefaultConfig()
	if cfg.WatchdogBound <= 0 {
		cfg.WatchdogBound = def.WatchdogBound
	}
	if cfg.ManualResetAfter <= 0 {
		cfg.ManualResetAfter = def.ManualResetAfter
	}
	if cfg.SuccessDisplayDelay < 0 {
		cfg.SuccessDisplayDelay = def.SuccessDisplayDelay
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.MaxLeverage <= 0 {
		cfg.MaxLeverage = def.MaxLeverage
	}

	c := &Coordinator{
		cfg:      cfg,
		ledger:   ledger,
		account:  account,
		prices:   prices,
		markets:  markets,
		watchdog: NewWatchdog(cfg.WatchdogBound, cfg.ManualResetAfter),
		steps:    newSteps(account),
		now:      time.Now,
		newID:    uuid.NewString,
		subs:     make(map[int]func(domain.PipelineView)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestOpen validates req and, when every precondition holds, starts a new
// pipeline and returns at once. Validation failures return a
// *domain.ValidationError and leave no trace: no step is started.
func (c *Coordinator) RequestOpen(ctx context.Context, req domain.PositionRequest) (PipelineStarted, error) {
	c.mu.Lock()
	if c.validating || c.isLive() {
		c.mu.Unlock()
		return PipelineStarted{}, &domain.ValidationError{
			Field:  "pipeline",
			Reason: domain.ErrPipelineBusy.Error(),
			Err:    domain.ErrPipelineBusy,
		}
	}
	c.validating = true
	c.mu.Unlock()

	effective, market, err := c.validate(ctx, req)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.validating = false
	if err != nil {
		slog.Info("opener: request rejected", "market", req.Market, "err", err)
		return PipelineStarted{}, err
	}

	p := domain.NewPipeline(c.newID(), effective, c.now())
	c.current = p
	c.watchdog.Start(p.ID, p.StartedAt)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancelRun = cancel

	slog.Info("opener: pipeline started",
		"id", p.ID,
		"market", effective.Market,
		"side", effective.Side,
		"collateral", effective.Collateral.String(),
		"leverage", effective.Leverage,
		"price", effective.ReferencePrice.String(),
	)
	c.publishLocked(nil)

	go c.run(runCtx, runInput{pipelineID: p.ID, request: effective, market: market})

	return PipelineStarted{ID: p.ID, Request: effective, StartedAt: p.StartedAt}, nil
}

// validate checks the synchronous preconditions and returns the effective
// request, with the reference price resolved.
func (c *Coordinator) validate(ctx context.Context, req domain.PositionRequest) (domain.PositionRequest, domain.Market, error) {
	if !req.Collateral.IsPositive() {
		return req, domain.Market{}, &domain.ValidationError{Field: "collateral", Reason: "must be greater than zero"}
	}
	if req.Leverage < 1 || req.Leverage > c.cfg.MaxLeverage {
		return req, domain.Market{}, &domain.ValidationError{
			Field:  "leverage",
			Reason: fmt.Sprintf("must be between 1 and %d", c.cfg.MaxLeverage),
		}
	}

	market, err := c.markets.Market(req.Market)
	if err != nil {
		return req, domain.Market{}, &domain.ValidationError{Field: "market", Reason: err.Error(), Err: err}
	}
	// Callers may pass the market name; from here on it is the ledger address.
	if market.Address != "" {
		req.Market = market.Address
	}

	balance, err := c.account.AvailableBalance(ctx)
	if err != nil {
		return req, market, &domain.ValidationError{Field: "collateral", Reason: "balance unavailable: " + err.Error(), Err: err}
	}
	if req.Collateral.GreaterThan(balance) {
		return req, market, &domain.ValidationError{
			Field:  "collateral",
			Reason: fmt.Sprintf("%s exceeds available balance %s", req.Collateral.String(), balance.String()),
			Err:    domain.ErrInsufficientFunds,
		}
	}

	expired, err := c.markets.IsMarketExpired(ctx, req.Market)
	if err != nil {
		return req, market, &domain.ValidationError{Field: "market", Reason: "expiry unavailable: " + err.Error(), Err: err}
	}
	if expired {
		return req, market, &domain.ValidationError{Field: "market", Reason: "market has expired"}
	}

	price := req.ReferencePrice
	if price.IsNegative() {
		return req, market, &domain.ValidationError{Field: "reference_price", Reason: "must be greater than zero"}
	}
	if price.IsZero() {
		price, err = c.prices.ReferencePrice(ctx, req.Market)
		if err != nil {
			return req, market, &domain.ValidationError{Field: "reference_price", Reason: err.Error(), Err: err}
		}
	}
	if !price.IsPositive() {
		return req, market, &domain.ValidationError{
			Field:  "reference_price",
			Reason: "must be greater than zero",
			Err:    domain.ErrPriceUnavailable,
		}
	}
	return req.WithReferencePrice(price), market, nil
}

// run executes the steps in order. It returns on the first failure, or as
// soon as the pipeline it belongs to is no longer live.
func (c *Coordinator) run(ctx context.Context, in runInput) {
	id := in.pipelineID
	for i, def := range c.steps {
		if !c.beginStep(id, i) {
			return
		}

		op, skip, err := def.plan(ctx, in)
		if err != nil {
			c.failStep(id, def, err)
			return
		}
		if skip {
			c.skipStep(id, def.step)
			continue
		}

		if !c.markPending(id, def.step, op) {
			return
		}
		handle, err := c.ledger.Submit(ctx, op)
		if err != nil {
			c.failStep(id, def, err)
			return
		}
		if !c.markSubmitted(id, def.step, handle) {
			c.abandonLate(id, def.step, handle)
			return
		}

		res, err := c.ledger.AwaitConfirmation(ctx, handle)
		if err == nil {
			err = res.Err()
		}
		if err != nil {
			c.failStep(id, def, err)
			return
		}
		if !c.confirmStep(id, def.step) {
			slog.Warn("opener: operation confirmed after pipeline was reset",
				"id", id, "step", def.step, "handle", handle)
			return
		}
	}
	c.succeed(id)
}

// beginStep moves CurrentStep to step i when the run is still live and every
// earlier step holds its postcondition.
func (c *Coordinator) beginStep(id string, i int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.liveRun(id)
	if p == nil {
		return false
	}
	if !precondition(p, i) {
		slog.Error("opener: step precondition violated", "id", id, "step", domain.Steps[i])
		return false
	}
	p.CurrentStep = domain.Steps[i]
	c.publishLocked(nil)
	return true
}

func (c *Coordinator) skipStep(id string, step domain.Step) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.liveRun(id)
	if p == nil {
		return
	}
	now := c.now()
	r := p.Record(step)
	r.Status = domain.StepSkipped
	r.ResolvedAt = &now
	slog.Info("opener: step skipped", "id", id, "step", step)
	c.publishLocked(nil)
}

func (c *Coordinator) markPending(id string, step domain.Step, op domain.OperationDescriptor) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.liveRun(id)
	if p == nil {
		return false
	}
	now := c.now()
	r := p.Record(step)
	r.Status = domain.StepPending
	r.SubmittedAt = &now
	if op.Kind == domain.OpApprove {
		r.Amount = op.Amount
	}
	slog.Info("opener: awaiting signature", "id", id, "step", step, "op", op.Summary())
	c.publishLocked(nil)
	return true
}

func (c *Coordinator) markSubmitted(id string, step domain.Step, handle domain.OperationHandle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.liveRun(id)
	if p == nil {
		return false
	}
	p.Record(step).Handle = handle
	slog.Info("opener: operation submitted", "id", id, "step", step, "handle", handle)
	c.publishLocked(nil)
	return true
}

// abandonLate handles an operation whose handle came back after its pipeline
// was reset. It may still land, so it joins Abandoned and the recorded run.
func (c *Coordinator) abandonLate(id string, step domain.Step, handle domain.OperationHandle) {
	slog.Warn("opener: operation submitted after pipeline was reset, it may still land",
		"id", id, "step", step, "handle", handle)

	c.mu.Lock()
	if c.lastReset == nil || c.lastReset.ID != id {
		c.mu.Unlock()
		return
	}
	r := c.lastReset.Record(step)
	r.Handle = handle
	c.abandoned = append(c.abandoned, *r)
	snapshot := *c.lastReset
	c.mu.Unlock()

	c.record(snapshot)
}

func (c *Coordinator) confirmStep(id string, step domain.Step) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.liveRun(id)
	if p == nil {
		return false
	}
	now := c.now()
	r := p.Record(step)
	r.Status = domain.StepConfirmed
	r.ResolvedAt = &now
	slog.Info("opener: step confirmed", "id", id, "step", step, "handle", r.Handle)
	c.publishLocked(nil)
	return true
}

// failStep classifies err, marks the step and the pipeline Failed and stops.
func (c *Coordinator) failStep(id string, def stepDef, err error) {
	c.mu.Lock()
	p := c.liveRun(id)
	if p == nil {
		c.mu.Unlock()
		if !errors.Is(err, context.Canceled) {
			slog.Warn("opener: step resolved after pipeline was reset", "id", id, "step", def.step, "err", err)
		}
		return
	}

	pe := domain.NewPipelineError(def.step, def.refine(err))
	now := c.now()
	r := p.Record(def.step)
	r.Status = domain.StepFailed
	r.Err = pe
	r.ResolvedAt = &now
	p.Status = domain.StatusFailed
	p.Err = pe
	p.FinishedAt = &now

	slog.Error("opener: step failed", "id", id, "step", def.step, "kind", pe.Kind, "err", pe.Message)
	snapshot := c.finishLocked(p)
	c.mu.Unlock()

	c.record(snapshot)
	c.scheduleClear(id, false)
}

func (c *Coordinator) succeed(id string) {
	c.mu.Lock()
	p := c.liveRun(id)
	if p == nil {
		c.mu.Unlock()
		return
	}
	now := c.now()
	p.Status = domain.StatusSuccess
	p.CurrentStep = domain.StepNone
	p.FinishedAt = &now

	slog.Info("opener: position opened", "id", id, "elapsed", now.Sub(p.StartedAt).Round(time.Millisecond))
	snapshot := c.finishLocked(p)
	c.mu.Unlock()

	c.record(snapshot)
	c.scheduleClear(id, true)
}

// finishLocked publishes a terminal pipeline and stops its watchdog.
func (c *Coordinator) finishLocked(p *domain.Pipeline) domain.Pipeline {
	c.watchdog.Stop(p.ID)
	if c.cancelRun != nil {
		c.cancelRun()
		c.cancelRun = nil
	}
	c.publishLocked(nil)
	return *p
}

// scheduleClear drops a terminal pipeline after the display delay. On success
// the positions notifier is told exactly once, even when the pipeline was
// cleared earlier by Reset or replaced by a new request.
func (c *Coordinator) scheduleClear(id string, success bool) {
	time.AfterFunc(c.cfg.SuccessDisplayDelay, func() {
		c.mu.Lock()
		if c.current != nil && c.current.ID == id && c.current.Status.IsTerminal() {
			c.current = nil
		}
		c.mu.Unlock()

		if success && c.notifier != nil {
			c.notifier.NotifyPositionsChanged(context.Background())
		}
	})
}

// Reset abandons the live pipeline. Operations already submitted are not
// retracted; they stay listed in Abandoned. A terminal pipeline is cleared early.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	if c.current == nil {
		c.mu.Unlock()
		return
	}
	if c.current.Status.IsTerminal() {
		c.current = nil
		c.mu.Unlock()
		return
	}
	snapshot := c.forceResetLocked(nil)
	c.mu.Unlock()

	slog.Warn("opener: pipeline reset by user", "id", snapshot.ID)
	c.record(snapshot)
}

// Tick evaluates the watchdog once. Run calls it on every tick interval.
func (c *Coordinator) Tick() {
	c.mu.Lock()
	if c.current == nil || c.current.Status != domain.StatusRunning {
		c.mu.Unlock()
		return
	}
	now := c.now()
	id, fired := c.watchdog.Check(now)
	if !fired || id != c.current.ID {
		if c.announced != c.current.ID && c.watchdog.ManualResetAvailable(now) {
			c.announced = c.current.ID
			slog.Warn("opener: pipeline looks stuck, manual reset available", "id", c.current.ID)
			c.publishLocked(nil)
		}
		c.mu.Unlock()
		return
	}
	snapshot := c.forceResetLocked(domain.NewPipelineError(c.current.CurrentStep, domain.ErrTimedOut))
	c.mu.Unlock()

	slog.Warn("opener: pipeline timed out and was reset",
		"id", snapshot.ID, "bound", c.cfg.WatchdogBound)
	c.record(snapshot)
}

// Run drives the watchdog until ctx is done.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick()
		}
	}
}

// forceResetLocked moves the live pipeline to Reset, clears it and cancels
// its run. It returns the pipeline as it was before its steps were cleared.
func (c *Coordinator) forceResetLocked(cause *domain.PipelineError) domain.Pipeline {
	p := c.current
	now := c.now()
	p.Status = domain.StatusReset
	p.FinishedAt = &now
	p.Err = cause
	snapshot := *p
	kept := snapshot
	c.lastReset = &kept

	c.abandoned = p.Submitted()
	for _, r := range c.abandoned {
		slog.Warn("opener: abandoned operation may still be pending on the ledger",
			"id", p.ID, "step", r.Step, "handle", r.Handle)
	}

	p.ClearSteps()
	c.watchdog.Stop(p.ID)
	if c.cancelRun != nil {
		c.cancelRun()
		c.cancelRun = nil
	}
	c.publishLocked(c.abandoned)
	c.current = nil
	return snapshot
}

// Status returns a copy of the live pipeline, or false when none is live.
func (c *Coordinator) Status() (domain.PipelineView, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		if c.validating {
			return domain.PipelineView{Pipeline: domain.Pipeline{Status: domain.StatusValidating}}, true
		}
		return domain.PipelineView{}, false
	}
	return c.viewLocked(nil), true
}

// Abandoned lists the operations of the last reset pipeline that were
// submitted but never resolved locally.
func (c *Coordinator) Abandoned() []domain.StepRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.StepRecord, len(c.abandoned))
	copy(out, c.abandoned)
	return out
}

// Subscribe registers fn for every state change and returns its cancel func.
// fn runs with the coordinator locked and must not call back into it.
func (c *Coordinator) Subscribe(fn func(domain.PipelineView)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

func (c *Coordinator) publishLocked(abandoned []domain.StepRecord) {
	if len(c.subs) == 0 {
		return
	}
	v := c.viewLocked(abandoned)
	for _, fn := range c.subs {
		fn(v)
	}
}

func (c *Coordinator) viewLocked(abandoned []domain.StepRecord) domain.PipelineView {
	p := *c.current
	now := c.now()
	end := now
	if p.FinishedAt != nil {
		end = *p.FinishedAt
	}
	v := domain.PipelineView{
		Pipeline:             p,
		Elapsed:              end.Sub(p.StartedAt),
		ManualResetAvailable: p.Status == domain.StatusRunning && c.watchdog.ManualResetAvailable(now),
		LastError:            p.Err,
	}
	if len(abandoned) > 0 {
		v.Abandoned = append([]domain.StepRecord(nil), abandoned...)
	}
	return v
}

// isLive reports a pipeline that still blocks new requests.
func (c *Coordinator) isLive() bool {
	return c.current != nil && !c.current.Status.IsTerminal()
}

// liveRun returns the pipeline if id is still the running one.
func (c *Coordinator) liveRun(id string) *domain.Pipeline {
	if c.current == nil || c.current.ID != id || c.current.Status != domain.StatusRunning {
		return nil
	}
	return c.current
}

func (c *Coordinator) record(p domain.Pipeline) {
	if c.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := c.recorder.RecordPipeline(ctx, p); err != nil {
		slog.Warn("opener: record pipeline", "id", p.ID, "err", err)
	}
}
