package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alejandrodnm/perpx/internal/adapters/metrics"
	"github.com/alejandrodnm/perpx/internal/adapters/notify"
	"github.com/alejandrodnm/perpx/internal/application/opener"
	"github.com/alejandrodnm/perpx/internal/application/positions"
	"github.com/alejandrodnm/perpx/internal/domain"
)

// positionsWait es cuánto esperamos la recarga de posiciones tras un éxito.
const positionsWait = 10 * time.Second

// parseRequest construye la petición a partir de los flags.
func parseRequest(market, side, collateral string, leverage int64, price string) (domain.PositionRequest, error) {
	s, err := domain.ParseSide(side)
	if err != nil {
		return domain.PositionRequest{}, err
	}
	if collateral == "" {
		return domain.PositionRequest{}, errors.New("-collateral is required")
	}
	amount, err := decimal.NewFromString(collateral)
	if err != nil {
		return domain.PositionRequest{}, fmt.Errorf("-collateral: %w", err)
	}
	req := domain.PositionRequest{
		Market:     market,
		Side:       s,
		Collateral: amount,
		Leverage:   leverage,
	}
	if price != "" {
		p, err := decimal.NewFromString(price)
		if err != nil {
			return domain.PositionRequest{}, fmt.Errorf("-price: %w", err)
		}
		req.ReferencePrice = p
	}
	return req, nil
}

// watchBook avisa por el canal cada vez que el libro se recarga. El caller
// debe llamar a la función devuelta para soltar la suscripción.
func watchBook(book *positions.Store) (<-chan struct{}, func()) {
	refreshed := make(chan struct{}, 1)
	unsubscribe := book.Subscribe(func([]domain.Position) {
		select {
		case refreshed <- struct{}{}:
		default:
		}
	})
	return refreshed, unsubscribe
}

// runOpen lanza un pipeline y espera su estado terminal. Ctrl+C abandona el
// pipeline vivo con Reset; un segundo Ctrl+C sale sin esperar.
func runOpen(
	ctx context.Context,
	coordinator *opener.Coordinator,
	book *positions.Store,
	notifier *notify.Console,
	collector *metrics.Collector,
	metricsAddr string,
	req domain.PositionRequest,
	user string,
) bool {
	terminal := make(chan domain.PipelineView, 1)
	unsubscribe := coordinator.Subscribe(func(v domain.PipelineView) {
		if v.Pipeline.Status.IsTerminal() {
			select {
			case terminal <- v:
			default:
			}
		}
	})
	defer unsubscribe()

	refreshed, unsubscribeBook := watchBook(book)
	defer unsubscribeBook()

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		coordinator.Run(gctx)
		return nil
	})
	if collector != nil {
		g.Go(func() error {
			return collector.Serve(gctx, metricsAddr)
		})
	}
	defer func() {
		stop()
		if err := g.Wait(); err != nil {
			slog.Warn("background task failed", "err", err)
		}
	}()

	started, err := coordinator.RequestOpen(ctx, req)
	if err != nil {
		slog.Error("request rejected", "kind", domain.Classify(err), "err", domain.Describe(err))
		return false
	}
	slog.Info("pipeline started", "id", started.ID, "market", started.Request.Market,
		"price", started.Request.ReferencePrice.String())

	interrupts := make(chan os.Signal, 2)
	signal.Notify(interrupts, syscall.SIGINT)
	defer signal.Stop(interrupts)

	var final domain.PipelineView
wait:
	for {
		select {
		case final = <-terminal:
			break wait
		case <-interrupts:
			if _, live := coordinator.Status(); !live {
				return false
			}
			slog.Warn("interrupt: resetting pipeline (submitted transactions may still confirm)")
			coordinator.Reset()
			signal.Reset(syscall.SIGINT)
		case <-ctx.Done():
			coordinator.Reset()
			return false
		}
	}

	if final.Pipeline.Status != domain.StatusSuccess {
		for _, r := range coordinator.Abandoned() {
			slog.Warn("abandoned operation", "step", r.Step, "tx", r.Handle)
		}
		return false
	}

	select {
	case <-refreshed:
	case <-time.After(positionsWait):
		slog.Warn("positions were not refreshed in time")
	case <-ctx.Done():
	}
	notifier.PrintPositions(book.List(user))
	return true
}
