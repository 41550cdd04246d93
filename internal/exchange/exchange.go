// Package exchange is the core orchestrator: one single-writer command loop
// per instrument, each running ingress -> risk -> match -> settle -> publish
// to completion before touching the next command. The orchestrator is the
// only component that mutates the book and the position/balance records for
// its instrument.
package exchange

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	tomb "gopkg.in/tomb.v2"

	"gungnir/internal/bus"
	"gungnir/internal/common"
	"gungnir/internal/config"
	"gungnir/internal/marketdata"
	"gungnir/internal/money"
	"gungnir/internal/risk"
	"gungnir/internal/settle"
	"gungnir/internal/storage"
)

// Exchange owns the instrument loops and routes commands to them.
type Exchange struct {
	cfg    *config.Config
	store  storage.Store
	pub    *marketdata.Publisher
	gate   *risk.Gate
	settle *settle.Engine
	log    zerolog.Logger

	t *tomb.Tomb

	mu    sync.RWMutex
	loops map[string]*instrumentLoop

	limitsMu sync.RWMutex
	limits   map[string]common.RiskLimits
}

// New wires the core together. The host process owns every resource passed
// in; nothing here is ambient global state.
func New(cfg *config.Config, store storage.Store, eventBus bus.Bus, log zerolog.Logger) *Exchange {
	return &Exchange{
		cfg:    cfg,
		store:  store,
		pub:    marketdata.New(eventBus, log),
		gate:   risk.NewGate(log),
		settle: settle.New(cfg.Fee(), cfg.DefaultCurrency),
		log:    log.With().Str("component", "exchange").Logger(),
		loops:  make(map[string]*instrumentLoop),
		limits: make(map[string]common.RiskLimits),
	}
}

// Start loads instruments from storage, rebuilds each book from its open
// orders, resumes sequence counters from the max persisted sequence, and
// spawns the loops.
func (e *Exchange) Start(ctx context.Context) error {
	e.t, _ = tomb.WithContext(ctx)
	// Keeper goroutine so Stop terminates even with zero instruments.
	e.t.Go(func() error {
		<-e.t.Dying()
		return nil
	})

	instruments, err := e.store.View().Instruments().List()
	if err != nil {
		return common.WrapError(common.KindTransient, "load instruments", err)
	}
	for _, inst := range instruments {
		if err := e.spawnLoop(inst); err != nil {
			return err
		}
	}
	e.log.Info().Int("instruments", len(instruments)).Msg("exchange started")
	return nil
}

// Stop shuts every loop down and waits for in-flight commands to finish.
func (e *Exchange) Stop() error {
	if e.t == nil {
		return nil
	}
	e.t.Kill(nil)
	return e.t.Wait()
}

// AddInstrument registers a new instrument and spawns its loop. A duplicate
// symbol propagates as a conflict.
func (e *Exchange) AddInstrument(inst *common.Instrument) error {
	if err := inst.Validate(); err != nil {
		return common.WrapError(common.KindValidation, "instrument", err)
	}
	if err := e.store.View().Instruments().Insert(inst); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return common.NewErrorf(common.KindConflict, "instrument %s already exists", inst.Symbol)
		}
		return common.WrapError(common.KindTransient, "persist instrument", err)
	}
	return e.spawnLoop(inst)
}

func (e *Exchange) spawnLoop(inst *common.Instrument) error {
	l := newInstrumentLoop(e, inst)
	if err := l.recover(); err != nil {
		return err
	}
	e.mu.Lock()
	e.loops[inst.Symbol] = l
	e.mu.Unlock()
	e.t.Go(l.run)
	return nil
}

// SetRiskLimits installs the per-user limits the gate enforces. Zero-valued
// fields mean no limit.
func (e *Exchange) SetRiskLimits(userID string, limits common.RiskLimits) {
	e.limitsMu.Lock()
	e.limits[userID] = limits
	e.limitsMu.Unlock()
}

func (e *Exchange) riskLimits(userID string) common.RiskLimits {
	e.limitsMu.RLock()
	defer e.limitsMu.RUnlock()
	return e.limits[userID]
}

func (e *Exchange) loop(symbol string) (*instrumentLoop, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	l, ok := e.loops[symbol]
	if !ok {
		return nil, common.NewErrorf(common.KindNotFound, "instrument %s not found", symbol)
	}
	return l, nil
}

func (e *Exchange) allLoops() []*instrumentLoop {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*instrumentLoop, 0, len(e.loops))
	for _, l := range e.loops {
		out = append(out, l)
	}
	return out
}

// Submit routes a command to its instrument loop and waits for the result.
// A full queue rejects immediately with a busy error rather than blocking.
func (e *Exchange) Submit(ctx context.Context, cmd common.Command) (*common.Result, error) {
	switch {
	case cmd.Place != nil:
		l, err := e.loop(cmd.Place.Symbol)
		if err != nil {
			return nil, err
		}
		return l.submit(ctx, cmd)

	case cmd.Cancel != nil:
		return e.routeByOrder(ctx, cmd, cmd.Cancel.OrderID)

	case cmd.Modify != nil:
		return e.routeByOrder(ctx, cmd, cmd.Modify.OrderID)

	case cmd.Settle != nil:
		l, err := e.loop(cmd.Settle.Symbol)
		if err != nil {
			return nil, err
		}
		return l.submit(ctx, cmd)

	case cmd.CancelAll != nil:
		return e.cancelAll(ctx, cmd)

	case cmd.CloseSession != nil:
		return e.closeSession(ctx, cmd)
	}
	return nil, common.NewError(common.KindValidation, "empty command")
}

// routeByOrder resolves the owning instrument from authoritative storage.
func (e *Exchange) routeByOrder(ctx context.Context, cmd common.Command, orderID string) (*common.Result, error) {
	order, err := e.store.View().Orders().Get(orderID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, common.NewErrorf(common.KindNotFound, "order %s not found", orderID)
		}
		return nil, common.WrapError(common.KindTransient, "load order", err)
	}
	l, err := e.loop(order.Symbol)
	if err != nil {
		return nil, err
	}
	return l.submit(ctx, cmd)
}

// cancelAll decomposes a cross-instrument cancel into per-instrument
// commands and awaits them all.
func (e *Exchange) cancelAll(ctx context.Context, cmd common.Command) (*common.Result, error) {
	if cmd.CancelAll.Symbol != "" {
		l, err := e.loop(cmd.CancelAll.Symbol)
		if err != nil {
			return nil, err
		}
		return l.submit(ctx, cmd)
	}

	var mu sync.Mutex
	total := 0
	g, gctx := errgroup.WithContext(ctx)
	for _, l := range e.allLoops() {
		g.Go(func() error {
			res, err := l.submit(gctx, cmd)
			if err != nil {
				return err
			}
			mu.Lock()
			total += res.CancelledCount
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &common.Result{Accepted: true, CancelledCount: total}, nil
}

func (e *Exchange) closeSession(ctx context.Context, cmd common.Command) (*common.Result, error) {
	var mu sync.Mutex
	expired := 0
	g, gctx := errgroup.WithContext(ctx)
	for _, l := range e.allLoops() {
		g.Go(func() error {
			res, err := l.submit(gctx, cmd)
			if err != nil {
				return err
			}
			mu.Lock()
			expired += res.OrdersExpired
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &common.Result{Accepted: true, OrdersExpired: expired}, nil
}

// Snapshot serves the resync endpoint: top-depth levels plus the sequence
// deltas apply on top of. It runs on the instrument loop so the snapshot is
// consistent with the delta stream.
func (e *Exchange) Snapshot(ctx context.Context, symbol string, depth int) (common.BookSnapshot, error) {
	l, err := e.loop(symbol)
	if err != nil {
		return common.BookSnapshot{}, err
	}
	return l.snapshot(ctx, depth)
}

// Mark returns the instrument's current mark price: last trade, then mid,
// then the midpoint of the instrument's price band.
func (e *Exchange) Mark(symbol string) (money.Money, error) {
	l, err := e.loop(symbol)
	if err != nil {
		return money.Zero(), err
	}
	return l.mark(), nil
}

// ValidateBooks runs the integrity check on every loop's book. Operators
// call this through the admin CLI.
func (e *Exchange) ValidateBooks() error {
	for _, l := range e.allLoops() {
		if err := l.book.ValidateIntegrity(); err != nil {
			return common.WrapError(common.KindIntegrity, l.inst.Symbol, err)
		}
	}
	return nil
}
