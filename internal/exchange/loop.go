package exchange

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"gungnir/internal/book"
	"gungnir/internal/common"
	"gungnir/internal/match"
	"gungnir/internal/money"
	"gungnir/internal/risk"
	"gungnir/internal/storage"
)

const (
	retryAttempts = 3
	retryBaseWait = 25 * time.Millisecond
)

type envelope struct {
	cmd           common.Command
	snapshotDepth int
	isSnapshot    bool
	resp          chan outcome
}

type outcome struct {
	res  *common.Result
	snap common.BookSnapshot
	err  error
}

type dailyCounters struct {
	volume   money.Money
	realized money.Money
}

// instrumentLoop serializes every command for one instrument. The hot path
// (risk check, match, settlement arithmetic, event building) performs no
// I/O beyond the storage reads that feed the risk check and the storage
// commit.
type instrumentLoop struct {
	ex      *Exchange
	inst    *common.Instrument
	book    *book.Book
	matcher *match.Engine
	queue   chan *envelope
	log     zerolog.Logger

	halted    bool
	lastTrade money.Money // zero until the first trade
	daily     map[string]*dailyCounters
}

func newInstrumentLoop(ex *Exchange, inst *common.Instrument) *instrumentLoop {
	return &instrumentLoop{
		ex:      ex,
		inst:    inst,
		book:    book.New(inst.Symbol),
		matcher: match.New(),
		queue:   make(chan *envelope, ex.cfg.MaxCommandQueue),
		log:     ex.log.With().Str("symbol", inst.Symbol).Logger(),
		daily:   make(map[string]*dailyCounters),
	}
}

// recover rebuilds the book from open orders and resumes the sequence
// counter past everything already persisted.
func (l *instrumentLoop) recover() error {
	view := l.ex.store.View()
	orders, err := view.Orders().OpenBySymbol(l.inst.Symbol)
	if err != nil {
		return common.WrapError(common.KindTransient, "load open orders", err)
	}
	for _, o := range orders {
		l.book.Restore(o)
	}
	tradeSeq, err := view.Trades().MaxSequence(l.inst.Symbol)
	if err != nil {
		return common.WrapError(common.KindTransient, "load trade sequence", err)
	}
	l.book.ResumeSequence(tradeSeq)
	orderSeq, err := view.Orders().MaxSequence(l.inst.Symbol)
	if err != nil {
		return common.WrapError(common.KindTransient, "load order sequence", err)
	}
	l.book.ResumeSequence(orderSeq)
	if len(orders) > 0 || tradeSeq > 0 {
		l.log.Info().
			Int("openOrders", len(orders)).
			Uint64("sequence", l.book.CurrentSequence()).
			Msg("book recovered")
	}
	return l.book.ValidateIntegrity()
}

func (l *instrumentLoop) run() error {
	for {
		select {
		case <-l.ex.t.Dying():
			return nil
		case env := <-l.queue:
			env.resp <- l.handle(env)
		}
	}
}

// submit enqueues a command. A full queue means immediate rejection; flow
// control belongs to the client, not a silent wait.
func (l *instrumentLoop) submit(ctx context.Context, cmd common.Command) (*common.Result, error) {
	env := &envelope{cmd: cmd, resp: make(chan outcome, 1)}
	select {
	case l.queue <- env:
	default:
		return nil, common.NewErrorf(common.KindBusy, "command queue full for %s", l.inst.Symbol)
	}
	select {
	case out := <-env.resp:
		return out.res, out.err
	case <-ctx.Done():
		// The loop still completes the command; the caller just stopped
		// waiting for the answer.
		return nil, common.WrapError(common.KindTransient, "caller gone", ctx.Err())
	case <-l.ex.t.Dying():
		return nil, common.NewError(common.KindTransient, "exchange shutting down")
	}
}

func (l *instrumentLoop) snapshot(ctx context.Context, depth int) (common.BookSnapshot, error) {
	env := &envelope{isSnapshot: true, snapshotDepth: depth, resp: make(chan outcome, 1)}
	select {
	case l.queue <- env:
	default:
		return common.BookSnapshot{}, common.NewErrorf(common.KindBusy, "command queue full for %s", l.inst.Symbol)
	}
	select {
	case out := <-env.resp:
		return out.snap, out.err
	case <-ctx.Done():
		return common.BookSnapshot{}, common.WrapError(common.KindTransient, "caller gone", ctx.Err())
	case <-l.ex.t.Dying():
		return common.BookSnapshot{}, common.NewError(common.KindTransient, "exchange shutting down")
	}
}

func (l *instrumentLoop) handle(env *envelope) outcome {
	if env.isSnapshot {
		return outcome{snap: l.book.Snapshot(env.snapshotDepth)}
	}
	if l.halted {
		return outcome{err: common.NewErrorf(common.KindIntegrity,
			"instrument %s halted pending operator intervention", l.inst.Symbol)}
	}
	cmd := env.cmd
	if !cmd.Deadline.IsZero() && time.Now().After(cmd.Deadline) {
		return outcome{err: common.NewError(common.KindValidation, "deadline elapsed while queued")}
	}

	switch {
	case cmd.Place != nil:
		return l.handlePlace(cmd)
	case cmd.Cancel != nil:
		return l.handleCancel(cmd)
	case cmd.Modify != nil:
		return l.handleModify(cmd)
	case cmd.CancelAll != nil:
		return l.handleCancelAll(cmd)
	case cmd.Settle != nil:
		return l.handleSettle(cmd)
	case cmd.CloseSession != nil:
		return l.handleCloseSession(cmd)
	}
	return outcome{err: common.NewError(common.KindValidation, "empty command")}
}

// halt marks the loop dead after an integrity violation. Never silently
// corrected; the operator decides what happens next.
func (l *instrumentLoop) halt(err error) {
	l.halted = true
	l.log.WithLevel(zerolog.FatalLevel).
		Err(err).
		Msg("integrity violation, instrument loop halted")
}

// mark returns the price unrealized P&L is computed against: last trade,
// then mid, then the midpoint of the instrument's price band.
func (l *instrumentLoop) mark() money.Money {
	if !l.lastTrade.IsZero() {
		return l.lastTrade
	}
	if mid, ok := l.book.MidPrice(); ok {
		return mid
	}
	mid, err := l.inst.MinPrice.Add(l.inst.MaxPrice).Div(money.FromInt(2))
	if err != nil {
		return l.inst.MinPrice
	}
	return mid
}

func (l *instrumentLoop) dailyFor(accountID string) *dailyCounters {
	d, ok := l.daily[accountID]
	if !ok {
		d = &dailyCounters{}
		l.daily[accountID] = d
	}
	return d
}

// accountState assembles the risk gate's view of one account from
// authoritative storage. The read path for a mutating command is storage,
// never a cache.
func (l *instrumentLoop) accountState(userID, accountID string) (risk.AccountState, error) {
	view := l.ex.store.View()
	st := risk.AccountState{
		Positions:  make(map[string]*common.Position),
		MarkPrices: map[string]money.Money{l.inst.Symbol: l.mark()},
		Limits:     l.ex.riskLimits(userID),
	}

	bal, err := view.Balances().Get(accountID, l.ex.settle.Currency())
	switch err {
	case nil:
		st.Cash = bal.Available
	case storage.ErrNotFound:
		// No funded balance: margin checks run against zero cash.
	default:
		return st, common.WrapError(common.KindTransient, "load balance", err)
	}

	positions, err := view.Positions().ListByAccount(accountID)
	if err != nil {
		return st, common.WrapError(common.KindTransient, "load positions", err)
	}
	for _, p := range positions {
		if p.Symbol == l.inst.Symbol {
			p.MarkToMarket(l.mark())
		}
		st.Positions[p.Symbol] = p
	}

	if d, ok := l.daily[accountID]; ok {
		st.DailyVolume = d.volume
		st.DailyRealized = d.realized
	}
	return st, nil
}

// withTxn runs fn inside a storage transaction with a bounded retry budget
// for transient failures. Non-transient errors roll back and return
// immediately.
func (l *instrumentLoop) withTxn(fn func(storage.Txn) error) error {
	var last error
	wait := retryBaseWait
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(wait)
			wait *= 2
		}
		txn, err := l.ex.store.Begin(context.Background())
		if err != nil {
			last = err
			continue
		}
		if err := fn(txn); err != nil {
			txn.Rollback()
			if kind := common.KindOf(err); kind != common.KindTransient {
				return err
			}
			last = err
			l.log.Warn().Err(err).Int("attempt", attempt+1).Msg("transient storage failure")
			continue
		}
		if err := txn.Commit(); err != nil {
			last = err
			l.log.Warn().Err(err).Int("attempt", attempt+1).Msg("commit failed")
			continue
		}
		return nil
	}
	return common.WrapError(common.KindTransient, "storage retry budget exhausted", last)
}

// settleState accumulates the post-trade records one command produced, for
// event building and daily counters.
type settleState struct {
	positions map[string]*common.Position // by accountID
	balances  map[string]*common.Balance  // by accountID
	users     map[string]string           // accountID -> userID
	volume    map[string]money.Money      // notional per accountID
	realized  map[string]money.Money      // realized delta per accountID
}

func newSettleState() *settleState {
	return &settleState{
		positions: make(map[string]*common.Position),
		balances:  make(map[string]*common.Balance),
		users:     make(map[string]string),
		volume:    make(map[string]money.Money),
		realized:  make(map[string]money.Money),
	}
}

func (st *settleState) addVolume(accountID string, notional money.Money) {
	st.volume[accountID] = st.volume[accountID].Add(notional)
}

func (st *settleState) addRealized(accountID string, delta money.Money) {
	st.realized[accountID] = st.realized[accountID].Add(delta)
}

// settleTrade loads both counterparties inside the transaction, applies the
// trade, and stages the updated records. Positions are derived state and
// start flat; balances must exist up front and are never auto-created.
func (l *instrumentLoop) settleTrade(txn storage.Txn, tr *common.Trade, st *settleState) error {
	loadPos := func(accountID string) (*common.Position, error) {
		if p, ok := st.positions[accountID]; ok {
			return p, nil
		}
		p, err := txn.Positions().Get(accountID, l.inst.Symbol)
		if err == storage.ErrNotFound {
			return &common.Position{AccountID: accountID, Symbol: l.inst.Symbol}, nil
		}
		return p, err
	}
	loadBal := func(accountID string) (*common.Balance, error) {
		if b, ok := st.balances[accountID]; ok {
			return b, nil
		}
		b, err := txn.Balances().Get(accountID, l.ex.settle.Currency())
		if err == storage.ErrNotFound {
			return nil, common.NewErrorf(common.KindNotFound,
				"no %s balance for account %s", l.ex.settle.Currency(), accountID)
		}
		return b, err
	}

	buyerPos, err := loadPos(tr.BuyerAcct)
	if err != nil {
		return err
	}
	sellerPos, err := loadPos(tr.SellerAcct)
	if err != nil {
		return err
	}
	buyerBal, err := loadBal(tr.BuyerAcct)
	if err != nil {
		return err
	}
	sellerBal, err := loadBal(tr.SellerAcct)
	if err != nil {
		return err
	}

	// The trade itself is the freshest mark.
	out, err := l.ex.settle.Apply(tr, buyerPos, sellerPos, buyerBal, sellerBal, tr.Price)
	if err != nil {
		return err
	}

	if err := txn.Trades().Insert(tr); err != nil {
		return err
	}
	for _, p := range []*common.Position{buyerPos, sellerPos} {
		if err := txn.Positions().Upsert(p); err != nil {
			return err
		}
	}
	for _, b := range []*common.Balance{buyerBal, sellerBal} {
		if err := txn.Balances().Upsert(b); err != nil {
			return err
		}
	}

	st.positions[tr.BuyerAcct] = buyerPos
	st.positions[tr.SellerAcct] = sellerPos
	st.balances[tr.BuyerAcct] = buyerBal
	st.balances[tr.SellerAcct] = sellerBal
	st.users[tr.BuyerAcct] = tr.BuyerUserID
	st.users[tr.SellerAcct] = tr.SellerUserID
	notional := tr.Notional()
	st.addVolume(tr.BuyerAcct, notional)
	st.addVolume(tr.SellerAcct, notional)
	st.addRealized(tr.BuyerAcct, out.BuyerRealized)
	st.addRealized(tr.SellerAcct, out.SellerRealized)
	return nil
}

// commitDaily folds a command's settled volume and realized P&L into the
// loop's rolling day counters.
func (l *instrumentLoop) commitDaily(st *settleState) {
	for acct, vol := range st.volume {
		d := l.dailyFor(acct)
		d.volume = d.volume.Add(vol)
	}
	for acct, delta := range st.realized {
		d := l.dailyFor(acct)
		d.realized = d.realized.Add(delta)
	}
}

// userEvents builds the position and balance events for every account a
// command touched, each stamped with a fresh sequence.
func (l *instrumentLoop) userEvents(st *settleState) []common.Event {
	var events []common.Event
	for acct, pos := range st.positions {
		events = append(events, l.ex.pub.PositionEvent(st.users[acct], pos, l.book.NextSequence()))
	}
	for acct, bal := range st.balances {
		events = append(events, l.ex.pub.BalanceEvent(st.users[acct], bal, l.book.NextSequence()))
	}
	return events
}

func (l *instrumentLoop) auditRejection(order *common.Order, rejections []string, correlationID string) {
	entry := &common.AuditEntry{
		ID:            uuid.New().String(),
		Kind:          "risk_rejection",
		UserID:        order.UserID,
		AccountID:     order.AccountID,
		Symbol:        order.Symbol,
		Detail:        strings.Join(rejections, "; "),
		CorrelationID: correlationID,
		CreatedAt:     time.Now(),
	}
	if err := l.ex.store.View().Audit().Insert(entry); err != nil {
		l.log.Warn().Err(err).Msg("audit write failed")
	}
}

// ---- place -----------------------------------------------------------------

func (l *instrumentLoop) handlePlace(cmd common.Command) outcome {
	p := cmd.Place
	if p.Symbol != l.inst.Symbol {
		return outcome{err: common.NewError(common.KindValidation, "symbol routed to wrong loop")}
	}
	if p.DisplayQty.IsNegative() || p.DisplayQty.GreaterThan(p.Quantity) {
		return outcome{err: common.NewError(common.KindValidation, "display quantity out of bounds")}
	}

	order := &common.Order{
		ID:            uuid.New().String(),
		UserID:        p.UserID,
		AccountID:     p.AccountID,
		Symbol:        p.Symbol,
		Side:          p.Side,
		LimitPrice:    p.Price,
		TotalQuantity: p.Quantity,
		DisplayQty:    p.DisplayQty,
		TimeInForce:   p.TimeInForce,
		Status:        common.StatusPending,
		CreatedAt:     time.Now(),
	}

	acct, err := l.accountState(p.UserID, p.AccountID)
	if err != nil {
		return outcome{err: err}
	}
	verdict := l.ex.gate.Check(order, l.inst, acct, time.Now())
	if !verdict.Pass {
		order.Status = common.StatusRejected
		l.auditRejection(order, verdict.Rejections, cmd.CorrelationID)
		return outcome{res: &common.Result{
			Accepted:  false,
			OrderID:   order.ID,
			Status:    common.StatusRejected,
			Reason:    strings.Join(verdict.Rejections, "; "),
			RiskScore: verdict.Score,
		}}
	}

	mres := l.matcher.Match(l.book, order)

	var st *settleState
	err = l.withTxn(func(txn storage.Txn) error {
		st = newSettleState()
		if err := txn.Orders().Insert(order); err != nil {
			return err
		}
		for _, maker := range mres.Makers {
			if err := txn.Orders().Update(maker); err != nil {
				return err
			}
		}
		for _, tr := range mres.Trades {
			if err := l.settleTrade(txn, tr, st); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// The book already reflects the match; once matching begins the
		// command is never rolled back, so a persistence failure leaves
		// book and storage divergent.
		if len(mres.Trades) > 0 || mres.Residual != nil {
			l.halt(common.WrapError(common.KindIntegrity, "book and storage diverged", err))
		}
		return outcome{err: err}
	}

	if n := len(mres.Trades); n > 0 {
		l.lastTrade = mres.Trades[n-1].Price
	}
	l.commitDaily(st)

	// Commit order: trades, book deltas, maker statuses, then the
	// incoming order's status, then the per-user account updates.
	events := l.ex.pub.TradeEvents(mres.Trades)
	events = append(events, l.ex.pub.DeltaEvents(l.book)...)
	for _, maker := range mres.Makers {
		events = append(events, l.ex.pub.OrderStatusEvent(maker, "", l.book.NextSequence()))
	}
	events = append(events, l.ex.pub.OrderStatusEvent(order, "", l.book.NextSequence()))
	events = append(events, l.userEvents(st)...)
	l.ex.pub.Publish(events)

	if len(verdict.Warnings) > 0 {
		l.log.Info().
			Str("orderId", order.ID).
			Strs("warnings", verdict.Warnings).
			Int("riskScore", verdict.Score).
			Msg("order accepted with warnings")
	}

	return outcome{res: &common.Result{
		Accepted:  true,
		OrderID:   order.ID,
		Status:    order.Status,
		Trades:    mres.Trades,
		RiskScore: verdict.Score,
	}}
}

// ---- cancel ----------------------------------------------------------------

func (l *instrumentLoop) handleCancel(cmd common.Command) outcome {
	c := cmd.Cancel
	resting, ok := l.book.Get(c.OrderID)
	if !ok {
		stored, err := l.ex.store.View().Orders().Get(c.OrderID)
		if err == storage.ErrNotFound {
			return outcome{err: common.NewErrorf(common.KindNotFound, "order %s not found", c.OrderID)}
		}
		if err != nil {
			return outcome{err: common.WrapError(common.KindTransient, "load order", err)}
		}
		if stored.UserID != c.UserID {
			return outcome{err: common.NewErrorf(common.KindNotFound, "order %s not found", c.OrderID)}
		}
		if stored.Status.Terminal() {
			// Cancelling a terminal order is a no-op reporting the state.
			return outcome{res: &common.Result{Accepted: true, OrderID: stored.ID, Status: stored.Status}}
		}
		err = common.NewErrorf(common.KindIntegrity,
			"order %s open in storage but missing from book", c.OrderID)
		l.halt(err)
		return outcome{err: err}
	}
	if resting.UserID != c.UserID {
		return outcome{err: common.NewErrorf(common.KindNotFound, "order %s not found", c.OrderID)}
	}

	if _, err := l.book.RemoveOrder(resting.ID); err != nil {
		return outcome{err: common.WrapError(common.KindIntegrity, "remove order", err)}
	}
	resting.Status = common.StatusCancelled
	if err := l.withTxn(func(txn storage.Txn) error {
		return txn.Orders().Update(resting)
	}); err != nil {
		l.halt(common.WrapError(common.KindIntegrity, "book and storage diverged", err))
		return outcome{err: err}
	}

	events := l.ex.pub.DeltaEvents(l.book)
	events = append(events, l.ex.pub.OrderStatusEvent(resting, "", l.book.NextSequence()))
	l.ex.pub.Publish(events)

	return outcome{res: &common.Result{Accepted: true, OrderID: resting.ID, Status: common.StatusCancelled}}
}

// ---- modify ----------------------------------------------------------------

func (l *instrumentLoop) handleModify(cmd common.Command) outcome {
	m := cmd.Modify
	resting, ok := l.book.Get(m.OrderID)
	if !ok {
		stored, err := l.ex.store.View().Orders().Get(m.OrderID)
		if err == nil && stored.UserID == m.UserID && stored.Status.Terminal() {
			return outcome{err: common.NewErrorf(common.KindValidation,
				"order %s is %s", m.OrderID, stored.Status)}
		}
		return outcome{err: common.NewErrorf(common.KindNotFound, "order %s not found", m.OrderID)}
	}
	if resting.UserID != m.UserID {
		return outcome{err: common.NewErrorf(common.KindNotFound, "order %s not found", m.OrderID)}
	}

	priceChanged := m.NewPrice != nil && !m.NewPrice.Equal(resting.LimitPrice)
	if !priceChanged {
		if m.NewQty == nil {
			return outcome{err: common.NewError(common.KindValidation, "modify changes nothing")}
		}
		if m.NewQty.GreaterThan(resting.TotalQuantity) {
			return outcome{err: common.NewError(common.KindValidation,
				"quantity increase requires cancel and re-submit")}
		}
		if !m.NewQty.IsMultipleOf(l.inst.LotSize) {
			return outcome{err: common.NewErrorf(common.KindValidation,
				"quantity %s is not a multiple of lot size %s", m.NewQty, l.inst.LotSize)}
		}
		updated, err := l.book.UpdateOrderQuantity(resting.ID, *m.NewQty)
		if err != nil {
			return outcome{err: common.WrapError(common.KindValidation, "reduce quantity", err)}
		}
		if updated.Remaining().IsZero() {
			updated.Status = common.StatusCancelled
		}
		if err := l.withTxn(func(txn storage.Txn) error {
			return txn.Orders().Update(updated)
		}); err != nil {
			l.halt(common.WrapError(common.KindIntegrity, "book and storage diverged", err))
			return outcome{err: err}
		}
		events := l.ex.pub.DeltaEvents(l.book)
		events = append(events, l.ex.pub.OrderStatusEvent(updated, "", l.book.NextSequence()))
		l.ex.pub.Publish(events)
		return outcome{res: &common.Result{Accepted: true, OrderID: updated.ID, Status: updated.Status}}
	}

	// A price change loses time priority: remove, then re-enter as a fresh
	// order through the full risk/match path.
	newQty := resting.Remaining()
	if m.NewQty != nil {
		if m.NewQty.GreaterThan(resting.Remaining()) {
			return outcome{err: common.NewError(common.KindValidation,
				"quantity increase requires cancel and re-submit")}
		}
		newQty = *m.NewQty
	}
	if _, err := l.book.RemoveOrder(resting.ID); err != nil {
		return outcome{err: common.WrapError(common.KindIntegrity, "remove order", err)}
	}
	resting.Status = common.StatusCancelled
	if err := l.withTxn(func(txn storage.Txn) error {
		return txn.Orders().Update(resting)
	}); err != nil {
		l.halt(common.WrapError(common.KindIntegrity, "book and storage diverged", err))
		return outcome{err: err}
	}
	l.ex.pub.Publish(l.ex.pub.DeltaEvents(l.book))

	place := common.Command{
		CorrelationID: cmd.CorrelationID,
		Deadline:      cmd.Deadline,
		Place: &common.PlaceOrder{
			UserID:      resting.UserID,
			AccountID:   resting.AccountID,
			Symbol:      resting.Symbol,
			Side:        resting.Side,
			TimeInForce: resting.TimeInForce,
			Quantity:    newQty,
			Price:       *m.NewPrice,
			DisplayQty:  resting.DisplayQty,
		},
	}
	out := l.handlePlace(place)
	if out.res != nil {
		out.res.NewOrderID = out.res.OrderID
		out.res.OrderID = resting.ID
	}
	return out
}

// ---- cancel-all ------------------------------------------------------------

func (l *instrumentLoop) handleCancelAll(cmd common.Command) outcome {
	f := cmd.CancelAll
	var cancelled []*common.Order
	for _, o := range l.book.AllOrders() {
		if o.UserID != f.UserID {
			continue
		}
		if f.AccountID != "" && o.AccountID != f.AccountID {
			continue
		}
		cancelled = append(cancelled, o)
	}
	for _, o := range cancelled {
		l.book.RemoveOrder(o.ID)
		o.Status = common.StatusCancelled
	}
	if len(cancelled) > 0 {
		if err := l.withTxn(func(txn storage.Txn) error {
			for _, o := range cancelled {
				if err := txn.Orders().Update(o); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			l.halt(common.WrapError(common.KindIntegrity, "book and storage diverged", err))
			return outcome{err: err}
		}
	}

	events := l.ex.pub.DeltaEvents(l.book)
	for _, o := range cancelled {
		events = append(events, l.ex.pub.OrderStatusEvent(o, "", l.book.NextSequence()))
	}
	l.ex.pub.Publish(events)

	return outcome{res: &common.Result{Accepted: true, CancelledCount: len(cancelled)}}
}

// ---- expiration settlement -------------------------------------------------

func (l *instrumentLoop) handleSettle(cmd common.Command) outcome {
	s := cmd.Settle
	if !l.inst.Active {
		return outcome{err: common.NewErrorf(common.KindValidation,
			"instrument %s already settled", l.inst.Symbol)}
	}
	if !l.inst.PriceInBand(s.SettlementPrice) {
		return outcome{err: common.NewErrorf(common.KindValidation,
			"settlement price %s outside [%s, %s]", s.SettlementPrice, l.inst.MinPrice, l.inst.MaxPrice)}
	}

	expired := l.book.AllOrders()
	for _, o := range expired {
		l.book.RemoveOrder(o.ID)
		o.Status = common.StatusExpired
	}

	now := time.Now()
	var st *settleState
	var settledCount int
	err := l.withTxn(func(txn storage.Txn) error {
		st = newSettleState()
		settledCount = 0
		for _, o := range expired {
			if err := txn.Orders().Update(o); err != nil {
				return err
			}
		}
		positions, err := txn.Positions().OpenBySymbol(l.inst.Symbol)
		if err != nil {
			return err
		}
		for _, pos := range positions {
			bal, err := txn.Balances().Get(pos.AccountID, l.ex.settle.Currency())
			if err == storage.ErrNotFound {
				return common.NewErrorf(common.KindIntegrity,
					"open position without a balance (account %s)", pos.AccountID)
			}
			if err != nil {
				return err
			}
			out := l.ex.settle.Expire(pos, bal, s.SettlementPrice, now)
			if err := txn.Positions().Upsert(pos); err != nil {
				return err
			}
			if err := txn.Balances().Upsert(bal); err != nil {
				return err
			}
			st.positions[pos.AccountID] = pos
			st.balances[pos.AccountID] = bal
			st.addRealized(pos.AccountID, out.Realized)
			settledCount++
		}

		l.inst.Active = false
		l.inst.SettlementPrice = s.SettlementPrice
		if err := txn.Instruments().Update(l.inst); err != nil {
			return err
		}
		return txn.Audit().Insert(&common.AuditEntry{
			ID:            uuid.New().String(),
			Kind:          "expiration",
			Symbol:        l.inst.Symbol,
			Detail:        "settled at " + s.SettlementPrice.String(),
			CorrelationID: cmd.CorrelationID,
			CreatedAt:     now,
		})
	})
	if err != nil {
		l.halt(common.WrapError(common.KindIntegrity, "expiration settlement failed", err))
		return outcome{err: err}
	}
	l.commitDaily(st)

	events := l.ex.pub.DeltaEvents(l.book)
	for _, o := range expired {
		events = append(events, l.ex.pub.OrderStatusEvent(o, "instrument expired", l.book.NextSequence()))
	}
	events = append(events, l.userEvents(st)...)
	l.ex.pub.Publish(events)

	l.log.Info().
		Str("settlementPrice", s.SettlementPrice.String()).
		Int("positionsSettled", settledCount).
		Int("ordersExpired", len(expired)).
		Msg("instrument settled")

	return outcome{res: &common.Result{
		Accepted:         true,
		PositionsSettled: settledCount,
		OrdersExpired:    len(expired),
	}}
}

// ---- session close ---------------------------------------------------------

func (l *instrumentLoop) handleCloseSession(cmd common.Command) outcome {
	var expired []*common.Order
	for _, o := range l.book.AllOrders() {
		if o.TimeInForce == common.Day {
			expired = append(expired, o)
		}
	}
	for _, o := range expired {
		l.book.RemoveOrder(o.ID)
		o.Status = common.StatusExpired
	}
	if len(expired) > 0 {
		if err := l.withTxn(func(txn storage.Txn) error {
			for _, o := range expired {
				if err := txn.Orders().Update(o); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			l.halt(common.WrapError(common.KindIntegrity, "book and storage diverged", err))
			return outcome{err: err}
		}
	}

	events := l.ex.pub.DeltaEvents(l.book)
	for _, o := range expired {
		events = append(events, l.ex.pub.OrderStatusEvent(o, "session closed", l.book.NextSequence()))
	}
	l.ex.pub.Publish(events)

	// A fresh session starts with fresh rolling-day counters.
	l.daily = make(map[string]*dailyCounters)

	return outcome{res: &common.Result{Accepted: true, OrdersExpired: len(expired)}}
}
